package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/labcore/core"
)

func TestLocalClientPublishSubscribe(t *testing.T) {
	b := newTestBridge(t, nil)

	igor, err := Connect(b, "igor-1", "1.0.0")
	require.NoError(t, err)
	defer igor.Close()
	frank, err := Connect(b, "frank-1", "1.0.0")
	require.NoError(t, err)
	defer frank.Close()

	got := make(chan *core.Message, 1)
	frank.On(core.TypeBrowserNavigate, func(msg *core.Message) { got <- msg })

	msg, err := core.NewMessage("igor-1", "frank-1", core.TypeBrowserNavigate,
		map[string]string{"url": "https://example.com"})
	require.NoError(t, err)
	require.NoError(t, igor.Publish(context.Background(), msg))

	select {
	case m := <-got:
		assert.Equal(t, msg.ID, m.ID)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestLocalClientRequestResponse(t *testing.T) {
	b := newTestBridge(t, nil)

	igor, err := Connect(b, "igor-1", "")
	require.NoError(t, err)
	defer igor.Close()
	frank, err := Connect(b, "frank-1", "")
	require.NoError(t, err)
	defer frank.Close()

	frank.On(core.TypeBrowserClick, func(msg *core.Message) {
		resp, err := msg.Reply("frank-1", core.TypeBrowserClicked,
			&core.BrowserResultPayload{Action: "click", Success: true})
		require.NoError(t, err)
		require.NoError(t, frank.Publish(context.Background(), resp))
	})

	req, err := core.NewMessage("igor-1", "frank-1", core.TypeBrowserClick,
		map[string]string{"selector": "#login"})
	require.NoError(t, err)

	resp, err := igor.Request(context.Background(), req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.TypeBrowserClicked, resp.Type)
	assert.Equal(t, req.ID, resp.CorrelationID)
}

func TestLocalClientRequestTimeout(t *testing.T) {
	b := newTestBridge(t, nil)

	igor, err := Connect(b, "igor-1", "")
	require.NoError(t, err)
	defer igor.Close()
	frank, err := Connect(b, "frank-1", "")
	require.NoError(t, err)
	defer frank.Close()

	req, err := core.NewMessage("igor-1", "frank-1", core.TypeBrowserClick, nil)
	require.NoError(t, err)

	_, err = igor.Request(context.Background(), req, 50*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrTimeout)
}

func TestLocalClientVersionAnnounce(t *testing.T) {
	b := newTestBridge(t, nil)

	c, err := Connect(b, "igor-1", "2.3.4")
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool {
		for _, info := range b.Components() {
			if info.ID == "igor-1" && info.Version == "2.3.4" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestLocalClientCloseUnregisters(t *testing.T) {
	b := newTestBridge(t, nil)

	c, err := Connect(b, "igor-1", "")
	require.NoError(t, err)
	require.True(t, b.Registered("igor-1"))

	require.NoError(t, c.Close())
	assert.False(t, b.Registered("igor-1"))
}

func TestWSClientRoundTrip(t *testing.T) {
	b := newTestBridge(t, nil)
	srv := NewServer(b, &core.NoOpLogger{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	frank, err := Dial(wsURL, "frank-1", "1.0.0", "", &core.NoOpLogger{})
	require.NoError(t, err)
	defer frank.Close()
	igor, err := Dial(wsURL, "igor-1", "1.0.0", "", &core.NoOpLogger{})
	require.NoError(t, err)
	defer igor.Close()

	require.Eventually(t, func() bool {
		return b.Registered("frank-1") && b.Registered("igor-1")
	}, time.Second, 10*time.Millisecond)

	frank.On(core.TypeBrowserNavigate, func(msg *core.Message) {
		resp, err := msg.Reply("frank-1", core.TypeBrowserNavigated,
			&core.BrowserResultPayload{Action: "navigate", Success: true})
		require.NoError(t, err)
		require.NoError(t, frank.Publish(context.Background(), resp))
	})

	req, err := core.NewMessage("igor-1", "frank-1", core.TypeBrowserNavigate,
		map[string]string{"url": "https://example.com"})
	require.NoError(t, err)

	resp, err := igor.Request(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.TypeBrowserNavigated, resp.Type)

	var result core.BrowserResultPayload
	require.NoError(t, resp.DecodePayload(&result))
	assert.True(t, result.Success)
}

func TestWSClientSignedTraffic(t *testing.T) {
	cfg := testConfig()
	cfg.Bridge.Secret = "wire-secret"
	b := newTestBridge(t, cfg)
	srv := NewServer(b, &core.NoOpLogger{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	frank, err := Dial(wsURL, "frank-1", "", "wire-secret", &core.NoOpLogger{})
	require.NoError(t, err)
	defer frank.Close()
	igor, err := Dial(wsURL, "igor-1", "", "wire-secret", &core.NoOpLogger{})
	require.NoError(t, err)
	defer igor.Close()

	got := make(chan *core.Message, 1)
	frank.On(core.TypeBrowserClick, func(msg *core.Message) { got <- msg })

	req, err := core.NewMessage("igor-1", "frank-1", core.TypeBrowserClick,
		map[string]string{"selector": "#x"})
	require.NoError(t, err)
	require.NoError(t, igor.Publish(context.Background(), req))

	select {
	case m := <-got:
		assert.NoError(t, core.VerifyMessage(m, "wire-secret"))
	case <-time.After(2 * time.Second):
		t.Fatal("signed message not delivered")
	}
}

func TestWSServerRejectsInvalidComponentID(t *testing.T) {
	b := newTestBridge(t, nil)
	srv := NewServer(b, &core.NoOpLogger{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, err := Dial(wsURL, "igor-1", "", "", &core.NoOpLogger{})
	require.NoError(t, err)

	// Dial the raw endpoint so the server's own id check runs; the client
	// library would refuse this id before connecting.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?component=intruder", nil)
	assert.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}
