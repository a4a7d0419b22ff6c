package core

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(ComponentDoctor, ComponentIgor, TypePlanSubmit, map[string]string{"planId": "p1"})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Greater(t, msg.Timestamp, int64(0))
	assert.Equal(t, ComponentDoctor, msg.Source)
	assert.Equal(t, ComponentIgor, msg.Target)
	require.NoError(t, msg.Validate())
}

func TestMessageTimestampsMonotonic(t *testing.T) {
	var last int64
	for i := 0; i < 100; i++ {
		msg, err := NewMessage(ComponentDoctor, ComponentIgor, TypeHeartbeat, nil)
		require.NoError(t, err)
		assert.Greater(t, msg.Timestamp, last)
		last = msg.Timestamp
	}
}

func TestMessageValidate(t *testing.T) {
	valid := func() *Message {
		m, _ := NewMessage(ComponentDoctor, ComponentIgor, TypePlanSubmit, nil)
		return m
	}

	tests := []struct {
		name    string
		mutate  func(*Message)
		wantErr error
	}{
		{
			name:   "valid message passes",
			mutate: func(m *Message) {},
		},
		{
			name:    "missing id",
			mutate:  func(m *Message) { m.ID = "" },
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "zero timestamp",
			mutate:  func(m *Message) { m.Timestamp = 0 },
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "invalid source",
			mutate:  func(m *Message) { m.Source = "nobody" },
			wantErr: ErrInvalidComponentID,
		},
		{
			name:    "invalid target",
			mutate:  func(m *Message) { m.Target = "UPPER-CASE" },
			wantErr: ErrInvalidComponentID,
		},
		{
			name:   "broadcast target accepted",
			mutate: func(m *Message) { m.Target = Broadcast },
		},
		{
			name:   "dynamic target accepted",
			mutate: func(m *Message) { m.Target = "igor-a2f9" },
		},
		{
			name:    "unknown type rejected",
			mutate:  func(m *Message) { m.Type = "plan.unknown" },
			wantErr: ErrUnknownMessageType,
		},
		{
			name: "oversized payload rejected",
			mutate: func(m *Message) {
				m.Payload = json.RawMessage(`"` + strings.Repeat("x", MaxPayloadBytes) + `"`)
			},
			wantErr: ErrMessageTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			err := m.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestMessageReply(t *testing.T) {
	req, err := NewMessage(ComponentIgor, ComponentFrank, TypeBrowserNavigate, map[string]string{"url": "https://example.com"})
	require.NoError(t, err)

	resp, err := req.Reply(ComponentFrank, TypeBrowserNavigated, map[string]bool{"ok": true})
	require.NoError(t, err)

	assert.Equal(t, ComponentFrank, resp.Source)
	assert.Equal(t, ComponentIgor, resp.Target)
	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.Equal(t, req.ID, resp.CausationID)
	require.NoError(t, resp.Validate())
}

func TestMessageReplyPreservesCorrelation(t *testing.T) {
	req, err := NewMessage(ComponentIgor, ComponentFrank, TypeBrowserClick, nil)
	require.NoError(t, err)
	req.CorrelationID = "corr-original"

	resp, err := req.Reply(ComponentFrank, TypeBrowserClicked, nil)
	require.NoError(t, err)
	assert.Equal(t, "corr-original", resp.CorrelationID)
	assert.Equal(t, req.ID, resp.CausationID)
}

func TestDecodePayload(t *testing.T) {
	msg, err := NewMessage(ComponentDoctor, ComponentIgor, TypePlanSubmit, map[string]int{"totalSteps": 3})
	require.NoError(t, err)

	var out struct {
		TotalSteps int `json:"totalSteps"`
	}
	require.NoError(t, msg.DecodePayload(&out))
	assert.Equal(t, 3, out.TotalSteps)

	empty := &Message{}
	assert.Error(t, empty.DecodePayload(&out))
}

func TestKnownMessageType(t *testing.T) {
	assert.True(t, KnownMessageType(TypePlanSubmit))
	assert.True(t, KnownMessageType(TypeToolDebugEval))
	assert.True(t, KnownMessageType(TypeToolsListChanged))
	assert.False(t, KnownMessageType("plan.explode"))
	assert.False(t, KnownMessageType(""))
}
