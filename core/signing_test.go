package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	msg, err := NewMessage(ComponentDoctor, ComponentIgor, TypePlanSubmit,
		map[string]interface{}{"planId": "p1", "steps": []string{"navigate", "screenshot"}})
	require.NoError(t, err)

	require.NoError(t, SignMessage(msg, "secret"))
	assert.NotEmpty(t, msg.Signature)
	assert.NoError(t, VerifyMessage(msg, "secret"))
}

func TestVerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
	}{
		{"payload altered", func(m *Message) { m.Payload = json.RawMessage(`{"planId":"p2"}`) }},
		{"target altered", func(m *Message) { m.Target = ComponentFrank }},
		{"type altered", func(m *Message) { m.Type = TypePlanCancel }},
		{"timestamp altered", func(m *Message) { m.Timestamp++ }},
		{"correlation added", func(m *Message) { m.CorrelationID = "c1" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(ComponentDoctor, ComponentIgor, TypePlanSubmit,
				map[string]string{"planId": "p1"})
			require.NoError(t, err)
			require.NoError(t, SignMessage(msg, "secret"))

			tt.mutate(msg)
			assert.ErrorIs(t, VerifyMessage(msg, "secret"), ErrSignatureMismatch)
		})
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	msg, err := NewMessage(ComponentDoctor, ComponentIgor, TypeHeartbeat, nil)
	require.NoError(t, err)
	require.NoError(t, SignMessage(msg, "secret"))
	assert.ErrorIs(t, VerifyMessage(msg, "other"), ErrSignatureMismatch)
}

func TestVerifyMissingSignature(t *testing.T) {
	msg, err := NewMessage(ComponentDoctor, ComponentIgor, TypeHeartbeat, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyMessage(msg, "secret"), ErrSignatureMismatch)
}

func TestSignatureExcludedFromCanonicalEncoding(t *testing.T) {
	msg, err := NewMessage(ComponentDoctor, ComponentIgor, TypeHeartbeat, nil)
	require.NoError(t, err)

	before, err := CanonicalEncoding(msg)
	require.NoError(t, err)
	require.NoError(t, SignMessage(msg, "secret"))
	after, err := CanonicalEncoding(msg)
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestCanonicalEncodingIgnoresPayloadFormatting(t *testing.T) {
	// The same payload with different whitespace and key order must sign
	// identically: signing covers content, not raw bytes.
	a := &Message{
		ID: "m1", Timestamp: 42, Source: ComponentDoctor, Target: ComponentIgor,
		Type: TypePlanSubmit, Payload: json.RawMessage(`{"a":1,"b":{"c":2,"d":3}}`),
	}
	b := &Message{
		ID: "m1", Timestamp: 42, Source: ComponentDoctor, Target: ComponentIgor,
		Type: TypePlanSubmit, Payload: json.RawMessage(`{ "b": {"d": 3, "c": 2}, "a": 1 }`),
	}

	ea, err := CanonicalEncoding(a)
	require.NoError(t, err)
	eb, err := CanonicalEncoding(b)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)

	require.NoError(t, SignMessage(a, "k"))
	require.NoError(t, SignMessage(b, "k"))
	assert.Equal(t, a.Signature, b.Signature)
}

func TestCanonicalEncodingSortedKeys(t *testing.T) {
	m := &Message{
		ID: "m1", Timestamp: 1, Source: ComponentDoctor, Target: ComponentIgor,
		Type: TypeHeartbeat, Version: "1.0.0", CorrelationID: "c1",
	}
	enc, err := CanonicalEncoding(m)
	require.NoError(t, err)

	// Keys appear in ascending order in the encoded output.
	s := string(enc)
	order := []string{`"correlationId"`, `"id"`, `"source"`, `"target"`, `"timestamp"`, `"type"`, `"version"`}
	last := -1
	for _, key := range order {
		idx := indexOf(s, key)
		require.GreaterOrEqual(t, idx, 0, "missing key %s", key)
		assert.Greater(t, idx, last, "key %s out of order", key)
		last = idx
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
