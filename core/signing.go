package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalEncoding returns the signable content of a message: its JSON
// encoding with keys sorted ascending and the signature field omitted.
// Payload bytes are embedded as parsed JSON so that formatting differences
// in the raw payload do not change the signature input.
func CanonicalEncoding(m *Message) ([]byte, error) {
	fields := map[string]interface{}{
		"id":        m.ID,
		"timestamp": m.Timestamp,
		"source":    m.Source,
		"target":    m.Target,
		"type":      m.Type,
	}
	if len(m.Payload) > 0 {
		var payload interface{}
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, fmt.Errorf("canonical encoding: %w", err)
		}
		fields["payload"] = canonicalize(payload)
	}
	if m.CorrelationID != "" {
		fields["correlationId"] = m.CorrelationID
	}
	if m.CausationID != "" {
		fields["causationId"] = m.CausationID
	}
	if m.Version != "" {
		fields["version"] = m.Version
	}
	return encodeSorted(fields)
}

// CanonicalJSON encodes v as JSON with object keys sorted ascending at
// every level. Used for signatures and content hashing wherever encoding
// stability matters.
func CanonicalJSON(v interface{}) ([]byte, error) {
	// Round-trip through encoding/json so struct tags and RawMessage
	// fields normalize to plain maps first.
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	return encodeSorted(canonicalize(decoded))
}

// canonicalize rebuilds decoded JSON so nested maps encode deterministically.
func canonicalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = canonicalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = canonicalize(val)
		}
		return out
	default:
		return v
	}
}

// encodeSorted writes a JSON object with keys in ascending order. Nested
// objects are sorted recursively.
func encodeSorted(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := encodeSorted(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	case []interface{}:
		buf := []byte{'['}
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := encodeSorted(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		return append(buf, ']'), nil
	default:
		return json.Marshal(v)
	}
}

// SignMessage computes the HMAC-SHA256 signature of m under secret and
// stores it on the envelope.
func SignMessage(m *Message, secret string) error {
	sig, err := computeSignature(m, secret)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// VerifyMessage checks the envelope signature under secret using a
// timing-safe comparison. An absent signature never verifies.
func VerifyMessage(m *Message, secret string) error {
	if m.Signature == "" {
		return NewCoreError("core.VerifyMessage", KindValidation, ErrSignatureMismatch)
	}
	expected, err := computeSignature(m, secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(m.Signature)) {
		return NewCoreError("core.VerifyMessage", KindValidation, ErrSignatureMismatch)
	}
	return nil
}

func computeSignature(m *Message, secret string) (string, error) {
	content, err := CanonicalEncoding(m)
	if err != nil {
		return "", NewCoreError("core.SignMessage", KindValidation, err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(content)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
