package bridge

import (
	"sync"

	"github.com/barrhawk/labcore/core"
)

// HistoryFilter narrows a history query. Zero values match everything.
type HistoryFilter struct {
	Type   string `json:"type,omitempty"`
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
	Since  int64  `json:"since,omitempty"` // epoch-ms, inclusive
	Limit  int    `json:"limit,omitempty"`
}

// historyRing is a fixed-size ring of delivered messages, oldest dropped.
type historyRing struct {
	mu   sync.RWMutex
	buf  []*core.Message
	next int
	full bool
}

func newHistoryRing(size int) *historyRing {
	return &historyRing{buf: make([]*core.Message, size)}
}

func (h *historyRing) append(m *core.Message) {
	h.mu.Lock()
	h.buf[h.next] = m
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// snapshot returns messages oldest-first.
func (h *historyRing) snapshot() []*core.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*core.Message
	if h.full {
		out = append(out, h.buf[h.next:]...)
	}
	out = append(out, h.buf[:h.next]...)
	return out
}

func (h *historyRing) query(f HistoryFilter) []*core.Message {
	all := h.snapshot()
	var out []*core.Message
	for _, m := range all {
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.Source != "" && m.Source != f.Source {
			continue
		}
		if f.Target != "" && m.Target != f.Target {
			continue
		}
		if f.Since > 0 && m.Timestamp < f.Since {
			continue
		}
		out = append(out, m)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
