package app

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/huddle/internal/core"
)

var errFull = errors.New("backpressure")

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errFull
	}
	c.frames = append(c.frames, append([]byte(nil), f...))
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) decoded(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("bad frame %s: %v", f, err)
		}
		out = append(out, m)
	}
	return out
}

func bindSession(t *testing.T, reg *Registry, sid core.SessionID) (*fakeConn, *bool) {
	t.Helper()
	conn := &fakeConn{}
	canceled := false
	reg.Bind(sid, core.NewMemberSession(sid, conn), func() { canceled = true })
	return conn, &canceled
}
