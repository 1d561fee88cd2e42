package audio

import (
	"maps"
	"sync"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

// Fanout copies every captured packet to each peer's output.
type Fanout struct {
	mu      sync.RWMutex
	outputs map[domain.UserID]*Output
}

func NewFanout() *Fanout {
	return &Fanout{outputs: make(map[domain.UserID]*Output)}
}

// AddOutput attaches w for peer, replacing any previous output.
func (f *Fanout) AddOutput(peer domain.UserID, w Writer) *Output {
	out := NewOutput(w)
	f.mu.Lock()
	if old, ok := f.outputs[peer]; ok {
		old.MarkDelete()
	}
	f.outputs[peer] = out
	f.mu.Unlock()
	return out
}

// RemoveOutput marks peer's output for deletion if it is still out.
func (f *Fanout) RemoveOutput(peer domain.UserID, out *Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.outputs[peer]; ok && (out == nil || cur == out) {
		cur.MarkDelete()
		delete(f.outputs, peer)
	}
}

func (f *Fanout) SetMuted(peer domain.UserID, muted bool) bool {
	f.mu.RLock()
	out, ok := f.outputs[peer]
	f.mu.RUnlock()
	if !ok {
		return false
	}
	if muted {
		out.MarkMuted()
	} else {
		out.MarkOk()
	}
	return true
}

func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.outputs)
}

func (f *Fanout) forward(pkt *rtp.Packet) {
	f.mu.RLock()
	snapshot := maps.Clone(f.outputs)
	f.mu.RUnlock()

	var dirty []domain.UserID
	for peer, out := range snapshot {
		switch out.State() {
		case OutputDelete:
			dirty = append(dirty, peer)
		case OutputMuted:
		case OutputOk:
			if err := out.W.WriteRTP(pkt); err != nil {
				log.Warn().Err(err).Str("module", "audio").Str("peer", string(peer)).Msg("write RTP error, dropping output")
				out.MarkDelete()
				dirty = append(dirty, peer)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		f.cleanup(snapshot, dirty)
	}
}

func (f *Fanout) cleanup(snapshot map[domain.UserID]*Output, dirty []domain.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, peer := range dirty {
		// Only drop the output we saw; AddOutput may have replaced it.
		if f.outputs[peer] == snapshot[peer] {
			delete(f.outputs, peer)
		}
	}
}

func (f *Fanout) markAllDelete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for peer, out := range f.outputs {
		out.MarkDelete()
		delete(f.outputs, peer)
	}
}
