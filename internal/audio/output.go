package audio

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type OutputState int32

const (
	OutputOk OutputState = iota
	OutputMuted
	OutputDelete
)

// Writer is satisfied by *webrtc.TrackLocalStaticRTP.
type Writer interface {
	WriteRTP(p *rtp.Packet) error
}

// Output is one peer's copy of the local capture.
type Output struct {
	W     Writer
	state atomic.Int32 // Zero by default (OutputOk)
}

func NewOutput(w Writer) *Output {
	return &Output{W: w}
}

func (o *Output) State() OutputState {
	return OutputState(o.state.Load())
}

func (o *Output) MarkOk() {
	o.state.CompareAndSwap(int32(OutputMuted), int32(OutputOk))
}

func (o *Output) MarkMuted() {
	o.state.CompareAndSwap(int32(OutputOk), int32(OutputMuted))
}

// MarkDelete is final; a deleted output never comes back.
func (o *Output) MarkDelete() {
	o.state.Store(int32(OutputDelete))
}
