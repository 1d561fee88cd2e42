// Package audio owns the local capture device and fans its RTP stream out
// to every active peer link.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

var ErrMediaUnavailable = errors.New("audio: capture device unavailable")

// Source is an opened capture device producing RTP.
type Source interface {
	ReadRTP() (*rtp.Packet, error)
	Close() error
}

type Opener func() (Source, error)

// Device is acquired at most once and shared by every link through its
// Fanout. Release closes the source and drops every output.
type Device struct {
	open   Opener
	fanout *Fanout

	mu     sync.Mutex
	src    Source
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDevice(open Opener) *Device {
	return &Device{open: open, fanout: NewFanout()}
}

func (d *Device) Fanout() *Fanout { return d.fanout }

func (d *Device) Acquired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.src != nil
}

// Acquire opens the device if it is not open yet.
func (d *Device) Acquire(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.src != nil {
		return nil
	}
	if d.open == nil {
		return ErrMediaUnavailable
	}
	src, err := d.open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.src, d.cancel, d.done = src, cancel, make(chan struct{})
	go d.loop(loopCtx, src, d.done)
	log.Info().Str("module", "audio").Msg("capture acquired")
	return nil
}

// Release closes the device and waits for the read loop to exit.
func (d *Device) Release() {
	d.mu.Lock()
	src, cancel, done := d.src, d.cancel, d.done
	d.src, d.cancel, d.done = nil, nil, nil
	d.mu.Unlock()
	if src == nil {
		return
	}

	cancel()
	if err := src.Close(); err != nil {
		log.Debug().Err(err).Str("module", "audio").Msg("close source")
	}
	<-done
	d.fanout.markAllDelete()
	log.Info().Str("module", "audio").Msg("capture released")
}

// loop reads RTP packets from the source and forwards them to all outputs.
func (d *Device) loop(ctx context.Context, src Source, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, err := src.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "audio").Msg("capture read error, stopping")
				d.fanout.markAllDelete()
			}
			return
		}
		d.fanout.forward(pkt)
	}
}
