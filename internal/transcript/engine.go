// Package transcript turns a stream of speech recognition fragments into
// subtitles and, after a pause or a final result, one chat message.
package transcript

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// Publisher receives the engine's output. It is called with the engine
// lock held and must not call back into the Engine.
type Publisher interface {
	// PublishSubtitle sends ephemeral text; "" clears the subtitle.
	PublishSubtitle(text string) error
	// PromoteMessage appends text as a speech-sourced chat message.
	PromoteMessage(text string) error
}

type Config struct {
	Debounce  time.Duration
	MinLength int
}

type State int

const (
	Idle State = iota
	Accumulating
	PendingPromotion
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case PendingPromotion:
		return "pending-promotion"
	default:
		return "unknown"
	}
}

type timer interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) timer

func stdAfterFunc(d time.Duration, f func()) timer { return time.AfterFunc(d, f) }

// Engine is one local speaker's transcript buffer.
type Engine struct {
	cfg   Config
	pub   Publisher
	after afterFunc

	mu     sync.Mutex
	state  State
	buf    string
	timer  timer
	gen    uint64
	closed bool
}

func New(cfg Config, pub Publisher) *Engine {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 3 * time.Second
	}
	if cfg.MinLength < 0 {
		cfg.MinLength = 0
	}
	return &Engine{cfg: cfg, pub: pub, after: stdAfterFunc}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Buffered returns the text awaiting promotion.
func (e *Engine) Buffered() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf
}

// Interim replaces the buffer with the latest partial result, shows it as a
// subtitle and restarts the silence timer.
func (e *Engine) Interim(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	e.buf = text
	if e.longEnough(text) {
		e.state = PendingPromotion
	} else {
		e.state = Accumulating
	}
	e.publishSubtitle(text)
	e.armLocked()
}

// Final promotes immediately. An empty text promotes whatever is buffered.
func (e *Engine) Final(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = e.buf
	}
	e.stopLocked()
	e.settleLocked(text, "final")
}

// Close silences the engine. Pending text is dropped without output.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.stopLocked()
	e.buf = ""
	e.state = Idle
}

func (e *Engine) armLocked() {
	e.stopLocked()
	gen := e.gen
	e.timer = e.after(e.cfg.Debounce, func() { e.onSilence(gen) })
}

func (e *Engine) stopLocked() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) onSilence(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// A newer fragment, a final result or Close got here first.
	if e.closed || gen != e.gen {
		return
	}
	e.timer = nil
	e.gen++
	e.settleLocked(e.buf, "silence")
}

// settleLocked clears the buffer before promoting, so a fragment arriving
// while PromoteMessage runs starts a new utterance.
func (e *Engine) settleLocked(text, reason string) {
	had := e.state != Idle || text != ""
	e.buf = ""
	e.state = Idle

	if text != "" && e.longEnough(text) {
		if err := e.pub.PromoteMessage(text); err != nil {
			log.Warn().Err(err).Str("module", "transcript").Str("reason", reason).Msg("promotion failed")
		} else {
			log.Debug().Str("module", "transcript").Str("reason", reason).Int("len", utf8.RuneCountInString(text)).Msg("promoted")
		}
	} else if text != "" {
		log.Debug().Str("module", "transcript").Str("reason", reason).Msg("discarded short utterance")
	}
	if had {
		e.publishSubtitle("")
	}
}

func (e *Engine) publishSubtitle(text string) {
	if err := e.pub.PublishSubtitle(text); err != nil {
		log.Debug().Err(err).Str("module", "transcript").Msg("subtitle not sent")
	}
}

func (e *Engine) longEnough(text string) bool {
	return utf8.RuneCountInString(text) >= e.cfg.MinLength
}
