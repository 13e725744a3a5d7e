// Package session keeps chat history and turns user messages into committed
// turns through the generation driver.
package session

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/23skdu/fingemma/internal/config"
	"github.com/23skdu/fingemma/internal/generate"
	"github.com/23skdu/fingemma/internal/prompt"
)

var (
	// ErrEmptyMessage rejects blank input before anything reaches the model.
	ErrEmptyMessage = errors.New("session: empty message")
	// ErrBusy rejects a submit while another is in flight on the same session.
	ErrBusy = errors.New("session: a reply is still being generated")
	// ErrNoReply is returned when a stream ends without a final update.
	ErrNoReply = errors.New("session: stream ended without a reply")
	// ErrReset is returned when the conversation was reset while its reply
	// was being generated. Nothing is committed.
	ErrReset = errors.New("session: conversation was reset during the reply")
)

// Generator is the part of generate.Driver a session needs.
type Generator interface {
	Complete(ctx context.Context, prompt string, p config.Params) (string, error)
	Stream(ctx context.Context, prompt string, p config.Params) iter.Seq2[generate.Update, error]
}

// UpdateFunc receives each streaming update with the provisional history:
// the committed turns plus the turn being generated.
type UpdateFunc func(u generate.Update, history []prompt.Turn)

type Session struct {
	ID string

	gen  Generator
	busy atomic.Bool

	mu      sync.Mutex
	history []prompt.Turn
	// epoch changes on Reset so an in-flight reply is not committed into a
	// conversation that was cleared under it.
	epoch uint64
}

func New(id string, gen Generator) *Session {
	return &Session{ID: id, gen: gen}
}

// History returns a copy of the committed turns.
func (s *Session) History() []prompt.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]prompt.Turn(nil), s.history...)
}

// Reset discards all turns.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.epoch++
}

func (s *Session) snapshot() ([]prompt.Turn, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]prompt.Turn(nil), s.history...), s.epoch
}

func (s *Session) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

func (s *Session) commit(t prompt.Turn, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return ErrReset
	}
	s.history = append(s.history, t)
	return nil
}

func (s *Session) acquire(message string) error {
	if strings.TrimSpace(message) == "" {
		return ErrEmptyMessage
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

// Submit generates a cleaned reply to message and commits the turn.
func (s *Session) Submit(ctx context.Context, message, system string, p config.Params) (prompt.Turn, error) {
	if err := s.acquire(message); err != nil {
		return prompt.Turn{}, err
	}
	defer s.busy.Store(false)

	history, epoch := s.snapshot()
	reply, err := s.gen.Complete(ctx, prompt.Build(system, history, message), p)
	if err != nil {
		return prompt.Turn{}, err
	}

	t := prompt.Turn{User: message, Assistant: reply}
	if err := s.commit(t, epoch); err != nil {
		return prompt.Turn{}, err
	}
	return t, nil
}

// SubmitStream streams a reply to message, reporting every update to
// onUpdate, and commits the turn when the final update arrives. A failed
// stream commits nothing. A Reset while streaming stops the stream, so no
// update carries the cleared history.
func (s *Session) SubmitStream(ctx context.Context, message, system string, p config.Params, onUpdate UpdateFunc) (prompt.Turn, error) {
	if err := s.acquire(message); err != nil {
		return prompt.Turn{}, err
	}
	defer s.busy.Store(false)

	history, epoch := s.snapshot()
	view := append(history, prompt.Turn{User: message})
	pending := len(view) - 1

	for u, err := range s.gen.Stream(ctx, prompt.Build(system, history, message), p) {
		if err != nil {
			return prompt.Turn{}, err
		}

		if !s.current(epoch) {
			return prompt.Turn{}, ErrReset
		}

		view[pending].Assistant = u.Text
		if onUpdate != nil {
			onUpdate(u, append([]prompt.Turn(nil), view...))
		}

		if u.Final {
			t := prompt.Turn{User: message, Assistant: u.Text}
			if err := s.commit(t, epoch); err != nil {
				return prompt.Turn{}, err
			}
			return t, nil
		}
	}
	return prompt.Turn{}, ErrNoReply
}
