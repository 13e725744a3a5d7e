// Package backendtest provides a scripted backend.Model for tests.
package backendtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/23skdu/fingemma/internal/backend"
	"github.com/23skdu/fingemma/internal/config"
)

// Model replays Fragments. Configure it before first use.
type Model struct {
	Fragments []string
	// Output is what Generate returns; defaults to the joined fragments.
	Output string
	// EchoPrompt prefixes Generate's output with the prompt, the way
	// decoder-only runtimes that return the full sequence do.
	EchoPrompt bool
	// Err is returned by Generate, and by Stream after all fragments.
	Err error
	// Hold keeps Stream open after the last fragment until ctx is done.
	Hold bool
	// Delay is slept before each fragment.
	Delay time.Duration
	// NoTokenizer makes Tokenize return backend.ErrNoTokenizer.
	NoTokenizer bool
	ModelInfo   backend.Info

	mu        sync.Mutex
	prompts   []string
	params    []config.Params
	streams   int
	cancelled int
	tokenizes int
}

var _ backend.Model = (*Model)(nil)

func (m *Model) record(prompt string, p config.Params) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	m.params = append(m.params, p)
}

func (m *Model) Generate(ctx context.Context, prompt string, p config.Params) (string, error) {
	m.record(prompt, p)
	if m.Err != nil {
		return "", m.Err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out := m.Output
	if out == "" {
		out = strings.Join(m.Fragments, "")
	}
	if m.EchoPrompt {
		out = prompt + out
	}
	return out, nil
}

func (m *Model) Stream(ctx context.Context, prompt string, p config.Params, sink func(string) bool) error {
	m.record(prompt, p)
	m.mu.Lock()
	m.streams++
	m.mu.Unlock()

	for _, f := range m.Fragments {
		if m.Delay > 0 {
			select {
			case <-time.After(m.Delay):
			case <-ctx.Done():
				m.markCancelled()
				return ctx.Err()
			}
		}
		if ctx.Err() != nil {
			m.markCancelled()
			return ctx.Err()
		}
		if !sink(f) {
			m.markCancelled()
			return nil
		}
	}

	if m.Hold {
		<-ctx.Done()
		m.markCancelled()
		return ctx.Err()
	}
	return m.Err
}

func (m *Model) markCancelled() {
	m.mu.Lock()
	m.cancelled++
	m.mu.Unlock()
}

// Tokenize splits on whitespace and numbers the words.
func (m *Model) Tokenize(_ context.Context, text string) ([]int, error) {
	m.mu.Lock()
	m.tokenizes++
	m.mu.Unlock()
	if m.NoTokenizer {
		return nil, backend.ErrNoTokenizer
	}
	words := strings.Fields(text)
	ids := make([]int, len(words))
	for i := range ids {
		ids[i] = i
	}
	return ids, nil
}

func (m *Model) Info() backend.Info {
	return m.ModelInfo
}

func (m *Model) Close() error {
	return nil
}

// Calls is the number of Generate and Stream invocations.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// Prompts returns the prompts seen so far.
func (m *Model) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Params returns the parameters seen so far.
func (m *Model) Params() []config.Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]config.Params(nil), m.params...)
}

// Cancelled counts streams that ended because the consumer stopped them.
func (m *Model) Cancelled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

func (m *Model) Tokenizes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenizes
}
