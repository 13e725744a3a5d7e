// Package generate drives a loaded model: blocking completions that come back
// cleaned, and streams that stop at the first turn boundary the model invents.
package generate

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/23skdu/fingemma/internal/backend"
	"github.com/23skdu/fingemma/internal/config"
	"github.com/23skdu/fingemma/internal/logger"
	"github.com/23skdu/fingemma/internal/metrics"
)

// Update is one snapshot of a streaming generation.
type Update struct {
	// Text is the reply so far, trimmed. It only grows, except that the final
	// update of a truncated stream has the marker and everything after it cut.
	Text         string  `json:"text"`
	Tokens       int     `json:"tokens"`
	TokensPerSec float64 `json:"tokens_per_sec"`
	Final        bool    `json:"final"`
	Truncated    bool    `json:"truncated"`
}

// fragmentBuffer is how far a producer may run ahead of its consumer.
const fragmentBuffer = 64

// Driver is shared by every front end; it is safe for concurrent use.
type Driver struct {
	model backend.Model
	now   func() time.Time
}

type Option func(*Driver)

// WithClock replaces time.Now for throughput figures.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

func New(m backend.Model, opts ...Option) *Driver {
	d := &Driver{model: m, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Info() backend.Info {
	return d.model.Info()
}

// Generate returns the raw completion for prompt. Runtimes that echo the
// prompt have it stripped.
func (d *Driver) Generate(ctx context.Context, prompt string, p config.Params) (string, error) {
	start := d.now()
	text, err := d.generate(ctx, prompt, p)
	if err != nil {
		metrics.RecordGeneration(metrics.ModeBlocking, metrics.OutcomeError, 0, d.now().Sub(start))
		return "", err
	}
	metrics.RecordGeneration(metrics.ModeBlocking, metrics.OutcomeOK, backend.CountTokens(ctx, d.model, text), d.now().Sub(start))
	return text, nil
}

// Complete is Generate followed by Clean.
func (d *Driver) Complete(ctx context.Context, prompt string, p config.Params) (string, error) {
	start := d.now()
	raw, err := d.generate(ctx, prompt, p)
	if err != nil {
		metrics.RecordGeneration(metrics.ModeBlocking, metrics.OutcomeError, 0, d.now().Sub(start))
		return "", err
	}

	outcome := metrics.OutcomeOK
	if FindMarker(strings.TrimSpace(raw)) >= 0 {
		outcome = metrics.OutcomeTruncated
	}
	text := Clean(raw)
	metrics.RecordGeneration(metrics.ModeBlocking, outcome, backend.CountTokens(ctx, d.model, text), d.now().Sub(start))
	return text, nil
}

func (d *Driver) generate(ctx context.Context, prompt string, p config.Params) (string, error) {
	out, err := d.model.Generate(ctx, prompt, p)
	if err != nil {
		logger.Log.Error("Generation failed", "error", err)
		return "", fmt.Errorf("generate: %w", err)
	}
	return strings.TrimPrefix(out, prompt), nil
}

// producer runs one backend stream and hands its fragments over a channel.
type producer struct {
	frags  chan string
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func (d *Driver) start(ctx context.Context, prompt string, p config.Params) *producer {
	ctx, cancel := context.WithCancel(ctx)
	pr := &producer{
		frags:  make(chan string, fragmentBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(pr.done)
		defer close(pr.frags)
		pr.err = d.model.Stream(ctx, prompt, p, func(f string) bool {
			select {
			case pr.frags <- f:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return pr
}

// stop cancels the producer and waits for it to return.
func (pr *producer) stop() {
	pr.cancel()
	for range pr.frags {
	}
	<-pr.done
}

// result is the producer's outcome once its channel has closed. A stream cut
// short by ctx counts as failed even if the runtime ended it cleanly.
func (pr *producer) result(ctx context.Context) error {
	<-pr.done
	if pr.err != nil {
		return pr.err
	}
	return ctx.Err()
}

// Fragments streams raw decoded fragments with no marker handling. A failure
// is yielded once, after the fragments that preceded it.
func (d *Driver) Fragments(ctx context.Context, prompt string, p config.Params) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		start := d.now()
		pr := d.start(ctx, prompt, p)
		defer pr.stop()

		metrics.ActiveStreams.Inc()
		defer metrics.ActiveStreams.Dec()

		var sb strings.Builder
		outcome := metrics.OutcomeOK
		defer func() {
			metrics.RecordGeneration(metrics.ModeStreaming, outcome, backend.EstimateTokens(sb.String()), d.now().Sub(start))
		}()

		for f := range pr.frags {
			sb.WriteString(f)
			if !yield(f, nil) {
				outcome = metrics.OutcomeCancelled
				return
			}
		}
		if err := pr.result(ctx); err != nil {
			outcome = metrics.OutcomeError
			yield("", fmt.Errorf("stream: %w", err))
		}
	}
}

// Stream yields an Update per decoded fragment. When the text reaches a stop
// marker the truncated text is yielded as final and the producer is
// cancelled. On failure a single error is yielded and no final update is
// produced, so callers have nothing to commit.
func (d *Driver) Stream(ctx context.Context, prompt string, p config.Params) iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		start := d.now()
		pr := d.start(ctx, prompt, p)
		defer pr.stop()

		metrics.ActiveStreams.Inc()
		defer metrics.ActiveStreams.Dec()

		var (
			buf     strings.Builder
			last    Update
			outcome = metrics.OutcomeOK
		)
		defer func() {
			metrics.RecordGeneration(metrics.ModeStreaming, outcome, last.Tokens, d.now().Sub(start))
			logger.Log.Debug("Stream finished", "outcome", outcome, "tokens", last.Tokens, "tokens_per_sec", last.TokensPerSec)
		}()

		for f := range pr.frags {
			buf.WriteString(f)

			if cut, ok := TruncateAtMarker(buf.String()); ok {
				outcome = metrics.OutcomeTruncated
				last = d.update(ctx, strings.TrimSpace(cut), start)
				last.Final, last.Truncated = true, true
				yield(last, nil)
				return
			}

			last = d.update(ctx, strings.TrimSpace(buf.String()), start)
			if !yield(last, nil) {
				outcome = metrics.OutcomeCancelled
				return
			}
		}

		if err := pr.result(ctx); err != nil {
			outcome = metrics.OutcomeError
			last = Update{}
			yield(Update{}, fmt.Errorf("stream: %w", err))
			return
		}

		if buf.Len() == 0 {
			last = d.update(ctx, "", start)
		}
		last.TokensPerSec = rate(last.Tokens, d.now().Sub(start))
		last.Final = true
		yield(last, nil)
	}
}

func (d *Driver) update(ctx context.Context, text string, start time.Time) Update {
	tokens := backend.CountTokens(ctx, d.model, text)
	return Update{
		Text:         text,
		Tokens:       tokens,
		TokensPerSec: rate(tokens, d.now().Sub(start)),
	}
}

func rate(tokens int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(tokens) / elapsed.Seconds()
}
