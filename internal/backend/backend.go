// Package backend is the boundary to the external inference runtime. The
// runtime owns tokenization, sampling and decoding; this package only moves
// prompts in and text out.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/23skdu/fingemma/internal/config"
	"github.com/23skdu/fingemma/internal/modelsrc"
)

// ErrNoTokenizer is returned by Tokenize when the runtime exposes no tokenizer.
var ErrNoTokenizer = errors.New("backend: tokenizer not available")

// Model is a loaded model. Implementations are safe for concurrent use.
type Model interface {
	// Generate blocks until the whole completion is decoded.
	Generate(ctx context.Context, prompt string, p config.Params) (string, error)
	// Stream pushes decoded fragments to sink as they arrive and returns when
	// generation ends, sink returns false, or ctx is done.
	Stream(ctx context.Context, prompt string, p config.Params, sink func(fragment string) bool) error
	Tokenize(ctx context.Context, text string) ([]int, error)
	Info() Info
	Close() error
}

// Info describes what is being served.
type Info struct {
	Backend   string `json:"backend"`
	ModelPath string `json:"model_path"`
	Local     bool   `json:"local"`
	Device    string `json:"device"`
}

// LoadError reports a model that could not be made ready.
type LoadError struct {
	Backend string
	Path    string
	Local   bool
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load model from '%s' (local=%t) via %s. Set LOCAL_MODEL_PATH if needed. Original error: %v",
		e.Path, e.Local, e.Backend, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx answer from the runtime.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// Load connects to, or launches, the configured runtime and blocks until the
// model answers. Any failure is a *LoadError.
func Load(ctx context.Context, cfg config.BackendConfig, src modelsrc.Source) (Model, error) {
	info := Info{
		Backend:   cfg.Kind,
		ModelPath: src.Ref,
		Local:     src.Local,
		Device:    ResolveDevice(cfg.Device),
	}
	fail := func(err error) error {
		return &LoadError{Backend: cfg.Kind, Path: src.Ref, Local: src.Local, Err: err}
	}

	httpClient := &http.Client{Transport: http.DefaultTransport}

	switch cfg.Kind {
	case config.BackendLlamaCpp:
		var (
			proc    *serverProcess
			baseURL = cfg.URL
		)
		if baseURL == "" {
			var err error
			proc, err = startServer(cfg, src)
			if err != nil {
				return nil, fail(err)
			}
			baseURL = proc.baseURL
		}

		m := NewLlamaCpp(baseURL, info, httpClient)
		m.proc = proc
		if err := waitReady(ctx, cfg.StartTimeout, m.health, proc); err != nil {
			m.Close()
			return nil, fail(err)
		}
		return m, nil

	case config.BackendOllama:
		if src.Kind == modelsrc.KindDir || src.Kind == modelsrc.KindFile {
			return nil, fail(fmt.Errorf("ollama serves models by name, not by path"))
		}
		m := NewOllama(cfg.URL, src.Ref, info, httpClient)
		loadCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
		defer cancel()
		if err := m.show(loadCtx); err != nil {
			return nil, fail(err)
		}
		return m, nil

	default:
		return nil, fail(fmt.Errorf("unknown backend kind %q", cfg.Kind))
	}
}

// waitReady polls check until it succeeds, the timeout passes, or the
// launched process exits.
func waitReady(ctx context.Context, timeout time.Duration, check func(context.Context) error, proc *serverProcess) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = check(ctx); lastErr == nil {
			return nil
		}

		var exited <-chan struct{}
		if proc != nil {
			exited = proc.exited
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("model not ready after %s: %w", timeout, lastErr)
		case <-exited:
			return fmt.Errorf("llama-server exited during startup: %w", proc.exitErr())
		case <-ticker.C:
		}
	}
}
