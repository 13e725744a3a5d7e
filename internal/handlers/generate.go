package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"

	"github.com/23skdu/fingemma/internal/config"
	"github.com/23skdu/fingemma/internal/logger"
)

// Completer is what the generation API needs from generate.Driver.
type Completer interface {
	Generate(ctx context.Context, prompt string, p config.Params) (string, error)
	Fragments(ctx context.Context, prompt string, p config.Params) iter.Seq2[string, error]
}

// GenerateRequest is the body of POST /generate. Omitted fields take the API
// defaults; pointers keep an explicit temperature of 0 apart from "unset".
type GenerateRequest struct {
	Prompt       *string  `json:"prompt"`
	MaxNewTokens *int     `json:"max_new_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	Stream       bool     `json:"stream"`
}

type GenerateResponse struct {
	Completion string `json:"completion"`
}

func (req GenerateRequest) params(defaults config.Params) config.Params {
	p := defaults
	if req.MaxNewTokens != nil {
		p.MaxNewTokens = *req.MaxNewTokens
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		p.TopP = *req.TopP
	}
	return p
}

const maxRequestBody = 1 << 20

func GenerateHandler(c Completer, defaults config.Params) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req GenerateRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if req.Prompt == nil {
			writeError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		p := req.params(defaults)
		if err := p.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if req.Stream {
			streamCompletion(w, r, c, *req.Prompt, p)
			return
		}

		text, err := c.Generate(r.Context(), *req.Prompt, p)
		if err != nil {
			logger.Log.Error("Generate request failed", "error", err)
			writeError(w, http.StatusInternalServerError, "generation failed")
			return
		}
		writeJSON(w, http.StatusOK, GenerateResponse{Completion: text})
	}
}

// streamCompletion writes raw fragments as plain text. Headers are only sent
// with the first fragment so an early failure can still be a 500.
func streamCompletion(w http.ResponseWriter, r *http.Request, c Completer, prompt string, p config.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	started := false
	for frag, err := range c.Fragments(r.Context(), prompt, p) {
		if err != nil {
			if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
				return
			}
			logger.Log.Error("Stream request failed", "error", err, "started", started)
			if !started {
				writeError(w, http.StatusInternalServerError, "generation failed")
			}
			return
		}

		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := io.WriteString(w, frag); err != nil {
			return
		}
		flusher.Flush()
	}

	if !started {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}
}
