package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/23skdu/fingemma/internal/config"
)

// Ollama talks to an Ollama daemon. Prompts are sent raw so the model sees
// exactly what the prompt builder produced, without Ollama's chat template.
type Ollama struct {
	baseURL string
	model   string
	http    *http.Client
	info    Info
}

func NewOllama(baseURL, model string, info Info, httpClient *http.Client) *Ollama {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http:    httpClient,
		info:    info,
	}
}

type ollamaOptions struct {
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	NumPredict    int     `json:"num_predict"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Raw     bool          `json:"raw"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (o *Ollama) newRequest(prompt string, p config.Params, stream bool) ollamaGenerateRequest {
	opts := ollamaOptions{
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		RepeatPenalty: p.RepetitionPenalty,
		NumPredict:    p.MaxNewTokens,
	}
	if !p.DoSample() {
		opts.Temperature = 0
		opts.TopK = 1
	}
	return ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Raw:     true,
		Stream:  stream,
		Options: opts,
	}
}

func (o *Ollama) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Op: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// show confirms the model exists in the daemon's store.
func (o *Ollama) show(ctx context.Context) error {
	resp, err := o.post(ctx, "/api/show", map[string]string{"model": o.model})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return fmt.Errorf("model %q not found in ollama (run `ollama pull %s`)", o.model, o.model)
		}
		return err
	}
	resp.Body.Close()
	return nil
}

func (o *Ollama) Generate(ctx context.Context, prompt string, p config.Params) (string, error) {
	resp, err := o.post(ctx, "/api/generate", o.newRequest(prompt, p, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("/api/generate: decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("/api/generate: %s", out.Error)
	}
	return out.Response, nil
}

func (o *Ollama) Stream(ctx context.Context, prompt string, p config.Params, sink func(string) bool) error {
	resp, err := o.post(ctx, "/api/generate", o.newRequest(prompt, p, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaGenerateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("/api/generate: decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("/api/generate: %s", chunk.Error)
		}
		if chunk.Response != "" && !sink(chunk.Response) {
			return nil
		}
		if chunk.Done {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("/api/generate: read stream: %w", err)
	}
	return nil
}

// Tokenize is not offered by the Ollama API.
func (o *Ollama) Tokenize(context.Context, string) ([]int, error) {
	return nil, ErrNoTokenizer
}

func (o *Ollama) Info() Info {
	return o.info
}

func (o *Ollama) Close() error {
	return nil
}
