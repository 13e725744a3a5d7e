package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/23skdu/fingemma/internal/config"
)

// LlamaCpp talks to llama.cpp's llama-server over its native HTTP API.
type LlamaCpp struct {
	baseURL string
	http    *http.Client
	info    Info
	proc    *serverProcess
}

func NewLlamaCpp(baseURL string, info Info, httpClient *http.Client) *LlamaCpp {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &LlamaCpp{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		info:    info,
	}
}

type completionRequest struct {
	Prompt        string  `json:"prompt"`
	NPredict      int     `json:"n_predict"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	Stream        bool    `json:"stream"`
	CachePrompt   bool    `json:"cache_prompt"`
}

type completionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func newCompletionRequest(prompt string, p config.Params, stream bool) completionRequest {
	req := completionRequest{
		Prompt:        prompt,
		NPredict:      p.MaxNewTokens,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		RepeatPenalty: p.RepetitionPenalty,
		Stream:        stream,
		CachePrompt:   true,
	}
	if !p.DoSample() {
		req.Temperature = 0
		req.TopK = 1
	}
	return req
}

func (c *LlamaCpp) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
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

func (c *LlamaCpp) Generate(ctx context.Context, prompt string, p config.Params) (string, error) {
	resp, err := c.post(ctx, "/completion", newCompletionRequest(prompt, p, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out completionChunk
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("/completion: decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("/completion: %s", out.Error.Message)
	}
	return out.Content, nil
}

func (c *LlamaCpp) Stream(ctx context.Context, prompt string, p config.Params, sink func(string) bool) error {
	resp, err := c.post(ctx, "/completion", newCompletionRequest(prompt, p, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk completionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return fmt.Errorf("/completion: decode stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return fmt.Errorf("/completion: %s", chunk.Error.Message)
		}
		if chunk.Content != "" && !sink(chunk.Content) {
			return nil
		}
		if chunk.Stop {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("/completion: read stream: %w", err)
	}
	return nil
}

func (c *LlamaCpp) Tokenize(ctx context.Context, text string) ([]int, error) {
	resp, err := c.post(ctx, "/tokenize", map[string]string{"content": text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Tokens []int `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("/tokenize: decode response: %w", err)
	}
	return out.Tokens, nil
}

// health succeeds once the server has finished loading the model.
func (c *LlamaCpp) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Op: "/health", Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return nil
}

func (c *LlamaCpp) Info() Info {
	return c.info
}

// Close stops a launched llama-server. Attached servers are left running.
func (c *LlamaCpp) Close() error {
	if c.proc == nil {
		return nil
	}
	return c.proc.stop()
}
