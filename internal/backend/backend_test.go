package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/23skdu/fingemma/internal/config"
	"github.com/23skdu/fingemma/internal/modelsrc"
)

var chatParams = config.Params{MaxNewTokens: 32, Temperature: 0.7, TopP: 0.9, RepetitionPenalty: 1.15}

// fakeLlamaServer mimics the llama-server endpoints used by LlamaCpp.
func fakeLlamaServer(t *testing.T, fragments []string, seen chan<- completionRequest) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Content string `json:"content"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		ids := make([]int, len(strings.Fields(req.Content)))
		json.NewEncoder(w).Encode(map[string][]int{"tokens": ids})
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if seen != nil {
			seen <- req
		}
		if !req.Stream {
			json.NewEncoder(w).Encode(map[string]interface{}{"content": strings.Join(fragments, ""), "stop": true})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range fragments {
			data, _ := json.Marshal(map[string]interface{}{"content": f, "stop": false})
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"content\":\"\",\"stop\":true}\n\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLlamaCppGenerate(t *testing.T) {
	seen := make(chan completionRequest, 1)
	srv := fakeLlamaServer(t, []string{"EBITDA ", "is earnings."}, seen)
	m := NewLlamaCpp(srv.URL+"/", Info{}, srv.Client())

	out, err := m.Generate(context.Background(), "Human: Hi\nAssistant:", chatParams)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out != "EBITDA is earnings." {
		t.Errorf("Generate() = %q", out)
	}

	req := <-seen
	if req.Stream {
		t.Error("blocking generate should not stream")
	}
	if req.NPredict != 32 || req.TopP != 0.9 || req.RepeatPenalty != 1.15 || req.Temperature != 0.7 {
		t.Errorf("unexpected request %+v", req)
	}
	if req.TopK != 0 {
		t.Errorf("sampling request should leave top_k to the server, got %d", req.TopK)
	}
}

func TestLlamaCppGreedyWhenTemperatureZero(t *testing.T) {
	seen := make(chan completionRequest, 1)
	srv := fakeLlamaServer(t, []string{"x"}, seen)
	m := NewLlamaCpp(srv.URL, Info{}, srv.Client())

	p := chatParams
	p.Temperature = 0
	if _, err := m.Generate(context.Background(), "p", p); err != nil {
		t.Fatal(err)
	}
	req := <-seen
	if req.Temperature != 0 || req.TopK != 1 {
		t.Errorf("expected greedy request, got temperature=%v top_k=%d", req.Temperature, req.TopK)
	}
}

func TestLlamaCppStream(t *testing.T) {
	frags := []string{"The ", "answer ", "is 5."}
	srv := fakeLlamaServer(t, frags, nil)
	m := NewLlamaCpp(srv.URL, Info{}, srv.Client())

	var got []string
	err := m.Stream(context.Background(), "p", chatParams, func(f string) bool {
		got = append(got, f)
		return true
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if strings.Join(got, "|") != strings.Join(frags, "|") {
		t.Errorf("Stream() fragments = %q, want %q", got, frags)
	}
}

func TestLlamaCppStreamSinkStops(t *testing.T) {
	srv := fakeLlamaServer(t, []string{"a", "b", "c"}, nil)
	m := NewLlamaCpp(srv.URL, Info{}, srv.Client())

	n := 0
	err := m.Stream(context.Background(), "p", chatParams, func(string) bool {
		n++
		return false
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if n != 1 {
		t.Errorf("sink called %d times after returning false", n)
	}
}

func TestLlamaCppStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"content\":\"par\",\"stop\":false}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"code\":500,\"message\":\"kv cache full\"}}\n\n")
	}))
	defer srv.Close()
	m := NewLlamaCpp(srv.URL, Info{}, srv.Client())

	err := m.Stream(context.Background(), "p", chatParams, func(string) bool { return true })
	if err == nil || !strings.Contains(err.Error(), "kv cache full") {
		t.Errorf("expected stream error, got %v", err)
	}
}

func TestLlamaCppStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading model", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	m := NewLlamaCpp(srv.URL, Info{}, srv.Client())

	_, err := m.Generate(context.Background(), "p", chatParams)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.Status != http.StatusServiceUnavailable || !strings.Contains(se.Body, "loading model") {
		t.Errorf("unexpected status error %+v", se)
	}
}

func TestLlamaCppTokenize(t *testing.T) {
	srv := fakeLlamaServer(t, nil, nil)
	m := NewLlamaCpp(srv.URL, Info{}, srv.Client())

	ids, err := m.Tokenize(context.Background(), "net income after tax")
	if err != nil {
		t.Fatalf("Tokenize() error = %v", err)
	}
	if len(ids) != 4 {
		t.Errorf("expected 4 tokens, got %d", len(ids))
	}
}

func fakeOllama(t *testing.T, fragments []string, seen chan<- ollamaGenerateRequest) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "fingemma" {
			http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
			return
		}
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req ollamaGenerateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if seen != nil {
			seen <- req
		}
		enc := json.NewEncoder(w)
		if !req.Stream {
			enc.Encode(ollamaGenerateResponse{Response: strings.Join(fragments, ""), Done: true})
			return
		}
		for _, f := range fragments {
			enc.Encode(ollamaGenerateResponse{Response: f})
		}
		enc.Encode(ollamaGenerateResponse{Done: true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaGenerateAndStream(t *testing.T) {
	seen := make(chan ollamaGenerateRequest, 2)
	srv := fakeOllama(t, []string{"Bonds ", "pay coupons."}, seen)
	m := NewOllama(srv.URL, "fingemma", Info{}, srv.Client())

	out, err := m.Generate(context.Background(), "p", chatParams)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out != "Bonds pay coupons." {
		t.Errorf("Generate() = %q", out)
	}
	req := <-seen
	if !req.Raw || req.Model != "fingemma" || req.Options.NumPredict != 32 || req.Options.RepeatPenalty != 1.15 {
		t.Errorf("unexpected request %+v", req)
	}

	var got []string
	if err := m.Stream(context.Background(), "p", chatParams, func(f string) bool {
		got = append(got, f)
		return true
	}); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if strings.Join(got, "") != "Bonds pay coupons." {
		t.Errorf("Stream() = %q", got)
	}
	if req := <-seen; !req.Stream {
		t.Error("expected streaming request")
	}

	if _, err := m.Tokenize(context.Background(), "x"); !errors.Is(err, ErrNoTokenizer) {
		t.Errorf("expected ErrNoTokenizer, got %v", err)
	}
}

func TestLoadAttachesToLlamaServer(t *testing.T) {
	srv := fakeLlamaServer(t, nil, nil)
	cfg := config.Default().Backend
	cfg.URL = srv.URL
	cfg.Device = "cuda"

	src := modelsrc.Source{Ref: config.DefaultModelID, Kind: modelsrc.KindHub}
	m, err := Load(context.Background(), cfg, src)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer m.Close()

	info := m.Info()
	if info.ModelPath != config.DefaultModelID || info.Local || info.Device != "cuda" || info.Backend != config.BackendLlamaCpp {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestLoadWaitsForHealth(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":{"code":503,"message":"Loading model"}}`, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	cfg := config.Default().Backend
	cfg.URL = srv.URL
	m, err := Load(context.Background(), cfg, modelsrc.Source{Ref: "x"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	m.Close()
	if calls.Load() < 3 {
		t.Errorf("expected health to be polled until ready, got %d calls", calls.Load())
	}
}

func TestLoadErrors(t *testing.T) {
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading", http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()
	ollama := fakeOllama(t, nil, nil)

	tests := []struct {
		name   string
		mutate func(*config.BackendConfig)
		src    modelsrc.Source
	}{
		{
			name:   "unknown kind",
			mutate: func(c *config.BackendConfig) { c.Kind = "vllm" },
			src:    modelsrc.Source{Ref: "/models/fin", Local: true, Kind: modelsrc.KindDir},
		},
		{
			name: "missing llama-server binary",
			mutate: func(c *config.BackendConfig) {
				c.ServerBin = "llama-server-that-does-not-exist"
			},
			src: modelsrc.Source{Ref: "/models/fin", Local: true, Kind: modelsrc.KindDir},
		},
		{
			name: "server never ready",
			mutate: func(c *config.BackendConfig) {
				c.URL = unhealthy.URL
				c.StartTimeout = 300 * time.Millisecond
			},
			src: modelsrc.Source{Ref: "/models/fin", Local: true, Kind: modelsrc.KindDir},
		},
		{
			name: "ollama model not pulled",
			mutate: func(c *config.BackendConfig) {
				c.Kind = config.BackendOllama
				c.URL = ollama.URL
			},
			src: modelsrc.Source{Ref: "/models/fin", Kind: modelsrc.KindHub},
		},
		{
			name: "ollama given a path",
			mutate: func(c *config.BackendConfig) {
				c.Kind = config.BackendOllama
				c.URL = ollama.URL
			},
			src: modelsrc.Source{Ref: "/models/fin", Local: true, Kind: modelsrc.KindDir},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().Backend
			tt.mutate(&cfg)

			_, err := Load(context.Background(), cfg, tt.src)
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("expected *LoadError, got %v", err)
			}
			if !strings.Contains(err.Error(), "/models/fin") {
				t.Errorf("load error should name the path: %v", err)
			}
			if le.Unwrap() == nil {
				t.Error("load error should carry the cause")
			}
		})
	}
}

func TestLoadOllama(t *testing.T) {
	srv := fakeOllama(t, nil, nil)
	cfg := config.Default().Backend
	cfg.Kind = config.BackendOllama
	cfg.URL = srv.URL

	m, err := Load(context.Background(), cfg, modelsrc.Source{Ref: "fingemma", Local: true, Kind: modelsrc.KindOllama})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !m.Info().Local || m.Info().Backend != config.BackendOllama {
		t.Errorf("unexpected info %+v", m.Info())
	}
}

func TestServerArgs(t *testing.T) {
	cfg := config.Default().Backend
	cfg.ContextSize = 4096
	cfg.ServerArgs = []string{"--threads", "4"}

	args, err := serverArgs(cfg, modelsrc.Source{Ref: "/m", Weights: "/m/fin.gguf", Local: true, Kind: modelsrc.KindDir}, 8081)
	if err != nil {
		t.Fatal(err)
	}
	want := "-m /m/fin.gguf --host 127.0.0.1 --port 8081 -c 4096 --threads 4"
	if got := strings.Join(args, " "); got != want {
		t.Errorf("serverArgs() = %q, want %q", got, want)
	}

	args, err = serverArgs(config.Default().Backend, modelsrc.Source{Ref: "acme/fin-GGUF", Kind: modelsrc.KindHub}, 9000)
	if err != nil {
		t.Fatal(err)
	}
	if args[0] != "-hf" || args[1] != "acme/fin-GGUF" {
		t.Errorf("hub source should use -hf, got %q", args)
	}

	if _, err := serverArgs(cfg, modelsrc.Source{Ref: "/empty", Local: true, Kind: modelsrc.KindDir}, 1); err == nil {
		t.Error("expected error for directory without weights")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"a b c d e f", 6},
		{"Compound interest compounds.", 7},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

type tokenizerStub struct {
	Model
	ids []int
	err error
}

func (s tokenizerStub) Tokenize(context.Context, string) ([]int, error) {
	return s.ids, s.err
}

func TestCountTokens(t *testing.T) {
	ctx := context.Background()
	if got := CountTokens(ctx, tokenizerStub{ids: []int{1, 2, 3}}, "abc"); got != 3 {
		t.Errorf("expected tokenizer count 3, got %d", got)
	}
	if got := CountTokens(ctx, tokenizerStub{err: ErrNoTokenizer}, "abcdefgh"); got != 2 {
		t.Errorf("expected estimate 2, got %d", got)
	}
	if got := CountTokens(ctx, tokenizerStub{err: errors.New("boom")}, "abcdefgh"); got != 2 {
		t.Errorf("expected estimate on failure, got %d", got)
	}
	if got := CountTokens(ctx, tokenizerStub{ids: []int{1}}, ""); got != 0 {
		t.Errorf("empty text should count 0, got %d", got)
	}
}

func TestResolveDevice(t *testing.T) {
	if got := ResolveDevice("CUDA"); got != "cuda" {
		t.Errorf("ResolveDevice(CUDA) = %s", got)
	}
	if got := ResolveDevice("auto"); got != buildDevice {
		t.Errorf("ResolveDevice(auto) = %s, want %s", got, buildDevice)
	}
	if got := ResolveDevice(""); got != buildDevice {
		t.Errorf("ResolveDevice(\"\") = %s, want %s", got, buildDevice)
	}
}
