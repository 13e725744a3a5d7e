package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	ModeUI   = "ui"
	ModeAPI  = "api"
	ModeChat = "chat"

	BackendLlamaCpp = "llamacpp"
	BackendOllama   = "ollama"

	DefaultModelID = "huseyincavus/gemma-3-270m-finance-merged"

	DefaultSystemPrompt = "You are a helpful finance assistant. Provide clear, concise answers about financial concepts. " +
		"Give direct explanations and avoid repetitive questioning. When discussing investments, " +
		"include appropriate risk disclaimers but focus on educational content."
)

// DefaultSamplePrompts seed the quick examples list of the chat UIs.
var DefaultSamplePrompts = []string{
	"What is EBITDA and how is it calculated?",
	"Explain the difference between stocks and bonds",
	"What are the main risks of investing in emerging markets?",
	"How does diversification reduce investment risk?",
	"What is compound interest and why is it important?",
}

type Config struct {
	Mode    string        `toml:"mode"`
	Model   ModelConfig   `toml:"model"`
	Backend BackendConfig `toml:"backend"`
	Server  ServerConfig  `toml:"server"`
	Chat    ChatConfig    `toml:"chat"`
	API     APIConfig     `toml:"api"`
	Log     LogConfig     `toml:"log"`
}

// ModelConfig names the weights to serve. LocalPath wins over ID when it exists.
type ModelConfig struct {
	ID        string `toml:"id"`
	LocalPath string `toml:"local_path"`
	OllamaDir string `toml:"ollama_dir"`
}

type BackendConfig struct {
	Kind string `toml:"kind"`
	// URL attaches to an already running runtime. Empty means launch one
	// (llamacpp only).
	URL          string        `toml:"url"`
	ServerBin    string        `toml:"server_bin"`
	ServerArgs   []string      `toml:"server_args"`
	ContextSize  int           `toml:"context_size"`
	StartTimeout time.Duration `toml:"start_timeout"`
	Device       string        `toml:"device"`
}

type ServerConfig struct {
	Host              string        `toml:"host"`
	Port              int           `toml:"port"`
	MetricsPort       int           `toml:"metrics_port"`
	GRPCPort          int           `toml:"grpc_port"`
	AllowedOrigins    []string      `toml:"allowed_origins"`
	ReadHeaderTimeout time.Duration `toml:"read_header_timeout"`
}

// Params are the sampling parameters of one generation call. Front ends keep
// their defaults here and pass a copy per call.
type Params struct {
	MaxNewTokens      int     `toml:"max_new_tokens"`
	Temperature       float64 `toml:"temperature"`
	TopP              float64 `toml:"top_p"`
	RepetitionPenalty float64 `toml:"repetition_penalty"`
}

type ChatConfig struct {
	SystemPrompt  string        `toml:"system_prompt"`
	SamplePrompts []string      `toml:"sample_prompts"`
	SessionTTL    time.Duration `toml:"session_ttl"`
	Defaults      Params        `toml:"defaults"`
}

type APIConfig struct {
	Defaults Params `toml:"defaults"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() Config {
	return Config{
		Mode: ModeUI,
		Model: ModelConfig{
			ID: DefaultModelID,
		},
		Backend: BackendConfig{
			Kind:         BackendLlamaCpp,
			ServerBin:    "llama-server",
			StartTimeout: 2 * time.Minute,
			Device:       "auto",
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              7860,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Chat: ChatConfig{
			SystemPrompt:  DefaultSystemPrompt,
			SamplePrompts: append([]string(nil), DefaultSamplePrompts...),
			SessionTTL:    30 * time.Minute,
			Defaults: Params{
				MaxNewTokens:      128,
				Temperature:       0.7,
				TopP:              0.9,
				RepetitionPenalty: 1.15,
			},
		},
		API: APIConfig{
			Defaults: Params{
				MaxNewTokens:      256,
				Temperature:       0.7,
				TopP:              0.9,
				RepetitionPenalty: 1.0,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a TOML file over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the process environment using the variable
// names the container images have always used.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("APP_MODE", &c.Mode)
	c.Mode = strings.ToLower(c.Mode)
	str("MODEL_ID", &c.Model.ID)
	str("LOCAL_MODEL_PATH", &c.Model.LocalPath)
	str("OLLAMA_MODELS", &c.Model.OllamaDir)
	str("BACKEND", &c.Backend.Kind)
	str("BACKEND_URL", &c.Backend.URL)
	str("LLAMA_SERVER_BIN", &c.Backend.ServerBin)
	str("DEVICE", &c.Backend.Device)
	str("SERVER_NAME", &c.Server.Host)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeUI, ModeAPI, ModeChat:
	default:
		return fmt.Errorf("invalid mode: %q (must be ui, api or chat)", c.Mode)
	}
	if c.Model.ID == "" && c.Model.LocalPath == "" {
		return fmt.Errorf("invalid model: neither id nor local_path is set")
	}
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics_port: %d (must be 0-65535)", c.Server.MetricsPort)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc_port: %d (must be 0-65535)", c.Server.GRPCPort)
	}
	if c.Chat.SessionTTL <= 0 {
		return fmt.Errorf("invalid session_ttl: %s (must be positive)", c.Chat.SessionTTL)
	}
	if err := c.Chat.Defaults.Validate(); err != nil {
		return fmt.Errorf("chat defaults: %w", err)
	}
	if err := c.API.Defaults.Validate(); err != nil {
		return fmt.Errorf("api defaults: %w", err)
	}
	return nil
}

func (b *BackendConfig) Validate() error {
	switch b.Kind {
	case BackendLlamaCpp:
		if b.URL == "" && b.ServerBin == "" {
			return fmt.Errorf("invalid backend: llamacpp needs url or server_bin")
		}
	case BackendOllama:
		if b.URL == "" {
			return fmt.Errorf("invalid backend: ollama needs url")
		}
	default:
		return fmt.Errorf("invalid backend kind: %q (must be llamacpp or ollama)", b.Kind)
	}
	if b.ContextSize < 0 {
		return fmt.Errorf("invalid context_size: %d (must be non-negative)", b.ContextSize)
	}
	if b.StartTimeout <= 0 {
		return fmt.Errorf("invalid start_timeout: %s (must be positive)", b.StartTimeout)
	}
	return nil
}

func (p Params) Validate() error {
	if p.MaxNewTokens <= 0 {
		return fmt.Errorf("invalid max_new_tokens: %d (must be positive)", p.MaxNewTokens)
	}
	if p.Temperature < 0 {
		return fmt.Errorf("invalid temperature: %v (must be >= 0)", p.Temperature)
	}
	if p.TopP <= 0 || p.TopP > 1 {
		return fmt.Errorf("invalid top_p: %v (must be in (0, 1])", p.TopP)
	}
	if p.RepetitionPenalty < 1 {
		return fmt.Errorf("invalid repetition_penalty: %v (must be >= 1)", p.RepetitionPenalty)
	}
	return nil
}

// DoSample reports whether sampling is enabled; temperature 0 means greedy.
func (p Params) DoSample() bool {
	return p.Temperature > 0
}

// Addr is the listen address of the main HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
