// Command quicktest loads the configured model, runs one finance question
// through it and prints the raw output and the cleaned completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/23skdu/fingemma/internal/backend"
	"github.com/23skdu/fingemma/internal/config"
	"github.com/23skdu/fingemma/internal/generate"
	"github.com/23skdu/fingemma/internal/logger"
	"github.com/23skdu/fingemma/internal/modelsrc"
	"github.com/23skdu/fingemma/internal/prompt"
)

const question = "Explain the difference between revenue and net income in one sentence."

func main() {
	configPath := flag.String("config", "fingemma.toml", "Path to TOML config file")
	maxTokens := flag.Int("n", 64, "Max new tokens")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.ApplyEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Backend.StartTimeout+2*time.Minute)
	defer cancel()

	src, err := modelsrc.Resolve(cfg.Model)
	if err != nil {
		logger.Log.Fatal("Resolve model", "error", err)
	}
	model, err := backend.Load(ctx, cfg.Backend, src)
	if err != nil {
		logger.Log.Fatal("Load model", "error", err)
	}
	defer model.Close()

	d := generate.New(model)
	info := d.Info()
	p := config.Params{MaxNewTokens: *maxTokens, Temperature: 0.7, TopP: 0.9, RepetitionPenalty: 1.0}
	text := prompt.Build(cfg.Chat.SystemPrompt, nil, question)

	raw, err := d.Generate(ctx, text, p)
	if err != nil {
		logger.Log.Fatal("Generate", "error", err)
	}
	completion := generate.Clean(raw)

	fmt.Printf("Model: %s (%s)\n", info.ModelPath, info.Device)
	fmt.Printf("Raw output:\n%s\n\n", raw)
	fmt.Printf("Completion:\n%s\n", completion)
}
