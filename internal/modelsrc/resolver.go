// Package modelsrc decides where the served weights come from: a local
// directory or file, a model already pulled into the Ollama store, or a
// remote hub id the runtime downloads itself.
package modelsrc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/23skdu/fingemma/internal/config"
)

type Kind int

const (
	KindHub Kind = iota
	KindDir
	KindFile
	KindOllama
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindFile:
		return "file"
	case KindOllama:
		return "ollama"
	default:
		return "hub"
	}
}

type Source struct {
	// Ref is the path or id as configured; it is what /health reports.
	Ref string
	// Weights is the GGUF file to hand to a runtime; empty for hub ids and
	// for directories that hold no GGUF file.
	Weights string
	Local   bool
	Kind    Kind
}

func (s Source) String() string {
	return fmt.Sprintf("%s (%s, local=%t)", s.Ref, s.Kind, s.Local)
}

// Resolve applies the lookup order: LOCAL_MODEL_PATH if it exists, MODEL_ID as
// a local path, MODEL_ID as a pulled Ollama model, and finally MODEL_ID as a
// remote id.
func Resolve(cfg config.ModelConfig) (Source, error) {
	if cfg.LocalPath != "" {
		if src, ok := local(cfg.LocalPath); ok {
			return src, nil
		}
	}

	if cfg.ID == "" {
		return Source{}, fmt.Errorf("model %q not found and no model id configured", cfg.LocalPath)
	}

	if src, ok := local(cfg.ID); ok {
		return src, nil
	}

	if dir, err := OllamaDir(cfg.OllamaDir); err == nil {
		if blob, err := ResolveOllama(dir, cfg.ID); err == nil {
			return Source{Ref: cfg.ID, Weights: blob, Local: true, Kind: KindOllama}, nil
		}
	}

	return Source{Ref: cfg.ID, Kind: KindHub}, nil
}

func local(path string) (Source, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return Source{}, false
	}
	if !fi.IsDir() {
		return Source{Ref: path, Weights: path, Local: true, Kind: KindFile}, true
	}
	return Source{Ref: path, Weights: findGGUF(path), Local: true, Kind: KindDir}, true
}

// findGGUF returns the first *.gguf file of dir in lexical order.
func findGGUF(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".gguf") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0])
}
