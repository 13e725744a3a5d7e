package modelsrc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultTag      = "latest"
	DefaultRegistry = "registry.ollama.ai"
	MediaTypeModel  = "application/vnd.ollama.image.model"
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// OllamaDir returns the Ollama model store. override wins, then
// $OLLAMA_MODELS, then ~/.ollama/models.
func OllamaDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// manifestPath maps a model reference to its manifest location under baseDir.
//
//	llama3             -> manifests/registry.ollama.ai/library/llama3/latest
//	llama3:8b          -> manifests/registry.ollama.ai/library/llama3/8b
//	acme/fin:q4        -> manifests/registry.ollama.ai/acme/fin/q4
//	hf.co/acme/fin:q8  -> manifests/hf.co/acme/fin/q8
func manifestPath(baseDir, ref string) string {
	name, tag := ref, DefaultTag
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		name, tag = ref[:i], ref[i+1:]
	}

	parts := strings.Split(name, "/")
	switch {
	case len(parts) == 1:
		parts = []string{DefaultRegistry, "library", parts[0]}
	case len(parts) == 2:
		parts = []string{DefaultRegistry, parts[0], parts[1]}
	}

	elems := append([]string{baseDir, "manifests"}, parts...)
	return filepath.Join(append(elems, tag)...)
}

// ResolveOllama finds the GGUF blob of a model pulled with `ollama pull`.
func ResolveOllama(baseDir, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty model reference")
	}

	path := manifestPath(baseDir, ref)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("model manifest not found at %s", path)
		}
		return "", err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("no model layer found in manifest %s", path)
	}

	// Digest is "sha256:hash"; blobs are stored as sha256-hash.
	blob := filepath.Join(baseDir, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blob); err != nil {
		return "", fmt.Errorf("model blob not found at %s", blob)
	}
	return blob, nil
}
