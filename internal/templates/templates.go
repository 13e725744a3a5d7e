// Package templates renders the browser chat page.
package templates

import (
	"embed"
	"html/template"
	"io"

	"github.com/23skdu/fingemma/internal/config"
)

//go:embed index.html
var files embed.FS

var index = template.Must(template.ParseFS(files, "index.html"))

// Slider is one generation setting control.
type Slider struct {
	ID    string
	Label string
	Min   float64
	Max   float64
	Step  float64
	Value float64
}

// IndexData fills the chat page.
type IndexData struct {
	Title         string
	Model         string
	Device        string
	Version       string
	SystemPrompt  string
	SamplePrompts []string
	Sliders       []Slider
}

// Sliders lays out the generation settings around the chat defaults.
func Sliders(d config.Params) []Slider {
	return []Slider{
		{ID: "temperature", Label: "Temperature", Min: 0, Max: 1.5, Step: 0.05, Value: d.Temperature},
		{ID: "top_p", Label: "Top-p", Min: 0.1, Max: 1, Step: 0.05, Value: d.TopP},
		{ID: "repetition_penalty", Label: "Repetition penalty", Min: 1, Max: 2, Step: 0.05, Value: d.RepetitionPenalty},
		{ID: "max_new_tokens", Label: "Max new tokens", Min: 16, Max: 512, Step: 16, Value: float64(d.MaxNewTokens)},
	}
}

func RenderIndex(w io.Writer, data IndexData) error {
	return index.Execute(w, data)
}
