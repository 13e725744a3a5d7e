// Package prompt flattens a conversation into the plain-text prompt format
// the finance model was tuned on.
package prompt

import "strings"

const (
	SystemLabel    = "System:"
	HumanLabel     = "Human:"
	AssistantLabel = "Assistant:"

	// Legacy chat tags that older checkpoints sometimes emit.
	UserTag      = "[USER]"
	AssistantTag = "[ASSISTANT]"
)

// StopMarkers are substrings whose appearance in model output means the model
// has started hallucinating the next human turn. The earliest occurrence of
// any marker in a buffer is where output is cut.
var StopMarkers = []string{
	"\n" + HumanLabel,
	"\n" + UserTag,
	UserTag,
}

// LeakedLabels are role labels stripped from blocking completions.
var LeakedLabels = []string{UserTag, AssistantTag, HumanLabel, AssistantLabel}

// Turn is one user message and the assistant's reply.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Build renders system instructions, the prior turns and the new user message
// into a single prompt. The result always ends with the open assistant label so
// the model continues from there.
func Build(system string, history []Turn, message string) string {
	var sb strings.Builder

	if s := strings.TrimSpace(system); s != "" {
		sb.WriteString(SystemLabel + " ")
		sb.WriteString(s)
		sb.WriteString("\n\n")
	}

	for _, t := range history {
		sb.WriteString(HumanLabel + " ")
		sb.WriteString(t.User)
		sb.WriteString("\n" + AssistantLabel + " ")
		sb.WriteString(t.Assistant)
		sb.WriteString("\n\n")
	}

	sb.WriteString(HumanLabel + " ")
	sb.WriteString(message)
	sb.WriteString("\n" + AssistantLabel)

	return sb.String()
}
