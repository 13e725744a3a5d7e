package tui

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fingemma/internal/backend"
	"github.com/23skdu/fingemma/internal/backend/backendtest"
	"github.com/23skdu/fingemma/internal/config"
	"github.com/23skdu/fingemma/internal/generate"
	"github.com/23skdu/fingemma/internal/prompt"
	"github.com/23skdu/fingemma/internal/session"
	"github.com/23skdu/fingemma/internal/transcript"
)

func newModel(m *backendtest.Model) Model {
	cfg := config.Default()
	sess := session.New("tui", generate.New(m))
	return New(sess, Options{
		Info:          backend.Info{ModelPath: "acme/fin", Device: "cpu"},
		SystemPrompt:  cfg.Chat.SystemPrompt,
		SamplePrompts: cfg.Chat.SamplePrompts,
		Params:        cfg.Chat.Defaults,
	})
}

func send(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func typeAndEnter(t *testing.T, m Model, text string) Model {
	t.Helper()
	m.input.SetValue(text)
	return send(t, m, tea.KeyMsg{Type: tea.KeyEnter})
}

// drain feeds stream events back into the model until the stream ends.
func drain(t *testing.T, m Model) Model {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for m.streaming {
		select {
		case msg := <-m.events:
			m = send(t, m, msg)
		case <-deadline:
			t.Fatal("stream did not finish")
		}
	}
	return m
}

func TestChatCommitsReply(t *testing.T) {
	m := newModel(&backendtest.Model{Fragments: []string{"The ", "answer ", "is 5.\nHuman: next"}})
	assert.Contains(t, m.View(), config.DefaultSamplePrompts[0])

	m = typeAndEnter(t, m, "What is 2+3?")
	require.True(t, m.streaming)
	assert.Equal(t, "", m.input.Value())

	m = drain(t, m)
	assert.Equal(t, []prompt.Turn{{User: "What is 2+3?", Assistant: "The answer is 5."}}, m.sess.History())
	assert.Greater(t, m.tokens, 0)
	assert.Nil(t, m.err)
	assert.Contains(t, m.View(), "What is 2+3?")
	assert.Contains(t, m.View(), "Tokens Generated")
}

func TestEmptyInputIgnored(t *testing.T) {
	bm := &backendtest.Model{Output: "never"}
	m := typeAndEnter(t, newModel(bm), "   ")
	assert.False(t, m.streaming)
	assert.Zero(t, bm.Calls())
}

func TestResetCommands(t *testing.T) {
	m := newModel(&backendtest.Model{Fragments: []string{"ok"}})
	m = drain(t, typeAndEnter(t, m, "Hi"))
	require.Len(t, m.sess.History(), 1)

	m = typeAndEnter(t, m, "/reset")
	assert.Empty(t, m.sess.History())
	assert.Equal(t, "Conversation cleared", m.status)

	m = drain(t, typeAndEnter(t, m, "Hi again"))
	require.Len(t, m.sess.History(), 1)
	m = send(t, m, tea.KeyMsg{Type: tea.KeyCtrlL})
	assert.Empty(t, m.sess.History())
}

func TestGenerationErrorShown(t *testing.T) {
	m := newModel(&backendtest.Model{Fragments: []string{"half"}, Err: errors.New("runtime crashed")})
	m = drain(t, typeAndEnter(t, m, "Hi"))

	assert.Empty(t, m.sess.History())
	require.Error(t, m.err)
	assert.Contains(t, m.View(), "runtime crashed")
}

func TestEscCancelsStream(t *testing.T) {
	bm := &backendtest.Model{Fragments: []string{"thinking"}, Hold: true}
	m := typeAndEnter(t, newModel(bm), "Hi")
	m = send(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	m = drain(t, m)

	assert.Equal(t, "Cancelled", m.status)
	assert.Empty(t, m.sess.History())
	assert.Equal(t, 1, bm.Cancelled())
}

func TestSaveTranscript(t *testing.T) {
	m := newModel(&backendtest.Model{Fragments: []string{"A bond is a loan."}})
	m = drain(t, typeAndEnter(t, m, "What is a bond?"))

	path := filepath.Join(t.TempDir(), "chat.arrows")
	m = typeAndEnter(t, m, "/save "+path)
	require.Nil(t, m.err)
	assert.True(t, strings.HasPrefix(m.status, "Saved transcript"))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	meta, history, err := transcript.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, "acme/fin", meta.Model)
	assert.Equal(t, m.sess.History(), history)
}

func TestSaveNeedsPath(t *testing.T) {
	m := typeAndEnter(t, newModel(&backendtest.Model{}), "/save")
	assert.Error(t, m.err)
}

func TestQuit(t *testing.T) {
	m := newModel(&backendtest.Model{})
	m.input.SetValue("/quit")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestResetReplyIsNotAnError(t *testing.T) {
	m := newModel(&backendtest.Model{})
	m.streaming = true
	m = send(t, m, doneMsg{err: session.ErrReset})

	assert.False(t, m.streaming)
	assert.Nil(t, m.err)
	assert.Equal(t, "Conversation cleared", m.status)
}
