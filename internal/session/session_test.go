package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fingemma/internal/backend/backendtest"
	"github.com/23skdu/fingemma/internal/config"
	"github.com/23skdu/fingemma/internal/generate"
	"github.com/23skdu/fingemma/internal/prompt"
)

var chatParams = config.Default().Chat.Defaults

const system = "You are a helpful finance assistant."

func newSession(m *backendtest.Model) *Session {
	return New("test", generate.New(m))
}

func TestSubmitEmptyMessage(t *testing.T) {
	for _, msg := range []string{"", "   ", "\n\t"} {
		m := &backendtest.Model{Output: "never"}
		s := newSession(m)

		_, err := s.Submit(context.Background(), msg, system, chatParams)
		assert.ErrorIs(t, err, ErrEmptyMessage)

		_, err = s.SubmitStream(context.Background(), msg, system, chatParams, nil)
		assert.ErrorIs(t, err, ErrEmptyMessage)

		assert.Empty(t, s.History())
		assert.Zero(t, m.Calls(), "no generation call for %q", msg)
	}
}

func TestSubmitCommitsCleanedTurn(t *testing.T) {
	m := &backendtest.Model{Output: " EBITDA is earnings before interest.\nHuman: next"}
	s := newSession(m)

	turn, err := s.Submit(context.Background(), "What is EBITDA?", system, chatParams)
	require.NoError(t, err)
	assert.Equal(t, prompt.Turn{User: "What is EBITDA?", Assistant: "EBITDA is earnings before interest."}, turn)
	assert.Equal(t, []prompt.Turn{turn}, s.History())

	prompts := m.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, prompt.Build(system, nil, "What is EBITDA?"), prompts[0])
}

func TestSubmitCarriesHistory(t *testing.T) {
	m := &backendtest.Model{Output: "Net income is profit after all expenses."}
	s := newSession(m)

	_, err := s.Submit(context.Background(), "What is EBITDA?", "", chatParams)
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), "And net income?", "", chatParams)
	require.NoError(t, err)

	prompts := m.Prompts()
	require.Len(t, prompts, 2)
	first := strings.Index(prompts[1], "What is EBITDA?")
	second := strings.Index(prompts[1], "And net income?")
	assert.True(t, first >= 0 && second > first, "prior turn must precede the new message: %q", prompts[1])
	assert.Len(t, s.History(), 2)
}

func TestSubmitError(t *testing.T) {
	boom := errors.New("backend down")
	s := newSession(&backendtest.Model{Err: boom})

	_, err := s.Submit(context.Background(), "Hi", system, chatParams)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.History())
}

func TestSubmitStreamCommitsFinalText(t *testing.T) {
	m := &backendtest.Model{Fragments: []string{"The ", "answer ", "is 5.\nHuman: next"}}
	s := newSession(m)

	var views [][]prompt.Turn
	var updates []generate.Update
	turn, err := s.SubmitStream(context.Background(), "What is 2+3?", system, chatParams, func(u generate.Update, h []prompt.Turn) {
		updates = append(updates, u)
		views = append(views, h)
	})
	require.NoError(t, err)

	assert.Equal(t, "The answer is 5.", turn.Assistant)
	assert.Equal(t, []prompt.Turn{turn}, s.History())

	require.Len(t, views, 3)
	assert.Equal(t, []prompt.Turn{{User: "What is 2+3?", Assistant: "The"}}, views[0])
	assert.True(t, updates[2].Final)
	for _, h := range s.History() {
		assert.NotContains(t, h.Assistant, "Human:")
	}
}

func TestSubmitStreamProvisionalView(t *testing.T) {
	m := &backendtest.Model{Fragments: []string{"Bonds ", "pay."}}
	s := newSession(m)
	s.history = []prompt.Turn{{User: "Hi", Assistant: "Hello."}}

	var last []prompt.Turn
	_, err := s.SubmitStream(context.Background(), "What is a bond?", "", chatParams, func(_ generate.Update, h []prompt.Turn) {
		last = h
	})
	require.NoError(t, err)

	require.Len(t, last, 2)
	assert.Equal(t, prompt.Turn{User: "Hi", Assistant: "Hello."}, last[0])
	assert.Equal(t, "Bonds pay.", last[1].Assistant)
}

func TestSubmitStreamErrorCommitsNothing(t *testing.T) {
	boom := errors.New("stream broke")
	m := &backendtest.Model{Fragments: []string{"Half an "}, Err: boom}
	s := newSession(m)

	_, err := s.SubmitStream(context.Background(), "Explain leverage", system, chatParams, nil)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.History())
}

func TestSubmitBusy(t *testing.T) {
	m := &backendtest.Model{Fragments: []string{"thinking"}, Hold: true}
	s := newSession(m)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		_, err := s.SubmitStream(ctx, "first", "", chatParams, func(generate.Update, []prompt.Turn) {
			once.Do(func() { close(started) })
		})
		done <- err
	}()

	<-started
	_, err := s.Submit(context.Background(), "second", "", chatParams)
	assert.ErrorIs(t, err, ErrBusy)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, s.History())

	m.Hold = false
	_, err = s.Submit(context.Background(), "third", "", chatParams)
	assert.NoError(t, err, "session should be usable after the stream ended")
}

func TestResetDuringStreamDropsReply(t *testing.T) {
	m := &backendtest.Model{Fragments: []string{"a ", "b ", "c"}}
	s := newSession(m)
	s.history = []prompt.Turn{{User: "old", Assistant: "turn"}}

	var views [][]prompt.Turn
	turn, err := s.SubmitStream(context.Background(), "new", "", chatParams, func(_ generate.Update, h []prompt.Turn) {
		views = append(views, h)
		if len(views) == 1 {
			s.Reset()
		}
	})
	require.ErrorIs(t, err, ErrReset)
	assert.Empty(t, turn)
	assert.Empty(t, s.History())
	require.Len(t, views, 1, "no update after the reset")
	assert.Equal(t, "old", views[0][0].User)
}

func TestResetOnFinalUpdateReportsReset(t *testing.T) {
	s := newSession(&backendtest.Model{Fragments: []string{"done"}})

	_, err := s.SubmitStream(context.Background(), "new", "", chatParams, func(u generate.Update, _ []prompt.Turn) {
		if u.Final {
			s.Reset()
		}
	})
	require.ErrorIs(t, err, ErrReset)
	assert.Empty(t, s.History())
}

// resettingGenerator clears the session while a blocking reply is generated.
type resettingGenerator struct {
	Generator
	s *Session
}

func (g resettingGenerator) Complete(ctx context.Context, text string, p config.Params) (string, error) {
	g.s.Reset()
	return g.Generator.Complete(ctx, text, p)
}

func TestResetDuringSubmitDropsReply(t *testing.T) {
	s := newSession(&backendtest.Model{Output: "ok"})
	s.gen = resettingGenerator{Generator: s.gen, s: s}
	s.history = []prompt.Turn{{User: "old", Assistant: "turn"}}

	_, err := s.Submit(context.Background(), "new", "", chatParams)
	require.ErrorIs(t, err, ErrReset)
	assert.Empty(t, s.History())
}

func TestReset(t *testing.T) {
	s := newSession(&backendtest.Model{Output: "ok"})
	_, err := s.Submit(context.Background(), "Hi", "", chatParams)
	require.NoError(t, err)
	require.Len(t, s.History(), 1)

	s.Reset()
	assert.Empty(t, s.History())
}

func TestHistoryIsACopy(t *testing.T) {
	s := newSession(&backendtest.Model{Output: "ok"})
	_, err := s.Submit(context.Background(), "Hi", "", chatParams)
	require.NoError(t, err)

	h := s.History()
	h[0].Assistant = "tampered"
	assert.Equal(t, "ok", s.History()[0].Assistant)
}

func TestStoreLifecycle(t *testing.T) {
	st := NewStore(generate.New(&backendtest.Model{}), time.Minute)
	defer st.Close()

	sess := st.Create()
	require.NotEmpty(t, sess.ID)

	got, ok := st.Get(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Same(t, sess, st.Resume(sess.ID))
	assert.Equal(t, 1, st.Len())

	other := st.Resume("unknown")
	assert.NotEqual(t, sess.ID, other.ID)
	assert.Equal(t, 2, st.Len())
}

func TestStoreExpiresIdleSessions(t *testing.T) {
	st := NewStore(generate.New(&backendtest.Model{}), 5*time.Millisecond)
	defer st.Close()

	sess := st.Create()
	time.Sleep(20 * time.Millisecond)

	_, ok := st.Get(sess.ID)
	assert.False(t, ok, "idle session should have expired")
	assert.NotEqual(t, sess.ID, st.Resume(sess.ID).ID)
}
