package handlers

import (
	"bytes"
	"net/http"
	"time"

	"github.com/23skdu/fingemma/internal/backend"
	"github.com/23skdu/fingemma/internal/logger"
	"github.com/23skdu/fingemma/internal/prompt"
	"github.com/23skdu/fingemma/internal/session"
	"github.com/23skdu/fingemma/internal/transcript"
)

// SessionResetHandler serves POST /api/sessions/{id}/reset.
func SessionResetHandler(store *session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := store.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		sess.Reset()
		writeJSON(w, http.StatusOK, HistoryPayload{History: []prompt.Turn{}})
	}
}

// TranscriptHandler serves GET /api/sessions/{id}/transcript as an Arrow IPC
// stream.
func TranscriptHandler(store *session.Store, info backend.Info, system string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := store.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}

		var buf bytes.Buffer
		meta := transcript.Meta{
			SessionID:  sess.ID,
			Model:      info.ModelPath,
			System:     system,
			ExportedAt: time.Now(),
		}
		if err := transcript.Encode(&buf, meta, sess.History()); err != nil {
			logger.Log.Error("Transcript export failed", "session", sess.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "export failed")
			return
		}

		w.Header().Set("Content-Type", transcript.ContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+sess.ID+`.arrows"`)
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}
}
