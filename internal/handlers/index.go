package handlers

import (
	"bytes"
	"net/http"

	"github.com/23skdu/fingemma/internal/logger"
	"github.com/23skdu/fingemma/internal/templates"
)

func IndexHandler(data templates.IndexData) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		var buf bytes.Buffer
		if err := templates.RenderIndex(&buf, data); err != nil {
			logger.Log.Error("Render index failed", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
	}
}
