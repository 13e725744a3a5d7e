package handlers

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/23skdu/fingemma/internal/backend"
)

// Version and Commit are set at build time with -ldflags.
var (
	Version = "0.1.0"
	Commit  = ""
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Device    string `json:"device"`
	ModelPath string `json:"model_path"`
	Local     bool   `json:"local"`
}

type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

var startTime = time.Now()

func HealthHandler(info backend.Info) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:    "ok",
			Device:    info.Device,
			ModelPath: info.ModelPath,
			Local:     info.Local,
		})
	}
}

func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK\n"))
	}
}

// ReadyzHandler reports ready once the model is loaded and the process is
// not under memory or goroutine pressure.
func ReadyzHandler(modelReady *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]Status{
			"model":      checkModel(modelReady),
			"memory":     checkMemory(),
			"goroutines": checkGoroutines(),
		}

		for _, check := range checks {
			if check.Status != "healthy" {
				writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
					"status": "not ready",
					"checks": checks,
				})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready\n"))
	}
}

func VersionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, VersionInfo{
			Version:   Version,
			Commit:    Commit,
			GoVersion: runtime.Version(),
			Uptime:    time.Since(startTime).Round(time.Second).String(),
		})
	}
}

func checkModel(ready *atomic.Bool) Status {
	if ready == nil || !ready.Load() {
		return Status{Status: "loading", Message: "Model not loaded"}
	}
	return Status{Status: "healthy"}
}

func checkMemory() Status {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.Alloc > 1024*1024*1024 {
		return Status{Status: "warning", Message: "High memory usage"}
	}
	return Status{Status: "healthy"}
}

func checkGoroutines() Status {
	if runtime.NumGoroutine() > 10000 {
		return Status{Status: "warning", Message: "High number of goroutines"}
	}
	return Status{Status: "healthy"}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the {"error": msg} body used by every JSON endpoint.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
