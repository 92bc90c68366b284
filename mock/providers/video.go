package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newVideoHandler returns an http.Handler simulating both video task APIs:
//
//	POST /v1beta/models/{model}:predictLongRunning  — Google Veo 2
//	POST /v1/text_to_video                          — Runway
//
// Point the adapters at it with VEO2_BASE_URL=http://localhost:19005/v1beta
// and RUNWAY_BASE_URL=http://localhost:19005/v1.
func newVideoHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// Veo 2: long-running prediction submission, key in the query string.
	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if !strings.HasSuffix(path, ":predictLongRunning") {
			writeVideoError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
			return
		}
		if r.Method != http.MethodPost {
			writeVideoError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeVideoError(w, http.StatusInternalServerError, "mock internal error")
			return
		}
		if r.URL.Query().Get("key") == "" {
			writeVideoError(w, http.StatusUnauthorized, "API key missing")
			return
		}

		var req struct {
			Instances []struct {
				Prompt string `json:"prompt"`
			} `json:"instances"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Instances) == 0 {
			writeVideoError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		model := extractVideoModel(path)
		writeJSON(w, http.StatusOK, map[string]any{
			"name": fmt.Sprintf("models/%s/operations/mock-%x", model, rand.Int64()),
		})
	})

	// Runway: task creation under bearer auth.
	mux.HandleFunc("/v1/text_to_video", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeVideoError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeVideoError(w, http.StatusInternalServerError, "mock internal error")
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeVideoError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		var req struct {
			Model      string `json:"model"`
			PromptText string `json:"promptText"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PromptText == "" {
			writeVideoError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":        fmt.Sprintf("task-%x", rand.Int64()),
			"status":    "PENDING",
			"createdAt": "2026-01-01T00:00:00Z",
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeVideoError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func writeVideoError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
		},
	})
}

// extractVideoModel pulls the model name out of a path like
// /v1beta/models/veo-2.0-generate-001:predictLongRunning
func extractVideoModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "veo-2.0-generate-001"
}
