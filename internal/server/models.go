package server

import (
	"encoding/json"
	"net/http"
)

// Static model listings. Clients hit these to verify connectivity and
// fill pickers; the relay does not gate on them, any model id in a
// request is forwarded as-is.

var claudeModelIDs = []string{
	"claude-opus-4-1",
	"claude-opus-4-0",
	"claude-sonnet-4-5",
	"claude-sonnet-4-0",
	"claude-3-7-sonnet-latest",
	"claude-3-5-haiku-latest",
}

var openaiModelIDs = []string{
	"gpt-5",
	"gpt-5-codex",
	"gpt-4.1",
	"gpt-4o",
}

var geminiModelIDs = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
}

func (s *Server) handleClaudeModels(w http.ResponseWriter, r *http.Request) {
	type model struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	data := make([]model, 0, len(claudeModelIDs))
	for _, id := range claudeModelIDs {
		data = append(data, model{Type: "model", ID: id})
	}
	writeJSON(w, map[string]any{"data": data, "has_more": false})
}

func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	data := make([]model, 0, len(openaiModelIDs))
	for _, id := range openaiModelIDs {
		data = append(data, model{ID: id, Object: "model", OwnedBy: "openai"})
	}
	writeJSON(w, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleGeminiModels(w http.ResponseWriter, r *http.Request) {
	type model struct {
		Name string `json:"name"`
	}
	data := make([]model, 0, len(geminiModelIDs))
	for _, id := range geminiModelIDs {
		data = append(data, model{Name: "models/" + id})
	}
	writeJSON(w, map[string]any{"models": data})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
