package api

import (
	"errors"
	"net/http"

	"github.com/hazyhaar/lectio/account"
	"github.com/hazyhaar/lectio/auth"
	"github.com/hazyhaar/lectio/backend"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	set, err := s.Accounts.GetSettings(r.Context(), c.UserID)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"preferred_model": set.PreferredModel,
		"api_key_set":     set.APIKey != "", // never echo the key itself
		"custom_prompt":   set.CustomPrompt,
		"audio_language":  set.AudioLanguage,
		"audio_model":     set.AudioModel,
	})
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	var req struct {
		PreferredModel string `json:"preferred_model"`
		APIKey         string `json:"api_key"`
		CustomPrompt   string `json:"custom_prompt"`
		AudioLanguage  string `json:"audio_language"`
		AudioModel     int    `json:"audio_model"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, 400, err)
		return
	}

	err := s.Accounts.SaveSettings(r.Context(), c.UserID, backend.Settings{
		PreferredModel: req.PreferredModel,
		APIKey:         req.APIKey,
		CustomPrompt:   req.CustomPrompt,
		AudioLanguage:  req.AudioLanguage,
		AudioModel:     req.AudioModel,
	})
	if errors.Is(err, account.ErrExternalNeedsKey) {
		writeError(w, 400, err)
		return
	}
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "saved"})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	usd, err := s.Accounts.GetUsage(r.Context(), c.UserID)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]float64{"total_spent_usd": usd})
}
