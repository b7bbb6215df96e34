package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ledgergate/ledgergate/internal/account"
	"github.com/ledgergate/ledgergate/internal/auth"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
		FullName string `json:"full_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("username and password required"))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	acct, err := s.engine.Register(r.Context(), username, hash, strings.TrimSpace(req.Email), strings.TrimSpace(req.FullName))
	if err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{
		"user_id":      acct.UserID,
		"username":     acct.Username,
		"access_token": acct.AccessToken,
		"quota_left":   acct.QuotaLeft,
		"created_at":   acct.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	acct, err := s.engine.Login(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"access_token": acct.AccessToken,
		"user":         profileView(acct),
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, errors.New("no session"))
		return
	}
	s.respondJSON(w, http.StatusOK, profileView(p.acct))
}

func (s *Server) handleTestKey(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, errors.New("no session"))
		return
	}
	payload := map[string]any{
		"valid":    true,
		"username": p.acct.Username,
	}
	if p.acct.MatchesKey(p.credential) {
		payload["key_name"] = p.acct.APIKey.Name
	}
	s.respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, errors.New("no session"))
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	key, err := s.engine.RotateKey(r.Context(), p.credential, strings.TrimSpace(req.Name))
	if err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{
		"api_key": key,
		"name":    strings.TrimSpace(req.Name),
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, errors.New("no session"))
		return
	}
	keys := make([]map[string]any, 0, 1)
	if p.acct.APIKey != nil {
		keys = append(keys, keyView(p.acct.APIKey))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleKeyActivate(w http.ResponseWriter, r *http.Request) {
	s.setKeyActive(w, r, true)
}

func (s *Server) handleKeyDeactivate(w http.ResponseWriter, r *http.Request) {
	s.setKeyActive(w, r, false)
}

func (s *Server) setKeyActive(w http.ResponseWriter, r *http.Request, active bool) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, errors.New("no session"))
		return
	}
	acct, err := s.engine.SetKeyActive(r.Context(), p.credential, active)
	if err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	s.respondJSON(w, http.StatusOK, keyView(acct.APIKey))
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, errors.New("no session"))
		return
	}
	summary, err := s.engine.UsageSummary(r.Context(), p.acct.UserID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUsageLogs(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, errors.New("no session"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	entries, err := s.engine.RecentUsage(r.Context(), p.acct.UserID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// profileView is the caller-facing account shape, credential hash omitted.
func profileView(acct *account.Account) map[string]any {
	view := map[string]any{
		"user_id":             acct.UserID,
		"username":            acct.Username,
		"email":               acct.Email,
		"full_name":           acct.FullName,
		"active":              acct.Active,
		"quota_left":          acct.QuotaLeft,
		"request_count":       acct.RequestCount,
		"total_input_tokens":  acct.TotalInputTokens,
		"total_output_tokens": acct.TotalOutputTokens,
		"total_cost":          acct.TotalCost,
		"model_usage":         acct.ModelUsage,
		"account_created_at":  acct.CreatedAt.UTC().Format(time.RFC3339),
		"login_count":         acct.LoginCount,
	}
	if acct.LastLogin != nil {
		view["last_login"] = acct.LastLogin.UTC().Format(time.RFC3339)
	}
	if acct.APIKey != nil {
		view["api_key"] = keyView(acct.APIKey)
	}
	return view
}

func keyView(key *account.APIKey) map[string]any {
	if key == nil {
		return nil
	}
	view := map[string]any{
		"key":        key.Key,
		"name":       key.Name,
		"active":     key.Active,
		"created_at": key.CreatedAt.UTC().Format(time.RFC3339),
	}
	if key.LastUsed != nil {
		view["last_used"] = key.LastUsed.UTC().Format(time.RFC3339)
	}
	return view
}
