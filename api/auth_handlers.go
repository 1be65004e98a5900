package api

import (
	"errors"
	"net/http"

	"github.com/hazyhaar/lectio/account"
	"github.com/hazyhaar/lectio/auth"
)

func (s *Server) handleSignupRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.Username == "" || req.Password == "" || req.Email == "" {
		writeJSON(w, 400, map[string]string{"error": "username, password and email are required"})
		return
	}

	err := s.Accounts.RequestSignup(r.Context(), req.Username, req.Password, req.Email)
	switch {
	case errors.Is(err, account.ErrUsernameTaken), errors.Is(err, account.ErrEmailTaken):
		writeError(w, 409, err)
	case err != nil:
		writeError(w, 500, err)
	default:
		writeJSON(w, 200, map[string]string{"status": "verification_sent"})
	}
}

func (s *Server) handleSignupVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, 400, err)
		return
	}

	user, err := s.Accounts.Verify(r.Context(), req.Email, req.Code)
	if errors.Is(err, account.ErrBadCode) {
		writeError(w, 400, err)
		return
	}
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 201, map[string]string{"id": user.ID, "username": user.Username})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, 400, err)
		return
	}

	user, err := s.Accounts.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, account.ErrBadCredentials) {
		writeError(w, 401, err)
		return
	}
	if err != nil {
		writeError(w, 500, err)
		return
	}

	token, err := auth.GenerateToken(s.JWTSecret, &auth.Claims{
		UserID:   user.ID,
		Username: user.Username,
	}, sessionExpiry)
	if err != nil {
		writeError(w, 500, err)
		return
	}

	secure := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
	auth.SetTokenCookie(w, token, secure)
	writeJSON(w, 200, map[string]string{"id": user.ID, "username": user.Username})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	user, err := s.Accounts.Get(r.Context(), c.UserID)
	if errors.Is(err, account.ErrUserNotFound) {
		// valid token for a deleted account
		auth.ClearTokenCookie(w)
		writeError(w, 401, err)
		return
	}
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}
