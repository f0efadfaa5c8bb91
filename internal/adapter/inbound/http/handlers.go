package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aegisgate/aegisgate/internal/domain/autherr"
	"github.com/aegisgate/aegisgate/internal/service"
)

type loginRequest struct {
	IdentityID string `json:"identity_id"`
	Password   string `json:"password"`
	MFAPassed  bool   `json:"mfa_passed"`
}

type loginResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	SessionID    string    `json:"session_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil || req.IdentityID == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "identity_id and password are required"})
		return
	}

	result, err := s.guard.Login(r.Context(), service.LoginParams{
		IdentityID: req.IdentityID,
		Password:   req.Password,
		IP:         requestIP(r.Context()),
		UserAgent:  r.UserAgent(),
		MFAPassed:  req.MFAPassed,
	})
	if err != nil {
		label := "failure"
		if errors.Is(err, autherr.ErrBlocked) {
			label = "blocked"
		}
		s.metrics.LoginsTotal.WithLabelValues(label).Inc()
		s.writeError(w, err)
		return
	}

	s.metrics.LoginsTotal.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		SessionID:    result.Session.ID,
		ExpiresAt:    result.Session.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "authorization header is required"})
		return
	}
	if err := s.guard.Logout(r.Context(), raw); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "refresh_token is required"})
		return
	}
	access, err := s.guard.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access})
}

type verifyRequest struct {
	RequiredScope  string `json:"required_scope,omitempty"`
	TargetIdentity string `json:"target_identity,omitempty"`
	Cost           int64  `json:"cost,omitempty"`
}

type verifyResponse struct {
	IdentityID string   `json:"identity_id"`
	Kind       string   `json:"kind"`
	Role       string   `json:"role"`
	Scopes     []string `json:"scopes"`
	Tier       string   `json:"tier"`
	SessionID  string   `json:"session_id,omitempty"`
	KeyID      string   `json:"key_id,omitempty"`
}

// handleVerify runs the full admission pipeline for the presented
// credential and returns the caller context the request pipeline acts on.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "authorization header is required"})
		return
	}

	var req verifyRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
			return
		}
	}

	caller, err := s.guard.Admit(r.Context(), service.Request{
		Authorization:  auth,
		IP:             requestIP(r.Context()),
		UserAgent:      r.UserAgent(),
		RequiredScope:  req.RequiredScope,
		TargetIdentity: req.TargetIdentity,
		Cost:           req.Cost,
	})
	s.recordAdmission(r.Context(), err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Verification is a point-in-time check, not a held request.
	defer s.guard.Release(r.Context(), caller)

	resp := verifyResponse{
		IdentityID: caller.Identity.ID,
		Kind:       string(caller.Identity.Kind),
		Role:       string(caller.Identity.Role),
		Scopes:     caller.Identity.Scopes,
		Tier:       string(caller.Identity.Tier),
		SessionID:  caller.SessionID,
	}
	if caller.Key != nil {
		resp.KeyID = caller.Key.KeyID
	}
	writeJSON(w, http.StatusOK, resp)
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return auth
}
