package api

import (
	"errors"
	"net/http"

	"github.com/TheEntropyCollective/orchard/pkg/auth"
)

type credentialsRequest struct {
	Password        string `json:"password"`
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
	Challenge       string `json:"challenge"`
	Nonce           string `json:"nonce"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	hash, err := s.store.GetPasswordHash()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read auth state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"required":      true,
		"setup":         hash != "",
		"authenticated": s.authenticated(r),
	})
}

func (s *Server) handleAuthChallenge(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"challenge":  s.pow.Issue(),
		"difficulty": s.pow.Difficulty(),
	})
}

func (s *Server) handleAuthSetup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.pow.Verify(req.Challenge, req.Nonce); err != nil {
		writePowError(w, err)
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	set, err := s.store.SetPasswordHashIfNotExists(hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store password")
		return
	}
	if !set {
		writeError(w, http.StatusBadRequest, "setup already completed")
		return
	}

	s.issueSession(w, r, hash)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.pow.Verify(req.Challenge, req.Nonce); err != nil {
		writePowError(w, err)
		return
	}

	hash, err := s.store.GetPasswordHash()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read auth state")
		return
	}
	if hash == "" {
		writeError(w, http.StatusBadRequest, "setup not completed")
		return
	}
	if !auth.VerifyPassword(req.Password, hash) {
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	s.issueSession(w, r, hash)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, auth.ClearSessionCookie(r.Host))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.pow.Verify(req.Challenge, req.Nonce); err != nil {
		writePowError(w, err)
		return
	}

	hash, err := s.store.GetPasswordHash()
	if err != nil || hash == "" {
		writeError(w, http.StatusBadRequest, "setup not completed")
		return
	}
	if !auth.VerifyPassword(req.CurrentPassword, hash) {
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	newHash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	if err := s.store.SetPasswordHash(newHash); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store password")
		return
	}

	// Rotating the hash invalidates every session; reissue this one.
	s.issueSession(w, r, newHash)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writePowError maps gate failures: a burned challenge is a bad request, any
// other rejection is unauthorized.
func writePowError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrChallengeReplayed) {
		writeError(w, http.StatusBadRequest, "challenge already used")
		return
	}
	writeError(w, http.StatusUnauthorized, "proof of work rejected")
}

func (s *Server) issueSession(w http.ResponseWriter, r *http.Request, hash string) {
	token, err := auth.IssueToken(auth.SessionKey(hash), s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to issue session token")
		return
	}
	http.SetCookie(w, auth.SessionCookieFor(token, r.Host, s.now()))
}
