package httpapi

import (
	"net/http"

	"github.com/ledgerline/billingd/internal/auth"
	"github.com/ledgerline/billingd/pkg/clientip"
)

func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		IP:        clientip.GetIP(r),
		UserAgent: r.UserAgent(),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, pair, err := s.auth.Register(r.Context(), req.Email, req.Password, req.Name, requestMeta(r))
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, sessionResponse{User: newUserResponse(user), Tokens: pair})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, pair, err := s.auth.Authenticate(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{User: newUserResponse(user), Tokens: pair})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.auth.Logout(r.Context(), req.RefreshToken, requestMeta(r)); err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, CodeUnauthorized, "not authenticated", nil)
		return
	}
	respondJSON(w, http.StatusOK, newUserResponse(user))
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.VerifyEmail(r.Context(), r.URL.Query().Get("token"), requestMeta(r)); err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// Always 200: the response must not reveal whether the email exists.
	if err := s.auth.ForgotPassword(r.Context(), req.Email); err != nil {
		s.log.ErrorContext(r.Context(), "forgot password failed", "error", err)
	}
	respondJSON(w, http.StatusOK, nil)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.auth.ResetPassword(r.Context(), req.Token, req.NewPassword, requestMeta(r)); err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, CodeUnauthorized, "not authenticated", nil)
		return
	}

	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.auth.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword, requestMeta(r)); err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	s.handleMe(w, r)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, CodeUnauthorized, "not authenticated", nil)
		return
	}

	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	updated, err := s.auth.UpdateProfile(r.Context(), user.ID, req.Name, requestMeta(r))
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, newUserResponse(updated))
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, CodeUnauthorized, "not authenticated", nil)
		return
	}

	var req deleteProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.auth.DeleteAccount(r.Context(), user.ID, req.Password, requestMeta(r)); err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, CodeUnauthorized, "not authenticated", nil)
		return
	}

	entries, err := s.auth.ListActivity(r.Context(), user.ID)
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}

	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, newAuditEntryResponse(e))
	}
	respondJSON(w, http.StatusOK, out)
}
