package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/coursegrader/internal/model"
)

const (
	roleStudent = model.UserRoleStudent
	roleTeacher = model.UserRoleTeacher
	roleAdmin   = model.UserRoleAdmin
)

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireAuth is middleware that checks for a valid bearer token.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeMessage(w, r, http.StatusUnauthorized, "ErrUnauthorized", "")
			return
		}

		authSess, err := h.store.GetAuthSession(r.Context(), token)
		if err != nil {
			slog.Error("failed to get auth session", "error", err)
			writeMessage(w, r, http.StatusUnauthorized, "ErrUnauthorized", "")
			return
		}
		if authSess == nil {
			writeMessage(w, r, http.StatusUnauthorized, "ErrUnauthorized", "")
			return
		}

		user, err := h.store.GetUserByID(r.Context(), authSess.UserID)
		if err != nil || user == nil || !user.Active {
			writeMessage(w, r, http.StatusUnauthorized, "ErrUnauthorized", "")
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeMessage(w, r, http.StatusUnauthorized, "ErrUnauthorized", "")
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeMessage(w, r, http.StatusForbidden, "ErrForbidden", "")
		})
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		slog.Error("failed to get user", "error", err)
		writeMessage(w, r, http.StatusInternalServerError, "ErrInternal", "")
		return
	}
	if user == nil || !user.Active {
		writeMessage(w, r, http.StatusUnauthorized, "ErrInvalidCredentials", "")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeMessage(w, r, http.StatusUnauthorized, "ErrInvalidCredentials", "")
		return
	}

	token, err := h.store.CreateAuthSession(r.Context(), user.ID)
	if err != nil {
		slog.Error("failed to create auth session", "error", err)
		writeMessage(w, r, http.StatusInternalServerError, "ErrInternal", "")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteAuthSession(r.Context(), bearerToken(r)); err != nil {
		slog.Error("failed to delete auth session", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
