package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/coursegrader/internal/importer"
	"github.com/pavelanni/coursegrader/internal/model"
)

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Email       string         `json:"email"`
	Password    string         `json:"password"`
	Role        model.UserRole `json:"role"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeMessage(w, r, http.StatusBadRequest, "ErrBadRequest", "username and password required")
		return
	}
	if req.Role == "" {
		req.Role = roleStudent
	}
	if !req.Role.IsValid() {
		writeMessage(w, r, http.StatusBadRequest, "ErrBadRequest", "invalid role "+string(req.Role))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		writeMessage(w, r, http.StatusInternalServerError, "ErrInternal", "")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	u := model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	}
	id, err := h.store.CreateUser(r.Context(), u)
	if err != nil {
		writeMessage(w, r, http.StatusConflict, "ErrBadRequest", "failed to create user: "+err.Error())
		return
	}
	created, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleSetUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "ErrBadRequest", "invalid user ID")
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.store.SetUserActive(r.Context(), id, req.Active); err != nil {
		slog.Error("failed to set user active", "id", id, "error", err)
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImport accepts a course JSON document as the request body. The
// name query parameter identifies the file for duplicate detection.
func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeMessage(w, r, http.StatusBadRequest, "ErrBadRequest", "name query parameter required")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "ErrBadRequest", "failed to read body")
		return
	}

	user := model.UserFromContext(r.Context())
	res, err := importer.Import(r.Context(), h.store, name, data, user.ID)
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "ErrBadRequest", err.Error())
		return
	}
	slog.Info("course uploaded via admin", "name", name, "skipped", res.Skipped)
	writeJSON(w, http.StatusOK, res)
}

type pendingOutcome struct {
	SubmissionID string         `json:"submission_id"`
	Grading      *model.Grading `json:"grading,omitempty"`
	Error        string         `json:"error,omitempty"`
}

func (h *Handler) handleGradePending(w http.ResponseWriter, r *http.Request) {
	concurrency, _ := strconv.Atoi(r.URL.Query().Get("concurrency"))
	outcomes, err := h.grading.GradePending(r.Context(), concurrency)
	if err != nil && outcomes == nil {
		writeError(w, r, err)
		return
	}
	resp := make([]pendingOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		po := pendingOutcome{SubmissionID: o.SubmissionID, Grading: o.Grading}
		if o.Err != nil {
			po.Error = o.Err.Error()
		}
		resp = append(resp, po)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	report, err := h.checker.Diagnose(r.Context(), r.URL.Query().Get("submission_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleRepair(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	report, err := h.checker.Repair(r.Context(), dryRun)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
