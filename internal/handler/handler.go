// Package handler serves the JSON HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pavelanni/coursegrader/internal/diagnostics"
	"github.com/pavelanni/coursegrader/internal/grading"
	appI18n "github.com/pavelanni/coursegrader/internal/i18n"
	"github.com/pavelanni/coursegrader/internal/llm"
	"github.com/pavelanni/coursegrader/internal/metrics"
	"github.com/pavelanni/coursegrader/internal/store"
)

const maxBodyBytes = 10 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	grading *grading.Service
	checker *diagnostics.Checker
	lang    string
}

// New creates a new Handler. lang is the fallback language for messages.
func New(s *store.Store, svc *grading.Service, checker *diagnostics.Checker, lang string) *Handler {
	return &Handler{store: s, grading: svc, checker: checker, lang: lang}
}

// Router returns the full middleware stack and routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(appI18n.Middleware(h.lang))
	h.Routes(r)
	return r
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", h.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Post("/logout", h.handleLogout)

			r.Get("/questionnaires/{id}", h.handleGetQuestionnaire)
			r.Post("/questionnaires/{id}/submissions", h.handleCreateSubmission)
			r.Get("/submissions/{id}", h.handleGetSubmission)
			r.Put("/submissions/{id}/answers", h.handleUpdateAnswers)
			r.Post("/submissions/{id}/submit", h.handleSubmit)
			r.Get("/submissions/{id}/grading", h.handleGetGrading)
			r.Post("/quizzes/{id}/score", h.handleScoreQuiz)
			r.Get("/quizzes/{id}/attempts", h.handleListQuizAttempts)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(roleTeacher, roleAdmin))
				r.Post("/questionnaires", h.handleCreateQuestionnaire)
				r.Put("/questionnaires/{id}", h.handleUpdateQuestionnaire)
				r.Post("/submissions/{id}/grade", h.handleGrade)
				r.Get("/submissions/{id}/grade/stream", h.handleGradeStream)
				r.Post("/submissions/{id}/review", h.handleReview)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(requireRole(roleAdmin))
				r.Get("/users", h.handleListUsers)
				r.Post("/users", h.handleCreateUser)
				r.Put("/users/{userID}/active", h.handleSetUserActive)
				r.Post("/import", h.handleImport)
				r.Post("/grade-pending", h.handleGradePending)
				r.Get("/diagnostics", h.handleDiagnostics)
				r.Post("/repair", h.handleRepair)
			})
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "ErrBadRequest", err.Error())
		return false
	}
	return true
}

type errorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	Detail      string `json:"detail,omitempty"`
	RawResponse string `json:"raw_response,omitempty"`
}

func writeMessage(w http.ResponseWriter, r *http.Request, status int, msgID, detail string) {
	writeJSON(w, status, errorResponse{
		Error:  appI18n.T(r.Context(), msgID),
		Code:   msgID,
		Detail: detail,
	})
}

// errorStatus maps a service error to its HTTP status and message ID.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, grading.ErrSubmissionNotFound):
		return http.StatusNotFound, "ErrSubmissionNotFound"
	case errors.Is(err, grading.ErrQuestionnaireNotFound):
		return http.StatusNotFound, "ErrQuestionnaireNotFound"
	case errors.Is(err, grading.ErrQuizNotFound):
		return http.StatusNotFound, "ErrQuizNotFound"
	case errors.Is(err, grading.ErrForbidden):
		return http.StatusForbidden, "ErrForbidden"
	case errors.Is(err, grading.ErrVersionConflict):
		return http.StatusConflict, "ErrVersionConflict"
	case errors.Is(err, grading.ErrNotDraft):
		return http.StatusConflict, "ErrNotDraft"
	case errors.Is(err, grading.ErrNotSubmitted):
		return http.StatusUnprocessableEntity, "ErrNotSubmitted"
	case errors.Is(err, grading.ErrInvalidScore):
		return http.StatusUnprocessableEntity, "ErrInvalidScore"
	case errors.Is(err, grading.ErrNoGrader):
		return http.StatusServiceUnavailable, "ErrNoGrader"
	case errors.Is(err, llm.ErrTransient), errors.Is(err, llm.ErrPermanent):
		return http.StatusBadGateway, "ErrAIGradingFailed"
	}
	return http.StatusInternalServerError, "ErrInternal"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msgID := errorStatus(err)
	resp := errorResponse{
		Error: appI18n.T(r.Context(), msgID),
		Code:  msgID,
	}
	switch {
	case status == http.StatusInternalServerError:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	case status == http.StatusBadGateway:
		resp.Detail = err.Error()
		resp.RawResponse = llm.RawResponse(err)
	case status >= 400:
		resp.Detail = err.Error()
	}
	writeJSON(w, status, resp)
}
