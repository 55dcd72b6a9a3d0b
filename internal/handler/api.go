package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/coursegrader/internal/grading"
	appI18n "github.com/pavelanni/coursegrader/internal/i18n"
	"github.com/pavelanni/coursegrader/internal/llm"
	"github.com/pavelanni/coursegrader/internal/model"
)

func (h *Handler) handleGetQuestionnaire(w http.ResponseWriter, r *http.Request) {
	q, err := h.grading.Questionnaire(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) handleCreateQuestionnaire(w http.ResponseWriter, r *http.Request) {
	var q model.SeriesQuestionnaire
	if !decodeJSON(w, r, &q) {
		return
	}
	if q.Title == "" {
		writeMessage(w, r, http.StatusBadRequest, "ErrBadRequest", "title required")
		return
	}
	created, err := h.grading.CreateQuestionnaire(r.Context(), model.UserFromContext(r.Context()), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdateQuestionnaire(w http.ResponseWriter, r *http.Request) {
	var q model.SeriesQuestionnaire
	if !decodeJSON(w, r, &q) {
		return
	}
	q.ID = chi.URLParam(r, "id")
	updated, err := h.grading.UpdateQuestionnaire(r.Context(), model.UserFromContext(r.Context()), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type submissionRequest struct {
	Answers []model.SeriesAnswer `json:"answers"`
	Submit  bool                 `json:"submit"`
}

func (h *Handler) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req submissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.grading.CreateSubmission(r.Context(), model.UserFromContext(r.Context()), chi.URLParam(r, "id"), req.Answers, req.Submit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.grading.Submission(r.Context(), model.UserFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleUpdateAnswers(w http.ResponseWriter, r *http.Request) {
	var req submissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.grading.UpdateAnswers(r.Context(), model.UserFromContext(r.Context()), chi.URLParam(r, "id"), req.Answers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sub, err := h.grading.Submit(r.Context(), model.UserFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleGetGrading returns the grading of a submission the user can see.
// A submission without one yet answers 404.
func (h *Handler) handleGetGrading(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.grading.Submission(r.Context(), model.UserFromContext(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	g, err := h.grading.GetGrading(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if g == nil {
		writeMessage(w, r, http.StatusNotFound, "ErrNotFound", "submission has no grading yet")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	g, err := h.grading.GradeSubmission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleGradeStream grades a submission and streams the model's reply as
// server-sent events: "fragment" events carry reply text, then one
// "result" event carries the saved grading or one "error" event.
func (h *Handler) handleGradeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, r, http.StatusInternalServerError, "ErrInternal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event string, v any) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	g, err := h.grading.StreamGradeSubmission(r.Context(), chi.URLParam(r, "id"), func(fragment string) error {
		return send("fragment", fragment)
	})
	if err != nil {
		status, msgID := errorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("streamed grading failed", "path", r.URL.Path, "error", err)
		}
		_ = send("error", errorResponse{
			Error:       appI18n.T(r.Context(), msgID),
			Code:        msgID,
			Detail:      err.Error(),
			RawResponse: llm.RawResponse(err),
		})
		return
	}
	_ = send("result", g)
}

type reviewRequest struct {
	Score           *float64 `json:"teacher_score"`
	Feedback        string   `json:"teacher_feedback"`
	ExpectedVersion *int     `json:"expected_version"`
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Score == nil {
		writeMessage(w, r, http.StatusBadRequest, "ErrBadRequest", "teacher_score required")
		return
	}
	user := model.UserFromContext(r.Context())
	g, err := h.grading.SaveOrUpdateTeacherGrading(r.Context(), chi.URLParam(r, "id"), grading.TeacherGradingData{
		Score:           *req.Score,
		Feedback:        req.Feedback,
		TeacherID:       user.ID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type quizScoreResponse struct {
	model.QuizResult
	AttemptID string `json:"attempt_id"`
	Complete  bool   `json:"complete"`
}

func (h *Handler) handleScoreQuiz(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answers model.Answers `json:"answers"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	res, attempt, err := h.grading.ScoreQuiz(r.Context(), model.UserFromContext(r.Context()), chi.URLParam(r, "id"), req.Answers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quizScoreResponse{QuizResult: *res, AttemptID: attempt.ID, Complete: attempt.Complete})
}

// handleListQuizAttempts lists the caller's own attempts at a quiz.
func (h *Handler) handleListQuizAttempts(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	attempts, err := h.store.ListQuizAttempts(r.Context(), chi.URLParam(r, "id"), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []model.QuizAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}
