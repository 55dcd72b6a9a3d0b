// Package grading reconciles AI and teacher gradings with submission
// status and drives AI grading of submitted work.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/coursegrader/internal/cache"
	"github.com/pavelanni/coursegrader/internal/llm"
	"github.com/pavelanni/coursegrader/internal/metrics"
	"github.com/pavelanni/coursegrader/internal/model"
	"github.com/pavelanni/coursegrader/internal/store"
)

var (
	ErrSubmissionNotFound    = errors.New("submission not found")
	ErrQuestionnaireNotFound = errors.New("questionnaire not found")
	ErrQuizNotFound          = errors.New("quiz not found")
	ErrNotSubmitted          = errors.New("submission has not been submitted")
	ErrNotDraft              = errors.New("submission is no longer a draft")
	ErrVersionConflict       = errors.New("grading was changed by someone else")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalidScore          = errors.New("score out of range")
	ErrNoGrader              = errors.New("AI grader is not configured")
)

// Grader produces an AI grading for a submission.
type Grader interface {
	GradeSeries(ctx context.Context, req llm.GradeRequest) (*model.GradingResult, error)
	StreamGradeSeries(ctx context.Context, req llm.GradeRequest, sink llm.Sink) (*model.GradingResult, error)
}

// Service owns every write to gradings and submission status.
type Service struct {
	store    *store.Store
	grader   Grader
	cache    cache.Cache
	cacheTTL time.Duration
	locks    *keyedMutex
}

// Options configure a Service. A nil Cache gets a small in-memory one.
type Options struct {
	Grader   Grader
	Cache    cache.Cache
	CacheTTL time.Duration
}

func New(st *store.Store, opts Options) *Service {
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory(256)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &Service{
		store:    st,
		grader:   opts.Grader,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		locks:    newKeyedMutex(),
	}
}

// AIGradingData is the AI side of a grading.
type AIGradingData struct {
	Score        float64
	Feedback     string
	Detailed     *model.DetailedFeedback
	CriteriaUsed string
	// FinalScore defaults to Score.
	FinalScore *float64
}

// TeacherGradingData is a teacher's review of a submission.
type TeacherGradingData struct {
	Score     float64
	Feedback  string
	TeacherID int64
	// ExpectedVersion, when set, must match the stored grading version.
	// Zero means no grading is expected to exist yet.
	ExpectedVersion *int
}

// SaveOrUpdateAIGrading stores the AI grading of a submission and marks it
// graded. Drafts are refused with ErrNotSubmitted. Repeated calls replace the previous AI result, leaving exactly
// one grading row. The row write and the status change commit together,
// so a failure leaves the submission in its prior status.
func (s *Service) SaveOrUpdateAIGrading(ctx context.Context, submissionID string, data AIGradingData) (*model.Grading, error) {
	unlock, err := s.locks.Lock(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	final := data.FinalScore
	if final == nil {
		final = &data.Score
	}

	var (
		saved *model.Grading
		prev  model.SubmissionStatus
	)
	err = s.store.InTx(ctx, func(tx *store.Store) error {
		sub, err := tx.GetSubmission(ctx, submissionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return ErrSubmissionNotFound
		}
		if sub.Status == model.SubmissionDraft {
			return fmt.Errorf("%w: status %q", ErrNotSubmitted, sub.Status)
		}
		prev = sub.Status

		saved, err = tx.PutAIGrading(ctx, model.Grading{
			SubmissionID:        submissionID,
			AIScore:             &data.Score,
			AIFeedback:          data.Feedback,
			AIDetailedFeedback:  data.Detailed,
			GradingCriteriaUsed: data.CriteriaUsed,
			FinalScore:          final,
		})
		if err != nil {
			return err
		}
		return tx.SetSubmissionStatus(ctx, submissionID, model.SubmissionGraded)
	})
	if err != nil {
		metrics.Reconciliations.WithLabelValues("ai", "error").Inc()
		return nil, fmt.Errorf("save AI grading for %s: %w", submissionID, err)
	}

	metrics.Reconciliations.WithLabelValues("ai", "ok").Inc()
	slog.Info("AI grading saved",
		"submission_id", submissionID,
		"old_status", prev,
		"new_status", model.SubmissionGraded,
		"ai_score", data.Score,
		"version", saved.Version,
	)
	return saved, nil
}

// SaveOrUpdateTeacherGrading merges a teacher review into the submission's
// grading. AI fields already stored are kept; final_score becomes the
// teacher's score. Without an existing grading a teacher-only one is
// created. The submission is marked graded either way. Drafts are refused
// with ErrNotSubmitted.
func (s *Service) SaveOrUpdateTeacherGrading(ctx context.Context, submissionID string, data TeacherGradingData) (*model.Grading, error) {
	if data.Score < 0 {
		return nil, fmt.Errorf("%w: %g", ErrInvalidScore, data.Score)
	}

	unlock, err := s.locks.Lock(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		saved *model.Grading
		prev  model.SubmissionStatus
	)
	err = s.store.InTx(ctx, func(tx *store.Store) error {
		sub, err := tx.GetSubmission(ctx, submissionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return ErrSubmissionNotFound
		}
		if sub.Status == model.SubmissionDraft {
			return fmt.Errorf("%w: status %q", ErrNotSubmitted, sub.Status)
		}
		prev = sub.Status

		q, err := tx.GetQuestionnaire(ctx, sub.QuestionnaireID)
		if err != nil {
			return err
		}
		if q != nil && q.MaxScore > 0 && data.Score > q.MaxScore {
			return fmt.Errorf("%w: %g exceeds %g", ErrInvalidScore, data.Score, q.MaxScore)
		}

		existing, err := tx.GetGrading(ctx, submissionID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		score := data.Score
		teacherID := data.TeacherID

		if existing == nil {
			if data.ExpectedVersion != nil && *data.ExpectedVersion != 0 {
				return ErrVersionConflict
			}
			saved, err = tx.InsertGrading(ctx, model.Grading{
				SubmissionID:      submissionID,
				TeacherScore:      &score,
				TeacherFeedback:   data.Feedback,
				TeacherID:         &teacherID,
				TeacherReviewedAt: &now,
				FinalScore:        &score,
			})
			if err != nil {
				return err
			}
		} else {
			if data.ExpectedVersion != nil && *data.ExpectedVersion != existing.Version {
				return ErrVersionConflict
			}
			merged := *existing
			merged.TeacherScore = &score
			merged.TeacherFeedback = data.Feedback
			merged.TeacherID = &teacherID
			merged.TeacherReviewedAt = &now
			merged.FinalScore = &score

			ok, err := tx.UpdateGrading(ctx, merged, existing.Version)
			if err != nil {
				return err
			}
			if !ok {
				return ErrVersionConflict
			}
			if saved, err = tx.GetGrading(ctx, submissionID); err != nil {
				return err
			}
		}
		return tx.SetSubmissionStatus(ctx, submissionID, model.SubmissionGraded)
	})
	if err != nil {
		result := "error"
		if errors.Is(err, ErrVersionConflict) {
			result = "conflict"
		}
		metrics.Reconciliations.WithLabelValues("teacher", result).Inc()
		return nil, fmt.Errorf("save teacher grading for %s: %w", submissionID, err)
	}

	metrics.Reconciliations.WithLabelValues("teacher", "ok").Inc()
	slog.Info("teacher grading saved",
		"submission_id", submissionID,
		"old_status", prev,
		"new_status", model.SubmissionGraded,
		"teacher_id", data.TeacherID,
		"teacher_score", data.Score,
		"version", saved.Version,
	)
	return saved, nil
}

// GetGrading returns the grading of a submission, or nil if it has none.
func (s *Service) GetGrading(ctx context.Context, submissionID string) (*model.Grading, error) {
	return s.store.GetGrading(ctx, submissionID)
}

func questionnaireKey(id string) string { return "questionnaire:" + id }

// Questionnaire returns a questionnaire with its questions, reading
// through the cache. A missing questionnaire is ErrQuestionnaireNotFound.
func (s *Service) Questionnaire(ctx context.Context, id string) (*model.SeriesQuestionnaire, error) {
	var q model.SeriesQuestionnaire
	hit, err := s.cache.Get(ctx, questionnaireKey(id), &q)
	if err != nil {
		slog.Warn("questionnaire cache read failed", "questionnaire_id", id, "error", err)
	}
	if hit {
		return &q, nil
	}

	found, err := s.store.GetQuestionnaire(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load questionnaire %s: %w", id, err)
	}
	if found == nil {
		return nil, ErrQuestionnaireNotFound
	}
	if err := s.cache.Set(ctx, questionnaireKey(id), found, s.cacheTTL); err != nil {
		slog.Warn("questionnaire cache write failed", "questionnaire_id", id, "error", err)
	}
	return found, nil
}

func (s *Service) invalidateQuestionnaire(ctx context.Context, id string) {
	if err := s.cache.Delete(ctx, questionnaireKey(id)); err != nil {
		slog.Warn("questionnaire cache invalidation failed", "questionnaire_id", id, "error", err)
	}
}
