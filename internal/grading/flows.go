package grading

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/coursegrader/internal/metrics"
	"github.com/pavelanni/coursegrader/internal/model"
	"github.com/pavelanni/coursegrader/internal/quiz"
)

func canManage(user *model.User, ownerID int64) bool {
	return user.Role == model.UserRoleAdmin || user.ID == ownerID
}

func normalizeMaxScore(q *model.SeriesQuestionnaire) error {
	switch {
	case q.MaxScore < 0:
		return fmt.Errorf("%w: max_score %g", ErrInvalidScore, q.MaxScore)
	case q.MaxScore == 0:
		q.MaxScore = model.DefaultMaxScore
	}
	return nil
}

// CreateQuestionnaire stores a new questionnaire owned by user.
func (s *Service) CreateQuestionnaire(ctx context.Context, user *model.User, q model.SeriesQuestionnaire) (*model.SeriesQuestionnaire, error) {
	if user.Role != model.UserRoleTeacher && user.Role != model.UserRoleAdmin {
		return nil, ErrForbidden
	}
	if err := normalizeMaxScore(&q); err != nil {
		return nil, err
	}
	q.ID = ""
	q.CreatedBy = user.ID
	return s.store.CreateQuestionnaire(ctx, q)
}

// UpdateQuestionnaire replaces a questionnaire. Only its creator or an
// admin may do so.
func (s *Service) UpdateQuestionnaire(ctx context.Context, user *model.User, q model.SeriesQuestionnaire) (*model.SeriesQuestionnaire, error) {
	if err := normalizeMaxScore(&q); err != nil {
		return nil, err
	}
	current, err := s.store.GetQuestionnaire(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrQuestionnaireNotFound
	}
	if !canManage(user, current.CreatedBy) {
		return nil, ErrForbidden
	}
	if err := s.store.UpdateQuestionnaire(ctx, q); err != nil {
		return nil, fmt.Errorf("update questionnaire %s: %w", q.ID, err)
	}
	s.invalidateQuestionnaire(ctx, q.ID)
	return s.store.GetQuestionnaire(ctx, q.ID)
}

// CreateSubmission starts a submission for user, already submitted when
// submit is set.
func (s *Service) CreateSubmission(ctx context.Context, user *model.User, questionnaireID string, answers []model.SeriesAnswer, submit bool) (*model.Submission, error) {
	if _, err := s.Questionnaire(ctx, questionnaireID); err != nil {
		return nil, err
	}
	status := model.SubmissionDraft
	if submit {
		status = model.SubmissionSubmitted
	}
	sub, err := s.store.CreateSubmission(ctx, model.Submission{
		QuestionnaireID: questionnaireID,
		StudentID:       user.ID,
		Answers:         answers,
		Status:          status,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("submission created", "submission_id", sub.ID, "student_id", user.ID, "status", sub.Status)
	return sub, nil
}

func (s *Service) ownedSubmission(ctx context.Context, user *model.User, id string) (*model.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubmissionNotFound
	}
	if sub.StudentID != user.ID {
		return nil, ErrForbidden
	}
	return sub, nil
}

// UpdateAnswers replaces the answers of the user's draft submission.
func (s *Service) UpdateAnswers(ctx context.Context, user *model.User, id string, answers []model.SeriesAnswer) (*model.Submission, error) {
	if _, err := s.ownedSubmission(ctx, user, id); err != nil {
		return nil, err
	}
	ok, err := s.store.UpdateSubmissionAnswers(ctx, id, answers)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotDraft
	}
	return s.store.GetSubmission(ctx, id)
}

// Submit hands in the user's draft submission.
func (s *Service) Submit(ctx context.Context, user *model.User, id string) (*model.Submission, error) {
	sub, err := s.ownedSubmission(ctx, user, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.SubmitSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotDraft
	}
	slog.Info("submission submitted", "submission_id", id, "old_status", sub.Status, "new_status", model.SubmissionSubmitted)
	return s.store.GetSubmission(ctx, id)
}

// Submission returns a submission the user may see: their own, or any
// for teachers and admins.
func (s *Service) Submission(ctx context.Context, user *model.User, id string) (*model.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubmissionNotFound
	}
	if user.Role == model.UserRoleStudent && sub.StudentID != user.ID {
		return nil, ErrForbidden
	}
	return sub, nil
}

// ScoreQuiz scores the user's answers to a quiz and records the attempt.
func (s *Service) ScoreQuiz(ctx context.Context, user *model.User, quizID string, answers model.Answers) (*model.QuizResult, *model.QuizAttempt, error) {
	qz, err := s.store.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, nil, err
	}
	if qz == nil {
		return nil, nil, ErrQuizNotFound
	}
	if answers == nil {
		answers = model.Answers{}
	}

	res := quiz.CalculateQuizScore(qz.Questions, answers)
	attempt, err := s.store.InsertQuizAttempt(ctx, model.QuizAttempt{
		QuizID:             quizID,
		StudentID:          user.ID,
		Answers:            answers,
		Score:              res.Score,
		StrictCorrectCount: res.StrictCorrectCount,
		TotalQuestions:     res.TotalQuestions,
		Complete:           quiz.AllQuestionsAnswered(qz.Questions, answers),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("record quiz attempt: %w", err)
	}
	metrics.QuizAttempts.Inc()
	return &res, attempt, nil
}
