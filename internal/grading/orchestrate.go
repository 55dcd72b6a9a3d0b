package grading

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/coursegrader/internal/llm"
	"github.com/pavelanni/coursegrader/internal/model"
	"github.com/pavelanni/coursegrader/internal/store"
)

// GradeSubmission asks the AI grader to grade a submitted submission and
// saves the result. A failed AI call leaves the submission untouched so it
// can be graded again later.
func (s *Service) GradeSubmission(ctx context.Context, submissionID string) (*model.Grading, error) {
	req, q, err := s.gradeRequest(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	res, err := s.grader.GradeSeries(ctx, *req)
	if err != nil {
		slog.Warn("AI grading failed, submission keeps its status",
			"submission_id", submissionID, "error", err)
		return nil, fmt.Errorf("grade submission %s: %w", submissionID, err)
	}
	return s.SaveOrUpdateAIGrading(ctx, submissionID, aiData(res, q))
}

// StreamGradeSubmission is GradeSubmission with reply fragments forwarded
// to sink as they arrive.
func (s *Service) StreamGradeSubmission(ctx context.Context, submissionID string, sink llm.Sink) (*model.Grading, error) {
	req, q, err := s.gradeRequest(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	res, err := s.grader.StreamGradeSeries(ctx, *req, sink)
	if err != nil {
		slog.Warn("streamed AI grading failed, submission keeps its status",
			"submission_id", submissionID, "error", err)
		return nil, fmt.Errorf("grade submission %s: %w", submissionID, err)
	}
	return s.SaveOrUpdateAIGrading(ctx, submissionID, aiData(res, q))
}

func (s *Service) gradeRequest(ctx context.Context, submissionID string) (*llm.GradeRequest, *model.SeriesQuestionnaire, error) {
	if s.grader == nil {
		return nil, nil, ErrNoGrader
	}
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load submission %s: %w", submissionID, err)
	}
	if sub == nil {
		return nil, nil, ErrSubmissionNotFound
	}
	if sub.Status != model.SubmissionSubmitted && sub.Status != model.SubmissionGraded {
		return nil, nil, fmt.Errorf("%w: status %q", ErrNotSubmitted, sub.Status)
	}
	q, err := s.Questionnaire(ctx, sub.QuestionnaireID)
	if err != nil {
		return nil, nil, err
	}
	return &llm.GradeRequest{
		Questionnaire: *q,
		Questions:     q.Questions,
		Answers:       sub.Answers,
	}, q, nil
}

func aiData(res *model.GradingResult, q *model.SeriesQuestionnaire) AIGradingData {
	return AIGradingData{
		Score:    res.OverallScore,
		Feedback: res.OverallFeedback,
		Detailed: &model.DetailedFeedback{
			Questions:      res.DetailedFeedback,
			CriteriaScores: res.CriteriaScores,
			Suggestions:    res.Suggestions,
		},
		CriteriaUsed: q.AIGradingCriteria,
	}
}

// Outcome is the result of grading one submission in a batch.
type Outcome struct {
	SubmissionID string
	Grading      *model.Grading
	Err          error
}

// GradePending grades every submitted submission that has no grading yet,
// at most concurrency at a time. A failed submission does not stop the
// others; its error is reported in its Outcome.
func (s *Service) GradePending(ctx context.Context, concurrency int) ([]Outcome, error) {
	if s.grader == nil {
		return nil, ErrNoGrader
	}
	pending, err := s.store.ListSubmissions(ctx, store.SubmissionFilter{
		Status:   model.SubmissionSubmitted,
		Ungraded: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending submissions: %w", err)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	outcomes := make([]Outcome, len(pending))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, sub := range pending {
		g.Go(func() error {
			outcomes[i].SubmissionID = sub.ID
			if err := ctx.Err(); err != nil {
				outcomes[i].Err = err
				return nil
			}
			outcomes[i].Grading, outcomes[i].Err = s.GradeSubmission(ctx, sub.ID)
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	slog.Info("pending submissions graded", "total", len(outcomes), "failed", failed)
	return outcomes, ctx.Err()
}
