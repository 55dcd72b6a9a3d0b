package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/coursegrader/internal/model"
)

// ExportSubmissions builds export-ready results for the submissions
// matching f, each with its grading if one exists.
func (s *Store) ExportSubmissions(ctx context.Context, f SubmissionFilter) ([]model.SubmissionResult, error) {
	subs, err := s.ListSubmissions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	titles := make(map[string]string)
	users := make(map[int64]*model.User)

	results := make([]model.SubmissionResult, 0, len(subs))
	for _, sub := range subs {
		title, ok := titles[sub.QuestionnaireID]
		if !ok {
			q, err := s.GetQuestionnaire(ctx, sub.QuestionnaireID)
			if err != nil {
				return nil, fmt.Errorf("get questionnaire %s: %w", sub.QuestionnaireID, err)
			}
			if q != nil {
				title = q.Title
			}
			titles[sub.QuestionnaireID] = title
		}

		user, ok := users[sub.StudentID]
		if !ok {
			user, err = s.GetUserByID(ctx, sub.StudentID)
			if err != nil {
				return nil, fmt.Errorf("get user %d: %w", sub.StudentID, err)
			}
			users[sub.StudentID] = user
		}

		g, err := s.GetGrading(ctx, sub.ID)
		if err != nil {
			return nil, fmt.Errorf("get grading %s: %w", sub.ID, err)
		}

		r := model.SubmissionResult{
			SubmissionID:    sub.ID,
			QuestionnaireID: sub.QuestionnaireID,
			Questionnaire:   title,
			StudentID:       sub.StudentID,
			Status:          sub.Status,
			SubmittedAt:     sub.SubmittedAt,
			Answers:         sub.Answers,
			Grading:         g,
		}
		if user != nil {
			r.Username = user.Username
			r.DisplayName = user.DisplayName
		}
		results = append(results, r)
	}
	return results, nil
}
