package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavelanni/coursegrader/internal/model"
)

const gradingColumns = `id, submission_id, ai_score, ai_feedback, ai_detailed_feedback, grading_criteria_used,
	final_score, teacher_score, teacher_feedback, teacher_id, teacher_reviewed_at, graded_at, version, created_at, updated_at`

func scanGrading(row interface{ Scan(...any) error }) (*model.Grading, error) {
	var (
		g        model.Grading
		detailed sql.NullString
	)
	err := row.Scan(&g.ID, &g.SubmissionID, &g.AIScore, &g.AIFeedback, &detailed, &g.GradingCriteriaUsed,
		&g.FinalScore, &g.TeacherScore, &g.TeacherFeedback, &g.TeacherID, &g.TeacherReviewedAt, &g.GradedAt,
		&g.Version, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if detailed.Valid && detailed.String != "" {
		var d model.DetailedFeedback
		if err := json.Unmarshal([]byte(detailed.String), &d); err != nil {
			return nil, fmt.Errorf("decode detailed feedback of grading %s: %w", g.ID, err)
		}
		g.AIDetailedFeedback = &d
	}
	return &g, nil
}

func encodeDetailed(d *model.DetailedFeedback) (any, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode detailed feedback: %w", err)
	}
	return string(data), nil
}

// GetGrading returns the grading of a submission, or nil if none.
func (s *Store) GetGrading(ctx context.Context, submissionID string) (*model.Grading, error) {
	return scanGrading(s.q.QueryRowContext(ctx,
		`SELECT `+gradingColumns+` FROM series_ai_gradings WHERE submission_id = ?`, submissionID))
}

// PutAIGrading writes the AI fields of a submission's grading. An existing
// row is replaced in place: AI fields are overwritten, teacher fields are
// cleared and the version is bumped. There is never more than one row per
// submission.
func (s *Store) PutAIGrading(ctx context.Context, g model.Grading) (*model.Grading, error) {
	detailed, err := encodeDetailed(g.AIDetailedFeedback)
	if err != nil {
		return nil, err
	}
	now := s.now()
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO series_ai_gradings
		 (id, submission_id, ai_score, ai_feedback, ai_detailed_feedback, grading_criteria_used,
		  final_score, teacher_score, teacher_feedback, teacher_id, teacher_reviewed_at, graded_at, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, '', NULL, NULL, ?, 1, ?, ?)
		 ON CONFLICT(submission_id) DO UPDATE SET
		  ai_score = excluded.ai_score,
		  ai_feedback = excluded.ai_feedback,
		  ai_detailed_feedback = excluded.ai_detailed_feedback,
		  grading_criteria_used = excluded.grading_criteria_used,
		  final_score = excluded.final_score,
		  teacher_score = NULL,
		  teacher_feedback = '',
		  teacher_id = NULL,
		  teacher_reviewed_at = NULL,
		  graded_at = excluded.graded_at,
		  version = series_ai_gradings.version + 1,
		  updated_at = excluded.updated_at`,
		uuid.NewString(), g.SubmissionID, g.AIScore, g.AIFeedback, detailed, g.GradingCriteriaUsed,
		g.FinalScore, now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert grading: %w", err)
	}
	return s.GetGrading(ctx, g.SubmissionID)
}

// InsertGrading creates the grading row for a submission with version 1.
func (s *Store) InsertGrading(ctx context.Context, g model.Grading) (*model.Grading, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	detailed, err := encodeDetailed(g.AIDetailedFeedback)
	if err != nil {
		return nil, err
	}
	now := s.now()
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO series_ai_gradings (`+gradingColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		g.ID, g.SubmissionID, g.AIScore, g.AIFeedback, detailed, g.GradingCriteriaUsed,
		g.FinalScore, g.TeacherScore, g.TeacherFeedback, g.TeacherID, g.TeacherReviewedAt, g.GradedAt, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert grading: %w", err)
	}
	return s.GetGrading(ctx, g.SubmissionID)
}

// UpdateGrading overwrites every mutable field of the grading row if its
// version still equals expectedVersion, and bumps the version. It reports
// false when the row is missing or was changed by someone else.
func (s *Store) UpdateGrading(ctx context.Context, g model.Grading, expectedVersion int) (bool, error) {
	detailed, err := encodeDetailed(g.AIDetailedFeedback)
	if err != nil {
		return false, err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE series_ai_gradings SET
		  ai_score = ?, ai_feedback = ?, ai_detailed_feedback = ?, grading_criteria_used = ?,
		  final_score = ?, teacher_score = ?, teacher_feedback = ?, teacher_id = ?, teacher_reviewed_at = ?,
		  graded_at = ?, version = version + 1, updated_at = ?
		 WHERE submission_id = ? AND version = ?`,
		g.AIScore, g.AIFeedback, detailed, g.GradingCriteriaUsed,
		g.FinalScore, g.TeacherScore, g.TeacherFeedback, g.TeacherID, g.TeacherReviewedAt,
		g.GradedAt, s.now(), g.SubmissionID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update grading: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountGradings returns the number of grading rows for a submission.
func (s *Store) CountGradings(ctx context.Context, submissionID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM series_ai_gradings WHERE submission_id = ?`, submissionID).Scan(&n)
	return n, err
}
