package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/coursegrader/internal/model"
)

const submissionColumns = `id, questionnaire_id, student_id, answers, status, submitted_at, created_at, updated_at`

func scanSubmission(row interface{ Scan(...any) error }) (*model.Submission, error) {
	var (
		sub     model.Submission
		answers string
	)
	err := row.Scan(&sub.ID, &sub.QuestionnaireID, &sub.StudentID, &answers, &sub.Status, &sub.SubmittedAt, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(answers), &sub.Answers); err != nil {
		return nil, fmt.Errorf("decode answers of submission %s: %w", sub.ID, err)
	}
	return &sub, nil
}

// CreateSubmission inserts a submission. Status must be draft or submitted;
// submitted rows get submitted_at set to now.
func (s *Store) CreateSubmission(ctx context.Context, sub model.Submission) (*model.Submission, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = model.SubmissionDraft
	}
	if sub.Status != model.SubmissionDraft && sub.Status != model.SubmissionSubmitted {
		return nil, fmt.Errorf("new submission cannot start as %q", sub.Status)
	}
	if sub.Answers == nil {
		sub.Answers = []model.SeriesAnswer{}
	}
	answers, err := json.Marshal(sub.Answers)
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}
	now := s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	sub.SubmittedAt = nil
	if sub.Status == model.SubmissionSubmitted {
		sub.SubmittedAt = &now
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO series_submissions (`+submissionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.QuestionnaireID, sub.StudentID, string(answers), sub.Status, sub.SubmittedAt, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert submission: %w", err)
	}
	return &sub, nil
}

// GetSubmission returns a submission, or nil if none.
func (s *Store) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	return scanSubmission(s.q.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM series_submissions WHERE id = ?`, id))
}

// SubmissionFilter narrows ListSubmissions. Zero fields do not filter.
type SubmissionFilter struct {
	QuestionnaireID string
	StudentID       int64
	Status          model.SubmissionStatus
	// Ungraded keeps only submissions without a grading row.
	Ungraded bool
	Limit    int
}

// ListSubmissions returns submissions oldest first.
func (s *Store) ListSubmissions(ctx context.Context, f SubmissionFilter) ([]model.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM series_submissions s WHERE 1=1`
	var args []any
	if f.QuestionnaireID != "" {
		query += ` AND questionnaire_id = ?`
		args = append(args, f.QuestionnaireID)
	}
	if f.StudentID != 0 {
		query += ` AND student_id = ?`
		args = append(args, f.StudentID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Ungraded {
		query += ` AND NOT EXISTS (SELECT 1 FROM series_ai_gradings g WHERE g.submission_id = s.id)`
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// UpdateSubmissionAnswers replaces the answers of a draft submission.
// It reports false when the submission is missing or no longer a draft.
func (s *Store) UpdateSubmissionAnswers(ctx context.Context, id string, answers []model.SeriesAnswer) (bool, error) {
	if answers == nil {
		answers = []model.SeriesAnswer{}
	}
	data, err := json.Marshal(answers)
	if err != nil {
		return false, fmt.Errorf("encode answers: %w", err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE series_submissions SET answers = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(data), s.now(), id, model.SubmissionDraft,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SubmitSubmission moves a draft to submitted and stamps submitted_at.
// It reports false when the submission is missing or not a draft.
func (s *Store) SubmitSubmission(ctx context.Context, id string) (bool, error) {
	now := s.now()
	res, err := s.q.ExecContext(ctx,
		`UPDATE series_submissions SET status = ?, submitted_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.SubmissionSubmitted, now, now, id, model.SubmissionDraft,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetSubmissionStatus writes status unconditionally.
func (s *Store) SetSubmissionStatus(ctx context.Context, id string, status model.SubmissionStatus) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE series_submissions SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("update submission status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update submission status: %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// SubmissionState is the slice of a submission the status checker needs.
type SubmissionState struct {
	ID           string
	Status       model.SubmissionStatus
	HasSubmitted bool
	HasGrading   bool
	UpdatedAt    time.Time
}

// ListSubmissionStates returns the status facts for one submission, or
// for all of them when id is empty.
func (s *Store) ListSubmissionStates(ctx context.Context, id string) ([]SubmissionState, error) {
	query := `SELECT s.id, s.status, s.submitted_at IS NOT NULL,
	                 EXISTS (SELECT 1 FROM series_ai_gradings g WHERE g.submission_id = s.id),
	                 s.updated_at
	          FROM series_submissions s`
	var args []any
	if id != "" {
		query += ` WHERE s.id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY s.created_at, s.id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var states []SubmissionState
	for rows.Next() {
		var st SubmissionState
		if err := rows.Scan(&st.ID, &st.Status, &st.HasSubmitted, &st.HasGrading, &st.UpdatedAt); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// CompareAndSetStatus moves a submission from one status to another only
// if it still has the expected status. When fillSubmittedAt is set, a
// missing submitted_at is back-filled from updated_at. It reports whether
// a row changed.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, from, to model.SubmissionStatus, fillSubmittedAt bool) (bool, error) {
	query := `UPDATE series_submissions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	if fillSubmittedAt {
		query = `UPDATE series_submissions SET status = ?, submitted_at = COALESCE(submitted_at, updated_at), updated_at = ?
		         WHERE id = ? AND status = ?`
	}
	res, err := s.q.ExecContext(ctx, query, to, s.now(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// BackfillSubmittedAt sets submitted_at from updated_at when it is missing
// and the status still matches. It reports whether a row changed.
func (s *Store) BackfillSubmittedAt(ctx context.Context, id string, status model.SubmissionStatus) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE series_submissions SET submitted_at = updated_at
		 WHERE id = ? AND status = ? AND submitted_at IS NULL`,
		id, status,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
