package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavelanni/coursegrader/internal/model"
)

// CreateQuestionnaire inserts a questionnaire with its questions and
// returns it with generated IDs filled in.
func (s *Store) CreateQuestionnaire(ctx context.Context, q model.SeriesQuestionnaire) (*model.SeriesQuestionnaire, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	now := s.now()
	q.CreatedAt, q.UpdatedAt = now, now

	err := s.InTx(ctx, func(tx *Store) error {
		_, err := tx.q.ExecContext(ctx,
			`INSERT INTO series_questionnaires
			 (id, lesson_id, title, description, ai_grading_prompt, ai_grading_criteria, max_score, created_by, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			q.ID, q.LessonID, q.Title, q.Description, q.AIGradingPrompt, q.AIGradingCriteria, q.MaxScore, q.CreatedBy, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert questionnaire: %w", err)
		}
		return tx.insertSeriesQuestions(ctx, q.ID, q.Questions)
	})
	if err != nil {
		return nil, err
	}
	for i := range q.Questions {
		q.Questions[i].QuestionnaireID = q.ID
	}
	return &q, nil
}

// UpdateQuestionnaire replaces a questionnaire's fields and question list.
// Questions keep their IDs when supplied.
func (s *Store) UpdateQuestionnaire(ctx context.Context, q model.SeriesQuestionnaire) error {
	return s.InTx(ctx, func(tx *Store) error {
		res, err := tx.q.ExecContext(ctx,
			`UPDATE series_questionnaires
			 SET lesson_id = ?, title = ?, description = ?, ai_grading_prompt = ?, ai_grading_criteria = ?, max_score = ?, updated_at = ?
			 WHERE id = ?`,
			q.LessonID, q.Title, q.Description, q.AIGradingPrompt, q.AIGradingCriteria, q.MaxScore, tx.now(), q.ID,
		)
		if err != nil {
			return fmt.Errorf("update questionnaire: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM series_questions WHERE questionnaire_id = ?`, q.ID); err != nil {
			return fmt.Errorf("clear questions: %w", err)
		}
		return tx.insertSeriesQuestions(ctx, q.ID, q.Questions)
	})
}

func (s *Store) insertSeriesQuestions(ctx context.Context, questionnaireID string, questions []model.SeriesQuestion) error {
	for i := range questions {
		sq := &questions[i]
		if sq.ID == "" {
			sq.ID = uuid.NewString()
		}
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO series_questions (id, questionnaire_id, position, title, text, min_words, max_words, required)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sq.ID, questionnaireID, i, sq.Title, sq.Text, sq.MinWords, sq.MaxWords, sq.Required,
		)
		if err != nil {
			return fmt.Errorf("insert question %d: %w", i, err)
		}
		sq.Position = i
	}
	return nil
}

// GetQuestionnaire returns a questionnaire with its questions, or nil if none.
func (s *Store) GetQuestionnaire(ctx context.Context, id string) (*model.SeriesQuestionnaire, error) {
	var q model.SeriesQuestionnaire
	err := s.q.QueryRowContext(ctx,
		`SELECT id, lesson_id, title, description, ai_grading_prompt, ai_grading_criteria, max_score, created_by, created_at, updated_at
		 FROM series_questionnaires WHERE id = ?`, id,
	).Scan(&q.ID, &q.LessonID, &q.Title, &q.Description, &q.AIGradingPrompt, &q.AIGradingCriteria, &q.MaxScore, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	q.Questions, err = s.ListSeriesQuestions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// ListSeriesQuestions returns a questionnaire's questions in order.
func (s *Store) ListSeriesQuestions(ctx context.Context, questionnaireID string) ([]model.SeriesQuestion, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, questionnaire_id, position, title, text, min_words, max_words, required
		 FROM series_questions WHERE questionnaire_id = ? ORDER BY position`, questionnaireID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.SeriesQuestion
	for rows.Next() {
		var sq model.SeriesQuestion
		if err := rows.Scan(&sq.ID, &sq.QuestionnaireID, &sq.Position, &sq.Title, &sq.Text, &sq.MinWords, &sq.MaxWords, &sq.Required); err != nil {
			return nil, err
		}
		questions = append(questions, sq)
	}
	return questions, rows.Err()
}
