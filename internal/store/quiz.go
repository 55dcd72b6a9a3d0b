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

// CreateQuiz inserts a quiz with its questions.
func (s *Store) CreateQuiz(ctx context.Context, quiz model.Quiz) (*model.Quiz, error) {
	if quiz.ID == "" {
		quiz.ID = uuid.NewString()
	}
	err := s.InTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx,
			`INSERT INTO quizzes (id, lesson_id, title) VALUES (?, ?, ?)`,
			quiz.ID, quiz.LessonID, quiz.Title,
		); err != nil {
			return fmt.Errorf("insert quiz: %w", err)
		}
		for i := range quiz.Questions {
			q := &quiz.Questions[i]
			if q.ID == "" {
				q.ID = uuid.NewString()
			}
			q.QuizID = quiz.ID
			q.Position = i
			options, err := json.Marshal(nonNil(q.Options))
			if err != nil {
				return err
			}
			correct, err := json.Marshal(nonNil(q.CorrectOptions))
			if err != nil {
				return err
			}
			if _, err := tx.q.ExecContext(ctx,
				`INSERT INTO quiz_questions (id, quiz_id, position, type, text, options, correct_option, correct_options, scoring_mode)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				q.ID, quiz.ID, i, q.Type, q.Text, string(options), q.CorrectOption, string(correct), q.ScoringMode,
			); err != nil {
				return fmt.Errorf("insert quiz question %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &quiz, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// GetQuiz returns a quiz with its questions in order, or nil if none.
func (s *Store) GetQuiz(ctx context.Context, id string) (*model.Quiz, error) {
	var quiz model.Quiz
	err := s.q.QueryRowContext(ctx, `SELECT id, lesson_id, title FROM quizzes WHERE id = ?`, id).
		Scan(&quiz.ID, &quiz.LessonID, &quiz.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT id, quiz_id, position, type, text, options, correct_option, correct_options, scoring_mode
		 FROM quiz_questions WHERE quiz_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			q                model.Question
			options, correct string
		)
		if err := rows.Scan(&q.ID, &q.QuizID, &q.Position, &q.Type, &q.Text, &options, &q.CorrectOption, &correct, &q.ScoringMode); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
			return nil, fmt.Errorf("decode options of question %s: %w", q.ID, err)
		}
		if err := json.Unmarshal([]byte(correct), &q.CorrectOptions); err != nil {
			return nil, fmt.Errorf("decode correct options of question %s: %w", q.ID, err)
		}
		quiz.Questions = append(quiz.Questions, q)
	}
	return &quiz, rows.Err()
}

// InsertQuizAttempt records a scored quiz attempt.
func (s *Store) InsertQuizAttempt(ctx context.Context, a model.QuizAttempt) (*model.QuizAttempt, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.now()
	answers, err := json.Marshal(a.Answers)
	if err != nil {
		return nil, fmt.Errorf("encode quiz answers: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO quiz_attempts (id, quiz_id, student_id, answers, score, strict_correct_count, total_questions, complete, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.QuizID, a.StudentID, string(answers), a.Score, a.StrictCorrectCount, a.TotalQuestions, a.Complete, a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert quiz attempt: %w", err)
	}
	return &a, nil
}

// ListQuizAttempts returns a learner's attempts at a quiz, newest first.
func (s *Store) ListQuizAttempts(ctx context.Context, quizID string, studentID int64) ([]model.QuizAttempt, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, quiz_id, student_id, answers, score, strict_correct_count, total_questions, complete, created_at
		 FROM quiz_attempts WHERE quiz_id = ? AND student_id = ? ORDER BY created_at DESC, id`,
		quizID, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.QuizAttempt
	for rows.Next() {
		var (
			a       model.QuizAttempt
			answers string
		)
		if err := rows.Scan(&a.ID, &a.QuizID, &a.StudentID, &answers, &a.Score, &a.StrictCorrectCount, &a.TotalQuestions, &a.Complete, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(answers), &a.Answers); err != nil {
			return nil, fmt.Errorf("decode answers of attempt %s: %w", a.ID, err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
