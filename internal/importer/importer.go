// Package importer loads questionnaires and quizzes from course JSON files.
package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pavelanni/coursegrader/internal/model"
	"github.com/pavelanni/coursegrader/internal/store"
)

// Result describes what one Import call did.
type Result struct {
	Name           string `json:"name"`
	Skipped        bool   `json:"skipped"`
	Reason         string `json:"reason,omitempty"`
	Questionnaires int    `json:"questionnaires"`
	Quizzes        int    `json:"quizzes"`
}

// Import parses a CourseImport document and stores its contents, recording
// the file's SHA-256 under name. A file already imported with the same hash
// is skipped; a file imported before with different content is skipped too,
// so existing submissions keep pointing at the questions they answered.
func Import(ctx context.Context, st *store.Store, name string, data []byte, createdBy int64) (Result, error) {
	res := Result{Name: name}
	hash := sha256sum(data)

	stored, err := st.GetImportedFileHash(ctx, name)
	if err != nil {
		return res, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if stored == hash {
		slog.Info("course file unchanged, skipping", "name", name)
		res.Skipped, res.Reason = true, "unchanged"
		return res, nil
	}
	if stored != "" {
		slog.Warn("course file changed since last import, skipping to avoid breaking existing submissions", "name", name)
		res.Skipped, res.Reason = true, "changed"
		return res, nil
	}

	var course model.CourseImport
	if err := json.Unmarshal(data, &course); err != nil {
		return res, fmt.Errorf("parse %s: %w", name, err)
	}
	if err := validate(course); err != nil {
		return res, fmt.Errorf("validate %s: %w", name, err)
	}

	err = st.InTx(ctx, func(tx *store.Store) error {
		for _, qi := range course.Questionnaires {
			maxScore := qi.MaxScore
			if maxScore == 0 {
				maxScore = model.DefaultMaxScore
			}
			if _, err := tx.CreateQuestionnaire(ctx, model.SeriesQuestionnaire{
				LessonID:          qi.LessonID,
				Title:             qi.Title,
				Description:       qi.Description,
				AIGradingPrompt:   qi.AIGradingPrompt,
				AIGradingCriteria: qi.AIGradingCriteria,
				MaxScore:          maxScore,
				CreatedBy:         createdBy,
				Questions:         qi.Questions,
			}); err != nil {
				return fmt.Errorf("insert questionnaire %q: %w", qi.Title, err)
			}
		}
		for _, qz := range course.Quizzes {
			if _, err := tx.CreateQuiz(ctx, qz); err != nil {
				return fmt.Errorf("insert quiz %q: %w", qz.Title, err)
			}
		}
		return tx.SetImportedFileHash(ctx, name, hash)
	})
	if err != nil {
		return res, err
	}

	res.Questionnaires = len(course.Questionnaires)
	res.Quizzes = len(course.Quizzes)
	slog.Info("imported course file", "name", name, "questionnaires", res.Questionnaires, "quizzes", res.Quizzes)
	return res, nil
}

func validate(course model.CourseImport) error {
	for i, q := range course.Questionnaires {
		if q.Title == "" {
			return fmt.Errorf("questionnaire %d: title is required", i)
		}
		if q.MaxScore < 0 {
			return fmt.Errorf("questionnaire %q: max_score must not be negative", q.Title)
		}
		for j, sq := range q.Questions {
			if sq.Title == "" && sq.Text == "" {
				return fmt.Errorf("questionnaire %q question %d: title or text is required", q.Title, j)
			}
			if sq.MaxWords > 0 && sq.MinWords > sq.MaxWords {
				return fmt.Errorf("questionnaire %q question %d: min_words exceeds max_words", q.Title, j)
			}
		}
	}
	for i, qz := range course.Quizzes {
		if qz.Title == "" {
			return fmt.Errorf("quiz %d: title is required", i)
		}
		for j, q := range qz.Questions {
			switch q.Type {
			case model.QuestionSingleChoice, model.QuestionMultipleChoice, model.QuestionTrueFalse, model.QuestionShortAnswer:
			default:
				return fmt.Errorf("quiz %q question %d: unknown type %q", qz.Title, j, q.Type)
			}
		}
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
