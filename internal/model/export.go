package model

import "time"

// GradingExport is the top-level JSON structure for grading export.
type GradingExport struct {
	ExportedAt    time.Time          `json:"exported_at"`
	PromptVariant string             `json:"prompt_variant"`
	Results       []SubmissionResult `json:"results"`
}

// SubmissionResult holds one submission with its grading for export.
type SubmissionResult struct {
	SubmissionID    string           `json:"submission_id"`
	QuestionnaireID string           `json:"questionnaire_id"`
	Questionnaire   string           `json:"questionnaire"`
	StudentID       int64            `json:"student_id"`
	Username        string           `json:"username"`
	DisplayName     string           `json:"display_name"`
	Status          SubmissionStatus `json:"status"`
	SubmittedAt     *time.Time       `json:"submitted_at,omitempty"`
	Answers         []SeriesAnswer   `json:"answers"`
	Grading         *Grading         `json:"grading,omitempty"`
}
