package model

import "time"

// DefaultMaxScore applies to questionnaires stored without a max score.
const DefaultMaxScore = 100

// SeriesQuestionnaire is a set of free-text questions attached to a lesson
// and graded by the AI grader, optionally reviewed by a teacher.
type SeriesQuestionnaire struct {
	ID                string           `json:"id"`
	LessonID          string           `json:"lesson_id"`
	Title             string           `json:"title"`
	Description       string           `json:"description,omitempty"`
	AIGradingPrompt   string           `json:"ai_grading_prompt,omitempty"`
	AIGradingCriteria string           `json:"ai_grading_criteria,omitempty"`
	MaxScore          float64          `json:"max_score"`
	CreatedBy         int64            `json:"created_by"`
	Questions         []SeriesQuestion `json:"questions,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// SeriesQuestion is one free-text question of a questionnaire.
type SeriesQuestion struct {
	ID              string `json:"id"`
	QuestionnaireID string `json:"questionnaire_id"`
	Title           string `json:"title"`
	Text            string `json:"text"`
	MinWords        int    `json:"min_words,omitempty"`
	MaxWords        int    `json:"max_words,omitempty"`
	Required        bool   `json:"required"`
	Position        int    `json:"position"`
}

// SubmissionStatus is the lifecycle state of a submission.
type SubmissionStatus string

const (
	SubmissionDraft     SubmissionStatus = "draft"
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionGraded    SubmissionStatus = "graded"
)

// IsValid reports whether s is one of draft, submitted or graded.
func (s SubmissionStatus) IsValid() bool {
	switch s {
	case SubmissionDraft, SubmissionSubmitted, SubmissionGraded:
		return true
	}
	return false
}

// ValidSubmissionStatuses lists every valid status in lifecycle order.
var ValidSubmissionStatuses = []SubmissionStatus{SubmissionDraft, SubmissionSubmitted, SubmissionGraded}

// SeriesAnswer is a learner's free-text answer to one questionnaire question.
type SeriesAnswer struct {
	QuestionID string `json:"question_id"`
	Text       string `json:"answer"`
}

// Submission is one learner's answers to a questionnaire.
type Submission struct {
	ID              string           `json:"id"`
	QuestionnaireID string           `json:"questionnaire_id"`
	StudentID       int64            `json:"student_id"`
	Answers         []SeriesAnswer   `json:"answers"`
	Status          SubmissionStatus `json:"status"`
	SubmittedAt     *time.Time       `json:"submitted_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// AnswerFor returns the answer text for a question, or "" when unanswered.
func (s Submission) AnswerFor(questionID string) string {
	for _, a := range s.Answers {
		if a.QuestionID == questionID {
			return a.Text
		}
	}
	return ""
}

// QuestionFeedback is the AI grader's assessment of one question.
type QuestionFeedback struct {
	QuestionID   string   `json:"question_id"`
	Score        float64  `json:"score"`
	Feedback     string   `json:"feedback"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
}

// GradingResult is a validated AI grading response.
type GradingResult struct {
	OverallScore     float64            `json:"overall_score"`
	OverallFeedback  string             `json:"overall_feedback"`
	DetailedFeedback []QuestionFeedback `json:"detailed_feedback"`
	CriteriaScores   map[string]float64 `json:"criteria_scores"`
	Suggestions      []string           `json:"suggestions"`
}

// DetailedFeedback is the structured part of an AI grading kept with the Grading row.
type DetailedFeedback struct {
	Questions      []QuestionFeedback `json:"questions"`
	CriteriaScores map[string]float64 `json:"criteria_scores,omitempty"`
	Suggestions    []string           `json:"suggestions,omitempty"`
}

// Grading is the single scored outcome of a submission. AI fields are
// written by the AI grader; teacher fields are merged in by a later review.
type Grading struct {
	ID                  string            `json:"id"`
	SubmissionID        string            `json:"submission_id"`
	AIScore             *float64          `json:"ai_score,omitempty"`
	AIFeedback          string            `json:"ai_feedback,omitempty"`
	AIDetailedFeedback  *DetailedFeedback `json:"ai_detailed_feedback,omitempty"`
	GradingCriteriaUsed string            `json:"grading_criteria_used,omitempty"`
	FinalScore          *float64          `json:"final_score,omitempty"`
	TeacherScore        *float64          `json:"teacher_score,omitempty"`
	TeacherFeedback     string            `json:"teacher_feedback,omitempty"`
	TeacherID           *int64            `json:"teacher_id,omitempty"`
	TeacherReviewedAt   *time.Time        `json:"teacher_reviewed_at,omitempty"`
	GradedAt            *time.Time        `json:"graded_at,omitempty"`
	Version             int               `json:"version"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// SeriesQuestionnaireImport is the JSON shape accepted by the import command.
type SeriesQuestionnaireImport struct {
	LessonID          string           `json:"lesson_id"`
	Title             string           `json:"title"`
	Description       string           `json:"description"`
	AIGradingPrompt   string           `json:"ai_grading_prompt"`
	AIGradingCriteria string           `json:"ai_grading_criteria"`
	MaxScore          float64          `json:"max_score"`
	Questions         []SeriesQuestion `json:"questions"`
}

// CourseImport is a file of questionnaires and quizzes for one course.
type CourseImport struct {
	Questionnaires []SeriesQuestionnaireImport `json:"questionnaires"`
	Quizzes        []Quiz                      `json:"quizzes"`
}
