package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/pavelanni/coursegrader/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestQuestionnaire(t *testing.T, s *Store) *model.SeriesQuestionnaire {
	t.Helper()
	q, err := s.CreateQuestionnaire(context.Background(), model.SeriesQuestionnaire{
		LessonID:          "lesson-1",
		Title:             "Goroutines",
		AIGradingCriteria: "accuracy, depth",
		MaxScore:          100,
		CreatedBy:         1,
		Questions: []model.SeriesQuestion{
			{Title: "Scheduling", Text: "Explain the scheduler.", Required: true, MinWords: 50},
			{Title: "Channels", Text: "When do channels block?", Required: true},
		},
	})
	if err != nil {
		t.Fatalf("insertTestQuestionnaire: %v", err)
	}
	return q
}

func insertTestSubmission(t *testing.T, s *Store, questionnaireID string, status model.SubmissionStatus) *model.Submission {
	t.Helper()
	sub, err := s.CreateSubmission(context.Background(), model.Submission{
		QuestionnaireID: questionnaireID,
		StudentID:       7,
		Status:          status,
		Answers:         []model.SeriesAnswer{{QuestionID: "q1", Text: "the answer"}},
	})
	if err != nil {
		t.Fatalf("insertTestSubmission: %v", err)
	}
	return sub
}

func ptr[T any](v T) *T { return &v }

func TestQuestionnaireCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetQuestionnaire(ctx, "missing")
	if err != nil {
		t.Fatalf("GetQuestionnaire: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing questionnaire, got %+v", got)
	}

	q := insertTestQuestionnaire(t, s)
	got, err = s.GetQuestionnaire(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetQuestionnaire: %v", err)
	}
	if got.Title != "Goroutines" || got.MaxScore != 100 {
		t.Errorf("unexpected questionnaire %+v", got)
	}
	if len(got.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(got.Questions))
	}
	if got.Questions[0].Title != "Scheduling" || got.Questions[0].MinWords != 50 || !got.Questions[0].Required {
		t.Errorf("unexpected first question %+v", got.Questions[0])
	}
	if got.Questions[1].Position != 1 {
		t.Errorf("expected position 1, got %d", got.Questions[1].Position)
	}

	got.Title = "Goroutines and channels"
	got.Questions = got.Questions[:1]
	if err := s.UpdateQuestionnaire(ctx, *got); err != nil {
		t.Fatalf("UpdateQuestionnaire: %v", err)
	}
	updated, _ := s.GetQuestionnaire(ctx, q.ID)
	if updated.Title != "Goroutines and channels" || len(updated.Questions) != 1 {
		t.Errorf("update not applied: %+v", updated)
	}
	if updated.Questions[0].ID != q.Questions[0].ID {
		t.Errorf("question id changed: %s -> %s", q.Questions[0].ID, updated.Questions[0].ID)
	}

	err = s.UpdateQuestionnaire(ctx, model.SeriesQuestionnaire{ID: "missing", Title: "x"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows, got %v", err)
	}
}

func TestSubmissionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := insertTestQuestionnaire(t, s)

	sub := insertTestSubmission(t, s, q.ID, model.SubmissionDraft)
	if sub.SubmittedAt != nil {
		t.Errorf("draft should have no submitted_at")
	}

	ok, err := s.UpdateSubmissionAnswers(ctx, sub.ID, []model.SeriesAnswer{{QuestionID: "q1", Text: "revised"}})
	if err != nil || !ok {
		t.Fatalf("UpdateSubmissionAnswers: ok=%v err=%v", ok, err)
	}

	ok, err = s.SubmitSubmission(ctx, sub.ID)
	if err != nil || !ok {
		t.Fatalf("SubmitSubmission: ok=%v err=%v", ok, err)
	}
	got, err := s.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if got.Status != model.SubmissionSubmitted || got.SubmittedAt == nil {
		t.Errorf("expected submitted with time, got %q %v", got.Status, got.SubmittedAt)
	}
	if got.AnswerFor("q1") != "revised" {
		t.Errorf("expected revised answer, got %q", got.AnswerFor("q1"))
	}

	// Submitted work can no longer be edited or resubmitted.
	ok, _ = s.UpdateSubmissionAnswers(ctx, sub.ID, nil)
	if ok {
		t.Error("expected answers of submitted submission to be locked")
	}
	ok, _ = s.SubmitSubmission(ctx, sub.ID)
	if ok {
		t.Error("expected second submit to be rejected")
	}

	missing, err := s.GetSubmission(ctx, "missing")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing submission, got %v, %v", missing, err)
	}

	if _, err := s.CreateSubmission(ctx, model.Submission{QuestionnaireID: q.ID, StudentID: 1, Status: model.SubmissionGraded}); err == nil {
		t.Error("expected error creating a graded submission")
	}
}

func TestListSubmissionsUngraded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := insertTestQuestionnaire(t, s)

	insertTestSubmission(t, s, q.ID, model.SubmissionDraft)
	pending := insertTestSubmission(t, s, q.ID, model.SubmissionSubmitted)
	graded := insertTestSubmission(t, s, q.ID, model.SubmissionSubmitted)
	if _, err := s.PutAIGrading(ctx, model.Grading{SubmissionID: graded.ID, AIScore: ptr(50.0), FinalScore: ptr(50.0)}); err != nil {
		t.Fatalf("PutAIGrading: %v", err)
	}

	subs, err := s.ListSubmissions(ctx, SubmissionFilter{Status: model.SubmissionSubmitted, Ungraded: true})
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != pending.ID {
		t.Fatalf("expected only %s, got %+v", pending.ID, subs)
	}

	all, _ := s.ListSubmissions(ctx, SubmissionFilter{QuestionnaireID: q.ID})
	if len(all) != 3 {
		t.Errorf("expected 3 submissions, got %d", len(all))
	}
}

func TestPutAIGradingReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := insertTestQuestionnaire(t, s)
	sub := insertTestSubmission(t, s, q.ID, model.SubmissionSubmitted)

	first, err := s.PutAIGrading(ctx, model.Grading{
		SubmissionID: sub.ID,
		AIScore:      ptr(40.0),
		AIFeedback:   "first",
		FinalScore:   ptr(40.0),
		AIDetailedFeedback: &model.DetailedFeedback{
			Questions: []model.QuestionFeedback{{QuestionID: "q1", Score: 40, Feedback: "thin"}},
		},
	})
	if err != nil {
		t.Fatalf("PutAIGrading: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("expected version 1, got %d", first.Version)
	}

	// A teacher review lands in between.
	first.TeacherScore = ptr(60.0)
	first.TeacherFeedback = "ok"
	if ok, err := s.UpdateGrading(ctx, *first, first.Version); err != nil || !ok {
		t.Fatalf("UpdateGrading: ok=%v err=%v", ok, err)
	}

	second, err := s.PutAIGrading(ctx, model.Grading{SubmissionID: sub.ID, AIScore: ptr(80.0), AIFeedback: "second", FinalScore: ptr(80.0)})
	if err != nil {
		t.Fatalf("PutAIGrading again: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected the row to be replaced in place")
	}
	if *second.AIScore != 80 || second.AIFeedback != "second" {
		t.Errorf("second write did not win: %+v", second)
	}
	if second.AIDetailedFeedback != nil {
		t.Errorf("expected detailed feedback cleared, got %+v", second.AIDetailedFeedback)
	}
	if second.TeacherScore != nil || second.TeacherFeedback != "" {
		t.Errorf("expected teacher fields reset, got %v %q", second.TeacherScore, second.TeacherFeedback)
	}
	if second.Version != 3 {
		t.Errorf("expected version 3, got %d", second.Version)
	}

	n, err := s.CountGradings(ctx, sub.ID)
	if err != nil {
		t.Fatalf("CountGradings: %v", err)
	}
	if n != 1 {
		t.Errorf("expected exactly 1 grading row, got %d", n)
	}
}

func TestUpdateGradingVersionMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := insertTestQuestionnaire(t, s)
	sub := insertTestSubmission(t, s, q.ID, model.SubmissionSubmitted)

	g, err := s.InsertGrading(ctx, model.Grading{SubmissionID: sub.ID, TeacherScore: ptr(70.0), FinalScore: ptr(70.0), TeacherID: ptr(int64(2))})
	if err != nil {
		t.Fatalf("InsertGrading: %v", err)
	}
	if g.AIScore != nil || *g.TeacherID != 2 {
		t.Errorf("unexpected inserted grading %+v", g)
	}

	ok, err := s.UpdateGrading(ctx, *g, g.Version+1)
	if err != nil {
		t.Fatalf("UpdateGrading: %v", err)
	}
	if ok {
		t.Error("expected stale version to be rejected")
	}

	if _, err := s.InsertGrading(ctx, model.Grading{SubmissionID: sub.ID}); err == nil {
		t.Error("expected unique constraint error on second insert")
	}
}

func TestInTxRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := insertTestQuestionnaire(t, s)
	sub := insertTestSubmission(t, s, q.ID, model.SubmissionSubmitted)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Store) error {
		if err := tx.SetSubmissionStatus(ctx, sub.ID, model.SubmissionGraded); err != nil {
			return err
		}
		// Nested calls join the outer transaction.
		return tx.InTx(ctx, func(inner *Store) error {
			if _, err := inner.PutAIGrading(ctx, model.Grading{SubmissionID: sub.ID, AIScore: ptr(1.0)}); err != nil {
				return err
			}
			return boom
		})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, _ := s.GetSubmission(ctx, sub.ID)
	if got.Status != model.SubmissionSubmitted {
		t.Errorf("expected status rolled back, got %q", got.Status)
	}
	g, _ := s.GetGrading(ctx, sub.ID)
	if g != nil {
		t.Errorf("expected grading rolled back, got %+v", g)
	}
}

func TestSubmissionStatesAndRepairPrimitives(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := insertTestQuestionnaire(t, s)

	sub := insertTestSubmission(t, s, q.ID, model.SubmissionDraft)
	if _, err := s.DB().Exec(`UPDATE series_submissions SET status = 'SIGNED_IN' WHERE id = ?`, sub.ID); err != nil {
		t.Fatalf("corrupt status: %v", err)
	}

	states, err := s.ListSubmissionStates(ctx, sub.ID)
	if err != nil {
		t.Fatalf("ListSubmissionStates: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 state, got %d", len(states))
	}
	st := states[0]
	if st.Status != "SIGNED_IN" || st.HasSubmitted || st.HasGrading {
		t.Errorf("unexpected state %+v", st)
	}

	// Wrong expected status changes nothing.
	ok, err := s.CompareAndSetStatus(ctx, sub.ID, model.SubmissionDraft, model.SubmissionSubmitted, true)
	if err != nil || ok {
		t.Fatalf("expected no-op, got ok=%v err=%v", ok, err)
	}

	ok, err = s.CompareAndSetStatus(ctx, sub.ID, "SIGNED_IN", model.SubmissionSubmitted, true)
	if err != nil || !ok {
		t.Fatalf("CompareAndSetStatus: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetSubmission(ctx, sub.ID)
	if got.Status != model.SubmissionSubmitted || got.SubmittedAt == nil {
		t.Errorf("expected submitted with back-filled time, got %q %v", got.Status, got.SubmittedAt)
	}

	ok, err = s.BackfillSubmittedAt(ctx, sub.ID, model.SubmissionSubmitted)
	if err != nil || ok {
		t.Errorf("expected backfill no-op when time exists, got ok=%v err=%v", ok, err)
	}

	all, err := s.ListSubmissionStates(ctx, "")
	if err != nil || len(all) != 1 {
		t.Errorf("expected 1 state overall, got %d (%v)", len(all), err)
	}
}

func TestQuizRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	quiz, err := s.CreateQuiz(ctx, model.Quiz{
		LessonID: "lesson-1",
		Title:    "Basics",
		Questions: []model.Question{
			{Type: model.QuestionSingleChoice, Text: "Pick", Options: []model.Option{{ID: "a", Text: "A"}, {ID: "b", Text: "B"}}, CorrectOption: "a"},
			{Type: model.QuestionMultipleChoice, Text: "Pick many", CorrectOptions: []string{"a", "b"}, ScoringMode: model.ScoringPartial},
		},
	})
	if err != nil {
		t.Fatalf("CreateQuiz: %v", err)
	}

	got, err := s.GetQuiz(ctx, quiz.ID)
	if err != nil {
		t.Fatalf("GetQuiz: %v", err)
	}
	if len(got.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(got.Questions))
	}
	if got.Questions[0].CorrectOption != "a" || len(got.Questions[0].Options) != 2 {
		t.Errorf("unexpected first question %+v", got.Questions[0])
	}
	if got.Questions[1].ScoringMode != model.ScoringPartial || len(got.Questions[1].CorrectOptions) != 2 {
		t.Errorf("unexpected second question %+v", got.Questions[1])
	}

	if missing, err := s.GetQuiz(ctx, "missing"); err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing quiz, got %v, %v", missing, err)
	}

	_, err = s.InsertQuizAttempt(ctx, model.QuizAttempt{
		QuizID:    quiz.ID,
		StudentID: 3,
		Answers:   model.Answers{"x": model.ChoiceAnswer("a", "b")},
		Score:     100,
	})
	if err != nil {
		t.Fatalf("InsertQuizAttempt: %v", err)
	}
	attempts, err := s.ListQuizAttempts(ctx, quiz.ID, 3)
	if err != nil {
		t.Fatalf("ListQuizAttempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Score != 100 || !attempts[0].Answers["x"].IsList {
		t.Errorf("unexpected attempts %+v", attempts)
	}
}

func TestExportSubmissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := insertTestQuestionnaire(t, s)

	uid, err := s.CreateUser(ctx, model.User{Username: "ana", DisplayName: "Ana", PasswordHash: "x", Role: model.UserRoleStudent, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	sub, err := s.CreateSubmission(ctx, model.Submission{QuestionnaireID: q.ID, StudentID: uid, Status: model.SubmissionSubmitted})
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	if _, err := s.PutAIGrading(ctx, model.Grading{SubmissionID: sub.ID, AIScore: ptr(90.0), FinalScore: ptr(90.0)}); err != nil {
		t.Fatalf("PutAIGrading: %v", err)
	}

	results, err := s.ExportSubmissions(ctx, SubmissionFilter{})
	if err != nil {
		t.Fatalf("ExportSubmissions: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Username != "ana" || r.Questionnaire != "Goroutines" {
		t.Errorf("unexpected result %+v", r)
	}
	if r.Grading == nil || *r.Grading.FinalScore != 90 {
		t.Errorf("expected grading with final score 90, got %+v", r.Grading)
	}
}

func TestImportedFileHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := s.GetImportedFileHash(ctx, "/some/path.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash, got %q", hash)
	}

	if err := s.SetImportedFileHash(ctx, "/some/path.json", "abc123"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	if err := s.SetImportedFileHash(ctx, "/some/path.json", "def456"); err != nil {
		t.Fatalf("SetImportedFileHash update: %v", err)
	}
	hash, _ = s.GetImportedFileHash(ctx, "/some/path.json")
	if hash != "def456" {
		t.Errorf("expected 'def456', got %q", hash)
	}
}

func TestAuthSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	uid, err := s.CreateUser(ctx, model.User{Username: "t", PasswordHash: "x", Role: model.UserRoleTeacher, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, err := s.CreateAuthSession(ctx, uid)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	sess, err := s.GetAuthSession(ctx, token)
	if err != nil || sess == nil || sess.UserID != uid {
		t.Fatalf("GetAuthSession: %+v %v", sess, err)
	}
	if err := s.DeleteAuthSession(ctx, token); err != nil {
		t.Fatalf("DeleteAuthSession: %v", err)
	}
	sess, _ = s.GetAuthSession(ctx, token)
	if sess != nil {
		t.Error("expected session to be gone")
	}
}
