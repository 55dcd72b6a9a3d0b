// Package diagnostics finds submissions whose status disagrees with their
// grading or timestamps, and repairs them.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/coursegrader/internal/i18n"
	"github.com/pavelanni/coursegrader/internal/metrics"
	"github.com/pavelanni/coursegrader/internal/model"
	"github.com/pavelanni/coursegrader/internal/store"
)

// Issue names the rule a submission breaks.
type Issue string

const (
	IssueInvalidStatus        Issue = "invalid_status"
	IssueDraftWithSubmittedAt Issue = "draft_with_submitted_at"
	IssueSubmittedWithoutTime Issue = "submitted_without_time"
	IssueGradingNotGraded     Issue = "grading_not_graded"
	IssueGradedWithoutGrading Issue = "graded_without_grading"
)

// Entry is one inconsistent submission.
type Entry struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	Issue        Issue  `json:"issue"`
	Reason       string `json:"reason"`
}

// Report summarizes submission statuses.
type Report struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	// InvalidStatuses lists each distinct status value outside the valid set.
	InvalidStatuses []string `json:"invalid_statuses"`
	Inconsistent    []Entry  `json:"inconsistent"`
	Summary         string   `json:"summary"`
}

// Fix is one correction applied by Repair.
type Fix struct {
	SubmissionID string `json:"submission_id"`
	Rule         Issue  `json:"rule"`
	From         string `json:"from"`
	To           string `json:"to"`
}

// RepairReport lists what Repair changed.
type RepairReport struct {
	DryRun     bool          `json:"dry_run"`
	FixedCount int           `json:"fixed_count"`
	ByRule     map[Issue]int `json:"by_rule"`
	Details    []Fix         `json:"details"`
	// Unresolved holds submissions that could not be corrected safely.
	Unresolved []Entry `json:"unresolved"`
	Summary    string  `json:"summary"`
}

// Checker runs diagnostics and repairs against the store.
type Checker struct {
	store *store.Store
}

func New(st *store.Store) *Checker {
	return &Checker{store: st}
}

// check returns the rule a submission breaks, if any. Rules are exclusive
// and ordered: a grading row always decides the outcome first.
func check(st store.SubmissionState) (Issue, bool) {
	switch {
	case st.HasGrading && st.Status != model.SubmissionGraded:
		return IssueGradingNotGraded, true
	case !st.Status.IsValid():
		return IssueInvalidStatus, true
	case st.Status == model.SubmissionDraft && st.HasSubmitted:
		return IssueDraftWithSubmittedAt, true
	case st.Status == model.SubmissionSubmitted && !st.HasSubmitted:
		return IssueSubmittedWithoutTime, true
	case st.Status == model.SubmissionGraded && !st.HasGrading:
		return IssueGradedWithoutGrading, true
	}
	return "", false
}

func validStatuses() string {
	names := make([]string, len(model.ValidSubmissionStatuses))
	for i, s := range model.ValidSubmissionStatuses {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func entryFor(ctx context.Context, st store.SubmissionState, issue Issue) Entry {
	data := map[string]any{"Status": string(st.Status), "Valid": validStatuses()}
	var reason string
	switch issue {
	case IssueInvalidStatus:
		if st.HasSubmitted {
			reason = i18n.Td(ctx, "DiagInvalidStatus", data)
		} else {
			reason = i18n.Td(ctx, "DiagInvalidStatusNoTime", data)
		}
	case IssueDraftWithSubmittedAt:
		reason = i18n.T(ctx, "DiagDraftWithSubmittedAt")
	case IssueSubmittedWithoutTime:
		reason = i18n.T(ctx, "DiagSubmittedWithoutTime")
	case IssueGradingNotGraded:
		reason = i18n.Td(ctx, "DiagGradingNotGraded", data)
	case IssueGradedWithoutGrading:
		reason = i18n.T(ctx, "DiagGradedWithoutGrading")
	}
	return Entry{
		SubmissionID: st.ID,
		Status:       string(st.Status),
		Issue:        issue,
		Reason:       reason,
	}
}

// Diagnose reports on one submission, or on all of them when submissionID
// is empty. It never writes.
func (c *Checker) Diagnose(ctx context.Context, submissionID string) (*Report, error) {
	states, err := c.store.ListSubmissionStates(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list submission states: %w", err)
	}

	r := &Report{
		Total:           len(states),
		ByStatus:        make(map[string]int),
		InvalidStatuses: []string{},
		Inconsistent:    []Entry{},
	}
	invalid := make(map[string]bool)
	for _, st := range states {
		r.ByStatus[string(st.Status)]++
		if !st.Status.IsValid() && !invalid[string(st.Status)] {
			invalid[string(st.Status)] = true
			r.InvalidStatuses = append(r.InvalidStatuses, string(st.Status))
		}
		if issue, bad := check(st); bad {
			r.Inconsistent = append(r.Inconsistent, entryFor(ctx, st, issue))
		}
	}
	sort.Strings(r.InvalidStatuses)
	r.Summary = i18n.Td(ctx, "DiagSummary", map[string]any{"Total": r.Total}) + ", " +
		i18n.Tp(ctx, "DiagInconsistent", len(r.Inconsistent))
	return r, nil
}

// Repair corrects every inconsistent submission in one transaction.
// Updates are conditional on the status seen when the transaction began,
// so running Repair again finds nothing left to fix. With dryRun set the
// report is built but nothing is written.
func (c *Checker) Repair(ctx context.Context, dryRun bool) (*RepairReport, error) {
	report := &RepairReport{
		DryRun:     dryRun,
		ByRule:     make(map[Issue]int),
		Details:    []Fix{},
		Unresolved: []Entry{},
	}

	err := c.store.InTx(ctx, func(tx *store.Store) error {
		states, err := tx.ListSubmissionStates(ctx, "")
		if err != nil {
			return fmt.Errorf("list submission states: %w", err)
		}
		for _, st := range states {
			issue, bad := check(st)
			if !bad {
				continue
			}
			to, changed, err := apply(ctx, tx, st, issue, dryRun)
			if err != nil {
				return fmt.Errorf("repair %s (%s): %w", st.ID, issue, err)
			}
			if !changed {
				if issue == IssueInvalidStatus && !st.HasSubmitted {
					report.Unresolved = append(report.Unresolved, entryFor(ctx, st, issue))
				}
				continue
			}
			report.FixedCount++
			report.ByRule[issue]++
			report.Details = append(report.Details, Fix{
				SubmissionID: st.ID,
				Rule:         issue,
				From:         string(st.Status),
				To:           string(to),
			})
		}
		if dryRun {
			return nil
		}
		if err := tx.SetMetadata(ctx, store.MetaLastRepairAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
		return tx.SetMetadata(ctx, store.MetaLastRepairFixed, strconv.Itoa(report.FixedCount))
	})
	if err != nil {
		return nil, err
	}

	report.Summary = repairSummary(ctx, report)

	for _, f := range report.Details {
		if !dryRun {
			metrics.Repairs.WithLabelValues(string(f.Rule)).Inc()
		}
		slog.Info("submission status repaired",
			"submission_id", f.SubmissionID,
			"rule", f.Rule,
			"old_status", f.From,
			"new_status", f.To,
			"dry_run", dryRun,
		)
	}
	for _, e := range report.Unresolved {
		slog.Warn("submission status needs investigation", "submission_id", e.SubmissionID, "status", e.Status)
	}
	return report, nil
}

// apply performs the correction for one submission and returns its new
// status and whether anything changed.
func apply(ctx context.Context, tx *store.Store, st store.SubmissionState, issue Issue, dryRun bool) (model.SubmissionStatus, bool, error) {
	var (
		to   model.SubmissionStatus
		fill = true
	)
	switch issue {
	case IssueGradingNotGraded:
		to = model.SubmissionGraded
	case IssueInvalidStatus:
		if !st.HasSubmitted {
			return st.Status, false, nil
		}
		to = model.SubmissionSubmitted
	case IssueDraftWithSubmittedAt:
		to = model.SubmissionSubmitted
		fill = false
	case IssueGradedWithoutGrading:
		to = model.SubmissionSubmitted
	case IssueSubmittedWithoutTime:
		if dryRun {
			return st.Status, true, nil
		}
		ok, err := tx.BackfillSubmittedAt(ctx, st.ID, st.Status)
		return st.Status, ok, err
	default:
		return st.Status, false, nil
	}

	if dryRun {
		return to, true, nil
	}
	ok, err := tx.CompareAndSetStatus(ctx, st.ID, st.Status, to, fill)
	return to, ok, err
}

func repairSummary(ctx context.Context, r *RepairReport) string {
	msgID := "RepairFixed"
	if r.DryRun {
		msgID = "RepairWouldFix"
	}
	summary := i18n.Tp(ctx, msgID, r.FixedCount)
	if n := len(r.Unresolved); n > 0 {
		summary += " " + i18n.Tp(ctx, "RepairUnresolved", n)
	}
	return summary
}
