package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/coursegrader/internal/diagnostics"
	"github.com/pavelanni/coursegrader/internal/importer"
	"github.com/pavelanni/coursegrader/internal/model"
	"github.com/pavelanni/coursegrader/internal/objstore"
	"github.com/pavelanni/coursegrader/internal/store"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import questionnaires and quizzes from course JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	commonFlags(cmd.Flags())
	cmd.Flags().String("owner", "admin", "Username recorded as creator of imported questionnaires")
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "AI-grade one submission or every pending one",
		RunE:  runGrade,
	}
	f := cmd.Flags()
	commonFlags(f)
	llmFlags(f)
	f.String("submission-id", "", "Submission to grade")
	f.Bool("pending", false, "Grade every submitted submission without a grading")
	cmd.MarkFlagsMutuallyExclusive("submission-id", "pending")
	cmd.MarkFlagsOneRequired("submission-id", "pending")
	return cmd
}

func diagnoseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Report submissions whose status is inconsistent",
		RunE:  runDiagnose,
	}
	commonFlags(cmd.Flags())
	cmd.Flags().String("submission-id", "", "Limit the report to one submission")
	return cmd
}

func repairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Fix inconsistent submission statuses",
		RunE:  runRepair,
	}
	commonFlags(cmd.Flags())
	cmd.Flags().Bool("dry-run", false, "Report what would change without writing")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export submissions and gradings as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	commonFlags(f)
	f.String("questionnaire-id", "", "Only export this questionnaire")
	f.String("status", "", "Only export submissions with this status")
	f.String("prompt-variant", "standard", "Prompt variant included in export metadata")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("local-dir", "", "Write the export into this directory instead")
	f.String("bucket", "", "Upload the export to this object storage bucket")
	f.String("object-name", "", "Object name (default grading-export-<timestamp>.json)")
	f.String("s3-endpoint", "localhost:9000", "Object storage endpoint")
	f.String("s3-access-key", "", "Object storage access key")
	f.String("s3-secret-key", "", "Object storage secret key")
	f.Bool("s3-ssl", false, "Use TLS for object storage")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	owner, err := db.GetUserByUsername(ctx, v.GetString("owner"))
	if err != nil {
		return fmt.Errorf("look up owner: %w", err)
	}
	if owner == nil {
		return fmt.Errorf("owner %q not found: start the server once to seed the admin user", v.GetString("owner"))
	}

	var results []importer.Result
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		res, err := importer.Import(ctx, db, path, data, owner.ID)
		if err != nil {
			return err
		}
		results = append(results, res)
	}
	return printJSON(cmd.OutOrStdout(), results)
}

func runGrade(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, closeSvc, err := newService(ctx, v, db, true)
	if err != nil {
		return err
	}
	defer closeSvc()

	if id := v.GetString("submission-id"); id != "" {
		g, err := svc.GradeSubmission(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), g)
	}

	outcomes, err := svc.GradePending(ctx, v.GetInt("concurrency"))
	var failed int
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			slog.Error("grading failed", "submission_id", o.SubmissionID, "error", o.Err)
		}
	}
	slog.Info("batch grading finished", "total", len(outcomes), "failed", failed)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d submissions failed to grade", failed, len(outcomes))
	}
	return nil
}

func runDiagnose(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, err := initI18n(cmd.Context(), v)
	if err != nil {
		return err
	}
	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := diagnostics.New(db).Diagnose(ctx, v.GetString("submission-id"))
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.ErrOrStderr(), report.Summary)
	return nil
}

func runRepair(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, err := initI18n(cmd.Context(), v)
	if err != nil {
		return err
	}
	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := diagnostics.New(db).Repair(ctx, v.GetBool("dry-run"))
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.ErrOrStderr(), report.Summary)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.ExportSubmissions(ctx, store.SubmissionFilter{
		QuestionnaireID: v.GetString("questionnaire-id"),
		Status:          model.SubmissionStatus(v.GetString("status")),
	})
	if err != nil {
		return fmt.Errorf("export submissions: %w", err)
	}

	now := time.Now().UTC()
	export := model.GradingExport{
		ExportedAt:    now,
		PromptVariant: v.GetString("prompt-variant"),
		Results:       results,
	}

	var uploader objstore.Uploader
	switch {
	case v.GetString("bucket") != "" && v.GetString("local-dir") != "":
		return errors.New("--bucket and --local-dir are mutually exclusive")
	case v.GetString("bucket") != "":
		uploader, err = objstore.NewMinio(ctx, objstore.MinioConfig{
			Endpoint:  v.GetString("s3-endpoint"),
			AccessKey: v.GetString("s3-access-key"),
			SecretKey: v.GetString("s3-secret-key"),
			Bucket:    v.GetString("bucket"),
			UseSSL:    v.GetBool("s3-ssl"),
		})
		if err != nil {
			return err
		}
	case v.GetString("local-dir") != "":
		uploader = &objstore.Local{Dir: v.GetString("local-dir")}
	}

	if uploader == nil {
		return writeExportFile(cmd, v.GetString("output"), export)
	}

	var buf bytes.Buffer
	if err := printJSON(&buf, export); err != nil {
		return err
	}
	name := v.GetString("object-name")
	if name == "" {
		name = "grading-export-" + now.Format("20060102T150405Z") + ".json"
	}
	location, err := uploader.Upload(ctx, name, &buf, int64(buf.Len()), "application/json")
	if err != nil {
		return fmt.Errorf("upload export: %w", err)
	}
	slog.Info("export uploaded", "location", location, "results", len(results))
	return nil
}

func writeExportFile(cmd *cobra.Command, outPath string, export model.GradingExport) error {
	if outPath == "" || outPath == "-" {
		return printJSON(cmd.OutOrStdout(), export)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()
	return printJSON(f, export)
}
