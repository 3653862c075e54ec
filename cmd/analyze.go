package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sells-group/explain-cli/internal/batch"
	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/pipeline"
)

var analyzeRetry bool

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Explain a single report",
	Long:  "Loads a PDF, text, JSON, CSV or XLSX report (local path or URL), streams its analysis with live progress on stderr and prints the result JSON on stdout.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "analyze", false)
		if err != nil {
			return err
		}
		defer env.Close()

		ext, err := env.Loader.Load(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "analyze: load input")
		}
		req := cfg.Request.Merge(requestFlags(cmd.Flags())).Apply(model.AnalysisRequest{Extraction: ext})

		progress := newProgressPrinter(os.Stderr)
		jobID := uuid.New().String()
		out := env.Jobs.Run(ctx, req, pipeline.WithJobID(jobID), pipeline.WithObserver(progress.observe))

		if analyzeRetry && out.Err != nil && out.Err.Retryable() {
			fmt.Fprintf(os.Stderr, "%s, retrying once...\n", out.Err.Title)
			out, err = env.Jobs.Retry(ctx, out, pipeline.WithJobID(jobID), pipeline.WithObserver(progress.observe))
			if err != nil {
				return eris.Wrap(err, "analyze: retry")
			}
		}

		return reportOutcome(os.Stdout, os.Stderr, out)
	},
}

// requestFlags reads the request knobs shared by analyze and batch. Unset
// flags leave the configured defaults alone.
func requestFlags(fs *pflag.FlagSet) batch.RequestOptions {
	var o batch.RequestOptions
	o.TestType, _ = fs.GetString("test-type")
	o.ClinicalContext, _ = fs.GetString("context")
	literacy, _ := fs.GetString("literacy")
	o.LiteracyLevel = model.LiteracyLevel(literacy)
	o.Tone, _ = fs.GetInt("tone")
	o.Detail, _ = fs.GetInt("detail")
	if fs.Changed("template-id") {
		id, _ := fs.GetInt("template-id")
		o.TemplateID = &id
	}
	if fs.Changed("short") {
		short, _ := fs.GetBool("short")
		o.ShortComment = &short
	}
	return o
}

func addRequestFlags(fs *pflag.FlagSet) {
	fs.String("test-type", "", "report type hint (e.g. echo, lipid_panel)")
	fs.Int("template-id", 0, "explanation template id")
	fs.String("context", "", "clinical context passed to the explainer")
	fs.String("literacy", "", "reading level (grade_4, grade_6, grade_8, clinical)")
	fs.Int("tone", 0, "tone preference 1-5")
	fs.Int("detail", 0, "detail preference 1-5")
	fs.Bool("short", false, "produce a short comment instead of a full explanation")
}

// reportOutcome prints a finished run: the result JSON on stdout, or the
// categorized error on stderr.
func reportOutcome(stdout, stderr io.Writer, out pipeline.Outcome) error {
	switch out.State {
	case model.StateDone:
		var payload any = out.Response
		if len(out.Raw) > 0 {
			payload = out.Raw
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return eris.Wrap(err, "analyze: encode result")
		}
		_, _ = fmt.Fprintln(stdout, string(data))
		if out.Cost > 0 {
			_, _ = fmt.Fprintf(stderr, "done in %s, estimated cost $%.4f\n", out.Elapsed.Round(time.Millisecond), out.Cost)
		}
		return nil
	case model.StateAborted:
		return eris.New("analyze: cancelled")
	default:
		if out.Err == nil {
			return eris.Errorf("analyze: run ended in state %s", out.State)
		}
		printCategorized(stderr, out.Err)
		return eris.Errorf("analyze: %s", out.Err.Error())
	}
}

func printCategorized(w io.Writer, ce *model.CategorizedError) {
	_, _ = fmt.Fprintf(w, "%s\n  %s\n", ce.Title, ce.Message)
	if ce.Suggestion != "" {
		_, _ = fmt.Fprintf(w, "  %s\n", ce.Suggestion)
	}
	for _, r := range ce.Remediations {
		_, _ = fmt.Fprintf(w, "  - %s\n", r)
	}
}

// progressPrinter writes a line each time the stage or its message changes.
type progressPrinter struct {
	w       io.Writer
	stage   model.Stage
	message string
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) observe(s pipeline.Snapshot) {
	if s.Stage == "" {
		return
	}
	msg := s.StageMessages[s.Stage]
	if s.Stage == p.stage && msg == p.message {
		return
	}
	p.stage, p.message = s.Stage, msg
	if msg == "" {
		msg = "..."
	}
	_, _ = fmt.Fprintf(p.w, "[%s] %s\n", s.Stage, msg)
}

func init() {
	addRequestFlags(analyzeCmd.Flags())
	analyzeCmd.Flags().BoolVar(&analyzeRetry, "retry", false, "re-run once when the failure is retryable")
	rootCmd.AddCommand(analyzeCmd)
}
