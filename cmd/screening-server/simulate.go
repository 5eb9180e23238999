package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ehr/screening/internal/config"
	"github.com/ehr/screening/internal/domain/assessment"
	"github.com/ehr/screening/internal/domain/catalog"
	"github.com/ehr/screening/internal/domain/clinical"
	"github.com/ehr/screening/internal/domain/scoring"
)

const (
	simulationUser          = "simulation"
	defaultSimulatedLatency = 5000
)

// simulationScript is a scripted sequence of answers, e.g.
//
//	sex: female
//	default_latency_ms: 4000
//	answers:
//	  - {question: phq9_1, code: 2}
//	  - {question: allergy_types, selected: [1, 3]}
type simulationScript struct {
	Sex              string         `yaml:"sex"`
	DefaultLatencyMs int64          `yaml:"default_latency_ms"`
	Answers          []scriptAnswer `yaml:"answers"`
}

type scriptAnswer struct {
	Question  string `yaml:"question"`
	Code      *int   `yaml:"code"`
	Selected  []int  `yaml:"selected"`
	LatencyMs *int64 `yaml:"latency_ms"`
}

func (a scriptAnswer) value() catalog.Value {
	if a.Code != nil {
		return catalog.CodeValue(*a.Code)
	}
	return catalog.SelectedValue(a.Selected...)
}

func parseScript(data []byte) (*simulationScript, error) {
	var s simulationScript
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	if len(s.Answers) == 0 {
		return nil, fmt.Errorf("script has no answers")
	}
	if !scoring.Sex(s.Sex).Valid() {
		return nil, fmt.Errorf("invalid sex %q", s.Sex)
	}
	if s.DefaultLatencyMs < 0 {
		return nil, fmt.Errorf("default_latency_ms must not be negative")
	}
	if s.DefaultLatencyMs == 0 {
		s.DefaultLatencyMs = defaultSimulatedLatency
	}
	for i, a := range s.Answers {
		if a.Question == "" {
			return nil, fmt.Errorf("answer %d: question is required", i+1)
		}
		if (a.Code == nil) == (len(a.Selected) == 0) {
			return nil, fmt.Errorf("answer %d (%s): exactly one of code or selected is required", i+1, a.Question)
		}
	}
	return &s, nil
}

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a scripted answer sequence through the assessment engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("answers")
			sex, _ := cmd.Flags().GetString("sex")

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}
			script, err := parseScript(data)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("sex") {
				if !scoring.Sex(sex).Valid() {
					return fmt.Errorf("invalid --sex %q", sex)
				}
				script.Sex = sex
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			engine, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			svc := assessment.NewService(engine, assessment.NewMemorySessionStore(), zerolog.Nop())

			if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
				color.NoColor = true
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			_, err = runSimulation(ctx, svc, script, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().String("answers", "", "YAML answer script")
	cmd.Flags().String("sex", "", "Override the script's sex (male, female)")
	_ = cmd.MarkFlagRequired("answers")
	return cmd
}

var (
	headingColor = color.New(color.FgCyan, color.Bold)
	okColor      = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	alertColor   = color.New(color.FgRed, color.Bold)
)

// runSimulation starts a fresh session and submits the script's answers in
// order, stopping at the first rejection or terminal outcome. It returns the
// last accepted step.
func runSimulation(ctx context.Context, svc *assessment.Service, script *simulationScript, w io.Writer) (*assessment.StepResult, error) {
	sess, _, err := svc.StartAssessment(ctx, simulationUser, scoring.Sex(script.Sex), true)
	if err != nil {
		return nil, fmt.Errorf("start assessment: %w", err)
	}
	headingColor.Fprintf(w, "Session %s (catalog %s)\n", sess.ID, sess.CatalogVersion)

	var last *assessment.StepResult
	for i, a := range script.Answers {
		latency := script.DefaultLatencyMs
		if a.LatencyMs != nil {
			latency = *a.LatencyMs
		}
		res, err := svc.SubmitAnswer(ctx, simulationUser, sess.ID, a.Question, a.value(), &latency)
		if err != nil {
			alertColor.Fprintf(w, "%3d. %-22s rejected: %v\n", i+1, a.Question, err)
			return last, fmt.Errorf("answer %d (%s): %w", i+1, a.Question, err)
		}
		last = res
		printStep(w, i+1, a.Question, res)

		if res.Outcome != assessment.OutcomeNextQuestion {
			if rest := len(script.Answers) - i - 1; rest > 0 {
				warnColor.Fprintf(w, "Assessment closed; %d remaining answer(s) ignored\n", rest)
			}
			break
		}
	}

	printSummary(w, last)
	return last, nil
}

func printStep(w io.Writer, n int, questionID string, res *assessment.StepResult) {
	p := res.Progress
	status := fmt.Sprintf("[%s %d/%d %.0f%%]", p.Stage, p.Answered, p.Answered+p.Remaining, p.Percentage)
	switch res.Outcome {
	case assessment.OutcomeNextQuestion:
		fmt.Fprintf(w, "%3d. %-22s next %-22s %s\n", n, questionID, res.NextQuestion.ID, status)
	case assessment.OutcomeEmergency:
		alertColor.Fprintf(w, "%3d. %-22s EMERGENCY %s\n", n, questionID, status)
	default:
		okColor.Fprintf(w, "%3d. %-22s completed %s\n", n, questionID, status)
	}
}

func printSummary(w io.Writer, last *assessment.StepResult) {
	fmt.Fprintln(w)
	if last.Completion == nil {
		warnColor.Fprintf(w, "Assessment incomplete: next question %s, %.0f%% done\n",
			last.NextQuestion.ID, last.Progress.Percentage)
		return
	}

	result := last.Completion
	headingColor.Fprintf(w, "Result: %s\n", result.Stage)
	risk := result.Risk
	riskColor(risk.Level).Fprintf(w, "  risk: %s (confidence %d%%, intervene within %dh)\n",
		risk.Level, risk.ConfidenceScore, risk.TimeToIntervention)
	if len(risk.PrimaryConcerns) > 0 {
		fmt.Fprintf(w, "  concerns: %s\n", strings.Join(risk.PrimaryConcerns, ", "))
	}
	for _, s := range result.Scores {
		if s.AnsweredItems == 0 {
			continue
		}
		if s.MaxScore == 0 {
			fmt.Fprintf(w, "  %-8s %7s %s\n", s.Instrument, "-", s.Severity)
			continue
		}
		fmt.Fprintf(w, "  %-8s %3d/%-3d %s\n", s.Instrument, s.TotalScore, s.MaxScore, s.Severity)
	}
	if result.Emergency != nil {
		alertColor.Fprintf(w, "  emergency protocol: %s (%s)\n", result.Emergency.Type, result.Emergency.Severity)
		for _, action := range result.Emergency.ImmediateActions {
			fmt.Fprintf(w, "    - %s\n", action)
		}
	}
	fmt.Fprintf(w, "  response integrity: %d (%s)\n", result.Fraud.OverallScore, result.Fraud.Recommendation)
}

func riskColor(level clinical.RiskLevel) *color.Color {
	switch level {
	case clinical.RiskCritical, clinical.RiskHigh:
		return alertColor
	case clinical.RiskModerate:
		return warnColor
	}
	return okColor
}
