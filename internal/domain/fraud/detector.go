// Package fraud scores the plausibility of a response stream. It annotates
// results and never blocks progression.
package fraud

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ehr/screening/internal/domain/catalog"
)

// Recommendation is the suggested handling of an assessment.
type Recommendation string

const (
	RecommendAccept Recommendation = "accept"
	RecommendReview Recommendation = "review"
	RecommendFlag   Recommendation = "flag"
	RecommendReject Recommendation = "reject"
)

// FactorType names the heuristic that raised a risk factor.
type FactorType string

const (
	FactorTiming      FactorType = "timing"
	FactorConsistency FactorType = "consistency"
	FactorPattern     FactorType = "pattern"
)

// FactorSeverity grades a single risk factor.
type FactorSeverity string

const (
	SeverityLow    FactorSeverity = "low"
	SeverityMedium FactorSeverity = "medium"
	SeverityHigh   FactorSeverity = "high"
)

// RiskFactor is one suspicious signal.
type RiskFactor struct {
	Type     FactorType     `json:"type"`
	Severity FactorSeverity `json:"severity"`
	Score    int            `json:"score"`
	Detail   string         `json:"detail,omitempty"`
}

// FraudAnalysis is the plausibility verdict; higher scores are more suspicious.
type FraudAnalysis struct {
	OverallScore   int            `json:"overall_score"`
	RiskFactors    []RiskFactor   `json:"risk_factors"`
	Recommendation Recommendation `json:"recommendation"`
}

// Config tunes the heuristics.
type Config struct {
	MinLatencyMs    int64
	MsPerWord       int64
	ReviewThreshold int
	FlagThreshold   int
	RejectThreshold int
}

func DefaultConfig() Config {
	return Config{
		MinLatencyMs:    1000,
		MsPerWord:       120,
		ReviewThreshold: 25,
		FlagThreshold:   50,
		RejectThreshold: 75,
	}
}

// Validate requires strictly increasing thresholds within 1-100.
func (c Config) Validate() error {
	if c.MinLatencyMs < 0 || c.MsPerWord < 0 {
		return fmt.Errorf("latency settings must not be negative")
	}
	if c.ReviewThreshold < 1 || c.RejectThreshold > 100 {
		return fmt.Errorf("fraud thresholds must be between 1 and 100")
	}
	if !(c.ReviewThreshold < c.FlagThreshold && c.FlagThreshold < c.RejectThreshold) {
		return fmt.Errorf("fraud thresholds must increase: review %d, flag %d, reject %d",
			c.ReviewThreshold, c.FlagThreshold, c.RejectThreshold)
	}
	return nil
}

const (
	consistencyScore    = 30
	sessionPairScore    = 20
	straightLineScore   = 15
	straightLineMinimum = 5
	sessionTimingWeight = 50
)

// Detector applies the timing, consistency and pattern heuristics.
type Detector struct {
	cat *catalog.Catalog
	cfg Config
}

func NewDetector(cat *catalog.Catalog, cfg Config) *Detector {
	return &Detector{cat: cat, cfg: cfg}
}

// MinPlausibleLatency is the shortest believable reading and decision time
// for a question.
func (d *Detector) MinPlausibleLatency(q *catalog.Question) int64 {
	return d.cfg.MinLatencyMs + d.cfg.MsPerWord*int64(len(strings.Fields(q.Text)))
}

// Analyze scores one answer against the answers recorded so far, which
// must already include it. A negative latency means it was not measured and
// skips the timing heuristic.
func (d *Detector) Analyze(ans catalog.Answer, answers catalog.Answers) FraudAnalysis {
	var factors []RiskFactor
	if q, ok := d.cat.Question(ans.QuestionID); ok {
		if f, fast := d.timingFactor(q, ans.LatencyMs); fast {
			factors = append(factors, f)
		}
	}
	for _, p := range d.cat.ValidationPairs() {
		if p.First != ans.QuestionID && p.Second != ans.QuestionID {
			continue
		}
		if contradicts(p, answers) {
			factors = append(factors, RiskFactor{
				Type:     FactorConsistency,
				Severity: SeverityMedium,
				Score:    consistencyScore,
				Detail:   fmt.Sprintf("inconsistent answers to %s and %s", p.First, p.Second),
			})
		}
	}
	return d.verdict(factors)
}

// Finalize scores the whole session.
func (d *Detector) Finalize(answers catalog.Answers) FraudAnalysis {
	var factors []RiskFactor

	ids := make([]string, 0, len(answers))
	for id := range answers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fast, timed := 0, 0
	for _, id := range ids {
		q, ok := d.cat.Question(id)
		if !ok || answers[id].LatencyMs < 0 {
			continue
		}
		timed++
		if _, isFast := d.timingFactor(q, answers[id].LatencyMs); isFast {
			fast++
		}
	}
	if fast > 0 {
		ratio := float64(fast) / float64(timed)
		sev := SeverityLow
		switch {
		case ratio >= 0.5:
			sev = SeverityHigh
		case ratio >= 0.25:
			sev = SeverityMedium
		}
		factors = append(factors, RiskFactor{
			Type:     FactorTiming,
			Severity: sev,
			Score:    int(math.Round(ratio * sessionTimingWeight)),
			Detail:   fmt.Sprintf("%d of %d answers faster than plausible", fast, timed),
		})
	}

	for _, p := range d.cat.ValidationPairs() {
		if contradicts(p, answers) {
			factors = append(factors, RiskFactor{
				Type:     FactorConsistency,
				Severity: SeverityMedium,
				Score:    sessionPairScore,
				Detail:   fmt.Sprintf("inconsistent answers to %s and %s", p.First, p.Second),
			})
		}
	}

	for _, inst := range catalog.Instruments {
		if code, ok := d.straightLined(inst, answers); ok {
			factors = append(factors, RiskFactor{
				Type:     FactorPattern,
				Severity: SeverityLow,
				Score:    straightLineScore,
				Detail:   fmt.Sprintf("every %s item answered %d", inst, code),
			})
		}
	}
	return d.verdict(factors)
}

func (d *Detector) timingFactor(q *catalog.Question, latencyMs int64) (RiskFactor, bool) {
	floor := d.MinPlausibleLatency(q)
	if latencyMs < 0 || floor <= 0 || latencyMs >= floor {
		return RiskFactor{}, false
	}
	f := RiskFactor{
		Type:   FactorTiming,
		Detail: fmt.Sprintf("%s answered in %dms, minimum plausible %dms", q.ID, latencyMs, floor),
	}
	switch {
	case latencyMs*3 < floor:
		f.Severity, f.Score = SeverityHigh, 40
	case latencyMs*2 < floor:
		f.Severity, f.Score = SeverityMedium, 25
	default:
		f.Severity, f.Score = SeverityLow, 15
	}
	return f, true
}

// straightLined reports a complete instrument answered with one identical
// non-zero code.
func (d *Detector) straightLined(inst catalog.Instrument, answers catalog.Answers) (int, bool) {
	items := d.cat.ScoredItems(inst)
	if len(items) < straightLineMinimum {
		return 0, false
	}
	first := -1
	for _, q := range items {
		code, ok := answers.Code(q.ID)
		if !ok {
			return 0, false
		}
		if first == -1 {
			first = code
		} else if code != first {
			return 0, false
		}
	}
	return first, first > 0
}

func (d *Detector) verdict(factors []RiskFactor) FraudAnalysis {
	total := 0
	for _, f := range factors {
		total += f.Score
	}
	if total > 100 {
		total = 100
	}
	if factors == nil {
		factors = []RiskFactor{}
	}
	return FraudAnalysis{
		OverallScore:   total,
		RiskFactors:    factors,
		Recommendation: d.recommend(total),
	}
}

func (d *Detector) recommend(score int) Recommendation {
	switch {
	case score >= d.cfg.RejectThreshold:
		return RecommendReject
	case score >= d.cfg.FlagThreshold:
		return RecommendFlag
	case score >= d.cfg.ReviewThreshold:
		return RecommendReview
	default:
		return RecommendAccept
	}
}

func contradicts(p catalog.ValidationPair, answers catalog.Answers) bool {
	first, ok1 := answers.Code(p.First)
	second, ok2 := answers.Code(p.Second)
	return ok1 && ok2 && p.Contradicts(first, second)
}
