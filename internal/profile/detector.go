// Package profile provides the two profiling contracts the sync
// orchestrator calls between landing layers: PII detection and data quality
// validation. Both operate on the typed view materialized from a run's
// records and are advisory — their failures are recorded, never fatal.
package profile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/windrose-io/windrose/internal/storage"
)

type (
	// Finding is one detected PII occurrence, reported per column with a
	// masked sample so reports never re-leak the value they flag.
	Finding struct {
		Type         string  `json:"type"`
		Column       string  `json:"column"`
		SampleMasked string  `json:"sample_masked"`
		Confidence   float64 `json:"confidence"`
	}

	// PIIReport is the outcome of one detection pass.
	PIIReport struct {
		TotalDetections  int            `json:"total_detections"`
		DetectionsByType map[string]int `json:"detections_by_type"`
		HighRiskCount    int            `json:"high_risk_count"`
		Findings         []Finding      `json:"findings"`
	}

	// PIIDetector inspects a view for personally identifiable information.
	// Implementations are free to be regex-based or model-based; the
	// orchestrator never inspects their strategy.
	PIIDetector interface {
		Detect(view *storage.View) (*PIIReport, error)
	}

	// piiPattern pairs a PII type with its value pattern and column-name
	// hints that raise confidence.
	piiPattern struct {
		piiType    string
		pattern    *regexp.Regexp
		hints      []string
		confidence float64
		highRisk   bool
		validate   func(string) bool
	}

	// RegexDetector is the default pattern-based detector covering the
	// common direct identifiers.
	RegexDetector struct {
		patterns []piiPattern
	}
)

// highRiskConfidence is the confidence floor for counting a finding as
// high-risk.
const highRiskConfidence = 0.8

// columnHintBoost is added to a finding's confidence when the column name
// itself suggests the PII type.
const columnHintBoost = 0.15

var _ PIIDetector = (*RegexDetector)(nil)

// NewRegexDetector creates the default detector.
func NewRegexDetector() *RegexDetector {
	return &RegexDetector{
		patterns: []piiPattern{
			{
				piiType:    "email",
				pattern:    regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`),
				hints:      []string{"email", "e_mail", "mail"},
				confidence: 0.85,
				highRisk:   false,
			},
			{
				piiType:    "phone",
				pattern:    regexp.MustCompile(`^\+?[0-9][0-9 ().\-]{6,18}[0-9]$`),
				hints:      []string{"phone", "mobile", "tel"},
				confidence: 0.6,
				highRisk:   false,
			},
			{
				piiType:    "ssn",
				pattern:    regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`),
				hints:      []string{"ssn", "social_security"},
				confidence: 0.9,
				highRisk:   true,
			},
			{
				piiType:    "credit_card",
				pattern:    regexp.MustCompile(`^(?:\d[ \-]?){13,19}$`),
				hints:      []string{"card", "cc_number", "pan"},
				confidence: 0.7,
				highRisk:   true,
				validate:   luhnValid,
			},
			{
				piiType:    "ip_address",
				pattern:    regexp.MustCompile(`^(?:\d{1,3}\.){3}\d{1,3}$`),
				hints:      []string{"ip", "ip_address", "remote_addr"},
				confidence: 0.75,
				highRisk:   false,
			},
		},
	}
}

// Detect scans every text cell of the view against the pattern set. One
// finding is reported per (pattern, column) with the first match as its
// masked sample; TotalDetections counts every matching cell.
func (d *RegexDetector) Detect(view *storage.View) (*PIIReport, error) {
	report := &PIIReport{
		DetectionsByType: make(map[string]int),
	}

	if view == nil {
		return report, nil
	}

	for col, column := range view.Columns {
		for _, p := range d.patterns {
			matches := 0
			sample := ""

			for _, row := range view.Rows {
				text, ok := row[col].(string)
				if !ok {
					continue
				}

				text = strings.TrimSpace(text)
				if text == "" || !p.pattern.MatchString(text) {
					continue
				}

				if p.validate != nil && !p.validate(text) {
					continue
				}

				matches++
				if sample == "" {
					sample = maskValue(text)
				}
			}

			if matches == 0 {
				continue
			}

			confidence := p.confidence
			if columnNameHints(column.Name, p.hints) {
				confidence += columnHintBoost
			}

			if confidence > 1 {
				confidence = 1
			}

			report.TotalDetections += matches
			report.DetectionsByType[p.piiType] += matches

			if p.highRisk || confidence >= highRiskConfidence {
				report.HighRiskCount += matches
			}

			report.Findings = append(report.Findings, Finding{
				Type:         p.piiType,
				Column:       column.Name,
				SampleMasked: sample,
				Confidence:   confidence,
			})
		}
	}

	return report, nil
}

// columnNameHints reports whether the column name contains any hint token.
func columnNameHints(column string, hints []string) bool {
	lowered := strings.ToLower(column)

	for _, hint := range hints {
		if strings.Contains(lowered, hint) {
			return true
		}
	}

	return false
}

// maskValue keeps the first and last character and replaces the middle, so
// a sample identifies the shape of the leak without repeating it.
func maskValue(value string) string {
	runes := []rune(value)
	if len(runes) <= 2 {
		return strings.Repeat("*", len(runes))
	}

	masked := len(runes) - 2
	if masked > 8 {
		masked = 8
	}

	return fmt.Sprintf("%c%s%c", runes[0], strings.Repeat("*", masked), runes[len(runes)-1])
}

// luhnValid runs the Luhn checksum over the digits of a candidate card
// number, filtering out look-alike numerics.
func luhnValid(value string) bool {
	var digits []int

	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}

	if len(digits) < 13 {
		return false
	}

	sum := 0
	double := false

	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}

		sum += d
		double = !double
	}

	return sum%10 == 0
}
