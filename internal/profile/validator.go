package profile

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/windrose-io/windrose/internal/storage"
)

// Dimension names.
const (
	DimCompleteness = "completeness"
	DimUniqueness   = "uniqueness"
	DimTimeliness   = "timeliness"
	DimValidity     = "validity"
	DimAccuracy     = "accuracy"
	DimConsistency  = "consistency"
)

// Fixed dimension weights. They sum to 1.
const (
	weightCompleteness = 0.25
	weightUniqueness   = 0.15
	weightTimeliness   = 0.10
	weightValidity     = 0.20
	weightAccuracy     = 0.15
	weightConsistency  = 0.15
)

// Default per-dimension pass thresholds.
const (
	thresholdCompleteness = 0.95
	thresholdUniqueness   = 0.98
	thresholdTimeliness   = 0.80
	thresholdValidity     = 0.90
	thresholdAccuracy     = 0.90
	thresholdConsistency  = 0.90
)

// defaultTimelinessHorizon is how far back a timestamp may lie and still
// count as timely.
const defaultTimelinessHorizon = 7 * 24 * time.Hour

// iqrFenceFactor is the Tukey fence multiplier for accuracy outlier bounds.
const iqrFenceFactor = 1.5

// maxReasonableTextLength bounds text cells for the accuracy dimension.
const maxReasonableTextLength = 10000

type (
	// DimensionResult is one dimension's score against its threshold.
	DimensionResult struct {
		Score     float64 `json:"score"`
		Passed    bool    `json:"passed"`
		Threshold float64 `json:"threshold"`
		Details   string  `json:"details"`
	}

	// QualityReport is the outcome of one validation pass. OverallScore is
	// the weighted sum of the dimension scores; OverallPassed holds only
	// when every dimension clears its own threshold.
	QualityReport struct {
		OverallScore  float64                    `json:"overall_score"`
		OverallPassed bool                       `json:"overall_passed"`
		Dimensions    map[string]DimensionResult `json:"dimensions"`
	}

	// QualityValidator scores a view across quality dimensions.
	QualityValidator interface {
		Validate(view *storage.View) (*QualityReport, error)
	}

	// Validator is the default six-dimension implementation.
	Validator struct {
		horizon time.Duration
		now     func() time.Time
	}

	// ValidatorOption configures optional Validator behavior.
	ValidatorOption func(*Validator)
)

var _ QualityValidator = (*Validator)(nil)

// WithTimelinessHorizon overrides the default seven-day timeliness horizon.
func WithTimelinessHorizon(horizon time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.horizon = horizon
	}
}

// withClock fixes the validator's clock. Test hook.
func withClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates the default quality validator.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		horizon: defaultTimelinessHorizon,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Validate scores the view on all six dimensions. An empty view scores a
// clean 1.0 everywhere; there is nothing wrong with no data, only with bad
// data.
func (v *Validator) Validate(view *storage.View) (*QualityReport, error) {
	dims := map[string]DimensionResult{
		DimCompleteness: v.completeness(view),
		DimUniqueness:   v.uniqueness(view),
		DimTimeliness:   v.timeliness(view),
		DimValidity:     v.validity(view),
		DimAccuracy:     v.accuracy(view),
		DimConsistency:  v.consistency(view),
	}

	report := &QualityReport{
		OverallPassed: true,
		Dimensions:    dims,
	}

	weights := map[string]float64{
		DimCompleteness: weightCompleteness,
		DimUniqueness:   weightUniqueness,
		DimTimeliness:   weightTimeliness,
		DimValidity:     weightValidity,
		DimAccuracy:     weightAccuracy,
		DimConsistency:  weightConsistency,
	}

	for name, dim := range dims {
		report.OverallScore += weights[name] * dim.Score

		if !dim.Passed {
			report.OverallPassed = false
		}
	}

	return report, nil
}

// completeness is the fraction of non-null cells.
func (v *Validator) completeness(view *storage.View) DimensionResult {
	total, nulls := 0, 0

	forEachCell(view, func(_, _ int, cell interface{}) {
		total++
		if cell == nil {
			nulls++
		}
	})

	score := fraction(total-nulls, total)

	return result(score, thresholdCompleteness,
		fmt.Sprintf("%d of %d cells null", nulls, total))
}

// uniqueness is one minus the duplicate-row fraction, with duplicates
// detected by canonical row hash over all columns.
func (v *Validator) uniqueness(view *storage.View) DimensionResult {
	duplicates := len(duplicateRows(view))
	total := rowCount(view)

	score := fraction(total-duplicates, total)

	return result(score, thresholdUniqueness,
		fmt.Sprintf("%d of %d rows duplicated", duplicates, total))
}

// timeliness is the fraction of rows whose freshest timestamp falls within
// the horizon. Views with no timestamp or date columns score 1.
func (v *Validator) timeliness(view *storage.View) DimensionResult {
	var dateCols []int

	if view != nil {
		for i, c := range view.Columns {
			if c.Kind == storage.KindTimestamp || c.Kind == storage.KindDate {
				dateCols = append(dateCols, i)
			}
		}
	}

	if len(dateCols) == 0 {
		return result(1, thresholdTimeliness, "no timestamp or date columns")
	}

	cutoff := v.now().Add(-v.horizon)
	timely, dated := 0, 0

	for _, row := range view.Rows {
		var freshest time.Time

		seen := false

		for _, col := range dateCols {
			ts, ok := cellTime(row[col])
			if !ok {
				continue
			}

			seen = true
			if ts.After(freshest) {
				freshest = ts
			}
		}

		if !seen {
			continue
		}

		dated++
		if freshest.After(cutoff) {
			timely++
		}
	}

	score := fraction(timely, dated)

	return result(score, thresholdTimeliness,
		fmt.Sprintf("%d of %d dated rows within %s", timely, dated, v.horizon))
}

// validity is the fraction of non-null cells conforming to their column's
// type and format: finite floats, non-blank text, well-formed emails in
// email-named columns.
func (v *Validator) validity(view *storage.View) DimensionResult {
	checked, valid := 0, 0

	forEachCell(view, func(_, col int, cell interface{}) {
		if cell == nil {
			return
		}

		checked++
		if cellValid(view.Columns[col].Name, cell) {
			valid++
		}
	})

	score := fraction(valid, checked)

	return result(score, thresholdValidity,
		fmt.Sprintf("%d of %d cells invalid", checked-valid, checked))
}

// accuracy is the fraction of numeric cells within the Tukey IQR fences of
// their column, and of text cells within length bounds.
func (v *Validator) accuracy(view *storage.View) DimensionResult {
	checked, accurate := 0, 0

	if view != nil {
		for col, column := range view.Columns {
			switch column.Kind {
			case storage.KindInt, storage.KindFloat:
				c, a := numericAccuracy(view, col)
				checked += c
				accurate += a
			case storage.KindString:
				for _, row := range view.Rows {
					text, ok := row[col].(string)
					if !ok {
						continue
					}

					checked++
					if len(text) <= maxReasonableTextLength && !strings.ContainsRune(text, '\x00') {
						accurate++
					}
				}
			}
		}
	}

	score := fraction(accurate, checked)

	return result(score, thresholdAccuracy,
		fmt.Sprintf("%d of %d cells outside expected bounds", checked-accurate, checked))
}

// consistency is the fraction of rows passing cross-field rules: date pairs
// in order, component columns summing to their total, and no duplicate rows.
func (v *Validator) consistency(view *storage.View) DimensionResult {
	total := rowCount(view)
	if total == 0 {
		return result(1, thresholdConsistency, "no rows")
	}

	duplicates := duplicateRows(view)
	pairs := datePairs(view)
	sums := sumRules(view)

	consistent := 0

	for r, row := range view.Rows {
		ok := !duplicates[r]

		for _, p := range pairs {
			earlier, okE := cellTime(row[p.earlier])
			later, okL := cellTime(row[p.later])

			if okE && okL && earlier.After(later) {
				ok = false
			}
		}

		for _, s := range sums {
			want, okT := cellNumber(row[s.total])
			if !okT {
				continue
			}

			sum := 0.0
			complete := true

			for _, part := range s.parts {
				n, okP := cellNumber(row[part])
				if !okP {
					complete = false

					break
				}

				sum += n
			}

			if complete && math.Abs(sum-want) > 0.01 {
				ok = false
			}
		}

		if ok {
			consistent++
		}
	}

	score := fraction(consistent, total)

	return result(score, thresholdConsistency,
		fmt.Sprintf("%d of %d rows inconsistent", total-consistent, total))
}

type datePair struct {
	earlier, later int
}

// datePairs finds (created_at, updated_at)-style column pairs whose values
// must be ordered.
func datePairs(view *storage.View) []datePair {
	ordered := [][2]string{
		{"created_at", "updated_at"},
		{"start_date", "end_date"},
		{"started_at", "completed_at"},
		{"valid_from", "valid_to"},
	}

	var pairs []datePair

	for _, o := range ordered {
		earlier, errE := view.ColumnIndex(o[0])
		later, errL := view.ColumnIndex(o[1])

		if errE == nil && errL == nil {
			pairs = append(pairs, datePair{earlier: earlier, later: later})
		}
	}

	return pairs
}

type sumRule struct {
	total int
	parts []int
}

// sumRules finds component-sum rules: a total column whose named parts are
// all present, e.g. subtotal + tax = total.
func sumRules(view *storage.View) []sumRule {
	shapes := []struct {
		total string
		parts []string
	}{
		{total: "total", parts: []string{"subtotal", "tax"}},
		{total: "total_amount", parts: []string{"subtotal", "tax"}},
	}

	var rules []sumRule

	for _, shape := range shapes {
		total, err := view.ColumnIndex(shape.total)
		if err != nil {
			continue
		}

		rule := sumRule{total: total}
		complete := true

		for _, part := range shape.parts {
			idx, err := view.ColumnIndex(part)
			if err != nil {
				complete = false

				break
			}

			rule.parts = append(rule.parts, idx)
		}

		if complete {
			rules = append(rules, rule)
		}
	}

	return rules
}

// duplicateRows marks every row whose canonical hash was already seen on an
// earlier row. The first occurrence is not a duplicate.
func duplicateRows(view *storage.View) map[int]bool {
	duplicates := make(map[int]bool)
	if view == nil {
		return duplicates
	}

	names := view.ColumnNames()
	seen := make(map[string]bool, len(view.Rows))

	for r, row := range view.Rows {
		hash := storage.RowHash(names, row)
		if seen[hash] {
			duplicates[r] = true
		}

		seen[hash] = true
	}

	return duplicates
}

// numericAccuracy counts the cells of one numeric column inside its Tukey
// fences. Columns with fewer than four values are taken as accurate.
func numericAccuracy(view *storage.View, col int) (checked, accurate int) {
	var values []float64

	for _, row := range view.Rows {
		if n, ok := cellNumber(row[col]); ok {
			values = append(values, n)
		}
	}

	checked = len(values)
	if checked < 4 {
		return checked, checked
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	low := q1 - iqrFenceFactor*iqr
	high := q3 + iqrFenceFactor*iqr

	for _, n := range values {
		if n >= low && n <= high {
			accurate++
		}
	}

	return checked, accurate
}

// quantile interpolates the q-quantile of sorted values.
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))

	if lower == upper {
		return sorted[lower]
	}

	frac := pos - float64(lower)

	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

var emailShape = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// cellValid checks one non-null cell against its column's format rules.
func cellValid(columnName string, cell interface{}) bool {
	switch value := cell.(type) {
	case float64:
		return !math.IsNaN(value) && !math.IsInf(value, 0)
	case string:
		if strings.TrimSpace(value) == "" {
			return false
		}

		if strings.Contains(strings.ToLower(columnName), "email") {
			return emailShape.MatchString(value)
		}

		return true
	default:
		return true
	}
}

// cellTime extracts a timestamp from a timestamp or date cell.
func cellTime(cell interface{}) (time.Time, bool) {
	switch value := cell.(type) {
	case time.Time:
		return value, true
	case string:
		if ts, err := time.Parse("2006-01-02", value); err == nil {
			return ts, true
		}

		if ts, err := time.Parse(time.RFC3339, value); err == nil {
			return ts, true
		}
	}

	return time.Time{}, false
}

// cellNumber extracts a float64 from a numeric cell.
func cellNumber(cell interface{}) (float64, bool) {
	switch value := cell.(type) {
	case int64:
		return float64(value), true
	case float64:
		return value, true
	}

	return 0, false
}

// forEachCell visits every cell of the view.
func forEachCell(view *storage.View, fn func(row, col int, cell interface{})) {
	if view == nil {
		return
	}

	for r, row := range view.Rows {
		for c := range view.Columns {
			fn(r, c, row[c])
		}
	}
}

// rowCount is len(view.Rows) tolerant of a nil view.
func rowCount(view *storage.View) int {
	if view == nil {
		return 0
	}

	return len(view.Rows)
}

// fraction is n/d with the empty-denominator convention of a perfect score.
func fraction(n, d int) float64 {
	if d == 0 {
		return 1
	}

	return float64(n) / float64(d)
}

// result packages one dimension score against its threshold.
func result(score, threshold float64, details string) DimensionResult {
	return DimensionResult{
		Score:     score,
		Passed:    score >= threshold,
		Threshold: threshold,
		Details:   details,
	}
}
