package safety

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// DoseValidator checks each medication's daily dose against its reference
// range adjusted for the patient's physiology.
type DoseValidator struct {
	store ReferenceStore
}

func NewDoseValidator(store ReferenceStore) *DoseValidator {
	return &DoseValidator{store: store}
}

var unitToMg = map[string]float64{
	"":           1,
	"mg":         1,
	"mgs":        1,
	"milligram":  1,
	"milligrams": 1,
	"g":          1000,
	"gm":         1000,
	"gms":        1000,
	"gram":       1000,
	"grams":      1000,
	"mcg":        0.001,
	"mcgs":       0.001,
	"ug":         0.001,
	"µg":         0.001,
	"μg":         0.001,
	"microgram":  0.001,
	"micrograms": 0.001,
}

var fixedFrequencies = map[string]float64{
	"":            1,
	"daily":       1,
	"once daily":  1,
	"once a day":  1,
	"qd":          1,
	"od":          1,
	"qhs":         1,
	"qam":         1,
	"qpm":         1,
	"bid":         2,
	"twice daily": 2,
	"twice a day": 2,
	"tid":         3,
	"qid":         4,
	"hourly":      24,
	"every hour":  24,
	"weekly":      1.0 / 7,
	"once weekly": 1.0 / 7,
}

var (
	// q6h, q 6 hrs, q4-6h, every 8 hours, every 4-6 hours
	everyNHours = regexp.MustCompile(`^(?:q|every)\s*(\d+(?:\.\d+)?)(?:\s*(?:-|to)\s*\d+(?:\.\d+)?)?\s*h(?:r|rs|ours?)?$`)
	// 3 times daily, 8x daily, 2 times a day, 4 times per day
	nTimesDaily = regexp.MustCompile(`^(\d+)\s*(?:x|times)\s*(?:daily|a day|per day|/day|day)$`)
	prnSuffix   = regexp.MustCompile(`\s*(?:prn|as needed)$`)
)

var wordCounts = map[string]string{"one": "1", "two": "2", "three": "3", "four": "4", "five": "5", "six": "6"}

// prnDosesPerDay is the label maximum assumed for an as-needed order with no
// scheduled interval.
const prnDosesPerDay = 4

var (
	ErrUnknownFrequency = errors.New("frequency not recognized")
	ErrUnknownDoseUnit  = errors.New("dose unit not recognized")

	// ErrDoseUnverified means a dose could not be compared against a
	// reference range that exists for the medication.
	ErrDoseUnverified = errors.New("dose could not be verified against its reference range")
)

// ParseFrequency returns the doses per day for a frequency label. A trailing
// "prn" keeps the scheduled interval as the maximum; a bare "prn" counts at
// the label maximum. Ranged intervals such as q3-4h use the shorter one.
func ParseFrequency(freq string) (float64, error) {
	f := stripDots(NormalizeName(freq))
	if n, ok := fixedFrequencies[f]; ok {
		return n, nil
	}
	if base := prnSuffix.ReplaceAllString(f, ""); base != f {
		if base == "" {
			return prnDosesPerDay, nil
		}
		f = base
		if n, ok := fixedFrequencies[f]; ok {
			return n, nil
		}
	}
	if fields := strings.Fields(f); len(fields) > 0 {
		if n, ok := wordCounts[fields[0]]; ok {
			fields[0] = n
			f = strings.Join(fields, " ")
		}
	}
	if m := everyNHours.FindStringSubmatch(f); m != nil {
		h, err := strconv.ParseFloat(m[1], 64)
		if err == nil && h > 0 && h <= 168 {
			return 24 / h, nil
		}
	}
	if m := nTimesDaily.FindStringSubmatch(f); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 && n <= 48 {
			return float64(n), nil
		}
	}
	return 0, ErrUnknownFrequency
}

// stripDots drops abbreviation dots (b.i.d.) but keeps decimal points.
func stripDots(s string) string {
	isDigit := func(c byte) bool { return c >= '0' && c <= '9' }
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '.' && !(i > 0 && i+1 < len(s) && isDigit(s[i-1]) && isDigit(s[i+1])) {
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ParseDoseUnit returns the factor converting a mass unit to milligrams. An
// empty unit means milligrams.
func ParseDoseUnit(unit string) (float64, error) {
	if f, ok := unitToMg[strings.ToLower(strings.TrimSpace(unit))]; ok {
		return f, nil
	}
	return 0, ErrUnknownDoseUnit
}

// validateDosing records unparseable dose units and frequencies under field.
func validateDosing(field string, m Medication, verr *ValidationError) {
	if _, err := ParseDoseUnit(m.DoseUnit); err != nil {
		verr.Add(field+".doseUnit", "must be a mass unit (mg, g, mcg)")
	}
	if _, err := ParseFrequency(m.Frequency); err != nil {
		verr.Add(field+".frequency", "is not a recognized dosing frequency")
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Validate returns one validation per medication, in input order.
func (v *DoseValidator) Validate(ctx context.Context, meds []Medication, patient PatientContext) (DoseResult, error) {
	result := DoseResult{Validations: []DoseValidation{}}
	if len(meds) == 0 {
		return result, nil
	}

	var names []string
	for _, m := range meds {
		if m.Dose > 0 {
			names = append(names, m.NormalizedName())
		}
	}
	var ranges []DoseRange
	if len(names) > 0 {
		var err error
		ranges, err = v.store.DoseRanges(ctx, lookupTerms(names))
		if err != nil {
			return result, unavailable(CheckDoses, err)
		}
	}

	var unverified []string
	for _, m := range meds {
		dv := validateDose(m, patient, ranges)
		if dv.Status == DoseUnverified {
			unverified = append(unverified, dv.Medication)
		}
		result.Validations = append(result.Validations, dv)
	}
	if len(unverified) > 0 {
		return result, unavailable(CheckDoses, fmt.Errorf("%w: %s", ErrDoseUnverified, strings.Join(unverified, ", ")))
	}
	return result, nil
}

func validateDose(m Medication, patient PatientContext, ranges []DoseRange) DoseValidation {
	out := DoseValidation{Medication: m.Name, Status: DoseNormal}
	if m.Dose <= 0 {
		out.Message = "dose not specified"
		return out
	}
	r, hasRange := selectRange(m, ranges)
	factor, unitErr := ParseDoseUnit(m.DoseUnit)
	perDay, freqErr := ParseFrequency(m.Frequency)
	if err := errors.Join(unitErr, freqErr); err != nil {
		out.Message = strings.ReplaceAll(err.Error(), "\n", "; ")
		if hasRange {
			out.Status = DoseUnverified
			out.RangeAvailable = true
		}
		return out
	}
	out.DailyDoseMg = round2(m.Dose * factor * perDay)
	if !hasRange {
		out.Message = "no reference range"
		return out
	}
	out.RangeAvailable = true

	minMg, maxMg, toxicMg := r.MinDailyMg, r.MaxDailyMg, r.ToxicDailyMg
	scale := func(f float64, why string) {
		if f <= 0 || f >= 1 {
			return
		}
		maxMg *= f
		toxicMg *= f
		out.Adjustments = append(out.Adjustments, why)
	}

	if patient.AgeYears != nil && *patient.AgeYears < 18 && patient.WeightKg != nil && r.PediatricMgPerKg > 0 {
		pedMax := r.PediatricMgPerKg * *patient.WeightKg
		if pedMax < maxMg {
			ratio := pedMax / maxMg
			minMg *= ratio
			scale(ratio, "pediatric weight-based maximum")
		}
	}
	if patient.RenalFunction != nil && r.RenalGFRThreshold > 0 && *patient.RenalFunction < r.RenalGFRThreshold {
		scale(r.RenalFactor, "renal impairment")
	}
	switch patient.HepaticFunction {
	case HepaticMild:
		scale(r.HepaticMild, "mild hepatic impairment")
	case HepaticModerate:
		scale(r.HepaticModerate, "moderate hepatic impairment")
	case HepaticSevere:
		scale(r.HepaticSevere, "severe hepatic impairment")
	}
	if patient.AgeYears != nil && *patient.AgeYears >= 65 {
		scale(r.GeriatricFactor, "geriatric")
	}

	out.MinDailyMg = round2(minMg)
	out.MaxDailyMg = round2(maxMg)
	out.ToxicDailyMg = round2(toxicMg)

	switch {
	case out.ToxicDailyMg > 0 && out.DailyDoseMg > out.ToxicDailyMg:
		out.Status = DoseToxic
		out.Message = fmt.Sprintf("daily dose %.2f mg exceeds toxic threshold %.2f mg", out.DailyDoseMg, out.ToxicDailyMg)
	case out.DailyDoseMg > out.MaxDailyMg:
		out.Status = DoseAboveRange
		out.Message = fmt.Sprintf("daily dose %.2f mg exceeds maximum %.2f mg", out.DailyDoseMg, out.MaxDailyMg)
	case out.MinDailyMg > 0 && out.DailyDoseMg < out.MinDailyMg:
		out.Status = DoseBelowRange
		out.Message = fmt.Sprintf("daily dose %.2f mg is below minimum %.2f mg", out.DailyDoseMg, out.MinDailyMg)
	}
	return out
}

// selectRange picks the reference range for m: an exact name match beats a
// word match, a matching route beats a route-less range, and a longer
// reference name beats a shorter one.
func selectRange(m Medication, ranges []DoseRange) (DoseRange, bool) {
	med := m.NormalizedName()
	route := NormalizeName(m.Route)
	best, bestScore := DoseRange{}, -1
	for _, r := range ranges {
		if !containsWord(med, r.Medication) {
			continue
		}
		if r.Route != "" && r.Route != route {
			continue
		}
		score := len(r.Medication)
		if r.Medication == med {
			score += 10000
		}
		if r.Route != "" {
			score += 1000
		}
		if score > bestScore {
			best, bestScore = r, score
		}
	}
	return best, bestScore >= 0
}
