package safety

import "fmt"

// SaturatingWeight is the weight of a finding that alone drives the risk
// score to its maximum.
const SaturatingWeight = 1000

// Severity is the interaction severity scale. The zero value is invalid;
// use SeverityNone for "no interaction".
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityMinor:    1,
	SeverityModerate: 2,
	SeverityMajor:    3,
	SeverityCritical: 4,
}

var severityWeight = map[Severity]int{
	SeverityNone:     0,
	SeverityMinor:    1,
	SeverityModerate: 2,
	SeverityMajor:    4,
	SeverityCritical: 8,
}

// ParseSeverity parses a severity label. Unknown labels are rejected rather
// than defaulted so reference data errors surface at load time.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(normalizeLabel(s))
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("unknown interaction severity %q", s)
	}
	return sev, nil
}

// Valid reports whether s is one of the declared severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the position of s in the total order none < minor <
// moderate < major < critical.
func (s Severity) Rank() int { return severityRank[s] }

// Weight returns the risk weight contributed by an interaction of this
// severity.
func (s Severity) Weight() int { return severityWeight[s] }

// RequiresAction reports whether a finding of this severity needs
// clinician action before administration.
func (s Severity) RequiresAction() bool { return s.Rank() >= SeverityMajor.Rank() }

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AllergySeverity is the recorded severity of a patient allergy.
type AllergySeverity string

const (
	AllergyMild            AllergySeverity = "mild"
	AllergyModerate        AllergySeverity = "moderate"
	AllergySevere          AllergySeverity = "severe"
	AllergyLifeThreatening AllergySeverity = "life-threatening"
)

var allergyRank = map[AllergySeverity]int{
	AllergyMild:            1,
	AllergyModerate:        2,
	AllergySevere:          3,
	AllergyLifeThreatening: 4,
}

var allergyWeight = map[AllergySeverity]int{
	AllergyMild:            1,
	AllergyModerate:        2,
	AllergySevere:          4,
	AllergyLifeThreatening: 8,
}

// ParseAllergySeverity parses an allergy severity label. An empty label
// yields AllergySevere: an allergy of unknown severity is never downgraded.
func ParseAllergySeverity(s string) (AllergySeverity, error) {
	label := normalizeLabel(s)
	switch label {
	case "":
		return AllergySevere, nil
	case "life threatening", "lifethreatening", "anaphylaxis":
		return AllergyLifeThreatening, nil
	}
	sev := AllergySeverity(label)
	if _, ok := allergyRank[sev]; !ok {
		return "", fmt.Errorf("unknown allergy severity %q", s)
	}
	return sev, nil
}

func (s AllergySeverity) Valid() bool {
	_, ok := allergyRank[s]
	return ok
}

func (s AllergySeverity) Rank() int   { return allergyRank[s] }
func (s AllergySeverity) Weight() int { return allergyWeight[s] }

// AlertSeverity maps an allergy severity onto the alert scale.
func (s AllergySeverity) AlertSeverity() AlertSeverity {
	switch s {
	case AllergyLifeThreatening, AllergySevere:
		return AlertCritical
	case AllergyModerate:
		return AlertWarning
	case AllergyMild:
		return AlertInfo
	default:
		return AlertCritical
	}
}

// AlertSeverity is the urgency of a clinical alert.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

var alertSeverityRank = map[AlertSeverity]int{
	AlertInfo:     1,
	AlertWarning:  2,
	AlertCritical: 3,
}

func (s AlertSeverity) Valid() bool {
	_, ok := alertSeverityRank[s]
	return ok
}

func (s AlertSeverity) Rank() int { return alertSeverityRank[s] }

// RiskLevel is the coarse bucket of a risk score.
type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

var riskRank = map[RiskLevel]int{
	RiskNone:   0,
	RiskLow:    1,
	RiskMedium: 2,
	RiskHigh:   3,
}

func (l RiskLevel) Valid() bool {
	_, ok := riskRank[l]
	return ok
}

func (l RiskLevel) Rank() int { return riskRank[l] }

// LevelForScore buckets a 0-100 score: 0 none, 1-19 low, 20-59 medium,
// 60 and above high.
func LevelForScore(score int) RiskLevel {
	switch {
	case score <= 0:
		return RiskNone
	case score < 20:
		return RiskLow
	case score < 60:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// DoseStatus is the outcome of validating one medication's dose.
type DoseStatus string

const (
	DoseNormal     DoseStatus = "normal"
	DoseBelowRange DoseStatus = "below-range"
	DoseAboveRange DoseStatus = "above-range"
	DoseToxic      DoseStatus = "toxic"
	// DoseUnverified: a reference range exists but the unit or frequency
	// could not be resolved to a daily amount.
	DoseUnverified DoseStatus = "unverified"
)

var doseWeight = map[DoseStatus]int{
	DoseNormal:     0,
	DoseBelowRange: 1,
	DoseAboveRange: 4,
	DoseToxic:      SaturatingWeight,
	DoseUnverified: 0,
}

func (s DoseStatus) Weight() int { return doseWeight[s] }

// ContraindicationKind distinguishes hard stops from cautions.
type ContraindicationKind string

const (
	Absolute ContraindicationKind = "absolute"
	Relative ContraindicationKind = "relative"
)

// ParseContraindicationKind parses "absolute" or "relative".
func ParseContraindicationKind(s string) (ContraindicationKind, error) {
	switch k := ContraindicationKind(normalizeLabel(s)); k {
	case Absolute, Relative:
		return k, nil
	}
	return "", fmt.Errorf("unknown contraindication kind %q", s)
}

func (k ContraindicationKind) Weight() int {
	if k == Absolute {
		return SaturatingWeight
	}
	return 2
}

// HepaticFunction is the degree of hepatic impairment.
type HepaticFunction string

const (
	HepaticNormal   HepaticFunction = "normal"
	HepaticMild     HepaticFunction = "mild"
	HepaticModerate HepaticFunction = "moderate"
	HepaticSevere   HepaticFunction = "severe"
)

// ParseHepaticFunction parses a hepatic function label; empty means normal.
func ParseHepaticFunction(s string) (HepaticFunction, error) {
	switch h := HepaticFunction(normalizeLabel(s)); h {
	case "":
		return HepaticNormal, nil
	case HepaticNormal, HepaticMild, HepaticModerate, HepaticSevere:
		return h, nil
	}
	return "", fmt.Errorf("unknown hepatic function %q", s)
}
