package safety

import "testing"

func TestSeverity_TotalOrder(t *testing.T) {
	order := []Severity{SeverityNone, SeverityMinor, SeverityModerate, SeverityMajor, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("expected %s < %s", order[i-1], order[i])
		}
		if order[i-1].Weight() >= order[i].Weight() {
			t.Errorf("expected weight(%s) < weight(%s)", order[i-1], order[i])
		}
	}
}

func TestSeverity_Weights(t *testing.T) {
	want := map[Severity]int{SeverityMinor: 1, SeverityModerate: 2, SeverityMajor: 4, SeverityCritical: 8}
	for s, w := range want {
		if s.Weight() != w {
			t.Errorf("weight(%s) = %d, want %d", s, s.Weight(), w)
		}
	}
}

func TestSeverity_RequiresAction(t *testing.T) {
	for _, s := range []Severity{SeverityNone, SeverityMinor, SeverityModerate} {
		if s.RequiresAction() {
			t.Errorf("%s should not require action", s)
		}
	}
	for _, s := range []Severity{SeverityMajor, SeverityCritical} {
		if !s.RequiresAction() {
			t.Errorf("%s should require action", s)
		}
	}
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity(" Major ")
	if err != nil || s != SeverityMajor {
		t.Errorf("expected major, got %q %v", s, err)
	}
	if _, err := ParseSeverity("severe"); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestMaxSeverity(t *testing.T) {
	if MaxSeverity(SeverityMinor, SeverityMajor) != SeverityMajor {
		t.Error("expected major")
	}
	if MaxSeverity(SeverityCritical, SeverityMajor) != SeverityCritical {
		t.Error("expected critical")
	}
}

func TestParseAllergySeverity(t *testing.T) {
	tests := []struct {
		in   string
		want AllergySeverity
	}{
		{"", AllergySevere},
		{"mild", AllergyMild},
		{"Life_Threatening", AllergyLifeThreatening},
		{"life threatening", AllergyLifeThreatening},
		{"anaphylaxis", AllergyLifeThreatening},
	}
	for _, tt := range tests {
		got, err := ParseAllergySeverity(tt.in)
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: got %s, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := ParseAllergySeverity("catastrophic"); err == nil {
		t.Error("expected error for unknown allergy severity")
	}
}

func TestAllergySeverity_AlertSeverity(t *testing.T) {
	want := map[AllergySeverity]AlertSeverity{
		AllergyLifeThreatening: AlertCritical,
		AllergySevere:          AlertCritical,
		AllergyModerate:        AlertWarning,
		AllergyMild:            AlertInfo,
		"":                     AlertCritical,
	}
	for in, out := range want {
		if got := in.AlertSeverity(); got != out {
			t.Errorf("%q: got %s, want %s", in, got, out)
		}
	}
}

func TestLevelForScore_Boundaries(t *testing.T) {
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{0, RiskNone},
		{1, RiskLow},
		{19, RiskLow},
		{20, RiskMedium},
		{59, RiskMedium},
		{60, RiskHigh},
		{100, RiskHigh},
	}
	for _, tt := range tests {
		if got := LevelForScore(tt.score); got != tt.want {
			t.Errorf("score %d: got %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestSaturatingWeights(t *testing.T) {
	if Absolute.Weight()*scoreScale < 100 {
		t.Error("absolute contraindication must saturate the score alone")
	}
	if DoseToxic.Weight()*scoreScale < 100 {
		t.Error("toxic dose must saturate the score alone")
	}
	if Relative.Weight() != 2 {
		t.Errorf("relative weight = %d, want 2", Relative.Weight())
	}
}

func TestParseHepaticFunction(t *testing.T) {
	if h, err := ParseHepaticFunction(""); err != nil || h != HepaticNormal {
		t.Errorf("empty should be normal, got %q %v", h, err)
	}
	if h, err := ParseHepaticFunction("Severe"); err != nil || h != HepaticSevere {
		t.Errorf("expected severe, got %q %v", h, err)
	}
	if _, err := ParseHepaticFunction("failing"); err == nil {
		t.Error("expected error")
	}
}

func TestParseDegradedPolicy(t *testing.T) {
	if p, _ := ParseDegradedPolicy(""); p != DegradedOverride {
		t.Errorf("default should be override, got %q", p)
	}
	if p, _ := ParseDegradedPolicy("BLOCK"); p != DegradedBlock {
		t.Errorf("expected block, got %q", p)
	}
	if _, err := ParseDegradedPolicy("ignore"); err == nil {
		t.Error("expected error")
	}
}
