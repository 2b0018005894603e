package selector

import (
	"testing"
)

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		in   scoreInput
		want float64
	}{
		{"single visible", scoreInput{weight: 1, matchCount: 1, visible: true, valid: true}, 1.0},
		{"weighted", scoreInput{weight: 0.8, matchCount: 1, visible: true, valid: true}, 0.8},
		{"ambiguous", scoreInput{weight: 1, matchCount: 4, visible: true, valid: true}, 0.25},
		{"hidden", scoreInput{weight: 1, matchCount: 1, visible: false, valid: true}, 0.7},
		{"invalid", scoreInput{weight: 1, matchCount: 1, visible: true, valid: false}, 0},
		{"no matches", scoreInput{weight: 1, matchCount: 0, visible: true, valid: true}, 0},
		{"text exact", scoreInput{weight: 1, matchCount: 1, visible: true, valid: true,
			text: "Arsenal", wantText: "Arsenal"}, 1.0},
		{"text case and space", scoreInput{weight: 1, matchCount: 1, visible: true, valid: true,
			text: "  ARSENAL ", wantText: "arsenal"}, 1.0},
		{"text too far", scoreInput{weight: 1, matchCount: 1, visible: true, valid: true,
			text: "Chelsea", wantText: "Arsenal"}, 0},
		{"rounded", scoreInput{weight: 1, matchCount: 3, visible: true, valid: true}, 0.333},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := confidence(tt.in); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"", "", 1},
		{"abc", "abc", 1},
		{"abcd", "abcx", 0.75},
		{"abc", "xyz", 0},
	}
	for _, tt := range tests {
		if got := similarity(tt.a, tt.b); got != tt.want {
			t.Errorf("similarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestValidationRules(t *testing.T) {
	fv := func(f float64) *float64 { return &f }
	tests := []struct {
		name string
		v    *Validation
		text string
		want bool
	}{
		{"nil passes", nil, "anything", true},
		{"required empty", &Validation{Required: true}, "  ", false},
		{"optional empty", &Validation{MinLength: 5}, "", true},
		{"min length", &Validation{MinLength: 3}, "ab", false},
		{"max length", &Validation{MaxLength: 3}, "abcd", false},
		{"pattern match", &Validation{Pattern: `^\d+-\d+$`}, "2-1", true},
		{"pattern miss", &Validation{Pattern: `^\d+-\d+$`}, "TBD", false},
		{"number ok", &Validation{Type: "number", MinValue: fv(0), MaxValue: fv(100)}, "42.5", true},
		{"number not a number", &Validation{Type: "number"}, "soon", false},
		{"number too big", &Validation{MaxValue: fv(10)}, "11", false},
		{"number with thousands sep", &Validation{Type: "number"}, "1,250", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.v != nil {
				if err := tt.v.compile(); err != nil {
					t.Fatal(err)
				}
			}
			if got := tt.v.validate(tt.text); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatsReport(t *testing.T) {
	s := NewStats()
	s.Success("a.b", "css", 0.9, 10e6)
	s.Success("a.b", "css", 0.7, 20e6)
	s.Failure("a.b", 30e6)
	s.CacheHit("a.b")

	rep := s.Report()
	if len(rep) != 1 {
		t.Fatalf("got %d entries, want 1", len(rep))
	}
	ns := rep[0]
	if ns.Resolutions != 3 || ns.Failures != 1 || ns.CacheHits != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/1/1", ns.Resolutions, ns.Failures, ns.CacheHits)
	}
	if ns.ByStrategy["css"] != 2 {
		t.Errorf("css successes = %d, want 2", ns.ByStrategy["css"])
	}
	if got := ns.Confidence; got < 0.79 || got > 0.81 {
		t.Errorf("avg confidence = %v, want 0.8", got)
	}
	if ns.LatencyMS["p50"] != 20 {
		t.Errorf("p50 = %v, want 20", ns.LatencyMS["p50"])
	}
}
