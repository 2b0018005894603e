package selector

import (
	"math"
	"strconv"
	"strings"

	"github.com/hazyhaar/domscout/driver"
)

// Score factors for one candidate. Factors multiply; any zero factor
// disqualifies the candidate outright.
type scoreInput struct {
	weight     float64
	matchCount int
	visible    bool
	text       string
	wantText   string // empty unless the strategy anchors on text
	valid      bool
}

const (
	hiddenPenalty     = 0.7
	similarityCutoff  = 0.5
	confidenceDigits  = 3
	confidenceRounder = 1000 // 10^confidenceDigits
)

// confidence combines the factors into a [0,1] score rounded to three
// decimal places.
func confidence(in scoreInput) float64 {
	if !in.valid || in.matchCount == 0 {
		return 0
	}
	score := in.weight
	score *= 1 / float64(in.matchCount)
	if !in.visible {
		score *= hiddenPenalty
	}
	if in.wantText != "" {
		sim := similarity(normalizeText(in.text), normalizeText(in.wantText))
		if sim < similarityCutoff {
			return 0
		}
		score *= sim
	}
	return math.Round(score*confidenceRounder) / confidenceRounder
}

// similarity is 1 - normalized Levenshtein distance. Identical strings
// score 1; strings sharing nothing score 0.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// validate applies the descriptor's validation rules to the candidate's
// text. A nil Validation always passes.
func (v *Validation) validate(text string) bool {
	if v == nil {
		return true
	}
	trimmed := strings.TrimSpace(text)
	if v.Required && trimmed == "" {
		return false
	}
	if trimmed == "" && !v.Required {
		return true
	}
	if v.MinLength > 0 && len(trimmed) < v.MinLength {
		return false
	}
	if v.MaxLength > 0 && len(trimmed) > v.MaxLength {
		return false
	}
	if v.pattern != nil && !v.pattern.MatchString(trimmed) {
		return false
	}
	if v.Type == "number" || v.MinValue != nil || v.MaxValue != nil {
		n, err := strconv.ParseFloat(strings.ReplaceAll(trimmed, ",", ""), 64)
		if err != nil {
			return v.Type != "number" && v.MinValue == nil && v.MaxValue == nil
		}
		if v.MinValue != nil && n < *v.MinValue {
			return false
		}
		if v.MaxValue != nil && n > *v.MaxValue {
			return false
		}
	}
	return true
}

// anchorText returns the text a strategy expects the element to carry,
// or empty when the strategy does not anchor on text. Role strategies
// anchor on the accessible name when one is declared.
func anchorText(st Strategy) string {
	switch {
	case st.Kind == driver.KindText && st.Position == "":
		return st.Text
	case st.Kind == driver.KindRole && st.Name != "":
		return st.Name
	}
	return ""
}
