package memory

import (
	"math"
	"regexp"
	"strings"
)

// Candidate is a fragment matched by an extraction pattern, before surprise
// filtering.
type Candidate struct {
	Type    string
	Content string
}

// extraction patterns, checked in order. The whole match, minus trailing
// punctuation, is the stored fragment.
var extractionPatterns = []struct {
	memType string
	re      *regexp.Regexp
}{
	{TypeDecision, regexp.MustCompile(`(?i)\b(?:let'?s use|we (?:will|should) use|decided to use|going with|we'll go with)\s+(.{3,120}?)(?:[.!\n]|$)`)},
	{TypeDecision, regexp.MustCompile(`(?i)\b(?:the decision is|we agreed on)\s+(.{3,120}?)(?:[.!\n]|$)`)},
	{TypePreference, regexp.MustCompile(`(?i)\b(?:i prefer|i like|i'?d rather|please always|always use|never use|i want you to)\s+(.{3,120}?)(?:[.!\n]|$)`)},
	{TypeFact, regexp.MustCompile(`(?i)\b(?:note that|keep in mind that|remember that|it turns out)\s+(.{3,160}?)(?:[.!\n]|$)`)},
	{TypeFact, regexp.MustCompile(`(?i)\b(\w[\w .-]{2,40}\s+(?:runs on|is located at|listens on|is written in)\s+.{2,80}?)(?:[.!\n]|$)`)},
	{TypeRelationship, regexp.MustCompile(`(?i)\b(\w[\w .-]{2,40}\s+(?:depends on|connects to|talks to|calls into)\s+.{2,80}?)(?:[.!\n]|$)`)},
	{TypeEntity, regexp.MustCompile(`(?i)\bthe\s+(\w[\w-]{2,40}\s+(?:service|api|module|database|package|repo|repository))\b`)},
}

// Extract scans assistant text for memory candidates. Text with no pattern
// matches yields nothing.
func Extract(text string) []Candidate {
	var out []Candidate
	seen := make(map[string]bool)

	for _, p := range extractionPatterns {
		for _, m := range p.re.FindAllString(text, -1) {
			fragment := strings.TrimSpace(strings.TrimRight(m, ".!\n"))
			key := p.memType + "|" + normalizeText(fragment)
			if fragment == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Candidate{Type: p.memType, Content: fragment})
		}
	}
	return out
}

// baseImportance by memory type.
var baseImportance = map[string]float64{
	TypePreference:   0.7,
	TypeDecision:     0.8,
	TypeFact:         0.6,
	TypeEntity:       0.4,
	TypeRelationship: 0.5,
}

// Importance combines the type base with the surprise bonus.
func Importance(memType string, surprise float64) float64 {
	return clamp01(baseImportance[memType] + 0.3*surprise)
}

// Surprise is 1 minus the highest lexical similarity between the candidate
// and any prior fragment of the same type. No priors means maximally
// surprising.
func Surprise(candidate string, priors []string) float64 {
	maxSim := 0.0
	cv := termVector(candidate)
	for _, p := range priors {
		if sim := cosine(cv, termVector(p)); sim > maxSim {
			maxSim = sim
		}
	}
	return clamp01(1 - maxSim)
}

// termVector builds a term-frequency map over lowercased words.
func termVector(s string) map[string]float64 {
	v := make(map[string]float64)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, `.,!?;:"'()[]{}`)
		if w != "" {
			v[w]++
		}
	}
	return v
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for t, x := range a {
		na += x * x
		if y, ok := b[t]; ok {
			dot += x * y
		}
	}
	for _, y := range b {
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
