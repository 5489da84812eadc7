// ABOUTME: Heuristic draft scoring and source-similarity measurement for evaluation and compliance.
// ABOUTME: Also holds the sentence helpers shared by the writing and redraft steps.
package stages

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

// minCopiedWords is the shortest source sentence that counts as copied text.
const minCopiedWords = 5

// wordsPerSection is the length target used when scoring a draft.
const wordsPerSection = 120

// Evaluate scores a draft out of 100 against its plan and verified sources.
// Coverage is worth 40, citations 30, source support 15, and length 15.
func Evaluate(d Draft, plan Plan, v Verification, passThreshold float64) Evaluation {
	planned := max(len(plan.Sections), 1)
	written, cited := 0, 0
	for _, s := range d.Sections {
		if strings.TrimSpace(s.Body) != "" {
			written++
		}
		if len(s.Citations) > 0 {
			cited++
		}
	}

	coverage := math.Min(1, float64(written)/float64(planned))
	citation := 0.0
	if len(d.Sections) > 0 {
		citation = float64(cited) / float64(len(d.Sections))
	}
	support := math.Min(1, float64(len(v.Accepted))/float64(planned))
	length := math.Min(1, float64(d.WordCount)/float64(wordsPerSection*planned))

	score := 40*coverage + 30*citation + 15*support + 15*length

	var risks []string
	if written < len(plan.Sections) {
		risks = append(risks, fmt.Sprintf("%d planned sections not written", len(plan.Sections)-written))
	}
	if missing := len(d.Sections) - cited; missing > 0 {
		risks = append(risks, fmt.Sprintf("%d sections without citations", missing))
	}
	if len(v.Accepted) == 0 {
		risks = append(risks, "no verified sources")
	}
	if length < 1 {
		risks = append(risks, "draft shorter than target length")
	}

	score = math.Round(score*10) / 10
	return Evaluation{Score: score, PassThreshold: passThreshold, Passed: score >= passThreshold, Risks: risks}
}

// Similarity returns the fraction of draft sentences that reproduce a
// sentence from one of the sources, and the set of offending sentences.
func Similarity(d Draft, sources []Source) (float64, map[string]bool) {
	var needles []string
	for _, s := range sources {
		for _, sent := range sentences(s.Snippet) {
			n := normalize(sent)
			if len(strings.Fields(n)) >= minCopiedWords {
				needles = append(needles, n)
			}
		}
	}

	copied := map[string]bool{}
	total, hits := 0, 0
	for _, sec := range d.Sections {
		for _, sent := range sentences(sec.Body) {
			total++
			n := normalize(sent)
			for _, needle := range needles {
				if strings.Contains(n, needle) {
					copied[sent] = true
					hits++
					break
				}
			}
		}
	}
	if total == 0 {
		return 0, copied
	}
	return round2(float64(hits) / float64(total)), copied
}

// sentences splits text after '.', '!' or '?' followed by whitespace.
func sentences(text string) []string {
	var out []string
	r := []rune(strings.TrimSpace(text))
	start := 0
	for i := 0; i < len(r); i++ {
		if r[i] != '.' && r[i] != '!' && r[i] != '?' {
			continue
		}
		if i+1 < len(r) && !unicode.IsSpace(r[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(r[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(r[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func firstSentence(text string) string {
	if s := sentences(text); len(s) > 0 {
		return s[0]
	}
	return ""
}

// sentence trims s and ends it with a full stop.
func sentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?") {
		return s
	}
	return strings.TrimRight(s, ",;:…") + "."
}

// normalize lowercases s and reduces it to words separated by single spaces.
func normalize(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

func nonEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wordCount(d Draft) int {
	n := 0
	for _, s := range d.Sections {
		n += len(strings.Fields(s.Body))
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
