// ABOUTME: Text generation contract used by stages, plus a deterministic offline implementation.
// ABOUTME: Generated text is read as a lead line followed by "- " bullet items.
package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Generator produces text for a system instruction and a prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Offline is a deterministic Generator that needs no network. It derives a
// lead sentence and bullets from the prompt's most frequent key terms.
type Offline struct {
	// Bullets is the number of items emitted (default 5).
	Bullets int
}

// Generate implements Generator.
func (o Offline) Generate(ctx context.Context, system, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n := o.Bullets
	if n <= 0 {
		n = 5
	}
	terms := keyTerms(prompt, n)
	if len(terms) == 0 {
		terms = []string{"overview"}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s covering %s.\n", leadFor(system), strings.Join(terms, ", "))
	for _, t := range terms {
		fmt.Fprintf(&b, "- %s\n", titleCase(t))
	}
	return b.String(), nil
}

func leadFor(system string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(system), ".")
	if first == "" {
		return "Notes"
	}
	return first
}

var stopWords = map[string]bool{
	"about": true, "after": true, "again": true, "their": true, "there": true,
	"these": true, "those": true, "which": true, "while": true, "would": true,
	"should": true, "could": true, "other": true, "where": true, "write": true,
	"section": true, "sources": true, "topic": true, "with": true, "from": true,
	"that": true, "this": true, "what": true, "when": true, "into": true,
}

// keyTerms returns up to n lowercase words of four or more letters, most
// frequent first, ties broken by first appearance.
func keyTerms(text string, n int) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	})
	counts := map[string]int{}
	first := map[string]int{}
	for i, w := range words {
		w = strings.Trim(w, "-")
		if len([]rune(w)) < 4 || stopWords[w] {
			continue
		}
		if _, ok := first[w]; !ok {
			first[w] = i
		}
		counts[w]++
	}
	terms := make([]string, 0, len(counts))
	for w := range counts {
		terms = append(terms, w)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return first[terms[i]] < first[terms[j]]
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

func titleCase(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// parseBullets splits generated text into its lead line and "- " items.
// Numbered items ("1. x") and "* x" are accepted too.
func parseBullets(text string) (lead string, items []string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if item, ok := bulletItem(line); ok {
			if item != "" {
				items = append(items, item)
			}
			continue
		}
		if lead == "" {
			lead = line
		}
	}
	return lead, items
}

func bulletItem(line string) (string, bool) {
	for _, p := range []string{"- ", "* ", "• "} {
		if rest, ok := strings.CutPrefix(line, p); ok {
			return strings.TrimSpace(rest), true
		}
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i+1 < len(line) && (line[i] == '.' || line[i] == ')') && line[i+1] == ' ' {
		return strings.TrimSpace(line[i+2:]), true
	}
	return "", false
}
