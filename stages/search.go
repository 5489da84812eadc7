// ABOUTME: Search contract for the search stage and a searcher over the run's local documents.
// ABOUTME: Documents are split into paragraphs and ranked by query-term overlap.
package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Searcher finds sources for a query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Source, error)
}

// DocumentSearcher searches plain-text and Markdown files.
type DocumentSearcher struct {
	Paths []string
}

// snippetLength bounds source snippets, in runes.
const snippetLength = 240

// Search implements Searcher. An unreadable file fails the whole search so
// the stage can retry.
func (d DocumentSearcher) Search(ctx context.Context, query string, limit int) ([]Source, error) {
	terms := keyTerms(query, 10)
	if len(terms) == 0 {
		return nil, nil
	}

	var hits []Source
	for _, path := range d.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read document %s: %w", path, err)
		}
		for i, para := range paragraphs(string(data)) {
			score := overlap(terms, para)
			if score == 0 {
				continue
			}
			hits = append(hits, Source{
				Title:     fmt.Sprintf("%s ¶%d", filepath.Base(path), i+1),
				Location:  fmt.Sprintf("%s#p%d", path, i+1),
				Snippet:   clip(para, snippetLength),
				Query:     query,
				Relevance: score,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Relevance > hits[j].Relevance })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// paragraphs splits text on blank lines, dropping Markdown headings.
func paragraphs(text string) []string {
	var out []string
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		block = strings.Join(strings.Fields(block), " ")
		if block == "" || strings.HasPrefix(block, "#") {
			continue
		}
		out = append(out, block)
	}
	return out
}

// overlap is the fraction of terms that occur in text.
func overlap(terms []string, text string) float64 {
	lower := strings.ToLower(text)
	found := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			found++
		}
	}
	return float64(found) / float64(len(terms))
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
