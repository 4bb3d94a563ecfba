package librarian

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/haasonsaas/libagent/pkg/models"
)

const maxTagLength = 64

// NormalizeTag lower-cases a tag, strips accents and collapses whitespace.
// "  Réseaux   Neuronaux " becomes "reseaux neuronaux".
func NormalizeTag(tag string) string {
	out := fold(tag)
	if r := []rune(out); len(r) > maxTagLength {
		out = strings.TrimSpace(string(r[:maxTagLength]))
	}
	return out
}

func fold(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, text)
	if err != nil {
		stripped = text
	}
	return strings.Join(strings.Fields(cases.Lower(language.Und).String(stripped)), " ")
}

var stopwords = map[string]bool{
	"about": true, "above": true, "after": true, "again": true, "against": true, "also": true,
	"among": true, "based": true, "been": true, "being": true, "between": true, "both": true,
	"can": true, "could": true, "does": true, "doing": true, "during": true, "each": true,
	"from": true, "have": true, "having": true, "here": true, "into": true, "more": true,
	"most": true, "much": true, "need": true, "only": true, "other": true, "over": true,
	"paper": true, "propose": true, "proposed": true, "same": true, "show": true, "some": true,
	"such": true, "than": true, "that": true, "their": true, "them": true, "then": true,
	"there": true, "these": true, "they": true, "this": true, "those": true, "through": true,
	"under": true, "using": true, "very": true, "were": true, "what": true, "when": true,
	"where": true, "which": true, "while": true, "with": true, "within": true, "without": true,
	"would": true, "your": true, "results": true, "approach": true, "method": true, "methods": true,
	"solely": true, "towards": true, "toward": true, "new": true, "novel": true, "study": true,
}

// SuggestTags proposes up to n tags for an item from its title and
// abstract. Title words weigh three times as much as abstract words, title
// bigrams twice. Tags the item already has are skipped.
func SuggestTags(item *models.Item, n int) []string {
	scores := map[string]int{}
	title := tokens(item.Title)
	for _, w := range title {
		scores[w] += 3
	}
	for i := 0; i+1 < len(title); i++ {
		scores[title[i]+" "+title[i+1]] += 2
	}
	for _, w := range tokens(item.Abstract) {
		scores[w]++
	}

	existing := map[string]bool{}
	for _, t := range item.Tags {
		existing[NormalizeTag(t)] = true
	}

	candidates := make([]string, 0, len(scores))
	for tag := range scores {
		if !existing[tag] {
			candidates = append(candidates, tag)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if scores[candidates[i]] != scores[candidates[j]] {
			return scores[candidates[i]] > scores[candidates[j]]
		}
		return candidates[i] < candidates[j]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// tokens splits text into normalized content words of at least four
// characters. Stopwords and numbers are dropped.
func tokens(text string) []string {
	fields := strings.FieldsFunc(fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if len([]rune(f)) < 4 || stopwords[f] || isNumber(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
