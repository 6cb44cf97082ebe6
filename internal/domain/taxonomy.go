package domain

import (
	"strings"
	"time"
)

// Taxonomy is a point-in-time snapshot of the valid categories and accounts.
// It is attached to a session at creation, refreshed on every reconciliation
// attempt, and re-read fresh inside the commit transaction; drafts are never
// trusted against a stale set at commit time.
type Taxonomy struct {
	Categories []string  `json:"categories"`
	Accounts   []string  `json:"accounts"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// HasCategory reports membership using the normalized form, so user input
// like "alimentacao" matches the budget's "Alimentação".
func (t *Taxonomy) HasCategory(name string) bool {
	return t.MatchCategory(name) != ""
}

// MatchCategory returns the canonical category name for the given input, or
// "" when there is no match.
func (t *Taxonomy) MatchCategory(name string) string {
	want := NormalizeName(name)
	if want == "" {
		return ""
	}
	for _, c := range t.Categories {
		if NormalizeName(c) == want {
			return c
		}
	}
	return ""
}

// HasAccount reports membership using the normalized form.
func (t *Taxonomy) HasAccount(name string) bool {
	return t.MatchAccount(name) != ""
}

// MatchAccount returns the canonical account name for the given input, or ""
// when there is no match.
func (t *Taxonomy) MatchAccount(name string) string {
	want := NormalizeName(name)
	if want == "" {
		return ""
	}
	for _, a := range t.Accounts {
		if NormalizeName(a) == want {
			return a
		}
	}
	return ""
}

var accentFold = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"í", "i", "ì", "i", "î", "i", "ï", "i",
	"ó", "o", "ò", "o", "ô", "o", "õ", "o", "ö", "o",
	"ú", "u", "ù", "u", "û", "u", "ü", "u",
	"ç", "c", "ñ", "n",
)

// NormalizeName lowercases, trims and strips Portuguese diacritics so that
// taxonomy comparisons are case- and accent-insensitive.
func NormalizeName(s string) string {
	return accentFold.Replace(strings.ToLower(strings.TrimSpace(s)))
}
