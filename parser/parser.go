// Package parser normalises the raw strings read from record elements.
package parser

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-scrape-actors/models"
)

// ErrIdentifierMissing is returned when no identifier can be derived from a link.
var ErrIdentifierMissing = errors.New("parser: identifier missing")

var (
	// The whole string must be read: digits, optionally grouped by comma,
	// space or no-break space, an optional fraction, a multiplier and a
	// trailing unit word.
	countRegex  = regexp.MustCompile(`(?i)^(\d{1,3}(?:[, \x{00A0}]\d{3})+|\d+)(?:[.,](\d+))?\s*(thousand|million|billion|[kmb])?\s*(users?|\+)?$`)
	ratingRegex = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
)

var multipliers = map[string]float64{
	"":         1,
	"k":        1e3,
	"thousand": 1e3,
	"m":        1e6,
	"million":  1e6,
	"b":        1e9,
	"billion":  1e9,
}

// ValidateRecord ensures the extractor captured a mergeable record.
func ValidateRecord(r *models.Record) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(r.Identifier) == "" {
		return ErrIdentifierMissing
	}
	if r.Users.Known && r.Users.Value < 0 {
		return fmt.Errorf("record %s has negative user count", r.Identifier)
	}
	if r.Rating.Known && (r.Rating.Value < 0 || r.Rating.Value > 5) {
		return fmt.Errorf("record %s has rating %v outside [0,5]", r.Identifier, r.Rating.Value)
	}
	return nil
}

// NormalizeText trims surrounding whitespace and collapses inner runs of it.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// IdentifierFromHref takes the final path segment of a link.
func IdentifierFromHref(href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", ErrIdentifierMissing
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentifierMissing, err)
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return "", ErrIdentifierMissing
	}
	segment := path.Base(p)
	if segment == "." || segment == "/" || segment == "" {
		return "", ErrIdentifierMissing
	}
	return segment, nil
}

// ResolveURL makes href absolute against base. The raw href is returned
// when either side cannot be parsed.
func ResolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	b, err := url.Parse(base)
	if err != nil || b.Host == "" {
		return href
	}
	return b.ResolveReference(ref).String()
}

// ParseUserCount turns display strings such as "2.3k", "1,234 users" or
// "15 thousand" into an integer. The second result is false when s carries
// text that is not wholly a count; such text is never partially read.
func ParseUserCount(s string) (models.Count, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.Count{}, true
	}
	m := countRegex.FindStringSubmatch(s)
	if m == nil {
		return models.Count{}, false
	}

	number := strings.NewReplacer(",", "", " ", "", "\u00a0", "").Replace(m[1])
	if m[2] != "" {
		number += "." + m[2]
	}
	v, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return models.Count{}, false
	}
	mult, ok := multipliers[strings.ToLower(m[3])]
	if !ok {
		return models.Count{}, false
	}
	total := math.Round(v * mult)
	if total > math.MaxInt64 {
		return models.Count{}, false
	}
	return models.KnownCount(int64(total)), true
}

// ParseRating reads a decimal rating in [0,5]. Absent ratings are legitimate
// and come back unknown with ok=true; text that is present but unreadable
// comes back unknown with ok=false.
func ParseRating(s string) (models.Rating, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.Rating{}, true
	}
	found := ratingRegex.FindString(s)
	if found == "" {
		return models.Rating{}, false
	}
	v, err := strconv.ParseFloat(strings.Replace(found, ",", ".", 1), 64)
	if err != nil || v < 0 || v > 5 {
		return models.Rating{}, false
	}
	return models.KnownRating(v), true
}
