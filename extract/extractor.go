// Package extract turns rendered record elements into records.
package extract

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/aluiziolira/go-scrape-actors/config"
	"github.com/aluiziolira/go-scrape-actors/dom"
	"github.com/aluiziolira/go-scrape-actors/models"
	"github.com/aluiziolira/go-scrape-actors/parser"
)

// ParseError reports a field that was present but could not be parsed.
type ParseError struct {
	Identifier string
	Field      string
	Raw        string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("parse %s for %s: %q", e.Field, e.Identifier, e.Raw)
}

// Report counts what was absorbed while extracting one batch.
type Report struct {
	Elements int
	// MissingIdentifier counts elements dropped because no identifier
	// could be derived from their link.
	MissingIdentifier int
	// Unreadable counts elements dropped because a field accessor failed.
	Unreadable  int
	ParseErrors int
}

// Skipped is the number of elements that produced no record.
func (r Report) Skipped() int {
	return r.MissingIdentifier + r.Unreadable
}

// skip records why element i was dropped.
func (r *Report) skip(i int, err error) {
	if errors.Is(err, parser.ErrIdentifierMissing) {
		r.MissingIdentifier++
	} else {
		r.Unreadable++
	}
	slog.Debug("record element skipped", slog.Int("index", i), slog.Any("error", err))
}

// Extractor reads records from rendered elements. It holds no state
// between calls, so extracting an unchanged page twice yields equal output.
type Extractor struct {
	selectors config.Selectors
	baseURL   string
}

// New builds an extractor for the given field selectors. Relative links are
// resolved against baseURL.
func New(selectors config.Selectors, baseURL string) *Extractor {
	return &Extractor{selectors: selectors, baseURL: baseURL}
}

// Extract parses every element in document order. Per-element failures are
// absorbed and counted; only failures wrapping dom.ErrUnavailable abort the
// batch.
func (x *Extractor) Extract(elements []dom.Element) ([]models.Record, Report, error) {
	report := Report{Elements: len(elements)}
	records := make([]models.Record, 0, len(elements))

	for i, el := range elements {
		href, err := x.Link(el)
		if err != nil {
			if errors.Is(err, dom.ErrUnavailable) {
				return records, report, err
			}
			report.skip(i, err)
			continue
		}

		record, parseErrs, err := x.Parse(el, href)
		if err != nil {
			if errors.Is(err, dom.ErrUnavailable) {
				return records, report, err
			}
			report.skip(i, err)
			continue
		}
		for _, pe := range parseErrs {
			report.ParseErrors++
			slog.Debug("record field unparsed", slog.Any("error", pe))
		}
		records = append(records, record)
	}

	return records, report, nil
}

// Link returns the element's link: its own href, or the href of the first
// Link selector match.
func (x *Extractor) Link(el dom.Element) (string, error) {
	if href, ok, err := el.Attribute("href"); err != nil {
		return "", err
	} else if ok && href != "" {
		return href, nil
	}

	linkEl, ok, err := dom.First(el, x.selectors.Link)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", parser.ErrIdentifierMissing
	}
	href, ok, err := linkEl.Attribute("href")
	if err != nil {
		return "", err
	}
	if !ok || href == "" {
		return "", parser.ErrIdentifierMissing
	}
	return href, nil
}

// Parse reads one record from el whose link has already been resolved.
func (x *Extractor) Parse(el dom.Element, href string) (models.Record, []ParseError, error) {
	id, err := parser.IdentifierFromHref(href)
	if err != nil {
		return models.Record{}, nil, err
	}

	record := models.Record{
		Identifier: id,
		URL:        parser.ResolveURL(x.baseURL, href),
	}
	if record.Title, err = x.text(el, x.selectors.Title); err != nil {
		return models.Record{}, nil, err
	}
	if record.Description, err = x.text(el, x.selectors.Description); err != nil {
		return models.Record{}, nil, err
	}
	if record.Author, err = x.text(el, x.selectors.Author); err != nil {
		return models.Record{}, nil, err
	}

	stats, err := dom.FirstAll(el, x.selectors.Stats)
	if err != nil {
		return models.Record{}, nil, err
	}
	var usersRaw, ratingRaw string
	if len(stats) > 0 {
		if usersRaw, err = stats[0].Text(); err != nil {
			return models.Record{}, nil, err
		}
	}
	if len(stats) > 1 {
		if ratingRaw, err = stats[1].Text(); err != nil {
			return models.Record{}, nil, err
		}
	}

	var parseErrs []ParseError
	users, ok := parser.ParseUserCount(usersRaw)
	if !ok {
		parseErrs = append(parseErrs, ParseError{Identifier: id, Field: "users", Raw: usersRaw})
	}
	rating, ok := parser.ParseRating(ratingRaw)
	if !ok {
		parseErrs = append(parseErrs, ParseError{Identifier: id, Field: "rating", Raw: ratingRaw})
	}
	record.Users = users
	record.Rating = rating

	return record, parseErrs, nil
}

func (x *Extractor) text(el dom.Element, selectors []string) (string, error) {
	found, ok, err := dom.First(el, selectors)
	if err != nil || !ok {
		return "", err
	}
	text, err := found.Text()
	if err != nil {
		return "", err
	}
	return parser.NormalizeText(text), nil
}
