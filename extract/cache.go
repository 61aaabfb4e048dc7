package extract

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/aluiziolira/go-scrape-actors/dom"
	"github.com/aluiziolira/go-scrape-actors/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

type cachedRecord struct {
	record      models.Record
	parseErrors int
}

// CachingExtractor memoises parsed records by element link. Overlapping
// scroll passes re-read the same elements many times, and on a live
// browser every field lookup is a round trip; a hit costs one attribute
// read. Records do not change within a run, so output matches the wrapped
// extractor exactly.
type CachingExtractor struct {
	inner *Extractor
	cache *lru.Cache[string, cachedRecord]
}

// NewCaching wraps inner with a memo of at most size entries.
func NewCaching(inner *Extractor, size int) (*CachingExtractor, error) {
	cache, err := lru.New[string, cachedRecord](size)
	if err != nil {
		return nil, fmt.Errorf("create extract cache: %w", err)
	}
	return &CachingExtractor{inner: inner, cache: cache}, nil
}

// Extract behaves like Extractor.Extract.
func (c *CachingExtractor) Extract(elements []dom.Element) ([]models.Record, Report, error) {
	report := Report{Elements: len(elements)}
	records := make([]models.Record, 0, len(elements))

	for i, el := range elements {
		href, err := c.inner.Link(el)
		if err != nil {
			if errors.Is(err, dom.ErrUnavailable) {
				return records, report, err
			}
			report.skip(i, err)
			continue
		}

		if hit, ok := c.cache.Get(href); ok {
			report.ParseErrors += hit.parseErrors
			records = append(records, hit.record)
			continue
		}

		record, parseErrs, err := c.inner.Parse(el, href)
		if err != nil {
			if errors.Is(err, dom.ErrUnavailable) {
				return records, report, err
			}
			report.skip(i, err)
			continue
		}
		for _, pe := range parseErrs {
			slog.Debug("record field unparsed", slog.Any("error", pe))
		}
		report.ParseErrors += len(parseErrs)
		c.cache.Add(href, cachedRecord{record: record, parseErrors: len(parseErrs)})
		records = append(records, record)
	}

	return records, report, nil
}

// Len returns the number of memoised records.
func (c *CachingExtractor) Len() int {
	return c.cache.Len()
}
