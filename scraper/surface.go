package scraper

import (
	"context"
	"time"

	"github.com/aluiziolira/go-scrape-actors/dom"
	"github.com/aluiziolira/go-scrape-actors/extract"
	"github.com/aluiziolira/go-scrape-actors/models"
)

// Surface is the rendered catalog page. The harvester owns it exclusively
// for the duration of a run. Errors wrapping dom.ErrUnavailable mean the
// page can no longer be used.
type Surface interface {
	ScrollToBottom(ctx context.Context) error
	ScrollHeight(ctx context.Context) (float64, error)
	WaitForQuiescence(ctx context.Context, timeout time.Duration) error
	RecordElements(ctx context.Context) ([]dom.Element, error)
}

// LoadMoreClicker is implemented by surfaces that can press a "load more"
// control. clicked is false when no such control is on the page.
type LoadMoreClicker interface {
	ClickLoadMore(ctx context.Context, selector string) (clicked bool, err error)
}

// TextSource is implemented by surfaces that expose the page's visible text.
type TextSource interface {
	PageText(ctx context.Context) (string, error)
}

// Extractor turns rendered elements into records. *extract.Extractor and
// *extract.CachingExtractor both satisfy it.
type Extractor interface {
	Extract(elements []dom.Element) ([]models.Record, extract.Report, error)
}
