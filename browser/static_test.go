package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-scrape-actors/config"
	"github.com/aluiziolira/go-scrape-actors/dom"
	"github.com/aluiziolira/go-scrape-actors/extract"
	"github.com/aluiziolira/go-scrape-actors/models"
	"github.com/aluiziolira/go-scrape-actors/scraper"
)

type actorCard struct {
	slug   string
	title  string
	users  string
	rating string
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func buildStorePage(cards []actorCard) string {
	var builder strings.Builder
	builder.WriteString("<html><body><h1>Store</h1><p>Showing 3 actors</p><main>")
	for _, c := range cards {
		builder.WriteString(`<div data-test="actor-card">`)
		fmt.Fprintf(&builder, `<a href="/%s">`, c.slug)
		fmt.Fprintf(&builder, "<h3>%s</h3>", c.title)
		fmt.Fprintf(&builder, `<p class="ActorStoreItem-desc">Scrapes %s</p>`, c.title)
		builder.WriteString(`<p class="ActorStoreItem-user-fullname">Apify</p>`)
		fmt.Fprintf(&builder, `<div class="ActorStoreItem-item"><p>%s</p></div>`, c.users)
		fmt.Fprintf(&builder, `<div class="ActorStoreItem-item"><p>%s</p></div>`, c.rating)
		builder.WriteString("</a></div>")
	}
	builder.WriteString("</main></body></html>")
	return builder.String()
}

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Unix(0, 0) }

func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func staticConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.TargetURL = "http://store.test/store"
	cfg.Browser = "static"
	cfg.StagnationThreshold = 2
	cfg.SettleJitter = 0
	return cfg
}

func newMockedStatic(t *testing.T, cfg *config.Config, transport *httpmock.MockTransport) *StaticSurface {
	t.Helper()
	s, err := NewStaticSurface(cfg)
	if err != nil {
		t.Fatalf("new static surface: %v", err)
	}
	s.collector.WithTransport(transport)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func TestStaticSurfaceHarvestConverges(t *testing.T) {
	cfg := staticConfig()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://store.test/store", htmlResponder(buildStorePage([]actorCard{
		{slug: "apify/web-scraper", title: "Web Scraper", users: "12.5k", rating: "4.6"},
		{slug: "apify/google-search", title: "Google Search", users: "1,204", rating: "4.9"},
		{slug: "apify/google-search/", title: "Google Search (again)", users: "1,204", rating: "4.9"},
		{slug: "jane/tiktok", title: "TikTok", users: "", rating: "unrated"},
	})))

	surface := newMockedStatic(t, cfg, transport)
	defer surface.Close()

	opts := scraper.OptionsFromConfig(cfg)
	opts.Clock = instantClock{}
	h, err := scraper.NewHarvester(surface, extract.New(cfg.Selectors, cfg.TargetURL), nil, opts)
	if err != nil {
		t.Fatalf("new harvester: %v", err)
	}

	result, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != models.StateConverged {
		t.Fatalf("state = %s, want CONVERGED", result.State)
	}
	if result.Iterations != 3 {
		t.Fatalf("iterations = %d, want 3", result.Iterations)
	}
	if result.ExpectedTotal != 3 {
		t.Fatalf("expected total = %d, want 3", result.ExpectedTotal)
	}

	want := []string{"web-scraper", "google-search", "tiktok"}
	if len(result.Records) != len(want) {
		t.Fatalf("records = %d, want %d", len(result.Records), len(want))
	}
	for i, id := range want {
		if result.Records[i].Identifier != id {
			t.Fatalf("record %d = %q, want %q", i, result.Records[i].Identifier, id)
		}
	}

	first := result.Records[0]
	if first.Users.Value != 12500 || !first.Users.Known {
		t.Fatalf("users = %+v, want 12500", first.Users)
	}
	if first.Rating.Value != 4.6 || !first.Rating.Known {
		t.Fatalf("rating = %+v, want 4.6", first.Rating)
	}
	if first.URL != "http://store.test/apify/web-scraper" {
		t.Fatalf("url = %q", first.URL)
	}
	if result.Records[1].Title != "Google Search" {
		t.Fatalf("duplicate sighting replaced first: %q", result.Records[1].Title)
	}
	last := result.Records[2]
	if last.Users.Known || last.Rating.Known {
		t.Fatalf("expected unknown stats, got %+v / %+v", last.Users, last.Rating)
	}
}

func TestStaticSurfaceLoadError(t *testing.T) {
	cfg := staticConfig()
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://store.test/store", httpmock.NewStringResponder(404, "gone"))

	s, err := NewStaticSurface(cfg)
	if err != nil {
		t.Fatalf("new static surface: %v", err)
	}
	s.collector.WithTransport(transport)

	if err := s.Load(context.Background()); err == nil {
		t.Fatalf("expected error for 404 page")
	}
	if _, err := s.RecordElements(context.Background()); !errors.Is(err, dom.ErrUnavailable) {
		t.Fatalf("record elements error = %v, want ErrUnavailable", err)
	}
}

func TestSurfaceErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{name: "target closed", err: errors.New("cdp: Target closed"), unavailable: true},
		{name: "closed conn", err: errors.New("read tcp: use of closed network connection"), unavailable: true},
		{name: "detached node", err: errors.New("No node with given id found"), unavailable: false},
		{name: "context", err: context.Canceled, unavailable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := surfaceError("query", tt.err)
			if errors.Is(got, dom.ErrUnavailable) != tt.unavailable {
				t.Fatalf("surfaceError(%v) = %v, unavailable want %v", tt.err, got, tt.unavailable)
			}
		})
	}
}

func TestQuiescenceTimeoutIsNotAnError(t *testing.T) {
	if err := quiescenceError(context.Background(), fmt.Errorf("wait: %w", context.DeadlineExceeded)); err != nil {
		t.Fatalf("timeout should be swallowed, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := quiescenceError(ctx, context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation must pass through, got %v", err)
	}
}
