package scraper

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-actors/dom"
	"github.com/aluiziolira/go-scrape-actors/extract"
	"github.com/aluiziolira/go-scrape-actors/models"
	"github.com/aluiziolira/go-scrape-actors/pipeline"
)

type idElement struct {
	id string
}

func (e idElement) Attribute(name string) (string, bool, error) {
	if name == "id" {
		return e.id, true, nil
	}
	return "", false, nil
}

func (e idElement) Text() (string, error) {
	return e.id, nil
}

func (e idElement) QueryAll(string) ([]dom.Element, error) {
	return nil, nil
}

// idExtractor emits one record per element, keyed by the element id.
type idExtractor struct{}

func (idExtractor) Extract(elements []dom.Element) ([]models.Record, extract.Report, error) {
	report := extract.Report{Elements: len(elements)}
	records := make([]models.Record, 0, len(elements))
	for _, el := range elements {
		id, _, err := el.Attribute("id")
		if err != nil {
			return records, report, err
		}
		if id == "" {
			report.MissingIdentifier++
			continue
		}
		records = append(records, models.Record{Identifier: id, Title: "Actor " + id})
	}
	return records, report, nil
}

// fakeSurface serves scripted batches, one per RecordElements call. The
// last batch repeats once the script runs out.
type fakeSurface struct {
	batches    [][]string
	grow       bool
	failQuery  int
	scrollErrs map[int]error
	height     func(scrolls int) float64

	queries int
	scrolls int
}

func (s *fakeSurface) ScrollToBottom(context.Context) error {
	s.scrolls++
	if err, ok := s.scrollErrs[s.scrolls]; ok {
		return err
	}
	return nil
}

func (s *fakeSurface) ScrollHeight(context.Context) (float64, error) {
	if s.height != nil {
		return s.height(s.scrolls), nil
	}
	return float64(s.scrolls * 1000), nil
}

func (s *fakeSurface) WaitForQuiescence(context.Context, time.Duration) error {
	return nil
}

func (s *fakeSurface) RecordElements(context.Context) ([]dom.Element, error) {
	s.queries++
	if s.failQuery > 0 && s.queries >= s.failQuery {
		return nil, dom.Unavailable("query", errors.New("target closed"))
	}

	var ids []string
	switch {
	case s.grow:
		for i := 0; i < s.queries; i++ {
			ids = append(ids, fmt.Sprintf("actor-%d", i))
		}
	case len(s.batches) > 0:
		idx := min(s.queries-1, len(s.batches)-1)
		ids = s.batches[idx]
	}

	out := make([]dom.Element, len(ids))
	for i, id := range ids {
		out[i] = idElement{id: id}
	}
	return out, nil
}

type clickingSurface struct {
	*fakeSurface
	clicks int
}

func (s *clickingSurface) ClickLoadMore(context.Context, string) (bool, error) {
	s.clicks++
	return true, nil
}

type textSurface struct {
	*fakeSurface
	text string
}

func (s *textSurface) PageText(context.Context) (string, error) {
	return s.text, nil
}

// fakeClock records sleeps instead of performing them.
type fakeClock struct {
	now     time.Time
	sleeps  []time.Duration
	onSleep func(n int)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	if c.onSleep != nil {
		c.onSleep(len(c.sleeps))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

func testOptions(threshold int) Options {
	return Options{
		StagnationThreshold: threshold,
		MaxIterations:       350,
		SettleDelay:         time.Second,
		SettleDelayMax:      4 * time.Second,
		QuiescenceTimeout:   time.Second,
		Clock:               newFakeClock(),
	}
}

func newTestHarvester(t *testing.T, surface Surface, acc *pipeline.Accumulator, opts Options) *Harvester {
	t.Helper()
	h, err := NewHarvester(surface, idExtractor{}, acc, opts)
	if err != nil {
		t.Fatalf("new harvester: %v", err)
	}
	return h
}

func identifiers(records []models.Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.Identifier
	}
	return ids
}

func TestHarvesterConvergesAfterStagnantRounds(t *testing.T) {
	surface := &fakeSurface{batches: [][]string{{"a"}, {"a", "b"}, {"a", "b"}}}
	h := newTestHarvester(t, surface, nil, testOptions(4))

	result, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != models.StateConverged {
		t.Fatalf("state = %s, want CONVERGED", result.State)
	}
	if got, want := identifiers(result.Records), []string{"a", "b"}; !slices.Equal(got, want) {
		t.Fatalf("records = %v, want %v", got, want)
	}
	if result.Iterations != 6 {
		t.Fatalf("iterations = %d, want 6", result.Iterations)
	}
	if result.StagnantRounds != 4 {
		t.Fatalf("stagnant rounds = %d, want 4", result.StagnantRounds)
	}
	if surface.scrolls != 5 {
		t.Fatalf("scrolls = %d, want 5", surface.scrolls)
	}
}

func TestHarvesterConvergenceBound(t *testing.T) {
	tests := []struct {
		productive int
		threshold  int
	}{
		{productive: 1, threshold: 1},
		{productive: 3, threshold: 2},
		{productive: 7, threshold: 5},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("k%d_t%d", tt.productive, tt.threshold), func(t *testing.T) {
			var batches [][]string
			var ids []string
			for i := 0; i < tt.productive; i++ {
				ids = append(ids, fmt.Sprintf("actor-%d", i))
				batches = append(batches, slices.Clone(ids))
			}
			h := newTestHarvester(t, &fakeSurface{batches: batches}, nil, testOptions(tt.threshold))

			result, err := h.Run(context.Background())
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if result.State != models.StateConverged {
				t.Fatalf("state = %s, want CONVERGED", result.State)
			}
			if want := tt.productive + tt.threshold; result.Iterations != want {
				t.Fatalf("iterations = %d, want %d", result.Iterations, want)
			}
			if len(result.Records) != tt.productive {
				t.Fatalf("records = %d, want %d", len(result.Records), tt.productive)
			}
		})
	}
}

func TestHarvesterKeepsPartialResultsOnSurfaceFailure(t *testing.T) {
	surface := &fakeSurface{
		batches:   [][]string{{"a"}, {"a", "b"}, {"a", "b", "c"}},
		failQuery: 3,
	}
	h := newTestHarvester(t, surface, nil, testOptions(4))

	result, err := h.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error from failed surface")
	}
	if !errors.Is(err, dom.ErrUnavailable) {
		t.Fatalf("error %v does not wrap dom.ErrUnavailable", err)
	}
	if result == nil {
		t.Fatalf("result must not be nil on abort")
	}
	if result.State != models.StateAborted {
		t.Fatalf("state = %s, want ABORTED", result.State)
	}
	if got, want := identifiers(result.Records), []string{"a", "b"}; !slices.Equal(got, want) {
		t.Fatalf("records = %v, want %v", got, want)
	}
	if result.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", result.Iterations)
	}
	if result.ErrorsByType["surface_unavailable"] != 1 {
		t.Fatalf("errors by type = %v", result.ErrorsByType)
	}
}

func TestHarvesterSoftScrollFailureCountsAsStagnant(t *testing.T) {
	surface := &fakeSurface{
		batches:    [][]string{{"a"}, {"a"}, {"a", "b"}},
		scrollErrs: map[int]error{1: errors.New("scroll script threw")},
	}
	h := newTestHarvester(t, surface, nil, testOptions(2))

	result, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != models.StateConverged {
		t.Fatalf("state = %s, want CONVERGED", result.State)
	}
	if result.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", result.Iterations)
	}
	if result.ScrollFailures != 1 {
		t.Fatalf("scroll failures = %d, want 1", result.ScrollFailures)
	}
	if result.ErrorsByType["scroll_failed"] != 1 {
		t.Fatalf("errors by type = %v", result.ErrorsByType)
	}
	if got, want := identifiers(result.Records), []string{"a"}; !slices.Equal(got, want) {
		t.Fatalf("records = %v, want %v", got, want)
	}
}

func TestHarvesterHardScrollFailureAborts(t *testing.T) {
	surface := &fakeSurface{
		batches:    [][]string{{"a"}, {"a", "b"}},
		scrollErrs: map[int]error{2: dom.Unavailable("scroll", errors.New("session closed"))},
	}
	h := newTestHarvester(t, surface, nil, testOptions(4))

	result, err := h.Run(context.Background())
	var unavailable ErrSurfaceUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want ErrSurfaceUnavailable", err)
	}
	if result.State != models.StateAborted {
		t.Fatalf("state = %s, want ABORTED", result.State)
	}
	if got, want := identifiers(result.Records), []string{"a", "b"}; !slices.Equal(got, want) {
		t.Fatalf("records = %v, want %v", got, want)
	}
}

func TestHarvesterCancellationKeepsRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock()
	clock.onSleep = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	opts := testOptions(4)
	opts.Clock = clock
	h := newTestHarvester(t, &fakeSurface{grow: true}, nil, opts)

	result, err := h.Run(ctx)
	var cancelled ErrCancelled
	if !errors.As(err, &cancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
	if result.State != models.StateAborted || result.Reason != "cancelled" {
		t.Fatalf("state = %s reason = %q, want ABORTED/cancelled", result.State, result.Reason)
	}
	if len(result.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(result.Records))
	}
}

func TestHarvesterExhaustsIterationCap(t *testing.T) {
	opts := testOptions(4)
	opts.MaxIterations = 5
	h := newTestHarvester(t, &fakeSurface{grow: true}, nil, opts)

	result, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != models.StateExhausted {
		t.Fatalf("state = %s, want EXHAUSTED", result.State)
	}
	if result.Iterations != 5 || len(result.Records) != 5 {
		t.Fatalf("iterations = %d records = %d, want 5/5", result.Iterations, len(result.Records))
	}
}

func TestHarvesterClicksLoadMoreOnStagnantRounds(t *testing.T) {
	surface := &clickingSurface{fakeSurface: &fakeSurface{
		batches: [][]string{{"a"}, {"a"}, {"a"}, {"a", "b"}},
	}}
	opts := testOptions(3)
	opts.LoadMoreSelector = "button.load-more"
	h := newTestHarvester(t, surface, nil, opts)

	result, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Iterations != 7 {
		t.Fatalf("iterations = %d, want 7", result.Iterations)
	}
	if surface.clicks != 4 {
		t.Fatalf("clicks = %d, want 4", surface.clicks)
	}
}

func TestHarvesterCheckpoints(t *testing.T) {
	var got []int
	opts := testOptions(4)
	opts.MaxIterations = 5
	opts.CheckpointEvery = 2
	opts.OnCheckpoint = func(iteration int, records []models.Record) {
		got = append(got, iteration, len(records))
	}
	h := newTestHarvester(t, &fakeSurface{grow: true}, nil, opts)

	if _, err := h.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := []int{2, 2, 4, 4}; !slices.Equal(got, want) {
		t.Fatalf("checkpoints = %v, want %v", got, want)
	}
}

func TestHarvesterSettleBackoffWhileHeightFlat(t *testing.T) {
	clock := newFakeClock()
	opts := testOptions(5)
	opts.Clock = clock
	surface := &fakeSurface{
		batches: [][]string{{"a"}},
		height:  func(int) float64 { return 2400 },
	}
	h := newTestHarvester(t, surface, nil, opts)

	if _, err := h.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	if !slices.Equal(clock.sleeps, want) {
		t.Fatalf("sleeps = %v, want %v", clock.sleeps, want)
	}
}

func TestSettleBackoffResetsWhenHeightGrows(t *testing.T) {
	b := newSettleBackoff(time.Second, 8*time.Second)
	steps := []struct {
		grew bool
		want time.Duration
	}{
		{grew: true, want: time.Second},
		{grew: false, want: 2 * time.Second},
		{grew: false, want: 4 * time.Second},
		{grew: false, want: 8 * time.Second},
		{grew: false, want: 8 * time.Second},
		{grew: true, want: time.Second},
	}
	for i, s := range steps {
		if got := b.next(s.grew); got != s.want {
			t.Fatalf("step %d: next(%v) = %v, want %v", i, s.grew, got, s.want)
		}
	}
}

func TestHarvesterSeededAccumulation(t *testing.T) {
	acc := pipeline.NewAccumulator()
	acc.Seed([]models.Record{{Identifier: "a", Title: "from disk"}})

	h := newTestHarvester(t, &fakeSurface{batches: [][]string{{"a", "b"}}}, acc, testOptions(2))
	result, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.SeededRecords != 1 || result.NewRecords != 1 {
		t.Fatalf("seeded = %d new = %d, want 1/1", result.SeededRecords, result.NewRecords)
	}
	if result.Records[0].Title != "from disk" {
		t.Fatalf("seeded record replaced: %+v", result.Records[0])
	}
	if h.Accumulation() != acc || acc.Len() != 2 {
		t.Fatalf("harvester did not grow the seeded accumulation (len %d)", acc.Len())
	}
}

// lossyExtractor adds a fixed set of absorbed problems to every batch.
type lossyExtractor struct {
	extra extract.Report
}

func (x lossyExtractor) Extract(elements []dom.Element) ([]models.Record, extract.Report, error) {
	records, report, err := idExtractor{}.Extract(elements)
	report.MissingIdentifier += x.extra.MissingIdentifier
	report.Unreadable += x.extra.Unreadable
	report.ParseErrors += x.extra.ParseErrors
	return records, report, err
}

func TestHarvesterSeparatesSkippedElementKinds(t *testing.T) {
	tests := []struct {
		name       string
		extra      extract.Report
		wantByType map[string]int
		wantMetric map[string]float64
	}{
		{
			name:       "missing identifiers only",
			extra:      extract.Report{MissingIdentifier: 1},
			wantByType: map[string]int{"identifier_missing": 3},
			wantMetric: map[string]float64{"identifier_missing": 3},
		},
		{
			name:       "unreadable elements only",
			extra:      extract.Report{Unreadable: 2},
			wantByType: map[string]int{"element_unreadable": 6},
			wantMetric: map[string]float64{"element_unreadable": 6},
		},
		{
			name:       "mixed",
			extra:      extract.Report{MissingIdentifier: 1, Unreadable: 2, ParseErrors: 1},
			wantByType: map[string]int{"identifier_missing": 3, "element_unreadable": 6},
			wantMetric: map[string]float64{"identifier_missing": 3, "element_unreadable": 6, "parse": 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewHarvester(&fakeSurface{batches: [][]string{{"a"}}}, lossyExtractor{extra: tt.extra}, nil, testOptions(2))
			if err != nil {
				t.Fatalf("new harvester: %v", err)
			}
			result, err := h.Run(context.Background())
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if result.Iterations != 3 {
				t.Fatalf("iterations = %d, want 3", result.Iterations)
			}

			wantSkipped := 3 * (tt.extra.MissingIdentifier + tt.extra.Unreadable)
			if result.SkippedElements != wantSkipped {
				t.Fatalf("skipped = %d, want %d", result.SkippedElements, wantSkipped)
			}
			if !reflect.DeepEqual(result.ErrorsByType, tt.wantByType) {
				t.Fatalf("errors by type = %v, want %v", result.ErrorsByType, tt.wantByType)
			}

			families, err := h.Metrics.Registry.Gather()
			if err != nil {
				t.Fatalf("gather: %v", err)
			}
			got := map[string]float64{}
			for _, mf := range families {
				if mf.GetName() != "harvester_element_errors_total" {
					continue
				}
				for _, m := range mf.GetMetric() {
					got[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
				}
			}
			if !reflect.DeepEqual(got, tt.wantMetric) {
				t.Fatalf("element error metrics = %v, want %v", got, tt.wantMetric)
			}
		})
	}
}

func TestHarvesterProbesAdvertisedTotal(t *testing.T) {
	surface := &textSurface{
		fakeSurface: &fakeSurface{batches: [][]string{{"a"}}},
		text:        "Store\nShowing 1,234 actors sorted by popularity",
	}
	opts := testOptions(1)
	opts.TotalPattern = `(\d{1,4}(?:,\d{3})*)\s*actors`
	h := newTestHarvester(t, surface, nil, opts)

	result, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExpectedTotal != 1234 {
		t.Fatalf("expected total = %d, want 1234", result.ExpectedTotal)
	}
}

func TestNewHarvesterRejectsBadOptions(t *testing.T) {
	surface := &fakeSurface{}
	if _, err := NewHarvester(surface, idExtractor{}, nil, Options{}); err == nil {
		t.Fatalf("expected error for zero threshold")
	}
	if _, err := NewHarvester(surface, idExtractor{}, nil, Options{StagnationThreshold: 1, TotalPattern: "("}); err == nil {
		t.Fatalf("expected error for invalid total pattern")
	}
	if _, err := NewHarvester(nil, idExtractor{}, nil, Options{StagnationThreshold: 1}); err == nil {
		t.Fatalf("expected error for nil surface")
	}
}

func TestClassifyError(t *testing.T) {
	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name     string
		ctx      context.Context
		op       string
		err      error
		expected string
	}{
		{name: "nil", ctx: context.Background(), op: "scroll", err: nil, expected: "unknown"},
		{name: "context done", ctx: cancelledCtx, op: "scroll", err: errors.New("eval failed"), expected: "cancelled"},
		{name: "deadline", ctx: context.Background(), op: "query", err: context.DeadlineExceeded, expected: "cancelled"},
		{name: "unavailable", ctx: context.Background(), op: "query", err: dom.Unavailable("query", errors.New("detached")), expected: "surface_unavailable"},
		{name: "unavailable scroll", ctx: context.Background(), op: "scroll", err: dom.Unavailable("scroll", errors.New("closed")), expected: "surface_unavailable"},
		{name: "soft scroll", ctx: context.Background(), op: "scroll", err: errors.New("eval failed"), expected: "scroll_failed"},
		{name: "other", ctx: context.Background(), op: "height", err: errors.New("nan"), expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classify(tt.ctx, tt.op, tt.err)); got != tt.expected {
				t.Fatalf("classify(%q, %v) = %q, want %q", tt.op, tt.err, got, tt.expected)
			}
		})
	}
}
