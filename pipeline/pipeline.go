package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aluiziolira/go-scrape-actors/models"
	"github.com/aluiziolira/go-scrape-actors/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(records []models.Record) error
	Close() error
	Validate() error
}

// Pipeline validates, de-duplicates, and batches records into an
// OutputWriter. Records are written in the order they are processed.
type Pipeline struct {
	writer    OutputWriter
	batchSize int

	batch []models.Record
	seen  map[string]struct{}

	metrics metrics

	mu     sync.Mutex // guards everything above
	closed bool
	err    error
}

// NewPipeline builds a pipeline flushing every batchSize records.
func NewPipeline(writer OutputWriter, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Pipeline{
		writer:    writer,
		batchSize: batchSize,
		batch:     make([]models.Record, 0, batchSize),
		seen:      make(map[string]struct{}),
		metrics:   newMetrics(),
	}
}

// Process queues records for writing, flushing full batches.
func (p *Pipeline) Process(records ...models.Record) error {
	if len(records) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	if p.closed {
		return ErrPipelineClosed
	}

	for i := range records {
		if !p.prepareLocked(&records[i]) {
			continue
		}
		p.batch = append(p.batch, records[i])
		if len(p.batch) >= p.batchSize {
			if err := p.flushLocked(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close flushes the pending batch and closes the writer.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return p.err
	}
	p.closed = true

	flushErr := p.flushLocked()
	if err := p.writer.Close(); err != nil && flushErr == nil {
		p.err = fmt.Errorf("close writer: %w", err)
	}
	return p.err
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

func (p *Pipeline) prepareLocked(r *models.Record) bool {
	if err := parser.ValidateRecord(r); err != nil {
		p.metrics.addValidation("invalid_record")
		slog.Debug("record rejected", slog.String("slug", r.Identifier), slog.Any("error", err))
		return false
	}
	if _, ok := p.seen[r.Identifier]; ok {
		p.metrics.addValidation("duplicate_slug")
		return false
	}
	p.seen[r.Identifier] = struct{}{}
	p.metrics.incrementProcessed()
	return true
}

func (p *Pipeline) flushLocked() error {
	if len(p.batch) == 0 {
		return nil
	}
	if err := p.writer.Write(p.batch); err != nil {
		p.err = fmt.Errorf("write batch: %w", err)
		return p.err
	}
	p.metrics.addWritten(len(p.batch))
	p.batch = p.batch[:0]
	return nil
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	written    int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) addWritten(n int) {
	m.mu.Lock()
	m.written += int64(n)
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_records": m.processed,
		"written_records":   m.written,
		"validation_errors": copyValidation,
	}
}
