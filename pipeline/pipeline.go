// Package pipeline turns device telemetry into crop predictions: it assembles
// the feature table, runs the model and serializes the enriched rows.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cropcast/apierr"
	"cropcast/ml"
	"cropcast/telemetry"
)

// Source yields the latest row of every device.
type Source interface {
	Fetch(ctx context.Context) ([]telemetry.Row, error)
}

// ModelSource yields the predictor to use for a run.
type ModelSource interface {
	Predictor() (*ml.Predictor, error)
}

// Publisher is told about every successful run.
type Publisher interface {
	Publish(body []byte)
}

// Observer is told about every run, successful or not. outcome is "ok" or
// the failure kind.
type Observer interface {
	ObserveRun(outcome string, took time.Duration, rows int)
}

// Result is the outcome of one run.
type Result struct {
	RunID string
	At    time.Time
	Rows  []EnrichedRow
	Body  []byte
}

type Pipeline struct {
	source    Source
	models    ModelSource
	features  []string
	publisher Publisher
	observer  Observer
	log       *zap.Logger
}

type Option func(*Pipeline)

// WithPublisher registers a publisher for successful runs.
func WithPublisher(p Publisher) Option {
	return func(pl *Pipeline) { pl.publisher = p }
}

// WithObserver registers an observer for every run.
func WithObserver(o Observer) Option {
	return func(pl *Pipeline) { pl.observer = o }
}

// WithFeatures overrides the feature column order.
func WithFeatures(names []string) Option {
	return func(pl *Pipeline) { pl.features = append([]string(nil), names...) }
}

func New(source Source, models ModelSource, log *zap.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{
		source:   source,
		models:   models,
		features: FeatureNames(),
		log:      log.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes fetch, assemble, predict, enrich and serialize once.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	runID := uuid.NewString()
	start := time.Now()
	log := p.log.With(zap.String("run_id", runID))

	result, err := p.run(ctx, runID)
	took := time.Since(start)
	if err != nil {
		kind := apierr.KindOf(err)
		log.Warn("pipeline run failed",
			zap.String("kind", string(kind)),
			zap.Duration("took", took),
			zap.Error(err))
		if p.observer != nil {
			p.observer.ObserveRun(string(kind), took, 0)
		}
		return nil, err
	}
	log.Info("pipeline run complete",
		zap.Int("rows", len(result.Rows)),
		zap.Duration("took", took))

	if p.observer != nil {
		p.observer.ObserveRun("ok", took, len(result.Rows))
	}
	if p.publisher != nil {
		p.publisher.Publish(result.Body)
	}
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, runID string) (*Result, error) {
	predictor, err := p.models.Predictor()
	if err != nil {
		return nil, err
	}
	rows, err := p.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	table, err := Assemble(rows, p.features)
	if err != nil {
		return nil, err
	}
	predictions, err := Predict(predictor, table)
	if err != nil {
		return nil, err
	}
	enriched, err := Enrich(table, predictions)
	if err != nil {
		return nil, err
	}
	body, err := Serialize(enriched)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "serialize", err)
	}
	return &Result{RunID: runID, At: time.Now().UTC(), Rows: enriched, Body: body}, nil
}

// Snapshot holds the result of a single startup run for cached serving. A
// failed run is kept too, so every reader sees the same error.
type Snapshot struct {
	once sync.Once

	mu     sync.RWMutex
	ready  bool
	result *Result
	err    error
}

// Warm runs the pipeline the first time it is called. Later calls are no-ops.
func (s *Snapshot) Warm(ctx context.Context, p *Pipeline) {
	s.once.Do(func() {
		result, err := p.Run(ctx)
		s.mu.Lock()
		s.result, s.err, s.ready = result, err, true
		s.mu.Unlock()
	})
}

// Get returns the stored outcome. Before Warm finishes it reports an Internal
// error.
func (s *Snapshot) Get() (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, apierr.Errorf(apierr.Internal, "snapshot", "no pipeline run yet")
	}
	return s.result, s.err
}
