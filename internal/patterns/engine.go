package patterns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zorak1103/ha-patterns/internal/logging"
)

// DefaultDetectorTimeout is the wall-clock budget of a single detector.
const DefaultDetectorTimeout = 30 * time.Second

// ErrDetectorTimeout is reported for a detector that exceeded its budget.
var ErrDetectorTimeout = errors.New("detector timed out")

// Recorder receives per-detector and per-run outcomes. Implementations must
// be safe for concurrent use.
type Recorder interface {
	ObserveDetector(t PatternType, d time.Duration, found int, err error)
	ObserveRun(events int, d time.Duration)
}

// Report is the aggregated outcome of one engine run.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	EventCount int
	Results    map[PatternType][]Result
	// Failures holds the error text of detectors that failed or timed out.
	// A type missing from both Results and Failures was not run.
	Failures map[PatternType]string
}

// All returns every result ordered by pattern type, then by descending
// confidence.
func (r *Report) All() []Result {
	var all []Result
	for _, t := range AllPatternTypes() {
		all = append(all, r.Results[t]...)
	}
	return all
}

// Counts returns the number of results per pattern type.
func (r *Report) Counts() map[PatternType]int {
	counts := make(map[PatternType]int, len(r.Results))
	for t, rs := range r.Results {
		counts[t] = len(rs)
	}
	return counts
}

// Engine runs a set of independent detectors over one event batch.
type Engine struct {
	detectors []Detector
	timeout   time.Duration
	recorder  Recorder
	logger    *logging.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTimeout sets the per-detector budget. Zero disables the budget.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine over the given detectors.
func NewEngine(detectors []Detector, opts ...EngineOption) *Engine {
	e := &Engine{
		detectors: detectors,
		timeout:   DefaultDetectorTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Default()
	}
	return e
}

// Detectors returns the pattern types the engine runs, in order.
func (e *Engine) Detectors() []PatternType {
	types := make([]PatternType, len(e.detectors))
	for i, d := range e.detectors {
		types[i] = d.Type()
	}
	return types
}

type outcome struct {
	results []Result
	err     error
}

// Run executes every detector concurrently over events. Detector failures,
// panics and timeouts never abort the run; they are logged and listed in
// Report.Failures. Run only returns early when ctx is cancelled, in which
// case the partial report is returned with ctx's error.
func (e *Engine) Run(ctx context.Context, events []Event) (*Report, error) {
	report := &Report{
		RunID:      uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		EventCount: len(events),
		Results:    make(map[PatternType][]Result, len(e.detectors)),
		Failures:   make(map[PatternType]string),
	}
	log := e.logger.With("run_id", report.RunID)
	log.Debug("Pattern detection started", "events", len(events), "detectors", len(e.detectors))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range e.detectors {
		g.Go(func() error {
			start := time.Now()
			res, err := e.runOne(gctx, d, events)
			elapsed := time.Since(start)

			if e.recorder != nil {
				e.recorder.ObserveDetector(d.Type(), elapsed, len(res), err)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Error("Pattern detection failed", "pattern_type", d.Type().String(), "error", err, "duration", elapsed)
				report.Failures[d.Type()] = err.Error()
				report.Results[d.Type()] = []Result{}
				return nil
			}
			sortResults(res)
			report.Results[d.Type()] = res
			log.Debug("Detector finished", "pattern_type", d.Type().String(), "patterns", len(res), "duration", elapsed)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = time.Now().UTC()
	if e.recorder != nil {
		e.recorder.ObserveRun(len(events), report.FinishedAt.Sub(report.StartedAt))
	}
	log.Info("Pattern detection finished",
		"patterns", len(report.All()),
		"failed", len(report.Failures),
		"duration", report.FinishedAt.Sub(report.StartedAt))

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("pattern detection interrupted: %w", err)
	}
	return report, nil
}

// runOne runs a single detector under the engine's budget. Detection itself
// cannot be interrupted, so a timed-out detector is abandoned and its late
// result discarded.
func (e *Engine) runOne(ctx context.Context, d Detector, events []Event) ([]Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		res, err := DetectAndFilterErr(d, events)
		done <- outcome{results: res, err: err}
	}()

	select {
	case out := <-done:
		return out.results, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &DetectorError{Type: d.Type(), Err: ErrDetectorTimeout}
		}
		return nil, &DetectorError{Type: d.Type(), Err: ctx.Err()}
	}
}

// sortResults orders results by descending confidence, then by description
// so output is stable.
func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Confidence != rs[j].Confidence {
			return rs[i].Confidence > rs[j].Confidence
		}
		return rs[i].Description < rs[j].Description
	})
}
