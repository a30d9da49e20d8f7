// Package handlers provides the MCP tools and resources for pattern
// detection.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zorak1103/ha-patterns/internal/logging"
	"github.com/zorak1103/ha-patterns/internal/mcp"
	"github.com/zorak1103/ha-patterns/internal/patterns"
	"github.com/zorak1103/ha-patterns/internal/source"
	"github.com/zorak1103/ha-patterns/internal/store"
)

// DefaultLookbackDays is the history window used when none is configured.
const DefaultLookbackDays = 30

// RunStore persists detection runs.
type RunStore interface {
	SaveReport(ctx context.Context, r *patterns.Report) error
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
	Patterns(ctx context.Context, runID string, q store.Query) ([]patterns.Result, error)
}

// Options wires the dependencies of PatternHandlers. Source and Store are
// optional; without a source only inline events can be analyzed.
type Options struct {
	Source       source.Source
	Store        RunStore
	Settings     patterns.Settings
	LookbackDays int
	Timeout      time.Duration
	Recorder     patterns.Recorder
	Logger       *logging.Logger
}

// PatternHandlers provides MCP tools for running and querying pattern
// detection.
type PatternHandlers struct {
	source       source.Source
	store        RunStore
	settings     patterns.Settings
	lookbackDays int
	timeout      time.Duration
	recorder     patterns.Recorder
	logger       *logging.Logger
	now          func() time.Time
}

// NewPatternHandlers creates a new PatternHandlers instance.
func NewPatternHandlers(opts Options) *PatternHandlers {
	h := &PatternHandlers{
		source:       opts.Source,
		store:        opts.Store,
		settings:     opts.Settings,
		lookbackDays: opts.LookbackDays,
		timeout:      opts.Timeout,
		recorder:     opts.Recorder,
		logger:       opts.Logger,
		now:          time.Now,
	}
	if h.settings.Thresholds == (patterns.Thresholds{}) {
		h.settings.Thresholds = patterns.DefaultThresholds()
	}
	if h.lookbackDays <= 0 {
		h.lookbackDays = DefaultLookbackDays
	}
	if h.timeout <= 0 {
		h.timeout = patterns.DefaultDetectorTimeout
	}
	if h.logger == nil {
		h.logger = logging.Default()
	}
	return h
}

// RegisterTools registers all pattern tools and resources with the registry.
func (h *PatternHandlers) RegisterTools(registry *mcp.Registry) {
	registry.RegisterTool(h.detectPatternsTool(), h.handleDetectPatterns)
	registry.RegisterTool(h.listPatternTypesTool(), h.handleListPatternTypes)
	registry.RegisterTool(h.getStoredPatternsTool(), h.handleGetStoredPatterns)
	registry.RegisterTool(h.listRunsTool(), h.handleListRuns)
	registry.RegisterTool(h.calculateConfidenceTool(), h.handleCalculateConfidence)

	registry.RegisterResource(mcp.Resource{
		URI:         typesURI,
		Name:        "Pattern types",
		Description: "The pattern types the detector engine can find",
		MimeType:    "application/json",
	}, h.readTypes)
	registry.RegisterResource(mcp.Resource{
		URI:         runsURI,
		Name:        "Detection runs",
		Description: "Most recent stored detection runs",
		MimeType:    "application/json",
	}, h.readRuns)
	registry.RegisterResourcePrefix(runsURI+"/", h.readRun)
}

const (
	typesURI       = "patterns://types"
	runsURI        = "patterns://runs"
	runsListLimit  = 20
	latestRunAlias = "latest"
)

var unitInterval = struct{ lo, hi float64 }{0, 1}

func (h *PatternHandlers) detectPatternsTool() mcp.Tool {
	return mcp.Tool{
		Name: "detect_patterns",
		Description: "Detect behavioral patterns in Home Assistant entity history. " +
			"Uses the recorder history of the last lookback_days, or the events passed inline.",
		InputSchema: mcp.JSONSchema{
			Type: "object",
			Properties: map[string]mcp.JSONSchema{
				"types": {
					Type:        "array",
					Description: "Pattern types to run (default: all enabled)",
					Items:       &mcp.JSONSchema{Type: "string", Enum: patternTypeNames()},
				},
				"entities": {
					Type:        "array",
					Description: "Only analyze these entity IDs",
					Items:       &mcp.JSONSchema{Type: "string"},
				},
				"lookback_days": {
					Type:        "integer",
					Description: "Days of history to analyze (default from configuration)",
				},
				"min_confidence": {
					Type:        "number",
					Description: "Override the minimum confidence threshold",
					Minimum:     &unitInterval.lo,
					Maximum:     &unitInterval.hi,
				},
				"min_occurrences": {
					Type:        "integer",
					Description: "Override the minimum occurrences threshold",
				},
				"events": {
					Type:        "array",
					Description: "Inline events {entity_id, timestamp, state, area, device_class, attributes} instead of recorder history",
					Items:       &mcp.JSONSchema{Type: "object"},
				},
				"save": {
					Type:        "boolean",
					Description: "Store the run for later queries (default: true when a store is configured)",
				},
			},
		},
	}
}

func (h *PatternHandlers) listPatternTypesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_pattern_types",
		Description: "List the pattern types that can be detected",
		InputSchema: mcp.JSONSchema{Type: "object", Description: "No parameters required"},
	}
}

func (h *PatternHandlers) getStoredPatternsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_stored_patterns",
		Description: "Get patterns from a stored detection run (default: the latest run)",
		InputSchema: mcp.JSONSchema{
			Type: "object",
			Properties: map[string]mcp.JSONSchema{
				"run_id": {Type: "string", Description: "Run ID (default: latest)"},
				"types": {
					Type:        "array",
					Description: "Only these pattern types",
					Items:       &mcp.JSONSchema{Type: "string", Enum: patternTypeNames()},
				},
				"entity_id": {Type: "string", Description: "Only patterns involving this entity"},
				"min_confidence": {
					Type:        "number",
					Description: "Minimum confidence",
					Minimum:     &unitInterval.lo,
					Maximum:     &unitInterval.hi,
				},
				"limit": {Type: "integer", Description: "Maximum number of patterns"},
			},
		},
	}
}

func (h *PatternHandlers) listRunsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_detection_runs",
		Description: "List stored detection runs, newest first",
		InputSchema: mcp.JSONSchema{
			Type: "object",
			Properties: map[string]mcp.JSONSchema{
				"limit": {Type: "integer", Description: "Maximum number of runs (default: 20)"},
			},
		},
	}
}

func (h *PatternHandlers) calculateConfidenceTool() mcp.Tool {
	return mcp.Tool{
		Name:        "calculate_confidence",
		Description: "Compute a pattern confidence: 0.6 x min(occurrences/total_possible, 1) + 0.4 x consistency",
		InputSchema: mcp.JSONSchema{
			Type: "object",
			Properties: map[string]mcp.JSONSchema{
				"occurrences":    {Type: "integer", Description: "Observed occurrences"},
				"total_possible": {Type: "integer", Description: "Opportunities for the pattern to occur"},
				"consistency": {
					Type:        "number",
					Description: "Consistency score",
					Minimum:     &unitInterval.lo,
					Maximum:     &unitInterval.hi,
				},
			},
			Required: []string{"occurrences", "total_possible", "consistency"},
		},
	}
}

// ReportView is the JSON shape of a detection run returned to clients.
type ReportView struct {
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	EventCount int               `json:"event_count"`
	Saved      bool              `json:"saved"`
	StoreError string            `json:"store_error,omitempty"`
	Counts     map[string]int    `json:"counts"`
	Failures   map[string]string `json:"failures,omitempty"`
	Patterns   []patterns.Result `json:"patterns"`
}

// NewReportView flattens a report for output.
func NewReportView(r *patterns.Report) ReportView {
	v := ReportView{
		RunID:      r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		EventCount: r.EventCount,
		Counts:     make(map[string]int, len(r.Results)),
		Patterns:   r.All(),
	}
	for t, n := range r.Counts() {
		v.Counts[t.String()] = n
	}
	if len(r.Failures) > 0 {
		v.Failures = make(map[string]string, len(r.Failures))
		for t, msg := range r.Failures {
			v.Failures[t.String()] = msg
		}
	}
	if v.Patterns == nil {
		v.Patterns = []patterns.Result{}
	}
	return v
}

func (h *PatternHandlers) handleDetectPatterns(ctx context.Context, args map[string]any) (*mcp.ToolsCallResult, error) {
	settings, err := h.settingsFromArgs(args)
	if err != nil {
		return nil, err
	}
	detectors, err := patterns.NewDetectors(settings)
	if err != nil {
		return nil, err
	}
	entities, err := stringSliceArg(args, "entities")
	if err != nil {
		return nil, err
	}
	lookback, ok, err := intArg(args, "lookback_days")
	if err != nil {
		return nil, err
	}
	if !ok {
		lookback = h.lookbackDays
	}
	if lookback <= 0 {
		return nil, fmt.Errorf("lookback_days must be positive")
	}
	save, err := boolArg(args, "save", h.store != nil)
	if err != nil {
		return nil, err
	}

	src, inline, err := h.sourceFor(args)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return mcp.NewErrorResult("No event source configured: pass events inline or connect Home Assistant"), nil
	}

	window := source.LastDays(h.now(), lookback)
	if inline {
		window = source.Window{}
	}
	events, err := src.Events(ctx, window)
	if err != nil {
		return mcp.NewErrorResult("Failed to load events: %v", err), nil
	}
	events = source.FilterEntities(events, entities)

	engine := patterns.NewEngine(detectors,
		patterns.WithTimeout(h.timeout),
		patterns.WithRecorder(h.recorder),
		patterns.WithLogger(h.logger),
	)
	report, err := engine.Run(ctx, events)
	if err != nil {
		return nil, err
	}

	view := NewReportView(report)
	if save {
		if h.store == nil {
			view.StoreError = "pattern store is not configured"
		} else if err := h.store.SaveReport(ctx, report); err != nil {
			h.logger.Error("Failed to store detection run", "run_id", report.RunID, "error", err)
			view.StoreError = err.Error()
		} else {
			view.Saved = true
		}
	}
	return mcp.NewJSONResult(view)
}

// settingsFromArgs applies per-call overrides to the configured settings.
func (h *PatternHandlers) settingsFromArgs(args map[string]any) (patterns.Settings, error) {
	s := h.settings
	types, err := patternTypesArg(args, "types")
	if err != nil {
		return s, err
	}
	if len(types) > 0 {
		s.Enabled = types
	}
	if v, ok, err := floatArg(args, "min_confidence"); err != nil {
		return s, err
	} else if ok {
		s.Thresholds.MinConfidence = v
	}
	if v, ok, err := intArg(args, "min_occurrences"); err != nil {
		return s, err
	} else if ok {
		s.Thresholds.MinOccurrences = v
	}
	return s, nil
}

// sourceFor returns the inline events of a call as a source, or the
// configured source. A missing or null events argument is not inline.
func (h *PatternHandlers) sourceFor(args map[string]any) (src source.Source, inline bool, err error) {
	raw := args["events"]
	if raw == nil {
		return h.source, false, nil
	}
	if _, isList := raw.([]any); !isList {
		return nil, false, fmt.Errorf("events must be an array of event objects")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false, fmt.Errorf("encoding inline events: %w", err)
	}
	events, err := source.ReadEvents(strings.NewReader(string(data)))
	if err != nil {
		return nil, false, fmt.Errorf("invalid inline events: %w", err)
	}
	return source.Static(events), true, nil
}

type patternTypeInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var patternTypeDescriptions = map[patterns.PatternType]string{
	patterns.TimeOfDay:    "Entity activates around the same time of day",
	patterns.CoOccurrence: "One entity reliably activates shortly after another",
	patterns.Sequence:     "Several entities activate in a fixed order",
	patterns.Contextual:   "Entity activates mostly under a specific context such as sun or presence state",
	patterns.Duration:     "Entity stays on for a consistent length of time",
	patterns.DayType:      "Entity activity is concentrated on weekdays, weekends or one weekday",
	patterns.RoomBased:    "Entities in the same area activate together",
	patterns.Seasonal:     "Entity activity is concentrated in one season",
	patterns.Anomaly:      "Entity activates at unusual hours compared to its norm",
	patterns.Frequency:    "Entity activates at a regular hourly, daily or weekly rhythm",
}

func patternTypeInfos() []patternTypeInfo {
	all := patterns.AllPatternTypes()
	infos := make([]patternTypeInfo, len(all))
	for i, t := range all {
		infos[i] = patternTypeInfo{Name: t.String(), Description: patternTypeDescriptions[t]}
	}
	return infos
}

func (h *PatternHandlers) handleListPatternTypes(_ context.Context, _ map[string]any) (*mcp.ToolsCallResult, error) {
	return mcp.NewJSONResult(patternTypeInfos())
}

func (h *PatternHandlers) handleGetStoredPatterns(ctx context.Context, args map[string]any) (*mcp.ToolsCallResult, error) {
	if h.store == nil {
		return mcp.NewErrorResult("Pattern store is not configured"), nil
	}

	runID, err := stringArg(args, "run_id")
	if err != nil {
		return nil, err
	}
	var q store.Query
	if q.Types, err = patternTypesArg(args, "types"); err != nil {
		return nil, err
	}
	if q.EntityID, err = stringArg(args, "entity_id"); err != nil {
		return nil, err
	}
	if v, ok, err := floatArg(args, "min_confidence"); err != nil {
		return nil, err
	} else if ok {
		q.MinConfidence = v
	}
	if v, ok, err := intArg(args, "limit"); err != nil {
		return nil, err
	} else if ok {
		q.Limit = v
	}

	run, err := h.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		if runID == "" {
			return mcp.NewErrorResult("No detection runs stored yet"), nil
		}
		return mcp.NewErrorResult("Detection run %q not found", runID), nil
	}
	if err != nil {
		return mcp.NewErrorResult("Failed to load run: %v", err), nil
	}
	results, err := h.store.Patterns(ctx, run.ID, q)
	if err != nil {
		return mcp.NewErrorResult("Failed to load patterns: %v", err), nil
	}

	return mcp.NewJSONResult(struct {
		Run      *store.Run        `json:"run"`
		Patterns []patterns.Result `json:"patterns"`
	}{Run: run, Patterns: results})
}

func (h *PatternHandlers) handleListRuns(ctx context.Context, args map[string]any) (*mcp.ToolsCallResult, error) {
	if h.store == nil {
		return mcp.NewErrorResult("Pattern store is not configured"), nil
	}
	limit, ok, err := intArg(args, "limit")
	if err != nil {
		return nil, err
	}
	if !ok {
		limit = runsListLimit
	}
	runs, err := h.store.ListRuns(ctx, limit)
	if err != nil {
		return mcp.NewErrorResult("Failed to list runs: %v", err), nil
	}
	return mcp.NewJSONResult(runs)
}

func (h *PatternHandlers) handleCalculateConfidence(_ context.Context, args map[string]any) (*mcp.ToolsCallResult, error) {
	occurrences, ok, err := intArg(args, "occurrences")
	if err != nil {
		return nil, err
	}
	if !ok || occurrences < 0 {
		return nil, fmt.Errorf("occurrences is required and must be >= 0")
	}
	total, ok, err := intArg(args, "total_possible")
	if err != nil {
		return nil, err
	}
	if !ok || total < 0 {
		return nil, fmt.Errorf("total_possible is required and must be >= 0")
	}
	consistency, ok, err := floatArg(args, "consistency")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("consistency is required")
	}

	return mcp.NewJSONResult(map[string]float64{
		"confidence": patterns.CalculateConfidence(occurrences, total, consistency),
	})
}

func (h *PatternHandlers) readTypes(_ context.Context, uri string) (*mcp.ResourcesReadResult, error) {
	return mcp.NewJSONResource(uri, patternTypeInfos())
}

func (h *PatternHandlers) readRuns(ctx context.Context, uri string) (*mcp.ResourcesReadResult, error) {
	if h.store == nil {
		return mcp.NewJSONResource(uri, []store.Run{})
	}
	runs, err := h.store.ListRuns(ctx, runsListLimit)
	if err != nil {
		return nil, err
	}
	return mcp.NewJSONResource(uri, runs)
}

func (h *PatternHandlers) readRun(ctx context.Context, uri string) (*mcp.ResourcesReadResult, error) {
	if h.store == nil {
		return nil, fmt.Errorf("pattern store is not configured")
	}
	id := strings.TrimPrefix(uri, runsURI+"/")
	if id == latestRunAlias {
		id = ""
	}
	run, err := h.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	results, err := h.store.Patterns(ctx, run.ID, store.Query{})
	if err != nil {
		return nil, err
	}
	return mcp.NewJSONResource(uri, struct {
		Run      *store.Run        `json:"run"`
		Patterns []patterns.Result `json:"patterns"`
	}{Run: run, Patterns: results})
}
