package source

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zorak1103/ha-patterns/internal/homeassistant"
	"github.com/zorak1103/ha-patterns/internal/logging"
	"github.com/zorak1103/ha-patterns/internal/patterns"
)

var t0 = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

// mockClient implements homeassistant.Client with canned data.
type mockClient struct {
	homeassistant.Client

	states     []homeassistant.Entity
	history    map[string][]homeassistant.HistoryEntry
	entities   []homeassistant.EntityRegistryEntry
	devices    []homeassistant.DeviceRegistryEntry
	areas      []homeassistant.AreaRegistryEntry
	historyErr error
	registErr  error

	gotIDs []string
}

func (m *mockClient) GetStates(context.Context) ([]homeassistant.Entity, error) {
	return m.states, nil
}

func (m *mockClient) GetHistory(_ context.Context, ids []string, _, _ time.Time) (map[string][]homeassistant.HistoryEntry, error) {
	m.gotIDs = ids
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history, nil
}

func (m *mockClient) GetEntityRegistry(context.Context) ([]homeassistant.EntityRegistryEntry, error) {
	return m.entities, m.registErr
}

func (m *mockClient) GetDeviceRegistry(context.Context) ([]homeassistant.DeviceRegistryEntry, error) {
	return m.devices, nil
}

func (m *mockClient) GetAreaRegistry(context.Context) ([]homeassistant.AreaRegistryEntry, error) {
	return m.areas, nil
}

func unix(t time.Time) float64 {
	return float64(t.Unix())
}

func TestWindow_Contains(t *testing.T) {
	t.Parallel()

	w := Window{Start: t0, End: t0.Add(time.Hour)}
	tests := []struct {
		name string
		w    Window
		at   time.Time
		want bool
	}{
		{name: "start is inclusive", w: w, at: t0, want: true},
		{name: "end is exclusive", w: w, at: t0.Add(time.Hour), want: false},
		{name: "before start", w: w, at: t0.Add(-time.Second), want: false},
		{name: "open window", w: Window{}, at: time.Time{}, want: true},
		{name: "open end", w: Window{Start: t0}, at: t0.AddDate(1, 0, 0), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.w.Contains(tt.at); got != tt.want {
				t.Errorf("Contains(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestLastDays(t *testing.T) {
	t.Parallel()

	w := LastDays(t0, 7)
	if !w.End.Equal(t0) || !w.Start.Equal(t0.AddDate(0, 0, -7)) {
		t.Errorf("LastDays() = %+v", w)
	}
}

func TestFilterEntities(t *testing.T) {
	t.Parallel()

	events := []patterns.Event{
		{EntityID: "light.a", Timestamp: t0},
		{EntityID: "light.b", Timestamp: t0},
		{EntityID: "light.a", Timestamp: t0.Add(time.Minute)},
	}

	if got := FilterEntities(events, nil); len(got) != 3 {
		t.Errorf("FilterEntities(nil) kept %d events, want 3", len(got))
	}
	got := FilterEntities(events, []string{"light.a"})
	if len(got) != 2 || got[0].EntityID != "light.a" || got[1].EntityID != "light.a" {
		t.Errorf("FilterEntities(light.a) = %+v", got)
	}
}

func TestHistorySource_Events(t *testing.T) {
	t.Parallel()

	client := &mockClient{
		states: []homeassistant.Entity{{EntityID: "light.kitchen"}, {EntityID: "binary_sensor.hall"}},
		history: map[string][]homeassistant.HistoryEntry{
			"light.kitchen": {
				{State: "off", LastUpdated: unix(t0)},
				{State: "on", LastChanged: unix(t0.Add(time.Hour)), Attributes: map[string]any{"brightness": 200}},
				{State: "on", LastUpdated: unix(t0.Add(90 * time.Minute)), Attributes: map[string]any{"brightness": 120}},
				{State: "off", LastChanged: unix(t0.Add(2 * time.Hour))},
			},
			"binary_sensor.hall": {
				{State: "on", LastChanged: unix(t0.Add(30 * time.Minute)), Attributes: map[string]any{"device_class": "motion"}},
			},
		},
		entities: []homeassistant.EntityRegistryEntry{
			{EntityID: "light.kitchen", DeviceID: "dev1"},
			{EntityID: "binary_sensor.hall", AreaID: "hallway", OriginalDeviceClass: "occupancy"},
		},
		devices: []homeassistant.DeviceRegistryEntry{{ID: "dev1", AreaID: "kitchen"}},
		areas:   []homeassistant.AreaRegistryEntry{{AreaID: "kitchen", Name: "Kitchen"}},
	}

	src := NewHistorySource(client, WithAttributes("brightness"), WithLogger(logging.Discard()))
	got, err := src.Events(context.Background(), Window{Start: t0, End: t0.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}

	want := []patterns.Event{
		{EntityID: "light.kitchen", Timestamp: t0, State: "off", Area: "Kitchen"},
		{EntityID: "binary_sensor.hall", Timestamp: t0.Add(30 * time.Minute), State: "on", Area: "hallway", DeviceClass: "motion"},
		{EntityID: "light.kitchen", Timestamp: t0.Add(time.Hour), State: "on", Area: "Kitchen", Attributes: map[string]string{"brightness": "200"}},
		{EntityID: "light.kitchen", Timestamp: t0.Add(2 * time.Hour), State: "off", Area: "Kitchen", Attributes: map[string]string{"brightness": "120"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Events() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"binary_sensor.hall", "light.kitchen"}, client.gotIDs); diff != "" {
		t.Errorf("queried entities mismatch (-want +got):\n%s", diff)
	}
}

func TestHistorySource_ConfiguredEntitiesAndRegistryFailure(t *testing.T) {
	t.Parallel()

	client := &mockClient{
		history: map[string][]homeassistant.HistoryEntry{
			"switch.fan": {{State: "on", LastChanged: unix(t0)}},
		},
		registErr: errors.New("registry unavailable"),
	}

	src := NewHistorySource(client, WithEntities("switch.fan"), WithLogger(logging.Discard()))
	got, err := src.Events(context.Background(), Window{Start: t0})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	want := []patterns.Event{{EntityID: "switch.fan", Timestamp: t0, State: "on"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Events() mismatch (-want +got):\n%s", diff)
	}
}

func TestHistorySource_HistoryError(t *testing.T) {
	t.Parallel()

	client := &mockClient{historyErr: errors.New("boom")}
	src := NewHistorySource(client, WithEntities("light.a"), WithLogger(logging.Discard()))

	_, err := src.Events(context.Background(), Window{})
	if err == nil || !strings.Contains(err.Error(), "loading history") {
		t.Errorf("Events() error = %v, want loading history error", err)
	}
}

func TestHistorySource_NoEntities(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	got, err := NewHistorySource(client, WithLogger(logging.Discard())).Events(context.Background(), Window{})
	if err != nil || len(got) != 0 {
		t.Errorf("Events() = %v, %v, want empty", got, err)
	}
	if client.gotIDs != nil {
		t.Error("history should not be queried without entities")
	}
}

func TestReadEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		wantIDs   []string
		wantErrIs error
		wantErr   string
	}{
		{
			name: "array sorted by time",
			input: `[
				{"entity_id":"light.b","timestamp":"2026-03-02T08:00:00Z","state":"on"},
				{"entity_id":"light.a","timestamp":"2026-03-02T07:00:00Z","state":"on"}
			]`,
			wantIDs: []string{"light.a", "light.b"},
		},
		{
			name: "json lines with blank lines",
			input: `{"entity_id":"light.a","timestamp":"2026-03-02T07:00:00Z","state":"on"}

{"entity_id":"light.a","timestamp":"2026-03-02T07:05:00Z","state":"off"}
`,
			wantIDs: []string{"light.a", "light.a"},
		},
		{name: "empty input", input: "   \n", wantIDs: []string{}},
		{
			name:      "missing entity id",
			input:     `{"timestamp":"2026-03-02T07:00:00Z","state":"on"}`,
			wantErrIs: ErrInvalidEvent,
		},
		{
			name:      "missing timestamp in array",
			input:     `[{"entity_id":"light.a","state":"on"}]`,
			wantErrIs: ErrInvalidEvent,
		},
		{
			name: "naive timestamps",
			input: `{"entity_id":"light.b","timestamp":"2024-01-06 09:30:00","state":"on"}
{"entity_id":"light.a","timestamp":"2024-01-06T09:00:00","state":"on"}`,
			wantIDs: []string{"light.a", "light.b"},
		},
		{
			name:    "unparseable timestamp",
			input:   `[{"entity_id":"light.a","timestamp":"soon","state":"on"}]`,
			wantErr: "invalid timestamp",
		},
		{
			name:    "broken line reports line number",
			input:   "{\"entity_id\":\"light.a\",\"timestamp\":\"2026-03-02T07:00:00Z\"}\n{oops",
			wantErr: "line 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ReadEvents(strings.NewReader(tt.input))
			if tt.wantErrIs != nil || tt.wantErr != "" {
				if err == nil {
					t.Fatal("ReadEvents() expected error")
				}
				if tt.wantErrIs != nil && !errors.Is(err, tt.wantErrIs) {
					t.Errorf("ReadEvents() error = %v, want %v", err, tt.wantErrIs)
				}
				if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("ReadEvents() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadEvents() error = %v", err)
			}
			ids := make([]string, 0, len(got))
			for _, e := range got {
				ids = append(ids, e.EntityID)
			}
			if diff := cmp.Diff(tt.wantIDs, ids); diff != "" {
				t.Errorf("entity order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFileSource_RoundTrip(t *testing.T) {
	t.Parallel()

	events := []patterns.Event{
		{EntityID: "light.a", Timestamp: t0, State: "on", Area: "Kitchen"},
		{EntityID: "light.a", Timestamp: t0.Add(48 * time.Hour), State: "off", Attributes: map[string]string{"brightness": "0"}},
	}
	var buf bytes.Buffer
	if err := WriteEvents(&buf, events); err != nil {
		t.Fatalf("WriteEvents() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	src := NewFileSource(path)
	got, err := src.Events(context.Background(), Window{})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if diff := cmp.Diff(events, got); diff != "" {
		t.Errorf("Events() mismatch (-want +got):\n%s", diff)
	}

	got, err = src.Events(context.Background(), Window{End: t0.Add(time.Hour)})
	if err != nil || len(got) != 1 {
		t.Errorf("windowed Events() = %v, %v, want 1 event", got, err)
	}

	if _, err := NewFileSource(filepath.Join(t.TempDir(), "missing.json")).Events(context.Background(), Window{}); err == nil {
		t.Error("Events() on a missing file should fail")
	}
}

func TestReadEvents_NaiveTimestampIsLocal(t *testing.T) {
	t.Parallel()

	got, err := ReadEvents(strings.NewReader(`{"entity_id":"light.a","timestamp":"2024-01-06T09:00:00","state":"on"}`))
	if err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}
	want := time.Date(2024, 1, 6, 9, 0, 0, 0, time.Local)
	if len(got) != 1 || !got[0].Timestamp.Equal(want) {
		t.Fatalf("ReadEvents() = %+v, want one event at %v", got, want)
	}
	if h := got[0].Timestamp.Hour(); h != 9 {
		t.Errorf("Hour() = %d, want 9", h)
	}
}
