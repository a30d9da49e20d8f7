package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/zorak1103/ha-patterns/internal/patterns"
)

// ErrInvalidEvent is returned when an event record lacks an entity id or a
// timestamp.
var ErrInvalidEvent = errors.New("invalid event")

// FileSource reads events from a JSON file. The file is either a single
// array of events or one event object per line.
type FileSource struct {
	path string
}

// NewFileSource creates a source that reads path on every call.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Events implements Source. Events are returned in timestamp order.
func (s *FileSource) Events(ctx context.Context, w Window) ([]patterns.Event, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening events file: %w", err)
	}
	defer f.Close()

	events, err := ReadEvents(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	return Static(events).Events(ctx, w)
}

// ReadEvents decodes a JSON array or JSON lines stream of events and sorts
// them by timestamp.
func ReadEvents(r io.Reader) ([]patterns.Event, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return []patterns.Event{}, nil
		}
		return nil, err
	}

	var events []patterns.Event
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&events); err != nil {
			return nil, fmt.Errorf("decoding event array: %w", err)
		}
		for i, e := range events {
			if err := checkEvent(e); err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
		}
	} else {
		events, err = readLines(br)
		if err != nil {
			return nil, err
		}
	}

	slices.SortStableFunc(events, func(a, b patterns.Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	if events == nil {
		events = []patterns.Event{}
	}
	return events, nil
}

func readLines(r io.Reader) ([]patterns.Event, error) {
	var events []patterns.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e patterns.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := checkEvent(e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning events: %w", err)
	}
	return events, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

func checkEvent(e patterns.Event) error {
	if e.EntityID == "" {
		return fmt.Errorf("%w: missing entity_id", ErrInvalidEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp for %s", ErrInvalidEvent, e.EntityID)
	}
	return nil
}

// WriteEvents encodes events as JSON lines.
func WriteEvents(w io.Writer, events []patterns.Event) error {
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encoding event %s: %w", e.EntityID, err)
		}
	}
	return nil
}
