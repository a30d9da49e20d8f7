package mcp

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zorak1103/ha-patterns/internal/logging"
)

func textTool(text string) ToolHandler {
	return func(context.Context, map[string]any) (*ToolsCallResult, error) {
		return &ToolsCallResult{Content: []ContentBlock{NewTextContent(text)}}, nil
	}
}

func textResource(text string) ResourceHandler {
	return func(_ context.Context, uri string) (*ResourcesReadResult, error) {
		return &ResourcesReadResult{Contents: []ResourceContent{{URI: uri, Text: text}}}, nil
	}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if r.ToolCount() != 0 {
		t.Errorf("ToolCount() = %d, want 0", r.ToolCount())
	}
	if r.ResourceCount() != 0 {
		t.Errorf("ResourceCount() = %d, want 0", r.ResourceCount())
	}
	if len(r.ListTools()) != 0 || len(r.ListResources()) != 0 {
		t.Error("new registry should list nothing")
	}
}

func TestRegistry_RegisterTool(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	tool := Tool{
		Name:        "detect_patterns",
		Description: "Detect patterns",
		InputSchema: JSONSchema{Type: "object"},
	}
	r.RegisterTool(tool, textTool("ok"))

	got, exists := r.GetTool("detect_patterns")
	if !exists {
		t.Fatal("GetTool() returned false, want true")
	}
	if diff := cmp.Diff(tool, got); diff != "" {
		t.Errorf("GetTool() mismatch (-want +got):\n%s", diff)
	}

	handler, exists := r.GetHandler("detect_patterns")
	if !exists {
		t.Fatal("GetHandler() returned false, want true")
	}
	res, err := handler(context.Background(), nil)
	if err != nil || res.Content[0].Text != "ok" {
		t.Errorf("handler() = %+v, %v", res, err)
	}

	if _, exists := r.GetTool("missing"); exists {
		t.Error("GetTool() returned true for missing tool")
	}
	if _, exists := r.GetHandler("missing"); exists {
		t.Error("GetHandler() returned true for missing tool")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, name := range []string{"list_pattern_types", "detect_patterns", "get_stored_patterns"} {
		r.RegisterTool(Tool{Name: name}, nil)
	}
	for _, uri := range []string{"patterns://types", "patterns://runs"} {
		r.RegisterResource(Resource{URI: uri}, nil)
	}

	var names []string
	for _, tool := range r.ListTools() {
		names = append(names, tool.Name)
	}
	if diff := cmp.Diff([]string{"detect_patterns", "get_stored_patterns", "list_pattern_types"}, names); diff != "" {
		t.Errorf("ListTools() order mismatch (-want +got):\n%s", diff)
	}

	var uris []string
	for _, res := range r.ListResources() {
		uris = append(uris, res.URI)
	}
	if diff := cmp.Diff([]string{"patterns://runs", "patterns://types"}, uris); diff != "" {
		t.Errorf("ListResources() order mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_GetResourceHandler(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.RegisterResource(Resource{URI: "patterns://runs", Name: "Runs"}, textResource("list"))
	r.RegisterResourcePrefix("patterns://runs/", textResource("run"))
	r.RegisterResourcePrefix("patterns://runs/latest/", textResource("latest"))

	tests := []struct {
		name     string
		uri      string
		want     string
		wantFind bool
	}{
		{name: "exact match", uri: "patterns://runs", want: "list", wantFind: true},
		{name: "prefix match", uri: "patterns://runs/abc", want: "run", wantFind: true},
		{name: "longest prefix wins", uri: "patterns://runs/latest/x", want: "latest", wantFind: true},
		{name: "bare prefix is not a resource", uri: "patterns://runs/", wantFind: false},
		{name: "unknown", uri: "patterns://other", wantFind: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler, found := r.GetResourceHandler(tt.uri)
			if found != tt.wantFind {
				t.Fatalf("GetResourceHandler(%q) found = %v, want %v", tt.uri, found, tt.wantFind)
			}
			if !found {
				return
			}
			res, err := handler(context.Background(), tt.uri)
			if err != nil {
				t.Fatalf("handler() error = %v", err)
			}
			if res.Contents[0].Text != tt.want {
				t.Errorf("handler text = %q, want %q", res.Contents[0].Text, tt.want)
			}
		})
	}

	if r.ResourceCount() != 1 {
		t.Errorf("ResourceCount() = %d, prefixes must not be counted", r.ResourceCount())
	}
	if _, ok := r.GetResource("patterns://runs"); !ok {
		t.Error("GetResource() returned false for registered resource")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	const numGoroutines = 50

	var wg sync.WaitGroup
	for i := range numGoroutines {
		wg.Add(3)
		go func() {
			defer wg.Done()
			r.RegisterTool(Tool{Name: fmt.Sprintf("tool_%d", i%10)}, nil)
		}()
		go func() {
			defer wg.Done()
			r.RegisterResource(Resource{URI: fmt.Sprintf("test://%d", i%10)}, nil)
		}()
		go func() {
			defer wg.Done()
			_ = r.ListTools()
			_, _ = r.GetResourceHandler("test://1")
		}()
	}
	wg.Wait()

	if r.ToolCount() != 10 {
		t.Errorf("ToolCount() = %d, want 10", r.ToolCount())
	}
	if r.ResourceCount() != 10 {
		t.Errorf("ResourceCount() = %d, want 10", r.ResourceCount())
	}
}

func TestTruncateDescription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		desc   string
		maxLen int
		want   string
	}{
		{name: "short description", desc: "Short", maxLen: 10, want: "Short"},
		{name: "exact length", desc: "Exactly10!", maxLen: 10, want: "Exactly10!"},
		{name: "long description", desc: "This is a very long description that needs truncation", maxLen: 20, want: "This is a very lo..."},
		{name: "empty description", desc: "", maxLen: 10, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := truncateDescription(tt.desc, tt.maxLen); got != tt.want {
				t.Errorf("truncateDescription(%q, %d) = %q, want %q", tt.desc, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestRegistry_LogRegisteredTools(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.RegisterTool(Tool{Name: "tool_b", Description: "Tool B"}, nil)
	r.RegisterTool(Tool{Name: "tool_a", Description: "Tool A"}, nil)
	r.RegisterResource(Resource{URI: "test://a", Name: "Resource A"}, nil)

	var buf bytes.Buffer
	r.LogRegisteredTools(logging.NewWithWriter(logging.LevelDebug, &buf))

	out := buf.String()
	for _, want := range []string{"tool_a", "tool_b", "test://a"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}

	// Disabled debug and nil loggers are no-ops.
	buf.Reset()
	r.LogRegisteredTools(logging.NewWithWriter(logging.LevelInfo, &buf))
	r.LogRegisteredTools(nil)
	if buf.String() != "" {
		t.Errorf("expected no output at info level, got %q", buf.String())
	}
}
