package scenario

import (
	"context"
	"embed"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hanpama/deferstream/internal/grpcsource"
	"github.com/hanpama/deferstream/internal/grpcsource/grpcsourcetest"
	"github.com/hanpama/deferstream/internal/incremental"
	language "github.com/hanpama/deferstream/internal/language"
)

//go:embed testdata/*.yaml
var testdata embed.FS

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func path(elems ...any) language.Path {
	p, err := language.PathFromValues(elems)
	if err != nil {
		panic(err)
	}
	return p
}

func load(t *testing.T, name string) *Scenario {
	t.Helper()
	b, err := testdata.ReadFile("testdata/" + name)
	require.NoError(t, err)
	sc, err := Parse(b)
	require.NoError(t, err)
	return sc
}

// Pattern: Result comparison
func TestRun_ChildWaitsForParent_Result(t *testing.T) {
	entries, err := Run(context.Background(), load(t, "child_waits_for_parent.yaml"))
	require.NoError(t, err)

	want := []Entry{
		{Step: 0, Op: OpPublishInitial, Initial: &incremental.InitialResult{Data: map[string]any{"a": map[string]any{}}, HasNext: true}},
		{Step: 2, Op: OpNext, Blocked: true},
		{Step: 4, Op: OpNext, Frame: &incremental.SubsequentResult{
			Incremental: []incremental.IncrementalResult{&incremental.DeferredResult{Path: path("a"), Label: "A", Data: map[string]any{"x": float64(1)}}},
			HasNext:     true,
		}},
		{Step: 5, Op: OpNext, Frame: &incremental.SubsequentResult{
			Incremental: []incremental.IncrementalResult{&incremental.StreamResult{Path: path("a", "items", 0), Items: []any{float64(1)}}},
			HasNext:     false,
		}},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Result comparison
func TestRun_NullBubble_Result(t *testing.T) {
	entries, err := Run(context.Background(), load(t, "null_bubble.yaml"))
	require.NoError(t, err)

	want := []Entry{
		{Step: 0, Op: OpPublishInitial, Initial: &incremental.InitialResult{Data: map[string]any{"x": nil}, HasNext: true}},
		{Step: 4, Op: OpNextAll, Frame: &incremental.SubsequentResult{
			Incremental: []incremental.IncrementalResult{&incremental.DeferredResult{Path: path("z"), Data: map[string]any{"ok": true}}},
			HasNext:     false,
		}},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Result comparison
func TestRun_ExhaustedStream_Result(t *testing.T) {
	entries, err := Run(context.Background(), load(t, "exhausted_stream.yaml"))
	require.NoError(t, err)

	want := []Entry{
		{Step: 0, Op: OpPublishInitial, Initial: &incremental.InitialResult{Data: map[string]any{"list": []any{}}, HasNext: true}},
		{Step: 2, Op: OpNext, Frame: &incremental.SubsequentResult{HasNext: false}},
		{Step: 3, Op: OpNext, Done: true},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_AllTestdata(t *testing.T) {
	files, err := testdata.ReadDir("testdata")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, f := range files {
		t.Run(f.Name(), func(t *testing.T) {
			require.Equal(t, ".yaml", filepath.Ext(f.Name()))
			var seen []Entry
			entries, err := Run(context.Background(), load(t, f.Name()), WithOnEntry(func(e Entry) { seen = append(seen, e) }))
			require.NoError(t, err)
			require.Equal(t, entries, seen)
		})
	}
}

func TestRun_DoubleCompletionIsReported(t *testing.T) {
	sc, err := Parse([]byte(`
records:
  - {id: a, kind: defer, path: [a]}
steps:
  - {op: complete, record: a, data: {v: first}}
  - {op: complete, record: a, data: {v: second}}
  - {op: publishInitial}
  - {op: next}
`))
	require.NoError(t, err)
	entries, err := Run(context.Background(), sc)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, 1, entries[0].Step)
	require.Contains(t, entries[0].Error, "already completed")
	require.Equal(t, map[string]any{"v": "first"}, entries[2].Frame.Incremental[0].(*incremental.DeferredResult).Data)
}

func TestRun_LazyRecordUnderDeliveredParent(t *testing.T) {
	sc, err := Parse([]byte(`
records:
  - {id: a, kind: defer, path: [a]}
  - {id: keep, kind: defer, path: [keep]}
  - {id: late, kind: defer, path: [a, late], parent: a, lazy: true}
steps:
  - {op: publishInitial}
  - {op: complete, record: a}
  - {op: next}
  - {op: create, record: late}
  - {op: error, record: late, path: [a, late, f], message: resolver failed}
  - {op: complete, record: late, data: {f: null}}
  - {op: complete, record: keep}
  - {op: next}
`))
	require.NoError(t, err)
	entries, err := Run(context.Background(), sc)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.True(t, entries[1].Frame.HasNext)

	last := entries[2].Frame
	require.False(t, last.HasNext)
	require.Len(t, last.Incremental, 2)
	got := last.Incremental[0].(*incremental.DeferredResult)
	require.Equal(t, path("a", "late"), got.Path)
	require.Len(t, got.Errors, 1)
	require.Equal(t, "resolver failed", got.Errors[0].Message)
	require.Equal(t, path("a", "late", "f"), got.Errors[0].Path)
}

func TestRun_CloseWithMessage(t *testing.T) {
	sc, err := Parse([]byte(`
sources:
  s: [1]
records:
  - {id: st, kind: stream, path: [s], source: s}
steps:
  - {op: publishInitial}
  - {op: close, message: client went away}
  - {op: next}
`))
	require.NoError(t, err)
	entries, err := Run(context.Background(), sc)
	require.NoError(t, err)
	want := []Entry{
		{Step: 0, Op: OpPublishInitial, Initial: &incremental.InitialResult{HasNext: true}},
		{Step: 1, Op: OpClose, Done: true, Error: "client went away"},
		{Step: 2, Op: OpNext, Done: true},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_NothingPending(t *testing.T) {
	sc, err := Parse([]byte(`
steps:
  - {op: publishInitial, data: {hello: world}}
  - {op: next}
  - {op: close}
`))
	require.NoError(t, err)
	entries, err := Run(context.Background(), sc)
	require.NoError(t, err)
	want := []Entry{
		{Step: 0, Op: OpPublishInitial, Initial: &incremental.InitialResult{Data: map[string]any{"hello": "world"}}},
		{Step: 1, Op: OpNext, Done: true},
		{Step: 2, Op: OpClose, Done: true},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
		err  error
	}{
		{"unknown field", `recrods: []`, ErrInvalidScenario},
		{"missing id", `records: [{kind: defer, path: [a]}]`, ErrInvalidScenario},
		{"duplicate id", `records: [{id: a, kind: defer}, {id: a, kind: defer}]`, ErrInvalidScenario},
		{"bad kind", `records: [{id: a, kind: list}]`, ErrInvalidScenario},
		{"deferred with source", `{sources: {s: []}, records: [{id: a, kind: defer, source: s}]}`, ErrInvalidScenario},
		{"undeclared source", `records: [{id: a, kind: stream, source: s}]`, ErrInvalidScenario},
		{"parent declared later", `records: [{id: b, kind: defer, parent: a}, {id: a, kind: defer}]`, ErrUnknownRecord},
		{"unknown op", `steps: [{op: explode}]`, ErrInvalidScenario},
		{"unknown step record", `steps: [{op: complete, record: nope}]`, ErrUnknownRecord},
		{"unknown origin", `steps: [{op: filter, origin: nope}]`, ErrUnknownRecord},
		{"pump deferred", `{records: [{id: a, kind: defer}], steps: [{op: pump, record: a}]}`, ErrInvalidScenario},
		{"pump without source", `{records: [{id: a, kind: stream}], steps: [{op: pump, record: a}]}`, ErrInvalidScenario},
		{"bad timeout", `steps: [{op: next, timeout: soon}]`, ErrInvalidScenario},
		{"grpc bad method", `grpc: {g: {method: feed.Feed.Items}}`, ErrInvalidScenario},
		{"grpc name clash", `{sources: {g: []}, grpc: {g: {method: /feed.Feed/Items}}}`, ErrInvalidScenario},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestRun_StructuralErrorsAbort(t *testing.T) {
	sc := &Scenario{
		Records: []Record{
			{ID: "a", Kind: KindDefer, Path: []any{"a"}, Lazy: true},
			{ID: "b", Kind: KindDefer, Path: []any{"a", "b"}, Parent: "a"},
		},
	}
	_, err := Run(context.Background(), sc)
	require.ErrorIs(t, err, ErrUnknownRecord)

	sc = &Scenario{
		Records: []Record{{ID: "a", Kind: KindDefer, Path: []any{"a"}}},
		Steps:   []Step{{Op: OpCreate, Record: "a"}},
	}
	_, err = Run(context.Background(), sc)
	require.ErrorIs(t, err, ErrInvalidScenario)

	sc = &Scenario{
		Records: []Record{{ID: "a", Kind: KindDefer, Path: []any{true}}},
	}
	_, err = Run(context.Background(), sc)
	require.ErrorIs(t, err, ErrInvalidScenario)
}

const grpcFeed = `
name: stream over grpc
grpc:
  feed: {method: /feed.Feed/Items, request: {items: [a, b, c]}}
records:
  - {id: first, kind: stream, path: [feed, 0], source: feed}
  - {id: rest, kind: stream, path: [feed, 2], parent: first, source: feed}
steps:
  - {op: publishInitial, data: {feed: []}}
  - {op: pump, record: first, count: 2}
  - {op: next}
  - {op: pump, record: rest, count: 5}
  - {op: next}
`

// Pattern: Result comparison
func TestRun_GRPCSource_Result(t *testing.T) {
	_, dial := grpcsourcetest.Bufconn(t)
	sc, err := Parse([]byte(grpcFeed))
	require.NoError(t, err)

	resolver := grpcsource.NewResolver(grpcsourcetest.BufTarget)
	entries, err := Run(context.Background(), sc,
		WithGRPCOptions(grpcsource.WithProvider(resolver), grpcsource.WithDialOptions(dial...)))
	require.NoError(t, err)

	want := []Entry{
		{Step: 0, Op: OpPublishInitial, Initial: &incremental.InitialResult{Data: map[string]any{"feed": []any{}}, HasNext: true}},
		{Step: 2, Op: OpNext, Frame: &incremental.SubsequentResult{
			Incremental: []incremental.IncrementalResult{&incremental.StreamResult{Path: path("feed", 0), Items: []any{"a", "b"}}},
			HasNext:     true,
		}},
		{Step: 4, Op: OpNext, Frame: &incremental.SubsequentResult{
			Incremental: []incremental.IncrementalResult{&incremental.StreamResult{Path: path("feed", 2), Items: []any{"c"}}},
			HasNext:     false,
		}},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_GRPCSourceCancelledOnClose(t *testing.T) {
	feed, dial := grpcsourcetest.Bufconn(t)
	sc, err := Parse([]byte(`
grpc:
  feed: {method: /feed.Feed/Items, request: {hang: true}}
records:
  - {id: s, kind: stream, path: [feed, 0], source: feed}
steps:
  - {op: publishInitial}
  - {op: close}
`))
	require.NoError(t, err)

	resolver := grpcsource.NewResolver()
	resolver.Route(grpcsourcetest.Service, grpcsourcetest.BufTarget)
	entries, err := Run(context.Background(), sc,
		WithGRPCOptions(grpcsource.WithProvider(resolver), grpcsource.WithDialOptions(dial...)))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries[1].Done)

	select {
	case <-feed.Cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("the pending call was not cancelled")
	}
}

func TestRun_GRPCSourceWithoutEndpoints(t *testing.T) {
	sc, err := Parse([]byte(`grpc: {feed: {method: /feed.Feed/Items}}`))
	require.NoError(t, err)

	_, err = Run(context.Background(), sc, WithGRPCOptions(grpcsource.WithProvider(grpcsource.NewResolver())))
	require.ErrorIs(t, err, grpcsource.ErrNoEndpoints)
}
