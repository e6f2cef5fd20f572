// Package scenario replays a declarative incremental delivery session. A
// scenario declares records and an ordered list of steps; the runner plays
// the collaborator role against a Publisher and records what the consumer
// observes after each step.
package scenario

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"sigs.k8s.io/yaml"

	"github.com/hanpama/deferstream/internal/grpcsource"
)

var (
	// ErrInvalidScenario wraps every validation failure.
	ErrInvalidScenario = errors.New("scenario: invalid")
	// ErrUnknownRecord reports a step or parent referring to an undeclared id.
	ErrUnknownRecord = errors.New("scenario: unknown record")
)

// Kinds of records.
const (
	KindDefer  = "defer"
	KindStream = "stream"
)

// Step operations.
const (
	OpCreate         = "create"
	OpPublishInitial = "publishInitial"
	OpComplete       = "complete"
	OpPump           = "pump"
	OpExhaust        = "exhaust"
	OpError          = "error"
	OpFilter         = "filter"
	OpNext           = "next"
	OpNextAll        = "nextAll"
	OpClose          = "close"
)

// Scenario is the file format.
type Scenario struct {
	Name string `json:"name"`
	// Sources names the item lists backing stream records.
	Sources map[string][]any `json:"sources,omitempty"`
	// GRPC names stream sources backed by server-streaming gRPC calls. Names
	// share one namespace with Sources.
	GRPC    map[string]GRPCSource `json:"grpc,omitempty"`
	Records []Record              `json:"records"`
	Steps   []Step                `json:"steps"`
}

// GRPCSource declares a call whose responses (google.protobuf.Value) are the
// source's items. Every call is opened when the run starts.
type GRPCSource struct {
	// Method is the full method name, /package.Service/Method.
	Method string `json:"method"`
	// Request is sent as a google.protobuf.Value.
	Request any `json:"request,omitempty"`
}

// Record declares a deferred fragment or a stream items record. Records are
// created before the first step unless Lazy is set, in which case a create
// step brings them into existence.
type Record struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Path   []any  `json:"path"`
	Label  string `json:"label,omitempty"`
	Parent string `json:"parent,omitempty"`
	Lazy   bool   `json:"lazy,omitempty"`

	// Source names an entry of Scenario.Sources or Scenario.GRPC. Records
	// sharing a source name share one source.
	Source string `json:"source,omitempty"`
}

// Step is one collaborator or consumer action.
type Step struct {
	Op     string `json:"op"`
	Record string `json:"record,omitempty"`

	Data  map[string]any `json:"data,omitempty"`
	Items []any          `json:"items,omitempty"`
	Count int            `json:"count,omitempty"`

	Message  string `json:"message,omitempty"`
	Path     []any  `json:"path,omitempty"`
	NullPath []any  `json:"nullPath,omitempty"`
	Origin   string `json:"origin,omitempty"`

	// Timeout bounds a next step, e.g. "50ms".
	Timeout string `json:"timeout,omitempty"`
}

// Parse decodes a scenario document and validates it.
func Parse(b []byte) (*Scenario, error) {
	var f Scenario
	if err := yaml.UnmarshalStrict(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and parses the scenario at path.
func Load(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Validate checks sources, ids, kinds, parents and step references.
func (f *Scenario) Validate() error {
	for _, name := range slices.Sorted(maps.Keys(f.GRPC)) {
		g := f.GRPC[name]
		if _, dup := f.Sources[name]; dup {
			return fmt.Errorf("%w: source %q declared twice", ErrInvalidScenario, name)
		}
		if _, err := grpcsource.ServiceOf(g.Method); err != nil {
			return fmt.Errorf("%w: grpc source %q: %v", ErrInvalidScenario, name, err)
		}
		if _, err := structpb.NewValue(g.Request); err != nil {
			return fmt.Errorf("%w: grpc source %q request: %v", ErrInvalidScenario, name, err)
		}
	}

	ids := make(map[string]Record, len(f.Records))
	for i, r := range f.Records {
		if r.ID == "" {
			return fmt.Errorf("%w: record %d has no id", ErrInvalidScenario, i)
		}
		if _, dup := ids[r.ID]; dup {
			return fmt.Errorf("%w: duplicate record id %q", ErrInvalidScenario, r.ID)
		}
		switch r.Kind {
		case KindDefer:
			if r.Source != "" {
				return fmt.Errorf("%w: deferred record %q cannot have a source", ErrInvalidScenario, r.ID)
			}
		case KindStream:
			if r.Source != "" {
				if !f.hasSource(r.Source) {
					return fmt.Errorf("%w: record %q uses undeclared source %q", ErrInvalidScenario, r.ID, r.Source)
				}
			}
		default:
			return fmt.Errorf("%w: record %q has kind %q", ErrInvalidScenario, r.ID, r.Kind)
		}
		if r.Parent != "" {
			if _, ok := ids[r.Parent]; !ok {
				return fmt.Errorf("%w: parent %q of %q must be declared first", ErrUnknownRecord, r.Parent, r.ID)
			}
		}
		ids[r.ID] = r
	}

	for i, s := range f.Steps {
		ref := func(id string) (Record, error) {
			r, ok := ids[id]
			if !ok {
				return Record{}, fmt.Errorf("%w: step %d (%s) refers to %q", ErrUnknownRecord, i, s.Op, id)
			}
			return r, nil
		}
		switch s.Op {
		case OpCreate, OpComplete, OpError:
			if _, err := ref(s.Record); err != nil {
				return err
			}
		case OpPump, OpExhaust:
			r, err := ref(s.Record)
			if err != nil {
				return err
			}
			if r.Kind != KindStream {
				return fmt.Errorf("%w: step %d (%s) needs a stream record", ErrInvalidScenario, i, s.Op)
			}
			if s.Op == OpPump && r.Source == "" {
				return fmt.Errorf("%w: step %d pumps %q which has no source", ErrInvalidScenario, i, r.ID)
			}
		case OpFilter:
			if s.Origin != "" {
				if _, err := ref(s.Origin); err != nil {
					return err
				}
			}
		case OpPublishInitial, OpNext, OpNextAll, OpClose:
		default:
			return fmt.Errorf("%w: step %d has unknown op %q", ErrInvalidScenario, i, s.Op)
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return fmt.Errorf("%w: step %d: %v", ErrInvalidScenario, i, err)
			}
		}
	}
	return nil
}

func (f *Scenario) hasSource(name string) bool {
	if _, ok := f.Sources[name]; ok {
		return true
	}
	_, ok := f.GRPC[name]
	return ok
}
