package language

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

type (
	Path        = ast.Path
	PathElement = ast.PathElement
	PathName    = ast.PathName
	PathIndex   = ast.PathIndex
	Error       = gqlerror.Error
	ErrorList   = gqlerror.List
)

// HasPrefix reports whether p starts with every element of prefix, compared
// position by position. A path shorter than prefix never matches.
func HasPrefix(p, prefix Path) bool {
	if len(p) < len(prefix) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Append returns a new path with elem appended; p is never modified.
func Append(p Path, elem PathElement) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = elem
	return out
}

// PathFromValues converts decoded JSON/YAML segments into a Path. Strings
// become field names, integral numbers become list indices.
func PathFromValues(values []any) (Path, error) {
	out := make(Path, 0, len(values))
	for i, v := range values {
		switch s := v.(type) {
		case string:
			out = append(out, PathName(s))
		case int:
			out = append(out, PathIndex(s))
		case int64:
			out = append(out, PathIndex(int(s)))
		case float64:
			if s != math.Trunc(s) || s < 0 {
				return nil, fmt.Errorf("path segment %d: %v is not a list index", i, s)
			}
			out = append(out, PathIndex(int(s)))
		case json.Number:
			n, err := s.Int64()
			if err != nil {
				return nil, fmt.Errorf("path segment %d: %w", i, err)
			}
			out = append(out, PathIndex(int(n)))
		default:
			return nil, fmt.Errorf("path segment %d: unsupported type %T", i, v)
		}
	}
	return out, nil
}

// FieldError builds a located field error for path.
func FieldError(path Path, format string, args ...any) *Error {
	return gqlerror.ErrorPathf(path, format, args...)
}
