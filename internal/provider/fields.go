package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmespath/go-jmespath"
)

// Fields resolves values through ordered JMESPath aliases. Provider payloads drift between
// versions, so every field is looked up under several names and the first hit wins.
type Fields struct {
	mu    sync.RWMutex
	cache map[string]*jmespath.JMESPath
}

// NewFields creates an alias resolver with an empty expression cache.
func NewFields() *Fields {
	return &Fields{cache: make(map[string]*jmespath.JMESPath)}
}

// Decode parses a JSON body keeping numbers as json.Number so large IDs survive.
func Decode(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode provider payload: %w", err)
	}
	return doc, nil
}

// First returns the first non-empty value found under the given paths.
func (f *Fields) First(doc any, paths ...string) any {
	for _, path := range paths {
		compiled, err := f.compile(path)
		if err != nil {
			continue
		}
		v, err := compiled.Search(doc)
		if err != nil || isEmpty(v) {
			continue
		}
		return v
	}
	return nil
}

// String returns the first alias that renders to a non-blank string.
func (f *Fields) String(doc any, paths ...string) string {
	return toString(f.First(doc, paths...))
}

// Int returns the first alias that holds a number.
func (f *Fields) Int(doc any, paths ...string) int64 {
	for _, path := range paths {
		if n, ok := toInt(f.First(doc, path)); ok {
			return n
		}
	}
	return 0
}

// Time accepts unix seconds, unix milliseconds or RFC 3339 strings.
func (f *Fields) Time(doc any, paths ...string) *time.Time {
	for _, path := range paths {
		if t, ok := toTime(f.First(doc, path)); ok {
			return &t
		}
	}
	return nil
}

// List returns the first alias that holds an array.
func (f *Fields) List(doc any, paths ...string) []any {
	for _, path := range paths {
		if list, ok := f.First(doc, path).([]any); ok {
			return list
		}
	}
	return nil
}

func (f *Fields) compile(expression string) (*jmespath.JMESPath, error) {
	f.mu.RLock()
	if compiled, ok := f.cache[expression]; ok {
		f.mu.RUnlock()
		return compiled, nil
	}
	f.mu.RUnlock()

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	f.mu.Lock()
	f.cache[expression] = compiled
	f.mu.Unlock()
	return compiled, nil
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool, int, int64:
		return fmt.Sprint(val)
	default:
		return ""
	}
}

func toInt(v any) (int64, bool) {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, true
		}
		if fl, err := val.Float64(); err == nil {
			return int64(fl), true
		}
	case float64:
		return int64(val), true
	case int:
		return int64(val), true
	case int64:
		return val, true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(val), ",", "")
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Timestamps above this are treated as milliseconds (year 33658 in seconds).
const millisThreshold = 1e12

func toTime(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return t.UTC(), true
			}
		}
	}
	n, ok := toInt(v)
	if !ok || n <= 0 {
		return time.Time{}, false
	}
	if n > millisThreshold {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}
