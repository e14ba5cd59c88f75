// Package keys builds deterministic cache keys for fetchable resources.
package keys

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/backoffice-sync/internal/timerange"
)

// Params are the query parameters of one request. Values may be nested maps,
// slices, primitives, time.Time or timerange.Range.
type Params map[string]any

// CacheKey is comparable and safe to use as a map key.
type CacheKey struct {
	Kind   string
	Digest string
}

const kindSep = "#"

func (k CacheKey) String() string { return k.Kind + kindSep + k.Digest }

func (k CacheKey) IsZero() bool { return k.Kind == "" && k.Digest == "" }

// HasPrefix reports whether k belongs to kind or one of its sub-kinds
// ("reports" covers "reports/scheduled").
func (k CacheKey) HasPrefix(kind string) bool {
	kind = sanitizeKind(strings.TrimSpace(kind))
	if kind == "" {
		return false
	}
	return k.Kind == kind || strings.HasPrefix(k.Kind, kind+"/")
}

// unit separator, never produced by canonical encoding of real data
const fieldSep = "\x1f"

func Make(kind string, params Params) CacheKey {
	canon := Canonical(params)
	return CacheKey{
		Kind:   sanitizeKind(strings.TrimSpace(kind)),
		Digest: fmt.Sprintf("%016x", xxhash.Sum64String(canon)),
	}
}

var errMalformed = errors.New("malformed cache key")

func Parse(s string) (CacheKey, error) {
	i := strings.LastIndex(s, kindSep)
	if i <= 0 || i == len(s)-1 {
		return CacheKey{}, fmt.Errorf("%w: %q", errMalformed, s)
	}
	k := CacheKey{Kind: s[:i], Digest: s[i+1:]}
	if sanitizeKind(k.Kind) != k.Kind {
		return CacheKey{}, fmt.Errorf("%w: kind %q", errMalformed, k.Kind)
	}
	return k, nil
}

// Canonical renders params with sorted keys in a locale independent format.
func Canonical(params Params) string {
	var b strings.Builder
	writeValue(&b, map[string]any(params))
	return b.String()
}

const isoMillis = "2006-01-02T15:04:05.000Z"

func writeValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		b.WriteString(strconv.Quote(t))
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case int:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case uint:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(t), 'g', -1, 32))
	case time.Time:
		b.WriteString(t.UTC().Format(isoMillis))
	case *time.Time:
		if t == nil {
			b.WriteString("null")
			return
		}
		b.WriteString(t.UTC().Format(isoMillis))
	case timerange.Range:
		b.WriteString(t.Start.UTC().Format(isoMillis))
		b.WriteString("–")
		b.WriteString(t.End.UTC().Format(isoMillis))
	case Params:
		writeMap(b, reflect.ValueOf(map[string]any(t)))
	case map[string]any:
		writeMap(b, reflect.ValueOf(t))
	case []any:
		writeSlice(b, reflect.ValueOf(t))
	case fmt.Stringer:
		b.WriteString(strconv.Quote(t.String()))
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Map:
			if rv.Type().Key().Kind() == reflect.String {
				writeMap(b, rv)
				return
			}
		case reflect.Slice, reflect.Array:
			writeSlice(b, rv)
			return
		case reflect.Pointer:
			if rv.IsNil() {
				b.WriteString("null")
				return
			}
			writeValue(b, rv.Elem().Interface())
			return
		case reflect.String:
			b.WriteString(strconv.Quote(rv.String()))
			return
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			b.WriteString(strconv.FormatInt(rv.Int(), 10))
			return
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			b.WriteString(strconv.FormatUint(rv.Uint(), 10))
			return
		case reflect.Float32, reflect.Float64:
			b.WriteString(strconv.FormatFloat(rv.Float(), 'g', -1, 64))
			return
		case reflect.Bool:
			b.WriteString(strconv.FormatBool(rv.Bool()))
			return
		}
		b.WriteString(strconv.Quote(fmt.Sprint(v)))
	}
}

func writeMap(b *strings.Builder, rv reflect.Value) {
	ks := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		ks = append(ks, k.String())
	}
	sort.Strings(ks)
	b.WriteByte('{')
	for i, k := range ks {
		if i > 0 {
			b.WriteString(fieldSep)
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte('=')
		writeValue(b, rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())
	}
	b.WriteByte('}')
}

func writeSlice(b *strings.Builder, rv reflect.Value) {
	b.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			b.WriteString(fieldSep)
		}
		writeValue(b, rv.Index(i).Interface())
	}
	b.WriteByte(']')
}

func sanitizeKind(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '/' || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-' || out == '/') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return strings.Trim(b.String(), "/")
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
