package telemetry

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/constraints"
)

// Attr is a telemetry attribute. It is recorded both as an OpenTelemetry
// attribute and as a structured log attribute.
type Attr struct {
	typ attrType
	key string
	str string
	num int64
	dur time.Duration
}

// String returns a string attribute.
func String[T ~string](k string, v T) Attr {
	return Attr{
		typ: attrTypeString,
		key: k,
		str: string(v),
	}
}

// Stringer returns a string attribute. The value is the result of calling
// v.String().
func Stringer(k string, v fmt.Stringer) Attr {
	return String(k, v.String())
}

// Bool returns a boolean attribute.
func Bool[T ~bool](k string, v T) Attr {
	var n int64
	if v {
		n = 1
	}

	return Attr{
		typ: attrTypeBool,
		key: k,
		num: n,
	}
}

// Int returns an integer attribute.
func Int[T constraints.Integer](k string, v T) Attr {
	return Attr{
		typ: attrTypeInt64,
		key: k,
		num: int64(v),
	}
}

// Duration returns an attribute containing v. It is recorded as a human
// readable string in OpenTelemetry and as a native duration in logs.
func Duration(k string, v time.Duration) Attr {
	return Attr{
		typ: attrTypeDuration,
		key: k,
		dur: v,
	}
}

// Err returns an attribute containing the message of err.
func Err(err error) Attr {
	return String("error", err.Error())
}

func (a Attr) asAttrKeyValue() (attribute.KeyValue, bool) {
	switch a.typ {
	case attrTypeNone:
		return attribute.KeyValue{}, false
	case attrTypeString:
		return attribute.String(a.key, a.str), true
	case attrTypeBool:
		return attribute.Bool(a.key, a.num != 0), true
	case attrTypeInt64:
		return attribute.Int64(a.key, a.num), true
	case attrTypeDuration:
		return attribute.String(a.key, a.dur.String()), true
	default:
		panic("unknown attribute type")
	}
}

func (a Attr) asSlogAttr() (slog.Attr, bool) {
	switch a.typ {
	case attrTypeNone:
		return slog.Attr{}, false
	case attrTypeString:
		return slog.String(a.key, a.str), true
	case attrTypeBool:
		return slog.Bool(a.key, a.num != 0), true
	case attrTypeInt64:
		return slog.Int64(a.key, a.num), true
	case attrTypeDuration:
		return slog.Duration(a.key, a.dur), true
	default:
		panic("unknown attribute type")
	}
}

type attrType uint8

const (
	attrTypeNone attrType = iota
	attrTypeString
	attrTypeBool
	attrTypeInt64
	attrTypeDuration
)

func asAttrKeyValues(attrs []Attr) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))

	for _, attr := range attrs {
		if attr, ok := attr.asAttrKeyValue(); ok {
			kvs = append(kvs, attr)
		}
	}

	return kvs
}

func asSlogArgs(attrs []Attr) []any {
	args := make([]any, 0, len(attrs))

	for _, attr := range attrs {
		if attr, ok := attr.asSlogAttr(); ok {
			args = append(args, attr)
		}
	}

	return args
}
