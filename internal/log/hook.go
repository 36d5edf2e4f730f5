package log

import (
	"bytes"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/microsoft/WSL-sub002/internal/logfields"
)

const nullString = "null"

// Hook JSON-encodes struct/map/slice/array log fields and formats
// time.Time/time.Duration fields before the entry is written out, and
// copies the active span's trace/span id onto the entry.
type Hook struct {
	// EncodeAsJSON formats structs, maps, arrays and slices as JSON.
	// Default true.
	EncodeAsJSON bool

	// TimeFormat is passed to time.Time.Format for time.Time fields. An
	// empty string disables the conversion.
	TimeFormat string

	// AddSpanContext adds logfields.TraceID/SpanID from the entry's
	// context, if any.
	AddSpanContext bool
}

var _ logrus.Hook = &Hook{}

func NewHook() *Hook {
	return &Hook{
		EncodeAsJSON:   true,
		TimeFormat:     RFC3339NanoFixed,
		AddSpanContext: true,
	}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(e *logrus.Entry) error {
	h.encode(e)
	h.addSpanContext(e)
	return nil
}

func (h *Hook) encode(e *logrus.Entry) {
	d := e.Data
	formatTime := h.TimeFormat != ""
	if !(h.EncodeAsJSON || formatTime) {
		return
	}

	for k, v := range d {
		if _, ok := v.(error); k == logrus.ErrorKey || ok {
			continue
		}

		if t, ok := v.(time.Time); formatTime && ok {
			d[k] = t.Format(h.TimeFormat)
			continue
		}

		if !h.EncodeAsJSON {
			continue
		}

		switch vv := v.(type) {
		case bool, string, error, uintptr,
			int8, int16, int32, int64, int,
			uint8, uint32, uint64, uint,
			float32, float64:
			continue
		case time.Duration:
			d[k] = vv.String()
			continue
		case bytes.Buffer:
			v = vv.Bytes()
		case *bytes.Buffer:
			v = vv.Bytes()
		}

		rv := reflect.Indirect(reflect.ValueOf(v))
		if !rv.IsValid() {
			d[k] = nullString
			continue
		}

		switch rv.Kind() {
		case reflect.Map, reflect.Struct, reflect.Array, reflect.Slice:
		default:
			continue
		}

		b, err := encode(v)
		if err != nil {
			d[k+"-"+logrus.ErrorKey] = err.Error()
			continue
		}
		d[k] = string(b)
	}
}

func (h *Hook) addSpanContext(e *logrus.Entry) {
	if !h.AddSpanContext || e.Context == nil {
		return
	}
	span := trace.FromContext(e.Context)
	if span == nil {
		return
	}
	sctx := span.SpanContext()
	e.Data[logfields.TraceID] = sctx.TraceID.String()
	e.Data[logfields.SpanID] = sctx.SpanID.String()
}
