// Package oc wraps go.opencensus.io/trace for the handful of
// long-running session/VM operations worth tracing (spec.md's
// create-instance, shutdown, VM boot), grounded on hcsshim's
// internal/oc.
package oc

import (
	"context"
	"errors"

	"go.opencensus.io/trace"

	"github.com/microsoft/WSL-sub002/internal/log"
)

// DefaultSampler samples every span; the host process wires a different
// sampler at startup if it wants less trace volume.
var DefaultSampler = trace.AlwaysSample()

// StartSpan wraps trace.StartSpan, refreshing the ctx-scoped logrus entry
// so a sampled span's log lines carry its trace/span ids.
func StartSpan(ctx context.Context, name string, o ...trace.StartOption) (context.Context, *trace.Span) {
	ctx, s := trace.StartSpan(ctx, name, o...)
	if s.IsRecordingEvents() {
		sc := s.SpanContext()
		ctx = log.WithContext(ctx, log.G(ctx).WithFields(map[string]interface{}{
			"traceID": sc.TraceID.String(),
			"spanID":  sc.SpanID.String(),
		}))
	}
	return ctx, s
}

// SetSpanStatus sets span's status from err, trace.StatusCodeOK if nil.
func SetSpanStatus(span *trace.Span, err error) {
	status := trace.Status{}
	if err != nil {
		status.Code = int32(toStatusCode(err))
		status.Message = err.Error()
	}
	span.SetStatus(status)
}

func toStatusCode(err error) uint32 {
	switch {
	case errors.Is(err, context.Canceled):
		return trace.StatusCodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return trace.StatusCodeDeadlineExceeded
	default:
		return trace.StatusCodeUnknown
	}
}
