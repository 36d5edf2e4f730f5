package log

import (
	"context"

	clog "github.com/containerd/containerd/log"
	"github.com/sirupsen/logrus"
)

// RFC3339NanoFixed is the fixed-width time format every component logs with.
const RFC3339NanoFixed = clog.RFC3339NanoFixed

// WithContext stashes entry in ctx so a later G(ctx) call picks it back up.
func WithContext(ctx context.Context, entry *logrus.Entry) context.Context {
	return clog.WithLogger(ctx, entry)
}

// G returns the logrus.Entry previously stored in ctx via WithContext, or
// the base logger if none was stored. Every package logs through G(ctx)
// rather than the bare logrus package so that call-scoped fields (session
// id, vm id, instance id) accumulate as a request flows through the core.
func G(ctx context.Context) *logrus.Entry {
	return clog.G(ctx)
}

// L is the base entry with no call-scoped fields attached.
var L = clog.L
