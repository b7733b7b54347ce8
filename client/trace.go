package client

import (
	"context"

	"golang.org/x/net/trace"
)

// addTrace attaches a lazily-formatted trace line to ctx's trace.Trace, if
// one is present. Modeled directly on consumer/service.go's addTrace in the
// teacher: a no-op when the context is nil or carries no trace. Every op
// submitted through the PCC or the facade carries one (see ensureTrace).
func addTrace(ctx context.Context, format string, args ...interface{}) {
	if ctx == nil {
		return
	}
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}

// ensureTrace returns ctx unchanged if it already carries a trace.Trace
// (the caller started one upstream), or wraps it with a freshly minted one
// otherwise -- every op submitted through the PCC/Client facade gets a
// trace spanning its dispatch and resolution, per spec.
func ensureTrace(ctx context.Context, family, title string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := trace.FromContext(ctx); ok {
		return ctx
	}
	return trace.NewContext(ctx, trace.New(family, title))
}

// finishTrace marks ctx's trace.Trace, if any, complete. Safe to call on a
// context with no trace, or to call twice.
func finishTrace(ctx context.Context) {
	if ctx == nil {
		return
	}
	if tr, ok := trace.FromContext(ctx); ok {
		tr.Finish()
	}
}
