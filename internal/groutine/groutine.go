// Package groutine starts goroutines that carry a name, both in their context and
// as a pprof label, so dispatcher and pump goroutines can be told apart in profiles
// and goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go runs fn on a new goroutine labelled name.
//
//	groutine.Go(ctx, "connection-dispatcher", func(ctx context.Context) {
//	    for in := range inbound {
//	        apply(in)
//	    }
//	})
//
// A nil parent is treated as context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	go pprof.Do(parent, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// Name returns the name given to the goroutine that owns ctx, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(nameKey).(string)
	return s
}
