package clog

import (
	"context"
	"maps"
	"sync"
)

type ctxSlog struct {
	mu         sync.RWMutex
	attributes map[string]any
}

type ctxSlogKey struct{}

// ContextWithSlog attaches a mutable attribute bag to ctx. Attributes added
// later through AddAttribute(s) show up on every record logged with ctx.
func ContextWithSlog(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxSlogKey{}, &ctxSlog{attributes: make(map[string]any)})
}

func AddAttribute(ctx context.Context, key string, value any) {
	l, ok := ctx.Value(ctxSlogKey{}).(*ctxSlog)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attributes[key] = value
}

func AddAttributes(ctx context.Context, attributes map[string]any) {
	l, ok := ctx.Value(ctxSlogKey{}).(*ctxSlog)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	maps.Copy(l.attributes, attributes)
}

const ErrorAttributeKey = "error.message"

func AddError(ctx context.Context, err error) {
	AddAttribute(ctx, ErrorAttributeKey, err.Error())
}

func GetAttributes(ctx context.Context) map[string]any {
	l, ok := ctx.Value(ctxSlogKey{}).(*ctxSlog)
	if !ok {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.attributes)
}
