package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/status"
)

type DispatchInfo struct {
	Method string
	Kind   call.Kind
	Header *metadata.MD
}

// HookToken is an opaque value passed from OnDispatchStart to OnDispatchEnd.
type HookToken any

// DispatchHook observes handler invocations. A panicking hook is logged and
// ignored.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats call.Stats, st *status.Status)
}

func (d *Dispatcher) hooksStart(ctx context.Context, info DispatchInfo) (context.Context, []HookToken) {
	if len(d.hooks) == 0 {
		return ctx, nil
	}
	tokens := make([]HookToken, len(d.hooks))
	for i, h := range d.hooks {
		func() {
			defer d.recoverHook("OnDispatchStart", info.Method)
			hctx, token := h.OnDispatchStart(ctx, info)
			if hctx != nil {
				ctx = hctx
			}
			tokens[i] = token
		}()
	}
	return ctx, tokens
}

func (d *Dispatcher) hooksEnd(ctx context.Context, tokens []HookToken, info DispatchInfo, stats call.Stats, st *status.Status) {
	for i := len(d.hooks) - 1; i >= 0; i-- {
		func() {
			defer d.recoverHook("OnDispatchEnd", info.Method)
			d.hooks[i].OnDispatchEnd(ctx, tokens[i], info, stats, st)
		}()
	}
}

func (d *Dispatcher) recoverHook(stage, method string) {
	if r := recover(); r != nil {
		d.log.Error("dispatch hook panic",
			zap.String("stage", stage),
			zap.String("method", method),
			zap.Any("panic", r),
		)
	}
}
