package intercept

import (
	"context"
	"encoding/json"

	"github.com/cylestio/monitor/internal/events"
	"github.com/cylestio/monitor/internal/scanner"
)

// Tool is the shape a host framework's tool object must expose to be
// wrapped.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the tool output handed back to the caller.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolFunc adapts a plain function into a Tool.
type ToolFunc struct {
	ToolName string
	Desc     string
	Params   json.RawMessage
	Fn       func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (t *ToolFunc) Name() string             { return t.ToolName }
func (t *ToolFunc) Description() string      { return t.Desc }
func (t *ToolFunc) Schema() json.RawMessage  { return t.Params }
func (t *ToolFunc) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return t.Fn(ctx, params)
}

// WrapTool instruments a tool: span tool.<name>, tool.* attributes,
// duration and outcome, and an injection scan over SQL-shaped inputs.
// Wrapping the same instance twice returns it unchanged.
func (i *Interceptor) WrapTool(t Tool) Tool {
	if _, already := t.(*wrappedTool); already {
		return t
	}
	if !i.markWrapped(t) {
		return t
	}
	return &wrappedTool{inner: t, i: i}
}

// WrapToolFunc is the decorator form: it builds and wraps a tool from a
// bare function.
func (i *Interceptor) WrapToolFunc(name, description string, schema json.RawMessage, fn func(ctx context.Context, params json.RawMessage) (*ToolResult, error)) Tool {
	return i.WrapTool(&ToolFunc{ToolName: name, Desc: description, Params: schema, Fn: fn})
}

type wrappedTool struct {
	inner Tool
	i     *Interceptor
}

func (w *wrappedTool) Name() string            { return w.inner.Name() }
func (w *wrappedTool) Description() string     { return w.inner.Description() }
func (w *wrappedTool) Schema() json.RawMessage { return w.inner.Schema() }

func (w *wrappedTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if !w.i.enabled.Load() {
		return w.inner.Execute(ctx, params)
	}

	name := w.inner.Name()
	attrs := map[string]any{
		"tool.name":        name,
		"tool.description": w.inner.Description(),
		"tool.inputs":      events.SafeSerialize(rawToAny(params)),
	}
	w.i.guard(func() {
		w.i.scanToolInputs(ctx, name, params, attrs)
	})

	result, err := w.i.Around(ctx, "tool", name, attrs, func(ctx context.Context) (any, error) {
		return w.inner.Execute(ctx, params)
	})
	res, _ := result.(*ToolResult)
	return res, err
}

// scanToolInputs runs the injection scan over string-valued inputs and
// decorates attrs on a hit.
func (i *Interceptor) scanToolInputs(ctx context.Context, toolName string, params json.RawMessage, attrs map[string]any) {
	var decoded map[string]any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return
	}
	for key, v := range decoded {
		text, ok := v.(string)
		if !ok || text == "" {
			continue
		}
		res := i.scanAndAlert(ctx, text, "tool."+toolName+"."+key, attrs)
		if res.AlertLevel != scanner.AlertNone {
			return
		}
	}
}

func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
