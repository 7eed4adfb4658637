package intercept

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cylestio/monitor/internal/events"
	"github.com/cylestio/monitor/internal/scanner"
	"github.com/cylestio/monitor/internal/trace"
)

// Optional request parameters copied into llm.request.* attributes when
// the provider payload carries them.
var llmParamKeys = []string{
	"temperature", "max_tokens", "top_p",
	"frequency_penalty", "presence_penalty", "stop",
}

// llmExchange drives the instrument-around protocol for one LLM HTTP
// round trip, shared by the Anthropic middleware and the OpenAI
// transport.
type llmExchange struct {
	i      *Interceptor
	vendor string
}

func (x *llmExchange) roundTrip(req *http.Request, next func(*http.Request) (*http.Response, error)) (*http.Response, error) {
	if !x.i.enabled.Load() {
		return next(req)
	}

	ctx := req.Context()
	tc := trace.FromContext(ctx)

	reqPayload := snapshotJSONBody(req)
	attrs := x.requestAttrs(ctx, reqPayload)

	x.i.guard(func() {
		tc.StartSpan("llm.call")
		x.i.builder.LogEvent(ctx, "llm.call.start", attrs,
			events.WithChannel(events.ChannelLLM),
			events.WithDirection(events.DirectionOutgoing))
	})

	started := time.Now()
	resp, err := next(req)
	elapsed := time.Since(started)

	if x.i.onCall != nil {
		x.i.guard(func() { x.i.onCall("llm", elapsed) })
	}

	if err != nil {
		x.i.guard(func() {
			defer tc.EndSpan()
			x.i.builder.LogError(ctx, "llm.call.error", err, map[string]any{
				"llm.vendor":               x.vendor,
				"llm.response.duration_ms": float64(elapsed.Microseconds()) / 1000,
			}, events.WithChannel(events.ChannelLLM))
		})
		return resp, err
	}

	x.i.guard(func() {
		defer tc.EndSpan()
		respPayload := snapshotResponseJSON(resp)
		finishAttrs := x.responseAttrs(ctx, respPayload, elapsed)
		x.i.builder.LogEvent(ctx, "llm.call.finish", finishAttrs,
			events.WithChannel(events.ChannelLLM),
			events.WithDirection(events.DirectionIncoming))
	})
	return resp, err
}

func (x *llmExchange) requestAttrs(ctx context.Context, payload map[string]any) map[string]any {
	attrs := map[string]any{
		"llm.vendor":       x.vendor,
		"llm.request.type": "completion",
	}
	if payload == nil {
		return attrs
	}
	if model, ok := payload["model"].(string); ok {
		attrs["llm.model"] = model
	}
	attrs["llm.request.data"] = events.SafeSerialize(payload)
	for _, key := range llmParamKeys {
		if v, ok := payload[key]; ok {
			attrs["llm.request."+key] = events.SafeSerialize(v)
		}
	}

	// Pre-call scan over the user-facing content.
	if text := scanner.ExtractText(payload); text != "" {
		x.i.scanAndAlert(ctx, text, "llm.request", attrs)
	}
	return attrs
}

func (x *llmExchange) responseAttrs(ctx context.Context, payload map[string]any, elapsed time.Duration) map[string]any {
	attrs := map[string]any{
		"llm.vendor":               x.vendor,
		"llm.response.duration_ms": float64(elapsed.Microseconds()) / 1000,
	}
	if payload == nil {
		return attrs
	}
	if id, ok := payload["id"].(string); ok {
		attrs["llm.response.id"] = id
	}
	if typ, ok := payload["type"].(string); ok {
		attrs["llm.response.type"] = typ
	} else if obj, ok := payload["object"].(string); ok {
		attrs["llm.response.type"] = obj
	}
	if model, ok := payload["model"].(string); ok {
		attrs["llm.model"] = model
	}

	content, stopReason := responseContent(payload)
	if content != nil {
		attrs["llm.response.content"] = events.SafeSerialize(content)
	}
	if stopReason != "" {
		attrs["llm.response.stop_reason"] = stopReason
	}

	if usage, ok := payload["usage"].(map[string]any); ok {
		in := usageTokens(usage, "input_tokens", "prompt_tokens")
		out := usageTokens(usage, "output_tokens", "completion_tokens")
		attrs["llm.usage.input_tokens"] = in
		attrs["llm.usage.output_tokens"] = out
		if total := usageTokens(usage, "total_tokens"); total > 0 {
			attrs["llm.usage.total_tokens"] = total
		} else {
			attrs["llm.usage.total_tokens"] = in + out
		}
	}

	// Post-call scan, identical alerting rules.
	if text := contentText(content); text != "" {
		x.i.scanAndAlert(ctx, text, "llm.response", attrs)
	}
	return attrs
}

// responseContent pulls the content field out of either provider shape:
// Anthropic's top-level content blocks or OpenAI's choices array.
func responseContent(payload map[string]any) (content any, stopReason string) {
	if c, ok := payload["content"]; ok {
		stopReason, _ = payload["stop_reason"].(string)
		return c, stopReason
	}
	choices, ok := payload["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil, ""
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return nil, ""
	}
	stopReason, _ = first["finish_reason"].(string)
	if msg, ok := first["message"].(map[string]any); ok {
		return msg["content"], stopReason
	}
	return first["text"], stopReason
}

func contentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var buf bytes.Buffer
		for _, block := range c {
			m, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				if buf.Len() > 0 {
					buf.WriteByte('\n')
				}
				buf.WriteString(text)
			}
		}
		return buf.String()
	default:
		return ""
	}
}

func usageTokens(usage map[string]any, keys ...string) int64 {
	for _, key := range keys {
		if v, ok := usage[key].(float64); ok {
			return int64(v)
		}
	}
	return 0
}

// snapshotJSONBody decodes the request body without consuming it.
func snapshotJSONBody(req *http.Request) map[string]any {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(req.Body, maxBodyScan))
	rest := req.Body
	req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), rest))
	if err != nil {
		return nil
	}
	var payload map[string]any
	if json.Unmarshal(buf, &payload) != nil {
		return nil
	}
	return payload
}

// snapshotResponseJSON decodes the response body without consuming it.
func snapshotResponseJSON(resp *http.Response) map[string]any {
	if resp == nil || resp.Body == nil {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyScan))
	rest := resp.Body
	resp.Body = readCloser{io.MultiReader(bytes.NewReader(buf), rest), rest}
	if err != nil {
		return nil
	}
	var payload map[string]any
	if json.Unmarshal(buf, &payload) != nil {
		return nil
	}
	return payload
}
