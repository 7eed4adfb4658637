package intercept

import (
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// InstrumentAnthropic builds an Anthropic client whose every request
// flows through the monitoring middleware. Extra options are applied
// after the middleware so callers can still override transport details.
//
// Usage:
//
//	client := interceptor.InstrumentAnthropic(option.WithAPIKey(key))
//	msg, err := client.Messages.New(ctx, params)
func (i *Interceptor) InstrumentAnthropic(opts ...option.RequestOption) anthropic.Client {
	all := append([]option.RequestOption{option.WithMiddleware(i.AnthropicMiddleware())}, opts...)
	return anthropic.NewClient(all...)
}

// AnthropicMiddleware returns the middleware for callers that construct
// their own client.
func (i *Interceptor) AnthropicMiddleware() option.Middleware {
	x := &llmExchange{i: i, vendor: "anthropic"}
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		return x.roundTrip(req, next)
	}
}
