package intercept

import (
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// InstrumentOpenAI builds an OpenAI client whose HTTP transport runs
// the monitoring exchange on every call.
//
// Usage:
//
//	cfg := openai.DefaultConfig(key)
//	client := interceptor.InstrumentOpenAI(cfg)
func (i *Interceptor) InstrumentOpenAI(cfg openai.ClientConfig) *openai.Client {
	// ClientConfig.HTTPClient is an HTTPDoer; only a concrete
	// *http.Client carries a transport and timeout to preserve.
	base := http.DefaultTransport
	client := &http.Client{}
	if hc, ok := cfg.HTTPClient.(*http.Client); ok && hc != nil {
		if hc.Transport != nil {
			base = hc.Transport
		}
		client.Timeout = hc.Timeout
		client.Jar = hc.Jar
	}
	client.Transport = i.LLMTransport("openai", base)
	cfg.HTTPClient = client
	return openai.NewClientWithConfig(cfg)
}

// LLMTransport wraps an http.RoundTripper with the LLM exchange for the
// given vendor. Useful for SDKs configured with a custom client.
func (i *Interceptor) LLMTransport(vendor string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	x := &llmExchange{i: i, vendor: vendor}
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return x.roundTrip(req, base.RoundTrip)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
