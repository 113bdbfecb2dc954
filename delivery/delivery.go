// Package delivery sends requests to providers resiliently: each logical call
// passes a per-provider circuit breaker, is retried with backoff while its
// failures are transient, and is handed once to a fallback when the primary
// is exhausted.
package delivery

import (
	"context"
	"net/http"

	"github.com/coder/airouter/translate"
)

// Deliverer sends one request and returns the response in the caller's wire
// format.
type Deliverer interface {
	Deliver(ctx context.Context, req *translate.Request) (*http.Response, error)
}

type DelivererFunc func(ctx context.Context, req *translate.Request) (*http.Response, error)

func (f DelivererFunc) Deliver(ctx context.Context, req *translate.Request) (*http.Response, error) {
	return f(ctx, req)
}

// ProviderHeader is set on every response to the name of the provider which
// produced it. It differs from the routed provider when a fallback answered.
const ProviderHeader = "X-Airouter-Provider"

// Direct delivers through t with no resilience of its own.
func Direct(t translate.Translator) Deliverer {
	return DelivererFunc(func(ctx context.Context, req *translate.Request) (*http.Response, error) {
		resp, err := t.Forward(ctx, req)
		if resp != nil {
			if resp.Header == nil {
				resp.Header = http.Header{}
			}
			resp.Header.Set(ProviderHeader, t.Name())
		}
		return resp, err
	})
}

// WithModel makes d request model regardless of what was asked for. An empty
// model leaves requests untouched.
func WithModel(d Deliverer, model string) Deliverer {
	if model == "" {
		return d
	}
	return DelivererFunc(func(ctx context.Context, req *translate.Request) (*http.Response, error) {
		return d.Deliver(ctx, req.WithModel(model))
	})
}
