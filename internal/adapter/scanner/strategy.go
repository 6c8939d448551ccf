package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/commercewatch/prodscan/internal/domain"
)

// target identifies one product reference handed to a strategy.
type target struct {
	ProductID string
	URL       string
	// Page is the browser tab context; nil for API strategies.
	Page context.Context
}

// payload is the raw outcome of a fetch, before extraction. StatusCode and
// FinalURL feed the platform NOT_FOUND detectors.
type payload struct {
	Data       map[string]any
	StatusCode int
	FinalURL   string
}

// strategy fetches the raw product data for a target.
type strategy interface {
	id() string
	fetch(ctx context.Context, t target) (payload, error)
}

// buildStrategy constructs the concrete strategy for a spec. Unknown types
// were already rejected by PlatformConfig.Validate, but this stays total.
func buildStrategy(cfg domain.PlatformConfig, spec domain.StrategySpec, httpc *http.Client) (strategy, error) {
	switch spec.Type {
	case domain.StrategyHTTP:
		return &httpStrategy{spec: spec, client: httpc}, nil
	case domain.StrategyGraphQL:
		return &graphqlStrategy{spec: spec, client: httpc}, nil
	case domain.StrategyBrowser:
		return &browserStrategy{spec: spec}, nil
	default:
		return nil, fmt.Errorf("op=scanner.strategy: %w: %q", domain.ErrInvalidArgument, spec.Type)
	}
}

// renderTemplate substitutes the {productId} placeholder.
func renderTemplate(tmpl, productID string) string {
	return strings.ReplaceAll(tmpl, "{productId}", productID)
}

// doWithRetry is shared by the HTTP and GraphQL strategies: 429 and 5xx
// responses and transport errors are retried with exponential backoff up to
// the configured attempt count; everything else surfaces immediately.
func doWithRetry(ctx context.Context, client *http.Client, spec domain.StrategySpec, build func() (*http.Request, error)) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	if spec.Delay > 0 {
		bo.InitialInterval = spec.Delay
	}
	retries := uint64(spec.Retries)
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx)

	var resp *http.Response
	op := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		r, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTransientUpstream, err)
		}
		if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
			_ = r.Body.Close()
			return fmt.Errorf("%w: status %d", domain.ErrTransientUpstream, r.StatusCode)
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// httpStrategy is a direct REST strategy. A 404 is not an error: it yields
// a payload the platform NOT_FOUND detector recognizes.
type httpStrategy struct {
	spec   domain.StrategySpec
	client *http.Client
}

func (s *httpStrategy) id() string { return s.spec.ID }

func (s *httpStrategy) fetch(ctx context.Context, t target) (payload, error) {
	url := renderTemplate(s.spec.URL, t.ProductID)
	method := s.spec.Method
	if method == "" {
		method = http.MethodGet
	}
	resp, err := doWithRetry(ctx, s.client, s.spec, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range s.spec.Headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return payload{}, fmt.Errorf("op=scanner.http: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	pl := payload{StatusCode: resp.StatusCode, FinalURL: resp.Request.URL.String()}
	if resp.StatusCode == http.StatusNotFound {
		return pl, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return payload{}, fmt.Errorf("op=scanner.http: %w: %v", domain.ErrTransientUpstream, err)
	}
	if err := json.Unmarshal(body, &pl.Data); err != nil {
		return payload{}, fmt.Errorf("op=scanner.http: %w: %v", domain.ErrUpstreamProtocol, err)
	}
	return pl, nil
}

// graphqlStrategy posts the configured query. A response carrying a
// non-empty errors array is a protocol error and is never retried.
type graphqlStrategy struct {
	spec   domain.StrategySpec
	client *http.Client
}

func (s *graphqlStrategy) id() string { return s.spec.ID }

type graphqlResponse struct {
	Data   map[string]any `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (s *graphqlStrategy) fetch(ctx context.Context, t target) (payload, error) {
	reqBody, err := json.Marshal(map[string]any{
		"query":     s.spec.Query,
		"variables": map[string]any{"productId": t.ProductID},
	})
	if err != nil {
		return payload{}, fmt.Errorf("op=scanner.graphql: encode: %w", err)
	}
	resp, err := doWithRetry(ctx, s.client, s.spec, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.spec.URL, bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range s.spec.Headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return payload{}, fmt.Errorf("op=scanner.graphql: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	pl := payload{StatusCode: resp.StatusCode, FinalURL: resp.Request.URL.String()}
	if resp.StatusCode == http.StatusNotFound {
		return pl, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return payload{}, fmt.Errorf("op=scanner.graphql: %w: %v", domain.ErrTransientUpstream, err)
	}
	var gr graphqlResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return payload{}, fmt.Errorf("op=scanner.graphql: %w: %v", domain.ErrUpstreamProtocol, err)
	}
	if len(gr.Errors) > 0 {
		return payload{}, fmt.Errorf("op=scanner.graphql: %w: %s", domain.ErrUpstreamProtocol, gr.Errors[0].Message)
	}
	pl.Data = gr.Data
	return pl, nil
}

// browserStrategy drives a headless-browser page through the configured
// navigation steps and evaluates the extraction expression. The tab
// context must come from the browser pool; its cleanup is the caller's
// responsibility.
type browserStrategy struct {
	spec domain.StrategySpec
}

func (s *browserStrategy) id() string { return s.spec.ID }

func (s *browserStrategy) fetch(ctx context.Context, t target) (payload, error) {
	if t.Page == nil {
		return payload{}, fmt.Errorf("op=scanner.browser: %w: browser strategy requires a page", domain.ErrInvalidArgument)
	}
	nav := navigator{steps: s.spec.Steps, extract: s.spec.Query}
	pl, err := nav.run(ctx, t.Page, t.ProductID)
	if err != nil {
		if errors.Is(err, context.Canceled) || t.Page.Err() != nil {
			return payload{}, fmt.Errorf("op=scanner.browser: %w: %v", domain.ErrBrowserCrashed, err)
		}
		return payload{}, fmt.Errorf("op=scanner.browser: %w", err)
	}
	return pl, nil
}
