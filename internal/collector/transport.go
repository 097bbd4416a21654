package collector

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/tengta119/VoipRecord/internal/metrics"
)

const maxErrorBody = 512

// NewPooledTransport creates an http.Transport with connection pooling tuned for
// a single collection server.
func NewPooledTransport(poolSize int) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          poolSize,
		MaxIdleConnsPerHost:   poolSize,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// RetryTransport retries requests that fail below the HTTP layer.
//
// MaxRetries is the total number of attempts. Between attempts it waits
// attempt × Delay. A non-2xx response ends the request immediately with a
// *ProtocolError; exhausting the attempts yields a *TransportError.
//
// AttemptTimeout bounds each attempt on its own, including reading the
// response body, so an attempt that times out is retried like any other
// transport failure.
type RetryTransport struct {
	Base           http.RoundTripper
	MaxRetries     int
	Delay          time.Duration
	AttemptTimeout time.Duration

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	attempts := max(t.MaxRetries, 1)
	ctx := req.Context()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := rewind(req, attempt)
		if err != nil {
			return nil, &TransportError{Method: req.Method, URL: req.URL.String(), Attempts: attempt - 1, Err: err}
		}

		resp, err := t.attempt(r)
		if err == nil {
			return checkStatus(req, resp)
		}
		lastErr = err

		if ctx.Err() != nil || attempt == attempts {
			return nil, &TransportError{Method: req.Method, URL: req.URL.String(), Attempts: attempt, Err: lastErr}
		}

		metrics.TransportRetries.Inc()
		slog.Warn("request failed, retrying",
			"method", req.Method, "url", req.URL.String(),
			"attempt", attempt, "max", attempts, "error", err)

		if err := t.sleep(ctx, time.Duration(attempt)*t.Delay); err != nil {
			return nil, &TransportError{Method: req.Method, URL: req.URL.String(), Attempts: attempt, Err: err}
		}
	}
	return nil, &TransportError{Method: req.Method, URL: req.URL.String(), Attempts: attempts, Err: lastErr}
}

// attempt sends r once under AttemptTimeout. The attempt context stays alive
// until the response body is closed.
func (t *RetryTransport) attempt(r *http.Request) (*http.Response, error) {
	if t.AttemptTimeout <= 0 {
		return t.base().RoundTrip(r)
	}
	ctx, cancel := context.WithTimeout(r.Context(), t.AttemptTimeout)
	resp, err := t.base().RoundTrip(r.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (t *RetryTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *RetryTransport) sleep(ctx context.Context, d time.Duration) error {
	if t.Sleep != nil {
		return t.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

// rewind returns the request to send on the given attempt. The first attempt
// uses req as is; later attempts replay the body through GetBody.
func rewind(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 1 || req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, errors.Wrap(err, "replay request body")
	}
	r := req.Clone(req.Context())
	r.Body = body
	return r, nil
}

func checkStatus(req *http.Request, resp *http.Response) (*http.Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &ProtocolError{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
