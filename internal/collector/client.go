package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tengta119/VoipRecord/internal/metrics"
)

// Options configures a Client.
type Options struct {
	PoolSize   int
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Version    string

	// Base overrides the pooled transport. Used by tests.
	Base http.RoundTripper
	// Sleep overrides the backoff wait of the retry transport.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client talks to the collection server.
type Client struct {
	retrying *http.Client
	single   *http.Client
	version  string
}

// NewClient creates a collection server client. Session creation goes through
// a single-attempt client; every other call goes through the retry transport.
// Timeout applies to each attempt, not to the request as a whole.
func NewClient(opts Options) *Client {
	base := opts.Base
	if base == nil {
		base = NewPooledTransport(max(opts.PoolSize, 1))
	}
	return &Client{
		retrying: &http.Client{
			Transport: &RetryTransport{
				Base:           base,
				MaxRetries:     opts.MaxRetries,
				Delay:          opts.RetryDelay,
				AttemptTimeout: opts.Timeout,
				Sleep:          opts.Sleep,
			},
		},
		single: &http.Client{
			Transport: &RetryTransport{Base: base, MaxRetries: 1, AttemptTimeout: opts.Timeout},
		},
		version: opts.Version,
	}
}

// CreateSession asks the server for a new session. It is attempted exactly once.
func (c *Client) CreateSession(ctx context.Context, baseURL, username string) (*SessionParams, error) {
	start := time.Now()
	form := url.Values{"username": {username}}

	req, err := newFormRequest(ctx, endpoint(baseURL, "api", "v1", "call", "new"), form)
	if err != nil {
		return nil, err
	}

	var params SessionParams
	if err = c.doJSON(c.single, req, &params); err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	if params.SessionID == "" {
		return nil, errors.New("create session: response carries no session_id")
	}

	metrics.UploadDuration.WithLabelValues("session_create").Observe(time.Since(start).Seconds())
	return &params, nil
}

// UploadChunk sends one encoded audio chunk read from path.
func (c *Client) UploadChunk(ctx context.Context, baseURL, sessionID, channel string, index int, path string) error {
	start := time.Now()

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read chunk %s", filepath.Base(path))
	}

	name := fmt.Sprintf("%s_%d.wav", channel, index)
	body, contentType, err := buildMultipartFile("audio", name, "audio/wav", data)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(baseURL, "api", "v1", "call", sessionID, "audio"), body)
	if err != nil {
		return errors.Wrap(err, "create chunk request")
	}
	req.Header.Set("Content-Type", contentType)

	if err = c.discard(c.retrying, req); err != nil {
		return errors.Wrapf(err, "upload %s", name)
	}

	metrics.UploadDuration.WithLabelValues("chunk").Observe(time.Since(start).Seconds())
	return nil
}

// UploadScreenshot sends one JPEG frame.
func (c *Client) UploadScreenshot(ctx context.Context, baseURL, sessionID string, image []byte) error {
	start := time.Now()

	body, contentType, err := buildMultipartFile("image", "image.jpg", "image/jpeg", image)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(baseURL, "api", "v1", "call", sessionID, "img"), body)
	if err != nil {
		return errors.Wrap(err, "create screenshot request")
	}
	req.Header.Set("Content-Type", contentType)

	if err = c.discard(c.retrying, req); err != nil {
		return errors.Wrap(err, "upload screenshot")
	}

	metrics.UploadDuration.WithLabelValues("screenshot").Observe(time.Since(start).Seconds())
	return nil
}

// PostHealth reports client liveness. The session id is only used for logging;
// the server identifies the client by username.
func (c *Client) PostHealth(ctx context.Context, baseURL, sessionID, username string) error {
	start := time.Now()
	form := url.Values{
		"version":  {c.version},
		"username": {username},
	}

	req, err := newFormRequest(ctx, endpoint(baseURL, "api", "v1", "client", "health"), form)
	if err != nil {
		return err
	}
	if err = c.discard(c.retrying, req); err != nil {
		return errors.Wrap(err, "post health")
	}

	slog.Debug("heartbeat sent", "session_id", sessionID, "username", username)
	metrics.UploadDuration.WithLabelValues("health").Observe(time.Since(start).Seconds())
	return nil
}

// CloseSession ends a session and returns the server's tally.
func (c *Client) CloseSession(ctx context.Context, baseURL, sessionID string) (*SessionSummary, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(baseURL, "api", "v1", "call", sessionID, "close"), nil)
	if err != nil {
		return nil, errors.Wrap(err, "create close request")
	}

	var summary SessionSummary
	if err = c.doJSON(c.retrying, req, &summary); err != nil {
		return nil, errors.Wrap(err, "close session")
	}

	metrics.UploadDuration.WithLabelValues("session_close").Observe(time.Since(start).Seconds())
	return &summary, nil
}

// Ping checks that the server answers at all. Any HTTP response, including an
// error status, counts as reachable.
func (c *Client) Ping(ctx context.Context, baseURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/", nil)
	if err != nil {
		return 0, errors.Wrap(err, "create ping request")
	}
	err = c.discard(c.single, req)
	if err == nil {
		return http.StatusOK, nil
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.StatusCode, nil
	}
	return 0, err
}

func (c *Client) doJSON(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func (c *Client) discard(hc *http.Client, req *http.Request) error {
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err = io.Copy(io.Discard, resp.Body); err != nil {
		slog.Debug("drain response body", "url", req.URL.String(), "error", err)
	}
	return nil
}

func newFormRequest(ctx context.Context, target string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "create form request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func endpoint(baseURL string, segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.Join(escaped, "/")
}

func buildMultipartFile(field, filename, contentType string, data []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", errors.Wrap(err, "create form file")
	}
	if _, err = part.Write(data); err != nil {
		return nil, "", errors.Wrap(err, "write form file")
	}
	if err = writer.Close(); err != nil {
		return nil, "", errors.Wrap(err, "close multipart writer")
	}
	return &body, writer.FormDataContentType(), nil
}
