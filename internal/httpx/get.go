package httpx

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	maxAttempts = 5
	tailLen     = 200
)

// UpstreamError is a non-2xx response. 5xx and 429 are retried; everything
// else surfaces as-is with a diagnostic body tail.
type UpstreamError struct {
	URL    string
	Status int
	Tail   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: status %d: %s", e.URL, e.Status, e.Tail)
}

func (e *UpstreamError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

func Tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > tailLen {
		s = s[:tailLen]
	}
	return s
}

// IsRemoteClose reports whether the error looks like the server dropped the
// connection mid-response. The paged downloader halves its page size on these.
func IsRemoteClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "broken pipe")
}

func newRetry(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx)
}

// GetBytes fetches the URL with retries and returns the decompressed body.
func GetBytes(ctx context.Context, client *http.Client, rawURL string, params url.Values) ([]byte, error) {
	var body []byte
	op := func() error {
		b, err := fetchOnce(ctx, client, rawURL, params)
		if err != nil {
			return err
		}
		body = b
		return nil
	}
	if err := backoff.Retry(op, newRetry(ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// GetJSON fetches and decodes a JSON document. On a decode failure the error
// names the URL and carries the first 200 characters of the body.
func GetJSON(ctx context.Context, client *http.Client, rawURL string, params url.Values, out any) error {
	body, err := GetBytes(ctx, client, rawURL, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w (body: %s)", rawURL, err, Tail(body))
	}
	return nil
}

// GetToFile streams the response body to path and returns the byte count.
// No retry here; callers own the retry decision for bulk transfers.
func GetToFile(ctx context.Context, client *http.Client, rawURL string, params url.Values, path string) (int64, error) {
	req, err := buildRequest(ctx, rawURL, params)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, tailLen))
		return 0, &UpstreamError{URL: rawURL, Status: resp.StatusCode, Tail: Tail(tail)}
	}

	src, err := sniffReader(resp)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", rawURL, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("stream %s to %s: %w", rawURL, path, err)
	}
	return n, nil
}

func buildRequest(ctx context.Context, rawURL string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	applyHeaders(req)
	return req, nil
}

func fetchOnce(ctx context.Context, client *http.Client, rawURL string, params url.Values) ([]byte, error) {
	req, err := buildRequest(ctx, rawURL, params)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ue := &UpstreamError{URL: rawURL, Status: resp.StatusCode, Tail: Tail(body)}
		if ue.Retryable() {
			return nil, ue
		}
		return nil, backoff.Permanent(ue)
	}

	return gunzipIfNeeded(body, rawURL)
}

// Some servers gzip the body without setting Content-Encoding; detect by the
// magic bytes instead of trusting the header.
func gunzipIfNeeded(body []byte, rawURL string) ([]byte, error) {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("gunzip %s: %w", rawURL, err))
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip %s: %w", rawURL, err)
	}
	return out, nil
}

func sniffReader(resp *http.Response) (io.Reader, error) {
	br := bufio.NewReader(resp.Body)
	magic, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		return zr, nil
	}
	return br, nil
}
