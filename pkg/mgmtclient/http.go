package mgmtclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPClient is the production Client implementation: a realm URL plus a
// retrying HTTP transport. Transient failures (connection refused, 5xx) are
// retried up to 8 times with exponential backoff waits of 200ms to 5s; once
// the retries are used up, or on any non-retryable response, the call
// surfaces an *Error with the appropriate code.
type HTTPClient struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewHTTPClient builds an HTTPClient against realmURL. maxTimeout (the
// source system's LOC_SRV_MAX_TIMEOUT knob) is the timeout of each single
// HTTP attempt; the total time a call spends across its retries and backoff
// waits is not bounded by it.
func NewHTTPClient(realmURL string, maxTimeout time.Duration, logger *slog.Logger) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.RetryMax = 8
	rc.HTTPClient.Timeout = maxTimeout
	if logger != nil {
		rc.Logger = slogAdapter{logger}
	} else {
		rc.Logger = nil
	}

	return &HTTPClient{baseURL: realmURL, httpClient: rc}
}

func (c *HTTPClient) FetchPolicy(ctx context.Context, realmID uint64) ([]byte, error) {
	u := fmt.Sprintf("%s/policy/%x", c.baseURL, realmID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Code: ErrInternal, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Code: ErrConnect, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Code: ErrConnect, Err: fmt.Errorf("fetch policy: unexpected status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Code: ErrConnect, Err: err}
	}
	return body, nil
}

func (c *HTTPClient) CurrentSeqNumber(ctx context.Context, realmID uint64, seqnr uint64) (bool, error) {
	u := fmt.Sprintf("%s/policy/%x/seqnr?current=%s", c.baseURL, realmID, url.QueryEscape(strconv.FormatUint(seqnr, 10)))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, &Error{Code: ErrInternal, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, &Error{Code: ErrConnect, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return true, nil
	case http.StatusConflict:
		return false, nil
	default:
		return false, &Error{Code: ErrConnect, Err: fmt.Errorf("current seqnr: unexpected status %d", resp.StatusCode)}
	}
}

func (c *HTTPClient) EnrollDevice(ctx context.Context, csrPEM []byte, otc string) ([]byte, error) {
	u := fmt.Sprintf("%s/enroll?otc=%s", c.baseURL, url.QueryEscape(otc))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(csrPEM))
	if err != nil {
		return nil, &Error{Code: ErrInternal, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-pem-file")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Code: ErrConnect, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		chain, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &Error{Code: ErrConnect, Err: err}
		}
		return chain, nil
	case http.StatusForbidden, http.StatusUnauthorized:
		return nil, &Error{Code: ErrOTP, Err: fmt.Errorf("enroll device: code rejected")}
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return nil, &Error{Code: ErrSSL, Err: fmt.Errorf("enroll device: realm handshake failed")}
	default:
		return nil, &Error{Code: ErrInternal, Err: fmt.Errorf("enroll device: unexpected status %d", resp.StatusCode)}
	}
}

// slogAdapter satisfies retryablehttp.LeveledLogger on top of log/slog.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Error(msg string, kv ...interface{}) { a.l.Error(msg, kv...) }
func (a slogAdapter) Info(msg string, kv ...interface{})  { a.l.Info(msg, kv...) }
func (a slogAdapter) Debug(msg string, kv ...interface{}) { a.l.Debug(msg, kv...) }
func (a slogAdapter) Warn(msg string, kv ...interface{})  { a.l.Warn(msg, kv...) }
