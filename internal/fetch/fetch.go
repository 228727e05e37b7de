package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/medusa-proxy/medusa/internal/model"
)

// Reason classifies why a fetch ultimately failed after retries.
type Reason string

const (
	ReasonTimeout    Reason = "timeout"
	ReasonConnection Reason = "connection"
	ReasonHTTPStatus Reason = "http_status"
)

// Source is one subscription endpoint plus its fetch options. Immutable once
// constructed; owned by the Fetch call that uses it.
type Source struct {
	URL      string
	Timeout  time.Duration // per attempt, default 30s
	Retries  int           // total attempts, default 3
	MaxBytes int64         // response cap, default 5 MiB
}

// Payload is the raw bytes fetched from one Source. Consumed and discarded
// by the decoder.
type Payload struct {
	Source Source
	Body   []byte
}

type FetchError struct {
	Reason   Reason
	AppError model.AppError
	Cause    error

	retryable bool
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

var (
	errTooManyRedirects  = errors.New("too many redirects")
	errRedirectBadScheme = errors.New("redirect target scheme is not http/https")
)

// Statuses worth another attempt: rate limiting and transient upstream errors.
var retryStatus = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Subscription providers behave better when the request looks like a browser.
var defaultHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Accept":          "text/plain, */*",
	"Accept-Language": "en-US,en;q=0.5",
	"Cache-Control":   "max-age=0",
}

const (
	defaultTimeout  = 30 * time.Second
	defaultRetries  = 3
	defaultMaxBytes = 5 * 1024 * 1024
	maxRedirects    = 5
	baseBackoff     = 300 * time.Millisecond
)

// Fetch retrieves the raw subscription payload for src. It performs network
// I/O only: no decoding, no parsing. Attempts are bounded by src.Retries with
// exponential backoff between them; only timeouts, connection failures and
// retryable HTTP statuses trigger another attempt.
func Fetch(ctx context.Context, src Source) (Payload, error) {
	timeout := src.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	retries := src.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	maxBytes := src.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	u, err := url.Parse(src.URL)
	if err != nil || u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Payload{}, &FetchError{
			Reason: ReasonConnection,
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "仅允许 http/https 订阅地址",
				Stage:   "fetch",
				URL:     src.URL,
			},
			Cause: err,
		}
	}

	client := &http.Client{
		Transport: http.DefaultTransport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return errRedirectBadScheme
			}
			return nil
		},
	}

	var lastErr *FetchError
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Payload{}, ctxError(ctx.Err(), src.URL)
			case <-time.After(baseBackoff << (attempt - 1)):
			}
		}

		body, ferr := fetchOnce(ctx, client, src.URL, timeout, maxBytes)
		if ferr == nil {
			// Some providers answer with a hint to re-request with flag=ss
			// instead of a plain node list. Follow it once.
			if needsFlagRequery(body) {
				flagged := src.URL + "?flag=ss"
				if strings.Contains(src.URL, "?") {
					flagged = src.URL + "&flag=ss"
				}
				body, ferr = fetchOnce(ctx, client, flagged, timeout, maxBytes)
				if ferr != nil {
					return Payload{}, ferr
				}
			}
			return Payload{Source: src, Body: body}, nil
		}
		lastErr = ferr
		if !ferr.retryable {
			break
		}
	}
	return Payload{}, lastErr
}

func fetchOnce(ctx context.Context, client *http.Client, rawURL string, timeout time.Duration, maxBytes int64) ([]byte, *FetchError) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{
			Reason: ReasonConnection,
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "请求 URL 不合法",
				Stage:   "fetch",
				URL:     rawURL,
			},
			Cause: err,
		}
	}
	for k, v := range defaultHeaders {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, classifyTransportError(err, rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, retryable := retryStatus[resp.StatusCode]
		return nil, &FetchError{
			Reason: ReasonHTTPStatus,
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: fmt.Sprintf("上游返回状态码 %d", resp.StatusCode),
				Stage:   "fetch",
				URL:     rawURL,
			},
			retryable: retryable,
		}
	}

	// Read at most maxBytes+1 to detect overflow deterministically.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, classifyTransportError(err, rawURL)
	}
	if int64(len(body)) > maxBytes {
		return nil, &FetchError{
			Reason: ReasonHTTPStatus,
			AppError: model.AppError{
				Code:    "TOO_LARGE",
				Message: fmt.Sprintf("订阅响应过大（>%d bytes）", maxBytes),
				Stage:   "fetch",
				URL:     rawURL,
			},
		}
	}
	if !utf8.Valid(body) {
		return nil, &FetchError{
			Reason: ReasonConnection,
			AppError: model.AppError{
				Code:    "FETCH_INVALID_UTF8",
				Message: "订阅响应不是合法 UTF-8 文本",
				Stage:   "fetch",
				URL:     rawURL,
			},
		}
	}
	return body, nil
}

func classifyTransportError(err error, rawURL string) *FetchError {
	if errors.Is(err, errTooManyRedirects) {
		return &FetchError{
			Reason: ReasonConnection,
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: fmt.Sprintf("重定向次数超过上限（>%d）", maxRedirects),
				Stage:   "fetch",
				URL:     rawURL,
			},
			Cause: err,
		}
	}
	if errors.Is(err, errRedirectBadScheme) {
		return &FetchError{
			Reason: ReasonConnection,
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: "重定向目标仅允许 http/https",
				Stage:   "fetch",
				URL:     rawURL,
			},
			Cause: err,
		}
	}

	// Timeout detection: Go may wrap errors (e.g. *url.Error).
	var ne net.Error
	if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{
			Reason: ReasonTimeout,
			AppError: model.AppError{
				Code:    "FETCH_TIMEOUT",
				Message: "拉取订阅超时",
				Stage:   "fetch",
				URL:     rawURL,
			},
			Cause:     err,
			retryable: true,
		}
	}
	if errors.Is(err, context.Canceled) {
		return ctxError(context.Canceled, rawURL)
	}

	return &FetchError{
		Reason: ReasonConnection,
		AppError: model.AppError{
			Code:    "FETCH_FAILED",
			Message: "拉取订阅失败",
			Stage:   "fetch",
			URL:     rawURL,
		},
		Cause:     err,
		retryable: true,
	}
}

func ctxError(err error, rawURL string) *FetchError {
	reason := ReasonConnection
	code := "FETCH_CANCELED"
	msg := "拉取订阅被取消"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = ReasonTimeout
		code = "FETCH_TIMEOUT"
		msg = "拉取订阅超时"
	}
	return &FetchError{
		Reason: reason,
		AppError: model.AppError{
			Code:    code,
			Message: msg,
			Stage:   "fetch",
			URL:     rawURL,
		},
		Cause: err,
	}
}

var schemePrefixes = [][]byte{
	[]byte("ss://"),
	[]byte("trojan://"),
	[]byte("vmess://"),
	[]byte("vless://"),
}

func needsFlagRequery(body []byte) bool {
	if !bytes.Contains(body, []byte("flag=ss")) {
		return false
	}
	trimmed := bytes.TrimSpace(body)
	for _, p := range schemePrefixes {
		if bytes.HasPrefix(trimmed, p) {
			return false
		}
	}
	return true
}
