package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/country-metrics/internal/analytics"
)

var (
	errCircuitOpen  = errors.New("circuit breaker open")
	errNoHTTPClient = errors.New("http client not configured")
)

// HTTPError carries status and body of a non-2xx response.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: %s %s status=%d body=%s", e.Method, e.URL, e.StatusCode, snippet(e.Body, 500))
}

func snippet(b []byte, max int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

type rawResponse struct {
	status int
	body   []byte
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
}

// doRequest executes one request through the circuit breaker and classifies
// the outcome: 429/5xx and network failures come back as transient errors,
// other non-2xx statuses as *HTTPError, an open breaker as a permanent error.
// Retrying is left to the caller.
func doRequest(
	ctx context.Context,
	client *http.Client,
	cb *gobreaker.CircuitBreaker,
	buildRequest func(context.Context) (*http.Request, error),
) ([]byte, error) {
	if client == nil {
		return nil, errNoHTTPClient
	}

	req, err := buildRequest(ctx)
	if err != nil {
		return nil, err
	}

	result, err := cb.Execute(func() (interface{}, error) {
		resp, execErr := client.Do(req)
		if execErr != nil {
			return nil, execErr
		}
		body, readErr := readAndClose(resp.Body)
		if readErr != nil {
			return nil, readErr
		}

		// Only throttling and server errors count against the breaker.
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &HTTPError{
				Method:     req.Method,
				URL:        req.URL.String(),
				StatusCode: resp.StatusCode,
				Body:       body,
			}
		}
		return rawResponse{status: resp.StatusCode, body: body}, nil
	})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w: %v", analytics.ErrSourceUnavailable, errCircuitOpen, err)
		}
		var herr *HTTPError
		if errors.As(err, &herr) || isRetryableNetErr(err) {
			return nil, analytics.Transient(err)
		}
		return nil, err
	}

	resp, ok := result.(rawResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	if resp.status < 200 || resp.status >= 300 {
		return resp.body, &HTTPError{
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.status,
			Body:       resp.body,
		}
	}
	return resp.body, nil
}

func readAndClose(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	return io.ReadAll(rc)
}

func isRetryableNetErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof")
}
