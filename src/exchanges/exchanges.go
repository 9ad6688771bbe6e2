// Package exchanges holds what the per-exchange REST clients share: credentials,
// nonces, upstream errors and the pagination loop.
package exchanges

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	// ErrMissingCredentials is returned when a client is built without key or secret.
	ErrMissingCredentials = errors.New("missing exchange credentials")
	// ErrUpstream wraps non-2xx responses and exchange-reported errors.
	ErrUpstream = errors.New("exchange request failed")
)

// Credentials are a user's API key pair for one exchange.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Validate fails with ErrMissingCredentials when either half is blank.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.APISecret) == "" {
		return ErrMissingCredentials
	}
	return nil
}

// NonceSource hands out millisecond timestamps that never repeat or go backwards.
type NonceSource struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewNonceSource returns a nonce source reading the given clock (time.Now if nil).
func NewNonceSource(now func() time.Time) *NonceSource {
	if now == nil {
		now = time.Now
	}
	return &NonceSource{now: now}
}

// Next returns the next nonce.
func (n *NonceSource) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	nonce := n.now().UnixMilli()
	if nonce <= n.last {
		nonce = n.last + 1
	}
	n.last = nonce
	return nonce
}

// StatusError builds the ErrUpstream error for a non-2xx response, keeping a bounded body excerpt.
func StatusError(exchange string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("%w: %s returned status %d: %s", ErrUpstream, exchange, resp.StatusCode, strings.TrimSpace(string(body)))
}

// IsSuccess reports whether an HTTP status is 2xx.
func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
