// Package ratelimit implements fixed-window admission control per identifier.
//
// A Limiter allows at most MaxRequests requests per identifier within each
// fixed Window. The first request from an identifier opens a window; the
// window is replaced by the first request that arrives strictly after its
// reset time. Requests refused while limited do not extend or consume the
// window.
//
//	st := store.NewMemory()
//	defer st.Close()
//
//	limiter, err := ratelimit.New(st, ratelimit.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	decision, err := limiter.CheckAndConsume(ctx, clientIP)
//	if err != nil {
//		return err
//	}
//	if decision.Limited {
//		// reject with 429
//	}
//
// Fixed windows are burst tolerant: up to 2×MaxRequests requests can be
// admitted in a short span straddling a window boundary. The in-memory store
// keeps state per process; behind several instances use the Redis store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhalm/formguard/store"
)

const (
	// DefaultWindow is the window length used by DefaultConfig.
	DefaultWindow = 15 * time.Minute

	// DefaultMaxRequests is the per-window request budget used by DefaultConfig.
	DefaultMaxRequests = 10
)

// ErrInvalidIdentifier is returned when the identifier is empty or blank.
// It is a caller contract violation and never reaches the store.
var ErrInvalidIdentifier = errors.New("ratelimit: identifier is required")

// Config is fixed at construction.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// DefaultConfig returns 10 requests per 15 minutes.
func DefaultConfig() Config {
	return Config{
		Window:      DefaultWindow,
		MaxRequests: DefaultMaxRequests,
	}
}

// Decision is the outcome of CheckAndConsume.
type Decision struct {
	Limited   bool      `json:"limited"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"-"`
	ResetAt   time.Time `json:"-"`
}

// Limiter enforces a Config over a store.Store.
type Limiter struct {
	store  store.Store
	config Config
	name   string
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithName prefixes every key with name. Use it when several limiters share
// one store, giving each of them a name. The name must not contain ':',
// which separates it from the identifier.
func WithName(name string) Option {
	return func(l *Limiter) {
		l.name = name
	}
}

// New creates a Limiter. Window and MaxRequests must be positive.
func New(st store.Store, cfg Config, opts ...Option) (*Limiter, error) {
	if st == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be positive, got %s", cfg.Window)
	}
	if cfg.MaxRequests <= 0 {
		return nil, fmt.Errorf("ratelimit: max requests must be positive, got %d", cfg.MaxRequests)
	}

	l := &Limiter{store: st, config: cfg}
	for _, opt := range opts {
		opt(l)
	}
	if strings.Contains(l.name, ":") {
		return nil, fmt.Errorf("ratelimit: name %q must not contain ':'", l.name)
	}
	return l, nil
}

// CheckAndConsume decides whether a request from identifier may proceed and,
// if so, records it against the current window.
//
// Remaining counts the requests still allowed after this one; it is 0 both
// for the last admitted request and for every refused one.
func (l *Limiter) CheckAndConsume(ctx context.Context, identifier string) (Decision, error) {
	key, err := l.key(identifier)
	if err != nil {
		return Decision{}, err
	}

	w, err := l.store.Take(ctx, key, int64(l.config.MaxRequests), l.config.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: %w", err)
	}

	d := Decision{
		Limited: w.Limited,
		Limit:   l.config.MaxRequests,
		ResetAt: w.ResetAt,
	}
	if !w.Limited {
		d.Remaining = max(0, l.config.MaxRequests-int(w.Count))
	}
	return d, nil
}

// Remaining reports how many requests identifier may still make in its
// current window without consuming one.
func (l *Limiter) Remaining(ctx context.Context, identifier string) (int, error) {
	key, err := l.key(identifier)
	if err != nil {
		return 0, err
	}

	count, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: %w", err)
	}
	return max(0, l.config.MaxRequests-int(count)), nil
}

// Reset clears identifier's window.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	key, err := l.key(identifier)
	if err != nil {
		return err
	}
	if err := l.store.Reset(ctx, key); err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}
	return nil
}

// Limit returns the configured MaxRequests.
func (l *Limiter) Limit() int {
	return l.config.MaxRequests
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.config.Window
}

func (l *Limiter) key(identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", ErrInvalidIdentifier
	}
	if l.name == "" {
		return identifier, nil
	}

	var sb strings.Builder
	sb.Grow(len(l.name) + 1 + len(identifier))
	sb.WriteString(l.name)
	sb.WriteByte(':')
	sb.WriteString(identifier)
	return sb.String(), nil
}
