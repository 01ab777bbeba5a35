package k0fiscan

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

// Cache errors
var (
	ErrCacheInitFailed = fmt.Errorf("failed to initialize cache")
)

// lookupFunc resolves a host name to its addresses.
type lookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Resolver turns host names from target lists into addresses, caching
// answers for the configured TTL.
type Resolver struct {
	lookup lookupFunc
	cache  *ristretto.Cache[string, netip.Addr]
	ttl    time.Duration
	logger *zap.Logger
}

// NewResolver creates a resolver backed by net.DefaultResolver. With a
// zero ttl answers are not cached.
func NewResolver(ttl time.Duration, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
		ttl:    ttl,
		logger: logger.With(zap.String("component", "resolver")),
	}
	if ttl <= 0 {
		return r, nil
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, netip.Addr]{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheInitFailed, err)
	}
	r.cache = cache
	return r, nil
}

// Resolve returns one address for host, preferring IPv4.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if r.cache != nil {
		if addr, ok := r.cache.Get(host); ok {
			r.logger.Debug("Using cached address", zap.String("host", host))
			return addr, nil
		}
	}

	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return netip.Addr{}, NewAppError(err, ErrCodeNetworkFailure, "failed to resolve host", "resolver", "resolve").WithTarget(host)
	}

	var chosen netip.Addr
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is4() {
			chosen = a
			break
		}
		if !chosen.IsValid() {
			chosen = a
		}
	}
	if !chosen.IsValid() {
		return netip.Addr{}, NewAppError(nil, ErrCodeNetworkFailure, "no addresses found", "resolver", "resolve").WithTarget(host)
	}

	if r.cache != nil {
		r.cache.SetWithTTL(host, chosen, 1, r.ttl)
		r.cache.Wait()
	}
	return chosen, nil
}

// Close releases the cache.
func (r *Resolver) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}
