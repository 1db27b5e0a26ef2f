package cache

import (
	"context"
	"net/http"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// ErrCacheMiss is returned when no stored response matches a request.
var ErrCacheMiss = errors.New(errors.CodeNotFound, "No cached response")

// Registry owns the named cache partitions.
// Storage grows until partitions are explicitly deleted; there is no eviction.
type Registry struct {
	provider Provider
	keyer    cachekey.CacheKeyer
	log      zerolog.Logger
}

func NewRegistry(provider Provider, keyer cachekey.CacheKeyer, logger zerolog.Logger) *Registry {
	return &Registry{
		provider: provider,
		keyer:    keyer,
		log:      logger.With().Str("component", "cache").Logger(),
	}
}

// Open returns the named partition, creating it if absent.
// Handles for the same name operate on the same stored entries.
func (r *Registry) Open(ctx context.Context, name string) (*Partition, error) {
	if err := r.provider.Create(ctx, name); err != nil {
		return nil, err
	}
	return &Partition{name: name, registry: r}, nil
}

// Names lists partition names, oldest first.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	return r.provider.Names(ctx)
}

// Has checks if the named partition exists.
func (r *Registry) Has(ctx context.Context, name string) (bool, error) {
	return r.provider.Has(ctx, name)
}

// Delete removes a partition; it returns false if there was none.
func (r *Registry) Delete(ctx context.Context, name string) (bool, error) {
	return r.provider.Delete(ctx, name)
}

// DeleteAllExcept deletes every partition whose name is not in current.
// Names are compared exactly. It returns the deleted names.
func (r *Registry) DeleteAllExcept(ctx context.Context, current ...string) ([]string, error) {
	keep := make(map[string]struct{}, len(current))
	for _, name := range current {
		keep[name] = struct{}{}
	}
	names, err := r.provider.Names(ctx)
	if err != nil {
		return nil, err
	}
	deleted := make([]string, 0)
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		r.log.Info().Str("partition", name).Msg("Deleting old cache")
		if _, err := r.provider.Delete(ctx, name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// DeleteAll removes every partition.
func (r *Registry) DeleteAll(ctx context.Context) ([]string, error) {
	return r.DeleteAllExcept(ctx)
}

// Match searches all partitions, oldest first, for a stored response.
func (r *Registry) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	key, err := r.keyer.GetKey(req)
	if err != nil {
		return nil, err
	}
	return r.matchKey(ctx, key, req)
}

// MatchURL is Match for a plain GET of the given URL.
func (r *Registry) MatchURL(ctx context.Context, raw string) (*http.Response, error) {
	req, err := r.newRequest(raw)
	if err != nil {
		return nil, err
	}
	return r.Match(ctx, req)
}

func (r *Registry) matchKey(ctx context.Context, key string, req *http.Request) (*http.Response, error) {
	names, err := r.provider.Names(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		res, err := r.get(ctx, name, key, req)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			return nil, err
		}
	}
	return nil, ErrCacheMiss
}

func (r *Registry) get(ctx context.Context, name, key string, req *http.Request) (*http.Response, error) {
	bytes, ok, err := r.provider.Get(ctx, name, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCacheMiss
	}
	stored, err := serializer.BytesToResponse(bytes, req)
	if err != nil {
		// a corrupted entry is purged and treated as a miss
		r.log.Error().Err(err).Str("partition", name).Str("key", key).Msg("Could not read from cache")
		if err := r.provider.Purge(ctx, name, key); err != nil {
			r.log.Error().Err(err).Str("key", key).Msg("Could not purge corrupted entry")
		}
		return nil, ErrCacheMiss
	}
	r.log.Trace().Str("partition", name).Str("key", key).Time("storedAt", stored.StoredAt).Msg("Cache hit")
	return stored.Response, nil
}

func (r *Registry) newRequest(raw string) (*http.Request, error) {
	u, err := r.keyer.Resolve(raw)
	if err != nil {
		return nil, err
	}
	return http.NewRequest(http.MethodGet, u.String(), nil)
}

// Partition is a handle to one named partition.
type Partition struct {
	name     string
	registry *Registry
}

func (p *Partition) Name() string {
	return p.name
}

// Match returns the response stored for the request in this partition.
func (p *Partition) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	key, err := p.registry.keyer.GetKey(req)
	if err != nil {
		return nil, err
	}
	return p.registry.get(ctx, p.name, key, req)
}

// MatchURL is Match for a plain GET of the given URL.
func (p *Partition) MatchURL(ctx context.Context, raw string) (*http.Response, error) {
	req, err := p.registry.newRequest(raw)
	if err != nil {
		return nil, err
	}
	return p.Match(ctx, req)
}

// Put stores a snapshot of the response under the request identity.
// The response body is read and set back, so res can still be used by the caller.
// Only GET requests can be stored.
func (p *Partition) Put(ctx context.Context, req *http.Request, res *http.Response) error {
	key, err := p.registry.keyer.GetKey(req)
	if err != nil {
		return err
	}
	storedAt := time.Now()
	bytes, err := serializer.ResponseToBytes(res, storedAt)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "Could not snapshot response")
	}
	p.registry.log.Trace().Str("partition", p.name).Str("key", key).Int("status", res.StatusCode).Msg("Writing to cache")
	return p.registry.provider.Put(ctx, p.name, key, storedAt, bytes)
}

// PutURL is Put for a plain GET of the given URL.
func (p *Partition) PutURL(ctx context.Context, raw string, res *http.Response) error {
	req, err := p.registry.newRequest(raw)
	if err != nil {
		return err
	}
	return p.Put(ctx, req, res)
}

// Delete removes the entry for the request.
func (p *Partition) Delete(ctx context.Context, req *http.Request) error {
	key, err := p.registry.keyer.GetKey(req)
	if err != nil {
		return err
	}
	return p.registry.provider.Purge(ctx, p.name, key)
}

// Keys lists the request identities stored in this partition.
func (p *Partition) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	err := p.registry.provider.Keys(ctx, p.name, func(key string) {
		keys = append(keys, key)
	})
	return keys, err
}
