package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type memCacheEntry struct {
	storedAt time.Time
	bytes    []byte
}

// MemoryProvider keeps every partition in its own go-cache instance.
// Entries never expire; only deleting the partition removes them.
type MemoryProvider struct {
	mutex      *sync.RWMutex
	order      *[]string
	partitions map[string]*gocache.Cache
}

var _ Provider = MemoryProvider{}

func NewMemoryProvider() MemoryProvider {
	return MemoryProvider{
		mutex:      &sync.RWMutex{},
		order:      &[]string{},
		partitions: make(map[string]*gocache.Cache),
	}
}

func (m MemoryProvider) partition(name string, create bool) *gocache.Cache {
	if !create {
		m.mutex.RLock()
		defer m.mutex.RUnlock()
		return m.partitions[name]
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p, ok := m.partitions[name]
	if !ok {
		p = gocache.New(gocache.NoExpiration, 0)
		m.partitions[name] = p
		*m.order = append(*m.order, name)
	}
	return p
}

func (m MemoryProvider) Create(ctx context.Context, name string) error {
	m.partition(name, true)
	return nil
}

func (m MemoryProvider) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string(nil), *m.order...), nil
}

func (m MemoryProvider) Has(ctx context.Context, name string) (bool, error) {
	return m.partition(name, false) != nil, nil
}

func (m MemoryProvider) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p, ok := m.partitions[name]
	if !ok {
		return false, nil
	}
	p.Flush()
	delete(m.partitions, name)
	order := (*m.order)[:0]
	for _, n := range *m.order {
		if n != name {
			order = append(order, n)
		}
	}
	*m.order = order
	return true, nil
}

func (m MemoryProvider) Get(ctx context.Context, name, key string) ([]byte, bool, error) {
	p := m.partition(name, false)
	if p == nil {
		return nil, false, nil
	}
	value, ok := p.Get(key)
	if !ok {
		return nil, false, nil
	}
	return value.(memCacheEntry).bytes, true, nil
}

func (m MemoryProvider) Put(ctx context.Context, name, key string, storedAt time.Time, bytes []byte) error {
	m.partition(name, true).Set(key, memCacheEntry{storedAt, bytes}, gocache.NoExpiration)
	return nil
}

func (m MemoryProvider) Purge(ctx context.Context, name, key string) error {
	if p := m.partition(name, false); p != nil {
		p.Delete(key)
	}
	return nil
}

func (m MemoryProvider) Keys(ctx context.Context, name string, cb func(string)) error {
	p := m.partition(name, false)
	if p == nil {
		return nil
	}
	items := p.Items()
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemoryProvider) Close() error {
	return nil
}
