package marketlink

import (
	"sort"
	"strings"
	"sync"
)

// ============================================================================
// Storage Contract
// ============================================================================

// Storage is the durable backend shared by the cache regions and the sync
// queue. Implementations must be safe for concurrent use.
//
// Cache semantics: writes are idempotent (re-putting a key overwrites), and
// no entry ever expires by itself — eviction happens only through
// DeleteRegion at version rollover or an explicit policy in the router.
type Storage interface {
	// CacheGet returns the entry for (region, key), or ok=false on a miss.
	CacheGet(region, key string) (*CachedResponse, bool, error)
	CachePut(region, key string, resp *CachedResponse) error
	CacheKeys(region string) ([]string, error)
	DeleteRegion(region string) error
	Regions() ([]string, error)

	// QueueAppend appends an entry to the tail of the sync queue.
	QueueAppend(e *QueueEntry) error
	// QueueList returns all entries in FIFO (enqueue) order.
	QueueList() ([]*QueueEntry, error)
	QueueUpdate(e *QueueEntry) error
	QueueRemove(id string) error
	QueueLen() (int, error)

	Close() error
}

// ============================================================================
// Region Naming
// ============================================================================

// Region kinds. A full region name is "<kind>-<version>".
const (
	RegionStatic  = "static"
	RegionAPI     = "api"
	RegionOffline = "offline"
)

// RegionName returns the full region name for a kind at a version.
func RegionName(kind, version string) string {
	return kind + "-" + version
}

func regionVersion(region string) string {
	if i := strings.LastIndex(region, "-"); i >= 0 {
		return region[i+1:]
	}
	return ""
}

// PruneVersions deletes, wholesale, every region whose version differs from
// keep. There is no partial migration across versions.
func PruneVersions(s Storage, keep string) error {
	regions, err := s.Regions()
	if err != nil {
		return err
	}
	for _, r := range regions {
		if regionVersion(r) != keep {
			if err := s.DeleteRegion(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory storage backend. Useful for
// tests and for callers that do not need durability across restarts.
type MemoryStorage struct {
	mu      sync.RWMutex
	regions map[string]map[string]*CachedResponse
	queue   []*QueueEntry
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		regions: make(map[string]map[string]*CachedResponse),
	}
}

func (s *MemoryStorage) CacheGet(region, key string) (*CachedResponse, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.regions[region][key]
	return entry, ok, nil
}

func (s *MemoryStorage) CachePut(region, key string, resp *CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.regions[region] == nil {
		s.regions[region] = make(map[string]*CachedResponse)
	}
	s.regions[region][key] = resp
	return nil
}

func (s *MemoryStorage) CacheKeys(region string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.regions[region]))
	for k := range s.regions[region] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStorage) DeleteRegion(region string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, region)
	return nil
}

func (s *MemoryStorage) Regions() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	regions := make([]string, 0, len(s.regions))
	for r := range s.regions {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	return regions, nil
}

func (s *MemoryStorage) QueueAppend(e *QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, e)
	return nil
}

func (s *MemoryStorage) QueueList() ([]*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*QueueEntry{}, s.queue...), nil
}

func (s *MemoryStorage) QueueUpdate(e *QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q.ID == e.ID {
			s.queue[i] = e
			return nil
		}
	}
	return nil
}

func (s *MemoryStorage) QueueRemove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStorage) QueueLen() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue), nil
}

func (s *MemoryStorage) Close() error { return nil }
