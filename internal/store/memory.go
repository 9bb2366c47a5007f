package store

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/seawork/trawler/internal/shared/errdefs"
)

type memRecord struct {
	value []byte
	etag  string
	id    int64
}

// Memory is an in-process Gateway used by tests and single-node
// deployments. Buckets are RWMutex-guarded maps with per-bucket
// monotonic record ids.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*memRecord
	nextID  map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		buckets: make(map[string]map[string]*memRecord),
		nextID:  make(map[string]int64),
	}
}

func (m *Memory) Get(ctx context.Context, bucket, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.buckets[bucket][key]
	if !ok {
		return nil, &errdefs.NotFoundError{Bucket: bucket, Key: key}
	}
	return &Record{Bucket: bucket, Key: key, Value: rec.value, Etag: rec.etag, ID: rec.id}, nil
}

func (m *Memory) Put(ctx context.Context, bucket, key string, value []byte, opts PutOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]*memRecord)
		m.buckets[bucket] = b
	}

	existing := b[key]
	if opts.Etag != "" {
		if existing == nil {
			return "", &errdefs.NotFoundError{Bucket: bucket, Key: key}
		}
		if existing.etag != opts.Etag {
			return "", errdefs.Conflictf("%s/%s: etag mismatch", bucket, key)
		}
	}

	etag := uuid.NewString()
	if existing != nil {
		existing.value = value
		existing.etag = etag
		return etag, nil
	}

	m.nextID[bucket]++
	b[key] = &memRecord{value: value, etag: etag, id: m.nextID[bucket]}
	return etag, nil
}

func (m *Memory) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
	return nil
}

func (m *Memory) Find(ctx context.Context, bucket string, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(bucket, q), nil
}

func (m *Memory) findLocked(bucket string, q Query) []Record {
	var out []Record
	for key, rec := range m.buckets[bucket] {
		if q.Marker != 0 && rec.id <= q.Marker {
			continue
		}
		if q.Filter != nil && !q.Filter.Matches(recordAttrs(rec.value)) {
			continue
		}
		out = append(out, Record{Bucket: bucket, Key: key, Value: rec.value, Etag: rec.etag, ID: rec.id})
	}

	sort.Slice(out, func(i, j int) bool {
		less := out[i].ID < out[j].ID
		if q.Sort != "" && q.Sort != "_id" {
			ai := recordAttrs(out[i].Value)[q.Sort]
			aj := recordAttrs(out[j].Value)[q.Sort]
			if ai != aj {
				less = ai < aj
			}
		}
		if q.Descending {
			return !less
		}
		return less
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (m *Memory) DeleteMany(ctx context.Context, reqs []DeleteRequest) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make([]int, len(reqs))
	for i, req := range reqs {
		matched := m.findLocked(req.Bucket, Query{Filter: req.Filter, Limit: req.Limit})
		for _, rec := range matched {
			delete(m.buckets[req.Bucket], rec.Key)
		}
		counts[i] = len(matched)
	}
	return counts, nil
}

// recordAttrs flattens a record's top-level scalar fields to strings for
// filter matching. Nested objects and arrays are not indexed.
func recordAttrs(value []byte) map[string]string {
	var fields map[string]any
	if err := json.Unmarshal(value, &fields); err != nil {
		return nil
	}
	attrs := make(map[string]string, len(fields))
	for k, v := range fields {
		switch tv := v.(type) {
		case string:
			attrs[k] = tv
		case bool:
			attrs[k] = strconv.FormatBool(tv)
		case float64:
			attrs[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		}
	}
	return attrs
}
