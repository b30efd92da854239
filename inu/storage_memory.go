package inu

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
)

// MemoryBackend keeps everything in nested maps. Nothing survives a
// restart.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: map[string]map[string][]byte{}}
}

func (m *MemoryBackend) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *MemoryBackend) Put(
	_ context.Context,
	namespace, key string,
	value []byte,
	mode PutMode,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.data[namespace]
	if !ok {
		ns = map[string][]byte{}
		m.data[namespace] = ns
	}
	_, exists := ns[key]
	if err := checkPutMode(mode, exists); err != nil {
		return err
	}
	ns[key] = slices.Clone(value)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns := m.data[namespace]
	if _, ok := ns[key]; !ok {
		return ErrNotFound
	}
	delete(ns, key)
	return nil
}

func (m *MemoryBackend) Scan(
	ctx context.Context,
	namespace, prefix string,
) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		m.mu.RLock()
		entries := make([]Entry, 0, len(m.data[namespace]))
		for k, v := range m.data[namespace] {
			if strings.HasPrefix(k, prefix) {
				entries = append(entries, Entry{Key: k, Value: slices.Clone(v)})
			}
		}
		m.mu.RUnlock()

		slices.SortFunc(entries, compareEntries)
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *MemoryBackend) Update(
	_ context.Context,
	namespace, key string,
	fn UpdateFunc,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.data[namespace]
	if !ok {
		ns = map[string][]byte{}
		m.data[namespace] = ns
	}
	current, exists := ns[key]
	next, err := fn(slices.Clone(current), exists)
	if err != nil {
		return err
	}
	ns[key] = slices.Clone(next)
	return nil
}

func (*MemoryBackend) Flush(context.Context) error {
	return nil
}

func (*MemoryBackend) Close() error {
	return nil
}

func checkPutMode(mode PutMode, exists bool) error {
	switch mode {
	case PutCreate:
		if exists {
			return ErrConflict
		}
	case PutReplace:
		if !exists {
			return ErrNotFound
		}
	case PutUpsert:
	default:
		return invalid("mode", mode.String())
	}
	return nil
}

func compareEntries(a, b Entry) int {
	return strings.Compare(a.Key, b.Key)
}
