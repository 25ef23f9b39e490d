/*
package storage holds the small amount of state a realtime client keeps between runs: the
transport that last worked and, optionally, a recovery key. Storage is best effort; callers treat a
nil Storage or a failing one as "nothing persisted" and carry on.
*/
package storage

import "sync"

const (
	KeyTransportPreference = "transportPreference"
	KeyRecoveryKey         = "recoveryKey"
)

type Storage interface {
	Get(key string) (value string, ok bool, err error)
	Set(key string, value string) error
	Remove(key string) error
}

type MemoryStorage struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values: make(map[string]string),
	}
}

func (m *MemoryStorage) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.values[key]
	return value, ok, nil
}

func (m *MemoryStorage) Set(key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value
	return nil
}

func (m *MemoryStorage) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}
