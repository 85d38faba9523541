// Package deviceid generates and persists the per-device identifier used as an
// echo-detection token and a deterministic conflict tiebreaker.
package deviceid

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StorageKey is the fixed key the identifier is persisted under.
const StorageKey = "stellar_device_id"

// Placeholder is returned when durable storage is unavailable. It is never
// persisted or cached.
const Placeholder = "unknown-device"

// Storage is a durable device-local string key/value store, kept apart from the
// entity store.
type Storage interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Identity owns the device identifier for one storage.
type Identity struct {
	mu      sync.Mutex
	storage Storage
	cached  string

	// newUUID is swapped in tests to exercise the fallback generator.
	newUUID func() (uuid.UUID, error)
}

// New returns an Identity backed by storage. A nil storage is allowed and
// yields the placeholder.
func New(storage Storage) *Identity {
	return &Identity{storage: storage, newUUID: uuid.NewRandom}
}

// Get returns the persisted identifier, generating and persisting one on first use.
func (i *Identity) Get() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cached != "" {
		return i.cached
	}
	if i.storage == nil {
		return Placeholder
	}

	id, err := i.storage.Get(StorageKey)
	if err != nil {
		slog.Warn("device id: read storage", "err", err)
		return Placeholder
	}
	if id != "" {
		i.cached = id
		return id
	}

	id = i.generate()
	if err := i.storage.Set(StorageKey, id); err != nil {
		slog.Warn("device id: persist", "err", err)
		return Placeholder
	}
	i.cached = id
	return id
}

// Reset clears the persisted identifier so the next Get generates a new one.
func (i *Identity) Reset() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.cached = ""
	if i.storage == nil {
		return nil
	}
	if err := i.storage.Delete(StorageKey); err != nil {
		return fmt.Errorf("reset device id: %w", err)
	}
	return nil
}

func (i *Identity) generate() string {
	if u, err := i.newUUID(); err == nil {
		return u.String()
	}
	slog.Warn("device id: crypto generator unavailable, using fallback")
	return fallbackUUID(rand.New(rand.NewSource(time.Now().UnixNano())))
}

// fallbackUUID produces a UUID-v4-shaped string from a seeded pseudo-random source.
func fallbackUUID(r *rand.Rand) string {
	var b [16]byte
	for i := range b {
		b[i] = byte(r.Intn(256))
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

var (
	defaultOnce     sync.Once
	defaultIdentity *Identity
)

func defaultID() *Identity {
	defaultOnce.Do(func() {
		fs, err := DefaultFileStorage()
		if err != nil {
			slog.Warn("device id: no durable storage", "err", err)
			defaultIdentity = New(nil)
			return
		}
		defaultIdentity = New(fs)
	})
	return defaultIdentity
}

// GetDeviceID returns this device's identifier from the default file storage.
func GetDeviceID() string {
	return defaultID().Get()
}

// ResetDeviceID clears the identifier in the default file storage.
func ResetDeviceID() error {
	return defaultID().Reset()
}
