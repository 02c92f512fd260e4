// Package payload implements the payload envelope collaborator: resolving
// a PayloadEnvelope into its content bytes, and encoding content back into
// an envelope for submission. Upload drivers to external object storage
// are out of scope (spec.md Non-goals); this package ships an in-memory
// store and a local-disk store, and the Codec's InlineThreshold decides
// which content goes inline and which goes to the store, enough to exercise
// the inline-vs-external encoding path end to end.
package payload

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hpp-io/noosphere-agent/internal/model"
)

var ErrContentNotFound = errors.New("payload: content not found for envelope")

// Store is the storage-backend contract a Resolver/Encoder is built on.
type Store interface {
	Put(content []byte) (uri []byte, err error)
	Get(uri []byte) ([]byte, error)
}

// MemStore keeps content in memory, addressed by its sha256 hash. Good for
// tests and single-process deployments; content does not survive restart.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (m *MemStore) Put(content []byte) ([]byte, error) {
	sum := sha256.Sum256(content)
	key := fmt.Sprintf("mem://%x", sum)
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), content...)
	m.mu.Unlock()
	return []byte(key), nil
}

func (m *MemStore) Get(uri []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.objects[string(uri)]
	if !ok {
		return nil, ErrContentNotFound
	}
	return content, nil
}

// DiskStore writes content as files under a directory, named by content
// hash, for deployments that want payloads to survive a restart without a
// real object-storage dependency.
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("payload: creating store dir %q: %w", dir, err)
	}
	return &DiskStore{dir: dir}, nil
}

func (d *DiskStore) Put(content []byte) ([]byte, error) {
	sum := sha256.Sum256(content)
	name := fmt.Sprintf("%x", sum)
	path := filepath.Join(d.dir, name)
	if _, err := os.Stat(path); err == nil {
		return []byte("file://" + path), nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, fmt.Errorf("payload: writing %q: %w", path, err)
	}
	return []byte("file://" + path), nil
}

func (d *DiskStore) Get(uri []byte) ([]byte, error) {
	path := string(uri)
	const prefix = "file://"
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		path = path[len(prefix):]
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrContentNotFound
		}
		return nil, err
	}
	return content, nil
}

// Codec resolves and encodes payload envelopes against a backing Store.
// InlineThreshold controls encode()'s fork: content at or under the
// threshold is embedded directly in the envelope's URI field with no
// store round trip; larger content is written through Store and
// referenced by its returned URI.
type Codec struct {
	store           Store
	InlineThreshold int
}

func NewCodec(store Store, inlineThreshold int) *Codec {
	return &Codec{store: store, InlineThreshold: inlineThreshold}
}

const inlinePrefix = "inline:"

// Resolve returns the content referenced by envelope, verifying it against
// ContentHash. inline content (URI prefixed "inline:") is returned directly;
// otherwise it is fetched from the store.
func (c *Codec) Resolve(envelope model.PayloadEnvelope) (content []byte, verified bool, err error) {
	var raw []byte
	if len(envelope.URI) >= len(inlinePrefix) && string(envelope.URI[:len(inlinePrefix)]) == inlinePrefix {
		raw = envelope.URI[len(inlinePrefix):]
	} else {
		raw, err = c.store.Get(envelope.URI)
		if err != nil {
			return nil, false, err
		}
	}
	sum := sha256.Sum256(raw)
	verified = envelope.ContentHash == [32]byte{} || sum == envelope.ContentHash
	return raw, verified, nil
}

// Encode produces a PayloadEnvelope for content, inlining it when it fits
// under InlineThreshold and uploading through the store otherwise.
func (c *Codec) Encode(content []byte, forceUpload bool) (model.PayloadEnvelope, error) {
	sum := sha256.Sum256(content)
	if !forceUpload && len(content) <= c.InlineThreshold {
		uri := append([]byte(inlinePrefix), content...)
		return model.PayloadEnvelope{ContentHash: sum, URI: uri}, nil
	}
	uri, err := c.store.Put(content)
	if err != nil {
		return model.PayloadEnvelope{}, err
	}
	return model.PayloadEnvelope{ContentHash: sum, URI: uri}, nil
}
