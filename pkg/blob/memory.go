package blob

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It mirrors the S3 semantics the pipeline relies on: multipart uploads are
// invisible until completed, and part numbers decide assembly order.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	uploads map[string]*memUpload
	nextID  int
}

type memObject struct {
	data     []byte
	etag     string
	modified time.Time
}

type memUpload struct {
	key   string
	parts map[int32][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		uploads: make(map[string]*memUpload),
	}
}

// Head returns size and etag without reading the body.
func (m *MemoryStore) Head(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, NewNotFoundError(key)
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified}, nil
}

// ReadRange returns length bytes starting at offset.
func (m *MemoryStore) ReadRange(_ context.Context, key string, offset, length int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, NewNotFoundError(key)
	}
	if offset < 0 || offset+length > int64(len(obj.data)) {
		return nil, NewShortReadError(key, fmt.Errorf("range [%d,%d) outside object of %d bytes", offset, offset+length, len(obj.data)))
	}

	out := make([]byte, length)
	copy(out, obj.data[offset:offset+length])
	return out, nil
}

// Put stores data under key.
func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = newMemObject(data)
	return nil
}

// CreateMultipart begins a multipart upload.
func (m *MemoryStore) CreateMultipart(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[id] = &memUpload{key: key, parts: make(map[int32][]byte)}
	return id, nil
}

// UploadPart stores one part of an in-flight upload.
func (m *MemoryStore) UploadPart(_ context.Context, key, uploadID string, partNumber int32, data []byte) (Part, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return Part{}, NewNotFoundError(key)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	up.parts[partNumber] = buf

	sum := md5.Sum(buf)
	return Part{Number: partNumber, ETag: hex.EncodeToString(sum[:])}, nil
}

// CompleteMultipart assembles parts in part-number order and publishes the
// object.
func (m *MemoryStore) CompleteMultipart(_ context.Context, key, uploadID string, parts []Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return NewNotFoundError(key)
	}

	ordered := make([]Part, len(parts))
	copy(ordered, parts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })

	var data []byte
	for _, p := range ordered {
		chunk, ok := up.parts[p.Number]
		if !ok {
			return NewUpstreamError(key, fmt.Errorf("missing part %d", p.Number))
		}
		data = append(data, chunk...)
	}

	m.objects[key] = newMemObject(data)
	delete(m.uploads, uploadID)
	return nil
}

// AbortMultipart drops an in-flight upload.
func (m *MemoryStore) AbortMultipart(_ context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.uploads, uploadID)
	return nil
}

// List returns all objects under prefix sorted by key.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var objects []ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// DeleteBatch removes the given keys; missing keys are ignored.
func (m *MemoryStore) DeleteBatch(_ context.Context, keys []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for _, key := range keys {
		if _, ok := m.objects[key]; ok {
			delete(m.objects, key)
			deleted++
		}
	}
	return deleted, nil
}

// PendingUploads reports how many multipart uploads are still open. Tests use
// it to assert that failed downloads leave nothing behind.
func (m *MemoryStore) PendingUploads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}

func newMemObject(data []byte) memObject {
	buf := make([]byte, len(data))
	copy(buf, data)
	sum := md5.Sum(buf)
	return memObject{data: buf, etag: hex.EncodeToString(sum[:]), modified: time.Now()}
}
