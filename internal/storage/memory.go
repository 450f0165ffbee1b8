package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sync"
	"time"
)

// MemoryStore - хранилище в памяти для тестов и локального запуска без S3.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	// FailPut позволяет тестам сымитировать отказ хранилища.
	FailPut error
}

type memoryObject struct {
	data []byte
	info ObjectInfo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if s.FailPut != nil {
		return s.FailPut
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	sum := md5.Sum(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memoryObject{
		data: data,
		info: ObjectInfo{
			Size:         int64(len(data)),
			ContentType:  contentType,
			ETag:         hex.EncodeToString(sum[:]),
			LastModified: time.Now().UTC(),
		},
	}
	return ctx.Err()
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, ObjectInfo{}, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.info, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
