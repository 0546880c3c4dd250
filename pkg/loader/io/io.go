// Package io loads document bytes from the local filesystem.
package io

import (
	"context"
	"os"
	"sync"

	"github.com/magpie-ai/magpie/pkg/loader"

	"golang.org/x/sync/singleflight"
)

// IOSource loads documents directly from the local filesystem with
// caching. The storage key is the file path.
type IOSource struct {
	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewIOSource creates a new filesystem-based document source.
func NewIOSource() *IOSource {
	return &IOSource{
		cache: make(map[string][]byte),
	}
}

// GetDocumentBytes reads the document content from the filesystem.
// Results are cached; concurrent reads of the same document collapse
// into one filesystem access.
func (s *IOSource) GetDocumentBytes(ctx context.Context, doc loader.Document) ([]byte, error) {
	key := loader.CacheKey(doc)

	s.cacheMu.RLock()
	if cached, ok := s.cache[key]; ok {
		s.cacheMu.RUnlock()
		return cached, nil
	}
	s.cacheMu.RUnlock()

	result, err, _ := s.group.Do(key, func() (any, error) {
		s.cacheMu.RLock()
		if cached, ok := s.cache[key]; ok {
			s.cacheMu.RUnlock()
			return cached, nil
		}
		s.cacheMu.RUnlock()

		result, err := os.ReadFile(doc.StorageKey)
		if err != nil {
			return nil, err
		}

		s.cacheMu.Lock()
		s.cache[key] = result
		s.cacheMu.Unlock()

		return result, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]byte), nil
}
