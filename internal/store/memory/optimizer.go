package memory

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"graphweave/internal/graph"
)

// Property-storage optimisation: sparse writes are handled inline in
// addEntityLocked; this file holds the compressed-blob codec and the
// inverted property index.

// blobMagic identifies the compressed property encoding (gzip over JSON).
var blobMagic = []byte{'G', 'W', 'P', '1'}

// compressProperties serialises a property map into the compact blob form.
func compressProperties(props map[string]graph.Value) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(blobMagic)
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(props); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressProperties materialises a property map from the blob form.
func decompressProperties(blob []byte) (map[string]graph.Value, error) {
	if len(blob) < len(blobMagic) || !bytes.Equal(blob[:len(blobMagic)], blobMagic) {
		return nil, fmt.Errorf("bad property blob header")
	}
	zr, err := gzip.NewReader(bytes.NewReader(blob[len(blobMagic):]))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var props map[string]graph.Value
	if err := json.NewDecoder(zr).Decode(&props); err != nil && err != io.EOF {
		return nil, err
	}
	return props, nil
}

// indexEntityLocked adds the entity's indexed property values to the
// inverted index. Runs under the entity-write lock.
func (s *Store) indexEntityLocked(e *graph.Entity) {
	for key, idx := range s.propIndex {
		v, ok := e.Properties[key]
		if !ok || v.IsNull() {
			continue
		}
		vk := v.Key()
		if idx[vk] == nil {
			idx[vk] = make(map[string]struct{})
		}
		idx[vk][e.ID] = struct{}{}
	}
}

// unindexEntityLocked removes the entity's indexed property values.
func (s *Store) unindexEntityLocked(e *graph.Entity) {
	for key, idx := range s.propIndex {
		v, ok := e.Properties[key]
		if !ok || v.IsNull() {
			continue
		}
		vk := v.Key()
		delete(idx[vk], e.ID)
		if len(idx[vk]) == 0 {
			delete(idx, vk)
		}
	}
}

// AddIndex declares a property index after the fact and rebuilds it by
// scanning the existing entities.
func (s *Store) AddIndex(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInit(); err != nil {
		return err
	}
	if _, ok := s.propIndex[key]; ok {
		return nil
	}
	idx := make(map[string]map[string]struct{})
	for id, rec := range s.entities {
		ent, err := s.materializeLocked(rec)
		if err != nil {
			return err
		}
		v, ok := ent.Properties[key]
		if !ok || v.IsNull() {
			continue
		}
		vk := v.Key()
		if idx[vk] == nil {
			idx[vk] = make(map[string]struct{})
		}
		idx[vk][id] = struct{}{}
	}
	s.propIndex[key] = idx
	s.logger.Debug("property index built", zap.String("key", key))
	return nil
}

// HasIndex reports whether a property index exists for key.
func (s *Store) HasIndex(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.propIndex[key]
	return ok
}
