package vector

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/fogfish/hnsw"
	"github.com/fogfish/hnsw/vector"
	"github.com/hack-pad/hackpadfs"
	kvector "github.com/kshard/vector"

	"github.com/amlcodes/blurberry/internal/logging"
)

// ErrCapacity is returned when an insert would exceed the configured
// capacity ceiling.
var ErrCapacity = errors.New("vector index is at capacity")

// DefaultCapacity is the hard ceiling on indexed points.
const DefaultCapacity = 10000

// persisted is the on-disk image: the HNSW graph plus the set of visit
// ids it holds.
type persisted struct {
	Nodes hnsw.Nodes[vector.VF32]
	Keys  []uint32
}

// Index is an approximate-nearest-neighbor index over page-content
// embeddings, keyed by visit id and ranked by cosine distance. It is a
// derived structure: if the on-disk file is corrupt it is rebuilt empty
// and visits re-embed over time.
type Index struct {
	mu       sync.RWMutex
	index    *hnsw.HNSW[vector.VF32]
	keys     map[uint32]struct{}
	fs       hackpadfs.FS
	path     string
	dim      int
	capacity int
}

// New opens the index at path inside fs. A persisted index is loaded if
// present and readable; any load failure falls back to a fresh empty
// index rather than failing startup.
func New(fs hackpadfs.FS, path string, dim, capacity int) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", dim)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	idx := &Index{
		fs:       fs,
		path:     path,
		dim:      dim,
		capacity: capacity,
	}

	if err := idx.load(); err != nil {
		if !errors.Is(err, hackpadfs.ErrNotExist) {
			logging.Warn("vector index load failed, starting empty: %v", err)
		}
		idx.reset()
	}

	return idx, nil
}

func (idx *Index) reset() {
	idx.index = hnsw.New[vector.VF32](vector.SurfaceVF32(kvector.Cosine()))
	idx.keys = make(map[uint32]struct{})
}

// Add inserts an embedding keyed by visitID and persists the index
// synchronously. Embedding generation is already rare and throttled, so
// the per-insert flush cost is acceptable.
func (idx *Index) Add(visitID int64, embedding []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(embedding) != idx.dim {
		return fmt.Errorf("vector dimension mismatch: expected %d, got %d", idx.dim, len(embedding))
	}
	if len(idx.keys) >= idx.capacity {
		return fmt.Errorf("%w (%d points)", ErrCapacity, idx.capacity)
	}

	idx.index.Insert(vector.VF32{Key: uint32(visitID), Vec: embedding})
	idx.keys[uint32(visitID)] = struct{}{}

	return idx.saveLocked()
}

// Search returns up to k visit ids ranked by ascending cosine distance.
// Retrieval is advisory: internal errors yield an empty result, never an
// error to the caller.
func (idx *Index) Search(embedding []float32, k int) []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.keys) == 0 || k <= 0 {
		return []int64{}
	}
	if len(embedding) != idx.dim {
		logging.Warn("vector search dimension mismatch: expected %d, got %d", idx.dim, len(embedding))
		return []int64{}
	}

	ef := k * 2
	if ef < 100 {
		ef = 100
	}

	// Re-embedding a visit whose content changed inserts a second node
	// under the same key (the graph cannot delete), so overfetch and keep
	// the first occurrence of each id.
	results := idx.index.Search(vector.VF32{Vec: embedding}, ef, ef)

	ids := make([]int64, 0, k)
	seen := make(map[uint32]struct{}, k)
	for _, r := range results {
		if _, dup := seen[r.Key]; dup {
			continue
		}
		seen[r.Key] = struct{}{}
		ids = append(ids, int64(r.Key))
		if len(ids) == k {
			break
		}
	}
	return ids
}

// Size returns the number of indexed points.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.keys)
}

// Contains reports whether a visit id is present in the index.
func (idx *Index) Contains(visitID int64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.keys[uint32(visitID)]
	return ok
}

// Clear deletes the on-disk index file and reinitializes an empty index
// of the same dimension and capacity.
func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := hackpadfs.Remove(idx.fs, idx.path); err != nil && !errors.Is(err, hackpadfs.ErrNotExist) {
		return fmt.Errorf("failed to remove index file: %w", err)
	}
	idx.reset()
	return nil
}

// saveLocked persists the index. Callers must hold the write lock.
func (idx *Index) saveLocked() error {
	image := persisted{
		Nodes: idx.index.Nodes(),
		Keys:  make([]uint32, 0, len(idx.keys)),
	}
	for key := range idx.keys {
		image.Keys = append(image.Keys, key)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(image); err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := hackpadfs.WriteFullFile(idx.fs, idx.path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}
	return nil
}

// load reads the persisted index from fs.
func (idx *Index) load() error {
	content, err := hackpadfs.ReadFile(idx.fs, idx.path)
	if err != nil {
		return err
	}

	var image persisted
	if err := gob.NewDecoder(bytes.NewReader(content)).Decode(&image); err != nil {
		return fmt.Errorf("failed to decode index: %w", err)
	}

	idx.index = hnsw.FromNodes[vector.VF32](vector.SurfaceVF32(kvector.Cosine()), image.Nodes)
	idx.keys = make(map[uint32]struct{}, len(image.Keys))
	for _, key := range image.Keys {
		idx.keys[key] = struct{}{}
	}

	if len(idx.keys) > 0 && len(idx.index.Head().Vec) != idx.dim {
		return fmt.Errorf("persisted index dimension %d does not match configured %d",
			len(idx.index.Head().Vec), idx.dim)
	}
	return nil
}
