package trt

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// WeightChunkSizeEnv is the environment variable that overrides the default chunk size of a WeightStore.
	// It accepts human-readable sizes, e.g. "4MiB".
	WeightChunkSizeEnv = "GOTRT_WEIGHT_CHUNK_SIZE"

	// DefaultWeightChunkSize is the size of the chunks blobs are packed in, if not configured otherwise.
	DefaultWeightChunkSize = 1 << 20

	// weightAlignBytes is the alignment of each blob within its chunk.
	weightAlignBytes = 16
)

// BlobOverheadBytes is the per-blob bookkeeping cost accounted in WeightStore footprints.
const BlobOverheadBytes = int(unsafe.Sizeof([]byte(nil)))

// WeightHandle is a stable reference to a blob in a WeightStore. It remains valid until the store is destroyed.
type WeightHandle struct {
	index int
}

// Index of the blob in insertion order.
func (h WeightHandle) Index() int { return h.index }

// blobRef locates a blob inside the chunks.
type blobRef struct {
	chunk, offset, size int
}

// WeightStoreConfig configures a WeightStore.
type WeightStoreConfig struct {
	// ChunkSize is the size of the chunks small blobs are packed in. Blobs larger than a quarter of it
	// get a dedicated chunk. If 0, GOTRT_WEIGHT_CHUNK_SIZE or DefaultWeightChunkSize is used.
	ChunkSize int

	// MaxBytes limits the total payload held by the store. 0 means no limit.
	MaxBytes uint64
}

// WeightStore keeps weight and parameter blobs alive, unmoved and unchanged, while an engine is built.
//
// It is append-only: blobs are copied into fixed-size chunks that are never reallocated, so every
// WeightHandle returned by Append keeps dereferencing to the same bytes until Destroy.
//
// Once calibration starts the owning CalibrationResource seals the store: appending afterward is a
// contract violation and panics.
type WeightStore struct {
	mu           sync.Mutex
	chunkSize    int
	maxBytes     uint64
	chunks       [][]byte
	current      int // Offset of the next free byte in the last packing chunk.
	packingChunk int // Index of the chunk used for packing small blobs, -1 if none.
	blobs        []blobRef
	payloadBytes uint64
	sealed       bool
	destroyed    bool
}

// NewWeightStore creates an empty WeightStore with the default configuration.
func NewWeightStore() *WeightStore {
	return NewWeightStoreWithConfig(WeightStoreConfig{})
}

// NewWeightStoreWithConfig creates an empty WeightStore with the given configuration.
func NewWeightStoreWithConfig(config WeightStoreConfig) *WeightStore {
	chunkSize := config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultWeightChunkSize()
	}
	return &WeightStore{
		chunkSize:    chunkSize,
		maxBytes:     config.MaxBytes,
		packingChunk: -1,
	}
}

func defaultWeightChunkSize() int {
	value, found := os.LookupEnv(WeightChunkSizeEnv)
	if !found || value == "" {
		return DefaultWeightChunkSize
	}
	size, err := humanize.ParseBytes(value)
	if err != nil || size == 0 {
		klog.Errorf("Invalid value %q for $%s, using default chunk size %d: %v", value, WeightChunkSizeEnv, DefaultWeightChunkSize, err)
		return DefaultWeightChunkSize
	}
	return int(size)
}

// Append copies blob into the store and returns a handle to the stored copy.
//
// It fails only with ErrOutOfMemory, if the store was configured with MaxBytes and it would be exceeded.
// It panics if the store was sealed or destroyed.
func (ws *WeightStore) Append(blob []byte) (WeightHandle, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.destroyed {
		panicf("WeightStore.Append called after the store was destroyed")
	}
	if ws.sealed {
		panicf("WeightStore.Append called after the store was sealed for calibration -- weights must be staged before calibration starts")
	}
	size := len(blob)
	if ws.maxBytes > 0 && ws.payloadBytes+uint64(size) > ws.maxBytes {
		return WeightHandle{}, errors.Wrapf(ErrOutOfMemory, "WeightStore.Append of %d bytes exceeds the limit of %s",
			size, humanize.IBytes(ws.maxBytes))
	}

	var ref blobRef
	if size > ws.chunkSize/4 {
		// Dedicated chunk.
		ws.chunks = append(ws.chunks, make([]byte, size))
		ref = blobRef{chunk: len(ws.chunks) - 1, offset: 0, size: size}
	} else {
		if ws.packingChunk < 0 || ws.current+size > ws.chunkSize {
			ws.chunks = append(ws.chunks, make([]byte, ws.chunkSize))
			ws.packingChunk = len(ws.chunks) - 1
			ws.current = 0
		}
		ref = blobRef{chunk: ws.packingChunk, offset: ws.current, size: size}
		ws.current += size
		ws.current = (ws.current + weightAlignBytes - 1) &^ (weightAlignBytes - 1)
	}
	copy(ws.chunks[ref.chunk][ref.offset:ref.offset+size], blob)
	ws.blobs = append(ws.blobs, ref)
	ws.payloadBytes += uint64(size)
	return WeightHandle{index: len(ws.blobs) - 1}, nil
}

// Bytes returns the stored blob referenced by h. The returned slice must not be modified.
//
// It returns nil if h doesn't belong to the store or the store was destroyed.
func (ws *WeightStore) Bytes(h WeightHandle) []byte {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.destroyed || h.index < 0 || h.index >= len(ws.blobs) {
		return nil
	}
	ref := ws.blobs[h.index]
	end := ref.offset + ref.size
	return ws.chunks[ref.chunk][ref.offset:end:end]
}

// Handles returns the handles of all blobs, in insertion order.
func (ws *WeightStore) Handles() []WeightHandle {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	handles := make([]WeightHandle, len(ws.blobs))
	for ii := range handles {
		handles[ii] = WeightHandle{index: ii}
	}
	return handles
}

// Len returns the number of blobs stored.
func (ws *WeightStore) Len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.blobs)
}

// WeightStoreStats summarizes the contents of a WeightStore.
type WeightStoreStats struct {
	NumBlobs int

	// PayloadBytes is the sum of the sizes of the blobs appended.
	PayloadBytes uint64

	// FootprintBytes is PayloadBytes plus BlobOverheadBytes per blob.
	FootprintBytes uint64
}

// Stats returns the number of blobs and the bytes held.
func (ws *WeightStore) Stats() WeightStoreStats {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return WeightStoreStats{
		NumBlobs:       len(ws.blobs),
		PayloadBytes:   ws.payloadBytes,
		FootprintBytes: uint64(len(ws.blobs)*BlobOverheadBytes) + ws.payloadBytes,
	}
}

// Describe returns the number of entries and the total footprint, for diagnostics.
func (ws *WeightStore) Describe() string {
	stats := ws.Stats()
	var sb strings.Builder
	fmt.Fprintf(&sb, " Number of entries     = %d\n", stats.NumBlobs)
	fmt.Fprintf(&sb, " Total number of bytes = %d (%s)\n", stats.FootprintBytes, humanize.IBytes(stats.FootprintBytes))
	return sb.String()
}

// String implements fmt.Stringer.
func (ws *WeightStore) String() string {
	stats := ws.Stats()
	return fmt.Sprintf("WeightStore[entries=%d, bytes=%d]", stats.NumBlobs, stats.FootprintBytes)
}

// Seal forbids further calls to Append. It is idempotent.
func (ws *WeightStore) Seal() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.sealed = true
}

// Sealed returns whether Seal was called.
func (ws *WeightStore) Sealed() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.sealed
}

// Destroy releases the stored blobs: handles are no longer valid afterward.
// It must only be called after the engine built from these weights was destroyed. It is idempotent.
func (ws *WeightStore) Destroy() {
	if ws == nil {
		return
	}
	if klog.V(1).Enabled() {
		klog.Infof("Destroying weight store\n%s", ws.Describe())
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.destroyed = true
	ws.chunks = nil
	ws.blobs = nil
	ws.payloadBytes = 0
	ws.packingChunk = -1
	ws.current = 0
}
