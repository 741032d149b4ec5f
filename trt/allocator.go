package trt

import (
	"fmt"
	"math/bits"
	"os"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DevicePtr is an address of device memory returned by an Allocator.
type DevicePtr uintptr

// AllocatorFlags are passed by the builder along with each allocation request.
type AllocatorFlags uint32

const (
	// AllocatorFlagResizable marks allocations the builder may later ask to grow.
	AllocatorFlagResizable AllocatorFlags = 1 << iota
)

// Allocator is the device memory allocation strategy used by a Builder and the Engine it builds, instead of
// the SDK's default allocator.
//
// Builder and Engine call back into the allocator during their whole lifetime, including from the
// calibration worker, so implementations must be safe for concurrent use, and must outlive both.
type Allocator interface {
	// Allocate returns the address of at least size bytes aligned to alignment, which must be a power of 2
	// (0 selects the allocator's default).
	Allocate(size, alignment uint64, flags AllocatorFlags) (DevicePtr, error)

	// Free releases memory returned by Allocate.
	Free(ptr DevicePtr) error

	// Destroy releases the allocator itself. Allocations still alive at this point are reported as an error.
	Destroy() error
}

const (
	// DeviceMemoryLimitEnv is the environment variable with the default limit of a PoolAllocator, in
	// human-readable format, e.g. "2GiB".
	DeviceMemoryLimitEnv = "GOTRT_DEVICE_MEMORY_LIMIT"

	// DefaultDeviceAlignment is the alignment used when 0 is requested.
	DefaultDeviceAlignment = 256

	// minPooledBlockSize is the minimum size of pooled blocks.
	minPooledBlockSize = 256
	// maxPooledBlockSize is the maximum size of pooled blocks (16MB), larger blocks are not reused.
	maxPooledBlockSize = 16 * 1024 * 1024
)

// poolBlock is one allocation served by PoolAllocator.
type poolBlock struct {
	buf       []byte
	poolIndex int // index in the pools, -1 if not from pool
	size      uint64
}

// PoolAllocator is an Allocator that serves host memory from pools of power-of-2 sized blocks, which are
// reused after being freed. It stands in for a device allocator where no accelerator is present, and is
// used by the trt/host backend.
//
// It is safe for concurrent use.
type PoolAllocator struct {
	// pools[i] contains blocks of size 2^(i+minShift).
	pools              []sync.Pool
	minShift, maxShift int

	mu        sync.Mutex
	live      map[DevicePtr]*poolBlock
	limit     uint64
	stats     AllocatorStats
	destroyed bool
}

// AllocatorStats reports the usage of a PoolAllocator.
type AllocatorStats struct {
	// InUse is the number of bytes currently allocated, counting the full block sizes.
	InUse, Peak          uint64
	NumAllocs, NumFrees  int64
	NumLive, NumRejected int
}

// NewPoolAllocator creates a PoolAllocator. limit is the maximum number of bytes in use at any time: 0 uses the
// value of $GOTRT_DEVICE_MEMORY_LIMIT, or no limit if that is not set either.
func NewPoolAllocator(limit uint64) *PoolAllocator {
	minShift := bits.TrailingZeros(uint(minPooledBlockSize))
	maxShift := bits.TrailingZeros(uint(maxPooledBlockSize))
	if limit == 0 {
		limit = deviceMemoryLimitFromEnv()
	}
	return &PoolAllocator{
		pools:    make([]sync.Pool, maxShift-minShift+1),
		minShift: minShift,
		maxShift: maxShift,
		live:     make(map[DevicePtr]*poolBlock),
		limit:    limit,
	}
}

func deviceMemoryLimitFromEnv() uint64 {
	value, found := os.LookupEnv(DeviceMemoryLimitEnv)
	if !found || value == "" {
		return 0
	}
	limit, err := humanize.ParseBytes(value)
	if err != nil {
		klog.Errorf("Invalid value %q for $%s, device memory will not be limited: %v", value, DeviceMemoryLimitEnv, err)
		return 0
	}
	return limit
}

// Limit returns the configured limit in bytes, 0 if unlimited.
func (a *PoolAllocator) Limit() uint64 {
	return a.limit
}

// getBlock returns a block of at least targetSize bytes.
// The actual size will be the next power-of-2 >= targetSize, if it fits the pools.
func (a *PoolAllocator) getBlock(targetSize uint64) *poolBlock {
	shift := bits.Len64(targetSize - 1)
	if shift < a.minShift {
		shift = a.minShift
	}
	if shift > a.maxShift {
		return &poolBlock{buf: make([]byte, targetSize), poolIndex: -1, size: targetSize}
	}
	poolIndex := shift - a.minShift
	if obj := a.pools[poolIndex].Get(); obj != nil {
		block := obj.(*poolBlock)
		clear(block.buf)
		return block
	}
	actualSize := uint64(1) << shift
	return &poolBlock{buf: make([]byte, actualSize), poolIndex: poolIndex, size: actualSize}
}

// returnBlock returns a block to its pool, larger blocks are left to the garbage collector.
func (a *PoolAllocator) returnBlock(block *poolBlock) {
	if block.poolIndex < 0 || block.poolIndex >= len(a.pools) {
		return
	}
	a.pools[block.poolIndex].Put(block)
}

// Allocate implements Allocator.
func (a *PoolAllocator) Allocate(size, alignment uint64, flags AllocatorFlags) (DevicePtr, error) {
	if alignment == 0 {
		alignment = DefaultDeviceAlignment
	}
	if alignment&(alignment-1) != 0 {
		return 0, errors.Errorf("PoolAllocator.Allocate: alignment must be a power of 2, got %d", alignment)
	}
	if size == 0 {
		size = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return 0, errors.WithStack(ErrAllocatorDestroyed)
	}

	// Allocate extra to allow the alignment.
	totalSize := size + alignment - 1
	blockSize := totalSize
	if shift := bits.Len64(totalSize - 1); shift <= a.maxShift {
		blockSize = uint64(1) << max(shift, a.minShift)
	}
	if a.limit > 0 && a.stats.InUse+blockSize > a.limit {
		a.stats.NumRejected++
		return 0, errors.Wrapf(ErrOutOfMemory, "PoolAllocator.Allocate(%s) with %s in use exceeds the limit of %s",
			humanize.IBytes(size), humanize.IBytes(a.stats.InUse), humanize.IBytes(a.limit))
	}
	block := a.getBlock(totalSize)
	base := uintptr(unsafe.Pointer(&block.buf[0]))
	aligned := (base + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
	ptr := DevicePtr(aligned)
	a.live[ptr] = block
	a.stats.InUse += block.size
	a.stats.Peak = max(a.stats.Peak, a.stats.InUse)
	a.stats.NumAllocs++
	a.stats.NumLive = len(a.live)
	if klog.V(3).Enabled() {
		klog.Infof("PoolAllocator: allocated %d bytes (flags=%d) at 0x%x", size, flags, uintptr(ptr))
	}
	return ptr, nil
}

// Free implements Allocator.
func (a *PoolAllocator) Free(ptr DevicePtr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return errors.Wrapf(ErrAllocatorDestroyed, "PoolAllocator.Free(0x%x)", uintptr(ptr))
	}
	block, found := a.live[ptr]
	if !found {
		return errors.Errorf("PoolAllocator.Free(0x%x): address not allocated by this allocator", uintptr(ptr))
	}
	delete(a.live, ptr)
	a.stats.InUse -= block.size
	a.stats.NumFrees++
	a.stats.NumLive = len(a.live)
	a.returnBlock(block)
	return nil
}

// Bytes returns the memory of a live allocation as a slice of size bytes, or nil if ptr is not live.
// It is how the host backend accesses its "device" memory.
func (a *PoolAllocator) Bytes(ptr DevicePtr, size uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	block, found := a.live[ptr]
	if !found {
		return nil
	}
	offset := uintptr(ptr) - uintptr(unsafe.Pointer(&block.buf[0]))
	if uint64(offset)+size > uint64(len(block.buf)) {
		return nil
	}
	return block.buf[offset : uint64(offset)+size]
}

// Stats returns a snapshot of the allocator usage.
func (a *PoolAllocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Destroy implements Allocator. It is idempotent.
//
// Allocations still alive are released and reported in the returned error: it means some Engine or
// Builder was not destroyed before the allocator.
func (a *PoolAllocator) Destroy() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return nil
	}
	a.destroyed = true
	numLeaked, leakedBytes := len(a.live), a.stats.InUse
	a.live = nil
	a.stats.InUse = 0
	a.stats.NumLive = 0
	a.pools = nil
	if numLeaked > 0 {
		return errors.Errorf("PoolAllocator destroyed with %d allocations (%s) still alive", numLeaked, humanize.IBytes(leakedBytes))
	}
	return nil
}

// String implements fmt.Stringer.
func (a *PoolAllocator) String() string {
	stats := a.Stats()
	limit := "unlimited"
	if a.limit > 0 {
		limit = humanize.IBytes(a.limit)
	}
	return fmt.Sprintf("PoolAllocator[in_use=%s, peak=%s, live=%d, limit=%s]",
		humanize.IBytes(stats.InUse), humanize.IBytes(stats.Peak), stats.NumLive, limit)
}
