package trt

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPoolAllocator(t *testing.T) {
	a := NewPoolAllocator(0)
	for _, alignment := range []uint64{0, 1, 64, 1024, 4096} {
		ptr := capture(a.Allocate(1000, alignment, 0)).Test(t)
		want := alignment
		if want == 0 {
			want = DefaultDeviceAlignment
		}
		require.Zerof(t, uint64(ptr)%want, "pointer 0x%x not aligned to %d", uintptr(ptr), want)

		buf := a.Bytes(ptr, 1000)
		require.Len(t, buf, 1000)
		for ii := range buf {
			require.Zero(t, buf[ii])
			buf[ii] = 0xFF
		}
		require.NoError(t, a.Free(ptr))
		require.Nil(t, a.Bytes(ptr, 1000))
	}
	stats := a.Stats()
	require.Equal(t, int64(5), stats.NumAllocs)
	require.Equal(t, int64(5), stats.NumFrees)
	require.Zero(t, stats.InUse)
	require.Equal(t, uint64(8192), stats.Peak) // 1000+4095 bytes rounded up to a power of 2.

	_, err := a.Allocate(10, 3, 0)
	require.Error(t, err)
	require.Error(t, a.Free(DevicePtr(0x1234)))

	// Blocks larger than the pools.
	ptr := capture(a.Allocate(maxPooledBlockSize+1, 0, AllocatorFlagResizable)).Test(t)
	require.Len(t, a.Bytes(ptr, maxPooledBlockSize+1), maxPooledBlockSize+1)
	require.NoError(t, a.Free(ptr))

	require.NoError(t, a.Destroy())
}

func TestPoolAllocatorLimit(t *testing.T) {
	a := NewPoolAllocator(4096)
	require.Equal(t, uint64(4096), a.Limit())

	// 1000 bytes plus alignment slack use a 2048 bytes block.
	ptr0 := capture(a.Allocate(1000, 0, 0)).Test(t)
	ptr1 := capture(a.Allocate(1000, 0, 0)).Test(t)
	require.Equal(t, uint64(4096), a.Stats().InUse)
	_, err := a.Allocate(1, 0, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.Equal(t, 1, a.Stats().NumRejected)

	require.NoError(t, a.Free(ptr0))
	ptr2 := capture(a.Allocate(1, 0, 0)).Test(t)

	// Destroying with live allocations reports them.
	require.NoError(t, a.Free(ptr1))
	err = a.Destroy()
	require.ErrorContains(t, err, "1 allocations")
	_ = ptr2

	// Use after destroy.
	_, err = a.Allocate(1, 0, 0)
	require.True(t, errors.Is(err, ErrAllocatorDestroyed))
	require.True(t, errors.Is(a.Free(ptr2), ErrAllocatorDestroyed))
	require.NoError(t, a.Destroy())
}

func TestPoolAllocatorLimitEnv(t *testing.T) {
	t.Setenv(DeviceMemoryLimitEnv, "1MiB")
	require.Equal(t, uint64(1<<20), NewPoolAllocator(0).Limit())
	require.Equal(t, uint64(10), NewPoolAllocator(10).Limit())
	t.Setenv(DeviceMemoryLimitEnv, "lots")
	require.Zero(t, NewPoolAllocator(0).Limit())
}

func TestPoolAllocatorConcurrency(t *testing.T) {
	a := NewPoolAllocator(0)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ii := range 100 {
				size := uint64(1 + ii*37)
				ptr, err := a.Allocate(size, 0, 0)
				if err != nil {
					t.Error(err)
					return
				}
				buf := a.Bytes(ptr, size)
				buf[len(buf)-1] = byte(ii)
				if err := a.Free(ptr); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	stats := a.Stats()
	require.Equal(t, int64(800), stats.NumAllocs)
	require.Equal(t, int64(800), stats.NumFrees)
	require.Zero(t, stats.NumLive)
	require.NoError(t, a.Destroy())
}
