// Package mmiobus implements the ordered address-interval bus that routes
// guest MMIO transactions to host-side device handlers.
package mmiobus

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/vmmio/internal/hv"
)

// ErrOverlap is returned by Insert when the requested interval intersects an
// already-installed one.
var ErrOverlap = errors.New("mmiobus: overlapping region")

type region struct {
	base   uint64
	length uint64
	handle *Handle
}

// Bus is a multi-reader, multi-writer ordered map from non-overlapping
// address intervals to locked device handles. Insertions happen only on the
// control-plane thread; Read/Write/Get are the hot dispatch path used by
// vCPU threads and take the read side of the lock.
type Bus struct {
	mu      sync.RWMutex
	regions []region
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Insert installs dev at [base, base+length). It fails with ErrOverlap if
// the interval intersects any existing one. length must be positive.
func (b *Bus) Insert(dev hv.MemoryMappedIODevice, base, length uint64) (*Handle, error) {
	if length == 0 {
		return nil, fmt.Errorf("mmiobus: zero-length region at 0x%x", base)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].base >= base })

	if idx > 0 {
		prev := b.regions[idx-1]
		if prev.base+prev.length > base {
			return nil, ErrOverlap
		}
	}
	if idx < len(b.regions) {
		next := b.regions[idx]
		if base+length > next.base {
			return nil, ErrOverlap
		}
	}

	h := &Handle{device: dev}
	b.regions = append(b.regions, region{})
	copy(b.regions[idx+1:], b.regions[idx:])
	b.regions[idx] = region{base: base, length: length, handle: h}

	slog.Debug("mmiobus: installed region", "base", fmt.Sprintf("0x%x", base), "length", length)

	return h, nil
}

// lookup finds the region containing addr via a predecessor binary search
// over the sorted base values: O(log n).
func (b *Bus) lookup(addr uint64) (region, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.regions)
	i := sort.Search(n, func(i int) bool { return b.regions[i].base > addr }) - 1
	if i < 0 {
		return region{}, false
	}
	r := b.regions[i]
	if addr >= r.base+r.length {
		return region{}, false
	}
	return r, true
}

// Get returns the offset into the owning device and its handle for addr, or
// ok=false if no installed region contains it.
func (b *Bus) Get(addr uint64) (offset uint64, handle *Handle, ok bool) {
	r, found := b.lookup(addr)
	if !found {
		return 0, nil, false
	}
	return addr - r.base, r.handle, true
}

// GetByBase returns the handle installed exactly at base, used by the
// control plane to look up a device it registered without walking the
// registry.
func (b *Bus) GetByBase(base uint64) (*Handle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].base >= base })
	if i < len(b.regions) && b.regions[i].base == base {
		return b.regions[i].handle, true
	}
	return nil, false
}

// Read dispatches a guest read of addr into data. A miss is a silent
// no-op: data is left unmodified, matching the hardware behavior of an
// unpopulated MMIO region.
func (b *Bus) Read(ctx hv.ExitContext, addr uint64, data []byte) {
	r, found := b.lookup(addr)
	if !found {
		slog.Debug("mmiobus: read miss", "addr", fmt.Sprintf("0x%x", addr))
		return
	}
	if err := r.handle.Do(func(dev hv.MemoryMappedIODevice) error {
		return dev.ReadMMIO(ctx, addr, data)
	}); err != nil {
		slog.Debug("mmiobus: read error", "addr", fmt.Sprintf("0x%x", addr), "err", err)
	}
}

// Write dispatches a guest write of data to addr. A miss is a silent
// no-op: the write is dropped.
func (b *Bus) Write(ctx hv.ExitContext, addr uint64, data []byte) {
	r, found := b.lookup(addr)
	if !found {
		slog.Debug("mmiobus: write miss", "addr", fmt.Sprintf("0x%x", addr))
		return
	}
	if err := r.handle.Do(func(dev hv.MemoryMappedIODevice) error {
		return dev.WriteMMIO(ctx, addr, data)
	}); err != nil {
		slog.Debug("mmiobus: write error", "addr", fmt.Sprintf("0x%x", addr), "err", err)
	}
}
