// Package memory implements the flat physical address space shared by every
// hart, the IOMMU, and the device models attached to a simulated platform.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// PbmtMode is a page-based memory type override (Svpbmt).
type PbmtMode uint8

const (
	PbmtNone PbmtMode = iota
	PbmtNC            // non-cacheable, idempotent
	PbmtIO            // non-cacheable, non-idempotent
)

// PMA describes the physical memory attributes of a region: whether it can
// be cached, whether AMO/LR-SC are legal against it, and its PBMT override.
type PMA struct {
	Cacheable  bool
	Amo        bool
	Reservable bool
	IO         bool
	Pbmt       PbmtMode
}

// DefaultPMA is applied to any address not covered by a registered region.
var DefaultPMA = PMA{Cacheable: true, Amo: true, Reservable: true}

// Region records a PMA assignment over [Base, Base+Size).
type Region struct {
	Base uint64
	Size uint64
	Attr PMA
	Name string
}

func (r Region) contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

// Device is the bus contract a memory-mapped device model must satisfy.
// Per spec.md §1 device internals (UART, framebuffer, ...) are out of
// scope; only this callback contract is part of the core.
type Device interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type deviceRegion struct {
	base uint64
	size uint64
	dev  Device
	name string
}

func (d deviceRegion) contains(addr uint64, size uint64) bool {
	return addr >= d.base && addr+size <= d.base+d.size
}

const pageSize = 4096
const pageShift = 12

// Memory is the flat physical address space, backed by an anonymous mmap
// arena for the RAM-like region plus a registry of PMA regions and MMIO
// device callback regions layered over it. Access is serialised by a single
// mutex, matching the RTL-adjacent guarantee in spec.md §5 that LR/SC and
// AMO access to memory is serialised across harts.
type Memory struct {
	mu sync.Mutex

	base uint64
	size uint64
	ram  []byte // mmap'd, len == size

	regions []Region
	devices []deviceRegion

	// usedPages tracks which pages have ever been written, for the snapshot
	// "usedblocks" file (spec.md §6): only populated pages are dumped.
	usedPages map[uint64]bool

	// touchCount is incidental telemetry, not used by any consistency
	// check; useful for diagnostics and tests.
	touchCount atomicbitops.Uint64
}

// New allocates a physical address space of size bytes starting at base,
// backed by an anonymous mmap region so large (multi-GiB) guest physical
// spaces don't require a matching amount of Go heap up front.
func New(base, size uint64) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("memory: zero-size address space")
	}
	ram, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap %d bytes: %w", size, err)
	}
	return &Memory{
		base:      base,
		size:      size,
		ram:       ram,
		usedPages: make(map[uint64]bool),
	}, nil
}

// Close releases the backing mmap arena.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ram == nil {
		return nil
	}
	err := unix.Munmap(m.ram)
	m.ram = nil
	return err
}

// Base and Size describe the physical address range this Memory covers.
func (m *Memory) Base() uint64 { return m.base }
func (m *Memory) Size() uint64 { return m.size }

func (m *Memory) inRange(addr, size uint64) bool {
	return addr >= m.base && size <= m.size && addr-m.base <= m.size-size
}

// SetAttr registers a PMA region. Later registrations take priority over
// earlier ones for overlapping ranges, mirroring the teacher's fixed/dynamic
// region split in AddressSpace.RegisterFixed.
func (m *Memory) SetAttr(base, size uint64, attr PMA, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = append(m.regions, Region{Base: base, Size: size, Attr: attr, Name: name})
}

// AttrAt returns the PMA in effect at addr.
func (m *Memory) AttrAt(addr uint64) PMA {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.regions) - 1; i >= 0; i-- {
		if m.regions[i].contains(addr) {
			return m.regions[i].Attr
		}
	}
	return DefaultPMA
}

// RegisterDevice overlays a device callback region on the address space.
// Device regions are consulted before the backing array on every access.
func (m *Memory) RegisterDevice(base, size uint64, dev Device, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if base < d.base+d.size && base+size > d.base {
			return fmt.Errorf("memory: device region %q [%#x-%#x) overlaps %q [%#x-%#x)",
				name, base, base+size, d.name, d.base, d.base+d.size)
		}
	}
	m.devices = append(m.devices, deviceRegion{base: base, size: size, dev: dev, name: name})
	return nil
}

func (m *Memory) findDevice(addr, size uint64) Device {
	for _, d := range m.devices {
		if d.contains(addr, size) {
			return d.dev
		}
	}
	return nil
}

// Read reads size bytes at addr into data (len(data) must equal size).
// Returns false if the address range is not backed (access fault at the
// caller's discretion) rather than panicking: per spec.md §7, functional
// failures surface as booleans.
func (m *Memory) Read(addr uint64, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dev := m.findDevice(addr, uint64(len(data))); dev != nil {
		if err := dev.ReadMMIO(addr, data); err != nil {
			return false
		}
		return true
	}
	if !m.inRange(addr, uint64(len(data))) {
		return false
	}
	off := addr - m.base
	copy(data, m.ram[off:off+uint64(len(data))])
	return true
}

// Write writes data to addr, marking the covering pages used for snapshot
// purposes.
func (m *Memory) Write(addr uint64, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dev := m.findDevice(addr, uint64(len(data))); dev != nil {
		if err := dev.WriteMMIO(addr, data); err != nil {
			return false
		}
		return true
	}
	if !m.inRange(addr, uint64(len(data))) {
		return false
	}
	off := addr - m.base
	copy(m.ram[off:off+uint64(len(data))], data)
	m.markUsedLocked(addr, uint64(len(data)))
	m.touchCount.Add(1)
	return true
}

func (m *Memory) markUsedLocked(addr, size uint64) {
	first := (addr - m.base) >> pageShift
	last := (addr - m.base + size - 1) >> pageShift
	for p := first; p <= last; p++ {
		m.usedPages[p] = true
	}
}

// CompareAndSwap32 performs a 32-bit CAS against the backing array at addr,
// used by virtmem for atomic A/D bit updates (spec.md §4.3) and by the
// hart's AMO path. addr must be
// naturally aligned and backed directly by RAM (not a device region).
func (m *Memory) CompareAndSwap32(addr uint64, old, new uint32) (swapped bool, actual uint32, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr%4 != 0 || !m.inRange(addr, 4) {
		return false, 0, false
	}
	off := addr - m.base
	// The backing array is plain []byte; CAS correctness comes from m.mu
	// already serialising every hart per spec.md §5 ("LR/SC reservations
	// and AMO operations on Memory are serialised by a single mutex").
	cur := leUint32(m.ram[off : off+4])
	if cur != old {
		return false, cur, true
	}
	putLeUint32(m.ram[off:off+4], new)
	m.markUsedLocked(addr, 4)
	return true, new, true
}

// CompareAndSwap64 is the 64-bit counterpart of CompareAndSwap32.
func (m *Memory) CompareAndSwap64(addr uint64, old, new uint64) (swapped bool, actual uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr%8 != 0 || !m.inRange(addr, 8) {
		return false, 0, false
	}
	off := addr - m.base
	cur := leUint64(m.ram[off : off+8])
	if cur != old {
		return false, cur, true
	}
	putLeUint64(m.ram[off:off+8], new)
	m.markUsedLocked(addr, 8)
	return true, new, true
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[0:4])) | uint64(leUint32(b[4:8]))<<32
}

func putLeUint64(b []byte, v uint64) {
	putLeUint32(b[0:4], uint32(v))
	putLeUint32(b[4:8], uint32(v>>32))
}

// UsedBlock is one (addr, length) pair in the snapshot "usedblocks" file.
type UsedBlock struct {
	Addr uint64
	Len  uint64
}

// UsedBlocks returns the coalesced set of physical ranges ever written,
// for snapshot.Save (spec.md §6 "usedblocks: addr length pairs").
func (m *Memory) UsedBlocks() []UsedBlock {
	m.mu.Lock()
	defer m.mu.Unlock()

	pages := make([]uint64, 0, len(m.usedPages))
	for p := range m.usedPages {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })

	var blocks []UsedBlock
	for _, p := range pages {
		addr := m.base + p<<pageShift
		if len(blocks) > 0 {
			last := &blocks[len(blocks)-1]
			if last.Addr+last.Len == addr {
				last.Len += pageSize
				continue
			}
		}
		blocks = append(blocks, UsedBlock{Addr: addr, Len: pageSize})
	}
	return blocks
}

// RawAt exposes a direct slice of the backing array for bulk loader/snapshot
// I/O (ELF segment materialization, snapshot restore). Callers must stay
// within [Base(), Base()+Size()).
func (m *Memory) RawAt(addr uint64, size uint64) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inRange(addr, size) {
		return nil, false
	}
	off := addr - m.base
	return m.ram[off : off+size], true
}

// MarkUsed records addr..addr+size as populated without going through
// Write; used by bulk loaders that write directly via RawAt.
func (m *Memory) MarkUsed(addr, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markUsedLocked(addr, size)
}
