// Package imsic implements the Incoming MSI Controller and Advanced
// Platform-Level Interrupt Controller domain described in spec.md §2's
// module table and §4.2's "interrupts delivered from the IMSIC provide an
// iid": per-hart M/S/guest interrupt files with eidelivery/eithreshold/
// eip/eie semantics, topei/topi selection, and an APLIC source domain that
// routes wired interrupt lines into those files (or, in direct mode, onto
// a legacy CLINT-style line) via MSI writes.
package imsic

import (
	"fmt"
	"sync"

	"github.com/hartsim/core/internal/memory"
)

// Level identifies which interrupt file within a hart is addressed: the
// machine file, the supervisor file, or one of its guest files under H.
type Level int

const (
	LevelM Level = iota
	LevelS
	LevelGuest
)

// File is one interrupt file: eidelivery/eithreshold plus the eip/eie
// bitmaps, per spec.md §2's IMSIC row. IDs are numbered 1..NumIDs-1; id 0
// is reserved and never delivered, matching the AIA MSI convention where
// an MSI write of 0 is a no-op.
type File struct {
	mu sync.Mutex

	numIDs      int
	eidelivery  uint64
	eithreshold uint64
	eip         []uint64 // bit i = id i pending
	eie         []uint64 // bit i = id i enabled
}

func newFile(numIDs int) *File {
	if numIDs < 1 {
		numIDs = 64
	}
	words := (numIDs + 63) / 64
	return &File{numIDs: numIDs, eip: make([]uint64, words), eie: make([]uint64, words)}
}

func (f *File) Eidelivery() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eidelivery
}

func (f *File) SetEidelivery(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eidelivery = v & 1
}

func (f *File) Eithreshold() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eithreshold
}

func (f *File) SetEithreshold(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eithreshold = v
}

func (f *File) Enabled(id uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.testLocked(f.eie, id)
}

func (f *File) SetEnabled(id uint32, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(f.eie, id, on)
}

func (f *File) Pending(id uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.testLocked(f.eip, id)
}

func (f *File) SetPending(id uint32, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(f.eip, id, on)
}

func (f *File) testLocked(bits []uint64, id uint32) bool {
	if id == 0 || int(id) >= f.numIDs {
		return false
	}
	return bits[id/64]&(1<<(id%64)) != 0
}

func (f *File) setLocked(bits []uint64, id uint32, on bool) {
	if id == 0 || int(id) >= f.numIDs {
		return
	}
	if on {
		bits[id/64] |= 1 << (id % 64)
	} else {
		bits[id/64] &^= 1 << (id % 64)
	}
}

// TopEI returns the highest enabled-and-pending identity, per spec.md
// §2's "topei returns the highest-enabled pending id", gated by
// eidelivery and eithreshold (a threshold of 0 disables the cutoff).
func (f *File) TopEI() (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eidelivery&1 == 0 {
		return 0, false
	}
	for id := f.numIDs - 1; id >= 1; id-- {
		if !f.testLocked(f.eie, uint32(id)) || !f.testLocked(f.eip, uint32(id)) {
			continue
		}
		if f.eithreshold != 0 && uint64(id) >= f.eithreshold {
			continue
		}
		return uint32(id), true
	}
	return 0, false
}

// TopI packs the identity selected by TopEI as (256 - iid) << 16 | iid, a
// simulator convention rather than the (v)stopi layout (see DESIGN.md).
// Ids above 255 get priority 0; TopI returns 0 when nothing is deliverable.
func (f *File) TopI() uint64 {
	iid, ok := f.TopEI()
	if !ok {
		return 0
	}
	prio := uint64(256 - iid)
	if iid > 255 {
		prio = 0
	}
	return prio<<16 | uint64(iid)
}

// HartFiles bundles the interrupt files belonging to one hart: one machine
// file, one supervisor file, and zero or more guest files (one per VS
// context H can assign, per spec.md §2's "optional guest files").
type HartFiles struct {
	M     *File
	S     *File
	Guest []*File
}

// DeliverFunc is invoked whenever a file transitions into "has a
// deliverable top identity" so the platform can assert the matching MIP/
// HGEIP-style line on the owning hart. level/guest identify which file
// fired; guest is only meaningful when level == LevelGuest.
type DeliverFunc func(hart int, level Level, guest int, iid uint32)

// Config describes the IMSIC geometry: how many harts, how many guest
// files per hart, how many interrupt identities each file supports, and
// the MMIO layout used for MSI-triggered pending writes.
type Config struct {
	NumHarts         int
	NumGuestsPerHart int
	NumIDs           int
	Base             uint64 // base of the M-file MSI window
	HartStride       uint64 // distance between consecutive harts' windows
	GuestStride      uint64 // distance between S/guest-file windows within a hart
}

const defaultPageSize = 0x1000

// Imsic owns every hart's interrupt files plus the MSI-write MMIO window
// that sets their pending bits, per spec.md §2's IMSIC/APLIC row.
type Imsic struct {
	mu sync.Mutex

	cfg       Config
	harts     []*HartFiles
	onDeliver DeliverFunc
}

// New builds the interrupt files for cfg.NumHarts harts, each with one M
// file, one S file, and cfg.NumGuestsPerHart guest files.
func New(cfg Config) *Imsic {
	if cfg.NumIDs <= 0 {
		cfg.NumIDs = 64
	}
	if cfg.HartStride == 0 {
		cfg.HartStride = defaultPageSize * uint64(2+cfg.NumGuestsPerHart)
	}
	if cfg.GuestStride == 0 {
		cfg.GuestStride = defaultPageSize
	}
	im := &Imsic{cfg: cfg}
	im.harts = make([]*HartFiles, cfg.NumHarts)
	for i := range im.harts {
		hf := &HartFiles{M: newFile(cfg.NumIDs), S: newFile(cfg.NumIDs)}
		hf.Guest = make([]*File, cfg.NumGuestsPerHart)
		for g := range hf.Guest {
			hf.Guest[g] = newFile(cfg.NumIDs)
		}
		im.harts[i] = hf
	}
	return im
}

// SetDeliveryCallback installs the function called whenever a file's
// pending bit is set by an MSI write and that identity is enabled and
// deliverable. A platform wiring the simulator's CLINT-equivalent uses
// this to set MEIP/SEIP on the target hart's CSR file.
func (im *Imsic) SetDeliveryCallback(fn DeliverFunc) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.onDeliver = fn
}

// File returns the interrupt file for (hart, level); guest selects which
// guest file when level == LevelGuest.
func (im *Imsic) File(hart int, level Level, guest int) (*File, error) {
	if hart < 0 || hart >= len(im.harts) {
		return nil, fmt.Errorf("imsic: hart index %d out of range", hart)
	}
	hf := im.harts[hart]
	switch level {
	case LevelM:
		return hf.M, nil
	case LevelS:
		return hf.S, nil
	case LevelGuest:
		if guest < 0 || guest >= len(hf.Guest) {
			return nil, fmt.Errorf("imsic: guest index %d out of range", guest)
		}
		return hf.Guest[guest], nil
	default:
		return nil, fmt.Errorf("imsic: unknown level %d", level)
	}
}

// Deliver sets id pending in (hart, level, guest)'s file and, if that
// identity is enabled and the file is deliverable, invokes the delivery
// callback. This is the Go-level entry point the APLIC domain (and any
// direct device model) uses to raise a message-signaled interrupt;
// WriteMMIO below is the bus-level equivalent for a real MSI write.
func (im *Imsic) Deliver(hart int, level Level, guest int, id uint32) error {
	f, err := im.File(hart, level, guest)
	if err != nil {
		return err
	}
	f.SetPending(id, true)
	im.notify(hart, level, guest, f)
	return nil
}

func (im *Imsic) notify(hart int, level Level, guest int, f *File) {
	iid, ok := f.TopEI()
	if !ok {
		return
	}
	im.mu.Lock()
	cb := im.onDeliver
	im.mu.Unlock()
	if cb != nil {
		cb(hart, level, guest, iid)
	}
}

// pageBase returns the MMIO window base for (hart, level, guest).
func (im *Imsic) pageBase(hart int, level Level, guest int) uint64 {
	base := im.cfg.Base + uint64(hart)*im.cfg.HartStride
	switch level {
	case LevelM:
		return base
	case LevelS:
		return base + defaultPageSize
	default:
		return base + 2*defaultPageSize + uint64(guest)*im.cfg.GuestStride
	}
}

// locate maps an absolute MMIO address back to (hart, level, guest),
// mirroring the reverse of pageBase.
func (im *Imsic) locate(addr uint64) (hart int, level Level, guest int, ok bool) {
	if addr < im.cfg.Base {
		return 0, 0, 0, false
	}
	off := addr - im.cfg.Base
	hart = int(off / im.cfg.HartStride)
	if hart >= len(im.harts) {
		return 0, 0, 0, false
	}
	within := off % im.cfg.HartStride
	switch {
	case within < defaultPageSize:
		return hart, LevelM, 0, true
	case within < 2*defaultPageSize:
		return hart, LevelS, 0, true
	default:
		g := int((within - 2*defaultPageSize) / im.cfg.GuestStride)
		if g >= len(im.harts[hart].Guest) {
			return 0, 0, 0, false
		}
		return hart, LevelGuest, g, true
	}
}

// Register maps the aggregate MSI-write window covering every hart/level/
// guest file into mem, the same way a platform wires in any other
// memory-mapped peripheral (internal/iommu.Register follows the same
// shape).
func (im *Imsic) Register(mem *memory.Memory) error {
	size := uint64(len(im.harts)) * im.cfg.HartStride
	return mem.RegisterDevice(im.cfg.Base, size, im, "imsic")
}

// ReadMMIO implements memory.Device. The MSI window is write-only on real
// hardware; reads return zero, matching an unimplemented/reserved
// register rather than faulting.
func (im *Imsic) ReadMMIO(addr uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	return nil
}

// WriteMMIO implements memory.Device. Per the AIA MSI convention, a
// 32-bit write of identity id to a file's window sets that id pending
// (an id of 0 is a no-op) and triggers delivery if it is enabled.
func (im *Imsic) WriteMMIO(addr uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("imsic: MSI write must be 4 bytes, got %d", len(data))
	}
	hart, level, guest, ok := im.locate(addr)
	if !ok {
		return fmt.Errorf("imsic: write outside any interrupt file window: %#x", addr)
	}
	id := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	if id == 0 {
		return nil
	}
	return im.Deliver(hart, level, guest, id)
}

var _ memory.Device = (*Imsic)(nil)
