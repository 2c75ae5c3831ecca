// Package csr implements the typed control/status register bank described
// in spec.md §4.1: per-register write/poke/read masks, aliasing through a
// shared backing word, RV32 high/low half projection, SIP/SIE/MIDELEG
// interrupt masking, AIA shadow-enable via MVIEN, and ordered callback
// chains fired on poke/write/reset.
package csr

import (
	"errors"
	"fmt"
	"sync"
)

// Mode is a RISC-V privilege level. Values are ordered so that
// mode < csr.Priv is a valid "insufficient privilege" test.
type Mode uint8

const (
	ModeUser Mode = iota
	ModeSupervisor
	ModeMachine
)

func (m Mode) String() string {
	switch m {
	case ModeUser:
		return "U"
	case ModeSupervisor:
		return "S"
	case ModeMachine:
		return "M"
	default:
		return "?"
	}
}

// Failure kinds returned by Read/Write, per spec.md §4.1's
// "kind{no-such, not-impl, not-accessible}". The hart must translate any of
// these into an illegal-instruction trap without mutating state; csr.File
// never mutates on a failed Read/Write.
var (
	ErrNoSuchCsr      = errors.New("csr: no such register")
	ErrNotImplemented = errors.New("csr: not implemented")
	ErrNotAccessible  = errors.New("csr: not accessible in current mode")
)

// Flags are the per-CSR bits named in spec.md §3's CSR data model.
type Flags uint16

const (
	FlagMandatory Flags = 1 << iota
	FlagImplemented
	FlagHypervisor   // accessible only from HS or M (illegal while V=1)
	FlagIsVSCsr      // a VS-prefixed register; illegal to name directly while V=1
	FlagMapsToVirtual // an S-prefixed register that redirects to its VS shadow while V=1
	FlagHighHalf     // RV32 *H register projecting bits 63:32 of a 64-bit semantic value
	FlagDebug        // accessible only in debug mode
	FlagShared       // backing storage is shared across harts
)

// Field describes a named bitfield of a CSR, for diagnostics and the
// performance-model adapter's register decode; it carries no semantics of
// its own.
type Field struct {
	Name  string
	Shift uint
	Bits  uint
}

// MaskFunc computes a mask at access time. Most CSRs have a fixed mask;
// SIP/SIE need one derived from another register's live value (MIDELEG), so
// masks are functions rather than constants.
type MaskFunc func(f *File) uint64

// Const returns a MaskFunc that always yields v.
func Const(v uint64) MaskFunc { return func(*File) uint64 { return v } }

// Callback is a closure with capability over the file, fired on poke,
// write, or reset. Per spec.md §9's design note, components that react to a
// CSR change register one of these at configuration time rather than
// polling the CSR from inside instruction execute.
type Callback func(f *File, num Number, old, new uint64)

// Csr is one control/status register definition.
type Csr struct {
	Num    Number
	Name   string
	Reset  uint64
	Priv   Mode
	Flags  Flags
	Fields []Field

	ReadMask  MaskFunc
	WriteMask MaskFunc
	PokeMask  MaskFunc

	storage    *uint64
	highHalfOf Number

	prePoke, postPoke   []Callback
	preWrite, postWrite []Callback
	postReset           []Callback
}

// OnPrePoke, OnPostPoke, OnPreWrite, OnPostWrite, and OnPostReset register
// callbacks fired in registration order, matching spec.md §3's "callback chains {prePoke, postPoke,
// preWrite, postWrite, postReset}".
func (c *Csr) OnPrePoke(cb Callback)  { c.prePoke = append(c.prePoke, cb) }
func (c *Csr) OnPostPoke(cb Callback) { c.postPoke = append(c.postPoke, cb) }
func (c *Csr) OnPreWrite(cb Callback) { c.preWrite = append(c.preWrite, cb) }
func (c *Csr) OnPostWrite(cb Callback) {
	c.postWrite = append(c.postWrite, cb)
}
func (c *Csr) OnPostReset(cb Callback) { c.postReset = append(c.postReset, cb) }

// FieldValue returns the shifted, masked value of a named field, or (0, false)
// if the CSR has no field by that name.
func (c *Csr) FieldValue(raw uint64, name string) (uint64, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			mask := uint64(1)<<f.Bits - 1
			return (raw >> f.Shift) & mask, true
		}
	}
	return 0, false
}

// File is a CSR bank for one hart (or, for FlagShared registers, the
// process-wide backing shared across harts).
type File struct {
	mu sync.Mutex

	xlen       int
	debugMode  bool
	maxEventID uint64

	csrs  map[Number]*Csr
	sToVs map[Number]Number
}

// readOnlyByEncoding reports whether bits 11:10 of num are both set, the
// RISC-V convention for a read-only CSR number. HGEIP matches this pattern
// (it is genuinely read-only through the CSR write path) even though
// hardware can still update it through the hypervisor external-interrupt
// injection path via Poke — spec.md §3 calls this out as the documented
// exception, and Poke already bypasses this check entirely.
func readOnlyByEncoding(num Number) bool {
	return (num>>10)&0x3 == 0x3
}

// privilegeByEncoding derives the minimum access privilege from bits 9:8 of
// the CSR number, per spec.md §3.
func privilegeByEncoding(num Number) Mode {
	switch (num >> 8) & 0x3 {
	case 0:
		return ModeUser
	case 3:
		return ModeMachine
	default:
		// Both the supervisor (01) and hypervisor (10) encodings require at
		// least HS-level (supervisor-mode, V=0) access.
		return ModeSupervisor
	}
}

func (f *File) loadLocked(c *Csr) uint64 {
	raw := *c.storage
	if c.Flags&FlagHighHalf != 0 {
		raw >>= 32
	}
	if f.xlen == 32 {
		raw &= 0xFFFFFFFF
	}
	return raw & c.ReadMask(f)
}

func (f *File) storeLocked(c *Csr, value uint64, mask uint64, pre, post []Callback) {
	old := *c.storage
	for _, cb := range pre {
		cb(f, c.Num, old, value)
	}
	var stored uint64
	if c.Flags&FlagHighHalf != 0 {
		newHigh := ((old >> 32) &^ mask) | (value & mask)
		stored = (old & 0xFFFFFFFF) | (newHigh << 32)
	} else {
		if f.xlen == 32 {
			mask &= 0xFFFFFFFF
		}
		stored = (old &^ mask) | (value & mask)
	}
	*c.storage = stored
	for _, cb := range post {
		cb(f, c.Num, old, stored)
	}
}

// lookup resolves a CSR number to its definition, failing with ErrNoSuchCsr
// or ErrNotImplemented. It applies no privilege or virtualization logic.
func (f *File) lookup(num Number) (*Csr, error) {
	c, ok := f.csrs[num]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrNoSuchCsr, num)
	}
	if c.Flags&FlagImplemented == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, c.Name)
	}
	return c, nil
}

// target resolves num to the CSR that will actually be accessed, applying
// the V=1 supervisor-to-VS redirect and rejecting direct VS-CSR access
// while virtual, per spec.md §4.1's aliasing rules.
func (f *File) target(num Number, virt bool) (*Csr, error) {
	c, err := f.lookup(num)
	if err != nil {
		return nil, err
	}
	if virt && c.Flags&FlagMapsToVirtual != 0 {
		if vnum, ok := f.sToVs[num]; ok {
			return f.lookup(vnum)
		}
	}
	if virt && c.Flags&FlagIsVSCsr != 0 {
		return nil, fmt.Errorf("%w: %s accessed directly while V=1", ErrNotAccessible, c.Name)
	}
	return c, nil
}

func (f *File) accessible(c *Csr, mode Mode, virt bool, forWrite bool) bool {
	if c.Flags&FlagDebug != 0 && !f.debugMode {
		return false
	}
	if mode < c.Priv {
		return false
	}
	if c.Flags&FlagHypervisor != 0 && virt {
		return false
	}
	if forWrite && readOnlyByEncoding(c.Num) {
		return false
	}
	return true
}

// Read implements spec.md §4.1's read(num, mode) -> value | kind{...}.
func (f *File) Read(num Number, mode Mode, virt bool) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.target(num, virt)
	if err != nil {
		return 0, err
	}
	if !f.accessible(c, mode, virt, false) {
		return 0, fmt.Errorf("%w: %s from %s (V=%v)", ErrNotAccessible, c.Name, mode, virt)
	}
	return f.loadLocked(c), nil
}

// Write implements spec.md §4.1's write(num, mode, value), applying
// (old &^ writeMask) | (new & writeMask) and firing postWrite callbacks
// exactly once in registration order (testable property 6).
func (f *File) Write(num Number, mode Mode, virt bool, value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.target(num, virt)
	if err != nil {
		return err
	}
	if !f.accessible(c, mode, virt, true) {
		return fmt.Errorf("%w: %s from %s (V=%v)", ErrNotAccessible, c.Name, mode, virt)
	}
	f.storeLocked(c, value, c.WriteMask(f), c.preWrite, c.postWrite)
	return nil
}

// Peek reads the raw stored value bypassing privilege and the read mask;
// used by the debugger/performance-model adapter.
func (f *File) Peek(num Number) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(num)
	if err != nil {
		return 0, false
	}
	raw := *c.storage
	if c.Flags&FlagHighHalf != 0 {
		raw >>= 32
	}
	return raw, true
}

// Poke bypasses CSR read/write semantics but still honours the poke mask
// and fires poke callbacks, per spec.md §4.1.
func (f *File) Poke(num Number, value uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(num)
	if err != nil {
		return false
	}
	f.storeLocked(c, value, c.PokeMask(f), c.prePoke, c.postPoke)
	return true
}

// IsReadable and IsWriteable implement
// isReadable/isWriteable(num, mode, virtMode) from spec.md §4.1.
func (f *File) IsReadable(num Number, mode Mode, virt bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.target(num, virt)
	if err != nil {
		return false
	}
	return f.accessible(c, mode, virt, false)
}

func (f *File) IsWriteable(num Number, mode Mode, virt bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.target(num, virt)
	if err != nil {
		return false
	}
	return f.accessible(c, mode, virt, true)
}

// Lookup exposes the CSR definition for a number, e.g. for trigger and
// diagnostic code that needs field metadata. It does not apply access
// control.
func (f *File) Lookup(num Number) (*Csr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.csrs[num]
	return c, ok
}

// SetDebugMode toggles whether FlagDebug registers are currently reachable.
func (f *File) SetDebugMode(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debugMode = on
}

// DebugMode reports the current debug-mode state.
func (f *File) DebugMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.debugMode
}

// Reset restores every CSR to its reset value and then fires postReset
// callbacks, per spec.md §3's lifecycle description.
func (f *File) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := map[*uint64]bool{}
	for _, c := range f.csrs {
		if c.Flags&FlagHighHalf != 0 {
			continue // shares storage with its low half; reset there
		}
		if seen[c.storage] {
			continue // aliased registers share one backing word
		}
		seen[c.storage] = true
		*c.storage = c.Reset
	}
	for _, c := range f.csrs {
		old := *c.storage
		for _, cb := range c.postReset {
			cb(f, c.Num, old, old)
		}
	}
}

// EffectiveInterruptEnable computes MIE | shadowSie, where shadowSie
// captures bits set by MVIEN where MIDELEG is clear, per spec.md §4.1's AIA
// interrupt-enable rule. Called by the hart's pending-interrupt scan.
func (f *File) EffectiveInterruptEnable() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	mie := f.rawLocked(Mie)
	mideleg := f.rawLocked(Mideleg)
	mvien := f.rawLocked(Mvien)
	shadow := mvien &^ mideleg
	return mie | shadow
}

func (f *File) rawLocked(num Number) uint64 {
	c, ok := f.csrs[num]
	if !ok {
		return 0
	}
	return *c.storage
}
