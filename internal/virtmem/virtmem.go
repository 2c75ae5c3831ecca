// Package virtmem implements the Sv32/39/48/57 page-table walkers (and
// their x4 G-stage counterparts) that translate a hart's virtual addresses
// against the flat physical address space in package memory, per spec.md
// §4.3.
package virtmem

import (
	"fmt"

	"github.com/hartsim/core/internal/csr"
	"github.com/hartsim/core/internal/memory"
)

// Mode is a satp/hgatp MODE field value. The hgatp field reuses the same
// numeric encoding (renamed *x4 in the privileged spec purely for
// documentation purposes), so one enum serves both.
type Mode uint8

const (
	Bare Mode = 0
	Sv32 Mode = 1
	Sv39 Mode = 8
	Sv48 Mode = 9
	Sv57 Mode = 10
)

func (m Mode) String() string {
	switch m {
	case Bare:
		return "Bare"
	case Sv32:
		return "Sv32"
	case Sv39:
		return "Sv39"
	case Sv48:
		return "Sv48"
	case Sv57:
		return "Sv57"
	default:
		return fmt.Sprintf("Mode(%d)", m)
	}
}

// Standard RISC-V synchronous exception cause codes this package raises.
const (
	CauseInstructionAccessFault   = 1
	CauseLoadAccessFault          = 5
	CauseStoreAMOAccessFault      = 7
	CauseInstructionPageFault     = 12
	CauseLoadPageFault            = 13
	CauseStoreAMOPageFault        = 15
	CauseInstructionGuestPageFault = 20
	CauseLoadGuestPageFault        = 21
	CauseVirtualInstruction        = 22
	CauseStoreAMOGuestPageFault    = 23
)

// Access describes the kind of access being translated; exactly one of
// Read/Write/Execute should normally be set, matching the hart's (r, w, x)
// contract parameters.
type Access struct {
	Read    bool
	Write   bool
	Execute bool
}

// Fault is returned alongside a zero physical address on translation
// failure.
type Fault struct {
	Cause uint64
	Tval  uint64 // faulting virtual (or guest-physical) address
	Tval2 uint64 // set on a guest-page-fault: (gpa>>2)<<2
	Guest bool   // true if the fault originated in the G-stage walk
}

func (f *Fault) Error() string {
	return fmt.Sprintf("virtmem: cause %d tval %#x tval2 %#x guest=%v", f.Cause, f.Tval, f.Tval2, f.Guest)
}

// satpValue is the decoded contents of an SATP/HGATP-shaped CSR.
type satpValue struct {
	Mode Mode
	Id   uint64 // ASID or VMID, not interpreted by the walker
	PPN  uint64
}

func decodeSatp(xlen int, raw uint64) satpValue {
	if xlen == 32 {
		mode := Bare
		if raw&(1<<31) != 0 {
			mode = Sv32
		}
		return satpValue{Mode: mode, Id: (raw >> 22) & 0x1FF, PPN: raw & 0x3FFFFF}
	}
	return satpValue{
		Mode: Mode((raw >> 60) & 0xF),
		Id:   (raw >> 44) & 0xFFFF,
		PPN:  raw & 0xFFF_FFFFFFFF,
	}
}

func decodeHgatp(xlen int, raw uint64) satpValue {
	if xlen == 32 {
		mode := Bare
		if raw&(1<<31) != 0 {
			mode = Sv32
		}
		return satpValue{Mode: mode, Id: (raw >> 24) & 0x7F, PPN: raw & 0x3FFFFF}
	}
	return satpValue{
		Mode: Mode((raw >> 60) & 0xF),
		Id:   (raw >> 28) & 0x3FFF,
		PPN:  raw & 0xFFFFFFF,
	}
}

// geometry captures the level count and per-level index width of one
// walker mode. topExtraBits widens the top-level index for the x4 G-stage
// variants, which address an unsigned GPA space two bits wider than the
// corresponding S-stage VA space.
type geometry struct {
	levels      int
	vpnBits     uint
	ptesize     uint64
	signExtend  uint // bit position the VA must sign-extend from; 0 = no check (Sv32, G-stage)
	topExtraBits uint
}

func geometryFor(mode Mode, gStage bool) (geometry, bool) {
	var g geometry
	switch mode {
	case Sv32:
		g = geometry{levels: 2, vpnBits: 10, ptesize: 4}
	case Sv39:
		g = geometry{levels: 3, vpnBits: 9, ptesize: 8, signExtend: 38}
	case Sv48:
		g = geometry{levels: 4, vpnBits: 9, ptesize: 8, signExtend: 47}
	case Sv57:
		g = geometry{levels: 5, vpnBits: 9, ptesize: 8, signExtend: 56}
	default:
		return geometry{}, false
	}
	if gStage {
		g.signExtend = 0
		g.topExtraBits = 2
	}
	return g, true
}

// vpn returns the VPN index for level (0 = least significant) given the
// access address and geometry.
func vpn(addr uint64, g geometry, level int) uint64 {
	width := g.vpnBits
	if level == g.levels-1 {
		width += g.topExtraBits
	}
	shift := 12 + uint(level)*g.vpnBits
	return (addr >> shift) & (1<<width - 1)
}

// pte is a decoded page-table entry, normalized to the 64-bit PTE layout
// regardless of source width; Sv32 PTEs have no PBMT field.
type pte struct {
	raw          uint64
	V, R, W, X   bool
	U, G, A, D   bool
	ppn          uint64
	pbmt         memory.PbmtMode
}

func decodePTE(raw uint64, sv32 bool) pte {
	p := pte{raw: raw}
	p.V = raw&0x1 != 0
	p.R = raw&0x2 != 0
	p.W = raw&0x4 != 0
	p.X = raw&0x8 != 0
	p.U = raw&0x10 != 0
	p.G = raw&0x20 != 0
	p.A = raw&0x40 != 0
	p.D = raw&0x80 != 0
	if sv32 {
		p.ppn = (raw >> 10) & 0x3FFFFF
		return p
	}
	p.ppn = (raw >> 10) & 0xFFF_FFFFFFFF
	switch (raw >> 61) & 0x3 {
	case 1:
		p.pbmt = memory.PbmtNC
	case 2:
		p.pbmt = memory.PbmtIO
	default:
		p.pbmt = memory.PbmtNone
	}
	return p
}

func (p pte) leaf() bool { return p.R || p.X }

// Translator performs page-table walks against a shared Memory and reads
// the controlling SATP/HGATP/(M|H)ENVCFG state from a per-hart CsrFile.
type Translator struct {
	mem  *memory.Memory
	csrs *csr.File
	xlen int
}

// New builds a Translator for one hart's CsrFile against the platform's
// shared physical memory.
func New(mem *memory.Memory, csrs *csr.File, xlen int) *Translator {
	return &Translator{mem: mem, csrs: csrs, xlen: xlen}
}

// Translate implements spec.md §4.3's `translate(va, privMode, virtMode, r,
// w, x) -> (pa | exceptionCause)`, updating A/D bits as permitted.
func (t *Translator) Translate(va uint64, priv csr.Mode, virt bool, acc Access) (uint64, *Fault) {
	return t.translate(va, priv, virt, acc, true)
}

// TransAddrNoUpdate is the performance-model's side-effect-free walk: same
// algorithm, but A/D bits are never written and no fault queue bookkeeping
// (were there any) is touched.
func (t *Translator) TransAddrNoUpdate(va uint64, priv csr.Mode, virt bool, acc Access) (uint64, *Fault) {
	return t.translate(va, priv, virt, acc, false)
}

func accessFaultCause(acc Access) uint64 {
	switch {
	case acc.Execute:
		return CauseInstructionAccessFault
	case acc.Write:
		return CauseStoreAMOAccessFault
	default:
		return CauseLoadAccessFault
	}
}

func pageFaultCause(acc Access) uint64 {
	switch {
	case acc.Execute:
		return CauseInstructionPageFault
	case acc.Write:
		return CauseStoreAMOPageFault
	default:
		return CauseLoadPageFault
	}
}

func guestPageFaultCause(acc Access) uint64 {
	switch {
	case acc.Execute:
		return CauseInstructionGuestPageFault
	case acc.Write:
		return CauseStoreAMOGuestPageFault
	default:
		return CauseLoadGuestPageFault
	}
}

func (t *Translator) translate(va uint64, priv csr.Mode, virt bool, acc Access, update bool) (uint64, *Fault) {
	satpRaw, _ := t.csrs.Peek(csr.Satp)
	if virt {
		satpRaw, _ = t.csrs.Peek(csr.Vsatp)
	}
	satp := decodeSatp(t.xlen, satpRaw)

	if priv == csr.ModeMachine {
		// M-mode never translates through the S-stage walker (spec.md
		// leaves MPRV-driven exceptions to the hart; VirtMem only performs
		// the walk itself).
		return va, nil
	}
	if satp.Mode == Bare {
		if virt {
			return t.stage2(va, acc, update)
		}
		return va, nil
	}

	mstatus, _ := t.csrs.Peek(csr.Mstatus)
	mxr := mstatus&(1<<19) != 0
	sum := mstatus&(1<<18) != 0

	pa, fault := t.walk(satp, va, acc, priv, mxr, sum, virt, false, update)
	if fault != nil {
		return 0, fault
	}
	if virt {
		return t.stage2(pa, acc, update)
	}
	return pa, nil
}

// stage2 runs the G-stage walk from a guest-physical address to a real
// physical address. It is also used, recursively, to translate the
// physical reads of S-stage PTEs while V=1.
func (t *Translator) stage2(gpa uint64, acc Access, update bool) (uint64, *Fault) {
	hgatpRaw, _ := t.csrs.Peek(csr.Hgatp)
	hgatp := decodeHgatp(t.xlen, hgatpRaw)
	if hgatp.Mode == Bare {
		return gpa, nil
	}
	pa, fault := t.walk(hgatp, gpa, acc, csr.ModeSupervisor, true /* mxr */, true /* sum */, false, true, update)
	if fault != nil {
		fault.Guest = true
		fault.Cause = guestPageFaultCause(acc)
		fault.Tval2 = (gpa >> 2) << 2
		fault.Tval = gpa
		return 0, fault
	}
	return pa, nil
}

// readPTE fetches the ptesize-byte entry at addr, itself translating
// through the G-stage walker first when virt is set, per spec.md §4.3
// ("each load of a page-table entry is itself translated through the
// G-stage table").
func (t *Translator) readPTE(addr uint64, ptesize uint64, virt bool) (uint64, bool) {
	phys := addr
	if virt {
		p, fault := t.stage2(addr, Access{Read: true}, false)
		if fault != nil {
			return 0, false
		}
		phys = p
	}
	buf := make([]byte, ptesize)
	if !t.mem.Read(phys, buf) {
		return 0, false
	}
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, true
}

// casPTE performs the A/D-bit hardware update by CAS against the PTE word.
func (t *Translator) casPTE(addr uint64, ptesize uint64, old, new uint64) bool {
	if ptesize == 4 {
		swapped, _, ok := t.mem.CompareAndSwap32(addr, uint32(old), uint32(new))
		return ok && swapped
	}
	swapped, _, ok := t.mem.CompareAndSwap64(addr, old, new)
	return ok && swapped
}

// aduePermits reports whether hardware A/D update is enabled for this walk.
// It reads MENVCFG.ADUE only, which gates S-stage, VS-stage and G-stage
// walks alike; HENVCFG.ADUE is not consulted (see DESIGN.md).
func (t *Translator) aduePermits() bool {
	menvcfg, _ := t.csrs.Peek(csr.Menvcfg)
	return menvcfg&(1<<61) != 0
}

func (t *Translator) walk(root satpValue, addr uint64, acc Access, priv csr.Mode, mxr, sum, virt, gStage, update bool) (uint64, *Fault) {
	g, ok := geometryFor(root.Mode, gStage)
	if !ok {
		return 0, &Fault{Cause: pageFaultCause(acc), Tval: addr}
	}
	sv32 := root.Mode == Sv32
	if g.signExtend != 0 {
		top := addr >> g.signExtend
		signBit := (addr >> g.signExtend) & 1
		want := uint64(0)
		if signBit == 1 {
			want = ^uint64(0) >> g.signExtend
		}
		if top != want {
			return 0, &Fault{Cause: pageFaultCause(acc), Tval: addr}
		}
	}

	tableAddr := root.PPN << 12
	var leaf pte
	var leafAddr uint64
	level := g.levels - 1
	for {
		idx := vpn(addr, g, level)
		entryAddr := tableAddr + idx*g.ptesize
		raw, ok := t.readPTE(entryAddr, g.ptesize, virt)
		if !ok {
			return 0, &Fault{Cause: pageFaultCause(acc), Tval: addr}
		}
		p := decodePTE(raw, sv32)
		if !p.V || (!p.R && p.W) {
			return 0, &Fault{Cause: pageFaultCause(acc), Tval: addr}
		}
		if p.leaf() {
			leaf = p
			leafAddr = entryAddr
			break
		}
		if level == 0 {
			return 0, &Fault{Cause: pageFaultCause(acc), Tval: addr}
		}
		tableAddr = p.ppn << 12
		level--
	}

	if !permitted(leaf, acc, priv, mxr, sum, gStage) {
		return 0, &Fault{Cause: pageFaultCause(acc), Tval: addr}
	}

	// Superpage alignment: every VPN index below the leaf's level must be
	// zero in the PPN.
	if level > 0 {
		mask := uint64(1)<<(uint(level)*g.vpnBits) - 1
		if leaf.ppn&mask != 0 {
			return 0, &Fault{Cause: pageFaultCause(acc), Tval: addr}
		}
	}

	pa := leaf.ppn << 12
	lowBits := uint(level) * g.vpnBits
	if lowBits > 0 {
		mask := uint64(1)<<lowBits - 1
		pa = (pa &^ mask) | (addr & mask)
	}
	pa |= addr & 0xFFF

	needsUpdate := !leaf.A || (acc.Write && !leaf.D)
	if update && t.aduePermits() {
		if needsUpdate {
			newRaw := leaf.raw | 0x40
			if leaf.D || acc.Write {
				newRaw |= 0x80
			}
			if !t.casPTE(leafAddr, g.ptesize, leaf.raw, newRaw) {
				return 0, &Fault{Cause: pageFaultCause(acc), Tval: addr}
			}
		}
	} else if needsUpdate {
		// Hardware A/D management disabled: an access through a PTE with A
		// (or D, on a store) clear is a page fault, per the base privileged
		// spec's software-managed-AD fallback.
		return 0, &Fault{Cause: pageFaultCause(acc), Tval: addr}
	}

	if leaf.pbmt == memory.PbmtIO && acc.Execute {
		// Svpbmt IO pages are never instruction-fetchable.
		return 0, &Fault{Cause: accessFaultCause(acc), Tval: addr}
	}

	return pa, nil
}

// permitted checks both the leaf's R/W/X bits against the access type and
// the U bit against the requesting privilege. G-stage leaves are a special
// case: the hypervisor spec requires U=1 on every valid G-stage PTE since
// guest-physical accesses are conceptually always "user" class from the
// host's point of view.
func permitted(p pte, acc Access, priv csr.Mode, mxr, sum bool, gStage bool) bool {
	if gStage {
		if !p.U {
			return false
		}
	} else if p.U {
		if priv == csr.ModeSupervisor && !sum {
			return false
		}
	} else if priv == csr.ModeUser {
		return false
	}

	if acc.Execute {
		return p.X
	}
	if acc.Write {
		return p.W
	}
	return p.R || (p.X && mxr)
}
