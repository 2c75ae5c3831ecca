// Package hart implements the per-hart fetch/decode/execute/commit/retire
// state machine described in spec.md §4.2: instruction dispatch over the
// isa package's decode, CSR-driven privilege transitions, RISC-V interrupt
// priority, and LR/SC/AMO semantics against the shared physical memory.
package hart

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hartsim/core/internal/csr"
	"github.com/hartsim/core/internal/hart/isa"
	"github.com/hartsim/core/internal/imsic"
	"github.com/hartsim/core/internal/mcm"
	"github.com/hartsim/core/internal/memory"
	"github.com/hartsim/core/internal/trigger"
	"github.com/hartsim/core/internal/virtmem"
)

// Synchronous exception causes not already defined by package virtmem.
const (
	CauseInstructionAddrMisaligned = 0
	CauseIllegalInstruction        = 2
	CauseBreakpoint                = 3
	CauseLoadAddrMisaligned        = 4
	CauseStoreAMOAddrMisaligned    = 6
	CauseEcallFromU                = 8
	CauseEcallFromS                = 9
	CauseEcallFromVS               = 10
	CauseEcallFromM                = 11
)

// Interrupt cause codes (mcause low bits with the interrupt bit set).
const (
	intSSI  = 1
	intVSSI = 2
	intMSI  = 3
	intSTI  = 5
	intVSTI = 6
	intMTI  = 7
	intSEI  = 9
	intVSEI = 10
	intMEI  = 11
)

// interruptPriority is the fixed scan order from spec.md §4.2 ("custom/NMIs
// first, then MEI, MSI, MTI, SEI, SSI, STI, VSEI, VSSI, VSTI").
var interruptPriority = []uint64{intMEI, intMSI, intMTI, intSEI, intSSI, intSTI, intVSEI, intVSSI, intVSTI}

// ErrHalted is returned by Step/Run once the hart has halted (to-host write
// or a fatal, unrecoverable condition).
var ErrHalted = errors.New("hart: halted")

// ErrDebugMode is returned by Step when a fired trigger has entered debug
// mode; the caller (Session) decides whether to resume.
var ErrDebugMode = errors.New("hart: entered debug mode")

// Config are the per-hart knobs spec.md §9 leaves as open questions.
type Config struct {
	XLEN               int
	NumTriggers        int
	LRReservationBytes uint64 // 0 defaults to the access size, per spec.md §9
	Smrnmi             bool   // NMI via MNEPC/MNSTATUS
}

// reservation is the per-hart LR/SC state.
type reservation struct {
	valid bool
	addr  uint64
	size  uint64
}

// decodeKey caches decoded instructions by physical PC and raw encoding, per
// spec.md §4.2's "cache keyed by physical PC and encoding".
type decodeKey struct {
	pc  uint64
	raw uint32
}

// Trace captures one retired (or trapped) instruction for singleStep
// callers and diagnostics; it intentionally carries only what spec.md §4.2
// calls out as needed for tracing and MCM ("record written-reg list").
type Trace struct {
	PC        uint64
	Inst      isa.Inst
	Trapped   bool
	Cause     uint64
	IID       uint64 // identity delivered by the IMSIC, when Cause is MEI/SEI
	WroteRegs []uint32
}

// Hart is one simulated RISC-V hart: its architectural register state, the
// CSR file and trigger file that belong to it, and handles to the shared
// platform resources (Memory, VirtMem) it executes against.
type Hart struct {
	id  int
	cfg Config

	x  [32]uint64
	pc uint64

	priv csr.Mode
	virt bool

	csrs     *csr.File
	mem      *memory.Memory
	vm       *virtmem.Translator
	triggers *trigger.File

	res reservation

	decodeCache map[decodeKey]isa.Inst

	halted   bool
	exitCode int

	// mcm, when attached, receives every memory op and retire event for
	// PPO-rule checking, per spec.md §4.4's "the hart publishes retire
	// events to Mcm." curTag/curTime are the current instruction's
	// allocation from mcm, valid only between fetch and retire.
	mcm     *mcm.Checker
	curTag  uint64
	curTime uint64

	// imsicM/imsicS, when attached, back the MEI/SEI interrupt lines with
	// a real IMSIC file's eidelivery/eithreshold/eip/eie state instead of
	// a raw MIP bit, per spec.md §3's "an IMSIC attachment" and §4.2's
	// "interrupts delivered from the IMSIC provide an iid."
	imsicM *imsic.File
	imsicS *imsic.File

	log *slog.Logger
}

// AttachMCM wires the hart's memory-op and retire paths to a shared MCM
// checker. Call once per hart when the platform is driven in MCM mode
// (spec.md §2's "data flow"); a nil checker (the default) leaves Memory
// access unchanged.
func (h *Hart) AttachMCM(c *mcm.Checker) { h.mcm = c }

// AttachIMSIC wires this hart's machine- and supervisor-level external
// interrupt lines to the given interrupt files. A nil file for either
// level leaves that line governed by MIP alone, matching a platform that
// has no IMSIC wired for that privilege level.
func (h *Hart) AttachIMSIC(m, s *imsic.File) {
	h.imsicM = m
	h.imsicS = s
}

// New builds a Hart with architectural state reset, per spec.md §3's
// "integer register 0 reads as zero" and initial M-mode/non-virtual
// privilege.
func New(id int, cfg Config, mem *memory.Memory, csrs *csr.File, log *slog.Logger) *Hart {
	if cfg.NumTriggers == 0 {
		cfg.NumTriggers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Hart{
		id:          id,
		cfg:         cfg,
		priv:        csr.ModeMachine,
		csrs:        csrs,
		mem:         mem,
		vm:          virtmem.New(mem, csrs, cfg.XLEN),
		triggers:    trigger.New(cfg.NumTriggers),
		decodeCache: make(map[decodeKey]isa.Inst),
		log:         log.With("hart", id),
	}
	return h
}

// ID is the hart's integer index.
func (h *Hart) ID() int { return h.id }

// PC and SetPC expose the program counter for the loader/snapshot and
// debugger entry points.
func (h *Hart) PC() uint64      { return h.pc }
func (h *Hart) SetPC(pc uint64) { h.pc = pc }

// Reg reads an integer register; x0 always reads zero.
func (h *Hart) Reg(i uint32) uint64 {
	if i == 0 {
		return 0
	}
	return h.x[i&0x1F]
}

// SetReg writes an integer register; writes to x0 are discarded.
func (h *Hart) SetReg(i uint32, v uint64) {
	if i == 0 {
		return
	}
	h.x[i&0x1F] = v
}

// Priv and Virt report the current privilege mode and V bit.
func (h *Hart) Priv() csr.Mode { return h.priv }
func (h *Hart) Virt() bool     { return h.virt }

// Halted reports whether the hart has stopped (to-host write or fatal
// error); ExitCode is meaningful only once Halted is true.
func (h *Hart) Halted() bool  { return h.halted }
func (h *Hart) ExitCode() int { return h.exitCode }

// Halt stops the hart with the given exit code, as the to-host device
// callback does on a simulator-visible "exit" write.
func (h *Hart) Halt(code int) {
	h.halted = true
	h.exitCode = code
}

func (h *Hart) sext(v uint64, width int) int64 {
	switch width {
	case 32:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

// signedXLEN reinterprets v as a signed integer of the hart's configured
// width, used by branch/compare instructions.
func (h *Hart) signedXLEN(v uint64) int64 {
	if h.cfg.XLEN == 32 {
		return int64(int32(v))
	}
	return int64(v)
}

// fetch performs step 1 of spec.md §4.2: translate PC in exec mode and read
// the 32-bit instruction word.
func (h *Hart) fetch() (uint64, uint32, *virtmem.Fault) {
	pa, fault := h.vm.Translate(h.pc, h.priv, h.virt, virtmem.Access{Execute: true})
	if fault != nil {
		return 0, 0, fault
	}
	if h.pc%4 != 0 {
		return 0, 0, &virtmem.Fault{Cause: CauseInstructionAddrMisaligned, Tval: h.pc}
	}
	buf := make([]byte, 4)
	if !h.mem.Read(pa, buf) {
		return 0, 0, &virtmem.Fault{Cause: virtmem.CauseInstructionAccessFault, Tval: h.pc}
	}
	raw := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	return pa, raw, nil
}

// decode performs step 2: look up or build the cached decoding, keyed by
// physical PC and encoding so a self-modifying store invalidates nothing it
// doesn't also change the encoding of.
func (h *Hart) decode(pa uint64, raw uint32) isa.Inst {
	key := decodeKey{pc: pa, raw: raw}
	if in, ok := h.decodeCache[key]; ok {
		return in
	}
	in := isa.Decode(raw)
	h.decodeCache[key] = in
	return in
}

// Step executes one instruction per spec.md §4.2's five-stage contract.
func (h *Hart) Step() (Trace, error) {
	if h.halted {
		return Trace{}, ErrHalted
	}

	if code, tval, iid, ok := h.pendingInterrupt(); ok {
		h.deliverTrap(code, tval, 0, true, false)
		return Trace{PC: h.pc, Trapped: true, Cause: uint64(1) << code, IID: iid}, nil
	}

	startPC := h.pc
	pa, raw, fault := h.fetch()
	if fault != nil {
		h.deliverTrap(fault.Cause, fault.Tval, fault.Tval2, false, fault.Guest)
		return Trace{PC: startPC, Trapped: true, Cause: fault.Cause}, nil
	}

	in := h.decode(pa, raw)
	tr := Trace{PC: startPC, Inst: in}

	if action, fired := h.triggers.CheckExecute(h.priv, startPC); fired {
		if h.handleTriggerFire(action, startPC) {
			return Trace{PC: startPC, Trapped: true}, ErrDebugMode
		}
	}

	if h.mcm != nil {
		h.curTag = h.mcm.NextTag()
		h.curTime = h.mcm.Tick()
	}

	wrote, trap := h.execute(in)
	if trap != nil {
		if h.mcm != nil {
			h.mcm.CancelInstruction(h.id, h.curTag)
		}
		h.deliverTrap(trap.Cause, trap.Tval, trap.Tval2, false, trap.Guest)
		tr.Trapped = true
		tr.Cause = trap.Cause
		return tr, nil
	}
	if h.mcm != nil {
		h.mcm.Retire(h.id, h.curTime, h.curTag, in, false)
	}
	tr.WroteRegs = wrote
	return tr, nil
}

// SingleStep is Step plus tracing, per spec.md §4.2's naming; the trace is
// already built by Step so this is a thin, documented alias kept distinct
// for callers (the debugger) that want to make the tracing intent explicit.
func (h *Hart) SingleStep() (Trace, error) { return h.Step() }

// Run iterates Step until the hart halts or an error (including entering
// debug mode) stops it; trace, if non-nil, receives every retired or
// trapped instruction.
func (h *Hart) Run(trace func(Trace)) error {
	for {
		tr, err := h.Step()
		if trace != nil {
			trace(tr)
		}
		if err != nil {
			return err
		}
	}
}

// handleTriggerFire applies a fired trigger's Action; it returns true if the
// hart is now in debug mode and the caller should stop stepping.
func (h *Hart) handleTriggerFire(action trigger.Action, addr uint64) bool {
	if action == trigger.ActionException {
		h.deliverTrap(CauseBreakpoint, addr, 0, false, false)
		return false
	}
	h.csrs.Poke(csr.Dpc, addr)
	h.csrs.SetDebugMode(true)
	return true
}

// pendingInterrupt implements spec.md §4.2's "compute pending = MIP &
// effectiveInterruptEnable masked by current privilege & delegation" and
// the fixed priority scan, returning the interrupt's cause code. VS-level
// interrupts are considered whenever V=1, subject only to MSTATUS.SIE when
// the hart is in S mode; HIDELEG is not consulted (see DESIGN.md).
// When an IMSIC file is attached for MEI or SEI, that line additionally
// requires the file to report a deliverable top identity (TopEI), and the
// returned iid carries that identity per spec.md §4.2's "interrupts
// delivered from the IMSIC provide an iid."
func (h *Hart) pendingInterrupt() (cause uint64, tval uint64, iid uint64, ok bool) {
	mip, _ := h.csrs.Peek(csr.Mip)
	pending := mip & h.csrs.EffectiveInterruptEnable()
	if pending == 0 {
		return 0, 0, 0, false
	}
	mideleg, _ := h.csrs.Peek(csr.Mideleg)
	mstatus, _ := h.csrs.Peek(csr.Mstatus)
	mie := mstatus&(1<<3) != 0
	sie := mstatus&(1<<1) != 0

	for _, code := range interruptPriority {
		bit := uint64(1) << code
		if pending&bit == 0 {
			continue
		}
		switch code {
		case intVSEI, intVSSI, intVSTI:
			if !h.virt {
				continue
			}
			if h.priv == csr.ModeSupervisor && !sie {
				continue
			}
		default:
			delegated := mideleg&bit != 0
			if !delegated {
				if h.priv == csr.ModeMachine && !mie {
					continue
				}
				if h.priv > csr.ModeMachine {
					continue
				}
			} else {
				if h.priv == csr.ModeSupervisor && !sie {
					continue
				}
				if h.priv == csr.ModeMachine {
					continue
				}
			}
		}

		var deliveredIID uint64
		switch code {
		case intMEI:
			if h.imsicM != nil {
				id, deliverable := h.imsicM.TopEI()
				if !deliverable {
					continue
				}
				deliveredIID = uint64(id)
			}
		case intSEI:
			if h.imsicS != nil {
				id, deliverable := h.imsicS.TopEI()
				if !deliverable {
					continue
				}
				deliveredIID = uint64(id)
			}
		}
		return code, 0, deliveredIID, true
	}
	return 0, 0, 0, false
}

// deliverTrap implements spec.md §4.2's step 5: compose mcause/mtval, pick
// the target privilege via delegation, and redirect PC through *tvec.
func (h *Hart) deliverTrap(cause uint64, tval uint64, tval2 uint64, isInterrupt bool, guest bool) {
	delegated := h.delegatedToS(cause, isInterrupt)

	mstatus, _ := h.csrs.Peek(csr.Mstatus)
	if delegated {
		sstatus, _ := h.csrs.Peek(csr.Sstatus)
		spie := sstatus&(1<<1) != 0
		_ = spie
		newSstatus := sstatus
		if mstatus&(1<<1) != 0 {
			newSstatus |= 1 << 5 // SPIE = SIE
		} else {
			newSstatus &^= 1 << 5
		}
		newSstatus &^= 1 << 1 // SIE = 0
		if h.priv == csr.ModeSupervisor {
			newSstatus |= 1 << 8 // SPP = 1
		} else {
			newSstatus &^= 1 << 8
		}
		h.csrs.Poke(csr.Sstatus, newSstatus)
		h.csrs.Poke(csr.Sepc, h.pc)
		scause := cause
		if isInterrupt {
			scause |= uint64(1) << 63
		}
		h.csrs.Poke(csr.Scause, scause)
		h.csrs.Poke(csr.Stval, tval)
		h.priv = csr.ModeSupervisor
		h.pc = h.trapVector(csr.Stvec, cause, isInterrupt)
		return
	}

	if mstatus&(1<<3) != 0 {
		mstatus |= 1 << 7 // MPIE = MIE
	} else {
		mstatus &^= 1 << 7
	}
	mstatus &^= 1 << 3 // MIE = 0
	mstatus &^= uint64(0x3) << 11
	mstatus |= uint64(h.priv) << 11 // MPP = current priv
	h.csrs.Poke(csr.Mstatus, mstatus)
	h.csrs.Poke(csr.Mepc, h.pc)
	mcause := cause
	if isInterrupt {
		mcause |= uint64(1) << 63
	}
	h.csrs.Poke(csr.Mcause, mcause)
	h.csrs.Poke(csr.Mtval, tval)
	if guest {
		h.csrs.Poke(csr.Mtval2, tval2)
	}
	h.priv = csr.ModeMachine
	h.pc = h.trapVector(csr.Mtvec, cause, isInterrupt)
}

// delegatedToS reports whether a trap should be handled by S-mode rather
// than M-mode: never when the hart is already in M-mode, otherwise per the
// MEDELEG/MIDELEG bit for this cause.
func (h *Hart) delegatedToS(cause uint64, isInterrupt bool) bool {
	if h.priv == csr.ModeMachine {
		return false
	}
	if isInterrupt {
		mideleg, _ := h.csrs.Peek(csr.Mideleg)
		return mideleg&(uint64(1)<<cause) != 0
	}
	medeleg, _ := h.csrs.Peek(csr.Medeleg)
	return medeleg&(uint64(1)<<cause) != 0
}

// trapVector reads *tvec and applies its MODE field: 0=Direct, 1=Vectored
// (interrupts only, per-cause offset).
func (h *Hart) trapVector(num csr.Number, cause uint64, isInterrupt bool) uint64 {
	raw, _ := h.csrs.Peek(num)
	base := raw &^ 0x3
	mode := raw & 0x3
	if mode == 1 && isInterrupt {
		return base + 4*cause
	}
	return base
}

// MRET/SRET restore the prior privilege from MSTATUS.MPP/SSTATUS.SPP, per
// spec.md §4.2's "Privilege transitions".
func (h *Hart) execMRET() {
	mstatus, _ := h.csrs.Peek(csr.Mstatus)
	mpp := csr.Mode((mstatus >> 11) & 0x3)
	mpie := mstatus&(1<<7) != 0
	if mpie {
		mstatus |= 1 << 3
	} else {
		mstatus &^= 1 << 3
	}
	mstatus |= 1 << 7 // MPIE = 1
	mstatus &^= uint64(0x3) << 11
	mstatus |= uint64(csr.ModeUser) << 11 // MPP = U (least privilege) after return
	h.csrs.Poke(csr.Mstatus, mstatus)
	h.pc, _ = h.csrs.Peek(csr.Mepc)
	h.priv = mpp
}

func (h *Hart) execSRET() {
	sstatus, _ := h.csrs.Peek(csr.Sstatus)
	spp := csr.ModeUser
	if sstatus&(1<<8) != 0 {
		spp = csr.ModeSupervisor
	}
	spie := sstatus&(1<<5) != 0
	if spie {
		sstatus |= 1 << 1
	} else {
		sstatus &^= 1 << 1
	}
	sstatus |= 1 << 5 // SPIE = 1
	sstatus &^= 1 << 8
	h.csrs.Poke(csr.Sstatus, sstatus)
	h.pc, _ = h.csrs.Peek(csr.Sepc)
	h.priv = spp
}

// execWFI is a no-op pass-through in this functional model: there is no
// power/idle state to enter, so WFI simply falls through to the next
// instruction (the interrupt check at the top of Step still applies).
func (h *Hart) execWFI() {}

// execute dispatches on the decoded Op, implementing step 3 ("Execute") and
// step 4 ("Commit") of spec.md §4.2 together: trap is nil on success, or the
// fault/exception to deliver otherwise.
func (h *Hart) execute(in isa.Inst) (wrote []uint32, trap *virtmem.Fault) {
	nextPC := h.pc + 4

	switch {
	case in.Op.IsLoad() && !in.Op.IsLR():
		return h.execLoad(in)
	case in.Op.IsStore():
		return h.execStore(in)
	case in.Op.IsAMO():
		return h.execAMO(in)
	}

	switch in.Op {
	case isa.OpLUI:
		h.SetReg(in.Rd, uint64(in.Imm))
		wrote = []uint32{in.Rd}
	case isa.OpAUIPC:
		h.SetReg(in.Rd, h.pc+uint64(in.Imm))
		wrote = []uint32{in.Rd}
	case isa.OpJAL:
		h.SetReg(in.Rd, nextPC)
		nextPC = h.pc + uint64(in.Imm)
		wrote = []uint32{in.Rd}
	case isa.OpJALR:
		target := (h.Reg(in.Rs1) + uint64(in.Imm)) &^ 1
		h.SetReg(in.Rd, nextPC)
		nextPC = target
		wrote = []uint32{in.Rd}

	case isa.OpBEQ:
		if h.Reg(in.Rs1) == h.Reg(in.Rs2) {
			nextPC = h.pc + uint64(in.Imm)
		}
	case isa.OpBNE:
		if h.Reg(in.Rs1) != h.Reg(in.Rs2) {
			nextPC = h.pc + uint64(in.Imm)
		}
	case isa.OpBLT:
		if h.signedXLEN(h.Reg(in.Rs1)) < h.signedXLEN(h.Reg(in.Rs2)) {
			nextPC = h.pc + uint64(in.Imm)
		}
	case isa.OpBGE:
		if h.signedXLEN(h.Reg(in.Rs1)) >= h.signedXLEN(h.Reg(in.Rs2)) {
			nextPC = h.pc + uint64(in.Imm)
		}
	case isa.OpBLTU:
		if h.Reg(in.Rs1) < h.Reg(in.Rs2) {
			nextPC = h.pc + uint64(in.Imm)
		}
	case isa.OpBGEU:
		if h.Reg(in.Rs1) >= h.Reg(in.Rs2) {
			nextPC = h.pc + uint64(in.Imm)
		}

	case isa.OpADDI:
		h.SetReg(in.Rd, h.Reg(in.Rs1)+uint64(in.Imm))
		wrote = []uint32{in.Rd}
	case isa.OpSLTI:
		if h.signedXLEN(h.Reg(in.Rs1)) < in.Imm {
			h.SetReg(in.Rd, 1)
		} else {
			h.SetReg(in.Rd, 0)
		}
		wrote = []uint32{in.Rd}
	case isa.OpSLTIU:
		if h.Reg(in.Rs1) < uint64(in.Imm) {
			h.SetReg(in.Rd, 1)
		} else {
			h.SetReg(in.Rd, 0)
		}
		wrote = []uint32{in.Rd}
	case isa.OpXORI:
		h.SetReg(in.Rd, h.Reg(in.Rs1)^uint64(in.Imm))
		wrote = []uint32{in.Rd}
	case isa.OpORI:
		h.SetReg(in.Rd, h.Reg(in.Rs1)|uint64(in.Imm))
		wrote = []uint32{in.Rd}
	case isa.OpANDI:
		h.SetReg(in.Rd, h.Reg(in.Rs1)&uint64(in.Imm))
		wrote = []uint32{in.Rd}
	case isa.OpSLLI:
		h.SetReg(in.Rd, h.Reg(in.Rs1)<<uint(in.Imm))
		wrote = []uint32{in.Rd}
	case isa.OpSRLI:
		h.SetReg(in.Rd, h.Reg(in.Rs1)>>uint(in.Imm))
		wrote = []uint32{in.Rd}
	case isa.OpSRAI:
		h.SetReg(in.Rd, uint64(h.signedXLEN(h.Reg(in.Rs1))>>uint(in.Imm)))
		wrote = []uint32{in.Rd}

	case isa.OpADDIW:
		h.SetReg(in.Rd, uint64(int32(h.Reg(in.Rs1))+int32(in.Imm)))
		wrote = []uint32{in.Rd}
	case isa.OpSLLIW:
		h.SetReg(in.Rd, uint64(int32(uint32(h.Reg(in.Rs1))<<uint(in.Imm))))
		wrote = []uint32{in.Rd}
	case isa.OpSRLIW:
		h.SetReg(in.Rd, uint64(int32(uint32(h.Reg(in.Rs1))>>uint(in.Imm))))
		wrote = []uint32{in.Rd}
	case isa.OpSRAIW:
		h.SetReg(in.Rd, uint64(int32(h.Reg(in.Rs1))>>uint(in.Imm)))
		wrote = []uint32{in.Rd}

	case isa.OpADD:
		h.SetReg(in.Rd, h.Reg(in.Rs1)+h.Reg(in.Rs2))
		wrote = []uint32{in.Rd}
	case isa.OpSUB:
		h.SetReg(in.Rd, h.Reg(in.Rs1)-h.Reg(in.Rs2))
		wrote = []uint32{in.Rd}
	case isa.OpSLL:
		h.SetReg(in.Rd, h.Reg(in.Rs1)<<(h.Reg(in.Rs2)&shiftMask(h.cfg.XLEN)))
		wrote = []uint32{in.Rd}
	case isa.OpSLT:
		if h.signedXLEN(h.Reg(in.Rs1)) < h.signedXLEN(h.Reg(in.Rs2)) {
			h.SetReg(in.Rd, 1)
		} else {
			h.SetReg(in.Rd, 0)
		}
		wrote = []uint32{in.Rd}
	case isa.OpSLTU:
		if h.Reg(in.Rs1) < h.Reg(in.Rs2) {
			h.SetReg(in.Rd, 1)
		} else {
			h.SetReg(in.Rd, 0)
		}
		wrote = []uint32{in.Rd}
	case isa.OpXOR:
		h.SetReg(in.Rd, h.Reg(in.Rs1)^h.Reg(in.Rs2))
		wrote = []uint32{in.Rd}
	case isa.OpSRL:
		h.SetReg(in.Rd, h.Reg(in.Rs1)>>(h.Reg(in.Rs2)&shiftMask(h.cfg.XLEN)))
		wrote = []uint32{in.Rd}
	case isa.OpSRA:
		h.SetReg(in.Rd, uint64(h.signedXLEN(h.Reg(in.Rs1))>>(h.Reg(in.Rs2)&shiftMask(h.cfg.XLEN))))
		wrote = []uint32{in.Rd}
	case isa.OpOR:
		h.SetReg(in.Rd, h.Reg(in.Rs1)|h.Reg(in.Rs2))
		wrote = []uint32{in.Rd}
	case isa.OpAND:
		h.SetReg(in.Rd, h.Reg(in.Rs1)&h.Reg(in.Rs2))
		wrote = []uint32{in.Rd}

	case isa.OpADDW:
		h.SetReg(in.Rd, uint64(int32(h.Reg(in.Rs1))+int32(h.Reg(in.Rs2))))
		wrote = []uint32{in.Rd}
	case isa.OpSUBW:
		h.SetReg(in.Rd, uint64(int32(h.Reg(in.Rs1))-int32(h.Reg(in.Rs2))))
		wrote = []uint32{in.Rd}
	case isa.OpSLLW:
		h.SetReg(in.Rd, uint64(int32(uint32(h.Reg(in.Rs1))<<(uint32(h.Reg(in.Rs2))&0x1F))))
		wrote = []uint32{in.Rd}
	case isa.OpSRLW:
		h.SetReg(in.Rd, uint64(int32(uint32(h.Reg(in.Rs1))>>(uint32(h.Reg(in.Rs2))&0x1F))))
		wrote = []uint32{in.Rd}
	case isa.OpSRAW:
		h.SetReg(in.Rd, uint64(int32(h.Reg(in.Rs1))>>(uint32(h.Reg(in.Rs2))&0x1F)))
		wrote = []uint32{in.Rd}

	case isa.OpMUL:
		h.SetReg(in.Rd, h.Reg(in.Rs1)*h.Reg(in.Rs2))
		wrote = []uint32{in.Rd}
	case isa.OpMULH:
		hi, _ := mulh(h.signedXLEN(h.Reg(in.Rs1)), h.signedXLEN(h.Reg(in.Rs2)))
		h.SetReg(in.Rd, uint64(hi))
		wrote = []uint32{in.Rd}
	case isa.OpMULHU:
		h.SetReg(in.Rd, mulhu(h.Reg(in.Rs1), h.Reg(in.Rs2)))
		wrote = []uint32{in.Rd}
	case isa.OpMULHSU:
		h.SetReg(in.Rd, mulhsu(h.signedXLEN(h.Reg(in.Rs1)), h.Reg(in.Rs2)))
		wrote = []uint32{in.Rd}
	case isa.OpDIV:
		h.SetReg(in.Rd, uint64(divSigned(h.signedXLEN(h.Reg(in.Rs1)), h.signedXLEN(h.Reg(in.Rs2)))))
		wrote = []uint32{in.Rd}
	case isa.OpDIVU:
		h.SetReg(in.Rd, divUnsigned(h.Reg(in.Rs1), h.Reg(in.Rs2)))
		wrote = []uint32{in.Rd}
	case isa.OpREM:
		h.SetReg(in.Rd, uint64(remSigned(h.signedXLEN(h.Reg(in.Rs1)), h.signedXLEN(h.Reg(in.Rs2)))))
		wrote = []uint32{in.Rd}
	case isa.OpREMU:
		h.SetReg(in.Rd, remUnsigned(h.Reg(in.Rs1), h.Reg(in.Rs2)))
		wrote = []uint32{in.Rd}
	case isa.OpMULW:
		h.SetReg(in.Rd, uint64(int32(h.Reg(in.Rs1))*int32(h.Reg(in.Rs2))))
		wrote = []uint32{in.Rd}
	case isa.OpDIVW:
		h.SetReg(in.Rd, uint64(divSigned(int64(int32(h.Reg(in.Rs1))), int64(int32(h.Reg(in.Rs2))))))
		wrote = []uint32{in.Rd}
	case isa.OpDIVUW:
		h.SetReg(in.Rd, uint64(int32(divUnsigned(uint64(uint32(h.Reg(in.Rs1))), uint64(uint32(h.Reg(in.Rs2)))))))
		wrote = []uint32{in.Rd}
	case isa.OpREMW:
		h.SetReg(in.Rd, uint64(remSigned(int64(int32(h.Reg(in.Rs1))), int64(int32(h.Reg(in.Rs2))))))
		wrote = []uint32{in.Rd}
	case isa.OpREMUW:
		h.SetReg(in.Rd, uint64(int32(remUnsigned(uint64(uint32(h.Reg(in.Rs1))), uint64(uint32(h.Reg(in.Rs2)))))))
		wrote = []uint32{in.Rd}

	case isa.OpFENCE, isa.OpFENCEI, isa.OpSFENCEVMA:
		// No pipeline/cache model to flush in this functional simulator.

	case isa.OpECALL:
		cause := uint64(CauseEcallFromM)
		switch {
		case h.priv == csr.ModeUser:
			cause = CauseEcallFromU
		case h.priv == csr.ModeSupervisor && h.virt:
			cause = CauseEcallFromVS
		case h.priv == csr.ModeSupervisor:
			cause = CauseEcallFromS
		}
		return nil, &virtmem.Fault{Cause: cause}
	case isa.OpEBREAK:
		return nil, &virtmem.Fault{Cause: CauseBreakpoint, Tval: h.pc}
	case isa.OpMRET:
		h.execMRET()
		return nil, nil
	case isa.OpSRET:
		h.execSRET()
		return nil, nil
	case isa.OpWFI:
		h.execWFI()

	case isa.OpCSRRW, isa.OpCSRRS, isa.OpCSRRC, isa.OpCSRRWI, isa.OpCSRRSI, isa.OpCSRRCI:
		return h.execCSR(in)

	default:
		return nil, &virtmem.Fault{Cause: CauseIllegalInstruction, Tval: uint64(in.Raw)}
	}

	h.pc = nextPC
	return wrote, nil
}

func shiftMask(xlen int) uint64 {
	if xlen == 32 {
		return 0x1F
	}
	return 0x3F
}

func mulh(a, b int64) (hi int64, lo uint64) {
	neg := (a < 0) != (b < 0)
	ua, ub := abs64(a), abs64(b)
	h, l := bits64Mul(ua, ub)
	if neg {
		l = ^l + 1
		h = ^h
		if l == 0 {
			h++
		}
	}
	return int64(h), l
}

func mulhu(a, b uint64) uint64 {
	h, _ := bits64Mul(a, b)
	return h
}

func mulhsu(a int64, b uint64) uint64 {
	neg := a < 0
	ua := abs64(a)
	h, l := bits64Mul(ua, b)
	if neg {
		l = ^l + 1
		h = ^h
		if l == 0 {
			h++
		}
	}
	return h
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// bits64Mul is a 64x64->128 unsigned multiply split into high/low halves.
func bits64Mul(a, b uint64) (hi, lo uint64) {
	const mask32 = 0xFFFFFFFF
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32

	t := aLo * bLo
	w0 := t & mask32
	k := t >> 32

	t = aHi*bLo + k
	w1 := t & mask32
	w2 := t >> 32

	t = aLo*bHi + w1
	k = t >> 32

	hi = aHi*bHi + w2 + k
	lo = (t << 32) | w0
	return hi, lo
}

func divSigned(a, b int64) int64 {
	if b == 0 {
		return -1
	}
	if a == minInt64() && b == -1 {
		return a
	}
	return a / b
}

func remSigned(a, b int64) int64 {
	if b == 0 {
		return a
	}
	if a == minInt64() && b == -1 {
		return 0
	}
	return a % b
}

func divUnsigned(a, b uint64) uint64 {
	if b == 0 {
		return ^uint64(0)
	}
	return a / b
}

func remUnsigned(a, b uint64) uint64 {
	if b == 0 {
		return a
	}
	return a % b
}

func minInt64() int64 { return -1 << 63 }

// execCSR implements the Zicsr instructions: read-modify-write against
// csr.File.Read/Write, per spec.md §4.1's failure semantics ("unreachable
// accesses... without mutating state").
func (h *Hart) execCSR(in isa.Inst) (wrote []uint32, trap *virtmem.Fault) {
	num := csr.Number(in.Csr)
	var operand uint64
	readOnly := false
	switch in.Op {
	case isa.OpCSRRW:
		operand = h.Reg(in.Rs1)
	case isa.OpCSRRS:
		operand = h.Reg(in.Rs1)
		readOnly = in.Rs1 == 0
	case isa.OpCSRRC:
		operand = h.Reg(in.Rs1)
		readOnly = in.Rs1 == 0
	case isa.OpCSRRWI:
		operand = uint64(in.Rs1)
	case isa.OpCSRRSI:
		operand = uint64(in.Rs1)
		readOnly = in.Rs1 == 0
	case isa.OpCSRRCI:
		operand = uint64(in.Rs1)
		readOnly = in.Rs1 == 0
	}

	old, err := h.csrs.Read(num, h.priv, h.virt)
	if err != nil {
		return nil, &virtmem.Fault{Cause: CauseIllegalInstruction, Tval: uint64(in.Raw)}
	}
	if in.Rd != 0 {
		h.SetReg(in.Rd, old)
		wrote = []uint32{in.Rd}
	}
	if readOnly {
		h.pc += 4
		return wrote, nil
	}

	var newVal uint64
	switch in.Op {
	case isa.OpCSRRW, isa.OpCSRRWI:
		newVal = operand
	case isa.OpCSRRS, isa.OpCSRRSI:
		newVal = old | operand
	case isa.OpCSRRC, isa.OpCSRRCI:
		newVal = old &^ operand
	}
	if err := h.csrs.Write(num, h.priv, h.virt, newVal); err != nil {
		return nil, &virtmem.Fault{Cause: CauseIllegalInstruction, Tval: uint64(in.Raw)}
	}
	h.pc += 4
	return wrote, nil
}

// execLoad implements the memory-op pipeline from spec.md §4.2: address
// calc, ld trigger check, translation (S+G stage together), and the Memory
// read.
func (h *Hart) execLoad(in isa.Inst) (wrote []uint32, trap *virtmem.Fault) {
	addr := h.Reg(in.Rs1) + uint64(in.Imm)
	if action, fired := h.triggers.CheckLoad(h.priv, addr, 0, false); fired && action == trigger.ActionException {
		return nil, &virtmem.Fault{Cause: CauseBreakpoint, Tval: addr}
	}
	pa, fault := h.vm.Translate(addr, h.priv, h.virt, virtmem.Access{Read: true})
	if fault != nil {
		return nil, fault
	}
	size := in.Op.AccessSize()
	var v uint64
	if h.mcm != nil {
		read, _, _, err := h.mcm.ReadOp(h.id, h.curTime, h.curTag, pa, size, 0)
		if err != nil {
			return nil, &virtmem.Fault{Cause: virtmem.CauseLoadAccessFault, Tval: addr}
		}
		v = read
	} else {
		buf := make([]byte, size)
		if !h.mem.Read(pa, buf) {
			return nil, &virtmem.Fault{Cause: virtmem.CauseLoadAccessFault, Tval: addr}
		}
		for i := size - 1; i >= 0; i-- {
			v = v<<8 | uint64(buf[i])
		}
	}
	switch in.Op {
	case isa.OpLB:
		v = uint64(int64(int8(v)))
	case isa.OpLH:
		v = uint64(int64(int16(v)))
	case isa.OpLW:
		v = uint64(int64(int32(v)))
	}
	h.SetReg(in.Rd, v)
	h.pc += 4
	return []uint32{in.Rd}, nil
}

func (h *Hart) execStore(in isa.Inst) (wrote []uint32, trap *virtmem.Fault) {
	addr := h.Reg(in.Rs1) + uint64(in.Imm)
	data := h.Reg(in.Rs2)
	if action, fired := h.triggers.CheckStore(h.priv, addr, data); fired && action == trigger.ActionException {
		return nil, &virtmem.Fault{Cause: CauseBreakpoint, Tval: addr}
	}
	pa, fault := h.vm.Translate(addr, h.priv, h.virt, virtmem.Access{Write: true})
	if fault != nil {
		return nil, fault
	}
	size := in.Op.AccessSize()
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(data >> (8 * i))
	}
	h.invalidateReservationIfOverlaps(pa, uint64(size))
	if h.mcm != nil {
		if err := h.mcm.BypassOp(h.id, h.curTime, h.curTag, pa, buf); err != nil {
			return nil, &virtmem.Fault{Cause: virtmem.CauseStoreAMOAccessFault, Tval: addr}
		}
	} else if !h.mem.Write(pa, buf) {
		return nil, &virtmem.Fault{Cause: virtmem.CauseStoreAMOAccessFault, Tval: addr}
	}
	h.pc += 4
	return nil, nil
}

// invalidateReservationIfOverlaps clears this hart's LR reservation if a
// store touches the reserved range. The hart calls it for its own
// stores/AMOs/SCs; a store by another hart clears the reservation only
// through InvalidateReservation, which nothing in this tree calls (see
// DESIGN.md).
func (h *Hart) invalidateReservationIfOverlaps(pa, size uint64) {
	if h.res.valid && pa < h.res.addr+h.res.size && pa+size > h.res.addr {
		h.res.valid = false
	}
}

// InvalidateReservation clears this hart's LR reservation if [pa, pa+size)
// overlaps it, for a caller that propagates another hart's store/AMO/SC.
func (h *Hart) InvalidateReservation(pa, size uint64) {
	h.invalidateReservationIfOverlaps(pa, size)
}

// execAMO implements LR/SC and the read-modify-write AMOs. Non-reservable
// PMA regions raise an access fault for every op in this family, per
// spec.md §4.2 ("AMO and LR/SC on non-reservable PMA regions raise access
// fault").
func (h *Hart) execAMO(in isa.Inst) (wrote []uint32, trap *virtmem.Fault) {
	addr := h.Reg(in.Rs1)
	size := uint64(in.Op.AccessSize())

	pa, fault := h.vm.Translate(addr, h.priv, h.virt, virtmem.Access{Read: true, Write: !in.Op.IsLR()})
	if fault != nil {
		return nil, fault
	}
	if !h.mem.AttrAt(pa).Reservable {
		if in.Op.IsLR() {
			return nil, &virtmem.Fault{Cause: virtmem.CauseLoadAccessFault, Tval: addr}
		}
		return nil, &virtmem.Fault{Cause: virtmem.CauseStoreAMOAccessFault, Tval: addr}
	}

	if in.Op.IsLR() {
		buf := make([]byte, size)
		if !h.mem.Read(pa, buf) {
			return nil, &virtmem.Fault{Cause: virtmem.CauseLoadAccessFault, Tval: addr}
		}
		if h.mcm != nil {
			h.mcm.RecordLoad(h.id, h.curTime, h.curTag, pa, int(size), leToU64(buf))
		}
		resSize := h.cfg.LRReservationBytes
		if resSize == 0 {
			resSize = size
		}
		h.res = reservation{valid: true, addr: pa &^ (resSize - 1), size: resSize}
		v := leToU64(buf)
		if size == 4 {
			v = uint64(int64(int32(v)))
		}
		h.SetReg(in.Rd, v)
		h.pc += 4
		return []uint32{in.Rd}, nil
	}

	if in.Op.IsSC() {
		succeeded := h.res.valid && pa >= h.res.addr && pa+size <= h.res.addr+h.res.size
		if succeeded {
			buf := make([]byte, size)
			putLeU64(buf, h.Reg(in.Rs2))
			if !h.mem.Write(pa, buf) {
				succeeded = false
			} else if h.mcm != nil {
				h.mcm.RecordStore(h.id, h.curTime, h.curTag, pa, int(size), h.Reg(in.Rs2))
			}
		}
		h.res.valid = false
		if succeeded {
			h.SetReg(in.Rd, 0)
		} else {
			h.SetReg(in.Rd, 1)
		}
		h.pc += 4
		return []uint32{in.Rd}, nil
	}

	// Read-modify-write AMOs: CAS-retry loop against Memory's primitives,
	// matching the serialisation guarantee documented on
	// Memory.CompareAndSwap32/64.
	for {
		buf := make([]byte, size)
		if !h.mem.Read(pa, buf) {
			return nil, &virtmem.Fault{Cause: virtmem.CauseStoreAMOAccessFault, Tval: addr}
		}
		old := leToU64(buf)
		newVal := amoCompute(in.Op, old, h.Reg(in.Rs2), size)

		var swapped, ok bool
		if size == 4 {
			swapped, _, ok = h.mem.CompareAndSwap32(pa, uint32(old), uint32(newVal))
		} else {
			swapped, _, ok = h.mem.CompareAndSwap64(pa, old, newVal)
		}
		if !ok {
			return nil, &virtmem.Fault{Cause: virtmem.CauseStoreAMOAccessFault, Tval: addr}
		}
		if swapped {
			if h.mcm != nil {
				h.mcm.RecordLoad(h.id, h.curTime, h.curTag, pa, int(size), old)
				h.mcm.RecordStore(h.id, h.curTime, h.curTag, pa, int(size), newVal)
			}
			h.invalidateReservationIfOverlaps(pa, size)
			result := old
			if size == 4 {
				result = uint64(int64(int32(old)))
			}
			h.SetReg(in.Rd, result)
			h.pc += 4
			return []uint32{in.Rd}, nil
		}
	}
}

func amoCompute(op isa.Op, old, operand uint64, size uint64) uint64 {
	signed := func(v uint64) int64 {
		if size == 4 {
			return int64(int32(v))
		}
		return int64(v)
	}
	switch op {
	case isa.OpAMOSWAPW, isa.OpAMOSWAPD:
		return operand
	case isa.OpAMOADDW, isa.OpAMOADDD:
		return old + operand
	case isa.OpAMOXORW, isa.OpAMOXORD:
		return old ^ operand
	case isa.OpAMOANDW, isa.OpAMOANDD:
		return old & operand
	case isa.OpAMOORW, isa.OpAMOORD:
		return old | operand
	case isa.OpAMOMINW, isa.OpAMOMIND:
		if signed(old) < signed(operand) {
			return old
		}
		return operand
	case isa.OpAMOMAXW, isa.OpAMOMAXD:
		if signed(old) > signed(operand) {
			return old
		}
		return operand
	case isa.OpAMOMINUW, isa.OpAMOMINUD:
		if old < operand {
			return old
		}
		return operand
	case isa.OpAMOMAXUW, isa.OpAMOMAXUD:
		if old > operand {
			return old
		}
		return operand
	}
	return old
}

func leToU64(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeU64(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
}

func (h *Hart) String() string {
	return fmt.Sprintf("hart%d@%#x[%s]", h.id, h.pc, h.priv)
}
