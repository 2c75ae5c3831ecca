package csr

import "fmt"

// misaExtBits packs the letters of an ISA string into MISA's bit-per-letter
// extension field (bit 0 = A, bit 25 = Z).
func misaExtBits(letters string) uint64 {
	var bits uint64
	for _, r := range letters {
		if r >= 'A' && r <= 'Z' {
			bits |= 1 << uint(r-'A')
		}
	}
	return bits
}

// Bit masks for the subset of MSTATUS/HSTATUS fields this file models.
// Real implementations carry many more; these are the ones spec.md's
// semantics section exercises (SIE/SPIE/SPP/MPP/MPRV/SUM/MXR/TVM/TSR/FS/XS,
// plus SD).
const (
	mstatusSIE  = 1 << 1
	mstatusMIE  = 1 << 3
	mstatusSPIE = 1 << 5
	mstatusUBE  = 1 << 6
	mstatusMPIE = 1 << 7
	mstatusSPP  = 1 << 8
	mstatusVS   = 0x3 << 9
	mstatusMPP  = 0x3 << 11
	mstatusFS   = 0x3 << 13
	mstatusXS   = 0x3 << 15
	mstatusMPRV = 1 << 17
	mstatusSUM  = 1 << 18
	mstatusMXR  = 1 << 19
	mstatusTVM  = 1 << 20
	mstatusTW   = 1 << 21
	mstatusTSR  = 1 << 22
	mstatusSD   = 1 << 63

	mstatusFullMask = mstatusSIE | mstatusMIE | mstatusSPIE | mstatusUBE | mstatusMPIE |
		mstatusSPP | mstatusVS | mstatusMPP | mstatusFS | mstatusXS |
		mstatusMPRV | mstatusSUM | mstatusMXR | mstatusTVM | mstatusTW | mstatusTSR | mstatusSD

	sstatusMask = mstatusSIE | mstatusSPIE | mstatusUBE | mstatusSPP | mstatusVS |
		mstatusFS | mstatusXS | mstatusSUM | mstatusMXR | mstatusSD

	hstatusVSBE  = 1 << 5
	hstatusGVA   = 1 << 6
	hstatusSPV   = 1 << 7
	hstatusSPVP  = 1 << 8
	hstatusHU    = 1 << 9
	hstatusVTVM  = 1 << 20
	hstatusVTW   = 1 << 21
	hstatusVTSR  = 1 << 22
	hstatusVSXL  = 0x3 << 32
	hstatusMask  = hstatusVSBE | hstatusGVA | hstatusSPV | hstatusSPVP | hstatusHU |
		hstatusVTVM | hstatusVTW | hstatusVTSR | hstatusVSXL

	maskAll64 = ^uint64(0)
)

func (f *File) define(c *Csr) *Csr {
	if c.ReadMask == nil {
		c.ReadMask = Const(maskAll64)
	}
	if c.WriteMask == nil {
		c.WriteMask = c.ReadMask
	}
	if c.PokeMask == nil {
		c.PokeMask = Const(maskAll64)
	}
	if c.storage == nil {
		c.storage = new(uint64)
	}
	if c.Priv == 0 && c.Num != 0 {
		c.Priv = privilegeByEncoding(c.Num)
	}
	f.csrs[c.Num] = c
	return c
}

// aliasOf registers c sharing its backing storage with an already-defined
// register, implementing the valuePtr redirection spec.md §3 describes for
// SSTATUS/MSTATUS.
func (f *File) aliasOf(c *Csr, base Number) *Csr {
	b, ok := f.csrs[base]
	if !ok {
		panic("csr: alias base not yet defined: " + base.String())
	}
	c.storage = b.storage
	return f.define(c)
}

// highHalfOf registers c as the RV32 *H projection of base's upper 32 bits.
func (f *File) highHalfOf(c *Csr, base Number) *Csr {
	b, ok := f.csrs[base]
	if !ok {
		panic("csr: high-half base not yet defined: " + base.String())
	}
	c.Flags |= FlagHighHalf
	c.highHalfOf = base
	c.storage = b.storage
	return f.define(c)
}

func (n Number) String() string {
	return fmt.Sprintf("csr#%#x", uint16(n))
}

// New builds a CSR file for a hart with the given base XLEN (32 or 64) and
// the clamp applied to MHPMEVENT assignments outside the configured event
// set, per spec.md §4.1.
func New(xlen int, maxEventID uint64) *File {
	f := &File{
		xlen:       xlen,
		maxEventID: maxEventID,
		csrs:       make(map[Number]*Csr),
		sToVs:      make(map[Number]Number),
	}
	f.defineMachine()
	f.defineSupervisorAndVirtual()
	f.defineHypervisor()
	f.definePMP()
	f.defineCounters()
	f.defineDebug()
	f.Reset()
	return f
}

func (f *File) defineMachine() {
	f.define(&Csr{Num: Mvendorid, Name: "mvendorid", Priv: ModeMachine, Flags: FlagMandatory | FlagImplemented, WriteMask: Const(0)})
	f.define(&Csr{Num: Marchid, Name: "marchid", Priv: ModeMachine, Flags: FlagMandatory | FlagImplemented, WriteMask: Const(0)})
	f.define(&Csr{Num: Mimpid, Name: "mimpid", Priv: ModeMachine, Flags: FlagMandatory | FlagImplemented, WriteMask: Const(0)})
	f.define(&Csr{Num: Mhartid, Name: "mhartid", Priv: ModeMachine, Flags: FlagMandatory | FlagImplemented, WriteMask: Const(0)})
	f.define(&Csr{Num: Mconfigptr, Name: "mconfigptr", Priv: ModeMachine, Flags: FlagMandatory | FlagImplemented, WriteMask: Const(0)})

	f.define(&Csr{
		Num: Mstatus, Name: "mstatus", Priv: ModeMachine,
		Flags:     FlagMandatory | FlagImplemented,
		ReadMask:  Const(mstatusFullMask),
		WriteMask: Const(mstatusFullMask &^ mstatusSD),
	})
	f.define(&Csr{Num: Mstatush, Name: "mstatush", Priv: ModeMachine, Flags: FlagImplemented})
	// MXL=2 (XLEN=64) in bits 63:62, extensions I/M/A/F/D/C/S/U set in the
	// low 26 bits, per the standard MISA layout.
	misaReset := uint64(2)<<62 | misaExtBits("IMAFDCSU")
	if f.xlen == 32 {
		misaReset = uint64(1)<<30 | misaExtBits("IMAFDCSU")
	}
	f.define(&Csr{Num: Misa, Name: "misa", Reset: misaReset, Priv: ModeMachine, Flags: FlagMandatory | FlagImplemented})
	f.define(&Csr{Num: Medeleg, Name: "medeleg", Priv: ModeMachine, Flags: FlagImplemented})
	f.define(&Csr{Num: Mideleg, Name: "mideleg", Priv: ModeMachine, Flags: FlagImplemented})
	f.define(&Csr{
		Num: Mie, Name: "mie", Priv: ModeMachine, Flags: FlagImplemented,
		ReadMask: Const(maskAll64), WriteMask: Const(maskAll64),
	})
	f.define(&Csr{Num: Mtvec, Name: "mtvec", Priv: ModeMachine, Flags: FlagMandatory | FlagImplemented})
	f.define(&Csr{Num: Mcounteren, Name: "mcounteren", Priv: ModeMachine, Flags: FlagImplemented})
	f.define(&Csr{Num: Mvien, Name: "mvien", Priv: ModeMachine, Flags: FlagImplemented})
	f.define(&Csr{Num: Mvip, Name: "mvip", Priv: ModeMachine, Flags: FlagImplemented})
	f.define(&Csr{Num: Menvcfg, Name: "menvcfg", Priv: ModeMachine, Flags: FlagImplemented})
	f.highHalfOf(&Csr{Num: Menvcfgh, Name: "menvcfgh", Priv: ModeMachine, Flags: FlagImplemented}, Menvcfg)
	f.define(&Csr{Num: Mseccfg, Name: "mseccfg", Priv: ModeMachine, Flags: FlagImplemented})
	f.highHalfOf(&Csr{Num: Mseccfgh, Name: "mseccfgh", Priv: ModeMachine, Flags: FlagImplemented}, Mseccfg)

	f.define(&Csr{Num: Mscratch, Name: "mscratch", Priv: ModeMachine, Flags: FlagMandatory | FlagImplemented})
	f.define(&Csr{Num: Mepc, Name: "mepc", Priv: ModeMachine, Flags: FlagMandatory | FlagImplemented})
	f.define(&Csr{Num: Mcause, Name: "mcause", Priv: ModeMachine, Flags: FlagMandatory | FlagImplemented})
	f.define(&Csr{Num: Mtval, Name: "mtval", Priv: ModeMachine, Flags: FlagImplemented})

	f.define(&Csr{
		Num: Mip, Name: "mip", Priv: ModeMachine, Flags: FlagImplemented,
		ReadMask: Const(maskAll64),
		// Only the software-settable pending bits SSIP (bit 1) and SEIP
		// (bit 9) are CSR-writable; hardware-only bits such as MEIP are
		// reachable only via Poke, per spec.md §4.1.
		WriteMask: Const(0x2 | 0x200),
	})
	f.define(&Csr{Num: Mtinst, Name: "mtinst", Priv: ModeMachine, Flags: FlagImplemented})
	f.define(&Csr{Num: Mtval2, Name: "mtval2", Priv: ModeMachine, Flags: FlagImplemented})

	f.define(&Csr{Num: Mnepc, Name: "mnepc", Priv: ModeMachine, Flags: FlagImplemented})
	f.define(&Csr{Num: Mnstatus, Name: "mnstatus", Priv: ModeMachine, Flags: FlagImplemented})
}

func (f *File) defineSupervisorAndVirtual() {
	f.aliasOf(&Csr{
		Num: Sstatus, Name: "sstatus", Priv: ModeSupervisor,
		Flags:     FlagMandatory | FlagImplemented | FlagMapsToVirtual,
		ReadMask:  Const(sstatusMask),
		WriteMask: Const(sstatusMask &^ mstatusSD),
	}, Mstatus)
	f.define(&Csr{
		Num: Vsstatus, Name: "vsstatus", Priv: ModeSupervisor,
		Flags:     FlagImplemented | FlagIsVSCsr,
		ReadMask:  Const(sstatusMask),
		WriteMask: Const(sstatusMask &^ mstatusSD),
	})

	sie := f.define(&Csr{
		Num: Sie, Name: "sie", Priv: ModeSupervisor,
		Flags: FlagMandatory | FlagImplemented | FlagMapsToVirtual,
	})
	sie.ReadMask = func(ff *File) uint64 { return ff.rawLocked(Mideleg) }
	sie.WriteMask = sie.ReadMask
	sie.storage = f.csrs[Mie].storage // SIE is a MIDELEG-masked view of MIE

	f.define(&Csr{
		Num: Vsie, Name: "vsie", Priv: ModeSupervisor,
		Flags: FlagImplemented | FlagIsVSCsr,
	})

	f.define(&Csr{Num: Stvec, Name: "stvec", Priv: ModeSupervisor, Flags: FlagMandatory | FlagImplemented | FlagMapsToVirtual})
	f.define(&Csr{Num: Vstvec, Name: "vstvec", Priv: ModeSupervisor, Flags: FlagImplemented | FlagIsVSCsr})

	f.define(&Csr{Num: Scounteren, Name: "scounteren", Priv: ModeSupervisor, Flags: FlagImplemented})
	f.define(&Csr{Num: Senvcfg, Name: "senvcfg", Priv: ModeSupervisor, Flags: FlagImplemented})

	f.define(&Csr{Num: Sscratch, Name: "sscratch", Priv: ModeSupervisor, Flags: FlagMandatory | FlagImplemented | FlagMapsToVirtual})
	f.define(&Csr{Num: Vsscratch, Name: "vsscratch", Priv: ModeSupervisor, Flags: FlagImplemented | FlagIsVSCsr})

	f.define(&Csr{Num: Sepc, Name: "sepc", Priv: ModeSupervisor, Flags: FlagMandatory | FlagImplemented | FlagMapsToVirtual})
	f.define(&Csr{Num: Vsepc, Name: "vsepc", Priv: ModeSupervisor, Flags: FlagImplemented | FlagIsVSCsr})

	f.define(&Csr{Num: Scause, Name: "scause", Priv: ModeSupervisor, Flags: FlagMandatory | FlagImplemented | FlagMapsToVirtual})
	f.define(&Csr{Num: Vscause, Name: "vscause", Priv: ModeSupervisor, Flags: FlagImplemented | FlagIsVSCsr})

	f.define(&Csr{Num: Stval, Name: "stval", Priv: ModeSupervisor, Flags: FlagImplemented | FlagMapsToVirtual})
	f.define(&Csr{Num: Vstval, Name: "vstval", Priv: ModeSupervisor, Flags: FlagImplemented | FlagIsVSCsr})

	sip := f.define(&Csr{
		Num: Sip, Name: "sip", Priv: ModeSupervisor,
		Flags: FlagMandatory | FlagImplemented | FlagMapsToVirtual,
	})
	sip.ReadMask = func(ff *File) uint64 { return ff.rawLocked(Mideleg) }
	sip.WriteMask = sip.ReadMask
	sip.storage = f.csrs[Mip].storage // SIP = MIP & MIDELEG, writes propagate under the same mask

	f.define(&Csr{Num: Vsip, Name: "vsip", Priv: ModeSupervisor, Flags: FlagImplemented | FlagIsVSCsr})

	f.define(&Csr{Num: Stimecmp, Name: "stimecmp", Priv: ModeSupervisor, Flags: FlagImplemented | FlagMapsToVirtual})
	f.highHalfOf(&Csr{Num: Stimecmph, Name: "stimecmph", Priv: ModeSupervisor, Flags: FlagImplemented}, Stimecmp)
	f.define(&Csr{Num: Vstimecmp, Name: "vstimecmp", Priv: ModeSupervisor, Flags: FlagImplemented | FlagIsVSCsr})
	f.highHalfOf(&Csr{Num: Vstimecmph, Name: "vstimecmph", Priv: ModeSupervisor, Flags: FlagImplemented}, Vstimecmp)

	f.define(&Csr{Num: Satp, Name: "satp", Priv: ModeSupervisor, Flags: FlagMandatory | FlagImplemented | FlagMapsToVirtual})
	f.define(&Csr{Num: Vsatp, Name: "vsatp", Priv: ModeSupervisor, Flags: FlagImplemented | FlagIsVSCsr})
	f.define(&Csr{Num: Scontext, Name: "scontext", Priv: ModeSupervisor, Flags: FlagImplemented})

	f.sToVs[Sstatus] = Vsstatus
	f.sToVs[Sie] = Vsie
	f.sToVs[Stvec] = Vstvec
	f.sToVs[Sscratch] = Vsscratch
	f.sToVs[Sepc] = Vsepc
	f.sToVs[Scause] = Vscause
	f.sToVs[Stval] = Vstval
	f.sToVs[Sip] = Vsip
	f.sToVs[Stimecmp] = Vstimecmp
	f.sToVs[Satp] = Vsatp
}

func (f *File) defineHypervisor() {
	f.define(&Csr{Num: Hstatus, Name: "hstatus", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor, ReadMask: Const(hstatusMask), WriteMask: Const(hstatusMask)})
	f.define(&Csr{Num: Hedeleg, Name: "hedeleg", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor})
	f.define(&Csr{Num: Hideleg, Name: "hideleg", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor})
	f.define(&Csr{Num: Hie, Name: "hie", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor})
	f.define(&Csr{Num: Hcounteren, Name: "hcounteren", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor})
	f.define(&Csr{Num: Hgeie, Name: "hgeie", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor})
	f.define(&Csr{Num: Hgeip, Name: "hgeip", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor, WriteMask: Const(0)})
	f.define(&Csr{Num: Hvien, Name: "hvien", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor})
	f.define(&Csr{Num: Hvip, Name: "hvip", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor})
	f.define(&Csr{Num: Htval, Name: "htval", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor})
	f.define(&Csr{Num: Hip, Name: "hip", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor})
	f.define(&Csr{Num: Htinst, Name: "htinst", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor})
	f.define(&Csr{Num: Hgatp, Name: "hgatp", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor})
	f.define(&Csr{Num: Henvcfg, Name: "henvcfg", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor})
	f.highHalfOf(&Csr{Num: Henvcfgh, Name: "henvcfgh", Priv: ModeSupervisor, Flags: FlagImplemented | FlagHypervisor}, Henvcfg)
}

func (f *File) definePMP() {
	f.define(&Csr{Num: Pmpcfg0, Name: "pmpcfg0", Priv: ModeMachine, Flags: FlagImplemented})
	f.define(&Csr{Num: Pmpcfg2, Name: "pmpcfg2", Priv: ModeMachine, Flags: FlagImplemented})
	for n := Pmpaddr0; n <= Pmpaddr15; n++ {
		f.define(&Csr{Num: n, Name: "pmpaddr", Priv: ModeMachine, Flags: FlagImplemented})
	}
}

// eventIDMask covers the low bits of MHPMEVENTn carrying the configured
// event selector; the remainder carries privilege-mode filter bits which
// this clamp leaves untouched.
const eventIDMask = 0x0000_0FFF_FFFF_FFFF

func (f *File) defineCounters() {
	f.define(&Csr{Num: Mcycle, Name: "mcycle", Priv: ModeMachine, Flags: FlagMandatory | FlagImplemented})
	f.define(&Csr{Num: Minstret, Name: "minstret", Priv: ModeMachine, Flags: FlagMandatory | FlagImplemented})

	maxID := f.maxEventID
	for i := 0; i < NumHPMCounters; i++ {
		counterNum := Mhpmcounter3 + Number(i)
		eventNum := Mhpmevent3 + Number(i)
		f.define(&Csr{Num: counterNum, Name: "mhpmcounter", Priv: ModeMachine, Flags: FlagImplemented})
		event := f.define(&Csr{Num: eventNum, Name: "mhpmevent", Priv: ModeMachine, Flags: FlagImplemented})
		event.OnPostWrite(func(ff *File, num Number, old, new uint64) {
			id := new & eventIDMask
			if maxID != 0 && id > maxID {
				clamped := (new &^ eventIDMask)
				if c, ok := ff.csrs[num]; ok {
					*c.storage = clamped
				}
			}
		})
	}
}

func (f *File) defineDebug() {
	f.define(&Csr{Num: Dcsr, Name: "dcsr", Priv: ModeMachine, Flags: FlagImplemented | FlagDebug})
	f.define(&Csr{Num: Dpc, Name: "dpc", Priv: ModeMachine, Flags: FlagImplemented | FlagDebug})
	f.define(&Csr{Num: Dscratch0, Name: "dscratch0", Priv: ModeMachine, Flags: FlagImplemented | FlagDebug})
	f.define(&Csr{Num: Dscratch1, Name: "dscratch1", Priv: ModeMachine, Flags: FlagImplemented | FlagDebug})
}
