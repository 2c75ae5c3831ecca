package csr

// Number is a 12-bit CSR address.
type Number uint16

// A representative subset of the RISC-V privileged CSR space: enough to
// exercise every semantic rule named in spec.md §4.1 (masks, aliasing,
// high/low halves, SIP/SIE projection, AIA shadowing, debug gating,
// performance counters) without enumerating the entire architecture.
const (
	Ustatus Number = 0x000 // legacy N-extension, kept only as an unimplemented placeholder

	Sstatus    Number = 0x100
	Sie        Number = 0x104
	Stvec      Number = 0x105
	Scounteren Number = 0x106
	Senvcfg    Number = 0x10A
	Sscratch   Number = 0x140
	Sepc       Number = 0x141
	Scause     Number = 0x142
	Stval      Number = 0x143
	Sip        Number = 0x144
	Stimecmp   Number = 0x14D
	Stimecmph  Number = 0x15D
	Satp       Number = 0x180
	Scontext   Number = 0x5A8

	Vsstatus  Number = 0x200
	Vsie      Number = 0x204
	Vstvec    Number = 0x205
	Vsscratch Number = 0x240
	Vsepc     Number = 0x241
	Vscause   Number = 0x242
	Vstval    Number = 0x243
	Vsip      Number = 0x244
	Vstimecmp Number = 0x24D

	Vstimecmph Number = 0x25D
	Vsatp      Number = 0x280

	Hstatus    Number = 0x600
	Hedeleg    Number = 0x602
	Hideleg    Number = 0x603
	Hie        Number = 0x604
	Hcounteren Number = 0x606
	Hgeie      Number = 0x607
	Hvien      Number = 0x608
	Hvip       Number = 0x645
	Htval      Number = 0x643
	Hip        Number = 0x644
	Htinst     Number = 0x64A
	Hgatp      Number = 0x680
	Henvcfg    Number = 0x60A
	Henvcfgh   Number = 0x61A

	Hgeip Number = 0xE12 // read-only by encoding, special-cased per spec.md §4.1

	Mvendorid  Number = 0xF11
	Marchid    Number = 0xF12
	Mimpid     Number = 0xF13
	Mhartid    Number = 0xF14
	Mconfigptr Number = 0xF15

	Mstatus    Number = 0x300
	Misa       Number = 0x301
	Medeleg    Number = 0x302
	Mideleg    Number = 0x303
	Mie        Number = 0x304
	Mtvec      Number = 0x305
	Mcounteren Number = 0x306
	Mstatush   Number = 0x310
	Mvien      Number = 0x308
	Mvip       Number = 0x309
	Menvcfg    Number = 0x30A
	Menvcfgh   Number = 0x31A
	Mseccfg    Number = 0x747
	Mseccfgh   Number = 0x757

	Mscratch Number = 0x340
	Mepc     Number = 0x341
	Mcause   Number = 0x342
	Mtval    Number = 0x343
	Mip      Number = 0x344
	Mtinst   Number = 0x34A
	Mtval2   Number = 0x34B

	Pmpcfg0   Number = 0x3A0
	Pmpcfg2   Number = 0x3A2
	Pmpaddr0  Number = 0x3B0
	Pmpaddr15 Number = 0x3BF

	Mcontext Number = 0x7A8

	Tselect Number = 0x7A0
	Tdata1  Number = 0x7A1
	Tdata2  Number = 0x7A2
	Tdata3  Number = 0x7A3

	Dcsr      Number = 0x7B0
	Dpc       Number = 0x7B1
	Dscratch0 Number = 0x7B2
	Dscratch1 Number = 0x7B3

	Mnepc    Number = 0x741
	Mnstatus Number = 0x744

	Mcycle   Number = 0xB00
	Minstret Number = 0xB02

	Mhpmcounter3 Number = 0xB03
	Mhpmevent3   Number = 0x323

	// NumHPMCounters is how many of the programmable mhpmcounterN/mhpmeventN
	// pairs (N=3..31) this file instantiates.
	NumHPMCounters = 4
)
