// Package isa decodes the subset of RV64IMA + Zicsr + privileged
// instructions this simulator executes: integer ALU and branch/jump
// instructions, loads/stores, the M-extension, LR/SC and AMO, CSR access,
// and the system instructions (ECALL/EBREAK/xRET/WFI/SFENCE.VMA/FENCE.I)
// named in spec.md §4.2's dispatch-on-instruction-id step.
package isa

import "fmt"

// Op identifies a decoded instruction for the hart's execute dispatch.
type Op int

const (
	OpIllegal Op = iota

	OpLUI
	OpAUIPC
	OpJAL
	OpJALR

	OpBEQ
	OpBNE
	OpBLT
	OpBGE
	OpBLTU
	OpBGEU

	OpLB
	OpLH
	OpLW
	OpLD
	OpLBU
	OpLHU
	OpLWU

	OpSB
	OpSH
	OpSW
	OpSD

	OpADDI
	OpSLTI
	OpSLTIU
	OpXORI
	OpORI
	OpANDI
	OpSLLI
	OpSRLI
	OpSRAI
	OpADDIW
	OpSLLIW
	OpSRLIW
	OpSRAIW

	OpADD
	OpSUB
	OpSLL
	OpSLT
	OpSLTU
	OpXOR
	OpSRL
	OpSRA
	OpOR
	OpAND
	OpADDW
	OpSUBW
	OpSLLW
	OpSRLW
	OpSRAW

	OpMUL
	OpMULH
	OpMULHSU
	OpMULHU
	OpDIV
	OpDIVU
	OpREM
	OpREMU
	OpMULW
	OpDIVW
	OpDIVUW
	OpREMW
	OpREMUW

	OpFENCE
	OpFENCEI

	OpECALL
	OpEBREAK
	OpMRET
	OpSRET
	OpWFI
	OpSFENCEVMA

	OpCSRRW
	OpCSRRS
	OpCSRRC
	OpCSRRWI
	OpCSRRSI
	OpCSRRCI

	OpLRW
	OpSCW
	OpAMOSWAPW
	OpAMOADDW
	OpAMOXORW
	OpAMOANDW
	OpAMOORW
	OpAMOMINW
	OpAMOMAXW
	OpAMOMINUW
	OpAMOMAXUW

	OpLRD
	OpSCD
	OpAMOSWAPD
	OpAMOADDD
	OpAMOXORD
	OpAMOANDD
	OpAMOORD
	OpAMOMIND
	OpAMOMAXD
	OpAMOMINUD
	OpAMOMAXUD
)

// Inst is a decoded 32-bit instruction: one Op plus whichever of the operand
// fields it uses. Decoding is pure and side-effect-free so it can be cached
// by (physical PC, encoding) as spec.md §4.2 requires.
type Inst struct {
	Op   Op
	Rd   uint32
	Rs1  uint32
	Rs2  uint32
	Imm  int64
	Csr  uint32
	Aq   bool
	Rl   bool
	Raw  uint32
	Size int // encoded length in bytes; always 4 in this subset
}

func bits(raw uint32, hi, lo uint) uint32 {
	return (raw >> lo) & (1<<(hi-lo+1) - 1)
}

func signExtend(v uint32, bit uint) int64 {
	shift := 31 - bit
	return int64(int32(v<<shift)) >> shift
}

// Decode parses one 32-bit RISC-V instruction word. Compressed (16-bit)
// encodings are out of scope; callers must have already expanded or
// rejected them before calling Decode.
func Decode(raw uint32) Inst {
	op := bits(raw, 6, 0)
	rd := bits(raw, 11, 7)
	funct3 := bits(raw, 14, 12)
	rs1 := bits(raw, 19, 15)
	rs2 := bits(raw, 24, 20)
	funct7 := bits(raw, 31, 25)

	in := Inst{Raw: raw, Rd: rd, Rs1: rs1, Rs2: rs2, Size: 4}

	switch op {
	case 0x37: // LUI
		in.Op = OpLUI
		in.Imm = int64(int32(raw & 0xFFFFF000))
	case 0x17: // AUIPC
		in.Op = OpAUIPC
		in.Imm = int64(int32(raw & 0xFFFFF000))
	case 0x6F: // JAL
		in.Op = OpJAL
		imm := bits(raw, 31, 31)<<20 | bits(raw, 19, 12)<<12 | bits(raw, 20, 20)<<11 | bits(raw, 30, 21)<<1
		in.Imm = signExtend(imm, 20)
	case 0x67: // JALR
		in.Op = OpJALR
		in.Imm = signExtend(bits(raw, 31, 20), 11)
	case 0x63: // branches
		imm := bits(raw, 31, 31)<<12 | bits(raw, 7, 7)<<11 | bits(raw, 30, 25)<<5 | bits(raw, 11, 8)<<1
		in.Imm = signExtend(imm, 12)
		switch funct3 {
		case 0x0:
			in.Op = OpBEQ
		case 0x1:
			in.Op = OpBNE
		case 0x4:
			in.Op = OpBLT
		case 0x5:
			in.Op = OpBGE
		case 0x6:
			in.Op = OpBLTU
		case 0x7:
			in.Op = OpBGEU
		}
	case 0x03: // loads
		in.Imm = signExtend(bits(raw, 31, 20), 11)
		switch funct3 {
		case 0x0:
			in.Op = OpLB
		case 0x1:
			in.Op = OpLH
		case 0x2:
			in.Op = OpLW
		case 0x3:
			in.Op = OpLD
		case 0x4:
			in.Op = OpLBU
		case 0x5:
			in.Op = OpLHU
		case 0x6:
			in.Op = OpLWU
		}
	case 0x23: // stores
		imm := bits(raw, 31, 25)<<5 | bits(raw, 11, 7)
		in.Imm = signExtend(imm, 11)
		switch funct3 {
		case 0x0:
			in.Op = OpSB
		case 0x1:
			in.Op = OpSH
		case 0x2:
			in.Op = OpSW
		case 0x3:
			in.Op = OpSD
		}
	case 0x13: // ALU-immediate
		in.Imm = signExtend(bits(raw, 31, 20), 11)
		switch funct3 {
		case 0x0:
			in.Op = OpADDI
		case 0x2:
			in.Op = OpSLTI
		case 0x3:
			in.Op = OpSLTIU
		case 0x4:
			in.Op = OpXORI
		case 0x6:
			in.Op = OpORI
		case 0x7:
			in.Op = OpANDI
		case 0x1:
			in.Op = OpSLLI
			in.Imm = int64(bits(raw, 25, 20))
		case 0x5:
			in.Imm = int64(bits(raw, 25, 20))
			if funct7&0x20 != 0 {
				in.Op = OpSRAI
			} else {
				in.Op = OpSRLI
			}
		}
	case 0x1B: // ALU-immediate, word (RV64)
		in.Imm = signExtend(bits(raw, 31, 20), 11)
		switch funct3 {
		case 0x0:
			in.Op = OpADDIW
		case 0x1:
			in.Op = OpSLLIW
			in.Imm = int64(bits(raw, 24, 20))
		case 0x5:
			in.Imm = int64(bits(raw, 24, 20))
			if funct7&0x20 != 0 {
				in.Op = OpSRAIW
			} else {
				in.Op = OpSRLIW
			}
		}
	case 0x33: // ALU-register
		in.Op = decodeALUReg(funct3, funct7)
	case 0x3B: // ALU-register, word (RV64)
		in.Op = decodeALURegW(funct3, funct7)
	case 0x0F:
		if funct3 == 0x1 {
			in.Op = OpFENCEI
		} else {
			in.Op = OpFENCE
		}
	case 0x73: // SYSTEM: ECALL/EBREAK/xRET/WFI/SFENCE.VMA/CSR
		in.Op = decodeSystem(raw, funct3, rs1, rs2, rd, funct7)
		in.Imm = int64(bits(raw, 31, 20))
		in.Csr = bits(raw, 31, 20)
	case 0x2F: // AMO / LR / SC
		in.Op = decodeAMO(funct3, funct7>>2)
		in.Aq = funct7&0x2 != 0
		in.Rl = funct7&0x1 != 0
	default:
		in.Op = OpIllegal
	}
	return in
}

func decodeALUReg(funct3, funct7 uint32) Op {
	switch {
	case funct7 == 0x01:
		switch funct3 {
		case 0x0:
			return OpMUL
		case 0x1:
			return OpMULH
		case 0x2:
			return OpMULHSU
		case 0x3:
			return OpMULHU
		case 0x4:
			return OpDIV
		case 0x5:
			return OpDIVU
		case 0x6:
			return OpREM
		case 0x7:
			return OpREMU
		}
	default:
		switch funct3 {
		case 0x0:
			if funct7&0x20 != 0 {
				return OpSUB
			}
			return OpADD
		case 0x1:
			return OpSLL
		case 0x2:
			return OpSLT
		case 0x3:
			return OpSLTU
		case 0x4:
			return OpXOR
		case 0x5:
			if funct7&0x20 != 0 {
				return OpSRA
			}
			return OpSRL
		case 0x6:
			return OpOR
		case 0x7:
			return OpAND
		}
	}
	return OpIllegal
}

func decodeALURegW(funct3, funct7 uint32) Op {
	switch {
	case funct7 == 0x01:
		switch funct3 {
		case 0x0:
			return OpMULW
		case 0x4:
			return OpDIVW
		case 0x5:
			return OpDIVUW
		case 0x6:
			return OpREMW
		case 0x7:
			return OpREMUW
		}
	default:
		switch funct3 {
		case 0x0:
			if funct7&0x20 != 0 {
				return OpSUBW
			}
			return OpADDW
		case 0x1:
			return OpSLLW
		case 0x5:
			if funct7&0x20 != 0 {
				return OpSRAW
			}
			return OpSRLW
		}
	}
	return OpIllegal
}

func decodeSystem(raw uint32, funct3, rs1, rs2, rd, funct7 uint32) Op {
	if funct3 != 0 {
		switch funct3 {
		case 0x1:
			return OpCSRRW
		case 0x2:
			return OpCSRRS
		case 0x3:
			return OpCSRRC
		case 0x5:
			return OpCSRRWI
		case 0x6:
			return OpCSRRSI
		case 0x7:
			return OpCSRRCI
		}
		return OpIllegal
	}
	switch {
	case raw == 0x00000073:
		return OpECALL
	case raw == 0x00100073:
		return OpEBREAK
	case raw == 0x30200073:
		return OpMRET
	case raw == 0x10200073:
		return OpSRET
	case raw == 0x10500073:
		return OpWFI
	case funct7 == 0x09:
		return OpSFENCEVMA
	}
	return OpIllegal
}

func decodeAMO(funct3, funct5 uint32) Op {
	word := funct3 == 0x2
	switch funct5 {
	case 0x02:
		if word {
			return OpLRW
		}
		return OpLRD
	case 0x03:
		if word {
			return OpSCW
		}
		return OpSCD
	case 0x01:
		if word {
			return OpAMOSWAPW
		}
		return OpAMOSWAPD
	case 0x00:
		if word {
			return OpAMOADDW
		}
		return OpAMOADDD
	case 0x04:
		if word {
			return OpAMOXORW
		}
		return OpAMOXORD
	case 0x0C:
		if word {
			return OpAMOANDW
		}
		return OpAMOANDD
	case 0x08:
		if word {
			return OpAMOORW
		}
		return OpAMOORD
	case 0x10:
		if word {
			return OpAMOMINW
		}
		return OpAMOMIND
	case 0x14:
		if word {
			return OpAMOMAXW
		}
		return OpAMOMAXD
	case 0x18:
		if word {
			return OpAMOMINUW
		}
		return OpAMOMINUD
	case 0x1C:
		if word {
			return OpAMOMAXUW
		}
		return OpAMOMAXUD
	}
	return OpIllegal
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

var opNames = map[Op]string{
	OpIllegal: "illegal", OpLUI: "lui", OpAUIPC: "auipc", OpJAL: "jal", OpJALR: "jalr",
	OpBEQ: "beq", OpBNE: "bne", OpBLT: "blt", OpBGE: "bge", OpBLTU: "bltu", OpBGEU: "bgeu",
	OpLB: "lb", OpLH: "lh", OpLW: "lw", OpLD: "ld", OpLBU: "lbu", OpLHU: "lhu", OpLWU: "lwu",
	OpSB: "sb", OpSH: "sh", OpSW: "sw", OpSD: "sd",
	OpADDI: "addi", OpSLTI: "slti", OpSLTIU: "sltiu", OpXORI: "xori", OpORI: "ori", OpANDI: "andi",
	OpSLLI: "slli", OpSRLI: "srli", OpSRAI: "srai",
	OpADDIW: "addiw", OpSLLIW: "slliw", OpSRLIW: "srliw", OpSRAIW: "sraiw",
	OpADD: "add", OpSUB: "sub", OpSLL: "sll", OpSLT: "slt", OpSLTU: "sltu", OpXOR: "xor",
	OpSRL: "srl", OpSRA: "sra", OpOR: "or", OpAND: "and",
	OpADDW: "addw", OpSUBW: "subw", OpSLLW: "sllw", OpSRLW: "srlw", OpSRAW: "sraw",
	OpMUL: "mul", OpMULH: "mulh", OpMULHSU: "mulhsu", OpMULHU: "mulhu",
	OpDIV: "div", OpDIVU: "divu", OpREM: "rem", OpREMU: "remu",
	OpMULW: "mulw", OpDIVW: "divw", OpDIVUW: "divuw", OpREMW: "remw", OpREMUW: "remuw",
	OpFENCE: "fence", OpFENCEI: "fence.i",
	OpECALL: "ecall", OpEBREAK: "ebreak", OpMRET: "mret", OpSRET: "sret", OpWFI: "wfi", OpSFENCEVMA: "sfence.vma",
	OpCSRRW: "csrrw", OpCSRRS: "csrrs", OpCSRRC: "csrrc", OpCSRRWI: "csrrwi", OpCSRRSI: "csrrsi", OpCSRRCI: "csrrci",
	OpLRW: "lr.w", OpSCW: "sc.w", OpAMOSWAPW: "amoswap.w", OpAMOADDW: "amoadd.w", OpAMOXORW: "amoxor.w",
	OpAMOANDW: "amoand.w", OpAMOORW: "amoor.w", OpAMOMINW: "amomin.w", OpAMOMAXW: "amomax.w",
	OpAMOMINUW: "amominu.w", OpAMOMAXUW: "amomaxu.w",
	OpLRD: "lr.d", OpSCD: "sc.d", OpAMOSWAPD: "amoswap.d", OpAMOADDD: "amoadd.d", OpAMOXORD: "amoxor.d",
	OpAMOANDD: "amoand.d", OpAMOORD: "amoor.d", OpAMOMIND: "amomin.d", OpAMOMAXD: "amomax.d",
	OpAMOMINUD: "amominu.d", OpAMOMAXUD: "amomaxu.d",
}

// IsLoad/IsStore/IsAMO/IsCSR classify an Op for the hart's memory-op and MCM
// wiring (spec.md §4.2's "each memory op flows through..." contract).
func (o Op) IsLoad() bool {
	switch o {
	case OpLB, OpLH, OpLW, OpLD, OpLBU, OpLHU, OpLWU, OpLRW, OpLRD:
		return true
	}
	return false
}

func (o Op) IsStore() bool {
	switch o {
	case OpSB, OpSH, OpSW, OpSD:
		return true
	}
	return false
}

func (o Op) IsAMO() bool {
	switch o {
	case OpLRW, OpSCW, OpAMOSWAPW, OpAMOADDW, OpAMOXORW, OpAMOANDW, OpAMOORW, OpAMOMINW, OpAMOMAXW, OpAMOMINUW, OpAMOMAXUW,
		OpLRD, OpSCD, OpAMOSWAPD, OpAMOADDD, OpAMOXORD, OpAMOANDD, OpAMOORD, OpAMOMIND, OpAMOMAXD, OpAMOMINUD, OpAMOMAXUD:
		return true
	}
	return false
}

func (o Op) IsLR() bool { return o == OpLRW || o == OpLRD }
func (o Op) IsSC() bool { return o == OpSCW || o == OpSCD }

// IsBranch reports whether o is a conditional branch, for MCM's rule 9
// control-dependency check (spec.md §4.4).
func (o Op) IsBranch() bool {
	switch o {
	case OpBEQ, OpBNE, OpBLT, OpBGE, OpBLTU, OpBGEU:
		return true
	}
	return false
}

func (o Op) IsCSR() bool {
	switch o {
	case OpCSRRW, OpCSRRS, OpCSRRC, OpCSRRWI, OpCSRRSI, OpCSRRCI:
		return true
	}
	return false
}

// AccessSize returns the byte width of a load/store/AMO op.
func (o Op) AccessSize() int {
	switch o {
	case OpLB, OpSB, OpLBU:
		return 1
	case OpLH, OpSH, OpLHU:
		return 2
	case OpLW, OpSW, OpLWU, OpLRW, OpSCW,
		OpAMOSWAPW, OpAMOADDW, OpAMOXORW, OpAMOANDW, OpAMOORW, OpAMOMINW, OpAMOMAXW, OpAMOMINUW, OpAMOMAXUW:
		return 4
	default:
		return 8
	}
}
