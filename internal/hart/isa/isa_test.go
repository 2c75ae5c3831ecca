package isa

import "testing"

func TestDecodeADDI(t *testing.T) {
	// addi x1, x2, -1  => imm=0xFFF, rs1=2, funct3=0, rd=1, opcode=0x13
	raw := uint32(0xFFF10093)
	in := Decode(raw)
	if in.Op != OpADDI {
		t.Fatalf("got %v, want addi", in.Op)
	}
	if in.Rd != 1 || in.Rs1 != 2 {
		t.Fatalf("got rd=%d rs1=%d", in.Rd, in.Rs1)
	}
	if in.Imm != -1 {
		t.Fatalf("got imm=%d, want -1", in.Imm)
	}
}

func TestDecodeJAL(t *testing.T) {
	// jal x0, -12 (encodes imm[20|10:1|11|19:12])
	in := Decode(0xFF5FF06F)
	if in.Op != OpJAL {
		t.Fatalf("got %v, want jal", in.Op)
	}
	if in.Imm != -12 {
		t.Fatalf("got imm=%d, want -12", in.Imm)
	}
}

func TestDecodeBranch(t *testing.T) {
	// beq x1, x2, 8
	in := Decode(0x00208463)
	if in.Op != OpBEQ {
		t.Fatalf("got %v, want beq", in.Op)
	}
	if in.Imm != 8 {
		t.Fatalf("got imm=%d, want 8", in.Imm)
	}
}

func TestDecodeLoadStore(t *testing.T) {
	in := Decode(0x0002B183) // ld x3, 0(x5)
	if in.Op != OpLD || in.Rs1 != 5 || in.Rd != 3 {
		t.Fatalf("got %+v", in)
	}

	in = Decode(0x0062B023) // sd x6, 0(x5)
	if in.Op != OpSD || in.Rs1 != 5 || in.Rs2 != 6 {
		t.Fatalf("got %+v", in)
	}
}

func TestDecodeAMO(t *testing.T) {
	in := Decode(0x1002B52F) // lr.d x10, (x5)
	if !in.Op.IsAMO() {
		t.Fatalf("expected an AMO op, got %v", in.Op)
	}
}

func TestDecodeSystem(t *testing.T) {
	if Decode(0x00000073).Op != OpECALL {
		t.Fatalf("expected ecall")
	}
	if Decode(0x30200073).Op != OpMRET {
		t.Fatalf("expected mret")
	}
	if Decode(0x10200073).Op != OpSRET {
		t.Fatalf("expected sret")
	}
}

func TestDecodeCSR(t *testing.T) {
	// csrrw x0, mstatus(0x300), x2
	in := Decode(0x30011073 | (2 << 15))
	if in.Op != OpCSRRW {
		t.Fatalf("got %v, want csrrw", in.Op)
	}
	if in.Csr != 0x300 {
		t.Fatalf("got csr %#x, want 0x300", in.Csr)
	}
}

func TestAccessSize(t *testing.T) {
	if OpLW.AccessSize() != 4 {
		t.Fatalf("lw should be 4 bytes")
	}
	if OpSD.AccessSize() != 8 {
		t.Fatalf("sd should be 8 bytes")
	}
	if OpLB.AccessSize() != 1 {
		t.Fatalf("lb should be 1 byte")
	}
}
