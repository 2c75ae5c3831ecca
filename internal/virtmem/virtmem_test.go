package virtmem

import (
	"testing"

	"github.com/hartsim/core/internal/csr"
	"github.com/hartsim/core/internal/memory"
)

const (
	pteV = 0x1
	pteR = 0x2
	pteW = 0x4
	pteX = 0x8
	pteU = 0x10
	pteA = 0x40
	pteD = 0x80
)

func mkPTE(ppn uint64, flags uint64) uint64 {
	return ppn<<10 | flags
}

func writePTE64(t *testing.T, m *memory.Memory, addr uint64, value uint64) {
	t.Helper()
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(value >> (8 * i))
	}
	if !m.Write(addr, buf) {
		t.Fatalf("failed to seed PTE at %#x", addr)
	}
}

// newSv39Fixture builds a 3-level Sv39 table mapping VA 0x1000_0000 to PA
// 0x1000, matching spec.md §8 scenario (c). Root table at 0x2000, level-1
// at 0x3000, level-0 at 0x4000.
func newSv39Fixture(t *testing.T) (*memory.Memory, *csr.File, *Translator) {
	t.Helper()
	mem, err := memory.New(0, 0x10000)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	const rootAddr, l1Addr, l0Addr = 0x2000, 0x3000, 0x4000
	writePTE64(t, mem, rootAddr+0*8, mkPTE(l1Addr>>12, pteV))
	writePTE64(t, mem, l1Addr+128*8, mkPTE(l0Addr>>12, pteV))
	writePTE64(t, mem, l0Addr+0*8, mkPTE(0x1000>>12, pteV|pteR|pteW))

	f := csr.New(64, 0)
	f.Poke(csr.Satp, uint64(Sv39)<<60|uint64(rootAddr>>12))

	tr := New(mem, f, 64)
	return mem, f, tr
}

func TestSv39WalkMapsToExpectedPA(t *testing.T) {
	mem, f, tr := newSv39Fixture(t)
	f.Poke(csr.Menvcfg, 1<<61) // ADUE on

	pa, fault := tr.Translate(0x1000_0000, csr.ModeSupervisor, false, Access{Write: true})
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if pa != 0x1000 {
		t.Fatalf("got pa %#x, want %#x", pa, 0x1000)
	}

	const l0Addr = 0x4000
	raw, ok := mem.RawAt(l0Addr, 8)
	if !ok {
		t.Fatalf("could not read back leaf PTE")
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(raw[i])
	}
	if v&pteA == 0 || v&pteD == 0 {
		t.Fatalf("expected A and D set after store, got raw %#x", v)
	}
}

func TestSv39NoHardwareADFallsBackToPageFault(t *testing.T) {
	_, f, tr := newSv39Fixture(t)
	f.Poke(csr.Menvcfg, 0) // ADUE off

	_, fault := tr.Translate(0x1000_0000, csr.ModeSupervisor, false, Access{Write: true})
	if fault == nil {
		t.Fatalf("expected page fault when A is clear and ADUE is disabled")
	}
	if fault.Cause != CauseStoreAMOPageFault {
		t.Fatalf("got cause %d, want %d", fault.Cause, CauseStoreAMOPageFault)
	}
}

func TestSv39UserBitDeniesSupervisorWithoutSUM(t *testing.T) {
	mem, err := memory.New(0, 0x10000)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer mem.Close()

	const rootAddr, l1Addr, l0Addr = 0x2000, 0x3000, 0x4000
	writePTE64(t, mem, rootAddr+0*8, mkPTE(l1Addr>>12, pteV))
	writePTE64(t, mem, l1Addr+128*8, mkPTE(l0Addr>>12, pteV))
	writePTE64(t, mem, l0Addr+0*8, mkPTE(0x1000>>12, pteV|pteR|pteW|pteU|pteA|pteD))

	f := csr.New(64, 0)
	f.Poke(csr.Satp, uint64(Sv39)<<60|uint64(rootAddr>>12))
	f.Poke(csr.Menvcfg, 1<<61)
	tr := New(mem, f, 64)

	_, fault := tr.Translate(0x1000_0000, csr.ModeSupervisor, false, Access{Read: true})
	if fault == nil {
		t.Fatalf("expected page fault: supervisor access to U page without SUM")
	}

	if err := f.Write(csr.Mstatus, csr.ModeMachine, false, 1<<18 /* SUM */); err != nil {
		t.Fatalf("write mstatus: %v", err)
	}
	if _, fault := tr.Translate(0x1000_0000, csr.ModeSupervisor, false, Access{Read: true}); fault != nil {
		t.Fatalf("expected success with SUM set, got %v", fault)
	}
}

func TestSv39RejectsNonCanonicalAddress(t *testing.T) {
	_, _, tr := newSv39Fixture(t)
	// Bit 38 is 0 but bits above it are not all zero: non-canonical.
	_, fault := tr.Translate(0x80_0000_0000, csr.ModeSupervisor, false, Access{Read: true})
	if fault == nil {
		t.Fatalf("expected page fault for non-canonical Sv39 address")
	}
}

func TestBareModeIsIdentityMapped(t *testing.T) {
	mem, err := memory.New(0, 0x10000)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer mem.Close()
	f := csr.New(64, 0)
	tr := New(mem, f, 64)

	pa, fault := tr.Translate(0x1234, csr.ModeSupervisor, false, Access{Read: true})
	if fault != nil {
		t.Fatalf("unexpected fault in Bare mode: %v", fault)
	}
	if pa != 0x1234 {
		t.Fatalf("got pa %#x, want identity 0x1234", pa)
	}
}

func TestMachineModeNeverTranslates(t *testing.T) {
	mem, err := memory.New(0, 0x10000)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer mem.Close()
	f := csr.New(64, 0)
	f.Poke(csr.Satp, uint64(Sv39)<<60|uint64(0x2000>>12))
	tr := New(mem, f, 64)

	pa, fault := tr.Translate(0xABCD, csr.ModeMachine, false, Access{Read: true})
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if pa != 0xABCD {
		t.Fatalf("M-mode access should bypass translation, got pa %#x", pa)
	}
}
