package iommu

import (
	"encoding/binary"
	"testing"

	"github.com/hartsim/core/internal/memory"
	"github.com/hartsim/core/internal/virtmem"
)

const (
	ddtBase = 0x10000
	dcSize  = 64
)

func newFixture(t *testing.T) (*Iommu, *memory.Memory) {
	t.Helper()
	mem, err := memory.New(0, 0x200000)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return New(mem, Config{Base: 0x1000}), mem
}

// writeDC writes a 64-byte extended-format device context for did into the
// bare, direct-indexed DC array at ddtBase.
func writeDC(t *testing.T, mem *memory.Memory, did uint32, tc, iohgatp, ta, fsc uint64) {
	t.Helper()
	buf := make([]byte, dcSize)
	binary.LittleEndian.PutUint64(buf[0:8], tc)
	binary.LittleEndian.PutUint64(buf[8:16], iohgatp)
	binary.LittleEndian.PutUint64(buf[16:24], ta)
	binary.LittleEndian.PutUint64(buf[24:32], fsc)
	if !mem.Write(ddtBase+uint64(did)*dcSize, buf) {
		t.Fatalf("failed to write DC for did %d", did)
	}
}

func setBareDDTP(io *Iommu) {
	io.ddtpRaw = ddtBase | DDTPBare
	io.ddtpMode = DDTPBare
}

func TestTranslatePassthroughWhenBothStagesAreBare(t *testing.T) {
	io, mem := newFixture(t)
	setBareDDTP(io)
	writeDC(t, mem, 0, 1 /* V */, 0, 0, 0)

	pa, err := io.Translate(0, false, 0, 0x4000, false, TypeUntranslated)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if pa != 0x4000 {
		t.Fatalf("pa = %#x, want 0x4000 (Bare/Bare passthrough)", pa)
	}
}

func TestTranslateDDTPOffFaultsAllInbound(t *testing.T) {
	io, mem := newFixture(t)
	writeDC(t, mem, 0, 1, 0, 0, 0)

	_, err := io.Translate(0, false, 0, 0x4000, false, TypeUntranslated)
	if err == nil || err.Cause != CauseAllInboundDisallowed {
		t.Fatalf("err = %+v, want CauseAllInboundDisallowed", err)
	}
	if len(io.Faults()) != 1 {
		t.Fatalf("expected one fault record appended")
	}
}

func TestTranslateInvalidDCFaults(t *testing.T) {
	io, mem := newFixture(t)
	setBareDDTP(io)
	writeDC(t, mem, 0, 0 /* V=0 */, 0, 0, 0)

	_, err := io.Translate(0, false, 0, 0x4000, false, TypeUntranslated)
	if err == nil || err.Cause != CauseDDTEntryNotValid {
		t.Fatalf("err = %+v, want CauseDDTEntryNotValid", err)
	}
}

// TestTranslateStage1Sv39Superpage builds a one-entry Sv39 root table (a
// 1GiB leaf superpage mapping) and checks the IOVA->SPA walk.
func TestTranslateStage1Sv39Superpage(t *testing.T) {
	io, mem := newFixture(t)
	setBareDDTP(io)

	const rootPPN = 0x20
	const targetPPN = 0x55
	iova := uint64(0x40000000) // VPN[2] = 1
	idx := (iova >> 30) & 0x1FF

	pte := (targetPPN << 10) | 0x7 // R|W|X leaf
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, pte)
	if !mem.Write(rootPPN<<12+idx*8, buf) {
		t.Fatalf("failed to write root PTE")
	}

	fsc := uint64(virtmem.Sv39)<<60 | rootPPN
	writeDC(t, mem, 0, 1, 0, 0, fsc)

	pa, err := io.Translate(0, false, 0, iova+0x123, false, TypeUntranslated)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	want := (uint64(targetPPN) << 12) | 0x123
	if pa != want {
		t.Fatalf("pa = %#x, want %#x", pa, want)
	}
}

func TestAtsTranslateUnsupportedWhenATSDisabled(t *testing.T) {
	io, mem := newFixture(t)
	setBareDDTP(io)
	writeDC(t, mem, 0, 1, 0, 0, 0) // ATSValid bit (tc bit 1) not set

	_, resp := io.AtsTranslate(0, false, 0, 0x4000, false)
	if resp != AtsUnsupportedRequest {
		t.Fatalf("resp = %v, want AtsUnsupportedRequest", resp)
	}
}

func TestAtsTranslateSucceedsWhenEnabled(t *testing.T) {
	io, mem := newFixture(t)
	setBareDDTP(io)
	writeDC(t, mem, 0, 1|(1<<1) /* V | EN_ATS */, 0, 0, 0)

	pa, resp := io.AtsTranslate(0, false, 0, 0x4000, false)
	if resp != AtsSuccess {
		t.Fatalf("resp = %v, want AtsSuccess", resp)
	}
	if pa != 0x4000 {
		t.Fatalf("pa = %#x, want 0x4000", pa)
	}
}

func TestCommandQueueIOFENCESetsPendingBit(t *testing.T) {
	io, mem := newFixture(t)

	const cqBase = 0x30000
	io.cq.base = cqBase
	io.cq.logSize = 0 // 2 entries
	io.cq.entrySize = 16

	entry := make([]byte, 16)
	binary.LittleEndian.PutUint64(entry[0:8], cmdIOFENCE)
	if !mem.Write(cqBase, entry) {
		t.Fatalf("failed to write IOFENCE.C command")
	}

	io.mu.Lock()
	io.cq.tail = 1
	io.processCommandQueueLocked()
	io.mu.Unlock()

	if io.ipsr&(1<<1) == 0 {
		t.Fatalf("expected fence-complete interrupt pending bit set")
	}
	if io.cq.head != 1 {
		t.Fatalf("cq.head = %d, want 1 after draining one command", io.cq.head)
	}
}

func TestMMIORegisterRoundTrip(t *testing.T) {
	io, _ := newFixture(t)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, ddtBase|DDTPLevel1)
	if err := io.WriteMMIO(io.cfg.Base+regDDTP, buf); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}

	out := make([]byte, 8)
	if err := io.ReadMMIO(io.cfg.Base+regDDTP, out); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if got := binary.LittleEndian.Uint64(out); got != ddtBase|DDTPLevel1 {
		t.Fatalf("ddtp readback = %#x, want %#x", got, ddtBase|DDTPLevel1)
	}
}
