package csr

import "testing"

func TestWriteMaskPreservesUnmaskedBits(t *testing.T) {
	f := New(64, 0)

	if err := f.Write(Mscratch, ModeMachine, false, 0xFFFF_FFFF_FFFF_FFFF); err != nil {
		t.Fatalf("write mscratch: %v", err)
	}
	got, err := f.Read(Mscratch, ModeMachine, false)
	if err != nil {
		t.Fatalf("read mscratch: %v", err)
	}
	if got != 0xFFFF_FFFF_FFFF_FFFF {
		t.Fatalf("mscratch round-trip: got %#x", got)
	}
}

func TestSstatusAliasesMstatus(t *testing.T) {
	f := New(64, 0)

	if err := f.Write(Mstatus, ModeMachine, false, mstatusSIE|mstatusMPP); err != nil {
		t.Fatalf("write mstatus: %v", err)
	}
	sstatus, err := f.Read(Sstatus, ModeSupervisor, false)
	if err != nil {
		t.Fatalf("read sstatus: %v", err)
	}
	if sstatus&mstatusSIE == 0 {
		t.Fatalf("sstatus should project SIE from mstatus, got %#x", sstatus)
	}
	if sstatus&mstatusMPP != 0 {
		t.Fatalf("sstatus must not expose MPP, got %#x", sstatus)
	}

	if err := f.Write(Sstatus, ModeSupervisor, false, 0); err != nil {
		t.Fatalf("write sstatus: %v", err)
	}
	mstatus, _ := f.Read(Mstatus, ModeMachine, false)
	if mstatus&mstatusSIE != 0 {
		t.Fatalf("clearing sstatus.SIE should clear mstatus.SIE, got %#x", mstatus)
	}
	if mstatus&mstatusMPP == 0 {
		t.Fatalf("writing sstatus must not disturb mstatus.MPP, got %#x", mstatus)
	}
}

func TestSipMaskedByMideleg(t *testing.T) {
	f := New(64, 0)

	if err := f.Write(Mideleg, ModeMachine, false, 0x2); err != nil { // delegate SSIP only
		t.Fatalf("write mideleg: %v", err)
	}
	if !f.Poke(Mip, 0x2|0x200) { // SSIP + SEIP pending at the MIP level
		t.Fatalf("poke mip failed")
	}

	sip, err := f.Read(Sip, ModeSupervisor, false)
	if err != nil {
		t.Fatalf("read sip: %v", err)
	}
	if sip != 0x2 {
		t.Fatalf("sip should show only delegated bits, got %#x", sip)
	}

	if err := f.Write(Sip, ModeSupervisor, false, 0); err != nil {
		t.Fatalf("write sip: %v", err)
	}
	mip, _ := f.Peek(Mip)
	if mip&0x2 != 0 {
		t.Fatalf("clearing sip should clear the delegated mip bit, got %#x", mip)
	}
	if mip&0x200 == 0 {
		t.Fatalf("writing sip must not touch undelegated mip bits, got %#x", mip)
	}
}

func TestVSCsrIllegalWhileVirtual(t *testing.T) {
	f := New(64, 0)
	if _, err := f.Read(Vsstatus, ModeSupervisor, true); err == nil {
		t.Fatalf("direct vsstatus access while V=1 should be illegal")
	}
	// But the same instruction naming SSTATUS redirects transparently.
	if _, err := f.Read(Sstatus, ModeSupervisor, true); err != nil {
		t.Fatalf("sstatus access while V=1 should redirect to vsstatus, got %v", err)
	}
}

func TestHypervisorCsrIllegalWhileVirtual(t *testing.T) {
	f := New(64, 0)
	if _, err := f.Read(Hstatus, ModeSupervisor, true); err == nil {
		t.Fatalf("hstatus access while V=1 should be illegal")
	}
	if _, err := f.Read(Hstatus, ModeSupervisor, false); err != nil {
		t.Fatalf("hstatus access from HS should succeed, got %v", err)
	}
}

func TestHighHalfProjectsUpperBits(t *testing.T) {
	f := New(32, 0)

	if err := f.Write(Menvcfg, ModeMachine, false, 0x1); err != nil {
		t.Fatalf("write menvcfg: %v", err)
	}
	if err := f.Write(Menvcfgh, ModeMachine, false, 0xABCD_0000); err != nil {
		t.Fatalf("write menvcfgh: %v", err)
	}

	low, _ := f.Read(Menvcfg, ModeMachine, false)
	if low != 0x1 {
		t.Fatalf("menvcfgh write disturbed low half: %#x", low)
	}
	high, _ := f.Read(Menvcfgh, ModeMachine, false)
	if high != 0xABCD_0000 {
		t.Fatalf("menvcfgh round-trip: got %#x", high)
	}
}

func TestDebugCsrGatedOutsideDebugMode(t *testing.T) {
	f := New(64, 0)

	if _, err := f.Read(Dpc, ModeMachine, false); err == nil {
		t.Fatalf("dpc should be inaccessible outside debug mode")
	}
	f.SetDebugMode(true)
	if _, err := f.Read(Dpc, ModeMachine, false); err != nil {
		t.Fatalf("dpc should be accessible in debug mode: %v", err)
	}
}

func TestMhpmeventClampsToMaxEventID(t *testing.T) {
	f := New(64, 0xFF)

	if err := f.Write(Mhpmevent3, ModeMachine, false, 0x1_0000); err != nil {
		t.Fatalf("write mhpmevent3: %v", err)
	}
	got, _ := f.Peek(Mhpmevent3)
	if got&eventIDMask != 0 {
		t.Fatalf("event id %#x above max 0xff should clamp to 0, got %#x", 0x1_0000, got)
	}
}

func TestReadOnlyByEncodingRejectsWrite(t *testing.T) {
	f := New(64, 0)
	if err := f.Write(Hgeip, ModeSupervisor, false, 0xFF); err == nil {
		t.Fatalf("hgeip write via CSR instruction should be rejected")
	}
	if !f.Poke(Hgeip, 0xFF) {
		t.Fatalf("hgeip poke should bypass the read-only encoding check")
	}
	got, _ := f.Peek(Hgeip)
	if got != 0xFF {
		t.Fatalf("hgeip poke should have taken effect, got %#x", got)
	}
}

func TestNoSuchAndNotAccessible(t *testing.T) {
	f := New(64, 0)
	if _, err := f.Read(Number(0xFFF), ModeMachine, false); err == nil {
		t.Fatalf("unknown csr should fail")
	}
	if _, err := f.Read(Mstatus, ModeUser, false); err == nil {
		t.Fatalf("user mode should not reach mstatus")
	}
}

func TestResetFiresPostResetOnce(t *testing.T) {
	f := New(64, 0)
	calls := 0
	c := f.csrs[Mscratch]
	c.OnPostReset(func(*File, Number, uint64, uint64) { calls++ })
	f.Reset()
	if calls != 1 {
		t.Fatalf("postReset should fire exactly once per reset, got %d", calls)
	}
}
