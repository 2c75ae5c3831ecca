package mcm

import (
	"testing"

	"github.com/hartsim/core/internal/hart/isa"
	"github.com/hartsim/core/internal/memory"
)

func newFixture(t *testing.T) (*Checker, *memory.Memory) {
	t.Helper()
	mem, err := memory.New(0, 0x10000)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return New(mem), mem
}

func u32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// TestReadOpForwardsFromUndrainedStore reproduces spec.md §8 scenario f:
// a store inserted into the merge buffer at time 100 forwards to a load at
// time 110 before the line drains at time 200.
func TestReadOpForwardsFromUndrainedStore(t *testing.T) {
	c, _ := newFixture(t)

	c.MergeBufferInsert(0, 100, 1, 0x2000, u32le(0xDEADBEEF))

	value, forwardTime, forwarded, err := c.ReadOp(0, 110, 2, 0x2000, 4, 0xDEADBEEF)
	if err != nil {
		t.Fatalf("ReadOp: %v", err)
	}
	if !forwarded {
		t.Fatalf("expected forwarding from the undrained store")
	}
	if value != 0xDEADBEEF {
		t.Fatalf("value = %#x, want 0xDEADBEEF", value)
	}
	if forwardTime != 100 {
		t.Fatalf("forwardTime = %d, want 100 (the store's insertion time)", forwardTime)
	}

	if err := c.MergeBufferWrite(0, 200, 1, []bool{true, true, true, true}, u32le(0xDEADBEEF), false); err != nil {
		t.Fatalf("MergeBufferWrite: %v", err)
	}
	if got := c.Violations(); len(got) != 0 {
		t.Fatalf("unexpected violations: %v", got)
	}
}

func TestReadOpFallsThroughToMemoryWithoutOverlap(t *testing.T) {
	c, mem := newFixture(t)
	mem.Write(0x3000, u32le(0x11223344))

	value, _, forwarded, err := c.ReadOp(0, 10, 1, 0x3000, 4, 0x11223344)
	if err != nil {
		t.Fatalf("ReadOp: %v", err)
	}
	if forwarded {
		t.Fatalf("did not expect forwarding, no undrained store present")
	}
	if value != 0x11223344 {
		t.Fatalf("value = %#x, want 0x11223344", value)
	}
}

func TestMergeBufferWriteReportsModelMismatch(t *testing.T) {
	c, _ := newFixture(t)
	c.MergeBufferInsert(0, 100, 1, 0x2000, u32le(0xDEADBEEF))

	// RTL wrote a different value than the model expected.
	if err := c.MergeBufferWrite(0, 200, 1, []bool{true, true, true, true}, u32le(0xBAADF00D), false); err != nil {
		t.Fatalf("MergeBufferWrite: %v", err)
	}
	vs := c.Violations()
	if len(vs) == 0 {
		t.Fatalf("expected a data-mismatch violation")
	}
	if vs[0].Rule != 0 {
		t.Fatalf("rule = %d, want 0 (data mismatch)", vs[0].Rule)
	}
}

// TestRuleOverlappingStoreLoadViolation matches PPO rule 1: a store whose
// write is observed (via MemOp.Time) after a program-later load of the
// same address has retired is a violation.
func TestRuleOverlappingStoreLoadViolation(t *testing.T) {
	c, _ := newFixture(t)
	c.SetCheckAll(true)

	if err := c.BypassOp(0, 50, 1, 0x4000, u32le(7)); err != nil {
		t.Fatalf("BypassOp: %v", err)
	}
	if _, _, _, err := c.ReadOp(0, 40, 2, 0x4000, 4, 7); err != nil {
		t.Fatalf("ReadOp: %v", err)
	}

	store := isa.Inst{Op: isa.OpSW}
	load := isa.Inst{Op: isa.OpLW}
	c.Retire(0, 51, 1, store, false)
	c.Retire(0, 52, 2, load, false)

	vs := c.Violations()
	if len(vs) != 1 || vs[0].Rule != RuleOverlappingStoreLoad {
		t.Fatalf("violations = %+v, want one RuleOverlappingStoreLoad violation", vs)
	}
}

func TestRuleOverlappingStoreLoadNoViolationWhenOrderedCorrectly(t *testing.T) {
	c, _ := newFixture(t)
	c.SetCheckAll(true)

	if err := c.BypassOp(0, 10, 1, 0x4000, u32le(7)); err != nil {
		t.Fatalf("BypassOp: %v", err)
	}
	if _, _, _, err := c.ReadOp(0, 20, 2, 0x4000, 4, 7); err != nil {
		t.Fatalf("ReadOp: %v", err)
	}

	c.Retire(0, 11, 1, isa.Inst{Op: isa.OpSW}, false)
	c.Retire(0, 21, 2, isa.Inst{Op: isa.OpLW}, false)

	if vs := c.Violations(); len(vs) != 0 {
		t.Fatalf("unexpected violations: %+v", vs)
	}
}

// TestRuleAcquireViolation matches PPO rule 3: an op program-after an
// acquire must not be observed before the acquire's own op completed.
func TestRuleAcquireViolation(t *testing.T) {
	c, _ := newFixture(t)
	c.SetCheckAll(true)

	if _, _, _, err := c.ReadOp(0, 100, 1, 0x5000, 4, 0); err != nil {
		t.Fatalf("ReadOp: %v", err)
	}
	if _, _, _, err := c.ReadOp(0, 90, 2, 0x5004, 4, 0); err != nil {
		t.Fatalf("ReadOp: %v", err)
	}

	c.Retire(0, 101, 1, isa.Inst{Op: isa.OpLW, Aq: true}, false)
	c.Retire(0, 91, 2, isa.Inst{Op: isa.OpLW}, false)

	vs := c.Violations()
	if len(vs) != 1 || vs[0].Rule != RuleAcquire {
		t.Fatalf("violations = %+v, want one RuleAcquire violation", vs)
	}
}

func TestFlushCancelsInFlightInstructions(t *testing.T) {
	c, _ := newFixture(t)
	c.SetCheckAll(true)

	if err := c.BypassOp(0, 10, 1, 0x4000, u32le(7)); err != nil {
		t.Fatalf("BypassOp: %v", err)
	}
	if _, _, _, err := c.ReadOp(0, 5, 2, 0x4000, 4, 7); err != nil {
		t.Fatalf("ReadOp: %v", err)
	}
	c.Flush(0, 2)

	c.Retire(0, 11, 1, isa.Inst{Op: isa.OpSW}, false)
	c.Retire(0, 6, 2, isa.Inst{Op: isa.OpLW}, false)

	if vs := c.Violations(); len(vs) != 0 {
		t.Fatalf("flushed instruction should not trigger a rule check, got %+v", vs)
	}
}

func TestCancelInstructionRemovesMergeLine(t *testing.T) {
	c, _ := newFixture(t)
	c.MergeBufferInsert(0, 100, 1, 0x2000, u32le(0xDEADBEEF))
	c.CancelInstruction(0, 1)

	if err := c.MergeBufferWrite(0, 200, 1, []bool{true, true, true, true}, u32le(0xDEADBEEF), false); err == nil {
		t.Fatalf("expected ErrUnknownTag after cancel removed the merge line")
	}
}
