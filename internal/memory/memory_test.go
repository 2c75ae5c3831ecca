package memory

import "testing"

func TestReadWriteRoundTrip(t *testing.T) {
	m, err := New(0x8000_0000, 0x10000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	want := []byte{0xde, 0xad, 0xbe, 0xef}
	if ok := m.Write(0x8000_1000, want); !ok {
		t.Fatalf("Write returned false")
	}

	got := make([]byte, 4)
	if ok := m.Read(0x8000_1000, got); !ok {
		t.Fatalf("Read returned false")
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, got[i], want[i])
		}
	}
}

func TestReadOutOfRange(t *testing.T) {
	m, err := New(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	buf := make([]byte, 4)
	if ok := m.Read(0x5000, buf); ok {
		t.Fatalf("Read out of range should fail")
	}
}

func TestUsedBlocksCoalesce(t *testing.T) {
	m, err := New(0, 0x10000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	m.Write(0x0000, []byte{1})
	m.Write(0x1000, []byte{1}) // adjacent page, should coalesce
	m.Write(0x5000, []byte{1}) // disjoint page

	blocks := m.UsedBlocks()
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2: %+v", len(blocks), blocks)
	}
	if blocks[0].Addr != 0 || blocks[0].Len != 0x2000 {
		t.Fatalf("unexpected first block: %+v", blocks[0])
	}
	if blocks[1].Addr != 0x5000 || blocks[1].Len != 0x1000 {
		t.Fatalf("unexpected second block: %+v", blocks[1])
	}
}

func TestCompareAndSwap32(t *testing.T) {
	m, err := New(0, 0x1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	m.Write(0x100, []byte{0, 0, 0, 0})

	swapped, _, ok := m.CompareAndSwap32(0x100, 1, 2)
	if !ok {
		t.Fatalf("CAS on aligned in-range address should be attempted")
	}
	if swapped {
		t.Fatalf("CAS should fail: expected old 0, compared against 1")
	}

	swapped, actual, ok := m.CompareAndSwap32(0x100, 0, 2)
	if !ok || !swapped || actual != 2 {
		t.Fatalf("CAS should succeed: swapped=%v actual=%#x ok=%v", swapped, actual, ok)
	}
}

func TestRegisterDeviceOverlapRejected(t *testing.T) {
	m, err := New(0, 0x10000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	dev := &recordingDevice{}
	if err := m.RegisterDevice(0x2000, 0x1000, dev, "dev-a"); err != nil {
		t.Fatalf("RegisterDevice dev-a: %v", err)
	}
	if err := m.RegisterDevice(0x2800, 0x1000, dev, "dev-b"); err == nil {
		t.Fatalf("expected overlap error")
	}
}

func TestDeviceCallbacksIntercept(t *testing.T) {
	m, err := New(0, 0x10000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	dev := &recordingDevice{}
	if err := m.RegisterDevice(0x9000, 0x10, dev, "to-host"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	if ok := m.Write(0x9000, []byte{1, 0, 0, 0}); !ok {
		t.Fatalf("Write to device region failed")
	}
	if len(dev.writes) != 1 {
		t.Fatalf("device did not observe write")
	}
}

type recordingDevice struct {
	writes [][]byte
}

func (d *recordingDevice) ReadMMIO(addr uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (d *recordingDevice) WriteMMIO(addr uint64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	d.writes = append(d.writes, cp)
	return nil
}
