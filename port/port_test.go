package port

import "testing"

func TestDecoderCommitOneShot(t *testing.T) {
	var d Decoder
	d.Commit(func() bool { return true })
	if !d.Committed || d.ErrorNotCommitted {
		t.Fatalf("expected committed, got %+v", d)
	}
	d.Reset()
	d.Commit(func() bool { return false })
	if d.Committed || !d.ErrorNotCommitted {
		t.Fatalf("expected error_not_committed, got %+v", d)
	}
}

func TestWindowContains(t *testing.T) {
	w := Window{Base: 0x1000, Size: 0x100}
	if !w.Contains(0x1000) || !w.Contains(0x10FF) {
		t.Fatal("expected boundary addresses to be contained")
	}
	if w.Contains(0x1100) {
		t.Fatal("0x1100 is exactly one byte beyond the window and must not be contained")
	}
	if (Window{}).Contains(0) {
		t.Fatal("a zero-size window must contain nothing")
	}
}

func TestConfigSpaceDWordRoundTrip(t *testing.T) {
	c := NewConfigSpace()
	c.WriteDWord(0x10, 0xDEADBEEF)
	if got := c.ReadDWord(0x10); got != 0xDEADBEEF {
		t.Fatalf("ReadDWord = %#x, want 0xDEADBEEF", got)
	}
	if got := c.ReadDWord(0x14); got != 0 {
		t.Fatalf("ReadDWord of untouched register = %#x, want 0", got)
	}
}

func TestBIRouteTableLookup(t *testing.T) {
	tbl := NewBIRouteTable()
	tbl.Set(5, 2)
	if v, ok := tbl.Lookup(5); !ok || v != 2 {
		t.Fatalf("Lookup(5) = %d, %v", v, ok)
	}
	tbl.Delete(5)
	if _, ok := tbl.Lookup(5); ok {
		t.Fatal("expected entry to be gone after Delete")
	}
}

func TestCacheRouteTableLookup(t *testing.T) {
	tbl := NewCacheRouteTable()
	tbl.Set(3, 1)
	if v, ok := tbl.Lookup(3); !ok || v != 1 {
		t.Fatalf("Lookup(3) = %d, %v", v, ok)
	}
	if _, ok := tbl.Lookup(9); ok {
		t.Fatal("expected miss for unset cache_id")
	}
}

func TestDeviceConnectedFlag(t *testing.T) {
	d := NewDevice(0, 0)
	if d.Connected() {
		t.Fatal("new device should start disconnected")
	}
	d.SetConnected(true)
	if !d.Connected() {
		t.Fatal("expected connected after SetConnected(true)")
	}
}
