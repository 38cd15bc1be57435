package cluster

import "testing"

func TestAnnounceThenLookupReturnsAddress(t *testing.T) {
	dir, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := dir.Announce("node-a", "10.0.0.1:7000"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	addr, ok, err := dir.Lookup("node-a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || addr != "10.0.0.1:7000" {
		t.Fatalf("expected node-a at 10.0.0.1:7000, got %q ok=%v", addr, ok)
	}
}

func TestAnnounceReplacesExistingEntry(t *testing.T) {
	dir, _ := Open(t.TempDir())
	if err := dir.Announce("node-a", "10.0.0.1:7000"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if err := dir.Announce("node-a", "10.0.0.2:7001"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	entries, err := dir.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Address != "10.0.0.2:7001" {
		t.Fatalf("expected single replaced entry, got %+v", entries)
	}
}

func TestWithdrawRemovesEntry(t *testing.T) {
	dir, _ := Open(t.TempDir())
	_ = dir.Announce("node-a", "10.0.0.1:7000")
	if err := dir.Withdraw("node-a"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	_, ok, err := dir.Lookup("node-a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("expected node-a to be withdrawn")
	}
}

func TestLookupMissingNodeReturnsFalse(t *testing.T) {
	dir, _ := Open(t.TempDir())
	_, ok, err := dir.Lookup("missing")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for unannounced node")
	}
}

func TestAddrForAdaptsToNetForwarderShape(t *testing.T) {
	dir, _ := Open(t.TempDir())
	_ = dir.Announce("node-a", "10.0.0.1:7000")

	addr, ok := dir.AddrFor("node-a")
	if !ok || addr != "10.0.0.1:7000" {
		t.Fatalf("expected node-a at 10.0.0.1:7000, got %q ok=%v", addr, ok)
	}

	if _, ok := dir.AddrFor("missing"); ok {
		t.Fatal("expected miss for unannounced node")
	}
}
