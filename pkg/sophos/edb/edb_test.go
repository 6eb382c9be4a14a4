package edb

import (
	"os"
	"testing"

	"sophos/pkg/sophos"
)

func newTestEDB(t *testing.T, setupSize int) (*EDB, string) {
	t.Helper()
	dir := t.TempDir()
	e, err := OpenNew(dir, setupSize, sophos.UpdateTokenSize, sophos.IndexSize)
	if err != nil {
		t.Fatalf("OpenNew: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, dir
}

func tokenFor(n byte) sophos.UpdateToken {
	var ut sophos.UpdateToken
	ut[0] = n
	ut[1] = 0xAB
	return ut
}

func TestPutGet(t *testing.T) {
	e, _ := newTestEDB(t, 16)

	tok := tokenFor(1)
	if ok := e.Put(tok, sophos.Index(42)); !ok {
		t.Fatalf("Put failed")
	}
	got, ok := e.Get(tok)
	if !ok || got != 42 {
		t.Fatalf("Get = (%v, %v), want (42, true)", got, ok)
	}
}

func TestGetMissing(t *testing.T) {
	e, _ := newTestEDB(t, 16)
	var tok sophos.UpdateToken
	tok[0] = 0xFF
	if _, ok := e.Get(tok); ok {
		t.Fatalf("expected miss on empty table")
	}
}

func TestEntriesCount(t *testing.T) {
	e, _ := newTestEDB(t, 64)
	for i := byte(0); i < 10; i++ {
		e.Put(tokenFor(i), sophos.Index(i))
	}
	if got := e.Entries(); got != 10 {
		t.Fatalf("Entries() = %d, want 10", got)
	}
}

func TestResizeKeepsEntries(t *testing.T) {
	e, dir := newTestEDB(t, 4) // 4 slots, triggers resize quickly

	const n = 2000
	for i := 0; i < n; i++ {
		tok := sophos.UpdateToken{}
		tok[0] = byte(i)
		tok[1] = byte(i >> 8)
		tok[2] = byte(i >> 16)
		tok[15] = 1 // never all-zero
		if !e.Put(tok, sophos.Index(i)) {
			t.Fatalf("Put(%d) failed", i)
		}
	}

	for i := 0; i < n; i++ {
		tok := sophos.UpdateToken{}
		tok[0] = byte(i)
		tok[1] = byte(i >> 8)
		tok[2] = byte(i >> 16)
		tok[15] = 1
		got, ok := e.Get(tok)
		if !ok || got != sophos.Index(i) {
			t.Fatalf("Get(%d) = (%v, %v), want (%d, true)", i, got, ok, i)
		}
	}

	raw, err := os.ReadFile(dir + "/" + infoFile)
	if err != nil {
		t.Fatalf("reading info.bin: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("info.bin is empty")
	}
}

func TestOpenNewRejectsExistingDataDir(t *testing.T) {
	dir := t.TempDir()
	e, err := OpenNew(dir, 8, sophos.UpdateTokenSize, sophos.IndexSize)
	if err != nil {
		t.Fatalf("OpenNew: %v", err)
	}
	defer e.Close()

	if _, err := OpenNew(dir, 8, sophos.UpdateTokenSize, sophos.IndexSize); err == nil {
		t.Fatalf("expected error reopening an existing data dir")
	}
}

func TestOpenExistingRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e, err := OpenNew(dir, 16, sophos.UpdateTokenSize, sophos.IndexSize)
	if err != nil {
		t.Fatalf("OpenNew: %v", err)
	}
	tok := tokenFor(7)
	e.Put(tok, sophos.Index(99))
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenExisting(dir)
	if err != nil {
		t.Fatalf("OpenExisting: %v", err)
	}
	defer reopened.Close()

	got, ok := reopened.Get(tok)
	if !ok || got != 99 {
		t.Fatalf("Get after reopen = (%v, %v), want (99, true)", got, ok)
	}
	if reopened.Entries() != 1 {
		t.Fatalf("Entries() after reopen = %d, want 1", reopened.Entries())
	}
}

func TestOpenExistingMissingInfoFails(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenExisting(dir); err == nil {
		t.Fatalf("expected error opening a directory with no info.bin")
	}
}
