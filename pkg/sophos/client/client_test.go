package client

import (
	"testing"

	"sophos/pkg/sophos"
	"sophos/pkg/sophos/keystore"
)

const testTdpBits = 512

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := ClientSetup(testTdpBits, keystore.NewInMemory())
	if err != nil {
		t.Fatalf("ClientSetup: %v", err)
	}
	return c
}

func TestDerivationKeyStable(t *testing.T) {
	c := newTestClient(t)
	a := c.DerivationKey("cat")
	b := c.DerivationKey("cat")
	if a != b {
		t.Fatalf("DerivationKey not deterministic: %x != %x", a, b)
	}
	if other := c.DerivationKey("dog"); other == a {
		t.Fatalf("DerivationKey collided across distinct keywords")
	}
}

func TestInitialSearchTokenDeterministic(t *testing.T) {
	c := newTestClient(t)
	a := c.InitialSearchToken("cat")
	b := c.InitialSearchToken("cat")
	if string(a) != string(b) {
		t.Fatalf("InitialSearchToken not deterministic")
	}
	if len(a) != c.inverse.TokenSize() {
		t.Fatalf("InitialSearchToken length = %d, want %d", len(a), c.inverse.TokenSize())
	}
}

func TestUpdateAdvancesCounterAndToken(t *testing.T) {
	c := newTestClient(t)

	req1, err := c.Update("cat", sophos.Index(1))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	entry1, ok := c.store.Get("cat")
	if !ok || entry1.Counter != 1 {
		t.Fatalf("after first update, entry = %+v, ok=%v, want counter 1", entry1, ok)
	}

	req2, err := c.Update("cat", sophos.Index(2))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	entry2, ok := c.store.Get("cat")
	if !ok || entry2.Counter != 2 {
		t.Fatalf("after second update, entry = %+v, ok=%v, want counter 2", entry2, ok)
	}

	if string(entry1.Token) == string(entry2.Token) {
		t.Fatalf("search token did not advance between updates")
	}
	if req1.Token == req2.Token {
		t.Fatalf("update tokens collided across successive updates for the same keyword")
	}
}

func TestSearchSnapshotsCurrentState(t *testing.T) {
	c := newTestClient(t)

	empty, err := c.Search("cat")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if empty.AddCount != 0 {
		t.Fatalf("AddCount on never-updated keyword = %d, want 0", empty.AddCount)
	}

	c.Update("cat", sophos.Index(10))
	c.Update("cat", sophos.Index(20))

	req, err := c.Search("cat")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if req.AddCount != 2 {
		t.Fatalf("AddCount = %d, want 2", req.AddCount)
	}
	if req.DerivationKey != c.DerivationKey("cat") {
		t.Fatalf("SearchRequest derivation key does not match DerivationKey(w)")
	}
}

func TestWriteKeysAndOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(t)
	if err := c.WriteKeys(dir); err != nil {
		t.Fatalf("WriteKeys: %v", err)
	}

	reopened, err := ClientOpen(dir, keystore.NewInMemory())
	if err != nil {
		t.Fatalf("ClientOpen: %v", err)
	}

	if c.DerivationKey("cat") != reopened.DerivationKey("cat") {
		t.Fatalf("DerivationKey mismatch after reopen")
	}
	if string(c.InitialSearchToken("cat")) != string(reopened.InitialSearchToken("cat")) {
		t.Fatalf("InitialSearchToken mismatch after reopen")
	}

	pkA, err := c.PublicKeyBytes()
	if err != nil {
		t.Fatalf("PublicKeyBytes: %v", err)
	}
	pkB, err := reopened.PublicKeyBytes()
	if err != nil {
		t.Fatalf("PublicKeyBytes: %v", err)
	}
	if string(pkA) != string(pkB) {
		t.Fatalf("public key mismatch after reopen")
	}
}
