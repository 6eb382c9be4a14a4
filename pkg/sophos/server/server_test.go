package server

import (
	"context"
	"sort"
	"testing"

	"sophos/pkg/sophos"
	"sophos/pkg/sophos/client"
	"sophos/pkg/sophos/keystore"
)

const testTdpBits = 512

func newTestPair(t *testing.T) (*client.Client, *Server) {
	t.Helper()
	c, err := client.ClientSetup(testTdpBits, keystore.NewInMemory())
	if err != nil {
		t.Fatalf("ClientSetup: %v", err)
	}
	pk, err := c.PublicKeyBytes()
	if err != nil {
		t.Fatalf("PublicKeyBytes: %v", err)
	}
	srv, err := ServerSetup(t.TempDir(), 16, pk, 4)
	if err != nil {
		t.Fatalf("ServerSetup: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return c, srv
}

func update(t *testing.T, c *client.Client, srv *Server, w string, ind uint64) {
	t.Helper()
	req, err := c.Update(w, sophos.Index(ind))
	if err != nil {
		t.Fatalf("client.Update(%q, %d): %v", w, ind, err)
	}
	if !srv.Update(req) {
		t.Fatalf("server.Update(%q, %d) failed", w, ind)
	}
}

func indicesOf(resp sophos.SearchResponse) []uint64 {
	out := make([]uint64, len(resp.Indices))
	for i, idx := range resp.Indices {
		out[i] = uint64(idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func assertMultiset(t *testing.T, got []uint64, want []uint64) {
	t.Helper()
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// S1 — single keyword, single update.
func TestS1SingleUpdate(t *testing.T) {
	c, srv := newTestPair(t)
	update(t, c, srv, "cat", 0x123456789ABCDEF0)

	req, err := c.Search("cat")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	resp := srv.Search(req)
	assertMultiset(t, indicesOf(resp), []uint64{0x123456789ABCDEF0})
}

// S2 — interleaved keywords.
func TestS2InterleavedKeywords(t *testing.T) {
	c, srv := newTestPair(t)
	update(t, c, srv, "cat", 1)
	update(t, c, srv, "dog", 2)
	update(t, c, srv, "cat", 3)
	update(t, c, srv, "cat", 4)
	update(t, c, srv, "dog", 5)

	catReq, _ := c.Search("cat")
	assertMultiset(t, indicesOf(srv.Search(catReq)), []uint64{1, 3, 4})

	dogReq, _ := c.Search("dog")
	assertMultiset(t, indicesOf(srv.Search(dogReq)), []uint64{2, 5})

	fishReq, _ := c.Search("fish")
	assertMultiset(t, indicesOf(srv.Search(fishReq)), []uint64{})
}

func TestSearchAddCountZeroIsEmpty(t *testing.T) {
	c, srv := newTestPair(t)
	req, err := c.Search("never-updated")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if req.AddCount != 0 {
		t.Fatalf("AddCount = %d, want 0", req.AddCount)
	}
	resp := srv.Search(req)
	if len(resp.Indices) != 0 {
		t.Fatalf("expected empty result, got %v", resp.Indices)
	}
}

// S5 — parallel consistency across all search variants.
func TestS5ParallelVariantsAgree(t *testing.T) {
	c, srv := newTestPair(t)
	const n = 200
	want := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		update(t, c, srv, "w", i)
		want = append(want, i)
	}

	req, err := c.Search("w")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	seq := indicesOf(srv.Search(req))
	assertMultiset(t, seq, want)

	ctx := context.Background()

	full, err := srv.SearchParallelFull(ctx, req, 4, 4, 4)
	if err != nil {
		t.Fatalf("SearchParallelFull: %v", err)
	}
	assertMultiset(t, indicesOf(full), want)

	access, err := srv.SearchParallelAccess(ctx, req, 8, 4)
	if err != nil {
		t.Fatalf("SearchParallelAccess: %v", err)
	}
	assertMultiset(t, indicesOf(access), want)

	light, err := srv.SearchParallelLight(ctx, req, 4)
	if err != nil {
		t.Fatalf("SearchParallelLight: %v", err)
	}
	assertMultiset(t, indicesOf(light), want)
}

// S6 — missing-entry tolerance: search continues and logs, does not
// panic or return an error, when a token has no EDB entry.
func TestS6MissingEntryTolerance(t *testing.T) {
	c, srv := newTestPair(t)
	update(t, c, srv, "cat", 1)
	update(t, c, srv, "cat", 2)
	update(t, c, srv, "cat", 3)

	// Simulate out-of-band loss: reach into the counter and fabricate a
	// request with one extra phantom step the EDB never saw.
	req, err := c.Search("cat")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	req.AddCount++

	resp := srv.Search(req)
	if len(resp.Indices) != 3 {
		t.Fatalf("got %d indices, want 3 (one missing entry tolerated)", len(resp.Indices))
	}
}
