package sophos

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/gob"
	"fmt"
	"math/big"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultTdpBits is the RSA modulus size used by GenerateKeyPair, chosen
// to land SearchToken around the "typ. 256 bytes" spec §3 names.
const DefaultTdpBits = 2048

// SearchToken is a TDP-domain element: the big-endian encoding of an
// integer in [0, N), left-padded to the modulus's byte length. Its length
// is fixed for the lifetime of a database (spec §3).
type SearchToken []byte

// tdpKeyBlob is the gob-serializable shape of a TDP key, used for both
// public and private persisted blobs (spec §6: "raw key blob, length
// backend-defined" — gob is the serialization this repo's teacher already
// uses for everything that crosses a process boundary).
type tdpKeyBlob struct {
	N *big.Int
	E int
	D *big.Int // nil for a public-only blob
}

// Public is the server-side half of a trapdoor permutation: a fast,
// public-exponent modular exponentiation, composable by an integer
// exponent via a single extra modexp (spec §4.2's "fast exponentiation").
type Public struct {
	n         *big.Int
	e         *big.Int
	tokenSize int

	sem *semaphore.Weighted
}

// Inverse is the client-only half: the same permutation evaluated with
// the private exponent, orders of magnitude more expensive than Public's
// forward step (spec §5), which is why per-update chaining happens on the
// client one step at a time rather than server-side in bulk.
type Inverse struct {
	n         *big.Int
	d         *big.Int
	e         *big.Int
	tokenSize int
}

// GenerateKeyPair creates a fresh RSA key pair for use as a trapdoor
// permutation over bits-bit moduli.
func GenerateKeyPair(bits int) (*Inverse, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: generating tdp key: %v", ErrSetup, err)
	}
	return &Inverse{
		n:         key.N,
		d:         key.D,
		e:         big.NewInt(int64(key.E)),
		tokenSize: (key.N.BitLen() + 7) / 8,
	}, nil
}

// PublicKeyBytes returns the gob-encoded public key blob, suitable for
// NewPublicFromBytes on the server and for persistence.
func (inv *Inverse) PublicKeyBytes() ([]byte, error) {
	return encodeTdpBlob(tdpKeyBlob{N: inv.n, E: int(inv.e.Int64())})
}

// PrivateKeyBytes returns the gob-encoded private key blob, written to
// tdp_sk.key by Client.WriteKeys.
func (inv *Inverse) PrivateKeyBytes() ([]byte, error) {
	return encodeTdpBlob(tdpKeyBlob{N: inv.n, E: int(inv.e.Int64()), D: inv.d})
}

// NewInverseFromBytes reconstructs an Inverse from a private key blob
// written by PrivateKeyBytes.
func NewInverseFromBytes(blob []byte) (*Inverse, error) {
	b, err := decodeTdpBlob(blob)
	if err != nil {
		return nil, err
	}
	if b.D == nil {
		return nil, fmt.Errorf("%w: private key blob has no D component", ErrBadKeyMaterial)
	}
	return &Inverse{
		n:         b.N,
		d:         b.D,
		e:         big.NewInt(int64(b.E)),
		tokenSize: (b.N.BitLen() + 7) / 8,
	}, nil
}

// NewPublicFromBytes reconstructs a Public from a public key blob written
// by PublicKeyBytes. workers bounds the internal eval pool; 0 defaults to
// 2x GOMAXPROCS, per spec §4.2.
func NewPublicFromBytes(blob []byte, workers int) (*Public, error) {
	b, err := decodeTdpBlob(blob)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 2 * runtime.GOMAXPROCS(0)
	}
	return &Public{
		n:         b.N,
		e:         big.NewInt(int64(b.E)),
		tokenSize: (b.N.BitLen() + 7) / 8,
		sem:       semaphore.NewWeighted(int64(workers)),
	}, nil
}

func encodeTdpBlob(b tdpKeyBlob) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, fmt.Errorf("%w: encoding tdp key: %v", ErrBadKeyMaterial, err)
	}
	return buf.Bytes(), nil
}

func decodeTdpBlob(blob []byte) (tdpKeyBlob, error) {
	var b tdpKeyBlob
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&b); err != nil {
		return tdpKeyBlob{}, fmt.Errorf("%w: decoding tdp key: %v", ErrBadKeyMaterial, err)
	}
	return b, nil
}

// TokenSize is the fixed byte width of SearchToken values produced by
// this permutation.
func (pub *Public) TokenSize() int { return pub.tokenSize }

// TokenSize is the fixed byte width of SearchToken values produced by
// this permutation.
func (inv *Inverse) TokenSize() int { return inv.tokenSize }

// Eval performs one forward step: x^e mod N.
func (pub *Public) Eval(x SearchToken) SearchToken {
	xi := new(big.Int).SetBytes(x)
	yi := new(big.Int).Exp(xi, pub.e, pub.n)
	return tokenFromInt(yi, pub.tokenSize)
}

// EvalCount applies Eval exactly k times, via a single modexp with
// exponent e^k (an unreduced integer power — see DESIGN.md's Open
// Question 3 for why this is safe for the k this scheme ever calls with).
func (pub *Public) EvalCount(x SearchToken, k uint64) SearchToken {
	if k == 0 {
		out := make(SearchToken, len(x))
		copy(out, x)
		return out
	}
	exponent := new(big.Int).Exp(pub.e, new(big.Int).SetUint64(k), nil)
	xi := new(big.Int).SetBytes(x)
	yi := new(big.Int).Exp(xi, exponent, pub.n)
	return tokenFromInt(yi, pub.tokenSize)
}

// EvalMany computes EvalCount(x, ks[i]) for every i concurrently, bounded
// by Public's internal worker pool (the eval pool spec §4.2 allows
// pre-spawning), and returns results in the same order as ks. This is the
// TDP-eval stage the parallel search variants in pkg/sophos/server drive.
func (pub *Public) EvalMany(ctx context.Context, x SearchToken, ks []uint64) ([]SearchToken, error) {
	out := make([]SearchToken, len(ks))
	var wg sync.WaitGroup
	for i := range ks {
		if err := pub.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			defer pub.sem.Release(1)
			out[i] = pub.EvalCount(x, ks[i])
		}()
	}
	wg.Wait()
	return out, nil
}

// Invert performs one backward step: x^d mod N. It requires the private
// key and is the expensive direction of the permutation.
func (inv *Inverse) Invert(x SearchToken) SearchToken {
	xi := new(big.Int).SetBytes(x)
	yi := new(big.Int).Exp(xi, inv.d, inv.n)
	return tokenFromInt(yi, inv.tokenSize)
}

// Eval lets Inverse also act as the public permutation for round-trip
// tests and for a client that wants to verify its own chain without a
// server.
func (inv *Inverse) Eval(x SearchToken) SearchToken {
	xi := new(big.Int).SetBytes(x)
	yi := new(big.Int).Exp(xi, inv.e, inv.n)
	return tokenFromInt(yi, inv.tokenSize)
}

func tokenFromInt(v *big.Int, size int) SearchToken {
	out := make(SearchToken, size)
	b := v.Bytes()
	copy(out[size-len(b):], b)
	return out
}
