package sophos

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Prf is a keyed pseudo-random function over arbitrary-length byte
// strings, built from HMAC-SHA256 the same way the teacher's own PrfF
// helpers are (pkg/utils/cryptoUtil.go, util/util.go). It never retains
// its key beyond construction time in any exported field and is not
// logged by any caller in this package.
type Prf struct {
	key []byte
}

// NewPrf returns a Prf keyed by key. The caller retains ownership of key;
// Prf copies it internally.
func NewPrf(key []byte) *Prf {
	k := make([]byte, len(key))
	copy(k, key)
	return &Prf{key: k}
}

// Output computes PRF_key(input) and returns exactly size bytes. Requested
// sizes up to one HMAC-SHA256 digest (32 bytes) are served directly from
// the HMAC digest; wider requests are extended with
// HKDF-Expand seeded by that digest, per spec §9's width-matching rule.
func (p *Prf) Output(input []byte, size int) []byte {
	mac := hmac.New(sha256.New, p.key)
	mac.Write(input)
	seed := mac.Sum(nil)

	if size <= len(seed) {
		out := make([]byte, size)
		copy(out, seed[:size])
		return out
	}

	out := make([]byte, size)
	kdf := hkdf.Expand(sha256.New, seed, nil)
	if _, err := io.ReadFull(kdf, out); err != nil {
		// hkdf.Expand only fails for unreasonably large outputs; a
		// UpdateToken/Index-sized request never hits this path.
		panic(err)
	}
	return out
}

// DeriveUpdateToken computes the PRF_Kw(s || '0') step of spec §4.1,
// where s is the big-endian byte encoding of a search-token-domain
// element.
func (p *Prf) DeriveUpdateToken(s []byte) UpdateToken {
	var ut UpdateToken
	copy(ut[:], p.Output(append(append([]byte{}, s...), updateTokenTag), UpdateTokenSize))
	return ut
}

// DeriveMask computes the PRF_Kw(s || '1') step of spec §4.1, the XOR
// mask applied to (and later removed from) the stored index.
func (p *Prf) DeriveMask(s []byte) []byte {
	return p.Output(append(append([]byte{}, s...), maskTag), IndexSize)
}
