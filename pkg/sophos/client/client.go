// Package client implements the keyword derivation and per-keyword
// chaining logic C4 (spec §4.4, §4.6) owns: PRF master key, TDP private
// key, and the update/search request builders that drive the keyword
// store collaborator.
package client

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"sophos/pkg/sophos"
	"sophos/pkg/sophos/keystore"
)

const (
	tdpKeyFile    = "tdp_sk.key"
	masterKeyFile = "derivation_master.key"
)

// Client holds the master key material and TDP private key a single
// client process uses to derive per-keyword state and issue
// UpdateRequest/SearchRequest messages (spec §4.4).
type Client struct {
	masterKey []byte
	prf       *sophos.Prf
	inverse   *sophos.Inverse
	store     keystore.Store
}

// ClientSetup generates a fresh TDP key pair and a random PRF master key,
// returning a Client ready to issue updates and searches (spec §4.7).
// store is the keyword bookkeeping collaborator; pass keystore.NewInMemory()
// for a process-local client.
func ClientSetup(tdpBits int, store keystore.Store) (*Client, error) {
	if tdpBits <= 0 {
		tdpBits = sophos.DefaultTdpBits
	}
	inv, err := sophos.GenerateKeyPair(tdpBits)
	if err != nil {
		return nil, err
	}
	master := make([]byte, sophos.DerivationKeySize)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("%w: generating master key: %v", sophos.ErrSetup, err)
	}
	return &Client{
		masterKey: master,
		prf:       sophos.NewPrf(master),
		inverse:   inv,
		store:     store,
	}, nil
}

// ClientOpen reconstructs a Client from tdp_sk.key and
// derivation_master.key written by WriteKeys (spec §4.7).
func ClientOpen(dir string, store keystore.Store) (*Client, error) {
	skBlob, err := os.ReadFile(filepath.Join(dir, tdpKeyFile))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", sophos.ErrBadKeyMaterial, tdpKeyFile, err)
	}
	inv, err := sophos.NewInverseFromBytes(skBlob)
	if err != nil {
		return nil, err
	}
	master, err := os.ReadFile(filepath.Join(dir, masterKeyFile))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", sophos.ErrBadKeyMaterial, masterKeyFile, err)
	}
	if len(master) != sophos.DerivationKeySize {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", sophos.ErrBadKeyMaterial, masterKeyFile, len(master), sophos.DerivationKeySize)
	}
	return &Client{
		masterKey: master,
		prf:       sophos.NewPrf(master),
		inverse:   inv,
		store:     store,
	}, nil
}

// WriteKeys persists the TDP private key and PRF master key to dir
// (spec §4.4, §6).
func (c *Client) WriteKeys(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", sophos.ErrSetup, dir)
	}
	skBlob, err := c.inverse.PrivateKeyBytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, tdpKeyFile), skBlob, 0600); err != nil {
		return fmt.Errorf("%w: writing %s: %v", sophos.ErrSetup, tdpKeyFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, masterKeyFile), c.masterKey, 0600); err != nil {
		return fmt.Errorf("%w: writing %s: %v", sophos.ErrSetup, masterKeyFile, err)
	}
	return nil
}

// PublicKeyBytes returns the TDP public key blob to hand to the server
// via ServerSetup.
func (c *Client) PublicKeyBytes() ([]byte, error) {
	return c.inverse.PublicKeyBytes()
}

// DerivationKey computes Kw = F_K(w || tag_D), the per-keyword PRF key
// the server uses to re-derive update tokens and masks (spec §4.4).
func (c *Client) DerivationKey(w string) sophos.DerivationKey {
	var dk sophos.DerivationKey
	copy(dk[:], c.prf.Output(append([]byte(w), []byte(sophos.DerivationTag)...), sophos.DerivationKeySize))
	return dk
}

// InitialSearchToken computes st⁰_w, the keyword's first search token,
// mapped into the TDP domain by truncating/padding a PRF output to the
// TDP's token size (spec §4.4).
func (c *Client) InitialSearchToken(w string) sophos.SearchToken {
	size := c.inverse.TokenSize()
	out := c.prf.Output(append([]byte(w), []byte(sophos.SearchTag)...), size)
	// Clear the top bit so the value is below 2^(size*8-1): the PRF output
	// is an arbitrary size-byte string, and that bound keeps it in [0, N)
	// whenever N's bit length is exactly size*8, as it is for a modulus
	// size that is a multiple of 8 such as DefaultTdpBits.
	out[0] &^= 0x80
	return sophos.SearchToken(out)
}

// Update advances w's chain by one step and returns the UpdateRequest the
// caller sends to the server (spec §4.6).
func (c *Client) Update(w string, ind sophos.Index) (sophos.UpdateRequest, error) {
	entry, ok := c.store.Get(w)
	if !ok {
		entry = keystore.Entry{Token: c.InitialSearchToken(w), Counter: 0}
	}

	next := c.inverse.Invert(entry.Token)
	kw := c.derivationPrf(w)
	ut := kw.DeriveUpdateToken(next)
	mask := kw.DeriveMask(next)

	c.store.Set(w, keystore.Entry{Token: next, Counter: entry.Counter + 1})

	return sophos.UpdateRequest{
		Token: ut,
		Index: sophos.XorMask(ind, mask),
	}, nil
}

// Search snapshots w's current (token, counter) and returns the
// SearchRequest the caller sends to the server (spec §4.4).
func (c *Client) Search(w string) (sophos.SearchRequest, error) {
	entry, ok := c.store.Get(w)
	if !ok {
		entry = keystore.Entry{Token: c.InitialSearchToken(w), Counter: 0}
	}
	return sophos.SearchRequest{
		DerivationKey: c.DerivationKey(w),
		Token:         entry.Token,
		AddCount:      entry.Counter,
	}, nil
}

// derivationPrf returns a Prf keyed by w's derivation key, the same one
// a server reconstructs from SearchRequest.DerivationKey.
func (c *Client) derivationPrf(w string) *sophos.Prf {
	dk := c.DerivationKey(w)
	return sophos.NewPrf(dk[:])
}
