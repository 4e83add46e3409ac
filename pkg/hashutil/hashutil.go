// Package hashutil implements the pluggable content-hash capability used
// to compare source and destination files during a copy.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"

	"github.com/cuemby/portage/pkg/types"
)

// Hasher accumulates bytes and produces a hex-encoded digest. Callers
// write the full content through Write, then read Sum once.
type Hasher interface {
	Write(p []byte) (int, error)
	Sum() string
}

// New resolves the hasher capability for a given algorithm name. It is
// called once at bucket-manager construction to check the algorithm and
// then for every hash a copy computes; no algorithm is held as global
// state.
func New(algo types.HashAlgorithm) (Hasher, error) {
	switch algo {
	case types.HashSHA256, "":
		return &stdHasher{h: sha256.New()}, nil
	case types.HashXXHash64:
		return &xxhash64Hasher{h: xxhash.New()}, nil
	case types.HashXXHash3:
		return &xxhash3Hasher{h: xxh3.New()}, nil
	default:
		return nil, fmt.Errorf("hashutil: unrecognized algorithm %q", algo)
	}
}

type stdHasher struct{ h hash.Hash }

func (s *stdHasher) Write(p []byte) (int, error) { return s.h.Write(p) }
func (s *stdHasher) Sum() string                 { return hex.EncodeToString(s.h.Sum(nil)) }

type xxhash64Hasher struct{ h *xxhash.Digest }

func (x *xxhash64Hasher) Write(p []byte) (int, error) { return x.h.Write(p) }
func (x *xxhash64Hasher) Sum() string                 { return fmt.Sprintf("%016x", x.h.Sum64()) }

type xxhash3Hasher struct{ h *xxh3.Hasher }

func (x *xxhash3Hasher) Write(p []byte) (int, error) { return x.h.Write(p) }
func (x *xxhash3Hasher) Sum() string                 { return fmt.Sprintf("%016x", x.h.Sum128().Lo) }
