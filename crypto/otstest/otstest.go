// Package otstest provides a deterministic, insecure stand-in for the native
// one-time-signature scheme. Signatures have the real size and index layout
// but are verifiable from public data alone; use only in tests.
package otstest

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"purchain/crypto"
)

// Signer is a fake stateful OTS key.
type Signer struct {
	pk      []byte
	address []byte
	height  uint8
	index   uint32
}

// NewSigner derives a key of the given tree height from seed.
func NewSigner(seed byte, height uint8) *Signer {
	desc := crypto.NewDescriptor(height, 0)
	root := sha256.Sum256([]byte{seed, 'r'})
	pubSeed := sha256.Sum256([]byte{seed, 'p'})
	pk := make([]byte, 0, crypto.PKSize)
	pk = append(pk, desc[:]...)
	pk = append(pk, root[:]...)
	pk = append(pk, pubSeed[:]...)
	addr, err := crypto.AddressFromPK(pk)
	if err != nil {
		panic(err)
	}
	return &Signer{pk: pk, address: addr, height: height}
}

func (s *Signer) PublicKey() []byte       { return append([]byte(nil), s.pk...) }
func (s *Signer) Address() []byte         { return append([]byte(nil), s.address...) }
func (s *Signer) Height() uint8           { return s.height }
func (s *Signer) OTSIndex() uint32        { return s.index }
func (s *Signer) SetOTSIndex(index uint32) { s.index = index }

// Sign produces a signature with the current index and advances it.
func (s *Signer) Sign(message []byte) ([]byte, error) {
	if uint64(s.index) >= uint64(1)<<s.height {
		return nil, fmt.Errorf("otstest: key exhausted at index %d", s.index)
	}
	sig := make([]byte, crypto.SignatureSize(s.height))
	binary.BigEndian.PutUint32(sig[:4], s.index)
	d := digest(s.pk, s.index, message)
	copy(sig[4:], d[:])
	s.index++
	return sig, nil
}

// Verifier checks signatures produced by Signer.
type Verifier struct{}

func (Verifier) Verify(message, signature, publicKey []byte) bool {
	height, err := crypto.HeightFromSignatureSize(len(signature))
	if err != nil {
		return false
	}
	pkHeight, err := crypto.HeightFromPK(publicKey)
	if err != nil || pkHeight != height {
		return false
	}
	index := binary.BigEndian.Uint32(signature[:4])
	d := digest(publicKey, index, message)
	return bytes.Equal(signature[4:4+len(d)], d[:])
}

func digest(pk []byte, index uint32, message []byte) [32]byte {
	buf := make([]byte, 0, len(pk)+4+len(message))
	buf = append(buf, pk...)
	buf = binary.BigEndian.AppendUint32(buf, index)
	buf = append(buf, message...)
	return sha256.Sum256(buf)
}

// Address returns an address with the given tree height derived from seed.
func Address(seed byte, height uint8) []byte {
	return NewSigner(seed, height).Address()
}
