package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	DescriptorSize = 3
	PKSize         = DescriptorSize + 64
	AddressSize    = DescriptorSize + 32 + 4

	// SigTypeOTS is the only signature type accepted by the ledger.
	SigTypeOTS byte = 0

	// MaxTreeHeight bounds the leaf tree height a descriptor may declare.
	MaxTreeHeight = 30

	minSignatureSize = 4 + 32 + 67*32
)

var (
	ErrInvalidAddress   = errors.New("crypto: invalid address")
	ErrInvalidPK        = errors.New("crypto: invalid public key")
	ErrInvalidSignature = errors.New("crypto: invalid signature size")
)

// Descriptor is the 3-byte signature scheme descriptor embedded at the front
// of every public key and address.
type Descriptor [DescriptorSize]byte

// NewDescriptor builds a descriptor for the given tree height and hash function.
func NewDescriptor(height uint8, hashFunction byte) Descriptor {
	var d Descriptor
	d[0] = SigTypeOTS<<4 | hashFunction&0x0F
	d[1] = (height / 2) & 0x0F
	return d
}

// SignatureType returns the high nibble of the first descriptor byte.
func (d Descriptor) SignatureType() byte { return d[0] >> 4 }

// HashFunction returns the low nibble of the first descriptor byte.
func (d Descriptor) HashFunction() byte { return d[0] & 0x0F }

// Height returns the leaf tree height.
func (d Descriptor) Height() uint8 { return (d[1] & 0x0F) * 2 }

// NumberOfSignatures returns 2^height.
func (d Descriptor) NumberOfSignatures() uint64 { return uint64(1) << d.Height() }

func descriptorFrom(b []byte) Descriptor {
	var d Descriptor
	copy(d[:], b[:DescriptorSize])
	return d
}

// AddressFromPK derives the ledger address for an extended public key.
func AddressFromPK(pk []byte) ([]byte, error) {
	if len(pk) != PKSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPK, len(pk))
	}
	desc := descriptorFrom(pk)
	if desc.SignatureType() != SigTypeOTS {
		return nil, fmt.Errorf("%w: unsupported signature type %d", ErrInvalidPK, desc.SignatureType())
	}
	pkHash := sha256.Sum256(pk)
	addr := make([]byte, 0, AddressSize)
	addr = append(addr, desc[:]...)
	addr = append(addr, pkHash[:]...)
	checksum := sha256.Sum256(addr)
	addr = append(addr, checksum[len(checksum)-4:]...)
	return addr, nil
}

// ValidateAddress checks length, descriptor and checksum.
func ValidateAddress(addr []byte) error {
	if len(addr) != AddressSize {
		return fmt.Errorf("%w: length %d", ErrInvalidAddress, len(addr))
	}
	desc := descriptorFrom(addr)
	if desc.SignatureType() != SigTypeOTS {
		return fmt.Errorf("%w: signature type %d", ErrInvalidAddress, desc.SignatureType())
	}
	if desc.Height() == 0 || desc.Height() > MaxTreeHeight {
		return fmt.Errorf("%w: tree height %d", ErrInvalidAddress, desc.Height())
	}
	checksum := sha256.Sum256(addr[:AddressSize-4])
	if !bytes.Equal(checksum[len(checksum)-4:], addr[AddressSize-4:]) {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return nil
}

// HeightFromAddress returns the tree height encoded in the address descriptor.
func HeightFromAddress(addr []byte) (uint8, error) {
	if len(addr) < DescriptorSize {
		return 0, fmt.Errorf("%w: length %d", ErrInvalidAddress, len(addr))
	}
	return descriptorFrom(addr).Height(), nil
}

// HeightFromPK returns the tree height encoded in the public key descriptor.
func HeightFromPK(pk []byte) (uint8, error) {
	if len(pk) != PKSize {
		return 0, fmt.Errorf("%w: got %d bytes", ErrInvalidPK, len(pk))
	}
	return descriptorFrom(pk).Height(), nil
}

// SignatureSize returns the signature length produced by a tree of the given height.
func SignatureSize(height uint8) int {
	return minSignatureSize + int(height)*32
}

// HeightFromSignatureSize inverts SignatureSize.
func HeightFromSignatureSize(size int) (uint8, error) {
	if size < minSignatureSize {
		return 0, fmt.Errorf("%w: %d < %d", ErrInvalidSignature, size, minSignatureSize)
	}
	if (size-4)%32 != 0 {
		return 0, fmt.Errorf("%w: %d not aligned", ErrInvalidSignature, size)
	}
	return uint8((size - minSignatureSize) / 32), nil
}

// OTSIndexFromSignature extracts the leaf index a signature was produced with.
func OTSIndexFromSignature(sig []byte) (uint32, error) {
	if len(sig) < 4 {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidSignature, len(sig))
	}
	return binary.BigEndian.Uint32(sig[:4]), nil
}
