package types

import (
	"bytes"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"lukechampine.com/blake3"

	coreerrors "purchain/core/errors"
	"purchain/core/params"
	"purchain/core/record"
	"purchain/crypto"
)

// TxType defines the purpose of a transaction.
type TxType byte

const (
	TxTypeTransfer      TxType = 0x01
	TxTypeCoinbase      TxType = 0x02
	TxTypeToken         TxType = 0x03
	TxTypeTransferToken TxType = 0x04
	TxTypeSlave         TxType = 0x05
	TxTypeMessage       TxType = 0x06
	TxTypeLatticePK     TxType = 0x07
)

func (t TxType) String() string {
	switch t {
	case TxTypeTransfer:
		return "transfer"
	case TxTypeCoinbase:
		return "coinbase"
	case TxTypeToken:
		return "token"
	case TxTypeTransferToken:
		return "transfer_token"
	case TxTypeSlave:
		return "slave"
	case TxTypeMessage:
		return "message"
	case TxTypeLatticePK:
		return "lattice_pk"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Payload is the type-specific body of a transaction.
type Payload interface {
	Type() TxType
	encode(enc *record.Encoder)
	affected(set AddressSet)
	validate(p params.Params) error
}

// Transaction carries the fields shared by every transaction type. When
// MasterAddr is set the transaction spends from the master address and is
// signed by a delegated slave key.
type Transaction struct {
	MasterAddr []byte
	Fee        uint64
	PublicKey  []byte
	Signature  []byte
	Nonce      uint64
	Payload    Payload
}

const (
	fieldMasterAddr protowire.Number = 1
	fieldFee        protowire.Number = 2
	fieldPublicKey  protowire.Number = 3
	fieldSignature  protowire.Number = 4
	fieldNonce      protowire.Number = 5
	// Payloads occupy 10 + TxType.
	fieldPayloadBase protowire.Number = 10
)

func (tx *Transaction) Type() TxType {
	if tx.Payload == nil {
		return 0
	}
	return tx.Payload.Type()
}

// encodeBody serialises every field covered by the signature.
func (tx *Transaction) encodeBody(enc *record.Encoder) {
	enc.Bytes(fieldMasterAddr, tx.MasterAddr)
	enc.Uint(fieldFee, tx.Fee)
	enc.Bytes(fieldPublicKey, tx.PublicKey)
	enc.Uint(fieldNonce, tx.Nonce)
	if tx.Payload != nil {
		enc.Message(fieldPayloadBase+protowire.Number(tx.Payload.Type()), tx.Payload.encode)
	}
}

// DataHash is the message signed by the OTS key.
func (tx *Transaction) DataHash() []byte {
	var enc record.Encoder
	tx.encodeBody(&enc)
	sum := blake3.Sum256(enc.Encoded())
	return sum[:]
}

// TxHash identifies the transaction, binding the signature and key.
func (tx *Transaction) TxHash() []byte {
	buf := tx.DataHash()
	buf = append(buf, tx.Signature...)
	buf = append(buf, tx.PublicKey...)
	sum := blake3.Sum256(buf)
	return sum[:]
}

// AddrFromPK is the address of the signing key. Coinbase transactions have
// no key and return nil.
func (tx *Transaction) AddrFromPK() []byte {
	if len(tx.PublicKey) == 0 {
		return nil
	}
	addr, err := crypto.AddressFromPK(tx.PublicKey)
	if err != nil {
		return nil
	}
	return addr
}

// AddrFrom is the address whose balance pays for the transaction.
func (tx *Transaction) AddrFrom() []byte {
	if len(tx.MasterAddr) > 0 {
		return tx.MasterAddr
	}
	return tx.AddrFromPK()
}

// IsSlaveSigned reports whether a delegated key signs for a master address.
func (tx *Transaction) IsSlaveSigned() bool {
	return len(tx.MasterAddr) > 0 && tx.Type() != TxTypeCoinbase
}

// OTSIndex returns the leaf index consumed by the signature.
func (tx *Transaction) OTSIndex() (uint64, error) {
	idx, err := crypto.OTSIndexFromSignature(tx.Signature)
	return uint64(idx), err
}

// TotalAmount is the native-coin amount the sender transfers, excluding the fee.
func (tx *Transaction) TotalAmount() (uint64, error) {
	switch p := tx.Payload.(type) {
	case *TransferPayload:
		return sumAmounts(p.Amounts)
	case *CoinbasePayload:
		return p.Amount, nil
	default:
		return 0, nil
	}
}

// Sign fills PublicKey and Signature using signer.
func (tx *Transaction) Sign(signer crypto.Signer) error {
	tx.PublicKey = signer.PublicKey()
	sig, err := signer.Sign(tx.DataHash())
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// SetAffectedAddresses adds every address the transaction may read or write.
func (tx *Transaction) SetAffectedAddresses(set AddressSet) {
	set.Add(tx.AddrFrom())
	if pkAddr := tx.AddrFromPK(); pkAddr != nil {
		set.Add(pkAddr)
	}
	if tx.Payload != nil {
		tx.Payload.affected(set)
	}
}

// ValidateStatic performs every check that does not need account state.
func (tx *Transaction) ValidateStatic(verifier crypto.Verifier, p params.Params) error {
	if tx.Payload == nil {
		return coreerrors.Validation(coreerrors.CodeMalformed, "missing payload")
	}
	if err := tx.Payload.validate(p); err != nil {
		return err
	}
	if _, err := tx.TotalAmount(); err != nil {
		return err
	}
	if tx.Type() == TxTypeCoinbase {
		if !bytes.Equal(tx.MasterAddr, p.CoinbaseAddress) {
			return coreerrors.Validation(coreerrors.CodeMalformed, "coinbase must spend from the coinbase address")
		}
		if len(tx.PublicKey) != 0 || len(tx.Signature) != 0 || tx.Fee != 0 {
			return coreerrors.Validation(coreerrors.CodeMalformed, "coinbase must be unsigned and fee-free")
		}
		return nil
	}
	pkHeight, err := crypto.HeightFromPK(tx.PublicKey)
	if err != nil {
		return coreerrors.Validation(coreerrors.CodeMalformed, "public key: %v", err)
	}
	sigHeight, err := crypto.HeightFromSignatureSize(len(tx.Signature))
	if err != nil || sigHeight != pkHeight || pkHeight == 0 {
		return coreerrors.Validation(coreerrors.CodeBadSignature, "signature size does not match key height %d", pkHeight)
	}
	idx, err := tx.OTSIndex()
	if err != nil {
		return coreerrors.Validation(coreerrors.CodeBadSignature, "%v", err)
	}
	if idx >= uint64(1)<<pkHeight {
		return coreerrors.Validation(coreerrors.CodeBadSignature, "ots index %d beyond tree of height %d", idx, pkHeight)
	}
	pkAddr := tx.AddrFromPK()
	if pkAddr == nil {
		return coreerrors.Validation(coreerrors.CodeMalformed, "public key does not derive an address")
	}
	if len(tx.MasterAddr) > 0 {
		if err := crypto.ValidateAddress(tx.MasterAddr); err != nil {
			return coreerrors.Validation(coreerrors.CodeMalformed, "master address: %v", err)
		}
		if bytes.Equal(tx.MasterAddr, pkAddr) {
			return coreerrors.Validation(coreerrors.CodeSlavePermission, "master address equals signing address")
		}
	}
	if tx.Fee > math.MaxUint64/2 {
		return coreerrors.Validation(coreerrors.CodeMalformed, "fee %d out of range", tx.Fee)
	}
	if verifier == nil || !verifier.Verify(tx.DataHash(), tx.Signature, tx.PublicKey) {
		return coreerrors.Validation(coreerrors.CodeBadSignature, "signature verification failed")
	}
	return nil
}

// Marshal encodes the full transaction, signature included.
func (tx *Transaction) Marshal() []byte {
	var enc record.Encoder
	tx.encode(&enc)
	return enc.Encoded()
}

func (tx *Transaction) encode(enc *record.Encoder) {
	tx.encodeBody(enc)
	enc.Bytes(fieldSignature, tx.Signature)
}

// UnmarshalTransaction decodes a transaction produced by Marshal.
func UnmarshalTransaction(b []byte) (*Transaction, error) {
	tx := new(Transaction)
	err := record.Decode(b, func(num protowire.Number, f record.Field) error {
		switch num {
		case fieldMasterAddr:
			tx.MasterAddr = f.BytesCopy()
		case fieldFee:
			tx.Fee = f.Varint
		case fieldPublicKey:
			tx.PublicKey = f.BytesCopy()
		case fieldSignature:
			tx.Signature = f.BytesCopy()
		case fieldNonce:
			tx.Nonce = f.Varint
		default:
			if num <= fieldPayloadBase {
				return nil
			}
			if err := record.ExpectBytes(num, f); err != nil {
				return err
			}
			payload, err := decodePayload(TxType(num-fieldPayloadBase), f.Bytes)
			if err != nil {
				return err
			}
			if tx.Payload != nil {
				return fmt.Errorf("%w: multiple payloads", record.ErrMalformed)
			}
			tx.Payload = payload
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tx.Payload == nil {
		return nil, fmt.Errorf("%w: transaction without payload", record.ErrMalformed)
	}
	return tx, nil
}

func sumAmounts(amounts []uint64) (uint64, error) {
	var total uint64
	for _, amount := range amounts {
		if total > math.MaxUint64-amount {
			return 0, coreerrors.Validation(coreerrors.CodeMalformed, "amount overflow")
		}
		total += amount
	}
	return total, nil
}
