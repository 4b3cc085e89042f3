package types

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	coreerrors "purchain/core/errors"
	"purchain/core/params"
	"purchain/core/record"
	"purchain/crypto"
)

// Slave access types.
const (
	AccessTypeFull   uint32 = 0
	AccessTypeMining uint32 = 1
)

// TokenTxHashSize is the length of a token identifier.
const TokenTxHashSize = 32

// MaxTokenDecimals bounds Token.Decimals so 10^decimals fits in a uint64.
const MaxTokenDecimals = 19

type TransferPayload struct {
	AddrsTo     [][]byte
	Amounts     []uint64
	MessageData []byte
}

func (*TransferPayload) Type() TxType { return TxTypeTransfer }

func (p *TransferPayload) encode(enc *record.Encoder) {
	enc.RepeatedBytes(1, p.AddrsTo)
	for _, amount := range p.Amounts {
		enc.Message(2, func(inner *record.Encoder) { inner.Uint(1, amount) })
	}
	enc.Bytes(3, p.MessageData)
}

func (p *TransferPayload) affected(set AddressSet) {
	for _, addr := range p.AddrsTo {
		set.Add(addr)
	}
}

func (p *TransferPayload) validate(pr params.Params) error {
	if err := validateOutputs(p.AddrsTo, p.Amounts, pr); err != nil {
		return err
	}
	if len(p.MessageData) > pr.MaxMessageLength {
		return coreerrors.Validation(coreerrors.CodeMalformed, "message data exceeds %d bytes", pr.MaxMessageLength)
	}
	return nil
}

type CoinbasePayload struct {
	AddrTo []byte
	Amount uint64
}

func (*CoinbasePayload) Type() TxType { return TxTypeCoinbase }

func (p *CoinbasePayload) encode(enc *record.Encoder) {
	enc.Bytes(1, p.AddrTo)
	enc.Uint(2, p.Amount)
}

func (p *CoinbasePayload) affected(set AddressSet) {
	set.Add(p.AddrTo)
}

func (p *CoinbasePayload) validate(params.Params) error {
	if err := crypto.ValidateAddress(p.AddrTo); err != nil {
		return coreerrors.Validation(coreerrors.CodeMalformed, "coinbase recipient: %v", err)
	}
	return nil
}

// AddressAmount is one initial token allocation.
type AddressAmount struct {
	Address []byte
	Amount  uint64
}

type TokenPayload struct {
	Symbol          []byte
	Name            []byte
	Owner           []byte
	Decimals        uint64
	InitialBalances []AddressAmount
}

func (*TokenPayload) Type() TxType { return TxTypeToken }

func (p *TokenPayload) encode(enc *record.Encoder) {
	enc.Bytes(1, p.Symbol)
	enc.Bytes(2, p.Name)
	enc.Bytes(3, p.Owner)
	enc.Uint(4, p.Decimals)
	for _, bal := range p.InitialBalances {
		bal := bal
		enc.Message(5, func(inner *record.Encoder) {
			inner.Bytes(1, bal.Address)
			inner.Uint(2, bal.Amount)
		})
	}
}

func (p *TokenPayload) affected(set AddressSet) {
	set.Add(p.Owner)
	for _, bal := range p.InitialBalances {
		set.Add(bal.Address)
	}
}

func (p *TokenPayload) validate(pr params.Params) error {
	if len(p.Symbol) == 0 || len(p.Symbol) > pr.MaxTokenSymbolLength {
		return coreerrors.Validation(coreerrors.CodeBadToken, "symbol length %d outside 1..%d", len(p.Symbol), pr.MaxTokenSymbolLength)
	}
	if len(p.Name) == 0 || len(p.Name) > pr.MaxTokenNameLength {
		return coreerrors.Validation(coreerrors.CodeBadToken, "name length %d outside 1..%d", len(p.Name), pr.MaxTokenNameLength)
	}
	if p.Decimals > MaxTokenDecimals {
		return coreerrors.Validation(coreerrors.CodeBadToken, "decimals %d exceed %d", p.Decimals, MaxTokenDecimals)
	}
	if err := crypto.ValidateAddress(p.Owner); err != nil {
		return coreerrors.Validation(coreerrors.CodeBadToken, "owner: %v", err)
	}
	addrs := make([][]byte, len(p.InitialBalances))
	amounts := make([]uint64, len(p.InitialBalances))
	for i, bal := range p.InitialBalances {
		addrs[i] = bal.Address
		amounts[i] = bal.Amount
	}
	return validateOutputs(addrs, amounts, pr)
}

type TransferTokenPayload struct {
	TokenTxHash []byte
	AddrsTo     [][]byte
	Amounts     []uint64
}

func (*TransferTokenPayload) Type() TxType { return TxTypeTransferToken }

func (p *TransferTokenPayload) encode(enc *record.Encoder) {
	enc.Bytes(1, p.TokenTxHash)
	enc.RepeatedBytes(2, p.AddrsTo)
	for _, amount := range p.Amounts {
		enc.Message(3, func(inner *record.Encoder) { inner.Uint(1, amount) })
	}
}

func (p *TransferTokenPayload) affected(set AddressSet) {
	for _, addr := range p.AddrsTo {
		set.Add(addr)
	}
}

func (p *TransferTokenPayload) validate(pr params.Params) error {
	if len(p.TokenTxHash) != TokenTxHashSize {
		return coreerrors.Validation(coreerrors.CodeBadToken, "token reference must be %d bytes", TokenTxHashSize)
	}
	return validateOutputs(p.AddrsTo, p.Amounts, pr)
}

// TokenAmount returns the total token amount transferred.
func (p *TransferTokenPayload) TokenAmount() (uint64, error) {
	return sumAmounts(p.Amounts)
}

type SlavePayload struct {
	SlavePKs    [][]byte
	AccessTypes []uint32
}

func (*SlavePayload) Type() TxType { return TxTypeSlave }

func (p *SlavePayload) encode(enc *record.Encoder) {
	enc.RepeatedBytes(1, p.SlavePKs)
	for _, at := range p.AccessTypes {
		enc.Message(2, func(inner *record.Encoder) { inner.Uint(1, uint64(at)) })
	}
}

func (p *SlavePayload) affected(AddressSet) {}

func (p *SlavePayload) validate(pr params.Params) error {
	if len(p.SlavePKs) == 0 || len(p.SlavePKs) > pr.MaxSlavesPerTx {
		return coreerrors.Validation(coreerrors.CodeMalformed, "slave count %d outside 1..%d", len(p.SlavePKs), pr.MaxSlavesPerTx)
	}
	if len(p.SlavePKs) != len(p.AccessTypes) {
		return coreerrors.Validation(coreerrors.CodeMalformed, "slave keys and access types differ in length")
	}
	seen := make(map[string]struct{}, len(p.SlavePKs))
	for i, pk := range p.SlavePKs {
		if _, err := crypto.AddressFromPK(pk); err != nil {
			return coreerrors.Validation(coreerrors.CodeMalformed, "slave key %d: %v", i, err)
		}
		if p.AccessTypes[i] != AccessTypeFull && p.AccessTypes[i] != AccessTypeMining {
			return coreerrors.Validation(coreerrors.CodeMalformed, "slave key %d: unknown access type %d", i, p.AccessTypes[i])
		}
		if _, dup := seen[string(pk)]; dup {
			return coreerrors.Validation(coreerrors.CodeMalformed, "slave key %d duplicated", i)
		}
		seen[string(pk)] = struct{}{}
	}
	return nil
}

type MessagePayload struct {
	MessageHash []byte
	AddrTo      []byte
}

func (*MessagePayload) Type() TxType { return TxTypeMessage }

func (p *MessagePayload) encode(enc *record.Encoder) {
	enc.Bytes(1, p.MessageHash)
	enc.Bytes(2, p.AddrTo)
}

func (p *MessagePayload) affected(set AddressSet) {
	if len(p.AddrTo) > 0 {
		set.Add(p.AddrTo)
	}
}

func (p *MessagePayload) validate(pr params.Params) error {
	if len(p.MessageHash) == 0 || len(p.MessageHash) > pr.MaxMessageLength {
		return coreerrors.Validation(coreerrors.CodeMalformed, "message length %d outside 1..%d", len(p.MessageHash), pr.MaxMessageLength)
	}
	if len(p.AddrTo) > 0 {
		if err := crypto.ValidateAddress(p.AddrTo); err != nil {
			return coreerrors.Validation(coreerrors.CodeMalformed, "message recipient: %v", err)
		}
	}
	return nil
}

type LatticePKPayload struct {
	PK1 []byte
	PK2 []byte
	PK3 []byte
}

func (*LatticePKPayload) Type() TxType { return TxTypeLatticePK }

func (p *LatticePKPayload) encode(enc *record.Encoder) {
	enc.Bytes(1, p.PK1)
	enc.Bytes(2, p.PK2)
	enc.Bytes(3, p.PK3)
}

func (p *LatticePKPayload) affected(AddressSet) {}

func (p *LatticePKPayload) validate(params.Params) error {
	if len(p.PK1) == 0 || len(p.PK2) == 0 || len(p.PK3) == 0 {
		return coreerrors.Validation(coreerrors.CodeMalformed, "lattice keys must not be empty")
	}
	return nil
}

func validateOutputs(addrs [][]byte, amounts []uint64, pr params.Params) error {
	if len(addrs) == 0 {
		return coreerrors.Validation(coreerrors.CodeMalformed, "no outputs")
	}
	if len(addrs) != len(amounts) {
		return coreerrors.Validation(coreerrors.CodeMalformed, "%d addresses but %d amounts", len(addrs), len(amounts))
	}
	if len(addrs) > pr.MaxMultiOutputs {
		return coreerrors.Validation(coreerrors.CodeMalformed, "%d outputs exceed limit %d", len(addrs), pr.MaxMultiOutputs)
	}
	for i, addr := range addrs {
		if err := crypto.ValidateAddress(addr); err != nil {
			return coreerrors.Validation(coreerrors.CodeMalformed, "output %d: %v", i, err)
		}
		if amounts[i] == 0 {
			return coreerrors.Validation(coreerrors.CodeMalformed, "output %d: zero amount", i)
		}
	}
	_, err := sumAmounts(amounts)
	return err
}

func decodeAmounts(f record.Field, num protowire.Number, dst *[]uint64) error {
	if err := record.ExpectBytes(num, f); err != nil {
		return err
	}
	var amount uint64
	err := record.Decode(f.Bytes, func(n protowire.Number, inner record.Field) error {
		if n == 1 {
			amount = inner.Varint
		}
		return nil
	})
	if err != nil {
		return err
	}
	*dst = append(*dst, amount)
	return nil
}

func decodePayload(typ TxType, b []byte) (Payload, error) {
	switch typ {
	case TxTypeTransfer:
		p := new(TransferPayload)
		return p, record.Decode(b, func(num protowire.Number, f record.Field) error {
			switch num {
			case 1:
				p.AddrsTo = append(p.AddrsTo, f.BytesCopy())
			case 2:
				return decodeAmounts(f, num, &p.Amounts)
			case 3:
				p.MessageData = f.BytesCopy()
			}
			return nil
		})
	case TxTypeCoinbase:
		p := new(CoinbasePayload)
		return p, record.Decode(b, func(num protowire.Number, f record.Field) error {
			switch num {
			case 1:
				p.AddrTo = f.BytesCopy()
			case 2:
				p.Amount = f.Varint
			}
			return nil
		})
	case TxTypeToken:
		p := new(TokenPayload)
		return p, record.Decode(b, func(num protowire.Number, f record.Field) error {
			switch num {
			case 1:
				p.Symbol = f.BytesCopy()
			case 2:
				p.Name = f.BytesCopy()
			case 3:
				p.Owner = f.BytesCopy()
			case 4:
				p.Decimals = f.Varint
			case 5:
				var bal AddressAmount
				err := record.Decode(f.Bytes, func(n protowire.Number, inner record.Field) error {
					switch n {
					case 1:
						bal.Address = inner.BytesCopy()
					case 2:
						bal.Amount = inner.Varint
					}
					return nil
				})
				if err != nil {
					return err
				}
				p.InitialBalances = append(p.InitialBalances, bal)
			}
			return nil
		})
	case TxTypeTransferToken:
		p := new(TransferTokenPayload)
		return p, record.Decode(b, func(num protowire.Number, f record.Field) error {
			switch num {
			case 1:
				p.TokenTxHash = f.BytesCopy()
			case 2:
				p.AddrsTo = append(p.AddrsTo, f.BytesCopy())
			case 3:
				return decodeAmounts(f, num, &p.Amounts)
			}
			return nil
		})
	case TxTypeSlave:
		p := new(SlavePayload)
		return p, record.Decode(b, func(num protowire.Number, f record.Field) error {
			switch num {
			case 1:
				p.SlavePKs = append(p.SlavePKs, f.BytesCopy())
			case 2:
				var at []uint64
				if err := decodeAmounts(f, num, &at); err != nil {
					return err
				}
				p.AccessTypes = append(p.AccessTypes, uint32(at[0]))
			}
			return nil
		})
	case TxTypeMessage:
		p := new(MessagePayload)
		return p, record.Decode(b, func(num protowire.Number, f record.Field) error {
			switch num {
			case 1:
				p.MessageHash = f.BytesCopy()
			case 2:
				p.AddrTo = f.BytesCopy()
			}
			return nil
		})
	case TxTypeLatticePK:
		p := new(LatticePKPayload)
		return p, record.Decode(b, func(num protowire.Number, f record.Field) error {
			switch num {
			case 1:
				p.PK1 = f.BytesCopy()
			case 2:
				p.PK2 = f.BytesCopy()
			case 3:
				p.PK3 = f.BytesCopy()
			}
			return nil
		})
	default:
		return nil, fmt.Errorf("%w: unknown transaction type %d", record.ErrMalformed, byte(typ))
	}
}
