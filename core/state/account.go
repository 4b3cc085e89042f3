package state

import (
	"bytes"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"purchain/core/params"
	"purchain/core/record"
	"purchain/crypto"
)

// Account record versions. The first byte of every persisted account selects
// the decoder.
const (
	accountRecordV1 byte = 1
	accountRecordV2 byte = 2

	currentAccountRecord = accountRecordV2
)

// SlaveDescriptor is a key delegated by a master address. The slave consumes
// OTS indices under its own address, derived from PublicKey.
type SlaveDescriptor struct {
	PublicKey  []byte
	AccessType uint32
}

// Address returns the address whose bitfield tracks the slave key.
func (s SlaveDescriptor) Address() ([]byte, error) {
	return crypto.AddressFromPK(s.PublicKey)
}

// AccountState is the persisted view of one address.
type AccountState struct {
	Address             []byte
	Balance             uint64
	Nonce               uint64
	OTSBitfieldUsedPage uint64
	// Tokens maps a token's creating transaction hash to the balance held.
	// Zero balances are removed.
	Tokens map[string]uint64
	Slaves []SlaveDescriptor
}

// DefaultAccountState is the state of an address never seen on chain.
func DefaultAccountState(addr []byte, p params.Params) *AccountState {
	return &AccountState{
		Address: append([]byte(nil), addr...),
		Balance: p.DefaultAccountBalance,
		Tokens:  make(map[string]uint64),
	}
}

// Clone returns a deep copy.
func (a *AccountState) Clone() *AccountState {
	out := &AccountState{
		Address:             append([]byte(nil), a.Address...),
		Balance:             a.Balance,
		Nonce:               a.Nonce,
		OTSBitfieldUsedPage: a.OTSBitfieldUsedPage,
		Tokens:              make(map[string]uint64, len(a.Tokens)),
	}
	for k, v := range a.Tokens {
		out.Tokens[k] = v
	}
	if len(a.Slaves) > 0 {
		out.Slaves = make([]SlaveDescriptor, len(a.Slaves))
		for i, s := range a.Slaves {
			out.Slaves[i] = SlaveDescriptor{PublicKey: append([]byte(nil), s.PublicKey...), AccessType: s.AccessType}
		}
	}
	return out
}

// TokenBalance returns the balance held of the given token.
func (a *AccountState) TokenBalance(tokenTxHash []byte) uint64 {
	return a.Tokens[string(tokenTxHash)]
}

// Slave returns the delegation for pk, if any.
func (a *AccountState) Slave(pk []byte) (SlaveDescriptor, bool) {
	for _, s := range a.Slaves {
		if bytes.Equal(s.PublicKey, pk) {
			return s, true
		}
	}
	return SlaveDescriptor{}, false
}

func (a *AccountState) removeSlave(pk []byte) bool {
	for i, s := range a.Slaves {
		if bytes.Equal(s.PublicKey, pk) {
			a.Slaves = append(a.Slaves[:i], a.Slaves[i+1:]...)
			return true
		}
	}
	return false
}

// Equal compares every field, ignoring nil versus empty collections.
func (a *AccountState) Equal(b *AccountState) bool {
	if !bytes.Equal(a.Address, b.Address) || a.Balance != b.Balance || a.Nonce != b.Nonce ||
		a.OTSBitfieldUsedPage != b.OTSBitfieldUsedPage || len(a.Tokens) != len(b.Tokens) ||
		len(a.Slaves) != len(b.Slaves) {
		return false
	}
	for k, v := range a.Tokens {
		if b.Tokens[k] != v {
			return false
		}
	}
	for i := range a.Slaves {
		if !bytes.Equal(a.Slaves[i].PublicKey, b.Slaves[i].PublicKey) || a.Slaves[i].AccessType != b.Slaves[i].AccessType {
			return false
		}
	}
	return true
}

func (a *AccountState) sortedTokens() []string {
	keys := make([]string, 0, len(a.Tokens))
	for k := range a.Tokens {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Marshal encodes the account as a current-version record.
func (a *AccountState) Marshal() []byte {
	var enc record.Encoder
	enc.Bytes(1, a.Address)
	enc.Uint(2, a.Balance)
	enc.Uint(3, a.Nonce)
	enc.Uint(4, a.OTSBitfieldUsedPage)
	for _, k := range a.sortedTokens() {
		id, balance := []byte(k), a.Tokens[k]
		enc.Message(5, func(inner *record.Encoder) {
			inner.Bytes(1, id)
			inner.Uint(2, balance)
		})
	}
	for _, s := range a.Slaves {
		s := s
		enc.Message(6, func(inner *record.Encoder) {
			inner.Bytes(1, s.PublicKey)
			inner.Uint(2, uint64(s.AccessType))
		})
	}
	return append([]byte{currentAccountRecord}, enc.Encoded()...)
}

// legacyAccount is the version 1 layout. It predates paginated OTS tracking
// and stored the first leaf indices as one inline bitfield.
type legacyAccount struct {
	address     []byte
	balance     uint64
	nonce       uint64
	otsBitfield []byte
	tokens      map[string]uint64
	slaves      []SlaveDescriptor
}

// UnmarshalAccount decodes any supported record version. For legacy records
// the returned seed holds the inline OTS bits, which the caller must merge
// into the paginated bitfield; it is nil for current records.
func UnmarshalAccount(data []byte) (*AccountState, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: empty account record", record.ErrMalformed)
	}
	switch data[0] {
	case accountRecordV1:
		legacy, err := decodeAccountV1(data[1:])
		if err != nil {
			return nil, nil, err
		}
		acct, seed := migrateV1toV2(legacy)
		return acct, seed, nil
	case accountRecordV2:
		acct, err := decodeAccountV2(data[1:])
		return acct, nil, err
	default:
		return nil, nil, fmt.Errorf("%w: unknown account record version %d", record.ErrMalformed, data[0])
	}
}

func decodeTokenEntry(b []byte) ([]byte, uint64, error) {
	var (
		id      []byte
		balance uint64
	)
	err := record.Decode(b, func(num protowire.Number, f record.Field) error {
		switch num {
		case 1:
			id = f.BytesCopy()
		case 2:
			balance = f.Varint
		}
		return nil
	})
	return id, balance, err
}

func decodeSlaveEntry(b []byte) (SlaveDescriptor, error) {
	var s SlaveDescriptor
	err := record.Decode(b, func(num protowire.Number, f record.Field) error {
		switch num {
		case 1:
			s.PublicKey = f.BytesCopy()
		case 2:
			s.AccessType = uint32(f.Varint)
		}
		return nil
	})
	return s, err
}

func decodeAccountV2(b []byte) (*AccountState, error) {
	acct := &AccountState{Tokens: make(map[string]uint64)}
	err := record.Decode(b, func(num protowire.Number, f record.Field) error {
		switch num {
		case 1:
			acct.Address = f.BytesCopy()
		case 2:
			acct.Balance = f.Varint
		case 3:
			acct.Nonce = f.Varint
		case 4:
			acct.OTSBitfieldUsedPage = f.Varint
		case 5:
			id, balance, err := decodeTokenEntry(f.Bytes)
			if err != nil {
				return err
			}
			if balance > 0 {
				acct.Tokens[string(id)] = balance
			}
		case 6:
			s, err := decodeSlaveEntry(f.Bytes)
			if err != nil {
				return err
			}
			acct.Slaves = append(acct.Slaves, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Version 1 field numbers: 1 address, 2 balance, 3 nonce, 4 ots_bitfield
// (repeated chunks, concatenated), 5 tokens, 6 slave_pks_access_type.
func decodeAccountV1(b []byte) (*legacyAccount, error) {
	legacy := &legacyAccount{tokens: make(map[string]uint64)}
	err := record.Decode(b, func(num protowire.Number, f record.Field) error {
		switch num {
		case 1:
			legacy.address = f.BytesCopy()
		case 2:
			legacy.balance = f.Varint
		case 3:
			legacy.nonce = f.Varint
		case 4:
			legacy.otsBitfield = append(legacy.otsBitfield, f.Bytes...)
		case 5:
			id, balance, err := decodeTokenEntry(f.Bytes)
			if err != nil {
				return err
			}
			if balance > 0 {
				legacy.tokens[string(id)] = balance
			}
		case 6:
			s, err := decodeSlaveEntry(f.Bytes)
			if err != nil {
				return err
			}
			legacy.slaves = append(legacy.slaves, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return legacy, nil
}

// migrateV1toV2 moves a legacy record to the current layout. The used-page
// pointer starts at zero; the next MarkUsed on the account advances it past
// any page the seed already filled.
func migrateV1toV2(legacy *legacyAccount) (*AccountState, []byte) {
	acct := &AccountState{
		Address: legacy.address,
		Balance: legacy.balance,
		Nonce:   legacy.nonce,
		Tokens:  legacy.tokens,
		Slaves:  legacy.slaves,
	}
	return acct, legacy.otsBitfield
}
