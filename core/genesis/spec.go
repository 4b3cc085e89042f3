package genesis

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"purchain/core/params"
	"purchain/core/state"
	"purchain/core/types"
	"purchain/crypto"
)

// Spec is the YAML description of block 0.
type Spec struct {
	GenesisTime string `yaml:"genesis_time"`
	Difficulty  uint64 `yaml:"difficulty"`
	// Miner receives the genesis coinbase.
	Miner       hexutil.Bytes `yaml:"miner"`
	BlockReward uint64        `yaml:"block_reward"`
	// CoinbaseSupply funds the coinbase address every later reward is paid from.
	CoinbaseSupply uint64      `yaml:"coinbase_supply"`
	Alloc          []AllocSpec `yaml:"alloc"`
	ExtraNonce     uint64      `yaml:"extra_nonce"`

	genesisTimestamp time.Time
}

// AllocSpec is one genesis balance.
type AllocSpec struct {
	Address hexutil.Bytes `yaml:"address"`
	Balance uint64        `yaml:"balance"`
}

// LoadSpec reads and validates a genesis file.
func LoadSpec(path string) (*Spec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := ParseSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// ParseSpec decodes a genesis document. Unknown fields are rejected.
func ParseSpec(raw []byte) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid: %w", err)
	}
	return &spec, nil
}

func (s *Spec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

func (s *Spec) validate() error {
	ts, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = ts
	if s.Difficulty == 0 {
		return fmt.Errorf("difficulty must be greater than zero")
	}
	if err := crypto.ValidateAddress(s.Miner); err != nil {
		return fmt.Errorf("miner: %w", err)
	}
	if s.BlockReward > s.CoinbaseSupply {
		return fmt.Errorf("block_reward %d exceeds coinbase_supply %d", s.BlockReward, s.CoinbaseSupply)
	}
	seen := make(map[string]struct{}, len(s.Alloc))
	total := s.CoinbaseSupply
	for i, a := range s.Alloc {
		if err := crypto.ValidateAddress(a.Address); err != nil {
			return fmt.Errorf("alloc[%d]: %w", i, err)
		}
		if _, dup := seen[string(a.Address)]; dup {
			return fmt.Errorf("alloc[%d]: duplicate address %s", i, a.Address)
		}
		seen[string(a.Address)] = struct{}{}
		if total > math.MaxUint64-a.Balance {
			return fmt.Errorf("alloc[%d]: total supply overflows", i)
		}
		total += a.Balance
	}
	return nil
}

// Allocations returns the balances Bootstrap credits, the coinbase supply
// first.
func (s *Spec) Allocations(p params.Params) []state.Allocation {
	out := make([]state.Allocation, 0, len(s.Alloc)+1)
	if s.CoinbaseSupply > 0 {
		out = append(out, state.Allocation{Address: append([]byte(nil), p.CoinbaseAddress...), Balance: s.CoinbaseSupply})
	}
	for _, a := range s.Alloc {
		if bytes.Equal(a.Address, p.CoinbaseAddress) {
			continue
		}
		out = append(out, state.Allocation{Address: append([]byte(nil), a.Address...), Balance: a.Balance})
	}
	return out
}

// Block builds block 0. Its single coinbase pays the genesis reward to the
// miner.
func (s *Spec) Block(p params.Params) (*types.Block, error) {
	header := &types.BlockHeader{
		Number:      0,
		Timestamp:   uint64(s.genesisTimestamp.Unix()),
		Difficulty:  uint256.NewInt(s.Difficulty),
		RewardBlock: s.BlockReward,
		MiningNonce: s.ExtraNonce,
	}
	coinbase := &types.Transaction{
		MasterAddr: append([]byte(nil), p.CoinbaseAddress...),
		Nonce:      1,
		Payload: &types.CoinbasePayload{
			AddrTo: append([]byte(nil), s.Miner...),
			Amount: s.BlockReward,
		},
	}
	blk, err := types.NewBlock(header, []*types.Transaction{coinbase})
	if err != nil {
		return nil, fmt.Errorf("build genesis block: %w", err)
	}
	return blk, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesis_time must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesis_time %q", value)
}
