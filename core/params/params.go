package params

import (
	"fmt"
	"sort"
)

// ShorPerQuanta is the number of base units in one coin.
const ShorPerQuanta uint64 = 1_000_000_000

// Params is the protocol parameter snapshot active at one block height.
type Params struct {
	OTSTrackingPerPage    uint64 `toml:"OTSTrackingPerPage" yaml:"ots_tracking_per_page"`
	DefaultAccountBalance uint64 `toml:"DefaultAccountBalance" yaml:"default_account_balance"`
	BlockReward           uint64 `toml:"BlockReward" yaml:"block_reward"`
	CoinbaseAddress       []byte `toml:"-" yaml:"-"`
	MaxMultiOutputs       int    `toml:"MaxMultiOutputs" yaml:"max_multi_outputs"`
	MaxTokenSymbolLength  int    `toml:"MaxTokenSymbolLength" yaml:"max_token_symbol_length"`
	MaxTokenNameLength    int    `toml:"MaxTokenNameLength" yaml:"max_token_name_length"`
	MaxSlavesPerTx        int    `toml:"MaxSlavesPerTx" yaml:"max_slaves_per_tx"`
	MaxMessageLength      int    `toml:"MaxMessageLength" yaml:"max_message_length"`
	LastTxsLimit          int    `toml:"LastTxsLimit" yaml:"last_txs_limit"`
	NMeasurement          int    `toml:"NMeasurement" yaml:"n_measurement"`
	ReorgLimit            uint64 `toml:"ReorgLimit" yaml:"reorg_limit"`
}

// DefaultCoinbaseAddress holds the undistributed supply. It carries no valid
// descriptor and can never sign.
var DefaultCoinbaseAddress = append([]byte{0x11}, make([]byte, 38)...)

// Default returns the mainnet parameter set.
func Default() Params {
	return Params{
		OTSTrackingPerPage:    8192,
		DefaultAccountBalance: 0,
		BlockReward:           5 * ShorPerQuanta,
		CoinbaseAddress:       append([]byte(nil), DefaultCoinbaseAddress...),
		MaxMultiOutputs:       100,
		MaxTokenSymbolLength:  10,
		MaxTokenNameLength:    30,
		MaxSlavesPerTx:        100,
		MaxMessageLength:      80,
		LastTxsLimit:          20,
		NMeasurement:          30,
		ReorgLimit:            22000,
	}
}

// BitfieldSize is the number of bytes in one OTS page.
func (p Params) BitfieldSize() int {
	return int((p.OTSTrackingPerPage + 7) / 8)
}

// Validate checks the snapshot for values the state engine cannot operate with.
func (p Params) Validate() error {
	if p.OTSTrackingPerPage == 0 {
		return fmt.Errorf("params: OTSTrackingPerPage must be positive")
	}
	if len(p.CoinbaseAddress) == 0 {
		return fmt.Errorf("params: coinbase address must not be empty")
	}
	if p.MaxMultiOutputs <= 0 {
		return fmt.Errorf("params: MaxMultiOutputs must be positive")
	}
	if p.LastTxsLimit < 0 || p.NMeasurement < 0 {
		return fmt.Errorf("params: negative list limits")
	}
	return nil
}

// Overrides lists the parameters a hard fork may change. Nil fields keep the
// previous value.
type Overrides struct {
	DefaultAccountBalance *uint64 `toml:"DefaultAccountBalance" yaml:"default_account_balance"`
	BlockReward           *uint64 `toml:"BlockReward" yaml:"block_reward"`
	MaxMultiOutputs       *int    `toml:"MaxMultiOutputs" yaml:"max_multi_outputs"`
	MaxSlavesPerTx        *int    `toml:"MaxSlavesPerTx" yaml:"max_slaves_per_tx"`
	MaxMessageLength      *int    `toml:"MaxMessageLength" yaml:"max_message_length"`
	LastTxsLimit          *int    `toml:"LastTxsLimit" yaml:"last_txs_limit"`
	ReorgLimit            *uint64 `toml:"ReorgLimit" yaml:"reorg_limit"`
}

// Apply copies every set override onto p.
func (o Overrides) Apply(p *Params) {
	if o.DefaultAccountBalance != nil {
		p.DefaultAccountBalance = *o.DefaultAccountBalance
	}
	if o.BlockReward != nil {
		p.BlockReward = *o.BlockReward
	}
	if o.MaxMultiOutputs != nil {
		p.MaxMultiOutputs = *o.MaxMultiOutputs
	}
	if o.MaxSlavesPerTx != nil {
		p.MaxSlavesPerTx = *o.MaxSlavesPerTx
	}
	if o.MaxMessageLength != nil {
		p.MaxMessageLength = *o.MaxMessageLength
	}
	if o.LastTxsLimit != nil {
		p.LastTxsLimit = *o.LastTxsLimit
	}
	if o.ReorgLimit != nil {
		p.ReorgLimit = *o.ReorgLimit
	}
}

// HardFork activates Overrides from Height onwards.
type HardFork struct {
	Name      string    `toml:"Name" yaml:"name"`
	Height    uint64    `toml:"Height" yaml:"height"`
	Overrides Overrides `toml:"Overrides" yaml:"overrides"`
}

// Schedule resolves the parameter snapshot for a block height. The OTS page
// size is deliberately absent from Overrides: persisted pages are keyed by it.
type Schedule struct {
	Base  Params
	Forks []HardFork
}

// NewSchedule sorts forks by height and validates the base parameters.
func NewSchedule(base Params, forks []HardFork) (*Schedule, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}
	sorted := append([]HardFork(nil), forks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Height < sorted[j].Height })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Height == sorted[i-1].Height {
			return nil, fmt.Errorf("params: duplicate hard fork height %d", sorted[i].Height)
		}
	}
	s := &Schedule{Base: base, Forks: sorted}
	for _, fork := range sorted {
		if err := s.ForHeight(fork.Height).Validate(); err != nil {
			return nil, fmt.Errorf("params: hard fork %q: %w", fork.Name, err)
		}
	}
	return s, nil
}

// DefaultSchedule has no hard forks.
func DefaultSchedule() *Schedule {
	return &Schedule{Base: Default()}
}

// ForHeight returns the base parameters with every fork at or below height applied.
func (s *Schedule) ForHeight(height uint64) Params {
	p := s.Base
	p.CoinbaseAddress = append([]byte(nil), s.Base.CoinbaseAddress...)
	for _, fork := range s.Forks {
		if fork.Height > height {
			break
		}
		fork.Overrides.Apply(&p)
	}
	return p
}

// ActiveForks returns the names of the forks active at height.
func (s *Schedule) ActiveForks(height uint64) []string {
	var names []string
	for _, fork := range s.Forks {
		if fork.Height > height {
			break
		}
		names = append(names, fork.Name)
	}
	return names
}
