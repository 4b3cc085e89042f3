package genesis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"purchain/core"
	"purchain/core/params"
	"purchain/crypto/otstest"
	"purchain/storage"
)

func writeSpec(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSpecAndBootstrap(t *testing.T) {
	miner := otstest.Address(1, 10)
	alice := otstest.Address(2, 10)
	path := writeSpec(t, fmt.Sprintf(`
genesis_time: "2024-01-01T00:00:00Z"
difficulty: 5000
miner: "%s"
block_reward: 10
coinbase_supply: 1000000
alloc:
  - address: "%s"
    balance: 42
`, hexutil.Encode(miner), hexutil.Encode(alice)))

	spec, err := LoadSpec(path)
	require.NoError(t, err)
	require.Equal(t, int64(1704067200), spec.GenesisTimestamp().Unix())

	p := params.Default()
	blk, err := spec.Block(p)
	require.NoError(t, err)
	require.Zero(t, blk.Number())
	require.NoError(t, blk.ValidateStructure())
	require.Equal(t, uint64(5000), blk.Header.Difficulty.Uint64())

	allocs := spec.Allocations(p)
	require.Len(t, allocs, 2)
	require.Equal(t, p.CoinbaseAddress, allocs[0].Address)

	sched, err := params.NewSchedule(p, nil)
	require.NoError(t, err)
	mgr, err := core.NewChainStateManager(core.Config{DB: storage.NewMemDB(), Schedule: sched, Verifier: otstest.Verifier{}})
	require.NoError(t, err)
	require.NoError(t, mgr.Bootstrap(context.Background(), blk, allocs))

	acct, err := mgr.GetAccountState(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(42), acct.Balance)
	acct, err = mgr.GetAccountState(miner)
	require.NoError(t, err)
	require.Equal(t, uint64(10), acct.Balance)
	acct, err = mgr.GetAccountState(p.CoinbaseAddress)
	require.NoError(t, err)
	require.Equal(t, uint64(1000000-10), acct.Balance)
}

func TestParseSpecRejectsInvalidDocuments(t *testing.T) {
	miner := hexutil.Encode(otstest.Address(1, 10))
	cases := map[string]string{
		"unknown field":         fmt.Sprintf("genesis_time: \"2024-01-01T00:00:00Z\"\ndifficulty: 1\nminer: \"%s\"\nvalidators: []\n", miner),
		"zero difficulty":       fmt.Sprintf("genesis_time: \"2024-01-01T00:00:00Z\"\ndifficulty: 0\nminer: \"%s\"\n", miner),
		"bad time":              fmt.Sprintf("genesis_time: \"yesterday\"\ndifficulty: 1\nminer: \"%s\"\n", miner),
		"bad miner":             "genesis_time: \"2024-01-01T00:00:00Z\"\ndifficulty: 1\nminer: \"0x01\"\n",
		"reward exceeds supply": fmt.Sprintf("genesis_time: \"2024-01-01T00:00:00Z\"\ndifficulty: 1\nminer: \"%s\"\nblock_reward: 5\n", miner),
		"duplicate alloc":       fmt.Sprintf("genesis_time: \"2024-01-01T00:00:00Z\"\ndifficulty: 1\nminer: \"%[1]s\"\nalloc:\n  - address: \"%[1]s\"\n    balance: 1\n  - address: \"%[1]s\"\n    balance: 2\n", miner),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSpec([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestLoadSpecRequiresPath(t *testing.T) {
	_, err := LoadSpec(" ")
	require.Error(t, err)
	_, err = LoadSpec(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
