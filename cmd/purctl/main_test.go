package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"purchain/config"
	"purchain/core"
	"purchain/core/state"
	"purchain/core/types"
	"purchain/crypto/otstest"
	"purchain/storage"
)

func bootstrapDataDir(t *testing.T, funded []byte) (string, []byte) {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf("DataDir = %q\n", filepath.Join(dir, "data"))), 0o600))
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	schedule, err := cfg.Schedule()
	require.NoError(t, err)
	p := schedule.ForHeight(0)

	require.NoError(t, os.MkdirAll(cfg.DataDir, 0o755))
	ldb, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
	require.NoError(t, err)
	mgr, err := core.NewChainStateManager(core.Config{DB: ldb, Schedule: schedule, Verifier: otstest.Verifier{}})
	require.NoError(t, err)
	genesis, err := types.NewBlock(&types.BlockHeader{Difficulty: uint256.NewInt(3)}, []*types.Transaction{{
		MasterAddr: p.CoinbaseAddress,
		Nonce:      1,
		Payload:    &types.CoinbasePayload{AddrTo: funded},
	}})
	require.NoError(t, err)
	require.NoError(t, mgr.Bootstrap(context.Background(), genesis, []state.Allocation{{Address: funded, Balance: 77}}))
	require.NoError(t, ldb.Close())
	return configPath, genesis.HeaderHash()
}

func TestAccountAndHeightCommands(t *testing.T) {
	addr := otstest.Address(5, 10)
	configPath, genesisHash := bootstrapDataDir(t, addr)

	var out bytes.Buffer
	require.NoError(t, runAccount([]string{"-config", configPath, hexutil.Encode(addr)}, &out))
	var acct accountView
	require.NoError(t, json.Unmarshal(out.Bytes(), &acct))
	require.Equal(t, uint64(77), acct.Balance)
	require.Equal(t, hexutil.Encode(addr), acct.Address)

	out.Reset()
	require.NoError(t, runHeight([]string{"-config", configPath}, &out))
	var height map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &height))
	require.EqualValues(t, 0, height["height"])
	require.Equal(t, hexutil.Encode(genesisHash), height["tip"])

	out.Reset()
	require.NoError(t, runMetadata([]string{"-config", configPath, hexutil.Encode(genesisHash)}, &out))
	var md metadataView
	require.NoError(t, json.Unmarshal(out.Bytes(), &md))
	require.Equal(t, "3", md.CumulativeDifficulty)

	out.Reset()
	require.NoError(t, runOTS([]string{"-config", configPath, "-count", "2", hexutil.Encode(addr)}, &out))
	var ots otsView
	require.NoError(t, json.Unmarshal(out.Bytes(), &ots))
	require.Len(t, ots.Pages, 2)
	require.True(t, ots.UnusedAvailable)
	require.Zero(t, ots.NextUnusedIndex)
}

func TestCommandsRejectBadArguments(t *testing.T) {
	var out bytes.Buffer
	require.Error(t, runAccount([]string{"-config", filepath.Join(t.TempDir(), "c.toml")}, &out))
	require.Error(t, runAccount([]string{"-config", filepath.Join(t.TempDir(), "c.toml"), "zz"}, &out))
}
