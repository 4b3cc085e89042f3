package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"purchain/config"
	"purchain/core"
	"purchain/core/state"
	"purchain/crypto"
	"purchain/storage"
)

const defaultConfig = "./config.toml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "account":
		err = runAccount(os.Args[2:], os.Stdout)
	case "ots":
		err = runOTS(os.Args[2:], os.Stdout)
	case "metadata":
		err = runMetadata(os.Args[2:], os.Stdout)
	case "height":
		err = runHeight(os.Args[2:], os.Stdout)
	case "lasttxs":
		err = runLastTxs(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: purctl <command> [flags] [args]

Commands:
  account <address>       Print the committed account state
  ots <address>           Print OTS bitfield pages and the next unused index
  metadata <headerhash>   Print the chain metadata of a block
  height                  Print the main chain height and tip
  lasttxs                 Print the most recent transactions
`)
}

// openChain opens the data directory named by the config. No command writes
// to it.
func openChain(configPath string) (*core.ChainStateManager, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	schedule, err := cfg.Schedule()
	if err != nil {
		return nil, nil, err
	}
	ldb, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
	if err != nil {
		return nil, nil, err
	}
	mgr, err := core.NewChainStateManager(core.Config{DB: ldb, Schedule: schedule, Verifier: crypto.RejectAll})
	if err != nil {
		_ = ldb.Close()
		return nil, nil, err
	}
	return mgr, func() { _ = ldb.Close() }, nil
}

func parseFlags(name string, args []string, extra func(fs *flag.FlagSet)) (*flag.FlagSet, *string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the purd config file")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return fs, configPath, nil
}

func hexArg(fs *flag.FlagSet, what string) ([]byte, error) {
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one %s argument", what)
	}
	b, err := hexutil.Decode(fs.Arg(0))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return b, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type accountView struct {
	Address             string            `json:"address"`
	Balance             uint64            `json:"balance"`
	Nonce               uint64            `json:"nonce"`
	OTSBitfieldUsedPage uint64            `json:"otsBitfieldUsedPage"`
	Tokens              map[string]uint64 `json:"tokens,omitempty"`
	Slaves              []slaveView       `json:"slaves,omitempty"`
}

type slaveView struct {
	PublicKey  string `json:"publicKey"`
	AccessType uint32 `json:"accessType"`
}

func viewAccount(acct *state.AccountState) accountView {
	view := accountView{
		Address:             hexutil.Encode(acct.Address),
		Balance:             acct.Balance,
		Nonce:               acct.Nonce,
		OTSBitfieldUsedPage: acct.OTSBitfieldUsedPage,
	}
	if len(acct.Tokens) > 0 {
		view.Tokens = make(map[string]uint64, len(acct.Tokens))
		for id, bal := range acct.Tokens {
			view.Tokens[hexutil.Encode([]byte(id))] = bal
		}
	}
	for _, s := range acct.Slaves {
		view.Slaves = append(view.Slaves, slaveView{PublicKey: hexutil.Encode(s.PublicKey), AccessType: s.AccessType})
	}
	return view
}

func runAccount(args []string, w io.Writer) error {
	fs, configPath, err := parseFlags("account", args, nil)
	if err != nil {
		return err
	}
	addr, err := hexArg(fs, "address")
	if err != nil {
		return err
	}
	mgr, closeFn, err := openChain(*configPath)
	if err != nil {
		return err
	}
	defer closeFn()
	acct, err := mgr.GetAccountState(addr)
	if err != nil {
		return err
	}
	return printJSON(w, viewAccount(acct))
}

type otsView struct {
	Pages           []string `json:"pages"`
	NextUnusedIndex uint64   `json:"nextUnusedIndex"`
	UnusedAvailable bool     `json:"unusedAvailable"`
}

func runOTS(args []string, w io.Writer) error {
	var from, count *uint64
	fs, configPath, err := parseFlags("ots", args, func(fs *flag.FlagSet) {
		from = fs.Uint64("from", 0, "First page to print")
		count = fs.Uint64("count", 1, "Number of pages to print")
	})
	if err != nil {
		return err
	}
	addr, err := hexArg(fs, "address")
	if err != nil {
		return err
	}
	mgr, closeFn, err := openChain(*configPath)
	if err != nil {
		return err
	}
	defer closeFn()
	info, err := mgr.GetOTS(addr, *from, *count)
	if err != nil {
		return err
	}
	view := otsView{NextUnusedIndex: info.NextUnusedIndex, UnusedAvailable: info.UnusedAvailable}
	for _, page := range info.Pages {
		view.Pages = append(view.Pages, hexutil.Encode(page))
	}
	return printJSON(w, view)
}

type metadataView struct {
	BlockDifficulty      string   `json:"blockDifficulty"`
	CumulativeDifficulty string   `json:"cumulativeDifficulty"`
	Children             []string `json:"children"`
	LastHeaderHashes     []string `json:"lastHeaderHashes"`
}

func encodeAll(list [][]byte) []string {
	out := make([]string, 0, len(list))
	for _, b := range list {
		out = append(out, hexutil.Encode(b))
	}
	return out
}

func runMetadata(args []string, w io.Writer) error {
	fs, configPath, err := parseFlags("metadata", args, nil)
	if err != nil {
		return err
	}
	hash, err := hexArg(fs, "headerhash")
	if err != nil {
		return err
	}
	mgr, closeFn, err := openChain(*configPath)
	if err != nil {
		return err
	}
	defer closeFn()
	md, err := mgr.GetChainMetadata(hash)
	if err != nil {
		return err
	}
	if md == nil {
		return fmt.Errorf("block %s unknown", hexutil.Encode(hash))
	}
	children := encodeAll(md.ChildHeaderHashes)
	sort.Strings(children)
	return printJSON(w, metadataView{
		BlockDifficulty:      md.BlockDifficulty.Dec(),
		CumulativeDifficulty: md.CumulativeDifficulty.Dec(),
		Children:             children,
		LastHeaderHashes:     encodeAll(md.LastNHeaderHashes),
	})
}

func runHeight(args []string, w io.Writer) error {
	_, configPath, err := parseFlags("height", args, nil)
	if err != nil {
		return err
	}
	mgr, closeFn, err := openChain(*configPath)
	if err != nil {
		return err
	}
	defer closeFn()
	tip, ok := mgr.Tip()
	if !ok {
		return fmt.Errorf("chain not bootstrapped")
	}
	return printJSON(w, map[string]any{"height": mgr.Height(), "tip": hexutil.Encode(tip)})
}

type lastTxView struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   uint64 `json:"timestamp"`
}

func runLastTxs(args []string, w io.Writer) error {
	_, configPath, err := parseFlags("lasttxs", args, nil)
	if err != nil {
		return err
	}
	mgr, closeFn, err := openChain(*configPath)
	if err != nil {
		return err
	}
	defer closeFn()
	list, err := mgr.GetLastTransactions()
	if err != nil {
		return err
	}
	views := make([]lastTxView, 0, len(list))
	for _, lt := range list {
		views = append(views, lastTxView{TxHash: hexutil.Encode(lt.TxHash), BlockNumber: lt.BlockNumber, Timestamp: lt.Timestamp})
	}
	return printJSON(w, views)
}
