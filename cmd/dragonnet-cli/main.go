// dragonnet-cli manages a chain key and talks to a dragonnetd node.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/internal/keystore"
	"github.com/Klingon-tech/dragonnet-node/internal/node"
	"github.com/Klingon-tech/dragonnet-node/internal/rpc"
	"github.com/Klingon-tech/dragonnet-node/internal/rpcclient"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// callTimeout bounds one RPC round trip.
const callTimeout = 30 * time.Second

// globals holds the flags accepted before the subcommand.
type globals struct {
	rpcURL  string
	dataDir string
	network string
	keyFile string
}

func main() {
	g := globals{
		rpcURL:  "http://127.0.0.1:8080",
		dataDir: config.DefaultDataDir(),
		network: string(config.Mainnet),
	}

	args := os.Args[1:]
	for len(args) > 0 {
		name, value, rest, ok := globalFlag(args)
		if !ok {
			break
		}
		switch name {
		case "rpc":
			g.rpcURL = value
		case "datadir":
			g.dataDir = value
		case "network":
			g.network = value
		case "keyfile":
			g.keyFile = value
		}
		args = rest
	}

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := rpcclient.New(g.rpcURL)
	cmd, cmdArgs := args[0], args[1:]

	switch cmd {
	case "keygen":
		cmdKeygen(cmdArgs, g)
	case "import":
		cmdImport(cmdArgs, g)
	case "show-id":
		cmdShowID(g)
	case "change-password":
		cmdChangePassword(g)
	case "status":
		cmdStatus(client)
	case "peers":
		cmdPeers(client)
	case "submit":
		cmdSubmit(client, cmdArgs)
	case "tx":
		cmdTx(client, cmdArgs)
	case "block":
		cmdBlock(client, cmdArgs)
	case "block-status":
		cmdBlockStatus(client, cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

// globalFlag parses one "--name value" or "--name=value" global flag.
func globalFlag(args []string) (name, value string, rest []string, ok bool) {
	for _, n := range []string{"rpc", "datadir", "network", "keyfile"} {
		switch {
		case args[0] == "--"+n && len(args) > 1:
			return n, args[1], args[2:], true
		case strings.HasPrefix(args[0], "--"+n+"="):
			return n, args[0][len("--"+n+"="):], args[1:], true
		}
	}
	return "", "", args, false
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: dragonnet-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:8080)
  --datadir <path>    Data directory (default: ~/.dragonnet)
  --network <net>     mainnet (default) or testnet
  --keyfile <path>    Chain key file (default: <datadir>/<network>/keystore/chain.key)

Key commands:
  keygen [--account <n>]          Create a chain key from a new mnemonic
  import --mnemonic "..." [--passphrase <p>] [--account <n>]
                                  Restore a chain key from a mnemonic
  show-id                         Show the chain id of the key
  change-password                 Re-encrypt the key under a new password

Node commands:
  status                          Show node status
  peers                           Show p2p peers and bans
  submit --type <t> --payload <json|@file> [--tag <s>] [--callback <url>]
                                  Submit a transaction (L1 only)
  tx <txn_id>                     Show a transaction
  block [--level <n>] <block_id>  Show a block
  block-status <block_id>         Show verification progress of an L1 block
`)
}

// ── keys ────────────────────────────────────────────────────────────────

func openKeystore(g globals) *keystore.Keystore {
	path := g.keyFile
	if path == "" {
		cfg, err := config.LoadFromFile(node.ExpandHome(g.dataDir), config.NetworkType(g.network))
		if err != nil {
			fatal("load config: %v", err)
		}
		path = cfg.KeyPath()
	}
	ks, err := keystore.OpenPath(node.ExpandHome(path))
	if err != nil {
		fatal("open keystore: %v", err)
	}
	return ks
}

func cmdKeygen(args []string, g globals) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	account := fs.Uint("account", 0, "Derivation account")
	fs.Parse(args)

	ks := openKeystore(g)
	if ks.Exists() {
		fatal("key already exists at %s", ks.Path())
	}

	mnemonic, err := keystore.GenerateMnemonic()
	if err != nil {
		fatal("generate mnemonic: %v", err)
	}
	fmt.Println("Mnemonic (write this down!):")
	fmt.Printf("  %s\n\n", mnemonic)

	password := readNewPassword()
	seed, err := keystore.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}
	id, err := ks.Create(seed, uint32(*account), password, keystore.DefaultKDF())
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		fatal("create key: %v", err)
	}

	fmt.Printf("Key created: %s\n", ks.Path())
	fmt.Printf("Chain ID:    %s\n", id)
}

func cmdImport(args []string, g globals) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	mnemonic := fs.String("mnemonic", "", "BIP-39 mnemonic")
	passphrase := fs.String("passphrase", "", "Optional BIP-39 passphrase")
	account := fs.Uint("account", 0, "Derivation account")
	fs.Parse(args)

	if *mnemonic == "" {
		fatal("Usage: dragonnet-cli import --mnemonic \"word1 word2 ...\"")
	}
	if !keystore.ValidateMnemonic(*mnemonic) {
		fatal("invalid mnemonic")
	}

	ks := openKeystore(g)
	if ks.Exists() {
		fatal("key already exists at %s", ks.Path())
	}
	password := readNewPassword()
	id, err := ks.Import(*mnemonic, *passphrase, uint32(*account), password, keystore.DefaultKDF())
	if err != nil {
		fatal("import key: %v", err)
	}

	fmt.Printf("Key imported: %s\n", ks.Path())
	fmt.Printf("Chain ID:     %s\n", id)
}

func cmdShowID(g globals) {
	id, err := openKeystore(g).ChainID()
	if err != nil {
		fatal("%v", err)
	}
	fmt.Println(id)
}

func cmdChangePassword(g globals) {
	ks := openKeystore(g)
	old, err := readPassword("Current password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	password := readNewPassword()
	if err := ks.ChangePassword(old, password, keystore.DefaultKDF()); err != nil {
		fatal("change password: %v", err)
	}
	fmt.Println("Password changed.")
}

// ── node ────────────────────────────────────────────────────────────────

func call(client *rpcclient.Client, method string, params, result interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := client.Call(ctx, method, params, result); err != nil {
		fatal("%s: %v", method, err)
	}
}

func cmdStatus(client *rpcclient.Client) {
	var st rpc.StatusResult
	call(client, rpc.MethodStatus, nil, &st)

	fmt.Printf("Chain:    %s\n", st.ChainID)
	fmt.Printf("Level:    %s\n", st.Level)
	fmt.Printf("Version:  %s\n", st.Version)
	fmt.Printf("Tail:     %d\n", st.TailBlockID)
	fmt.Printf("Queued:   %d\n", st.Queued)
	if st.Level == types.L1 {
		fmt.Printf("Pending:  %d\n", st.PendingBlocks)
	}
	fmt.Printf("Peers:    %d\n", st.Peers)
	fmt.Printf("Uptime:   %s\n", time.Duration(st.Uptime)*time.Second)
}

func cmdPeers(client *rpcclient.Client) {
	var res rpc.PeersResult
	call(client, rpc.MethodPeers, nil, &res)

	fmt.Printf("Peers: %d\n", res.Count)
	for _, p := range res.Peers {
		chain := string(p.ChainID)
		if chain == "" {
			chain = "(unidentified)"
		}
		fmt.Printf("  %s  %-40s  %s  since %s\n", p.Level, chain, p.ID,
			time.Unix(p.ConnectedAt, 0).UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	if len(res.Bans) > 0 {
		fmt.Printf("Bans:  %d\n", len(res.Bans))
		for _, b := range res.Bans {
			fmt.Printf("  %s  %s  %s  until %s\n", b.ID, b.ChainID, b.Reason,
				time.Unix(b.ExpiresAt, 0).UTC().Format("2006-01-02 15:04:05 UTC"))
		}
	}
}

func cmdSubmit(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	txnType := fs.String("type", "", "Transaction type")
	payload := fs.String("payload", "", "JSON payload, or @file to read it from a file")
	tag := fs.String("tag", "", "Optional search tag")
	callback := fs.String("callback", "", "URL notified when the transaction's block is verified")
	fs.Parse(args)

	if *txnType == "" || *payload == "" {
		fatal("Usage: dragonnet-cli submit --type <t> --payload <json|@file>")
	}
	raw := []byte(*payload)
	if strings.HasPrefix(*payload, "@") {
		var err error
		if raw, err = os.ReadFile((*payload)[1:]); err != nil {
			fatal("read payload: %v", err)
		}
	}
	if !json.Valid(raw) {
		fatal("payload is not valid JSON")
	}

	var res rpc.SubmitResult
	call(client, rpc.MethodSubmitTransaction, rpc.SubmitParam{
		Type:        *txnType,
		Tag:         *tag,
		Payload:     raw,
		CallbackURL: *callback,
	}, &res)
	fmt.Println(res.ID)
}

func cmdTx(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: dragonnet-cli tx <txn_id>")
	}
	var raw json.RawMessage
	call(client, rpc.MethodGetTransaction, rpc.TxParam{ID: args[0]}, &raw)
	printJSON(raw)
}

func cmdBlock(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("block", flag.ExitOnError)
	level := fs.Int("level", 1, "Block level")
	fs.Parse(args)

	id := blockIDArg(fs.Args(), "Usage: dragonnet-cli block [--level <n>] <block_id>")
	var raw json.RawMessage
	call(client, rpc.MethodGetBlock, rpc.BlockParam{Level: types.Level(*level), BlockID: id}, &raw)
	printJSON(raw)
}

func cmdBlockStatus(client *rpcclient.Client, args []string) {
	id := blockIDArg(args, "Usage: dragonnet-cli block-status <block_id>")
	var raw json.RawMessage
	call(client, rpc.MethodBlockStatus, rpc.BlockParam{BlockID: id}, &raw)
	printJSON(raw)
}

func blockIDArg(args []string, usage string) uint64 {
	if len(args) < 1 {
		fatal("%s", usage)
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fatal("invalid block id %q", args[0])
	}
	return id
}

func printJSON(raw json.RawMessage) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		fatal("decode result: %v", err)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

// ── Password helpers ────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func readNewPassword() []byte {
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}
	if len(password) == 0 {
		fatal("password must not be empty")
	}
	return password
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
