package interchain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// fakeEthNode is a scripted Ethereum JSON-RPC node.
type fakeEthNode struct {
	mu          sync.Mutex
	block       uint64
	gasFailures int
	sent        []map[string]string
	txs         map[string]*uint64 // hash -> mined block (nil = pending)
}

func (n *fakeEthNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
		ID     int64             `json:"id"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	n.mu.Lock()
	defer n.mu.Unlock()

	var result interface{}
	switch req.Method {
	case "eth_gasPrice":
		if n.gasFailures > 0 {
			n.gasFailures--
			json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32000, "message": "oracle busy"}})
			return
		}
		result = "0x3b9aca00" // 1 gwei
	case "eth_sendTransaction":
		var tx map[string]string
		json.Unmarshal(req.Params[0], &tx)
		n.sent = append(n.sent, tx)
		h := "0x" + strings.Repeat("ab", 31) + hex.EncodeToString([]byte{byte(len(n.sent))})
		n.txs[h] = nil
		result = h
	case "eth_getTransactionByHash", "eth_getTransactionReceipt":
		var h string
		json.Unmarshal(req.Params[0], &h)
		mined, ok := n.txs[h]
		switch {
		case !ok:
			result = nil
		case mined == nil && req.Method == "eth_getTransactionReceipt":
			result = nil
		case mined == nil:
			result = map[string]interface{}{"hash": h, "blockNumber": nil}
		default:
			result = map[string]interface{}{"hash": h, "blockNumber": "0x" + big.NewInt(int64(*mined)).Text(16)}
		}
	case "eth_blockNumber":
		result = "0x" + big.NewInt(int64(n.block)).Text(16)
	case "eth_getBalance":
		result = "0xde0b6b3a7640000" // 1 ether
	default:
		json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]interface{}{"code": -32601, "message": "method not found"}})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func (n *fakeEthNode) mine(hash string, at uint64) {
	n.mu.Lock()
	n.txs[hash] = &at
	n.mu.Unlock()
}

func (n *fakeEthNode) failGas(times int) {
	n.mu.Lock()
	n.gasFailures = times
	n.mu.Unlock()
}

func (n *fakeEthNode) sentTxs() []map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]map[string]string(nil), n.sent...)
}

func (n *fakeEthNode) setBlock(b uint64) {
	n.mu.Lock()
	n.block = b
	n.mu.Unlock()
}

func newTestEthereum(t *testing.T) (*Ethereum, *fakeEthNode) {
	t.Helper()
	node := &fakeEthNode{block: 100, txs: make(map[string]*uint64)}
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	params, err := config.CheckpointNetworkFor("ethereum")
	if err != nil {
		t.Fatal(err)
	}
	e := NewEthereum(config.InterchainConfig{Network: "ethereum", RPCURL: srv.URL, Wallet: "0x1111111111111111111111111111111111111111", FeeRetries: 3}, params)
	e.fees.delay = time.Millisecond
	return e, node
}

func TestEthereum_SubmitAndConfirm(t *testing.T) {
	e, node := newTestEthereum(t)
	ctx := context.Background()
	hash := crypto.Hash([]byte("checkpoint"))

	txID, err := e.Submit(ctx, hash)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	txs := node.sentTxs()
	if len(txs) != 1 {
		t.Fatalf("sent %d transactions", len(txs))
	}
	sent := txs[0]
	if sent["data"] != "0x"+hex.EncodeToString(hash[:]) {
		t.Errorf("data = %s", sent["data"])
	}
	if sent["to"] != zeroAddress || sent["gasPrice"] != "0x3b9aca00" {
		t.Errorf("tx = %v", sent)
	}

	ok, err := e.IsConfirmed(ctx, txID)
	if err != nil || ok {
		t.Fatalf("pending: ok=%v err=%v", ok, err)
	}

	node.mine(txID, 101)
	node.setBlock(105)
	if ok, _ := e.IsConfirmed(ctx, txID); ok {
		t.Error("4 confirmations should not be final")
	}
	node.setBlock(113)
	if ok, err := e.IsConfirmed(ctx, txID); err != nil || !ok {
		t.Errorf("12 confirmations: ok=%v err=%v", ok, err)
	}
}

func TestEthereum_DroppedTransaction(t *testing.T) {
	e, _ := newTestEthereum(t)
	_, err := e.IsConfirmed(context.Background(), "0x"+strings.Repeat("00", 32))
	if !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("got %v, want ErrTxNotFound", err)
	}
}

func TestEthereum_FeeRetry(t *testing.T) {
	e, node := newTestEthereum(t)
	ctx := context.Background()

	node.failGas(2)
	fee, err := e.FeeEstimate(ctx)
	if err != nil {
		t.Fatalf("FeeEstimate after retries: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(ethGasLimit))
	if fee.Cmp(want) != 0 {
		t.Errorf("fee = %s, want %s", fee, want)
	}

	node.failGas(10)
	_, err = e.FeeEstimate(ctx)
	if !errors.Is(err, ErrFeeEstimate) || !errors.Is(err, types.ErrTransient) {
		t.Fatalf("got %v, want transient ErrFeeEstimate", err)
	}
}

func TestEthereum_BalanceAndRebroadcast(t *testing.T) {
	e, node := newTestEthereum(t)
	ctx := context.Background()

	bal, err := e.Balance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if bal.String() != "1000000000000000000" {
		t.Errorf("balance = %s", bal)
	}

	node.setBlock(130)
	if again, _ := e.ShouldRebroadcast(ctx, 100); again {
		t.Error("30 blocks is not past the threshold")
	}
	node.setBlock(131)
	if again, _ := e.ShouldRebroadcast(ctx, 100); !again {
		t.Error("31 blocks should trigger rebroadcast")
	}
}

func TestParseQuantity(t *testing.T) {
	if v, err := parseUintQuantity("0x1f"); err != nil || v != 31 {
		t.Errorf("parseUintQuantity = %d, %v", v, err)
	}
	for _, bad := range []string{"", "1f", "0x", "0xzz"} {
		if _, err := parseQuantity(bad); err == nil {
			t.Errorf("parseQuantity(%q) should fail", bad)
		}
	}
	if toQuantity(big.NewInt(255)) != "0xff" {
		t.Error("toQuantity")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(config.InterchainConfig{Network: "dogecoin"}); err == nil {
		t.Error("unknown network should fail")
	}
	a, err := New(config.InterchainConfig{Network: "binance", RPCURL: "http://127.0.0.1:8545"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.(*Ethereum); !ok || a.Network() != "binance" {
		t.Errorf("adapter = %T %s", a, a.Network())
	}
	a, err = New(config.InterchainConfig{Network: "bitcoin", RPCURL: "http://u:p@127.0.0.1:8332"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.(*Bitcoin); !ok {
		t.Errorf("adapter = %T", a)
	}
}
