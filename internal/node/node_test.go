package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/internal/broadcast"
	klog "github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/matchmaking"
	"github.com/Klingon-tech/dragonnet-node/internal/rpc"
	"github.com/Klingon-tech/dragonnet-node/internal/rpcclient"
	"github.com/Klingon-tech/dragonnet-node/internal/storage"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// fakeDirectory is an in-memory matchmaking service.
type fakeDirectory struct {
	mu     sync.Mutex
	chains map[types.ChainID]*matchmaking.Chain
}

func newFakeDirectory(t *testing.T) (*fakeDirectory, string) {
	t.Helper()
	d := &fakeDirectory{chains: make(map[types.ChainID]*matchmaking.Chain)}
	srv := httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(srv.Close)
	return d, srv.URL
}

func (d *fakeDirectory) serve(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/registration":
		var ch matchmaking.Chain
		if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ch.Registered = true
		d.chains[ch.ID] = &ch
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/registration/"):
		ch, ok := d.chains[types.ChainID(strings.TrimPrefix(r.URL.Path, "/registration/"))]
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(ch)

	case r.Method == http.MethodPost && r.URL.Path == "/candidates":
		var body struct {
			Level   types.Level     `json:"level"`
			Exclude []types.ChainID `json:"exclude"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		out := []*matchmaking.Chain{}
	next:
		for id, ch := range d.chains {
			if ch.Level != body.Level {
				continue
			}
			for _, ex := range body.Exclude {
				if ex == id {
					continue next
				}
			}
			out = append(out, ch)
		}
		if len(out) == 0 {
			http.Error(w, `{"error":"no candidates"}`, http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(out)

	default:
		http.NotFound(w, r)
	}
}

func (d *fakeDirectory) registered(id types.ChainID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.chains[id]
	return ok
}

// freePort reserves a loopback port so the endpoint is known before the
// node registers it.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, level int, dirURL string, withP2P bool) *config.Config {
	t.Helper()
	cfg := config.DefaultTestnet()
	cfg.DataDir = t.TempDir()
	cfg.Node.Level = level
	cfg.Node.BlockInterval = 50 * time.Millisecond
	cfg.Node.BlockItemCap = 100
	cfg.Broadcast.Interval = 50 * time.Millisecond
	cfg.Broadcast.RequestDeadline = 5 * time.Second
	cfg.Broadcast.RetryBackoff = time.Second
	cfg.Broadcast.MaxLevel = 2
	cfg.Broadcast.Required = [6]int{0, 0, 1, 1, 1, 1}
	cfg.Matchmaking.URL = dirURL
	cfg.Metrics.Enabled = false
	cfg.Notify.MaxAttempts = 2

	port := freePort(t)
	cfg.RPC.Addr = "127.0.0.1"
	cfg.RPC.Port = port
	cfg.Node.Endpoint = fmt.Sprintf("http://127.0.0.1:%d/", port)

	cfg.P2P.Enabled = withP2P
	cfg.P2P.ListenAddr = "127.0.0.1"
	cfg.P2P.Port = 0
	return cfg
}

func buildTestNode(t *testing.T, cfg *config.Config) (*Node, *crypto.PrivateKey) {
	t.Helper()
	klog.Init("error", false, "")
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	id := key.ChainID()
	n, err := build(cfg, key, func() (storage.DB, error) { return storage.NewMemory(), nil })
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(n.Stop)
	if n.key.ChainID() != id {
		t.Fatal("node did not keep the chain key")
	}
	return n, key
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func submit(t *testing.T, n *Node, txnType string) string {
	t.Helper()
	client := rpcclient.New("http://" + n.RPCAddr() + "/")
	var res rpc.SubmitResult
	err := client.Call(context.Background(), rpc.MethodSubmitTransaction,
		rpc.SubmitParam{Type: txnType, Payload: json.RawMessage(`{"amount":1}`)}, &res)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res.ID
}

// --- Helpers ---

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input, want string
	}{
		{"~/foo/bar", filepath.Join(home, "foo/bar")},
		{"~/.dragonnet/chain.key", filepath.Join(home, ".dragonnet/chain.key")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.input); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestCheckpointNetwork(t *testing.T) {
	cfg := config.DefaultTestnet()
	cfg.Interchain.Network = "bitcoin"
	if got := checkpointNetwork(cfg, types.L5); got != "bitcoin" {
		t.Errorf("L5 = %q, want bitcoin", got)
	}
	if got := checkpointNetwork(cfg, types.L3); got != "" {
		t.Errorf("L3 = %q, want empty", got)
	}
}

// --- Build ---

func TestBuild_L1(t *testing.T) {
	n, _ := buildTestNode(t, testConfig(t, 1, "", false))

	if n.sched == nil || n.asm == nil {
		t.Fatal("L1 node missing scheduler or assembler")
	}
	if n.processor != nil {
		t.Error("L1 node should not verify")
	}
	if n.p2pNode != nil {
		t.Error("p2p started while disabled")
	}
	if n.Level() != types.L1 {
		t.Errorf("level = %s", n.Level())
	}
}

func TestBuild_Verifier(t *testing.T) {
	for _, level := range []int{2, 3, 4} {
		t.Run(fmt.Sprintf("L%d", level), func(t *testing.T) {
			n, _ := buildTestNode(t, testConfig(t, level, "", false))
			if n.processor == nil {
				t.Fatal("verifier node missing processor")
			}
			if n.sched != nil {
				t.Error("verifier node should not broadcast")
			}

			// Submission is only served at L1.
			client := rpcclient.New("http://" + n.RPCAddr() + "/")
			err := client.Call(context.Background(), rpc.MethodSubmitTransaction, rpc.SubmitParam{Type: "x"}, nil)
			var rpcErr *rpcclient.RPCError
			if !errors.As(err, &rpcErr) || rpcErr.Code != rpcclient.CodeRejected {
				t.Errorf("submit at L%d: err = %v, want CodeRejected", level, err)
			}
		})
	}
}

func TestBuild_L5(t *testing.T) {
	cfg := testConfig(t, 5, "", false)
	cfg.Interchain.Network = "ethereum"
	cfg.Interchain.RPCURL = "http://127.0.0.1:1"
	n, _ := buildTestNode(t, cfg)
	if n.processor == nil {
		t.Fatal("L5 node missing processor")
	}
}

func TestBuild_L5RequiresNetwork(t *testing.T) {
	klog.Init("error", false, "")
	key, _ := crypto.GenerateKey()
	cfg := testConfig(t, 5, "", false)

	_, err := build(cfg, key, func() (storage.DB, error) { return storage.NewMemory(), nil })
	if err == nil {
		t.Fatal("expected error without interchain network")
	}
	// The RPC port must have been released.
	l, lerr := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.RPC.Port))
	if lerr != nil {
		t.Fatalf("rpc port still held: %v", lerr)
	}
	l.Close()
}

func TestBuild_RPCDisabled(t *testing.T) {
	cfg := testConfig(t, 1, "", false)
	cfg.RPC.Enabled = false
	n, _ := buildTestNode(t, cfg)
	if n.RPCAddr() != "" {
		t.Errorf("RPCAddr = %q, want empty", n.RPCAddr())
	}
}

func TestBuild_DBError(t *testing.T) {
	klog.Init("error", false, "")
	key, _ := crypto.GenerateKey()
	_, err := build(testConfig(t, 1, "", false), key, func() (storage.DB, error) {
		return nil, errors.New("disk gone")
	})
	if err == nil || !strings.Contains(err.Error(), "disk gone") {
		t.Errorf("err = %v", err)
	}
}

// --- Running ---

func TestNode_ProducesBlocks(t *testing.T) {
	n, _ := buildTestNode(t, testConfig(t, 1, "", false))
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	id := submit(t, n, "invoice")
	waitFor(t, 5*time.Second, "block 1", func() bool {
		tail, err := n.Tail()
		return err == nil && tail >= 1
	})

	tx, err := n.blocks.GetTransaction(id)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.BlockID != 1 {
		t.Errorf("block_id = %d, want 1", tx.BlockID)
	}
	st, err := n.sched.Status(n.key.ChainID(), 1)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Level != types.L2 {
		t.Errorf("broadcast level = %s, want L2", st.Level)
	}
}

func TestNode_StopWithoutStart(t *testing.T) {
	klog.Init("error", false, "")
	key, _ := crypto.GenerateKey()
	n, err := build(testConfig(t, 2, "", false), key, func() (storage.DB, error) { return storage.NewMemory(), nil })
	if err != nil {
		t.Fatal(err)
	}
	n.Stop()
}

// TestNode_VerifiesAcrossNodes runs an L1 and an L2 node against one
// directory and waits for the L1 block to finalize with the L2 receipt.
func TestNode_VerifiesAcrossNodes(t *testing.T) {
	for _, withP2P := range []bool{false, true} {
		t.Run(fmt.Sprintf("p2p=%v", withP2P), func(t *testing.T) {
			dir, dirURL := newFakeDirectory(t)

			verifier, vkey := buildTestNode(t, testConfig(t, 2, dirURL, withP2P))
			verifierID := vkey.ChainID()
			if err := verifier.Start(); err != nil {
				t.Fatalf("start verifier: %v", err)
			}
			waitFor(t, 5*time.Second, "verifier registration", func() bool { return dir.registered(verifierID) })

			origin, okey := buildTestNode(t, testConfig(t, 1, dirURL, withP2P))
			originID := okey.ChainID()
			if err := origin.Start(); err != nil {
				t.Fatalf("start origin: %v", err)
			}
			waitFor(t, 5*time.Second, "origin registration", func() bool { return dir.registered(originID) })

			submit(t, origin, "invoice")
			waitFor(t, 15*time.Second, "finalized block", func() bool {
				st, err := origin.sched.Status(originID, 1)
				return err == nil && st.Status == broadcast.StatusFinalized
			})

			st, _ := origin.sched.Status(originID, 1)
			if !st.HasVerified(types.L2, verifierID) {
				t.Errorf("L2 verifiers = %+v, want %s", st.Verified[types.L2], verifierID)
			}
			tail, err := verifier.Tail()
			if err != nil || tail < 1 {
				t.Errorf("verifier tail = %d, %v", tail, err)
			}
			blk, err := verifier.blocks.GetBlock(types.L2, tail)
			if err != nil {
				t.Fatalf("GetBlock: %v", err)
			}
			if got := blk.Payload().Origins(); len(got) != 1 || got[0] != (block.Origin{ChainID: originID, BlockID: 1}) {
				t.Errorf("L2 block origins = %v", got)
			}
		})
	}
}
