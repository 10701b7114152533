package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/matchmaking"
	"github.com/Klingon-tech/dragonnet-node/internal/rpcclient"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// fakeDispatcher records calls and answers with a fixed result or error.
type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []string
	params []json.RawMessage
	result interface{}
	err    error
}

func (f *fakeDispatcher) DispatchPeer(_ context.Context, method string, params json.RawMessage) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeDispatcher) set(result interface{}, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result, f.err = result, err
}

func (f *fakeDispatcher) snapshot() ([]string, []json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([]json.RawMessage(nil), f.params...)
}

func verifyPair(t *testing.T) (*Node, *Node, *fakeDispatcher, *matchmaking.Chain) {
	t.Helper()
	sender := startTestNodeAs(t, "testnet", "l1-chain", types.L1)
	verifier := startTestNodeAs(t, "testnet", "l2-chain", types.L2)
	d := &fakeDispatcher{result: &rpcclient.Ack{Accepted: true}}
	verifier.SetDispatcher(d)
	to := &matchmaking.Chain{ID: "l2-chain", Level: types.L2, P2PAddr: verifier.Addrs()[0]}
	return sender, verifier, d, to
}

func testRequest() *block.Request {
	blk := block.New(&block.Header{
		Version:   block.CurrentVersion,
		ChainID:   "l1-chain",
		BlockID:   7,
		Timestamp: 1700000000,
	}, &block.L1Payload{})
	return &block.Request{Sender: "l1-chain", Level: types.L2, Deadline: 1700000030, Block: blk}
}

func TestVerify_SendRequest(t *testing.T) {
	sender, _, d, to := verifyPair(t)

	if err := sender.SendRequest(context.Background(), to, testRequest()); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	calls, params := d.snapshot()
	if len(calls) != 1 || calls[0] != rpcclient.MethodVerify {
		t.Fatalf("calls = %v", calls)
	}
	var got block.Request
	if err := json.Unmarshal(params[0], &got); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if got.Origin().BlockID != 7 || got.Level != types.L2 {
		t.Errorf("request = %+v", got)
	}
}

func TestVerify_SendReceipt(t *testing.T) {
	sender, _, d, to := verifyPair(t)
	d.set(&rpcclient.Ack{Accepted: true, Outcome: "accepted"}, nil)

	req := testRequest()
	v := &block.Verification{Verifier: "l2-chain", Level: types.L2, Origin: req.Origin(), Block: req.Block}
	if err := sender.SendReceipt(context.Background(), to, v); err != nil {
		t.Fatalf("SendReceipt: %v", err)
	}
	if calls, _ := d.snapshot(); len(calls) != 1 || calls[0] != rpcclient.MethodReceipt {
		t.Errorf("calls = %v", calls)
	}
}

func TestVerify_Refused(t *testing.T) {
	sender, _, d, to := verifyPair(t)
	d.set(&rpcclient.Ack{Accepted: false}, nil)

	if err := sender.SendRequest(context.Background(), to, testRequest()); err == nil {
		t.Error("expected error for refused request")
	}
}

func TestVerify_RemoteErrorCode(t *testing.T) {
	sender, _, d, to := verifyPair(t)
	d.set(nil, &rpcclient.RPCError{Code: rpcclient.CodeRejected, Message: "expired_deadline"})

	err := sender.SendRequest(context.Background(), to, testRequest())
	var rpcErr *rpcclient.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != rpcclient.CodeRejected {
		t.Errorf("code = %d, want %d", rpcErr.Code, rpcclient.CodeRejected)
	}
}

func TestVerify_DispatcherFailureIsUnavailable(t *testing.T) {
	sender, _, d, to := verifyPair(t)
	d.set(nil, errors.New("disk full"))

	err := sender.SendRequest(context.Background(), to, testRequest())
	var rpcErr *rpcclient.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpcclient.CodeUnavailable {
		t.Errorf("err = %v, want CodeUnavailable", err)
	}
}

func TestVerify_NoDispatcher(t *testing.T) {
	sender, verifier, _, to := verifyPair(t)
	verifier.SetDispatcher(nil)

	err := sender.SendRequest(context.Background(), to, testRequest())
	var rpcErr *rpcclient.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpcclient.CodeUnavailable {
		t.Errorf("err = %v, want CodeUnavailable", err)
	}
}

func TestVerify_UnservedMethod(t *testing.T) {
	sender, _, d, to := verifyPair(t)

	err := sender.call(context.Background(), to, "dragonnet_submitTransaction", map[string]string{}, nil)
	var rpcErr *rpcclient.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpcclient.CodeRejected {
		t.Errorf("err = %v, want CodeRejected", err)
	}
	if calls, _ := d.snapshot(); len(calls) != 0 {
		t.Error("unserved method reached the dispatcher")
	}
}

func TestVerify_NoP2PAddr(t *testing.T) {
	sender := startTestNode(t, "testnet")

	err := sender.SendRequest(context.Background(), &matchmaking.Chain{ID: "x"}, testRequest())
	if !errors.Is(err, rpcclient.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestVerify_Unreachable(t *testing.T) {
	sender := startTestNode(t, "testnet")
	gone := startTestNode(t, "testnet")
	addr := gone.Addrs()[0]
	gone.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := sender.SendRequest(ctx, &matchmaking.Chain{ID: "gone", P2PAddr: addr}, testRequest())
	if !errors.Is(err, rpcclient.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

// --- Misbehavior ---

func TestVerify_UnauthorizedScoresPeer(t *testing.T) {
	sender, verifier, d, to := verifyPair(t)
	d.set(nil, &rpcclient.RPCError{Code: rpcclient.CodeUnauthorized, Message: "unauthorized"})

	sender.SendRequest(context.Background(), to, testRequest())
	if got := verifier.BanManager.Score(sender.ID()); got != PenaltyUnauthorized {
		t.Fatalf("score = %d, want %d", got, PenaltyUnauthorized)
	}

	for i := 1; i < BanThreshold/PenaltyUnauthorized; i++ {
		sender.SendRequest(context.Background(), to, testRequest())
	}
	if !verifier.BanManager.IsBanned(sender.ID()) {
		t.Fatal("sender not banned after repeated unauthorized requests")
	}

	waitFor(t, "banned sender refused", func() bool {
		err := sender.SendRequest(context.Background(), to, testRequest())
		return errors.Is(err, rpcclient.ErrUnavailable)
	})
}

func TestVerify_MalformedFrameScoresPeer(t *testing.T) {
	sender, verifier, _, to := verifyPair(t)

	pid, err := sender.connect(context.Background(), to.P2PAddr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	stream, err := sender.host.NewStream(context.Background(), pid, VerifyProtocol)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	stream.Write([]byte("not json"))
	stream.CloseWrite()
	io.Copy(io.Discard, stream)
	stream.Close()

	waitFor(t, "malformed penalty", func() bool {
		return verifier.BanManager.Score(sender.ID()) == PenaltyMalformed
	})
}
