// Package node wires the components of a Dragon Net chain into a running
// node that can be embedded in any binary.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/internal/assembler"
	"github.com/Klingon-tech/dragonnet-node/internal/broadcast"
	klog "github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/matchmaking"
	"github.com/Klingon-tech/dragonnet-node/internal/notify"
	"github.com/Klingon-tech/dragonnet-node/internal/p2p"
	"github.com/Klingon-tech/dragonnet-node/internal/queue"
	"github.com/Klingon-tech/dragonnet-node/internal/rpc"
	"github.com/Klingon-tech/dragonnet-node/internal/rpcclient"
	"github.com/Klingon-tech/dragonnet-node/internal/storage"
	"github.com/Klingon-tech/dragonnet-node/internal/verify"
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// Key prefixes partitioning the node database.
var (
	prefixQueue      = []byte("q/")
	prefixChain      = []byte("c/")
	prefixBroadcast  = []byte("b/")
	prefixNotify     = []byte("n/")
	prefixCheckpoint = []byte("k/")
	prefixP2P        = []byte("p/")
)

// notifyRetryInterval is how often the failed-delivery set is retried.
const notifyRetryInterval = time.Minute

// Node is a fully initialized Dragon Net node for one chain and level.
type Node struct {
	cfg    *config.Config
	level  types.Level
	key    *crypto.PrivateKey
	logger zerolog.Logger

	db     storage.DB
	queue  queue.Queue
	blocks *assembler.BlockStore
	asm    *assembler.Assembler

	dir       *matchmaking.Client
	notifier  *notify.Notifier
	sched     *broadcast.Scheduler // L1 only
	processor *verify.Processor    // L2+ only

	checkpoints *verify.Checkpointer // L5 only

	p2pNode   *p2p.Node
	rpcServer *rpc.Server

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New initializes storage, the queue, the level's components and the
// transports. key is the unlocked chain key; the node zeroes it on Stop.
// Background loops are not started until Start.
func New(cfg *config.Config, key *crypto.PrivateKey) (*Node, error) {
	logFile := cfg.Log.File
	if logFile == "" {
		if err := os.MkdirAll(cfg.LogsDir(), 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(cfg.LogsDir(), "dragonnet.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return build(cfg, key, func() (storage.DB, error) {
		return storage.NewBadger(cfg.DBDir())
	})
}

// build assembles the node over the database returned by openDB.
func build(cfg *config.Config, key *crypto.PrivateKey, openDB func() (storage.DB, error)) (_ *Node, err error) {
	level := types.Level(cfg.Node.Level)
	n := &Node{
		cfg:    cfg,
		level:  level,
		key:    key,
		logger: klog.WithComponent("node"),
	}
	// Release whatever was opened when a later step fails.
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	n.logger.Info().
		Str("chain_id", string(key.ChainID())).
		Str("network", string(cfg.Network)).
		Str("chain_level", level.String()).
		Msg("Starting Dragon Net node")

	db, err := openDB()
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	n.db = db
	if n.queue, err = openQueue(context.Background(), cfg.Queue, n.db); err != nil {
		return nil, err
	}
	n.blocks = assembler.NewBlockStore(storage.NewPrefixDB(n.db, prefixChain))

	// P2P starts before the directory client so our multiaddr can be
	// registered.
	var p2pAddr string
	if cfg.P2P.Enabled {
		n.p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			DB:         storage.NewPrefixDB(n.db, prefixP2P),
			DataDir:    cfg.ChainDataDir(),
			NetworkID:  string(cfg.Network),
			ChainID:    key.ChainID(),
			Level:      level,
		})
		if err = n.p2pNode.Start(); err != nil {
			n.p2pNode = nil
			return nil, fmt.Errorf("start p2p: %w", err)
		}
		if addrs := n.p2pNode.Addrs(); len(addrs) > 0 {
			p2pAddr = addrs[0]
		}
		n.logger.Info().Str("peer_id", n.p2pNode.ID().String()).Str("addr", p2pAddr).Msg("P2P started")
	}

	n.dir = matchmaking.New(matchmaking.Config{
		URL:     cfg.Matchmaking.URL,
		Token:   cfg.Matchmaking.Token,
		Timeout: cfg.Matchmaking.RequestTimeout,
	}, key, matchmaking.Chain{
		URL:     cfg.Node.Endpoint,
		P2PAddr: p2pAddr,
		Level:   level,
		Region:  cfg.Node.Region,
		Cloud:   cfg.Node.Cloud,
		Network: checkpointNetwork(cfg, level),
	})

	out := newTransport(rpcclient.NewPeer(cfg.Broadcast.RequestDeadline), n.p2pNode)
	n.notifier = notify.New(notify.ConfigFrom(cfg.Notify), key,
		notify.NewStore(storage.NewPrefixDB(n.db, prefixNotify)), out, n.dir, n.blocks)

	n.rpcServer = rpc.New(fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port),
		rpc.Info{ChainID: key.ChainID(), Level: level, Version: config.Version}, cfg.RPC)
	n.rpcServer.SetBlocks(n.blocks)
	n.rpcServer.SetDirectory(n.dir)
	if n.p2pNode != nil {
		n.rpcServer.SetPeers(n.p2pNode)
	}
	if cfg.Metrics.Enabled {
		n.rpcServer.EnableMetrics()
	}

	if level == types.L1 {
		err = n.buildL1(out)
	} else {
		err = n.buildVerifier()
	}
	if err != nil {
		return nil, err
	}

	if n.p2pNode != nil {
		n.p2pNode.SetDispatcher(n.rpcServer)
	}
	if cfg.RPC.Enabled {
		if err = n.rpcServer.Start(); err != nil {
			return nil, fmt.Errorf("start rpc: %w", err)
		}
		n.logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server started")
	} else {
		n.rpcServer = nil
		n.logger.Warn().Msg("RPC disabled by config")
	}
	return n, nil
}

// buildL1 wires the block producer: assembler, broadcast scheduler and
// the submission side of the RPC server.
func (n *Node) buildL1(out broadcast.Transport) error {
	store := broadcast.NewDBStore(storage.NewPrefixDB(n.db, prefixBroadcast))
	n.sched = broadcast.New(broadcast.ConfigFrom(n.cfg.Broadcast), n.key, store, n.blocks, n.dir, out)
	n.sched.SetNotifier(n.notifier)
	n.asm = assembler.New(n.blocks, n.key, n.queue, n.sched, n.cfg.Node.BlockItemCap)

	n.rpcServer.SetQueue(n.queue)
	n.rpcServer.SetReceipts(n.sched)
	n.rpcServer.SetCallbacks(n.notifier.Store())

	n.logger.Info().
		Int("max_level", n.cfg.Broadcast.MaxLevel).
		Ints("required", n.cfg.Broadcast.Required[2:]).
		Dur("interval", n.cfg.Broadcast.Interval).
		Msg("Block production and broadcast enabled")
	return nil
}

// buildVerifier wires the verification engine for L2..L5.
func (n *Node) buildVerifier() error {
	n.asm = assembler.New(n.blocks, n.key, n.queue, nil, n.cfg.Node.BlockItemCap)

	var checkpoints *verify.Checkpointer
	if n.level == types.L5 {
		adapter, err := openAdapter(n.cfg.Interchain)
		if err != nil {
			return err
		}
		checkpoints, err = verify.NewCheckpointer(storage.NewPrefixDB(n.db, prefixCheckpoint), adapter, n.asm, n.cfg.Node.BlockInterval)
		if err != nil {
			return err
		}
		n.logger.Info().Str("network", adapter.Network()).Msg("Interchain checkpoints enabled")
		n.checkpoints = checkpoints
	}

	engine, err := verify.New(verify.Config{
		Level:     n.level,
		Validator: contractValidator(n.cfg.Contract),
		TxTimeout: n.cfg.Contract.Timeout,
		Region:    n.cfg.Node.Region,
		Cloud:     n.cfg.Node.Cloud,
		DDSS:      n.cfg.Node.DDSS,
	}, n.asm, checkpoints)
	if err != nil {
		return err
	}
	n.processor = verify.NewProcessor(engine, n.queue, n.notifier, n.cfg.Node.BlockItemCap)
	n.rpcServer.SetRequests(verify.NewGate(n.level, n.dir, n.queue))
	return nil
}

// Start recovers persisted state and launches the control loops.
func (n *Node) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.group, ctx = errgroup.WithContext(ctx)

	if n.sched != nil {
		if err := n.sched.Recover(ctx); err != nil {
			cancel()
			return fmt.Errorf("recover broadcast state: %w", err)
		}
		tail, err := n.blocks.Tail(types.L1)
		if err == nil {
			_, err = n.sched.Resume(ctx, tail.BlockID)
		}
		if err != nil {
			cancel()
			return fmt.Errorf("resume unscheduled blocks: %w", err)
		}
		n.goLoop(func() { n.runAssembly(ctx) })
		n.goLoop(func() { n.sched.Run(ctx, n.cfg.Broadcast.Interval) })
	}
	if n.processor != nil {
		n.goLoop(func() { n.runVerification(ctx) })
		if n.level == types.L5 {
			n.goLoop(func() { n.runCheckpoints(ctx) })
		}
	}
	if n.cfg.Matchmaking.URL != "" {
		registrar := matchmaking.NewRegistrar(n.dir, n.cfg.Matchmaking.RegistrationInterval)
		n.goLoop(func() { registrar.Run(ctx) })
	}
	n.goLoop(func() { n.notifier.Run(ctx, notifyRetryInterval) })

	n.logger.Info().
		Str("chain_id", string(n.key.ChainID())).
		Str("public_key", hex.EncodeToString(n.key.PublicKey())).
		Msg("Node started")
	return nil
}

func (n *Node) goLoop(fn func()) {
	n.group.Go(func() error {
		fn()
		return nil
	})
}

// Stop cancels the loops, waits for them and releases resources.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
		n.group.Wait()
	}
	n.close()
	n.logger.Info().Msg("Goodbye!")
}

func (n *Node) close() {
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.queue != nil {
		n.queue.Close()
	}
	if n.db != nil {
		n.db.Close()
	}
	if n.key != nil {
		n.key.Zero()
	}
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Level returns the level this node runs at.
func (n *Node) Level() types.Level {
	return n.level
}

// Tail returns the newest block id at the node's level.
func (n *Node) Tail() (uint64, error) {
	tail, err := n.blocks.Tail(n.level)
	if err != nil {
		return 0, err
	}
	return tail.BlockID, nil
}

// ── Loops ───────────────────────────────────────────────────────────

// runAssembly seals an L1 block every block interval.
func (n *Node) runAssembly(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Node.BlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.Info().Msg("Block production stopped")
			return
		case <-ticker.C:
			done := klog.Benchmark(n.logger, "produce_block")
			blk, err := n.asm.Produce(ctx)
			done()
			switch {
			case errors.Is(err, assembler.ErrAssemblyInProgress):
			case err != nil:
				if ctx.Err() == nil {
					n.logger.Error().Err(err).Msg("Failed to produce block")
				}
			case blk != nil:
				n.logger.Info().
					Uint64("block_id", blk.Header.BlockID).
					Str("proof", blk.Proof().String()[:16]+"...").
					Msg("Block produced")
			}
		}
	}
}

// runVerification drains queued requests every block interval.
func (n *Node) runVerification(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Node.BlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done := klog.Benchmark(n.logger, "verification_pass")
			produced, err := n.processor.Process(ctx)
			done()
			if err != nil && !errors.Is(err, verify.ErrProcessInProgress) && ctx.Err() == nil {
				n.logger.Error().Err(err).Msg("Verification pass failed")
			}
			if produced > 0 {
				n.logger.Info().Int("verifications", produced).Msg("Verification pass complete")
			}
		}
	}
}

// runCheckpoints polls pending L5 checkpoints for confirmation.
func (n *Node) runCheckpoints(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Interchain.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			confirmed, err := n.processor.Poll(ctx)
			if err != nil && ctx.Err() == nil {
				n.logger.Warn().Err(err).Msg("Checkpoint poll failed")
			}
			if confirmed > 0 {
				n.logger.Info().Int("confirmed", confirmed).Msg("Checkpoints confirmed")
			}
			if staged, err := n.checkpoints.Staged(); err == nil {
				n.logger.Debug().Int("staged", staged).Msg("Origins awaiting checkpoint")
			}
		}
	}
}
