// Package rpc implements the node's JSON-RPC 2.0 server: the peer
// verification protocol endpoint and the operator API.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/internal/assembler"
	"github.com/Klingon-tech/dragonnet-node/internal/broadcast"
	klog "github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/matchmaking"
	"github.com/Klingon-tech/dragonnet-node/internal/p2p"
	"github.com/Klingon-tech/dragonnet-node/internal/queue"
	"github.com/Klingon-tech/dragonnet-node/internal/rpcclient"
	"github.com/Klingon-tech/dragonnet-node/internal/verify"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/tx"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// maxBodySize is the maximum allowed request body size. Verification
// requests carry whole blocks, so this is larger than a wallet API needs.
const maxBodySize = 8 << 20

// Blocks reads this chain's blocks and transactions.
type Blocks interface {
	GetBlock(level types.Level, id uint64) (*block.Block, error)
	GetTransaction(id string) (*tx.Transaction, error)
	Tail(level types.Level) (assembler.Tail, error)
}

// Receipts is the broadcast side of an L1 chain.
type Receipts interface {
	Status(chainID types.ChainID, blockID uint64) (*broadcast.State, error)
	ReceiveVerification(ctx context.Context, v *block.Verification) (broadcast.Outcome, error)
	Pending() (int, error)
}

// Requests admits verification requests on an L2+ chain.
type Requests interface {
	Accept(ctx context.Context, req *block.Request) error
}

// Callbacks registers per-transaction callback URLs.
type Callbacks interface {
	RegisterCallback(txnID, url string) error
}

// Directory resolves registered chains.
type Directory interface {
	LookupChain(ctx context.Context, id types.ChainID) (*matchmaking.Chain, error)
}

// Peers reports the p2p transport's connections and bans.
type Peers interface {
	PeerCount() int
	PeerList() []p2p.Peer
	Bans() []p2p.BanRecord
}

// Info identifies the node in dragonnet_status.
type Info struct {
	ChainID types.ChainID
	Level   types.Level
	Version string
}

// Server is the JSON-RPC 2.0 HTTP server.
type Server struct {
	addr        string
	info        Info
	started     time.Time
	queue       queue.Queue // L1 transaction intake (nil = disabled)
	blocks      Blocks
	receipts    Receipts  // L1 only
	requests    Requests  // L2+ only
	callbacks   Callbacks // nil = callback_url rejected
	directory   Directory // nil = receipts not checked against registrations
	peers       Peers
	metrics     bool
	limiter     *ipLimiter
	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet // Empty = allow all.
}

// New creates a new RPC server. A zero-value RPCConfig allows all IPs and
// disables rate limiting.
func New(addr string, info Info, rpcCfg config.RPCConfig) *Server {
	s := &Server{
		addr:        addr,
		info:        info,
		started:     time.Now(),
		logger:      klog.WithComponent("rpc"),
		allowedNets: parseAllowedIPs(rpcCfg.AllowedIPs),
	}
	if rpcCfg.RateLimit > 0 {
		s.limiter = newIPLimiter(rpcCfg.RateLimit, rpcCfg.RateBurst)
	}
	return s
}

// parseAllowedIPs converts string IP/CIDR entries into net.IPNet.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		// Try as a single IP (add /32 or /128).
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Handler returns the routed handler with IP filtering and rate limiting.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.filterIP)
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/", s.handleRequest)
	return r
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// SetQueue enables dragonnet_submitTransaction.
func (s *Server) SetQueue(q queue.Queue) {
	s.queue = q
}

// SetBlocks sets the block and transaction store.
func (s *Server) SetBlocks(b Blocks) {
	s.blocks = b
}

// SetReceipts enables dragonnet_receipt and dragonnet_blockStatus.
func (s *Server) SetReceipts(r Receipts) {
	s.receipts = r
}

// SetRequests enables dragonnet_verify.
func (s *Server) SetRequests(r Requests) {
	s.requests = r
}

// SetCallbacks enables callback_url on submission.
func (s *Server) SetCallbacks(c Callbacks) {
	s.callbacks = c
}

// SetDirectory makes receipts require a registered verifier.
func (s *Server) SetDirectory(d Directory) {
	s.directory = d
}

// SetPeers sets the p2p peer counter for dragonnet_status.
func (s *Server) SetPeers(p Peers) {
	s.peers = p
}

// EnableMetrics serves Prometheus metrics on /metrics.
func (s *Server) EnableMetrics() {
	s.metrics = true
}

// filterIP rejects clients outside the allowlist.
func (s *Server) filterIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedNets) > 0 {
			ip := net.ParseIP(remoteHost(r))
			if ip == nil || !s.isIPAllowed(ip) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleRequest is the main HTTP handler for JSON-RPC requests.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}

	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	result, rpcErr := s.dispatch(r.Context(), &req)
	if rpcErr != nil {
		writeJSON(w, Response{
			JSONRPC: "2.0",
			Error:   rpcErr,
			ID:      req.ID,
		})
		return
	}

	writeJSON(w, Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	})
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, *Error) {
	switch req.Method {
	case MethodSubmitTransaction:
		return s.handleSubmitTransaction(ctx, req)
	case MethodGetTransaction:
		return s.handleGetTransaction(req)
	case MethodGetBlock:
		return s.handleGetBlock(req)
	case MethodBlockStatus:
		return s.handleBlockStatus(req)
	case MethodVerify:
		return s.handleVerify(ctx, req)
	case MethodReceipt:
		return s.handleReceipt(ctx, req)
	case MethodStatus:
		return s.handleStatus(ctx)
	case MethodPeers:
		return s.handlePeers()
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

// DispatchPeer serves a verification call that arrived over libp2p. Only
// the peer protocol methods are routed; errors come back as
// *rpcclient.RPCError so the stream reply carries the same codes as HTTP.
func (s *Server) DispatchPeer(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	req := &Request{JSONRPC: "2.0", Method: method}
	if len(params) > 0 {
		req.Params = params
	}

	var (
		result interface{}
		rpcErr *Error
	)
	switch method {
	case MethodVerify:
		result, rpcErr = s.handleVerify(ctx, req)
	case MethodReceipt:
		result, rpcErr = s.handleReceipt(ctx, req)
	default:
		rpcErr = &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
	}
	if rpcErr != nil {
		return nil, &rpcclient.RPCError{Code: rpcErr.Code, Message: rpcErr.Message}
	}
	return result, nil
}

// writeJSON writes a JSON-RPC response.
func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON-RPC error response.
func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

// isIPAllowed checks if the IP is in the allowed networks list.
func (s *Server) isIPAllowed(ip net.IP) bool {
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseParams unmarshals the request params into the given target.
func parseParams(req *Request, target interface{}) *Error {
	if req.Params == nil {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}

	data, err := json.Marshal(req.Params)
	if err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}

	if err := json.Unmarshal(data, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

func notServed(method string, level types.Level) *Error {
	return &Error{Code: CodeRejected, Message: fmt.Sprintf("%s is not served by a %s node", method, level), Data: RejectData{Reason: verify.ReasonNotAccepting}}
}
