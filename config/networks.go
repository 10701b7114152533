package config

import (
	"fmt"
	"time"
)

// DefaultL5Wait is used for L5 broadcasts when the checkpoint network has no
// known confirmation parameters.
const DefaultL5Wait = 43200 * time.Second

// CheckpointNetwork holds the confirmation parameters of a public chain that
// L5 nodes checkpoint to.
type CheckpointNetwork struct {
	Name           string        // e.g. "bitcoin", "ethereum", "binance"
	Family         string        // "btc" or "eth"; selects the RPC dialect
	Confirmations  uint64        // Confirmations before a checkpoint is final
	BlockTime      time.Duration // Average block interval
	DelayBuffer    float64       // Multiplier applied to the expected wait
	RebroadcastAge uint64        // Blocks after which an unconfirmed tx is re-sent (0 = never)
}

// ConfirmationWait returns how long a checkpoint on this network is expected
// to take to confirm, padded by the network's delay buffer.
func (n CheckpointNetwork) ConfirmationWait() time.Duration {
	return time.Duration(float64(n.Confirmations) * float64(n.BlockTime) * n.DelayBuffer)
}

// Known checkpoint networks.
var checkpointNetworks = map[string]CheckpointNetwork{
	"bitcoin": {
		Name: "bitcoin", Family: "btc",
		Confirmations: 6, BlockTime: 600 * time.Second, DelayBuffer: 3.0,
		RebroadcastAge: 10,
	},
	"ethereum": {
		Name: "ethereum", Family: "eth",
		Confirmations: 12, BlockTime: 15 * time.Second, DelayBuffer: 3.0,
		RebroadcastAge: 30,
	},
	"ethereum-classic": {
		Name: "ethereum-classic", Family: "eth",
		Confirmations: 12, BlockTime: 15 * time.Second, DelayBuffer: 3.0,
		RebroadcastAge: 30,
	},
	"binance": {
		Name: "binance", Family: "eth",
		Confirmations: 12, BlockTime: 3 * time.Second, DelayBuffer: 1.5,
		RebroadcastAge: 30,
	},
}

// CheckpointNetworkFor returns the parameters for a named network.
func CheckpointNetworkFor(name string) (CheckpointNetwork, error) {
	n, ok := checkpointNetworks[name]
	if !ok {
		return CheckpointNetwork{}, fmt.Errorf("unknown checkpoint network %q", name)
	}
	return n, nil
}

// L5BroadcastWait returns how long the broadcast scheduler waits for an L5
// verification before retrying: the expected confirmation time plus one
// L5 broadcast interval.
func L5BroadcastWait(network string, l5Interval time.Duration) time.Duration {
	n, err := CheckpointNetworkFor(network)
	if err != nil {
		return DefaultL5Wait
	}
	return n.ConfirmationWait() + l5Interval
}
