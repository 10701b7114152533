package config

import (
	"testing"
	"time"
)

func TestCheckpointNetwork_ConfirmationWait(t *testing.T) {
	tests := []struct {
		network string
		want    time.Duration
	}{
		{"bitcoin", 6 * 600 * 3 * time.Second},
		{"ethereum", 12 * 15 * 3 * time.Second},
		{"binance", time.Duration(12*3*1.5) * time.Second},
	}
	for _, tt := range tests {
		n, err := CheckpointNetworkFor(tt.network)
		if err != nil {
			t.Fatalf("CheckpointNetworkFor(%q): %v", tt.network, err)
		}
		if got := n.ConfirmationWait(); got != tt.want {
			t.Errorf("%s ConfirmationWait() = %v, want %v", tt.network, got, tt.want)
		}
	}
}

func TestL5BroadcastWait(t *testing.T) {
	interval := 2 * time.Hour
	if got, want := L5BroadcastWait("ethereum", interval), 540*time.Second+interval; got != want {
		t.Errorf("L5BroadcastWait(ethereum) = %v, want %v", got, want)
	}
	if got := L5BroadcastWait("dogecoin", interval); got != DefaultL5Wait {
		t.Errorf("unknown network wait = %v, want %v", got, DefaultL5Wait)
	}
}
