// Dragon Net chain daemon.
//
// Usage:
//
//	dragonnetd [--level=2 --network=testnet ...] Run node
//	dragonnetd --help                            Show help
//
// The chain key is read from the keystore; its password comes from
// DRAGONNET_PASSWORD or an interactive prompt.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/internal/keystore"
	"github.com/Klingon-tech/dragonnet-node/internal/node"
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
)

// passwordEnv names the variable read before prompting.
const passwordEnv = "DRAGONNET_PASSWORD"

func main() {
	cfg, _, err := config.Load(os.Args[1:])
	if err != nil {
		fatal(err)
	}

	key, err := unlockKey(cfg)
	if err != nil {
		fatal(err)
	}

	n, err := node.New(cfg, key)
	if err != nil {
		fatal(err)
	}

	if err := n.Start(); err != nil {
		n.Stop()
		fatal(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}

func unlockKey(cfg *config.Config) (*crypto.PrivateKey, error) {
	ks, err := keystore.OpenPath(node.ExpandHome(cfg.KeyPath()))
	if err != nil {
		return nil, err
	}
	if !ks.Exists() {
		return nil, fmt.Errorf("no chain key at %s (create one with: dragonnet-cli --network=%s keygen)", ks.Path(), cfg.Network)
	}

	password := []byte(os.Getenv(passwordEnv))
	if len(password) == 0 {
		if !term.IsTerminal(int(syscall.Stdin)) {
			return nil, fmt.Errorf("%s not set and stdin is not a terminal", passwordEnv)
		}
		fmt.Fprint(os.Stderr, "Chain key password: ")
		password, err = term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
	}

	key, err := ks.Unlock(password)
	if errors.Is(err, keystore.ErrWrongPassword) {
		return nil, fmt.Errorf("unlock %s: wrong password", ks.Path())
	}
	return key, err
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
