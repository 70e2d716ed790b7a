package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string

	// AdvertiseAddress is the QUIC address announced to peers. Falls
	// back to QUICAddress when empty.
	AdvertiseAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// Peers are QUIC addresses to connect to at startup.
	Peers []string

	// Weight is this node's sortition weight.
	Weight uint64

	// Lifetime is the per-request deadline.
	Lifetime time.Duration

	// Workers is the compute pool size.
	Workers int

	// VerifyShares enables BLS verification of incoming shares.
	VerifyShares bool

	// PrivateKey is the node's Ed25519 signing key.
	PrivateKey ed25519.PrivateKey
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	var peers string

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC P2P address")
	flag.StringVar(&cfg.AdvertiseAddress, "advertise", "", "QUIC address announced to peers")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&peers, "peers", "", "Comma-separated peer QUIC addresses")
	flag.Uint64Var(&cfg.Weight, "weight", 1, "Sortition weight announced to peers")
	flag.DurationVar(&cfg.Lifetime, "lifetime", 5*time.Minute, "Per-request deadline")
	flag.IntVar(&cfg.Workers, "workers", 4, "Compute pool worker count")
	flag.BoolVar(&cfg.VerifyShares, "verify", true, "Verify BLS signatures on incoming shares")
	flag.Parse()

	if peers != "" {
		for _, p := range strings.Split(peers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Peers = append(cfg.Peers, p)
			}
		}
	}

	if cfg.AdvertiseAddress == "" {
		cfg.AdvertiseAddress = cfg.QUICAddress
	}

	return cfg
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
