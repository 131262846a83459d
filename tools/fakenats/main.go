// Package main implements fakenats — a deterministic in-process NATS-style
// broker for integration testing of client implementations. It serves the
// text wire protocol over plain TCP, TLS (advertised through the INFO
// preamble and negotiated after it), and WebSocket, with subject wildcards,
// queue groups, auto-unsubscribe budgets, optional authentication, and a
// configurable payload ceiling.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
)

// ---------------------------------------------------------------------------
// CLI flags
// ---------------------------------------------------------------------------

var (
	flagAddr       = flag.String("addr", "127.0.0.1:4222", "listen address")
	flagWSAddr     = flag.String("ws-addr", "", "WebSocket listen address (e.g. ':8222', empty disables)")
	flagServerID   = flag.String("server-id", "fakenats-1", "server id echoed in the INFO preamble")
	flagVersion    = flag.String("version", "0.1.0", "server version echoed in the INFO preamble")
	flagMaxPayload = flag.Int("max-payload", 1<<20, "maximum accepted payload size in bytes")
	flagAuth       = flag.String("auth", "", "enable auth with user:pass pairs (e.g. 'user1:pass1,user2:pass2')")
	flagTLSCert    = flag.String("tls-cert", "", "TLS certificate file (enables the TLS upgrade after INFO)")
	flagTLSKey     = flag.String("tls-key", "", "TLS key file")
	flagLogConn    = flag.Bool("log-conn", true, "log connect/disconnect events")
)

// ---------------------------------------------------------------------------
// Global state
// ---------------------------------------------------------------------------

var (
	globalConnectionsAccepted atomic.Uint64
	globalConnectionsCurrent  atomic.Int64
	globalMessagesRouted      atomic.Uint64

	authUsers map[string]string
)

// configureAuth parses "user:pass,user:pass" into the credential table.
func configureAuth(spec string) {
	authUsers = make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		user, pass, found := strings.Cut(strings.TrimSpace(pair), ":")
		if !found || user == "" {
			log.Printf("fakenats: invalid auth pair: %q", pair)
			continue
		}
		authUsers[user] = pass
	}
}

func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("both -tls-cert and -tls-key are required")
	}
	certificate, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{certificate}}, nil
}

// ---------------------------------------------------------------------------
// main
// ---------------------------------------------------------------------------

func main() {
	flag.Parse()

	if *flagAuth != "" {
		configureAuth(*flagAuth)
	}

	tlsConfig, err := loadTLSConfig(*flagTLSCert, *flagTLSKey)
	if err != nil {
		log.Fatalf("fakenats: tls config: %v", err)
	}

	listener, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		log.Fatalf("fakenats: listen %s failed: %v", *flagAddr, err)
	}

	var wsServer *http.Server
	if *flagWSAddr != "" {
		wsServer = startWebSocketListener(*flagWSAddr)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("fakenats: received %v, shutting down", sig)
		if wsServer != nil {
			_ = wsServer.Close()
		}
		_ = listener.Close()
	}()

	log.Printf("fakenats %s listening on %s  (ws=%q max_payload=%d auth=%v tls=%v)",
		*flagVersion, *flagAddr, *flagWSAddr, *flagMaxPayload, len(authUsers) > 0, tlsConfig != nil)

	for {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			log.Printf("fakenats: listener closed, exiting")
			return
		}
		globalConnectionsAccepted.Add(1)
		globalConnectionsCurrent.Add(1)
		go handleConnection(conn, tlsConfig)
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stderr)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "fakenats — deterministic NATS-style broker for client testing\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}
