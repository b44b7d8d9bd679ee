// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// relayd is the relay daemon: it serves the letter ledger's HTTP
// surface, drains the write pipeline, and keeps the chain reconciled
// with the directory and its peers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bitmark-inc/exitwithstatus"
	"github.com/bitmark-inc/getoptions"
	"github.com/bitmark-inc/logger"

	"github.com/letterrelay/relaynet/internal/config"
	"github.com/letterrelay/relaynet/internal/heartbeat"
	"github.com/letterrelay/relaynet/internal/identity"
	"github.com/letterrelay/relaynet/internal/ledger"
	"github.com/letterrelay/relaynet/internal/pending"
	"github.com/letterrelay/relaynet/internal/pipeline"
	"github.com/letterrelay/relaynet/internal/relayhttp"
	"github.com/letterrelay/relaynet/internal/syncengine"
	"github.com/letterrelay/relaynet/internal/transport"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero"

var defaultLogLevels = map[string]string{
	"main":            "info",
	logger.DefaultTag: "info",
}

func main() {
	defer exitwithstatus.Handler()

	flags := []getoptions.Option{
		{Long: "help", HasArg: getoptions.NO_ARGUMENT, Short: 'h'},
		{Long: "verbose", HasArg: getoptions.NO_ARGUMENT, Short: 'v'},
		{Long: "quiet", HasArg: getoptions.NO_ARGUMENT, Short: 'q'},
		{Long: "version", HasArg: getoptions.NO_ARGUMENT, Short: 'V'},
		{Long: "config-file", HasArg: getoptions.REQUIRED_ARGUMENT, Short: 'c'},
	}

	program, options, _, err := getoptions.GetOS(flags)
	if err != nil {
		exitwithstatus.Message("%s: getoptions error: %s", program, err)
	}
	if len(options["version"]) > 0 {
		exitwithstatus.Message("%s: version: %s", program, version)
	}
	if len(options["help"]) > 0 {
		exitwithstatus.Message("usage: %s [--help] [--verbose] [--quiet] --config-file=FILE", program)
	}
	if 1 != len(options["config-file"]) {
		exitwithstatus.Message("%s: exactly one --config-file is required", program)
	}
	configFile := options["config-file"][0]
	dataDir := filepath.Dir(configFile)

	cfg, err := config.LoadRelay(configFile)
	if err != nil {
		exitwithstatus.Message("%s: failed to read configuration from %q: %s", program, configFile, err)
	}

	if err := logger.Initialise(logger.Configuration{
		Directory: filepath.Join(dataDir, "log"),
		File:      "relayd.log",
		Size:      1024 * 1024,
		Count:     10,
		Levels:    defaultLogLevels,
	}); err != nil {
		exitwithstatus.Message("%s: logger setup failed with error: %s", program, err)
	}
	defer logger.Finalise()

	log := logger.New("main")
	defer log.Info("shutting down…")
	log.Info("starting…")
	log.Infof("version: %s", version)

	id, err := identity.LoadOrCreate(filepath.Join(dataDir, "identity.json"))
	if err != nil {
		log.Criticalf("identity load failed: %s", err)
		exitwithstatus.Message("%s: identity load failed: %s", program, err)
	}
	log.Infof("fingerprint: %s", id.Fingerprint)

	legacyChainFile := filepath.Join(dataDir, "blocks.json")
	chainsRoot := filepath.Join(dataDir, "chains")
	if err := ledger.MigrateLegacy(chainsRoot, legacyChainFile, log); err != nil {
		log.Criticalf("legacy chain migration failed: %s", err)
		exitwithstatus.Message("%s: legacy chain migration failed: %s", program, err)
	}

	l, err := ledger.Initialize(chainsRoot, cfg.ActiveGenesisHash, log)
	if err != nil {
		log.Criticalf("ledger initialise failed: %s", err)
		exitwithstatus.Message("%s: ledger initialise failed: %s", program, err)
	}

	queue, err := pending.Open(filepath.Join(dataDir, "pending-letters.json"))
	if err != nil {
		log.Criticalf("pending queue load failed: %s", err)
		exitwithstatus.Message("%s: pending queue load failed: %s", program, err)
	}

	peers := syncengine.NewDirectoryPeerSource(cfg.DirectoryURL, cfg.Onion, nil)
	syncEngineLog := logger.New("syncengine")
	engine := syncengine.New(l, peers, nil, syncEngineLog)

	metricsHolder := config.NewMetricsHolder(cfg.Metrics)
	heartbeatLog := logger.New("heartbeat")
	heart := heartbeat.New(heartbeat.Config{
		Identity: heartbeat.Identity{
			Onion:           cfg.Onion,
			PublicURL:       cfg.PublicURL,
			PublicAccessURL: cfg.PublicAccessURL,
			Nickname:        cfg.Nickname,
			Fingerprint:     id.Fingerprint,
		},
		DirectoryURL:   cfg.DirectoryURL,
		Chain:          l,
		Metrics:        metricsHolder,
		Switcher:       l,
		Syncer:         engine,
		Log:            heartbeatLog,
		ReportInterval: config.RelayReportInterval(heartbeat.DefaultReportInterval),
		SyncInterval:   config.RelaySyncInterval(heartbeat.DefaultSyncInterval),
	})

	pipelineLog := logger.New("pipeline")
	p := pipeline.New(l, queue, engine, heart, pipelineLog)
	engine.SetEnqueuer(p)

	watcher, err := config.NewWatcher(configFile, logger.New("config"), func(reloaded *config.Relay) {
		metricsHolder.Set(reloaded.Metrics)
	})
	if err != nil {
		log.Warnf("config watcher setup failed: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start()
	defer p.Stop()

	go heart.Run(ctx)
	if watcher != nil {
		go watcher.Run(ctx)
	}

	mux := http.NewServeMux()
	relayhttp.New(mux, l, p, engine, heart, logger.New("relayhttp"))

	certFile := filepath.Join(dataDir, "relayd.crt")
	keyFile := filepath.Join(dataDir, "relayd.key")
	if err := transport.EnsureSelfSignedCert(cfg.Onion, certFile, keyFile, nil); err != nil {
		log.Criticalf("certificate bootstrap failed: %s", err)
		exitwithstatus.Message("%s: certificate bootstrap failed: %s", program, err)
	}

	listenAddresses := []string{"127.0.0.1:0"}
	server, err := transport.New("relayd", listenAddresses, certFile, keyFile, 64, mux, logger.New("transport"))
	if err != nil {
		log.Criticalf("transport setup failed: %s", err)
		exitwithstatus.Message("%s: transport setup failed: %s", program, err)
	}
	if err := server.Start(); err != nil {
		log.Criticalf("transport start failed: %s", err)
		exitwithstatus.Message("%s: transport start failed: %s", program, err)
	}
	defer server.Stop()

	if 0 == len(options["quiet"]) {
		fmt.Printf("\n\nWaiting for CTRL-C (SIGINT) or 'kill <pid>' (SIGTERM)…")
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	log.Infof("received signal: %v", sig)
	if 0 == len(options["quiet"]) {
		fmt.Printf("\nreceived signal: %v\n", sig)
		fmt.Printf("\nshutting down...\n")
	}
}
