// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// directoryd is the directory authority daemon: it tracks known
// relays, computes the canonical chain manifest, probes reachability,
// and fans out sync nudges after every heartbeat.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bitmark-inc/exitwithstatus"
	"github.com/bitmark-inc/getoptions"
	"github.com/bitmark-inc/logger"

	"github.com/letterrelay/relaynet/internal/broadcast"
	"github.com/letterrelay/relaynet/internal/config"
	"github.com/letterrelay/relaynet/internal/directoryhttp"
	"github.com/letterrelay/relaynet/internal/probe"
	"github.com/letterrelay/relaynet/internal/registry"
	"github.com/letterrelay/relaynet/internal/transport"
)

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

	cfg, err := config.LoadDirectory(configFile)
	if err != nil {
		exitwithstatus.Message("%s: failed to read configuration from %q: %s", program, configFile, err)
	}

	if err := logger.Initialise(logger.Configuration{
		Directory: filepath.Join(dataDir, "log"),
		File:      "directoryd.log",
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

	statePath := cfg.StateFile
	if statePath == "" {
		statePath = filepath.Join(dataDir, "directory-state.json")
	}
	reg, err := registry.Load(statePath)
	if err != nil {
		log.Criticalf("registry load failed: %s", err)
		exitwithstatus.Message("%s: registry load failed: %s", program, err)
	}

	fanout := broadcast.New(nil, logger.New("broadcast"))

	probeInterval := probe.DefaultInterval
	if cfg.ProbeInterval > 0 {
		probeInterval = time.Duration(cfg.ProbeInterval) * time.Second
	}
	probeTimeout := probe.DefaultTimeout
	if cfg.ProbeTimeout > 0 {
		probeTimeout = time.Duration(cfg.ProbeTimeout) * time.Second
	}

	poller := probe.New(reg, reg, logger.New("probe"),
		config.DirectoryProbeInterval(probeInterval),
		config.DirectoryProbeTimeout(probeTimeout),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	mux := http.NewServeMux()
	directoryhttp.New(mux, reg, fanout, logger.New("directoryhttp"))

	certFile := cfg.Certificate
	keyFile := cfg.PrivateKey
	if certFile == "" {
		certFile = filepath.Join(dataDir, "directoryd.crt")
	}
	if keyFile == "" {
		keyFile = filepath.Join(dataDir, "directoryd.key")
	}
	if err := transport.EnsureSelfSignedCert("directoryd", certFile, keyFile, nil); err != nil {
		log.Criticalf("certificate bootstrap failed: %s", err)
		exitwithstatus.Message("%s: certificate bootstrap failed: %s", program, err)
	}

	listenAddresses := cfg.Listen
	if len(listenAddresses) == 0 {
		listenAddresses = []string{"127.0.0.1:0"}
	}
	server, err := transport.New("directoryd", listenAddresses, certFile, keyFile, 256, mux, logger.New("transport"))
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
