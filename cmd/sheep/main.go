// Command sheep is the daemon entry point: flag parsing and process
// bootstrap only (spec §1 "CLI front-end ... out of scope" beyond this thin
// shell), grounded on the teacher's own minimal main.go pattern for its
// target/proxy binaries — flags in, GCO-equivalent config built and
// validated, then Prepare, an optional Format or Join, and a blocking Serve.
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sheepd/sheepd/cluster"
	"github.com/sheepd/sheepd/config"
	"github.com/sheepd/sheepd/sdlog"
	"github.com/sheepd/sheepd/server"
)

func main() {
	cfg := config.Default()

	flag.IntVar(&cfg.Copies, "copies", cfg.Copies, "replication factor N")
	zone := flag.Uint("zone", uint(cfg.Zone), "failure-domain zone id")
	flag.IntVar(&cfg.Vnodes, "vnodes", cfg.Vnodes, "virtual nodes per physical node")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to accept peer/client connections on")
	flag.StringVar(&cfg.BaseDir, "dir", cfg.BaseDir, "base directory for objects, epoch log, and VDI index")
	flag.Uint64Var(&cfg.DiskCapBytes, "disk-cap", cfg.DiskCapBytes, "disk capacity cap in bytes (0 = unbounded)")
	durability := flag.String("write-durability", string(cfg.WriteDurability), `write success policy under partial replica failure: "halt" or "degraded"`)
	flag.BoolVar(&cfg.RecoveryCompression, "recovery-compression", cfg.RecoveryCompression, "compress recovery push/pull payloads with lz4")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "prometheus exporter listen address, empty disables it")
	verbosity := flag.Int("v", 0, "log verbosity")
	doFormat := flag.Bool("format", false, "format a fresh cluster at epoch 1 and exit the WAIT_FOR_FORMAT state")
	doJoin := flag.Bool("join", false, "request to join an already-formatted cluster")
	flag.Parse()

	cfg.Zone = uint32(*zone)
	cfg.WriteDurability = config.WriteDurability(*durability)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sdlog.SetVerbosity(*verbosity)
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logFile, err := os.Create(filepath.Join(cfg.BaseDir, "sheep.log"))
	if err == nil {
		sdlog.SetOutput(logFile)
	}

	hub := cluster.NewMemHub()
	driver := cluster.NewMemDriver(hub)

	srv, err := server.New(cfg, driver)
	if err != nil {
		sdlog.Fatalf("sheep: %v", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				sdlog.Warningf("sheep: metrics exporter: %v", err)
			}
		}()
	}

	if err := srv.Listen(); err != nil {
		sdlog.Fatalf("sheep: listen %s: %v", cfg.ListenAddr, err)
	}
	sdlog.Infof("sheep: listening on %s, base dir %s", cfg.ListenAddr, cfg.BaseDir)

	if err := srv.Prepare(); err != nil {
		sdlog.Fatalf("sheep: prepare: %v", err)
	}

	if *doFormat {
		if err := srv.Format(uint64(time.Now().Unix()), cfg.Copies); err != nil {
			sdlog.Fatalf("sheep: format: %v", err)
		}
		sdlog.Infof("sheep: formatted cluster, copies=%d", cfg.Copies)
	}
	if *doJoin {
		if err := srv.Join(); err != nil {
			sdlog.Fatalf("sheep: join: %v", err)
		}
		sdlog.Infof("sheep: join requested")
	}

	if err := srv.Serve(); err != nil {
		sdlog.Fatalf("sheep: serve: %v", err)
	}
	srv.Stop()
}
