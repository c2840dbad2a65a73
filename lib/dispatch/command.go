// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/cyverse-gis/wq-provision/lib/cmd"
	"github.com/cyverse-gis/wq-provision/lib/config"
	"github.com/cyverse-gis/wq-provision/lib/ctxlog"
	"github.com/cyverse-gis/wq-provision/lib/project"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Command is the "dispatch" subcommand: run one provisioning pass
// (or, with -poll, keep running passes) for each configured cluster
// target.
//
// Exit codes: 0 means every selected cluster completed its pass,
// including deliberate no-op passes; 1 means a configuration problem
// (nothing was submitted); 2 means a usage error; 3 means at least
// one cluster's pass aborted during render or submit.
var Command cmd.Handler = dispatchCommand{}

type dispatchCommand struct{}

func (dispatchCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, `
Usage: %s [options] <shared-secret>

Inspects the task queue backlog for the project derived from the
shared secret, and requests additional workers from the configured
batch schedulers when the backlog calls for them.

Options:
`, prog)
		flags.PrintDefaults()
	}
	defaultConfigPath := config.DefaultPath
	if p := os.Getenv("WQ_PROVISION_CONFIG"); p != "" {
		defaultConfigPath = p
	}
	configPath := flags.String("config", defaultConfigPath, "`path` to YAML configuration file")
	clusterName := flags.String("cluster", "", "dispatch only to the named cluster `target` (default: all configured targets)")
	pollPeriod := flags.Duration("poll", 0, "keep running, repeating the pass every `period` (default: run one pass and exit)")
	dryRun := flags.Bool("dry-run", false, "render artifacts and log the decision without submitting")
	secretFile := flags.String("secret-file", "", "read the shared secret from `path` instead of the command line")
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}

	var secret string
	switch {
	case flags.NArg() > 1:
		fmt.Fprintf(stderr, "%s: unrecognized arguments after shared secret: %q\n", prog, flags.Args()[1:])
		return 1
	case flags.NArg() == 1 && *secretFile != "":
		fmt.Fprintf(stderr, "%s: give a shared secret argument or -secret-file, not both\n", prog)
		return 1
	case flags.NArg() == 1:
		secret = flags.Arg(0)
	case *secretFile != "":
		var err error
		secret, err = project.LoadSecret(*secretFile)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", prog, err)
			return 1
		}
	default:
		fmt.Fprintf(stderr, "%s: missing shared secret argument\n", prog)
		return 1
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		return 1
	}
	logger := ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	proj := project.New(cfg.Project.NamePrefix, secret)

	var clusters []string
	if *clusterName != "" {
		if _, ok := cfg.Clusters[*clusterName]; !ok {
			fmt.Fprintf(stderr, "%s: no such cluster %q in %s\n", prog, *clusterName, *configPath)
			return 1
		}
		clusters = []string{*clusterName}
	} else {
		for name := range cfg.Clusters {
			clusters = append(clusters, name)
		}
		sort.Strings(clusters)
	}

	registry := prometheus.NewRegistry()
	var dispatchers []*Dispatcher
	for _, name := range clusters {
		cc := cfg.Clusters[name]
		sched, err := New(name, cc, logger.WithField("cluster", name))
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", prog, err)
			return 1
		}
		defer sched.Close()
		dispatchers = append(dispatchers, &Dispatcher{
			Cluster:       name,
			ClusterConfig: cc,
			Policy:        cfg.Scale,
			Workers:       cfg.Workers,
			Project:       proj,
			Sched:         sched,
			Logger:        logger,
			Registry:      registry,
			DryRun:        *dryRun,
		})
	}

	ctx := ctxlog.Context(context.Background(), logger.WithField("PID", os.Getpid()))

	if *pollPeriod == 0 {
		exitcode := 0
		for _, disp := range dispatchers {
			if err := disp.RunOnce(ctx); err != nil {
				logger.Errorf("%s", err)
				exitcode = 3
			}
		}
		return exitcode
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.ManagementAddress != "" {
		srv := managementServer(cfg.ManagementAddress, registry)
		defer srv.Close()
		go func() {
			logger.Infof("management server listening on %s", cfg.ManagementAddress)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				logger.Errorf("management server: %s", err)
			}
		}()
	}
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.Warnf("error notifying init daemon: %s", err)
	}
	done := make(chan struct{})
	for _, disp := range dispatchers {
		disp := disp
		go func() {
			disp.Poll(ctx, time.Duration(*pollPeriod))
			done <- struct{}{}
		}()
	}
	for range dispatchers {
		<-done
	}
	return 0
}

func managementServer(addr string, registry *prometheus.Registry) *http.Server {
	mux := httprouter.New()
	mux.Handler("GET", "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandlerFunc("GET", "/_health/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"health":"OK"}`+"\n")
	})
	return &http.Server{Addr: addr, Handler: mux}
}
