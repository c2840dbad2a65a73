// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads the cluster targets and scaling policy for
// wq-provision from a YAML configuration file.
package config

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"time"

	"github.com/ghodss/yaml"
)

// DefaultPath is used when no -config argument (and no
// WQ_PROVISION_CONFIG environment variable) is given.
const DefaultPath = "/etc/wq-provision/config.yml"

// Config is the root of the configuration file.
type Config struct {
	// Project name derivation (see lib/project).
	Project ProjectConfig
	// Scale-up policy, shared by all cluster targets.
	Scale ScalePolicy
	// Worker resource/runtime settings, shared by all cluster
	// targets.
	Workers WorkerConfig
	// Cluster targets, keyed by an operator-chosen name. Each
	// periodic invocation addresses one target (or all of them).
	Clusters map[string]Cluster

	// Address for the /metrics and /_health endpoints when
	// running in poll mode. Empty means don't listen.
	ManagementAddress string

	LogLevel  string
	LogFormat string
}

type ProjectConfig struct {
	// Prefix for derived queue project names, e.g. "eemt" yields
	// project names like "eemt-3f2a9c1d0b47".
	NamePrefix string
}

// ScalePolicy bounds how many workers one invocation may request.
type ScalePolicy struct {
	// Never request workers while this many are already
	// connected.
	MaxWorkers int
	// Never request more than this many workers in one pass.
	PerCycleCap int
	// Batch size to request when backlog exists but nothing is
	// running yet.
	DefaultBatchSize int
	// Skip the pass while more than this many of the operator's
	// submissions are still waiting in the target scheduler.
	PendingSubmissionThreshold int
}

// WorkerConfig describes the worker processes to be requested. Zero
// values for Cores/MemoryMB/DiskMB mean "use all resources available
// on the execute host".
type WorkerConfig struct {
	Cores    int
	MemoryMB int64
	DiskMB   int64
	// Worker exits after this long without receiving work.
	IdleTimeout Duration
	// Container image the worker runs inside, e.g.
	// "docker://cyversegis/eemt-worker". Empty means run on the
	// host.
	Image string
	// Extra environment for the worker bootstrap script (GIS
	// toolchain paths etc).
	Environment map[string]string
}

// Cluster describes one scheduler target.
type Cluster struct {
	// "condor" (local submission) or "pbs" (remote submission
	// over SSH).
	Scheduler string
	// Scheduler queue/partition name, if any.
	Queue string
	// Requested allocation lifetime for schedulers that need one.
	Walltime Duration
	// Extra arguments for the submit command, split
	// shell-style.
	SubmitArguments string
	// Local directory under which per-invocation scratch
	// directories are created.
	ScratchDir string
	// Directory on the remote submit host where artifacts are
	// staged (remote submission only). Relative paths are
	// relative to the login home directory.
	RemoteDir string
	SSH       SSHConfig
}

type SSHConfig struct {
	Host string
	Port string
	User string
	// Private key used to authenticate to the remote submit
	// host.
	PrivateKeyFile string
	// Expected host public key. Empty means accept any host key
	// (logged as a warning).
	HostKeyFile string
}

const (
	SchedulerCondor = "condor"
	SchedulerPBS    = "pbs"
)

func defaultConfig() Config {
	return Config{
		Project: ProjectConfig{
			NamePrefix: "eemt",
		},
		Scale: ScalePolicy{
			MaxWorkers:                 50,
			PerCycleCap:                10,
			DefaultBatchSize:           1,
			PendingSubmissionThreshold: 0,
		},
		Workers: WorkerConfig{
			IdleTimeout: Duration(600 * time.Second),
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and validates configuration from the given reader.
func Load(rdr io.Reader) (*Config, error) {
	buf, err := ioutil.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, fmt.Errorf("error decoding config: %s", err)
	}
	if len(cfg.Clusters) == 0 {
		return nil, fmt.Errorf("config does not define any clusters")
	}
	for name, cc := range cfg.Clusters {
		switch cc.Scheduler {
		case SchedulerCondor:
		case SchedulerPBS:
			if cc.SSH.Host == "" {
				return nil, fmt.Errorf("cluster %q: SSH.Host is required for pbs scheduler", name)
			}
		default:
			return nil, fmt.Errorf("cluster %q: unsupported scheduler %q", name, cc.Scheduler)
		}
		if cc.ScratchDir == "" {
			cc.ScratchDir = "/var/tmp/wq-provision"
		}
		if cc.RemoteDir == "" {
			cc.RemoteDir = "wq-provision"
		}
		if cc.Walltime == 0 {
			cc.Walltime = Duration(24 * time.Hour)
		}
		if cc.SSH.Port == "" {
			cc.SSH.Port = "22"
		}
		if cc.SSH.User == "" {
			cc.SSH.User = os.Getenv("USER")
		}
		cfg.Clusters[name] = cc
	}
	return &cfg, nil
}

// LoadFile is Load on the named file.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", path, err)
	}
	return cfg, nil
}
