// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"time"

	"github.com/cyverse-gis/wq-provision/lib/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// A remoteRunner executes shell commands on a remote submit host.
type remoteRunner interface {
	Execute(cmd string, stdin io.Reader) (stdout, stderr []byte, err error)
	Close()
}

// sshRunner is a remoteRunner using a multiplexed SSH connection. It
// reconnects automatically after errors.
type sshRunner struct {
	logger  logrus.FieldLogger
	addr    string
	user    string
	signers []ssh.Signer
	// expected host public key; nil means accept any host key
	hostKey ssh.PublicKey

	client      *ssh.Client
	clientErr   error
	clientSetup chan bool // len>0 while client setup is in progress
}

// newSSHRunner returns an sshRunner for the given target. The
// connection is not established until the first Execute call.
func newSSHRunner(cfg config.SSHConfig, logger logrus.FieldLogger) (*sshRunner, error) {
	buf, err := ioutil.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("error reading SSH private key: %s", err)
	}
	signer, err := ssh.ParsePrivateKey(buf)
	if err != nil {
		return nil, fmt.Errorf("error parsing SSH private key %s: %s", cfg.PrivateKeyFile, err)
	}
	exr := &sshRunner{
		logger:      logger,
		addr:        net.JoinHostPort(cfg.Host, cfg.Port),
		user:        cfg.User,
		signers:     []ssh.Signer{signer},
		clientSetup: make(chan bool, 1),
		clientErr:   errors.New("client not yet created"),
	}
	if cfg.HostKeyFile != "" {
		buf, err := ioutil.ReadFile(cfg.HostKeyFile)
		if err != nil {
			return nil, fmt.Errorf("error reading SSH host key: %s", err)
		}
		exr.hostKey, _, _, _, err = ssh.ParseAuthorizedKey(buf)
		if err != nil {
			return nil, fmt.Errorf("error parsing SSH host key %s: %s", cfg.HostKeyFile, err)
		}
	} else {
		logger.Warnf("no SSH.HostKeyFile configured, accepting any host key for %s", exr.addr)
	}
	return exr, nil
}

// Execute runs cmd on the target. If an existing connection is not
// usable, it sets up a new connection to the target.
func (exr *sshRunner) Execute(cmd string, stdin io.Reader) ([]byte, []byte, error) {
	session, err := exr.newSession()
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(cmd)
	return stdout.Bytes(), stderr.Bytes(), err
}

// Close shuts down any active connection.
func (exr *sshRunner) Close() {
	exr.clientSetup <- true
	if exr.client != nil {
		defer exr.client.Close()
	}
	exr.client, exr.clientErr = nil, errors.New("closed")
	<-exr.clientSetup
}

// Create a new SSH session. If session setup fails or the SSH client
// hasn't been setup yet, setup a new SSH client and try again.
func (exr *sshRunner) newSession() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := exr.sshClient(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// Get the latest SSH client. If another goroutine is in the process
// of setting one up, wait for it to finish and return its result (or
// the last successfully setup client, if it fails).
func (exr *sshRunner) sshClient(create bool) (*ssh.Client, error) {
	defer func() { <-exr.clientSetup }()
	select {
	case exr.clientSetup <- true:
		if create {
			client, err := exr.setupSSHClient()
			if err == nil || exr.client == nil {
				if exr.client != nil {
					// Hang up the previous
					// (non-working) client
					go exr.client.Close()
				}
				exr.client, exr.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		// Another goroutine is doing the above case. Wait for
		// it to finish and return whatever it leaves in
		// exr.client.
		exr.clientSetup <- true
	}
	return exr.client, exr.clientErr
}

func (exr *sshRunner) setupSSHClient() (*ssh.Client, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if exr.hostKey != nil {
		hostKeyCallback = ssh.FixedHostKey(exr.hostKey)
	}
	client, err := ssh.Dial("tcp", exr.addr, &ssh.ClientConfig{
		User: exr.user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(exr.signers...),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh %s@%s: %s", exr.user, exr.addr, err)
	}
	return client, nil
}
