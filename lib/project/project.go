// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package project derives the task queue project identity from the
// operator's shared secret.
//
// The queue master and its workers rendezvous by project name, and
// authenticate each other with the shared secret. Deriving the name
// from a hash of the secret means operators never configure the two
// separately: reusing the same secret always targets the same queue
// namespace.
package project

import (
	"crypto/sha256"
	"fmt"
	"io/ioutil"
)

// CredentialFilename is the basename used for every transferred copy
// of the shared secret.
const CredentialFilename = "project-credential"

// A Project identifies one task queue namespace.
type Project struct {
	// Derived queue project name, safe to log.
	Name string

	secret string
}

// New returns the Project for the given shared secret. The name is a
// stable function of the secret: prefix + "-" + the first 12 hex
// digits of SHA-256(secret).
func New(prefix, secret string) Project {
	digest := sha256.Sum256([]byte(secret))
	return Project{
		Name:   fmt.Sprintf("%s-%x", prefix, digest[:6]),
		secret: secret,
	}
}

// String returns the project name. The secret is deliberately
// unreachable via Stringer so it cannot leak through %v/%s logging.
func (p Project) String() string {
	return p.Name
}

// WriteCredential writes a copy of the shared secret to the given
// path, readable only by the owner.
func (p Project) WriteCredential(path string) error {
	err := ioutil.WriteFile(path, []byte(p.secret+"\n"), 0600)
	if err != nil {
		return fmt.Errorf("error writing credential file: %s", err)
	}
	return nil
}

// LoadSecret reads a shared secret from the named file, trimming one
// trailing newline if present.
func LoadSecret(path string) (string, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return "", err
	}
	secret := string(buf)
	for len(secret) > 0 && (secret[len(secret)-1] == '\n' || secret[len(secret)-1] == '\r') {
		secret = secret[:len(secret)-1]
	}
	if secret == "" {
		return "", fmt.Errorf("%s: empty secret", path)
	}
	return secret, nil
}
