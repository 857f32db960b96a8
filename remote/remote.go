// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package remote runs commands on a node's guest over SSH.
package remote

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"
)

const dialTimeout = 30 * time.Second

// ConnectionInfo identifies a guest and how to authenticate to it.
type ConnectionInfo struct {
	Address        string
	Port           int
	Username       string
	Password       string
	PrivateKeyFile string
}

// Connection is an established SSH connection to a guest.
type Connection struct {
	client *ssh.Client
}

// Dial connects to the guest described by info.
func Dial(info ConnectionInfo) (*Connection, error) {
	if info.Address == "" {
		return nil, errors.NotValidf("connection with empty address")
	}
	port := info.Port
	if port == 0 {
		port = 22
	}
	var auth []ssh.AuthMethod
	if info.PrivateKeyFile != "" {
		key, err := os.ReadFile(info.PrivateKeyFile)
		if err != nil {
			return nil, errors.Annotate(err, "reading private key")
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Annotate(err, "parsing private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if info.Password != "" {
		auth = append(auth, ssh.Password(info.Password))
	}
	if len(auth) == 0 {
		return nil, errors.NotValidf("connection with neither password nor private key")
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(info.Address, strconv.Itoa(port)), &ssh.ClientConfig{
		User:            info.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s:%d", info.Address, port)
	}
	return &Connection{client: client}, nil
}

// Run executes cmd on the guest and returns its combined output.
func (c *Connection) Run(cmd string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", errors.Annotate(err, "opening session")
	}
	defer func() { _ = session.Close() }()
	out, err := session.CombinedOutput(cmd)
	if err != nil {
		return string(out), errors.Annotatef(err, "running %q", cmd)
	}
	return string(out), nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	return errors.Trace(c.client.Close())
}
