// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package remote

import (
	"github.com/juju/errors"
)

// Runner executes a command on a guest.
type Runner interface {
	Run(cmd string) (string, error)
}

// Waagent drives the Azure guest agent on a node.
type Waagent struct {
	runner Runner
}

// NewWaagent returns a Waagent running commands through r.
func NewWaagent(r Runner) *Waagent {
	return &Waagent{runner: r}
}

// Deprovision clears machine-specific identity and history from the
// guest so a captured image can be redeployed. Destructive: the guest
// is not usable as itself afterwards.
func (w *Waagent) Deprovision() error {
	// Keep the deprovision commands themselves out of shell history.
	if out, err := w.runner.Run("export HISTSIZE=0"); err != nil {
		return errors.Annotatef(err, "clearing history size: %s", out)
	}
	if out, err := w.runner.Run("sudo waagent -deprovision+user -force"); err != nil {
		return errors.Annotatef(err, "deprovisioning: %s", out)
	}
	return nil
}
