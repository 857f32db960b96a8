// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Platform materializes and tears down environments. Deployment
// itself is a collaborator concern; this package only marshals
// requirements in and connection parameters out.
type Platform interface {
	// PrepareEnvironment fills platform defaults into env.
	PrepareEnvironment(ctx context.Context, env *Environment) error
	// DeployEnvironment materializes env's nodes.
	DeployEnvironment(ctx context.Context, env *Environment) error
	// DeleteEnvironment tears env down. For environments with
	// ResourceGroupSpecified set it must not attempt node discovery.
	DeleteEnvironment(ctx context.Context, env *Environment) error
}

// DeployResult carries the identity of a deployed environment and the
// connection parameters of its default node.
type DeployResult struct {
	ResourceGroup  string
	Address        string
	Port           int
	Username       string
	Password       string
	PrivateKeyFile string
}

// Deploy builds a single-node environment satisfying cfg.Requirement,
// asks the platform to materialize it and returns the resource group
// plus the default node's connection parameters.
func Deploy(ctx context.Context, platform Platform, cfg DeployConfig) (*DeployResult, error) {
	resourceGroup := cfg.ResourceGroup
	if resourceGroup == "" {
		resourceGroup = "lisa-" + strings.Split(uuid.NewString(), "-")[0]
	}
	env := &Environment{
		ResourceGroup: resourceGroup,
		Requirement:   cfg.Requirement,
	}
	if err := platform.PrepareEnvironment(ctx, env); err != nil {
		return nil, errors.Annotatef(err, "preparing environment %q", resourceGroup)
	}
	if err := platform.DeployEnvironment(ctx, env); err != nil {
		return nil, errors.Annotatef(err, "deploying environment %q", resourceGroup)
	}
	node, err := env.Node("")
	if err != nil {
		return nil, errors.Trace(err)
	}
	username := cfg.Username
	if username == "" {
		username = defaultUserName
	}
	logger.Infof("deployed environment %q, default node %q", env.ResourceGroup, node.Name)
	return &DeployResult{
		ResourceGroup:  env.ResourceGroup,
		Address:        node.Address(true),
		Port:           defaultSSHPort,
		Username:       username,
		Password:       cfg.Password,
		PrivateKeyFile: cfg.PrivateKeyFile,
	}, nil
}

// Delete tears down the named resource group. The environment handed
// to the platform is a placeholder carrying only the group identity,
// flagged so the platform skips node discovery.
func Delete(ctx context.Context, platform Platform, resourceGroupName string) error {
	if resourceGroupName == "" {
		return errors.NotValidf("delete with empty resource group")
	}
	env := &Environment{
		ResourceGroup:          resourceGroupName,
		ResourceGroupSpecified: true,
	}
	if err := platform.DeleteEnvironment(ctx, env); err != nil {
		return errors.Annotatef(err, "deleting environment %q", resourceGroupName)
	}
	return nil
}

// sessionPlatform is the Session-backed Platform: environments map to
// resource groups, deletion deletes the group.
type sessionPlatform struct {
	session *Session
}

// NewPlatform returns a Platform backed by the session's subscription.
func NewPlatform(session *Session) Platform {
	return &sessionPlatform{session: session}
}

// PrepareEnvironment is a no-op for the session platform; defaults
// are already filled by Deploy.
func (p *sessionPlatform) PrepareEnvironment(ctx context.Context, env *Environment) error {
	return nil
}

// DeployEnvironment resolves the nodes of the environment's resource
// group. VM creation itself is driven by the runbook's platform
// tooling; this platform deploys against groups that already carry
// their nodes.
func (p *sessionPlatform) DeployEnvironment(ctx context.Context, env *Environment) error {
	resolved, err := p.session.ResolveEnvironment(ctx, env.ResourceGroup, true)
	if err != nil {
		return errors.Trace(err)
	}
	env.Nodes = resolved.Nodes
	return nil
}

// DeleteEnvironment deletes the environment's resource group and all
// resources in it.
func (p *sessionPlatform) DeleteEnvironment(ctx context.Context, env *Environment) error {
	client, err := p.session.resourceGroupsClient()
	if err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("deleting resource group %q", env.ResourceGroup)
	poller, err := client.BeginDelete(ctx, env.ResourceGroup, nil)
	if err == nil {
		_, err = waitOperation(ctx, poller, defaultOperationTimeout)
	}
	return errors.Annotatef(err, "deleting resource group %q", env.ResourceGroup)
}
