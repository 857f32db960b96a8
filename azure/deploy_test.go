// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"context"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/shsorot/lisa/azure/internal/azuretesting"
)

type deploySuite struct{}

var _ = gc.Suite(&deploySuite{})

// fakePlatform records the environments handed to it and plants nodes
// on deploy.
type fakePlatform struct {
	prepared *Environment
	deployed *Environment
	deleted  *Environment
	nodes    []*Node
	err      error
}

func (p *fakePlatform) PrepareEnvironment(ctx context.Context, env *Environment) error {
	p.prepared = env
	return p.err
}

func (p *fakePlatform) DeployEnvironment(ctx context.Context, env *Environment) error {
	p.deployed = env
	env.Nodes = p.nodes
	return p.err
}

func (p *fakePlatform) DeleteEnvironment(ctx context.Context, env *Environment) error {
	p.deleted = env
	return p.err
}

func (s *deploySuite) TestDeploy(c *gc.C) {
	platform := &fakePlatform{
		nodes: []*Node{{Name: "node-0", PrivateAddress: "10.0.0.4", PublicAddress: "20.1.2.3"}},
	}
	result, err := Deploy(context.Background(), platform, DeployConfig{
		ResourceGroup:  "lisa-rg",
		Requirement:    NodeRequirement{CoreCount: 4},
		Password:       "hunter2",
		PrivateKeyFile: "/home/lisatest/.ssh/id_rsa",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(platform.prepared, gc.NotNil)
	c.Assert(platform.deployed.Requirement.CoreCount, gc.Equals, 4)
	c.Assert(result, jc.DeepEquals, &DeployResult{
		ResourceGroup:  "lisa-rg",
		Address:        "20.1.2.3",
		Port:           22,
		Username:       "lisatest",
		Password:       "hunter2",
		PrivateKeyFile: "/home/lisatest/.ssh/id_rsa",
	})
}

func (s *deploySuite) TestDeployGeneratesResourceGroupName(c *gc.C) {
	platform := &fakePlatform{nodes: []*Node{{Name: "node-0"}}}
	result, err := Deploy(context.Background(), platform, DeployConfig{})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.ResourceGroup, gc.Matches, `lisa-[0-9a-f]{8}`)
}

func (s *deploySuite) TestDeployNoNodes(c *gc.C) {
	platform := &fakePlatform{}
	_, err := Deploy(context.Background(), platform, DeployConfig{ResourceGroup: "lisa-rg"})
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *deploySuite) TestDelete(c *gc.C) {
	platform := &fakePlatform{}
	err := Delete(context.Background(), platform, "lisa-rg")
	c.Assert(err, jc.ErrorIsNil)
	// The platform sees a placeholder environment carrying only the
	// group identity; it must not try to discover nodes for it.
	c.Assert(platform.deleted, jc.DeepEquals, &Environment{
		ResourceGroup:          "lisa-rg",
		ResourceGroupSpecified: true,
	})
}

func (s *deploySuite) TestDeleteEmptyName(c *gc.C) {
	err := Delete(context.Background(), &fakePlatform{}, "")
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *deploySuite) TestSessionPlatformDeleteEnvironment(c *gc.C) {
	sender := &azuretesting.MockSender{}
	sender.AppendResponse(`{}`)
	platform := NewPlatform(makeSession(c, sender))

	err := Delete(context.Background(), platform, "lisa-rg")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(sender.Requests, gc.HasLen, 1)
	c.Assert(sender.Requests[0], jc.Contains, "DELETE ")
	c.Assert(sender.Requests[0], jc.Contains, "/resourcegroups/lisa-rg")
}

func (s *deploySuite) TestSessionPlatformDeployResolvesNodes(c *gc.C) {
	sender := &azuretesting.MockSender{}
	sender.AppendResponse(`{"value":[{
		"name":"vm0","location":"westus2",
		"properties":{"networkProfile":{"networkInterfaces":[
			{"id":"/subscriptions/sub/resourceGroups/lisa-rg/providers/Microsoft.Network/networkInterfaces/nic0"}
		]}}
	}]}`)
	sender.AppendResponse(`{"name":"nic0","properties":{"ipConfigurations":[{
		"properties":{
			"privateIPAddress":"10.0.0.4",
			"publicIPAddress":{"id":"/subscriptions/sub/resourceGroups/lisa-rg/providers/Microsoft.Network/publicIPAddresses/pip0"}
		}
	}]}}`)
	sender.AppendResponse(`{"name":"pip0","properties":{"ipAddress":"20.1.2.3"}}`)
	platform := NewPlatform(makeSession(c, sender))

	result, err := Deploy(context.Background(), platform, DeployConfig{ResourceGroup: "lisa-rg"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.Address, gc.Equals, "20.1.2.3")
	c.Assert(result.Port, gc.Equals, 22)
}
