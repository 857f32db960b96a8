// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"context"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/juju/errors"
)

// Node is one virtual machine of a resolved environment.
type Node struct {
	Name           string
	PrivateAddress string
	PublicAddress  string
}

// Address returns the address a guest connection should dial.
func (n *Node) Address(usePublic bool) string {
	if usePublic {
		return n.PublicAddress
	}
	return n.PrivateAddress
}

// Environment is the set of nodes in one resource group.
type Environment struct {
	ResourceGroup string
	// ResourceGroupSpecified marks environments constructed from an
	// explicit resource-group name rather than node discovery. The
	// platform must not attempt to resolve nodes for such
	// environments.
	ResourceGroupSpecified bool
	Requirement            NodeRequirement
	Nodes                  []*Node
}

// Node returns the named node, or the first node if name is empty.
func (e *Environment) Node(name string) (*Node, error) {
	if name == "" {
		if len(e.Nodes) == 0 {
			return nil, errors.NotFoundf("nodes in resource group %q", e.ResourceGroup)
		}
		return e.Nodes[0], nil
	}
	for _, n := range e.Nodes {
		if n.Name == name {
			return n, nil
		}
	}
	return nil, errors.NotFoundf("virtual machine %q in resource group %q", name, e.ResourceGroup)
}

// ResolveEnvironment lists the virtual machines of a resource group
// and resolves their connection addresses. Public addresses are only
// looked up when usePublicAddress is set.
func (s *Session) ResolveEnvironment(ctx context.Context, resourceGroup string, usePublicAddress bool) (*Environment, error) {
	vms, err := s.virtualMachinesClient()
	if err != nil {
		return nil, errors.Trace(err)
	}
	env := &Environment{
		ResourceGroup:          resourceGroup,
		ResourceGroupSpecified: true,
	}
	pager := vms.NewListPager(resourceGroup, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "listing virtual machines in %q", resourceGroup)
		}
		for _, vm := range page.Value {
			node := &Node{Name: toValue(vm.Name)}
			if err := s.resolveNodeAddresses(ctx, resourceGroup, vm, node, usePublicAddress); err != nil {
				return nil, errors.Annotatef(err, "resolving addresses of %q", node.Name)
			}
			env.Nodes = append(env.Nodes, node)
		}
	}
	logger.Debugf("resolved %d node(s) in resource group %q", len(env.Nodes), resourceGroup)
	return env, nil
}

func (s *Session) resolveNodeAddresses(ctx context.Context, resourceGroup string, vm *armcompute.VirtualMachine, node *Node, usePublicAddress bool) error {
	if vm.Properties == nil || vm.Properties.NetworkProfile == nil {
		return nil
	}
	ifaces, err := s.interfacesClient()
	if err != nil {
		return errors.Trace(err)
	}
	for _, nicRef := range vm.Properties.NetworkProfile.NetworkInterfaces {
		nicName := resourceName(toValue(nicRef.ID))
		if nicName == "" {
			continue
		}
		nic, err := ifaces.Get(ctx, resourceGroup, nicName, nil)
		if err != nil {
			return errors.Annotatef(err, "getting network interface %q", nicName)
		}
		if nic.Properties == nil {
			continue
		}
		for _, ipcfg := range nic.Properties.IPConfigurations {
			if ipcfg.Properties == nil {
				continue
			}
			if node.PrivateAddress == "" {
				node.PrivateAddress = toValue(ipcfg.Properties.PrivateIPAddress)
			}
			if !usePublicAddress || ipcfg.Properties.PublicIPAddress == nil {
				continue
			}
			pipName := resourceName(toValue(ipcfg.Properties.PublicIPAddress.ID))
			if pipName == "" || node.PublicAddress != "" {
				continue
			}
			pips, err := s.publicIPAddressesClient()
			if err != nil {
				return errors.Trace(err)
			}
			pip, err := pips.Get(ctx, resourceGroup, pipName, nil)
			if err != nil {
				return errors.Annotatef(err, "getting public IP address %q", pipName)
			}
			if pip.Properties != nil {
				node.PublicAddress = toValue(pip.Properties.IPAddress)
			}
		}
	}
	return nil
}

// resourceName returns the final segment of an ARM resource ID.
func resourceName(id string) string {
	if id == "" {
		return ""
	}
	parts := strings.Split(id, "/")
	return parts[len(parts)-1]
}
