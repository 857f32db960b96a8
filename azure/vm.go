// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/juju/errors"

	"github.com/shsorot/lisa/azure/internal/errorutils"
)

// diskAccessDuration is the lifetime of the read lease granted on an
// exported OS disk.
const diskAccessDuration = 86400 * time.Second

// vmController drives a virtual machine through the export lifecycle:
// stop, disk access grant/revoke, generalize and restart. Transitions
// are strictly ordered; access can only be granted once the owning VM
// is stopped, and generalize only after a stop.
type vmController struct {
	session       *Session
	resourceGroup string
}

func (c *vmController) virtualMachine(ctx context.Context, vmName string) (*armcompute.VirtualMachine, error) {
	client, err := c.session.virtualMachinesClient()
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := client.Get(ctx, c.resourceGroup, vmName, nil)
	if err != nil {
		if errorutils.IsNotFoundError(err) {
			return nil, errors.NotFoundf("virtual machine %q in resource group %q", vmName, c.resourceGroup)
		}
		return nil, errors.Annotatef(err, "getting virtual machine %q", vmName)
	}
	return &resp.VirtualMachine, nil
}

// osDiskName returns the name of the VM's OS disk.
func osDiskName(vm *armcompute.VirtualMachine) (string, error) {
	if vm.Properties == nil ||
		vm.Properties.StorageProfile == nil ||
		vm.Properties.StorageProfile.OSDisk == nil {
		return "", errors.Errorf("virtual machine %q has no OS disk", toValue(vm.Name))
	}
	return toValue(vm.Properties.StorageProfile.OSDisk.Name), nil
}

// stop deallocates the VM so its OS disk can be leased for export.
func (c *vmController) stop(ctx context.Context, vmName string) error {
	logger.Debugf("stopping virtual machine %q", vmName)
	client, err := c.session.virtualMachinesClient()
	if err != nil {
		return errors.Trace(err)
	}
	poller, err := client.BeginDeallocate(ctx, c.resourceGroup, vmName, nil)
	if err == nil {
		_, err = waitOperation(ctx, poller, defaultOperationTimeout)
	}
	return errors.Annotatef(err, "stopping virtual machine %q", vmName)
}

// start restarts the VM after its disk access has been revoked.
func (c *vmController) start(ctx context.Context, vmName string) error {
	logger.Debugf("starting virtual machine %q", vmName)
	client, err := c.session.virtualMachinesClient()
	if err != nil {
		return errors.Trace(err)
	}
	poller, err := client.BeginStart(ctx, c.resourceGroup, vmName, nil)
	if err == nil {
		_, err = waitOperation(ctx, poller, defaultOperationTimeout)
	}
	return errors.Annotatef(err, "starting virtual machine %q", vmName)
}

// generalize stops the VM and marks it generalized. The transition is
// irreversible: a generalized VM cannot be started again as itself.
func (c *vmController) generalize(ctx context.Context, vmName string) error {
	if err := c.stop(ctx, vmName); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("generalizing virtual machine %q", vmName)
	client, err := c.session.virtualMachinesClient()
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := client.Generalize(ctx, c.resourceGroup, vmName, nil); err != nil {
		return errors.Annotatef(err, "generalizing virtual machine %q", vmName)
	}
	return nil
}

// grantDiskAccess leases the disk for read and returns the signed
// URL. The lease is time-boxed by diskAccessDuration.
func (c *vmController) grantDiskAccess(ctx context.Context, diskName string) (string, error) {
	logger.Debugf("granting read access to disk %q", diskName)
	disks, err := c.session.disksClient()
	if err != nil {
		return "", errors.Trace(err)
	}
	poller, err := disks.BeginGrantAccess(ctx, c.resourceGroup, diskName, armcompute.GrantAccessData{
		Access:            to.Ptr(armcompute.AccessLevelRead),
		DurationInSeconds: to.Ptr(int32(diskAccessDuration / time.Second)),
	}, nil)
	var resp armcompute.DisksClientGrantAccessResponse
	if err == nil {
		resp, err = waitOperation(ctx, poller, defaultOperationTimeout)
	}
	if err != nil {
		return "", errors.Annotatef(err, "granting access to disk %q", diskName)
	}
	sasURL := toValue(resp.AccessSAS)
	if sasURL == "" {
		return "", errors.Errorf("disk %q access grant returned an empty SAS URL", diskName)
	}
	return sasURL, nil
}

// revokeDiskAccess releases the read lease. It must be called exactly
// once for every successful grant, on every exit path.
func (c *vmController) revokeDiskAccess(ctx context.Context, diskName string) error {
	logger.Debugf("revoking access to disk %q", diskName)
	disks, err := c.session.disksClient()
	if err != nil {
		return errors.Trace(err)
	}
	poller, err := disks.BeginRevokeAccess(ctx, c.resourceGroup, diskName, nil)
	if err == nil {
		_, err = waitOperation(ctx, poller, defaultOperationTimeout)
	}
	return errors.Annotatef(err, "revoking access to disk %q", diskName)
}
