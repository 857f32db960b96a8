// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/shsorot/lisa/remote"
)

// Deprovisioner clears machine-specific identity from a guest so the
// exported image is reusable.
type Deprovisioner interface {
	Deprovision() error
	Close() error
}

// GuestDialFunc connects to a node's guest for deprovisioning.
type GuestDialFunc func(cfg *ExportConfig, node *Node) (Deprovisioner, error)

// ExporterParams holds the parameters for constructing an Exporter.
type ExporterParams struct {
	Session *Session
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// DialGuest defaults to an SSH connection running waagent.
	DialGuest GuestDialFunc
}

// Exporter converts a running virtual machine into a deployable VHD
// blob.
type Exporter struct {
	session   *Session
	clock     clock.Clock
	dialGuest GuestDialFunc
}

// NewExporter returns an Exporter for the given session.
func NewExporter(p ExporterParams) *Exporter {
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	if p.DialGuest == nil {
		p.DialGuest = dialGuest
	}
	return &Exporter{
		session:   p.Session,
		clock:     p.Clock,
		dialGuest: p.DialGuest,
	}
}

// Export drives one VM-to-VHD export: deprovision and stop the VM,
// lease its OS disk, copy the disk to the destination container and
// release the lease. The lease is revoked on every exit path past the
// grant, exactly once; a revoke failure after a failed copy is logged
// as secondary and the copy error is the one returned.
func (e *Exporter) Export(ctx context.Context, cfg ExportConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", errors.Trace(err)
	}
	env, err := e.session.ResolveEnvironment(ctx, cfg.ResourceGroup, cfg.UsePublicAddress)
	if err != nil {
		return "", errors.Trace(err)
	}
	node, err := env.Node(cfg.VMName)
	if err != nil {
		return "", errors.Trace(err)
	}

	controller := &vmController{session: e.session, resourceGroup: cfg.ResourceGroup}
	if err := e.prepareVirtualMachine(ctx, &cfg, controller, node); err != nil {
		return "", errors.Trace(err)
	}

	vm, err := controller.virtualMachine(ctx, node.Name)
	if err != nil {
		return "", errors.Trace(err)
	}
	diskName, err := osDiskName(vm)
	if err != nil {
		return "", errors.Trace(err)
	}

	sasURL, err := controller.grantDiskAccess(ctx, diskName)
	if err != nil {
		return "", errors.Trace(err)
	}
	vhdURL, exportErr := e.copyVHD(ctx, cfg, toValue(vm.Location), sasURL)
	revokeErr := controller.revokeDiskAccess(ctx, diskName)
	if exportErr != nil {
		if revokeErr != nil {
			logger.Warningf("revoking access to disk %q after failed export: %v", diskName, revokeErr)
		}
		return "", errors.Trace(exportErr)
	}
	if revokeErr != nil {
		return "", errors.Trace(revokeErr)
	}

	if cfg.Restore {
		if err := controller.start(ctx, node.Name); err != nil {
			return "", errors.Trace(err)
		}
	}
	logger.Infof("exported VHD: %s", vhdURL)
	return vhdURL, nil
}

// prepareVirtualMachine deprovisions the guest and stops the VM. Both
// steps must succeed before the disk may be exported: a
// half-deprovisioned VM retains machine-specific identity.
func (e *Exporter) prepareVirtualMachine(ctx context.Context, cfg *ExportConfig, controller *vmController, node *Node) error {
	if cfg.PublicAddress == "" {
		cfg.PublicAddress = node.Address(cfg.UsePublicAddress)
	}
	guest, err := e.dialGuest(cfg, node)
	if err != nil {
		return errors.Annotatef(err, "connecting to node %q", node.Name)
	}
	defer func() { _ = guest.Close() }()
	if err := guest.Deprovision(); err != nil {
		return errors.Annotatef(err, "deprovisioning node %q", node.Name)
	}
	if err := controller.stop(ctx, node.Name); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// copyVHD stages the destination container and copies the leased disk
// into it, returning the destination URL.
func (e *Exporter) copyVHD(ctx context.Context, cfg ExportConfig, location, sasURL string) (string, error) {
	accountName := cfg.StorageAccount
	if accountName == "" {
		accountName = storageAccountName(e.session.subscriptionID, location)
	}
	if _, err := ensureStorageAccount(ctx, e.session, cfg.SharedResourceGroup, accountName, location); err != nil {
		return "", errors.Trace(err)
	}
	if err := ensureContainer(ctx, e.session, cfg.SharedResourceGroup, accountName, cfg.Container); err != nil {
		return "", errors.Trace(err)
	}
	h, err := e.session.containerClient(accountName, cfg.Container)
	if err != nil {
		return "", errors.Trace(err)
	}

	path := cfg.CustomBlobName
	if path == "" {
		path, err = allocateVHDPath(ctx, e.clock, h, cfg.FileNamePart)
		if err != nil {
			return "", errors.Trace(err)
		}
	}
	vhdURL := h.url() + "/" + path

	blobClient := h.blobClient(path)
	if _, err := blobClient.StartCopyFromURL(ctx, sasURL, nil); err != nil {
		return "", errors.Annotatef(err, "starting copy to %q", vhdURL)
	}
	if err := waitCopyBlob(ctx, e.clock, blobClient, vhdURL); err != nil {
		return "", errors.Trace(err)
	}
	return vhdURL, nil
}

// dialGuest is the production GuestDialFunc: SSH to the node and
// deprovision with waagent.
func dialGuest(cfg *ExportConfig, node *Node) (Deprovisioner, error) {
	conn, err := remote.Dial(remote.ConnectionInfo{
		Address:        cfg.PublicAddress,
		Port:           cfg.PublicPort,
		Username:       cfg.Username,
		Password:       cfg.Password,
		PrivateKeyFile: cfg.PrivateKeyFile,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &guestConnection{conn: conn}, nil
}

type guestConnection struct {
	conn *remote.Connection
}

func (g *guestConnection) Deprovision() error {
	return remote.NewWaagent(g.conn).Deprovision()
}

func (g *guestConnection) Close() error {
	return g.conn.Close()
}
