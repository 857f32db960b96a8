// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

const (
	// Managed-disk sourced versions support both controller types;
	// blob-sourced versions only the legacy one.
	diskControllerTypesVM  = "SCSI,NVMe"
	diskControllerTypesVHD = "SCSI"
)

// PublisherParams holds the parameters for constructing a Publisher.
type PublisherParams struct {
	Session *Session
}

// Publisher registers a VHD blob or a generalized VM as a shared
// gallery image version.
type Publisher struct {
	session *Session
}

// NewPublisher returns a Publisher for the given session.
func NewPublisher(p PublisherParams) *Publisher {
	return &Publisher{session: p.Session}
}

// Publish materializes the gallery, image definition and image
// version for cfg and returns "gallery/imageDefinition/version".
// Gallery and definition are get-or-create; the version is always
// newly created, so reusing a version string fails.
func (p *Publisher) Publish(ctx context.Context, cfg GalleryImageConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", errors.Trace(err)
	}
	publisher, offer, sku, version, err := parseImageFullName(cfg.ImageFullName)
	if err != nil {
		return "", errors.Trace(err)
	}
	imageLocation := cfg.ImageLocations[0]
	if cfg.GalleryResourceGroupLocation == "" {
		cfg.GalleryResourceGroupLocation = imageLocation
	}
	if cfg.GalleryLocation == "" {
		cfg.GalleryLocation = imageLocation
	}

	var source versionSource
	var diskControllerTypes string
	if cfg.VMResourceGroup != "" {
		source, err = p.generalizedVMSource(ctx, cfg.VMResourceGroup)
		if err != nil {
			return "", errors.Trace(err)
		}
		diskControllerTypes = diskControllerTypesVM
	} else {
		details, err := p.session.vhdDetails(ctx, cfg.VHD)
		if err != nil {
			return "", errors.Trace(err)
		}
		if err := p.session.checkBlobExists(ctx, details, cfg.VHD); err != nil {
			return "", errors.Trace(err)
		}
		source = versionSource{
			storageAccountID: details.accountID,
			vhdURI:           cfg.VHD,
		}
		diskControllerTypes = diskControllerTypesVHD
	}

	if err := ensureResourceGroup(ctx, p.session, cfg.GalleryResourceGroup, cfg.GalleryResourceGroupLocation); err != nil {
		return "", errors.Trace(err)
	}
	if err := ensureGallery(ctx, p.session, cfg.GalleryResourceGroup, cfg.GalleryName, cfg.GalleryLocation, cfg.GalleryDescription); err != nil {
		return "", errors.Trace(err)
	}
	if err := ensureGalleryImage(ctx, p.session, imageDefinitionParams{
		resourceGroup:       cfg.GalleryResourceGroup,
		gallery:             cfg.GalleryName,
		name:                cfg.ImageName,
		location:            imageLocation,
		publisher:           publisher,
		offer:               offer,
		sku:                 sku,
		osType:              cfg.OSType,
		osState:             cfg.OSState,
		architecture:        cfg.Architecture,
		securityType:        cfg.SecurityType,
		hyperVGeneration:    cfg.HyperVGeneration,
		diskControllerTypes: diskControllerTypes,
	}); err != nil {
		return "", errors.Trace(err)
	}
	if err := createImageVersion(ctx, p.session, imageVersionParams{
		resourceGroup:      cfg.GalleryResourceGroup,
		gallery:            cfg.GalleryName,
		image:              cfg.ImageName,
		version:            version,
		location:           imageLocation,
		replicaCount:       cfg.RegionalReplicaCount,
		storageAccountType: cfg.StorageAccountType,
		hostCaching:        cfg.HostCachingType,
		targetRegions:      cfg.ImageLocations,
		source:             source,
	}); err != nil {
		return "", errors.Trace(err)
	}

	ref := fmt.Sprintf("%s/%s/%s", cfg.GalleryName, cfg.ImageName, version)
	logger.Infof("published gallery image version: %s", ref)
	return ref, nil
}

// generalizedVMSource stops and generalizes the first VM of the
// resource group and returns its managed disk as the version source.
func (p *Publisher) generalizedVMSource(ctx context.Context, resourceGroup string) (versionSource, error) {
	env, err := p.session.ResolveEnvironment(ctx, resourceGroup, false)
	if err != nil {
		return versionSource{}, errors.Trace(err)
	}
	node, err := env.Node("")
	if err != nil {
		return versionSource{}, errors.Trace(err)
	}
	controller := &vmController{session: p.session, resourceGroup: resourceGroup}
	if err := controller.generalize(ctx, node.Name); err != nil {
		return versionSource{}, errors.Trace(err)
	}
	vm, err := controller.virtualMachine(ctx, node.Name)
	if err != nil {
		return versionSource{}, errors.Trace(err)
	}
	if vm.Properties == nil ||
		vm.Properties.StorageProfile == nil ||
		vm.Properties.StorageProfile.OSDisk == nil ||
		vm.Properties.StorageProfile.OSDisk.ManagedDisk == nil {
		return versionSource{}, errors.Errorf("virtual machine %q has no managed OS disk", node.Name)
	}
	return versionSource{
		diskID: toValue(vm.Properties.StorageProfile.OSDisk.ManagedDisk.ID),
	}, nil
}

// parseImageFullName splits "publisher offer sku version" into its
// four parts.
func parseImageFullName(fullName string) (publisher, offer, sku, version string, err error) {
	parts := strings.Fields(fullName)
	if len(parts) != 4 {
		return "", "", "", "", errors.NotValidf("gallery image full name %q", fullName)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}
