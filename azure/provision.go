// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
	"github.com/juju/errors"

	"github.com/shsorot/lisa/azure/internal/errorutils"
)

// The ensure* operations below share one policy: read the resource by
// identity; if present return it unchanged; if absent create it with
// the caller's parameters; if creation loses a race with a concurrent
// run, re-read and return the existing resource. A failed re-read
// after a lost race is an infrastructure inconsistency and fatal.

// ensureResourceGroup creates the resource group if it is absent.
func ensureResourceGroup(ctx context.Context, s *Session, name, location string) error {
	client, err := s.resourceGroupsClient()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = client.Get(ctx, name, nil)
	if err == nil {
		logger.Debugf("resource group %q already exists", name)
		return nil
	}
	if !errorutils.IsNotFoundError(err) {
		return errors.Annotatef(err, "checking resource group %q", name)
	}
	logger.Debugf("creating resource group %q in %q", name, location)
	_, err = client.CreateOrUpdate(ctx, name, armresources.ResourceGroup{
		Location: to.Ptr(location),
	}, nil)
	if err == nil {
		return nil
	}
	if !errorutils.IsConflictError(err) {
		return errors.Annotatef(err, "creating resource group %q", name)
	}
	if _, rerr := client.Get(ctx, name, nil); rerr != nil {
		return errors.Annotatef(rerr, "resource group %q creation conflicted and re-read failed", name)
	}
	return nil
}

// ensureStorageAccount creates the storage account if it is absent
// and returns it.
func ensureStorageAccount(ctx context.Context, s *Session, resourceGroup, name, location string) (*armstorage.Account, error) {
	client, err := s.accountsClient()
	if err != nil {
		return nil, errors.Trace(err)
	}
	existing, err := client.GetProperties(ctx, resourceGroup, name, nil)
	if err == nil {
		logger.Debugf("storage account %q already exists", name)
		return &existing.Account, nil
	}
	if !errorutils.IsNotFoundError(err) {
		return nil, errors.Annotatef(err, "checking storage account %q", name)
	}
	logger.Debugf("creating storage account %q in %q", name, location)
	poller, err := client.BeginCreate(ctx, resourceGroup, name, armstorage.AccountCreateParameters{
		Kind:     to.Ptr(armstorage.KindStorageV2),
		Location: to.Ptr(location),
		SKU: &armstorage.SKU{
			Name: to.Ptr(armstorage.SKUNameStandardLRS),
		},
	}, nil)
	var created armstorage.AccountsClientCreateResponse
	if err == nil {
		created, err = waitOperation(ctx, poller, defaultOperationTimeout)
	}
	if err == nil {
		return &created.Account, nil
	}
	if !errorutils.IsConflictError(err) {
		return nil, errors.Annotatef(err, "creating storage account %q", name)
	}
	reread, rerr := client.GetProperties(ctx, resourceGroup, name, nil)
	if rerr != nil {
		return nil, errors.Annotatef(rerr, "storage account %q creation conflicted and re-read failed", name)
	}
	return &reread.Account, nil
}

// ensureContainer creates the blob container if it is absent.
func ensureContainer(ctx context.Context, s *Session, resourceGroup, accountName, containerName string) error {
	client, err := s.blobContainersClient()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = client.Get(ctx, resourceGroup, accountName, containerName, nil)
	if err == nil {
		logger.Debugf("container %q already exists in account %q", containerName, accountName)
		return nil
	}
	if !errorutils.IsNotFoundError(err) {
		return errors.Annotatef(err, "checking container %q in account %q", containerName, accountName)
	}
	logger.Debugf("creating container %q in account %q", containerName, accountName)
	_, err = client.Create(ctx, resourceGroup, accountName, containerName, armstorage.BlobContainer{}, nil)
	if err == nil {
		return nil
	}
	if !errorutils.IsConflictError(err) {
		return errors.Annotatef(err, "creating container %q in account %q", containerName, accountName)
	}
	if _, rerr := client.Get(ctx, resourceGroup, accountName, containerName, nil); rerr != nil {
		return errors.Annotatef(rerr, "container %q creation conflicted and re-read failed", containerName)
	}
	return nil
}

// ensureGallery creates the shared image gallery if it is absent.
func ensureGallery(ctx context.Context, s *Session, resourceGroup, name, location, description string) error {
	client, err := s.galleriesClient()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = client.Get(ctx, resourceGroup, name, nil)
	if err == nil {
		logger.Debugf("gallery %q already exists", name)
		return nil
	}
	if !errorutils.IsNotFoundError(err) {
		return errors.Annotatef(err, "checking gallery %q", name)
	}
	logger.Debugf("creating gallery %q in %q", name, location)
	poller, err := client.BeginCreateOrUpdate(ctx, resourceGroup, name, armcompute.Gallery{
		Location: to.Ptr(location),
		Properties: &armcompute.GalleryProperties{
			Description: to.Ptr(description),
		},
	}, nil)
	if err == nil {
		_, err = waitOperation(ctx, poller, defaultOperationTimeout)
	}
	if err == nil {
		return nil
	}
	if !errorutils.IsConflictError(err) {
		return errors.Annotatef(err, "creating gallery %q", name)
	}
	if _, rerr := client.Get(ctx, resourceGroup, name, nil); rerr != nil {
		return errors.Annotatef(rerr, "gallery %q creation conflicted and re-read failed", name)
	}
	return nil
}

// imageDefinitionParams identifies and parameterises a gallery image
// definition.
type imageDefinitionParams struct {
	resourceGroup string
	gallery       string
	name          string
	location      string

	publisher string
	offer     string
	sku       string

	osType              string
	osState             string
	architecture        string
	securityType        string
	hyperVGeneration    int
	diskControllerTypes string
}

// ensureGalleryImage creates the image definition if it is absent.
// Parameters are carried through verbatim; an existing definition is
// returned unchanged, never updated in place.
func ensureGalleryImage(ctx context.Context, s *Session, p imageDefinitionParams) error {
	client, err := s.galleryImagesClient()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = client.Get(ctx, p.resourceGroup, p.gallery, p.name, nil)
	if err == nil {
		logger.Debugf("gallery image %q already exists", p.name)
		return nil
	}
	if !errorutils.IsNotFoundError(err) {
		return errors.Annotatef(err, "checking gallery image %q", p.name)
	}

	features := []*armcompute.GalleryImageFeature{{
		Name:  to.Ptr("DiskControllerTypes"),
		Value: to.Ptr(p.diskControllerTypes),
	}}
	if p.securityType != "" {
		features = append(features, &armcompute.GalleryImageFeature{
			Name:  to.Ptr("SecurityType"),
			Value: to.Ptr(p.securityType),
		})
	}
	logger.Debugf("creating gallery image %q in gallery %q", p.name, p.gallery)
	poller, err := client.BeginCreateOrUpdate(ctx, p.resourceGroup, p.gallery, p.name, armcompute.GalleryImage{
		Location: to.Ptr(p.location),
		Properties: &armcompute.GalleryImageProperties{
			Identifier: &armcompute.GalleryImageIdentifier{
				Publisher: to.Ptr(p.publisher),
				Offer:     to.Ptr(p.offer),
				SKU:       to.Ptr(p.sku),
			},
			OSType:           to.Ptr(armcompute.OperatingSystemTypes(p.osType)),
			OSState:          to.Ptr(armcompute.OperatingSystemStateTypes(p.osState)),
			Architecture:     to.Ptr(armcompute.Architecture(p.architecture)),
			HyperVGeneration: to.Ptr(armcompute.HyperVGeneration(fmt.Sprintf("V%d", p.hyperVGeneration))),
			Features:         features,
		},
	}, nil)
	if err == nil {
		_, err = waitOperation(ctx, poller, defaultOperationTimeout)
	}
	if err == nil {
		return nil
	}
	if !errorutils.IsConflictError(err) {
		return errors.Annotatef(err, "creating gallery image %q", p.name)
	}
	if _, rerr := client.Get(ctx, p.resourceGroup, p.gallery, p.name, nil); rerr != nil {
		return errors.Annotatef(rerr, "gallery image %q creation conflicted and re-read failed", p.name)
	}
	return nil
}

// versionSource is the artifact an image version is built from:
// either a freshly generalized managed disk, or a VHD blob plus its
// owning storage account.
type versionSource struct {
	diskID string

	storageAccountID string
	vhdURI           string
}

// imageVersionParams identifies and parameterises a gallery image
// version.
type imageVersionParams struct {
	resourceGroup string
	gallery       string
	image         string
	version       string
	location      string

	replicaCount       int
	storageAccountType string
	hostCaching        string
	targetRegions      []string

	source versionSource
}

// createImageVersion always creates: a duplicate version name is a
// caller error and surfaces as the provider's conflict failure.
func createImageVersion(ctx context.Context, s *Session, p imageVersionParams) error {
	client, err := s.galleryImageVersionsClient()
	if err != nil {
		return errors.Trace(err)
	}
	targetRegions := make([]*armcompute.TargetRegion, len(p.targetRegions))
	for i, region := range p.targetRegions {
		targetRegions[i] = &armcompute.TargetRegion{
			Name:                 to.Ptr(region),
			RegionalReplicaCount: to.Ptr(int32(p.replicaCount)),
			StorageAccountType:   to.Ptr(armcompute.StorageAccountType(p.storageAccountType)),
		}
	}
	storageProfile := &armcompute.GalleryImageVersionStorageProfile{
		OSDiskImage: &armcompute.GalleryOSDiskImage{
			HostCaching: to.Ptr(armcompute.HostCaching(p.hostCaching)),
		},
	}
	if p.source.diskID != "" {
		storageProfile.Source = &armcompute.GalleryArtifactVersionSource{
			ID: to.Ptr(p.source.diskID),
		}
	} else {
		storageProfile.OSDiskImage.Source = &armcompute.GalleryArtifactVersionSource{
			ID:  to.Ptr(p.source.storageAccountID),
			URI: to.Ptr(p.source.vhdURI),
		}
	}
	logger.Debugf("creating image version %q of %q/%q", p.version, p.gallery, p.image)
	poller, err := client.BeginCreateOrUpdate(ctx, p.resourceGroup, p.gallery, p.image, p.version, armcompute.GalleryImageVersion{
		Location: to.Ptr(p.location),
		Properties: &armcompute.GalleryImageVersionProperties{
			PublishingProfile: &armcompute.GalleryImageVersionPublishingProfile{
				ReplicaCount:       to.Ptr(int32(p.replicaCount)),
				StorageAccountType: to.Ptr(armcompute.StorageAccountType(p.storageAccountType)),
				TargetRegions:      targetRegions,
			},
			StorageProfile: storageProfile,
		},
	}, nil)
	if err == nil {
		_, err = waitOperation(ctx, poller, imageVersionTimeout)
	}
	return errors.Annotatef(err, "creating image version %q of %q/%q", p.version, p.gallery, p.image)
}
