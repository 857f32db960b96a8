// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package azure implements the VM image export and publication
// pipeline: exporting a virtual machine's OS disk to a VHD blob,
// publishing a VHD or a generalized VM as a shared gallery image
// version, and deploying or deleting the environments those
// operations run against.
package azure

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("lisa.azure")

const defaultStorageEndpointSuffix = "core.windows.net"

// SessionParams holds the parameters for constructing a Session.
type SessionParams struct {
	SubscriptionID string
	Credential     azcore.TokenCredential

	// Transporter overrides the HTTP transport used by all clients.
	// Used by tests; leave nil for the default transport.
	Transporter policy.Transporter

	// StorageEndpointSuffix defaults to "core.windows.net".
	StorageEndpointSuffix string
}

// Session holds the credential and client configuration shared by all
// pipeline operations against one subscription.
type Session struct {
	subscriptionID        string
	credential            azcore.TokenCredential
	storageEndpointSuffix string
	armOptions            *arm.ClientOptions
	blobOptions           *azblob.ClientOptions
}

// NewSession returns a Session for the given subscription.
func NewSession(p SessionParams) (*Session, error) {
	if p.SubscriptionID == "" {
		return nil, errors.NotValidf("session with empty subscription id")
	}
	if p.Credential == nil {
		return nil, errors.NotValidf("session with nil credential")
	}
	suffix := p.StorageEndpointSuffix
	if suffix == "" {
		suffix = defaultStorageEndpointSuffix
	}
	return &Session{
		subscriptionID:        p.SubscriptionID,
		credential:            p.Credential,
		storageEndpointSuffix: suffix,
		armOptions: &arm.ClientOptions{
			ClientOptions: policy.ClientOptions{Transport: p.Transporter},
		},
		blobOptions: &azblob.ClientOptions{
			ClientOptions: policy.ClientOptions{Transport: p.Transporter},
		},
	}, nil
}

// NewDefaultSession returns a Session authenticated from the ambient
// environment (env vars, managed identity or az CLI).
func NewDefaultSession(subscriptionID string) (*Session, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Annotate(err, "building default credential")
	}
	return NewSession(SessionParams{
		SubscriptionID: subscriptionID,
		Credential:     cred,
	})
}

func (s *Session) disksClient() (*armcompute.DisksClient, error) {
	client, err := armcompute.NewDisksClient(s.subscriptionID, s.credential, s.armOptions)
	return client, errors.Trace(err)
}

func (s *Session) virtualMachinesClient() (*armcompute.VirtualMachinesClient, error) {
	client, err := armcompute.NewVirtualMachinesClient(s.subscriptionID, s.credential, s.armOptions)
	return client, errors.Trace(err)
}

func (s *Session) galleriesClient() (*armcompute.GalleriesClient, error) {
	client, err := armcompute.NewGalleriesClient(s.subscriptionID, s.credential, s.armOptions)
	return client, errors.Trace(err)
}

func (s *Session) galleryImagesClient() (*armcompute.GalleryImagesClient, error) {
	client, err := armcompute.NewGalleryImagesClient(s.subscriptionID, s.credential, s.armOptions)
	return client, errors.Trace(err)
}

func (s *Session) galleryImageVersionsClient() (*armcompute.GalleryImageVersionsClient, error) {
	client, err := armcompute.NewGalleryImageVersionsClient(s.subscriptionID, s.credential, s.armOptions)
	return client, errors.Trace(err)
}

func (s *Session) resourceGroupsClient() (*armresources.ResourceGroupsClient, error) {
	client, err := armresources.NewResourceGroupsClient(s.subscriptionID, s.credential, s.armOptions)
	return client, errors.Trace(err)
}

func (s *Session) accountsClient() (*armstorage.AccountsClient, error) {
	client, err := armstorage.NewAccountsClient(s.subscriptionID, s.credential, s.armOptions)
	return client, errors.Trace(err)
}

func (s *Session) blobContainersClient() (*armstorage.BlobContainersClient, error) {
	client, err := armstorage.NewBlobContainersClient(s.subscriptionID, s.credential, s.armOptions)
	return client, errors.Trace(err)
}

func (s *Session) interfacesClient() (*armnetwork.InterfacesClient, error) {
	client, err := armnetwork.NewInterfacesClient(s.subscriptionID, s.credential, s.armOptions)
	return client, errors.Trace(err)
}

func (s *Session) publicIPAddressesClient() (*armnetwork.PublicIPAddressesClient, error) {
	client, err := armnetwork.NewPublicIPAddressesClient(s.subscriptionID, s.credential, s.armOptions)
	return client, errors.Trace(err)
}

func (s *Session) containerClient(accountName, containerName string) (*containerHandle, error) {
	serviceURL := fmt.Sprintf("https://%s.blob.%s", accountName, s.storageEndpointSuffix)
	client, err := azblob.NewClient(serviceURL, s.credential, s.blobOptions)
	if err != nil {
		return nil, errors.Annotatef(err, "building blob client for account %q", accountName)
	}
	return &containerHandle{
		client: client.ServiceClient().NewContainerClient(containerName),
	}, nil
}

// toValue dereferences p, returning the zero value if p is nil.
func toValue[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
