// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"github.com/juju/errors"
	"github.com/juju/schema"
)

const (
	// SharedResourceGroupName is the default resource group holding
	// shared infrastructure: exported VHD storage and galleries.
	SharedResourceGroupName = "lisa_shared_resource"

	// exportedVHDContainerName is the default container exported VHDs
	// are staged in.
	exportedVHDContainerName = "lisa-vhd-exported"

	// defaultGalleryName is the gallery used when the publication step
	// does not name one.
	defaultGalleryName = "lisa_default_gallery"

	defaultGalleryDescription = "Shared image gallery created by lisa."

	defaultUserName = "lisatest"

	defaultSSHPort = 22
)

// ExportConfig describes one VM-to-VHD export.
type ExportConfig struct {
	// SharedResourceGroup holds the destination storage account.
	SharedResourceGroup string
	// ResourceGroup is the group containing the VM to export.
	ResourceGroup string
	// VMName selects the VM; empty means the first node in the group.
	VMName string

	// Connection parameters for the guest-side deprovision step.
	PublicAddress  string
	PublicPort     int
	Username       string
	Password       string
	PrivateKeyFile string

	// StorageAccount is the destination account; empty means a name
	// derived from the subscription and VM location.
	StorageAccount string
	Container      string
	// FileNamePart is carried into generated blob paths.
	FileNamePart string
	// CustomBlobName bypasses path generation entirely. Collision
	// management for explicit names is the caller's responsibility.
	CustomBlobName string

	// Restore starts the VM again after the export.
	Restore bool

	// UsePublicAddress selects which address the guest connection
	// dials.
	UsePublicAddress bool
}

var exportConfigFields = schema.Fields{
	"shared_resource_group_name": schema.String(),
	"resource_group_name":        schema.String(),
	"vm_name":                    schema.String(),
	"public_address":             schema.String(),
	"public_port":                schema.ForceInt(),
	"username":                   schema.String(),
	"password":                   schema.String(),
	"private_key_file":           schema.String(),
	"storage_account_name":       schema.String(),
	"container_name":             schema.String(),
	"file_name_part":             schema.String(),
	"custom_blob_name":           schema.String(),
	"restore":                    schema.Bool(),
	"use_public_address":         schema.Bool(),
}

var exportConfigDefaults = schema.Defaults{
	"shared_resource_group_name": SharedResourceGroupName,
	"vm_name":                    "",
	"public_address":             "",
	"public_port":                defaultSSHPort,
	"username":                   defaultUserName,
	"password":                   "",
	"private_key_file":           "",
	"storage_account_name":       "",
	"container_name":             exportedVHDContainerName,
	"file_name_part":             "",
	"custom_blob_name":           "",
	"restore":                    false,
	"use_public_address":         true,
}

// ParseExportConfig coerces a loosely-typed step definition into an
// ExportConfig.
func ParseExportConfig(attrs map[string]interface{}) (*ExportConfig, error) {
	m, err := coerce("export", exportConfigFields, exportConfigDefaults, attrs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg := &ExportConfig{
		SharedResourceGroup: m["shared_resource_group_name"].(string),
		ResourceGroup:       m["resource_group_name"].(string),
		VMName:              m["vm_name"].(string),
		PublicAddress:       m["public_address"].(string),
		PublicPort:          m["public_port"].(int),
		Username:            m["username"].(string),
		Password:            m["password"].(string),
		PrivateKeyFile:      m["private_key_file"].(string),
		StorageAccount:      m["storage_account_name"].(string),
		Container:           m["container_name"].(string),
		FileNamePart:        m["file_name_part"].(string),
		CustomBlobName:      m["custom_blob_name"].(string),
		Restore:             m["restore"].(bool),
		UsePublicAddress:    m["use_public_address"].(bool),
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks the config before any remote call is made.
func (c *ExportConfig) Validate() error {
	if c.ResourceGroup == "" {
		return errors.NotValidf("export config with empty resource group")
	}
	if c.SharedResourceGroup == "" {
		return errors.NotValidf("export config with empty shared resource group")
	}
	if c.Container == "" {
		return errors.NotValidf("export config with empty container name")
	}
	return nil
}

// GalleryImageConfig describes one gallery image version publication.
type GalleryImageConfig struct {
	// VHD is the source blob URL. Ignored when VMResourceGroup is set.
	VHD string
	// VMResourceGroup selects a VM-sourced publication: the group's
	// first VM is generalized and its managed disk used as source.
	VMResourceGroup string

	GalleryResourceGroup         string
	GalleryResourceGroupLocation string
	GalleryName                  string
	GalleryLocation              string
	GalleryDescription           string

	// ImageLocations lists the regions the version replicates to. The
	// first entry is the default for unset location fields.
	ImageLocations []string
	ImageName      string
	// ImageFullName is "publisher offer sku version".
	ImageFullName string

	OSType           string
	OSState          string
	Architecture     string
	SecurityType     string
	HyperVGeneration int

	RegionalReplicaCount int
	StorageAccountType   string
	HostCachingType      string
}

var galleryImageConfigFields = schema.Fields{
	"vhd":                             schema.String(),
	"vm_resource_group":               schema.String(),
	"gallery_resource_group_name":     schema.String(),
	"gallery_resource_group_location": schema.String(),
	"gallery_name":                    schema.String(),
	"gallery_location":                schema.String(),
	"gallery_description":             schema.String(),
	"gallery_image_location":          schema.List(schema.String()),
	"gallery_image_name":              schema.String(),
	"gallery_image_fullname":          schema.String(),
	"gallery_image_ostype":            schema.String(),
	"gallery_image_osstate":           schema.String(),
	"gallery_image_architecture":      schema.String(),
	"gallery_image_securitytype":      schema.String(),
	"gallery_image_hyperv_generation": schema.ForceInt(),
	"regional_replica_count":          schema.ForceInt(),
	"storage_account_type":            schema.String(),
	"host_caching_type":               schema.String(),
}

var galleryImageConfigDefaults = schema.Defaults{
	"vhd":                             "",
	"vm_resource_group":               "",
	"gallery_resource_group_name":     SharedResourceGroupName,
	"gallery_resource_group_location": "",
	"gallery_name":                    defaultGalleryName,
	"gallery_location":                "",
	"gallery_description":             defaultGalleryDescription,
	"gallery_image_ostype":            "Linux",
	"gallery_image_osstate":           "Generalized",
	"gallery_image_architecture":      "x64",
	"gallery_image_securitytype":      "",
	"gallery_image_hyperv_generation": 1,
	"regional_replica_count":          1,
	"storage_account_type":            "Standard_LRS",
	"host_caching_type":               "None",
}

// ParseGalleryImageConfig coerces a loosely-typed step definition
// into a GalleryImageConfig.
func ParseGalleryImageConfig(attrs map[string]interface{}) (*GalleryImageConfig, error) {
	m, err := coerce("gallery image", galleryImageConfigFields, galleryImageConfigDefaults, attrs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var locations []string
	for _, v := range m["gallery_image_location"].([]interface{}) {
		locations = append(locations, v.(string))
	}
	cfg := &GalleryImageConfig{
		VHD:                          m["vhd"].(string),
		VMResourceGroup:              m["vm_resource_group"].(string),
		GalleryResourceGroup:         m["gallery_resource_group_name"].(string),
		GalleryResourceGroupLocation: m["gallery_resource_group_location"].(string),
		GalleryName:                  m["gallery_name"].(string),
		GalleryLocation:              m["gallery_location"].(string),
		GalleryDescription:           m["gallery_description"].(string),
		ImageLocations:               locations,
		ImageName:                    m["gallery_image_name"].(string),
		ImageFullName:                m["gallery_image_fullname"].(string),
		OSType:                       m["gallery_image_ostype"].(string),
		OSState:                      m["gallery_image_osstate"].(string),
		Architecture:                 m["gallery_image_architecture"].(string),
		SecurityType:                 m["gallery_image_securitytype"].(string),
		HyperVGeneration:             m["gallery_image_hyperv_generation"].(int),
		RegionalReplicaCount:         m["regional_replica_count"].(int),
		StorageAccountType:           m["storage_account_type"].(string),
		HostCachingType:              m["host_caching_type"].(string),
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks the config before any remote call is made.
func (c *GalleryImageConfig) Validate() error {
	if len(c.ImageLocations) == 0 {
		return errors.NotValidf("gallery image config with no image locations")
	}
	if c.ImageName == "" {
		return errors.NotValidf("gallery image config with empty image name")
	}
	if c.ImageFullName == "" {
		return errors.NotValidf("gallery image config with empty image full name")
	}
	if c.VHD == "" && c.VMResourceGroup == "" {
		return errors.NotValidf("gallery image config with neither vhd nor vm resource group")
	}
	switch c.OSType {
	case "Linux", "Windows":
	default:
		return errors.NotValidf("os type %q", c.OSType)
	}
	switch c.OSState {
	case "Generalized", "Specialized":
	default:
		return errors.NotValidf("os state %q", c.OSState)
	}
	switch c.Architecture {
	case "x64", "Arm64":
	default:
		return errors.NotValidf("architecture %q", c.Architecture)
	}
	switch c.HyperVGeneration {
	case 1, 2:
	default:
		return errors.NotValidf("hyper-v generation %d", c.HyperVGeneration)
	}
	switch c.StorageAccountType {
	case "Standard_LRS", "Standard_ZRS", "Premium_LRS":
	default:
		return errors.NotValidf("storage account type %q", c.StorageAccountType)
	}
	switch c.HostCachingType {
	case "None", "ReadOnly", "ReadWrite":
	default:
		return errors.NotValidf("host caching type %q", c.HostCachingType)
	}
	return nil
}

// NodeRequirement is the capability a deployed node must satisfy.
type NodeRequirement struct {
	Name      string
	CoreCount int
	MemoryMB  int
}

// DeployConfig describes one environment deployment.
type DeployConfig struct {
	ResourceGroup string
	Requirement   NodeRequirement

	// Admin credentials reported back for connecting to the deployed
	// node. Username defaults to the pipeline's standard test user.
	Username       string
	Password       string
	PrivateKeyFile string
}

var deployConfigFields = schema.Fields{
	"resource_group_name": schema.String(),
	"requirement": schema.FieldMap(schema.Fields{
		"name":       schema.String(),
		"core_count": schema.ForceInt(),
		"memory_mb":  schema.ForceInt(),
	}, schema.Defaults{
		"name":       "",
		"core_count": 0,
		"memory_mb":  0,
	}),
	"admin_username":         schema.String(),
	"admin_password":         schema.String(),
	"admin_private_key_file": schema.String(),
}

var deployConfigDefaults = schema.Defaults{
	"resource_group_name":    "",
	"requirement":            schema.Omit,
	"admin_username":         defaultUserName,
	"admin_password":         "",
	"admin_private_key_file": "",
}

// ParseDeployConfig coerces a loosely-typed step definition into a
// DeployConfig.
func ParseDeployConfig(attrs map[string]interface{}) (*DeployConfig, error) {
	m, err := coerce("deploy", deployConfigFields, deployConfigDefaults, attrs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg := &DeployConfig{
		ResourceGroup:  m["resource_group_name"].(string),
		Username:       m["admin_username"].(string),
		Password:       m["admin_password"].(string),
		PrivateKeyFile: m["admin_private_key_file"].(string),
	}
	if req, ok := m["requirement"].(map[string]interface{}); ok {
		cfg.Requirement = NodeRequirement{
			Name:      req["name"].(string),
			CoreCount: req["core_count"].(int),
			MemoryMB:  req["memory_mb"].(int),
		}
	}
	return cfg, nil
}

// DeleteConfig describes one environment deletion.
type DeleteConfig struct {
	ResourceGroup string
}

var deleteConfigFields = schema.Fields{
	"resource_group_name": schema.String(),
}

// ParseDeleteConfig coerces a loosely-typed step definition into a
// DeleteConfig.
func ParseDeleteConfig(attrs map[string]interface{}) (*DeleteConfig, error) {
	m, err := coerce("delete", deleteConfigFields, nil, attrs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg := &DeleteConfig{ResourceGroup: m["resource_group_name"].(string)}
	if cfg.ResourceGroup == "" {
		return nil, errors.NotValidf("delete config with empty resource group")
	}
	return cfg, nil
}

func coerce(kind string, fields schema.Fields, defaults schema.Defaults, attrs map[string]interface{}) (map[string]interface{}, error) {
	coerced, err := schema.FieldMap(fields, defaults).Coerce(attrs, nil)
	if err != nil {
		return nil, errors.NewNotValid(err, kind+" config")
	}
	return coerced.(map[string]interface{}), nil
}
