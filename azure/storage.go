// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/shsorot/lisa/azure/internal/errorutils"
)

const (
	// vhdSuffix marks blobs produced by the export path.
	vhdSuffix = "exported"

	// storageAccountNameMax is the Azure limit on account names.
	storageAccountNameMax = 24

	// Path allocation is optimistic: generate a time-derived path,
	// fail on collision and retry with jittered backoff. Collisions
	// are rare at sub-second granularity, and a retry is cheap next
	// to the copy that follows.
	pathAllocateAttempts = 10
	pathAllocateDelay    = 1 * time.Second
	pathAllocateMaxDelay = 2 * time.Second
)

// containerHandle wraps a blob container for listing and per-blob
// clients.
type containerHandle struct {
	client *container.Client
}

func (h *containerHandle) url() string {
	return h.client.URL()
}

func (h *containerHandle) blobClient(path string) *blob.Client {
	return h.client.NewBlobClient(path)
}

// listPrefix returns the names of blobs starting with prefix.
func (h *containerHandle) listPrefix(ctx context.Context, prefix string) ([]string, error) {
	pager := h.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: to.Ptr(prefix),
	})
	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "listing blobs with prefix %q", prefix)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			names = append(names, toValue(item.Name))
		}
	}
	return names, nil
}

// blobLister is the part of containerHandle the path generator needs.
type blobLister interface {
	listPrefix(ctx context.Context, prefix string) ([]string, error)
}

// generateVHDPath builds a date-partitioned destination path carrying
// hint as a suffix and verifies no blob already exists under it. The
// error on collision satisfies errors.AlreadyExists so the caller can
// retry.
func generateVHDPath(ctx context.Context, lister blobLister, hint string, now time.Time) (string, error) {
	path := fmt.Sprintf("%s/%s_%s_%s.vhd", dateString(now), datetimePath(now), vhdSuffix, hint)
	names, err := lister.listPrefix(ctx, path)
	if err != nil {
		return "", errors.Trace(err)
	}
	if existing := set.NewStrings(names...); !existing.IsEmpty() {
		return "", errors.AlreadyExistsf("blob path %q", path)
	}
	return path, nil
}

// allocateVHDPath retries generateVHDPath on collision with jittered
// backoff. Listing failures are fatal and not retried.
func allocateVHDPath(ctx context.Context, clk clock.Clock, lister blobLister, hint string) (string, error) {
	var path string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			path, err = generateVHDPath(ctx, lister, hint, time.Now())
			return err
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errors.AlreadyExists)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("attempt %d to allocate a VHD path: %v", attempt, err)
		},
		Attempts:    pathAllocateAttempts,
		Delay:       pathAllocateDelay,
		MaxDelay:    pathAllocateMaxDelay,
		BackoffFunc: retry.ExpBackoff(pathAllocateDelay, pathAllocateMaxDelay, 2.0, true),
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
			err = retry.LastError(err)
		}
		return "", errors.Trace(err)
	}
	return path, nil
}

func dateString(t time.Time) string {
	return t.UTC().Format("20060102")
}

func datetimePath(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s-%03d", t.Format("20060102-150405"), t.Nanosecond()/int(time.Millisecond))
}

// storageAccountName derives the default account used to stage
// exported VHDs. Account names must be 3-24 lowercase alphanumeric
// characters, so the name is squeezed from the subscription tail and
// the location.
func storageAccountName(subscriptionID, location string) string {
	seed := strings.ReplaceAll(subscriptionID, "-", "")
	if len(seed) > 8 {
		seed = seed[len(seed)-8:]
	}
	var b strings.Builder
	for _, r := range strings.ToLower("lisat" + seed + location) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) > storageAccountNameMax {
		name = name[:storageAccountNameMax]
	}
	return name
}

// vhdDetails locates a VHD blob from its URL: the account, container
// and blob names come from the URL, and the account's resource group
// is discovered by listing the subscription's storage accounts.
type vhdDetails struct {
	accountName   string
	accountID     string
	resourceGroup string
	container     string
	blob          string
}

func (s *Session) vhdDetails(ctx context.Context, vhdURL string) (*vhdDetails, error) {
	u, err := url.Parse(vhdURL)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing VHD URL %q", vhdURL)
	}
	accountName, _, _ := strings.Cut(u.Host, ".")
	containerName, blobName, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if accountName == "" || containerName == "" || blobName == "" || !ok {
		return nil, errors.NotValidf("VHD URL %q", vhdURL)
	}

	accounts, err := s.accountsClient()
	if err != nil {
		return nil, errors.Trace(err)
	}
	pager := accounts.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Annotate(err, "listing storage accounts")
		}
		for _, account := range page.Value {
			if toValue(account.Name) != accountName {
				continue
			}
			id := toValue(account.ID)
			rg, err := resourceGroupFromID(id)
			if err != nil {
				return nil, errors.Trace(err)
			}
			return &vhdDetails{
				accountName:   accountName,
				accountID:     id,
				resourceGroup: rg,
				container:     containerName,
				blob:          blobName,
			}, nil
		}
	}
	return nil, errors.NotFoundf("storage account %q for VHD %q", accountName, vhdURL)
}

// checkBlobExists verifies the blob behind details has content,
// returning a NotFound error if it does not.
func (s *Session) checkBlobExists(ctx context.Context, details *vhdDetails, vhdURL string) error {
	h, err := s.containerClient(details.accountName, details.container)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := h.blobClient(details.blob).GetProperties(ctx, nil); err != nil {
		if errorutils.IsNotFoundError(err) {
			return errors.NotFoundf("VHD %q", vhdURL)
		}
		return errors.Annotatef(err, "checking VHD %q", vhdURL)
	}
	return nil
}

// resourceGroupFromID extracts the resource-group segment of an ARM
// resource ID.
func resourceGroupFromID(id string) (string, error) {
	parts := strings.Split(id, "/")
	for i := 0; i < len(parts)-1; i++ {
		if strings.EqualFold(parts[i], "resourceGroups") {
			return parts[i+1], nil
		}
	}
	return "", errors.Errorf("resource ID %q has no resource group", id)
}
