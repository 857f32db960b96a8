// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/juju/clock"
	"github.com/juju/errors"
)

const (
	// defaultOperationTimeout bounds the management-plane operations
	// driven by this pipeline: power control, disk access grants and
	// resource creation.
	defaultOperationTimeout = 30 * time.Minute

	// imageVersionTimeout bounds gallery image version creation, which
	// replicates the image to every target region.
	imageVersionTimeout = 4 * time.Hour

	// copyStatusInterval is how often a blob copy is polled for
	// completion.
	copyStatusInterval = 2 * time.Second
)

// waitOperation polls a management operation to its terminal state.
// A timeout of zero means no bound beyond the caller's context. On
// timeout the returned error satisfies errors.Timeout; provider
// failures are returned unchanged so callers can inspect the error
// body.
func waitOperation[T any](ctx context.Context, p *runtime.Poller[T], timeout time.Duration) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := p.PollUntilDone(ctx, nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, errors.Timeoutf("operation did not complete within %v", timeout)
		}
		return result, errors.Trace(err)
	}
	return result, nil
}

// waitCopyBlob blocks until the copy targeting blobClient reaches a
// terminal status. There is deliberately no timeout here: copies run
// for as long as the service keeps reporting progress, and the caller
// can cancel through ctx.
func waitCopyBlob(ctx context.Context, clk clock.Clock, blobClient *blob.Client, vhdURL string) error {
	for {
		props, err := blobClient.GetProperties(ctx, nil)
		if err != nil {
			return errors.Annotatef(err, "checking copy status of %q", vhdURL)
		}
		switch status := toValue(props.CopyStatus); status {
		case blob.CopyStatusTypeSuccess:
			logger.Debugf("copy to %q completed", vhdURL)
			return nil
		case blob.CopyStatusTypePending:
			logger.Debugf("copying to %q: %s", vhdURL, toValue(props.CopyProgress))
		default:
			return errors.Errorf(
				"copy to %q terminated with status %q: %s",
				vhdURL, status, toValue(props.CopyStatusDescription),
			)
		}
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-clk.After(copyStatusInterval):
		}
	}
}
