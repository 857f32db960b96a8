// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package errorutils

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// ResponseError returns the Azure response error wrapped anywhere in
// err's chain, or nil.
func ResponseError(err error) *azcore.ResponseError {
	var respErr *azcore.ResponseError
	if stderrors.As(err, &respErr) {
		return respErr
	}
	return nil
}

// IsNotFoundError reports whether err indicates that the requested
// resource does not exist.
func IsNotFoundError(err error) bool {
	respErr := ResponseError(err)
	if respErr == nil {
		return false
	}
	if respErr.StatusCode == http.StatusNotFound {
		return true
	}
	switch respErr.ErrorCode {
	case "NotFound", "ResourceNotFound", "ResourceGroupNotFound",
		"ContainerNotFound", "BlobNotFound":
		return true
	}
	return false
}

// IsConflictError reports whether err indicates that the resource
// already exists or that a concurrent mutation won a creation race.
func IsConflictError(err error) bool {
	respErr := ResponseError(err)
	if respErr == nil {
		return false
	}
	if respErr.StatusCode == http.StatusConflict {
		return true
	}
	return strings.Contains(respErr.ErrorCode, "AlreadyExists") ||
		strings.Contains(respErr.ErrorCode, "Conflict")
}

// IsForbiddenError reports whether err indicates that the credential
// is not authorised for the attempted operation.
func IsForbiddenError(err error) bool {
	respErr := ResponseError(err)
	return respErr != nil && respErr.StatusCode == http.StatusForbidden
}

// HasErrorCode reports whether err carries one of the given Azure
// error codes.
func HasErrorCode(err error, codes ...string) bool {
	respErr := ResponseError(err)
	if respErr == nil {
		return false
	}
	for _, code := range codes {
		if respErr.ErrorCode == code {
			return true
		}
	}
	return false
}
