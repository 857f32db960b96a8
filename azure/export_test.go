// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/shsorot/lisa/azure/internal/azuretesting"
)

type exportSuite struct{}

var _ = gc.Suite(&exportSuite{})

const emptyBlobList = `<?xml version="1.0" encoding="utf-8"?>` +
	`<EnumerationResults ServiceEndpoint="https://lisatexports.blob.core.windows.net/" ContainerName="lisa-vhd-exported">` +
	`<Blobs /><NextMarker /></EnumerationResults>`

// fakeGuest stands in for the SSH deprovision step, recording how many
// HTTP requests the sender had seen when Deprovision ran.
type fakeGuest struct {
	sender *azuretesting.MockSender
	err    error

	deprovisionedAt int
	deprovisioned   bool
	closed          bool
}

func (g *fakeGuest) Deprovision() error {
	if g.err != nil {
		return g.err
	}
	g.deprovisioned = true
	g.deprovisionedAt = len(g.sender.Requests)
	return nil
}

func (g *fakeGuest) Close() error {
	g.closed = true
	return nil
}

func (s *exportSuite) makeExporter(c *gc.C, sender *azuretesting.MockSender, guest *fakeGuest) *Exporter {
	return NewExporter(ExporterParams{
		Session: makeSession(c, sender),
		Clock:   testclock.NewDilatedWallClock(10 * time.Millisecond),
		DialGuest: func(cfg *ExportConfig, node *Node) (Deprovisioner, error) {
			return guest, nil
		},
	})
}

func (s *exportSuite) appendDiscoveryResponses(sender *azuretesting.MockSender) {
	sender.AppendResponse(`{"value":[{
		"name":"vm0","location":"westus2",
		"properties":{"networkProfile":{"networkInterfaces":[
			{"id":"/subscriptions/sub/resourceGroups/lisa-rg/providers/Microsoft.Network/networkInterfaces/nic0"}
		]}}
	}]}`)
	sender.AppendResponse(`{"name":"nic0","properties":{"ipConfigurations":[{
		"name":"ipcfg0",
		"properties":{
			"privateIPAddress":"10.0.0.4",
			"publicIPAddress":{"id":"/subscriptions/sub/resourceGroups/lisa-rg/providers/Microsoft.Network/publicIPAddresses/pip0"}
		}
	}]}}`)
	sender.AppendResponse(`{"name":"pip0","properties":{"ipAddress":"20.1.2.3"}}`)
}

func (s *exportSuite) appendPreCopyResponses(sender *azuretesting.MockSender) {
	s.appendDiscoveryResponses(sender)
	// Deallocate.
	sender.AppendResponse(`{}`)
	// VM read for the OS disk name.
	sender.AppendResponse(`{"name":"vm0","location":"westus2","properties":{"storageProfile":{"osDisk":{
		"name":"vm0-osdisk",
		"managedDisk":{"id":"/subscriptions/sub/resourceGroups/lisa-rg/providers/Microsoft.Compute/disks/vm0-osdisk"}
	}}}}`)
	// Grant disk access.
	sender.AppendResponse(`{"accessSAS":"https://sas.example.net/vm0-osdisk"}`)
	// Storage account and container already exist.
	sender.AppendResponse(`{"name":"lisatexports","id":"/subscriptions/sub/resourceGroups/shared/providers/Microsoft.Storage/storageAccounts/lisatexports"}`)
	sender.AppendResponse(`{"name":"lisa-vhd-exported"}`)
}

func exportConfig() ExportConfig {
	return ExportConfig{
		SharedResourceGroup: "shared",
		ResourceGroup:       "lisa-rg",
		StorageAccount:      "lisatexports",
		Container:           "lisa-vhd-exported",
		CustomBlobName:      "images/custom.vhd",
		UsePublicAddress:    true,
	}
}

func countRequests(sender *azuretesting.MockSender, fragment string) int {
	n := 0
	for _, req := range sender.Requests {
		if strings.Contains(req, fragment) {
			n++
		}
	}
	return n
}

func (s *exportSuite) TestExportWithCustomBlobName(c *gc.C) {
	sender := &azuretesting.MockSender{}
	s.appendPreCopyResponses(sender)
	// Copy accepted, then reported complete.
	sender.AppendResponseWithHeader("", http.StatusAccepted, http.Header{
		"x-ms-copy-id":     []string{"copy-0"},
		"x-ms-copy-status": []string{"pending"},
	})
	sender.AppendResponseWithHeader("", http.StatusOK, http.Header{
		"x-ms-copy-status": []string{"success"},
	})
	// Revoke disk access.
	sender.AppendResponse(`{}`)

	guest := &fakeGuest{sender: sender}
	exporter := s.makeExporter(c, sender, guest)
	vhdURL, err := exporter.Export(context.Background(), exportConfig())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(vhdURL, gc.Equals, "https://lisatexports.blob.core.windows.net/lisa-vhd-exported/images/custom.vhd")

	c.Assert(guest.deprovisioned, jc.IsTrue)
	c.Assert(guest.closed, jc.IsTrue)
	// The guest was deprovisioned after node discovery and before any
	// power or disk operation.
	c.Assert(guest.deprovisionedAt, gc.Equals, 3)
	c.Assert(sender.Requests[3], jc.Contains, "/deallocate")

	c.Assert(countRequests(sender, "/beginGetAccess"), gc.Equals, 1)
	c.Assert(countRequests(sender, "/endGetAccess"), gc.Equals, 1)
	// Copy targets the custom blob name verbatim.
	c.Assert(countRequests(sender, "images/custom.vhd"), gc.Equals, 2)
}

func (s *exportSuite) TestExportGeneratedPathAndRestore(c *gc.C) {
	sender := &azuretesting.MockSender{}
	s.appendPreCopyResponses(sender)
	// Destination path collision probe.
	sender.AppendResponseWithHeader(emptyBlobList, http.StatusOK, http.Header{
		"Content-Type": []string{"application/xml"},
	})
	sender.AppendResponseWithHeader("", http.StatusAccepted, http.Header{
		"x-ms-copy-id":     []string{"copy-0"},
		"x-ms-copy-status": []string{"pending"},
	})
	sender.AppendResponseWithHeader("", http.StatusOK, http.Header{
		"x-ms-copy-status": []string{"success"},
	})
	// Revoke, then restart.
	sender.AppendResponse(`{}`)
	sender.AppendResponse(`{}`)

	cfg := exportConfig()
	cfg.CustomBlobName = ""
	cfg.FileNamePart = "centos79"
	cfg.Restore = true

	guest := &fakeGuest{sender: sender}
	exporter := s.makeExporter(c, sender, guest)
	vhdURL, err := exporter.Export(context.Background(), cfg)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(vhdURL, gc.Matches,
		`https://lisatexports\.blob\.core\.windows\.net/lisa-vhd-exported/\d{8}/\d{8}-\d{6}-\d{3}_exported_centos79\.vhd`)
	c.Assert(sender.Requests[len(sender.Requests)-1], jc.Contains, "/start")
	// Restart happens only after the disk lease is released.
	c.Assert(sender.Requests[len(sender.Requests)-2], jc.Contains, "/endGetAccess")
}

func (s *exportSuite) TestExportRevokesAfterCopyFailure(c *gc.C) {
	sender := &azuretesting.MockSender{}
	s.appendPreCopyResponses(sender)
	// Copy rejected.
	sender.AppendResponseWithStatus(`{"error":{"code":"PendingCopyOperation","message":"busy"}}`, http.StatusConflict)
	// Revoke still runs, exactly once.
	sender.AppendResponse(`{}`)

	guest := &fakeGuest{sender: sender}
	exporter := s.makeExporter(c, sender, guest)
	_, err := exporter.Export(context.Background(), exportConfig())
	c.Assert(err, gc.ErrorMatches, `(?s)starting copy to .*`)
	c.Assert(countRequests(sender, "/endGetAccess"), gc.Equals, 1)
	c.Assert(sender.Requests[len(sender.Requests)-1], jc.Contains, "/endGetAccess")
}

func (s *exportSuite) TestExportCopyTerminatesFailed(c *gc.C) {
	sender := &azuretesting.MockSender{}
	s.appendPreCopyResponses(sender)
	sender.AppendResponseWithHeader("", http.StatusAccepted, http.Header{
		"x-ms-copy-id":     []string{"copy-0"},
		"x-ms-copy-status": []string{"pending"},
	})
	sender.AppendResponseWithHeader("", http.StatusOK, http.Header{
		"x-ms-copy-status":             []string{"failed"},
		"x-ms-copy-status-description": []string{"source unreadable"},
	})
	sender.AppendResponse(`{}`)

	guest := &fakeGuest{sender: sender}
	exporter := s.makeExporter(c, sender, guest)
	_, err := exporter.Export(context.Background(), exportConfig())
	c.Assert(err, gc.ErrorMatches, `(?s)copy to .* terminated with status "failed": source unreadable`)
	c.Assert(countRequests(sender, "/endGetAccess"), gc.Equals, 1)
}

func (s *exportSuite) TestExportDeprovisionFailure(c *gc.C) {
	sender := &azuretesting.MockSender{}
	s.appendDiscoveryResponses(sender)

	guest := &fakeGuest{sender: sender, err: errors.New("ssh exploded")}
	exporter := s.makeExporter(c, sender, guest)
	_, err := exporter.Export(context.Background(), exportConfig())
	c.Assert(err, gc.ErrorMatches, `deprovisioning node "vm0": ssh exploded`)
	// No power or disk operation was attempted.
	c.Assert(sender.Requests, gc.HasLen, 3)
	c.Assert(guest.closed, jc.IsTrue)
}

func (s *exportSuite) TestExportUnknownVMName(c *gc.C) {
	sender := &azuretesting.MockSender{}
	s.appendDiscoveryResponses(sender)

	cfg := exportConfig()
	cfg.VMName = "missing"
	exporter := s.makeExporter(c, sender, &fakeGuest{sender: sender})
	_, err := exporter.Export(context.Background(), cfg)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *exportSuite) TestExportInvalidConfig(c *gc.C) {
	exporter := s.makeExporter(c, &azuretesting.MockSender{}, &fakeGuest{})
	_, err := exporter.Export(context.Background(), ExportConfig{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}
