// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command lisa runs image pipeline steps from a YAML runbook: export
// a VM to a VHD, publish a gallery image version, deploy or delete an
// environment.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"gopkg.in/yaml.v3"

	"github.com/shsorot/lisa/azure"
)

type runbook struct {
	Steps []map[string]interface{} `yaml:"steps"`
}

func main() {
	if err := Main(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// Main parses flags and runs the runbook's steps in order.
func Main(args []string) error {
	flags := gnuflag.NewFlagSet("lisa", gnuflag.ContinueOnError)
	runbookPath := flags.String("runbook", "", "path to the runbook YAML file")
	subscriptionID := flags.String("subscription-id", os.Getenv("AZURE_SUBSCRIPTION_ID"), "Azure subscription id")
	verbose := flags.Bool("verbose", false, "enable debug logging")
	if err := flags.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	if *runbookPath == "" {
		return errors.NotValidf("missing --runbook")
	}
	if *subscriptionID == "" {
		return errors.NotValidf("missing --subscription-id and AZURE_SUBSCRIPTION_ID unset")
	}
	if *verbose {
		if err := loggo.ConfigureLoggers("<root>=DEBUG"); err != nil {
			return errors.Trace(err)
		}
	}

	data, err := os.ReadFile(*runbookPath)
	if err != nil {
		return errors.Annotate(err, "reading runbook")
	}
	var rb runbook
	if err := yaml.Unmarshal(data, &rb); err != nil {
		return errors.Annotate(err, "parsing runbook")
	}

	session, err := azure.NewDefaultSession(*subscriptionID)
	if err != nil {
		return errors.Trace(err)
	}
	ctx := context.Background()
	for i, step := range rb.Steps {
		outputs, err := runStep(ctx, session, step)
		if err != nil {
			return errors.Annotatef(err, "step %d", i+1)
		}
		for k, v := range outputs {
			fmt.Printf("%s: %v\n", k, v)
		}
	}
	return nil
}

func runStep(ctx context.Context, session *azure.Session, step map[string]interface{}) (map[string]interface{}, error) {
	stepType, _ := step["type"].(string)
	attrs := make(map[string]interface{}, len(step))
	for k, v := range step {
		if k != "type" {
			attrs[k] = v
		}
	}
	switch stepType {
	case "azure_vhd":
		cfg, err := azure.ParseExportConfig(attrs)
		if err != nil {
			return nil, errors.Trace(err)
		}
		url, err := azure.NewExporter(azure.ExporterParams{Session: session}).Export(ctx, *cfg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{"url": url}, nil
	case "azure_sig":
		cfg, err := azure.ParseGalleryImageConfig(attrs)
		if err != nil {
			return nil, errors.Trace(err)
		}
		ref, err := azure.NewPublisher(azure.PublisherParams{Session: session}).Publish(ctx, *cfg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{"url": ref}, nil
	case "azure_deploy":
		cfg, err := azure.ParseDeployConfig(attrs)
		if err != nil {
			return nil, errors.Trace(err)
		}
		result, err := azure.Deploy(ctx, azure.NewPlatform(session), *cfg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"resource_group_name": result.ResourceGroup,
			"address":             result.Address,
			"port":                result.Port,
			"username":            result.Username,
			"password":            result.Password,
			"private_key_file":    result.PrivateKeyFile,
		}, nil
	case "azure_delete":
		cfg, err := azure.ParseDeleteConfig(attrs)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := azure.Delete(ctx, azure.NewPlatform(session), cfg.ResourceGroup); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{}, nil
	default:
		return nil, errors.NotSupportedf("step type %q", stepType)
	}
}
