// Package chronicle delivers log events to the Google Chronicle
// unstructured log entries ingestion API.
package chronicle

import (
	"errors"
	"fmt"
	"strings"

	"chroniclesink/internal/auth"
	"chroniclesink/internal/batch"
	"chroniclesink/internal/codec"
	"chroniclesink/internal/compression"
	"chroniclesink/internal/delivery"
	"chroniclesink/internal/partition"
)

const (
	Kind = "gcp_chronicle_unstructured"

	ingestPath      = "v2/unstructuredlogentries:batchCreate"
	healthcheckPath = "v2/logtypes"
)

var (
	ErrRegionOrEndpoint      = errors.New("chronicle: region or endpoint not defined")
	ErrBothRegionAndEndpoint = errors.New("chronicle: only one of region or endpoint may be set")
)

type Region string

const (
	RegionEU   Region = "eu"
	RegionUS   Region = "us"
	RegionAsia Region = "asia"
)

// Endpoint returns the region's base URL.
func (r Region) Endpoint() (string, error) {
	switch r {
	case RegionEU:
		return "https://europe-malachiteingestion-pa.googleapis.com", nil
	case RegionUS:
		return "https://malachiteingestion-pa.googleapis.com", nil
	case RegionAsia:
		return "https://asia-southeast1-malachiteingestion-pa.googleapis.com", nil
	default:
		return "", fmt.Errorf("chronicle: unknown region %q", string(r))
	}
}

type Config struct {
	Endpoint    string            `mapstructure:"endpoint"`
	Region      Region            `mapstructure:"region"`
	CustomerID  string            `mapstructure:"customer_id"`
	LogType     string            `mapstructure:"log_type"`
	Batch       batch.Settings    `mapstructure:"batch"`
	Request     delivery.Settings `mapstructure:"request"`
	Encoding    codec.Config      `mapstructure:"encoding"`
	Compression string            `mapstructure:"compression"`
	Auth        auth.Config       `mapstructure:"auth"`
}

// RequestDefaults are the delivery settings used when the configuration
// leaves them unset.
func RequestDefaults() delivery.Settings {
	d := delivery.Defaults()
	d.RateLimitNum = 1000
	return d
}

func (c Config) Validate() error {
	if c.CustomerID == "" {
		return errors.New("chronicle: customer_id is required")
	}
	if c.LogType == "" {
		return errors.New("chronicle: log_type is required")
	}
	if _, err := partition.ParseTemplate(c.LogType); err != nil {
		return fmt.Errorf("chronicle: log_type: %w", err)
	}
	if _, err := c.CreateEndpoint(ingestPath); err != nil {
		return err
	}
	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("chronicle: %w", err)
	}
	if err := c.Request.Validate(); err != nil {
		return fmt.Errorf("chronicle: %w", err)
	}
	if err := c.Encoding.Validate(); err != nil {
		return fmt.Errorf("chronicle: %w", err)
	}
	if _, err := compression.Parse(c.Compression); err != nil {
		return fmt.Errorf("chronicle: %w", err)
	}
	return c.Auth.Validate()
}

// CreateEndpoint joins path onto the configured base URL. Exactly one of
// endpoint and region must be set.
func (c Config) CreateEndpoint(path string) (string, error) {
	var base string
	switch {
	case c.Endpoint != "" && c.Region != "":
		return "", ErrBothRegionAndEndpoint
	case c.Endpoint != "":
		base = strings.TrimRight(c.Endpoint, "/")
	case c.Region != "":
		ep, err := c.Region.Endpoint()
		if err != nil {
			return "", err
		}
		base = ep
	default:
		return "", ErrRegionOrEndpoint
	}
	return base + "/" + path, nil
}
