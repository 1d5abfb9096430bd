package chronicle

import (
	"context"
	"fmt"
	"net/http"

	"chroniclesink/internal/codec"
	"chroniclesink/internal/compression"
	"chroniclesink/internal/partition"
	"chroniclesink/internal/request"
	"chroniclesink/internal/sink"
)

// Factory builds the Chronicle sink. It is registered under Kind.
func Factory(_ context.Context, bc sink.BuildContext) (*sink.Driver, sink.Healthcheck, error) {
	cfg := Config{Encoding: defaultEncoding()}
	if err := bc.Decode(&cfg); err != nil {
		return nil, nil, fmt.Errorf("chronicle: decode config: %w", err)
	}
	return Build(cfg, http.DefaultClient, bc)
}

func defaultEncoding() codec.Config {
	return codec.Config{Codec: codec.CodecText}
}

// Build validates cfg and assembles the driver and healthcheck.
func Build(cfg Config, client *http.Client, bc sink.BuildContext) (*sink.Driver, sink.Healthcheck, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	ingestURL, err := cfg.CreateEndpoint(ingestPath)
	if err != nil {
		return nil, nil, err
	}
	healthURL, err := cfg.CreateEndpoint(healthcheckPath)
	if err != nil {
		return nil, nil, err
	}
	tmpl, err := partition.ParseTemplate(cfg.LogType)
	if err != nil {
		return nil, nil, fmt.Errorf("chronicle: log_type: %w", err)
	}
	authn, err := cfg.Auth.Build()
	if err != nil {
		return nil, nil, err
	}
	comp, err := compression.Parse(cfg.Compression)
	if err != nil {
		return nil, nil, err
	}
	enc, err := cfg.Encoding.Encoder()
	if err != nil {
		return nil, nil, err
	}
	transformer, err := cfg.Encoding.Transformer()
	if err != nil {
		return nil, nil, err
	}

	driver, err := sink.NewDriver(sink.Components{
		Name:        Kind,
		Partitioner: partition.NewKeyPartitioner(tmpl),
		Batch:       cfg.Batch,
		Builder: request.Builder{
			Encoder: Encoder{
				CustomerID:  cfg.CustomerID,
				Transformer: transformer,
				Codec:       enc,
			},
			Compression: comp,
		},
		Transport:       NewTransport(client, ingestURL, authn),
		RetryLogic:      RetryLogic{},
		Request:         cfg.Request,
		RequestDefaults: RequestDefaults(),
	}, bc)
	if err != nil {
		return nil, nil, err
	}
	return driver, sink.Healthcheck(Healthcheck(client, healthURL, authn)), nil
}
