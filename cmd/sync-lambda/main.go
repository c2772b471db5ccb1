// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

// Package main is the Lambda entry point for the Drivetrain sync engine.
//
// The handler receives a trigger event naming an athlete, assembles the
// pipeline collaborators, and executes one sync run:
//
//	{ "detail": { "athlete_id": "i12345" } }
//
// A missing or empty athlete_id rejects the trigger without mutating any
// state. On success the handler returns the run summary; any aborted run
// surfaces as a structured error that the host runtime reports.
//
// # Configuration
//
// All settings come from the environment (see internal/config):
//
//	export DATA_BUCKET=drivetrain-data
//	export TILE_BUCKET=drivetrain-tiles
//	export CDN_DISTRIBUTION=E2EXAMPLE
//	export SECRET_REF=arn:aws:secretsmanager:...:secret:catalog-key
//	export CATALOG_BASE_URL=https://intervals.icu
//	export TILER_PATH=/opt/bin/tippecanoe
package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/ridelines/drivetrain/internal/blob"
	"github.com/ridelines/drivetrain/internal/catalog"
	"github.com/ridelines/drivetrain/internal/config"
	"github.com/ridelines/drivetrain/internal/logging"
	"github.com/ridelines/drivetrain/internal/models"
	"github.com/ridelines/drivetrain/internal/sync"
	"github.com/ridelines/drivetrain/internal/tiler"
)

// app holds the per-process collaborators shared across invocations.
// The catalog client is built per invocation because the credential is
// fetched fresh from the secret store each run.
type app struct {
	cfg     *config.Config
	store   blob.Store
	secrets blob.SecretFetcher
	tiler   sync.TileBuilder

	// newCatalog builds the catalog collaborator for one credential.
	// Swappable in tests.
	newCatalog func(credential string) sync.Catalog
}

func newApp(cfg *config.Config, store blob.Store, secrets blob.SecretFetcher, tileBuilder sync.TileBuilder) *app {
	return &app{
		cfg:     cfg,
		store:   store,
		secrets: secrets,
		tiler:   tileBuilder,
		newCatalog: func(credential string) sync.Catalog {
			return catalog.NewCircuitBreakerClient(catalog.NewClient(cfg.Catalog, credential))
		},
	}
}

// handle processes one trigger event.
func (a *app) handle(ctx context.Context, raw json.RawMessage) (*sync.Summary, error) {
	ev, err := models.DecodeTrigger(raw)
	if err != nil {
		logging.Error().Err(err).Msg("Rejecting trigger")
		return nil, &sync.Error{Kind: sync.KindBadTrigger, Phase: sync.PhaseLoad, Err: err}
	}

	credential, err := a.secrets.FetchSecret(ctx, a.cfg.Storage.SecretRef)
	if err != nil {
		return nil, &sync.Error{Kind: sync.KindTransient, Phase: sync.PhaseLoad, Err: fmt.Errorf("credential retrieval: %w", err)}
	}

	eng := sync.New(a.cfg, a.store, a.newCatalog(credential), a.tiler)
	return eng.Run(ctx, ev.Detail.AthleteID)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Configuration load failed")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logging.Fatal().Err(err).Msg("AWS configuration load failed")
	}

	a := newApp(
		cfg,
		blob.NewS3Store(s3.NewFromConfig(awsCfg), cloudfront.NewFromConfig(awsCfg), cfg.Storage.CDNDistribution),
		blob.NewSecretsManagerFetcher(secretsmanager.NewFromConfig(awsCfg)),
		tiler.NewDriver(cfg.Tiler),
	)

	logging.Info().Str("catalog", cfg.Catalog.BaseURL).Str("data_bucket", cfg.Storage.DataBucket).Msg("Sync handler ready")
	lambda.Start(a.handle)
}
