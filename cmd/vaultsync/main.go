// Copyright 2025 The Vaultsync Authors
// This file is part of Vaultsync.
//
// Vaultsync is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Vaultsync is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Vaultsync. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/vaultsync/vaultsync/alert"
	"github.com/vaultsync/vaultsync/apply"
	"github.com/vaultsync/vaultsync/apply/pgwarehouse"
	"github.com/vaultsync/vaultsync/consumer"
	"github.com/vaultsync/vaultsync/ctlplane"
	"github.com/vaultsync/vaultsync/ctlplane/dynstore"
	"github.com/vaultsync/vaultsync/producer"
	"github.com/vaultsync/vaultsync/staging/s3store"
	"github.com/vaultsync/vaultsync/vaultcfg"
	"github.com/vaultsync/vaultsync/vendorapi"
)

// Exit codes of the operator surface.
const (
	exitOK           = 0
	exitFailure      = 1
	exitPrecondition = 2
	exitTransient    = 3
	exitProtocol     = 4
)

func main() {
	app := &cli.App{
		Name:  "vaultsync",
		Usage: "incremental Direct Data sync control plane",
		Flags: globalFlags,
		Commands: []*cli.Command{
			produceCommand,
			consumeCommand,
			resetFailedCommand,
			triggerFullCommand,
			reclaimCommand,
			statusCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(exitCode(err))
	}
}

var globalFlags = []cli.Flag{
	&cli.StringFlag{Name: "vault", EnvVars: []string{"VAULT_ID"}, Required: true, Usage: "vault (tenant) identifier"},
	&cli.StringFlag{Name: "state-table", EnvVars: []string{"STATE_TABLE_NAME"}, Usage: "control-plane state table"},
	&cli.StringFlag{Name: "queue-table", EnvVars: []string{"QUEUE_TABLE_NAME"}, Usage: "control-plane queue table"},
	&cli.StringFlag{Name: "object-store-root", EnvVars: []string{"OBJECT_STORE_ROOT"}, Usage: "s3://bucket[/prefix] staging root"},
	&cli.StringFlag{Name: "warehouse-dsn", EnvVars: []string{"WAREHOUSE_DSN"}, Usage: "warehouse connection string"},
	&cli.StringFlag{Name: "extract-type", EnvVars: []string{"EXTRACT_TYPE"}, Value: "INCR", Usage: "INCR, LOG or FULL"},
	&cli.BoolFlag{Name: "use-dynamic-window", EnvVars: []string{"USE_DYNAMIC_WINDOW"}, Usage: "fall back to a lookback window on a fresh vault"},
	&cli.IntFlag{Name: "dynamic-lookback-hours", EnvVars: []string{"DYNAMIC_LOOKBACK_HOURS"}, Value: vaultcfg.DefaultLookbackHours},
	&cli.BoolFlag{Name: "convert-to-columnar", EnvVars: []string{"CONVERT_TO_COLUMNAR"}, Usage: "normalize staged CSVs for loading"},
	&cli.IntFlag{Name: "max-attempts", EnvVars: []string{"MAX_ATTEMPTS"}, Value: vaultcfg.DefaultMaxAttempts},
	&cli.StringFlag{Name: "vendor-api-url", EnvVars: []string{"VENDOR_API_URL"}},
	&cli.StringFlag{Name: "vendor-api-token", EnvVars: []string{"VENDOR_API_TOKEN"}},
	&cli.StringFlag{Name: "copy-options", EnvVars: []string{"COPY_OPTIONS"}, Usage: "credentials clause appended to COPY"},
	&cli.DurationFlag{Name: "lease-ttl", EnvVars: []string{"LEASE_TTL"}, Value: vaultcfg.DefaultLeaseTTL},
	&cli.StringFlag{Name: "log-level", EnvVars: []string{"LOG_LEVEL"}, Value: "info"},
}

func configFrom(c *cli.Context) (vaultcfg.Config, error) {
	level, err := log.ParseLevel(c.String("log-level"))
	if err != nil {
		return vaultcfg.Config{}, errors.Wrap(err, "log level")
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg := vaultcfg.Config{
		VaultID:              c.String("vault"),
		StateTableName:       c.String("state-table"),
		QueueTableName:       c.String("queue-table"),
		ObjectStoreRoot:      c.String("object-store-root"),
		WarehouseDSN:         c.String("warehouse-dsn"),
		ExtractType:          ctlplane.LoadType(c.String("extract-type")),
		VendorAPIURL:         c.String("vendor-api-url"),
		VendorAPIToken:       c.String("vendor-api-token"),
		UseDynamicWindow:     c.Bool("use-dynamic-window"),
		DynamicLookbackHours: c.Int("dynamic-lookback-hours"),
		ConvertToColumnar:    c.Bool("convert-to-columnar"),
		MaxAttempts:          c.Int("max-attempts"),
		LeaseTTL:             c.Duration("lease-ttl"),
		CopyOptions:          c.String("copy-options"),
		LogLevel:             c.String("log-level"),
	}
	switch cfg.ExtractType {
	case ctlplane.LoadIncr, ctlplane.LoadLog, ctlplane.LoadFull:
	default:
		return vaultcfg.Config{}, errors.Errorf("extract type %q: want INCR, LOG or FULL", cfg.ExtractType)
	}
	return cfg.Normalize(), nil
}

// runtime wires the shared backends once per invocation.
type runtime struct {
	cfg   vaultcfg.Config
	store ctlplane.Store
	blobs *s3store.S3Store
}

func newRuntime(ctx context.Context, cfg vaultcfg.Config) (*runtime, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	bucket, root, err := s3store.ParseRoot(cfg.ObjectStoreRoot)
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg: cfg,
		store: dynstore.New(
			dynamodb.NewFromConfig(awsCfg),
			dynamodbstreams.NewFromConfig(awsCfg),
			cfg.QueueTableName,
			cfg.StateTableName,
		),
		blobs: s3store.New(s3.NewFromConfig(awsCfg), bucket, root, cfg.UploadPartSize),
	}, nil
}

var produceCommand = &cli.Command{
	Name:  "produce",
	Usage: "pull available windows from the vendor and register them",
	Action: func(c *cli.Context) error {
		cfg, err := configFrom(c)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		vendor, err := vendorapi.NewHTTPClient(cfg.VendorAPIURL, cfg.VendorAPIToken)
		if err != nil {
			return err
		}
		return producer.New(cfg, rt.store, rt.blobs, vendor, alert.LogAlerter{}).Run(ctx)
	},
}

var consumeCommand = &cli.Command{
	Name:  "consume",
	Usage: "drain the vault's queue into the warehouse",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "watch", Usage: "stay resident and wake on change-stream events"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := configFrom(c)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		wh, err := pgwarehouse.Open(ctx, pgwarehouse.Config{
			DSN:         cfg.WarehouseDSN,
			SourceURI:   rt.blobs.URI,
			CopyOptions: cfg.CopyOptions,
		})
		if err != nil {
			return err
		}
		defer wh.Close()

		engine := apply.NewEngine(rt.blobs, wh, vaultcfg.DefaultDecimalSampleSz)
		cons := consumer.New(cfg, rt.store, engine, alert.LogAlerter{})
		if c.Bool("watch") {
			return cons.Run(ctx)
		}
		return cons.RunOnce(ctx)
	},
}

var resetFailedCommand = &cli.Command{
	Name:  "reset-failed",
	Usage: "move a FAILED window back to READY",
	Flags: []cli.Flag{
		&cli.TimestampFlag{Name: "stoptime", Layout: "2006-01-02T15:04", Timezone: time.UTC, Required: true},
	},
	Action: func(c *cli.Context) error {
		cfg, err := configFrom(c)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		return ctlplane.ResetFailed(ctx, rt.store, cfg.VaultID, cfg.ExtractType, *c.Timestamp("stoptime"))
	},
}

var triggerFullCommand = &cli.Command{
	Name:  "trigger-full",
	Usage: "rewind the vault onto a full snapshot",
	Flags: []cli.Flag{
		&cli.TimestampFlag{Name: "snapshot-date", Layout: "2006-01-02", Timezone: time.UTC, Required: true},
	},
	Action: func(c *cli.Context) error {
		cfg, err := configFrom(c)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		return ctlplane.TriggerFullLoad(ctx, rt.store, cfg.VaultID, *c.Timestamp("snapshot-date"), "")
	},
}

var reclaimCommand = &cli.Command{
	Name:  "reclaim",
	Usage: "return a crashed PROCESSING window to READY once its lease expired",
	Flags: []cli.Flag{
		&cli.TimestampFlag{Name: "stoptime", Layout: "2006-01-02T15:04", Timezone: time.UTC, Required: true},
	},
	Action: func(c *cli.Context) error {
		cfg, err := configFrom(c)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		return ctlplane.Reclaim(ctx, rt.store, cfg.VaultID, cfg.ExtractType, *c.Timestamp("stoptime"), cfg.MaxAttempts)
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "print vault state and pending windows",
	Action: func(c *cli.Context) error {
		cfg, err := configFrom(c)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		st, err := rt.store.GetVaultState(ctx, cfg.VaultID)
		if err != nil {
			return err
		}
		fmt.Printf("vault:      %s\nmode:       %s\nepoch:      %d\nwatermark:  %s\nlog date:   %s\n",
			st.VaultID, st.Mode, st.CurrentEpoch,
			st.LastAppliedStoptime.Format(time.RFC3339),
			st.LastAppliedLogDate.Format(time.RFC3339))

		for _, lt := range []ctlplane.LoadType{ctlplane.LoadIncr, ctlplane.LoadLog, ctlplane.LoadFull} {
			entries, err := rt.store.ScanForward(ctx, cfg.VaultID, lt, "", 10)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.Status == ctlplane.StatusApplied {
					continue
				}
				fmt.Printf("%-22s %-11s epoch=%d attempts=%d %s\n",
					e.SortKey(), e.Status, e.Epoch, e.AttemptCount, e.LastError)
			}
		}
		return nil
	},
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// exitCode maps the error taxonomy onto the operator exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ctlplane.ErrPreconditionFailed), errors.Is(err, ctlplane.ErrNotFound):
		return exitPrecondition
	case errors.Is(err, ctlplane.ErrTransientStore):
		return exitTransient
	case errors.Is(err, ctlplane.ErrDuplicateChecksum),
		errors.Is(err, apply.ErrIncompatibleSchemaChange),
		errors.Is(err, apply.ErrMissingDataFile):
		return exitProtocol
	default:
		return exitFailure
	}
}
