package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaywantadh/tusbyte/config"
	"github.com/jaywantadh/tusbyte/internal/completion"
	"github.com/jaywantadh/tusbyte/internal/metadata"
	"github.com/jaywantadh/tusbyte/internal/storage"
	"github.com/jaywantadh/tusbyte/internal/transfer"
	"github.com/jaywantadh/tusbyte/internal/upload"
	"github.com/jaywantadh/tusbyte/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the upload server",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "override server.port"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("port") {
				cfg.Server.Port = c.Int("port")
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg.Server)
		},
	}
}

func serve(ctx context.Context, cfg config.ServerConfig) error {
	log := logging.Log

	registry, err := metadata.OpenMetadataStore(cfg.MetadataPath)
	if err != nil {
		return err
	}
	defer registry.Close()

	store, err := storage.NewLocalStorage(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("failed to open upload storage: %w", err)
	}

	dispatcher, cleanup, err := newDispatcher(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer cleanup()

	svc := upload.NewService(registry, store, dispatcher, upload.Options{
		MaxSize:    uint64(cfg.MaxSize),
		SessionTTL: cfg.SessionTTL,
	}, log)

	if cfg.SessionTTL > 0 && cfg.CleanupInterval > 0 {
		go svc.RunJanitor(ctx, cfg.CleanupInterval)
	}

	srv := transfer.NewServer(svc, transfer.ServerOptions{
		BasePath:       cfg.BasePath,
		AllowedOrigins: cfg.AllowedOrigins,
	}, log)

	log.WithField("addr", cfg.Addr()).Info("Upload server listening")
	return srv.ListenAndServe(ctx, cfg.Addr())
}

// newDispatcher wires the configured completion handlers. The returned
// cleanup drains pending events before releasing their clients.
func newDispatcher(ctx context.Context, cfg config.ServerConfig, store storage.Storage) (*completion.Dispatcher, func(), error) {
	log := logging.Log
	d := completion.NewDispatcher(log, cfg.CompletionWorkers, 5*time.Minute)
	closers := []func(){d.Close}

	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.DestinationPath != "" {
		r, err := completion.NewRelocator(store, completion.RelocateOptions{
			Dir:        cfg.DestinationPath,
			Compress:   cfg.CompressRelocated,
			Passphrase: cfg.EncryptPassphrase,
		}, log)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		d.OnFinish(r)
	}

	if cfg.S3.Enabled {
		client, err := completion.NewS3Client(ctx, completion.S3Options{
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		d.OnFinish(completion.NewS3Archiver(client, store, cfg.S3.Bucket, cfg.S3.Prefix, log))
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { rdb.Close() })
		d.OnFinish(completion.NewRedisNotifier(rdb, cfg.Redis.Channel))
	}

	return d, cleanup, nil
}
