// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// ramblk is a userspace daemon emulating a block device kept entirely in
// memory. Requests go through hardware queues to the dispatcher, which copies
// the data of every request segment to or from one contiguous backing store.
//
// Project structure is following:
//
// - internal contains all packages used by this program. Since we don't
// provide any reusable packages, we use internal directory.
//
// - internal/ramblk contains the device itself, its lifecycle and the packages
// of the request path. See the package descriptions in the source code for
// more details.
//
// - internal/registry hands out device names and major numbers.
//
// - internal/nbd exports the published device on a unix socket over NBD.
//
// - internal/snapshot uploads the device image to S3 on demand.
//
// - internal/null contains trivial backing store which does nothing but
// correctly. It can be used for benchmarking the dispatch path.
//
// - internal/config contains configuration package.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/ramblk/internal/config"
	"github.com/asch/ramblk/internal/nbd"
	"github.com/asch/ramblk/internal/ramblk"
	"github.com/asch/ramblk/internal/ramblk/store"
	"github.com/asch/ramblk/internal/registry"
	"github.com/asch/ramblk/internal/snapshot"
	"github.com/asch/ramblk/internal/snapshot/s3"
)

// Parse configuration from file and environment variables, creates and
// publishes the device and exports it over NBD if requested. The device is
// ran until it is signaled by SIGINT or SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	opts, err := deviceOptions()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	controller := ramblk.NewController(registry.New(registry.DefaultMaxMajors), opts)

	handle, err := controller.Start(config.Cfg.Name, uint(config.Cfg.Major), config.Cfg.Capacity)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	if config.Cfg.NBD.Socket != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runNbd(ctx, config.Cfg.NBD.Socket, handle)
		}()
	}

	if config.Cfg.Snapshot.Enabled {
		registerSigUSR1Handler(ctx, handle)
	}

	waitForStop()

	log.Info().Msgf("Removing %s", config.Cfg.Name)
	cancel()
	wg.Wait()

	if err := controller.Stop(); err != nil {
		log.Panic().Err(err).Send()
	}
}

// Translates configuration into device options.
func deviceOptions() (ramblk.Options, error) {
	alloc, err := store.ParseAllocator(config.Cfg.Alloc)
	if err != nil {
		return ramblk.Options{}, err
	}

	return ramblk.Options{
		Alloc:      alloc,
		Locking:    config.Cfg.Locking,
		Fill:       byte(config.Cfg.Fill),
		HwQueues:   config.Cfg.HwQueues,
		QueueDepth: config.Cfg.QueueDepth,
		Null:       config.Cfg.Null,
	}, nil
}

// Serves NBD clients until ctx is done. Unix socket left behind by previous
// run is removed first.
func runNbd(ctx context.Context, socket string, handle *ramblk.Handle) {
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Msg("Cannot remove stale socket.")
		return
	}

	err := nbd.NewServer(socket, handle).Run(ctx)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("NBD export failed.")
	}
}

// Register SIGUSR1 as a trigger for image export.
func registerSigUSR1Handler(ctx context.Context, handle *ramblk.Handle) {
	uploader, err := s3.New(s3.Options{
		Remote:    config.Cfg.S3.Remote,
		Region:    config.Cfg.S3.Region,
		Bucket:    config.Cfg.S3.Bucket,
		Prefix:    config.Cfg.Snapshot.Prefix,
		AccessKey: config.Cfg.S3.AccessKey,
		SecretKey: config.Cfg.S3.SecretKey,
	})
	if err != nil {
		log.Panic().Err(err).Send()
	}

	exportChan := make(chan os.Signal, 1)
	signal.Notify(exportChan, syscall.SIGUSR1)

	go func() {
		for range exportChan {
			log.Info().Msgf("Image export of %s started.", handle.Name())
			_, err := snapshot.Export(ctx, handle, handle.Size(), uploader, snapshot.Options{
				ChunkSize: config.Cfg.Snapshot.ChunkSize,
				Uploaders: config.Cfg.Snapshot.Uploaders,
			})
			if err != nil {
				log.Info().Err(err).Msg("Image export failed.")
			}
		}
	}()
}

// Blocks until SIGINT or SIGTERM came in.
func waitForStop() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	<-stopChan
	log.Info().Msgf("Received interrupt, stopping %s device!", config.Cfg.Name)
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
