// The executor binary runs once per dispatched job, inside an ephemeral
// compute unit. JOB_ID and DISPATCH_TOKEN arrive via environment.
//
// Exit code 0 means a clean terminal transition (FAILED included); nonzero
// means infrastructure trouble that the unit's controller should retry.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	busnats "github.com/opst/gpuplane/pkg/bus/nats"
	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kpg "github.com/opst/gpuplane/pkg/db/postgres"
	"github.com/opst/gpuplane/pkg/executor"
	"github.com/opst/gpuplane/pkg/utils/try"
)

func main() {
	logger := log.Default()
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	jobId := os.Getenv("JOB_ID")
	dispatchToken := os.Getenv("DISPATCH_TOKEN")
	if jobId == "" || dispatchToken == "" {
		logger.Fatal("JOB_ID and DISPATCH_TOKEN are required")
	}

	conf := try.To(cfg.LoadClusterConfig(os.Getenv("GPUPLANE_CONFIG"))).OrFatal(logger)

	database := try.To(kpg.New(ctx, conf.Database())).OrFatal(logger)
	defer database.Close()

	options := []executor.Option{executor.WithLogger(logger)}
	if events, err := busnats.New(conf.Bus()); err != nil {
		// the finished event is informational. run without it.
		logger.Printf("bus unavailable, running without events: %v", err)
	} else {
		defer events.Close()
		options = append(options, executor.WithEvents(events))
	}

	e := executor.New(database.GpuJob(), database.Usage(), conf.Gpu(), options...)

	if err := e.Run(ctx, jobId, dispatchToken); err != nil {
		logger.Fatal(err)
	}
}
