package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	busnats "github.com/opst/gpuplane/pkg/bus/nats"
	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kpg "github.com/opst/gpuplane/pkg/db/postgres"
	"github.com/opst/gpuplane/pkg/utils/filewatch"
	"github.com/opst/gpuplane/pkg/utils/try"
)

func main() {
	logger := log.Default()
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	pconfig := flag.String(
		"config", os.Getenv("GPUPLANE_CONFIG"), "path to config file (optional; env fills the gaps)",
	)
	ploopType := flag.String("type", "scheduling", "loop type. scheduling|housekeeping")
	flag.Parse()

	loopType := try.To(AsLoopType(*ploopType)).OrFatal(logger)

	if *pconfig != "" {
		// restart on config change: the process supervisor brings us back up
		// with the new file.
		wctx, cancelWatch, err := filewatch.UntilModifyContext(ctx, *pconfig)
		if err != nil {
			logger.Fatal(err)
		}
		defer cancelWatch()
		ctx = wctx
	}

	conf := try.To(cfg.LoadClusterConfig(*pconfig)).OrFatal(logger)

	database := try.To(kpg.New(ctx, conf.Database())).OrFatal(logger)
	defer database.Close()

	events := try.To(busnats.New(conf.Bus())).OrFatal(logger)
	defer events.Close()

	logger.Printf(`start loop "%s"`, loopType)

	err := StartLoop(ctx, logger, loopType, database, events, conf)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		logger.Printf("loop stopped: %v (cause: %v)", err, context.Cause(ctx))
		return
	}
	logger.Fatal(err)
}
