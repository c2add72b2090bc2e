package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/opst/gpuplane/cmd/deploy_worker/deploy"
	"github.com/opst/gpuplane/pkg/bus"
	busnats "github.com/opst/gpuplane/pkg/bus/nats"
	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kpg "github.com/opst/gpuplane/pkg/db/postgres"
	"github.com/opst/gpuplane/pkg/kubeutil"
	"github.com/opst/gpuplane/pkg/loop"
	"github.com/opst/gpuplane/pkg/utils/try"
	"github.com/opst/gpuplane/pkg/workloads/serving"
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
	flag.Parse()

	conf := try.To(cfg.LoadClusterConfig(*pconfig)).OrFatal(logger)

	database := try.To(kpg.New(ctx, conf.Database())).OrFatal(logger)
	defer database.Close()

	events := try.To(busnats.New(conf.Bus())).OrFatal(logger)
	defer events.Close()

	options := []deploy.Option{}
	if conf.Serving().Mode() == cfg.DeployReconcile {
		client := try.To(kubeutil.ConnectDynamic()).OrFatal(logger)
		options = append(options, deploy.WithReconciler(serving.NewReconciler(
			client, conf.Serving().Namespace(), conf.Serving().NamePrefix(),
		)))
	}

	handler := deploy.New(logger, database.Endpoint(), conf.Serving(), options...)

	deploySub := try.To(events.Subscribe(bus.SubjectDeployRequested, "deploy-worker")).OrFatal(logger)
	defer deploySub.Close()

	deleteSub := try.To(events.Subscribe(bus.SubjectDeleteRequested, "deploy-worker-delete")).OrFatal(logger)
	defer deleteSub.Close()

	logger.Printf("deploy worker started: mode=%s", conf.Serving().Mode())

	_, err := loop.Start(ctx, 0, deploy.Task(logger, deploySub, deleteSub, handler))
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal(err)
	}
}
