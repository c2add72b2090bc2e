package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/opst/gpuplane/cmd/dispatcher/dispatch"
	"github.com/opst/gpuplane/pkg/bus"
	busnats "github.com/opst/gpuplane/pkg/bus/nats"
	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kdb "github.com/opst/gpuplane/pkg/db"
	kpg "github.com/opst/gpuplane/pkg/db/postgres"
	"github.com/opst/gpuplane/pkg/executor"
	"github.com/opst/gpuplane/pkg/kubeutil"
	"github.com/opst/gpuplane/pkg/loop"
	"github.com/opst/gpuplane/pkg/utils/try"
	"github.com/opst/gpuplane/pkg/workloads/worker"
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
	ppool := flag.String("pool", envOr("GPU_POOL", "t4"), "gpu pool to serve. t4|mig")
	pclass := flag.String("class", os.Getenv("GPU_CLASS"), "isolation class for t4. shared|exclusive")
	flag.Parse()

	conf := try.To(cfg.LoadClusterConfig(*pconfig)).OrFatal(logger)

	pool := try.To(kdb.AsGpuPool(*ppool)).OrFatal(logger)
	if pool == kdb.PoolAuto {
		logger.Fatal("dispatcher serves a concrete pool: t4 or mig")
	}

	isolation := kdb.Shared
	if pool == kdb.PoolT4 {
		isolation = try.To(kdb.AsIsolationLevel(*pclass)).OrFatal(logger)
	}

	subject := bus.DispatchSubject(pool, isolation)
	durable := fmt.Sprintf("gpu-dispatcher-%s", pool)
	if pool == kdb.PoolT4 {
		durable = fmt.Sprintf("gpu-dispatcher-%s-%s", pool, isolation)
	}

	database := try.To(kpg.New(ctx, conf.Database())).OrFatal(logger)
	defer database.Close()

	events := try.To(busnats.New(conf.Bus())).OrFatal(logger)
	defer events.Close()

	var handler *dispatch.Handler
	switch conf.Gpu().ExecutionMode() {
	case cfg.ModeEphemeral:
		if conf.Gpu().ExecutorImage() == "" {
			logger.Fatal("executor image is required for ephemeral execution mode")
		}
		clientset := try.To(kubeutil.ConnectToK8s()).OrFatal(logger)

		builder := worker.Builder{
			Namespace:    conf.Namespace(),
			Image:        conf.Gpu().ExecutorImage(),
			ResourceName: conf.Gpu().ResourceName(),
			NodeSelector: nodeSelectorFromEnv(),
			Database:     conf.Database(),
			Bus:          conf.Bus(),
			Executor:     conf.Gpu().Executor(),
			HttpTimeout:  conf.Gpu().HttpTimeout(),
			JobTTL:       conf.Gpu().JobTTL(),
		}
		handler = dispatch.NewEphemeral(
			logger, database.GpuJob(), builder, worker.NewLauncher(clientset),
			pool, isolation,
		)

	default:
		runner := executor.New(
			database.GpuJob(), database.Usage(), conf.Gpu(),
			executor.WithEvents(events), executor.WithLogger(logger),
		)
		handler = dispatch.NewDirect(logger, database.GpuJob(), runner)
	}

	sub := try.To(events.Subscribe(subject, durable)).OrFatal(logger)
	defer sub.Close()

	logger.Printf(
		"dispatcher started: subject=%s durable=%s mode=%s",
		subject, durable, conf.Gpu().ExecutionMode(),
	)

	_, err := loop.Start(ctx, 0, dispatch.Task(logger, sub, handler))
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal(err)
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// node selector pinning executor pods onto the pool's nodes,
// e.g. GPU_NODE_SELECTOR="nvidia.com/device-plugin.config=tesla-t4".
func nodeSelectorFromEnv() map[string]string {
	raw := os.Getenv("GPU_NODE_SELECTOR")
	if raw == "" {
		return nil
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] == '=' {
			return map[string]string{raw[:i]: raw[i+1:]}
		}
	}
	return nil
}
