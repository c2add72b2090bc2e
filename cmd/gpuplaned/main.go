package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opst/gpuplane/cmd/gpuplaned/handlers"
	busnats "github.com/opst/gpuplane/pkg/bus/nats"
	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kpg "github.com/opst/gpuplane/pkg/db/postgres"
	"github.com/opst/gpuplane/pkg/idempotency"
	"github.com/opst/gpuplane/pkg/tenancy"
	"github.com/opst/gpuplane/pkg/utils/echoutil"
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
	loglevel := flag.String("loglevel", "info", "log level. debug|info|warn|error|off")
	flag.Parse()

	conf := try.To(cfg.LoadClusterConfig(*pconfig)).OrFatal(logger)

	database := try.To(kpg.New(ctx, conf.Database())).OrFatal(logger)
	defer database.Close()

	events := try.To(busnats.New(conf.Bus())).OrFatal(logger)
	defer events.Close()

	e := echo.New()
	echoutil.SetLevel(e, *loglevel)
	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		e.DefaultHTTPErrorHandler(err, ctx)
		e.Logger.Error(err)
	}
	e.Use(echoutil.LogHandlerFunc)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "service": "gpuplaned"})
	})

	e.Use(tenancy.Middleware("/healthz", "/metrics"))
	e.Use(idempotency.Middleware(
		database.Idempotency(),
		conf.Idempotency().TTL(),
		conf.Idempotency().MaxBodyBytes(),
	))

	api := e.Group("/api/v1")
	{
		api.POST("/gpu-jobs", handlers.SubmitGpuJobHandler(
			database.GpuJob(), database.Policy(), events,
		))
		api.GET("/gpu-jobs", handlers.FindGpuJobHandler(database.GpuJob()))
		api.GET("/gpu-jobs/:jobId", handlers.GetGpuJobHandler(database.GpuJob()))
	}

	{
		api.POST("/deployments", handlers.CreateDeploymentHandler(database.Endpoint(), events))
		api.GET("/deployments", handlers.FindDeploymentHandler(database.Endpoint()))
		api.GET("/deployments/:endpointId", handlers.GetDeploymentHandler(database.Endpoint()))
		api.PATCH("/deployments/:endpointId", handlers.UpdateDeploymentHandler(database.Endpoint(), events))
		api.DELETE("/deployments/:endpointId", handlers.DeleteDeploymentHandler(database.Endpoint(), events))
	}

	{
		api.GET("/tenant-gpu-policies", handlers.FindPolicyHandler(database.Policy()))
		api.PUT("/tenant-gpu-policies/:tenantId", handlers.UpsertPolicyHandler(database.Policy()))
	}

	go func() {
		<-ctx.Done()
		graceful, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.Shutdown(graceful); err != nil {
			logger.Printf("error on shutdown: %s", err)
		}
	}()

	if err := e.Start(fmt.Sprintf(":%d", conf.Port())); err != nil && err != http.ErrServerClosed {
		logger.Fatal(err)
	}
}
