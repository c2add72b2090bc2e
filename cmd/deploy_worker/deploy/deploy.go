// Package deploy reconciles endpoint intents into serving resources.
//
// It consumes deploy_requested and delete_requested events. Re-reconciles
// are idempotent: the same intent renders the same resource spec.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/opst/gpuplane/pkg/bus"
	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kdb "github.com/opst/gpuplane/pkg/db"
	"github.com/opst/gpuplane/pkg/loop"
	"github.com/opst/gpuplane/pkg/workloads/serving"
)

type Handler struct {
	logger    *log.Logger
	endpoints kdb.EndpointInterface

	mode       cfg.DeployMode
	reconciler serving.Reconciler // reconcile mode only

	namespace     string
	namePrefix    string
	deployTimeout time.Duration
	simulateDelay time.Duration
}

type Option func(*Handler) *Handler

func WithSimulateDelay(d time.Duration) Option {
	return func(h *Handler) *Handler {
		h.simulateDelay = d
		return h
	}
}

func WithReconciler(r serving.Reconciler) Option {
	return func(h *Handler) *Handler {
		h.reconciler = r
		return h
	}
}

func New(
	logger *log.Logger,
	endpoints kdb.EndpointInterface,
	servingConf *cfg.ServingConfig,
	options ...Option,
) *Handler {
	h := &Handler{
		logger:        logger,
		endpoints:     endpoints,
		mode:          servingConf.Mode(),
		namespace:     servingConf.Namespace(),
		namePrefix:    servingConf.NamePrefix(),
		deployTimeout: servingConf.DeployTimeout(),
		simulateDelay: 2 * time.Second,
	}
	for _, opt := range options {
		h = opt(h)
	}
	return h
}

// HandleDeploy processes one deploy_requested message.
func (h *Handler) HandleDeploy(ctx context.Context, msg bus.Message) {
	evt, ok := decode(msg)
	if !ok {
		h.logger.Printf("dropping malformed deploy event")
		msg.Ack()
		return
	}

	bundle, err := h.endpoints.GetBundle(ctx, evt.EndpointId)
	if err != nil {
		if errors.Is(err, kdb.ErrMissing) {
			h.logger.Printf("endpoint %s: gone. dropping.", evt.EndpointId)
			msg.Ack()
			return
		}
		h.logger.Printf("endpoint %s: load failed, nacking: %v", evt.EndpointId, err)
		msg.Nak()
		return
	}

	// only intents still wanting a resource are reconciled. DELETING and
	// FAILED stay as they are until the next explicit request.
	if bundle.Status != kdb.Creating && bundle.Status != kdb.Ready {
		msg.Ack()
		return
	}

	url, reconcileErr := h.reconcile(ctx, bundle)

	if reconcileErr != nil {
		h.logger.Printf("endpoint %s: reconcile failed: %v", evt.EndpointId, reconcileErr)
		if err := h.endpoints.SetStatus(
			ctx, evt.EndpointId, kdb.FailedEndpoint, "", reconcileErr.Error(),
		); err != nil {
			h.logger.Printf("endpoint %s: status not recorded, nacking: %v", evt.EndpointId, err)
			msg.Nak()
			return
		}
		msg.Ack()
		return
	}

	if err := h.endpoints.SetStatus(ctx, evt.EndpointId, kdb.Ready, url, ""); err != nil {
		h.logger.Printf("endpoint %s: status not recorded, nacking: %v", evt.EndpointId, err)
		msg.Nak()
		return
	}

	h.logger.Printf("endpoint %s: ready at %s", evt.EndpointId, url)
	msg.Ack()
}

func (h *Handler) reconcile(ctx context.Context, bundle kdb.EndpointBundle) (string, error) {
	// intents are validated before any resource is touched, simulated or not.
	if err := serving.Validate(bundle); err != nil {
		return "", err
	}

	if h.mode == cfg.DeploySimulate {
		if 0 < h.simulateDelay {
			timer := time.NewTimer(h.simulateDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}

		name := serving.ResourceName(h.namePrefix, bundle.Id)
		return fmt.Sprintf("http://%s.%s.example.local", name, h.namespace), nil
	}

	return h.reconciler.Apply(ctx, bundle, h.deployTimeout)
}

// HandleDelete processes one delete_requested message.
func (h *Handler) HandleDelete(ctx context.Context, msg bus.Message) {
	evt, ok := decode(msg)
	if !ok {
		h.logger.Printf("dropping malformed delete event")
		msg.Ack()
		return
	}

	if h.mode == cfg.DeployReconcile {
		if err := h.reconciler.Delete(ctx, evt.EndpointId); err != nil {
			h.logger.Printf("endpoint %s: resource delete failed, nacking: %v", evt.EndpointId, err)
			msg.Nak()
			return
		}
	}

	if err := h.endpoints.SoftDelete(ctx, evt.EndpointId); err != nil {
		h.logger.Printf("endpoint %s: soft delete failed, nacking: %v", evt.EndpointId, err)
		msg.Nak()
		return
	}

	h.logger.Printf("endpoint %s: deleted", evt.EndpointId)
	msg.Ack()
}

func decode(msg bus.Message) (bus.EndpointRequested, bool) {
	var evt bus.EndpointRequested
	if err := json.Unmarshal(msg.Data(), &evt); err != nil || evt.EndpointId == "" {
		return bus.EndpointRequested{}, false
	}
	return evt, true
}

// Task polls both subscriptions and handles each message.
func Task(
	logger *log.Logger,
	deploySub bus.Subscription,
	deleteSub bus.Subscription,
	handler *Handler,
) loop.Task[int] {
	return func(ctx context.Context, handled int) (int, loop.Next) {
		deploys, err := deploySub.Fetch(ctx, 10, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return handled, loop.Break(ctx.Err())
			}
			logger.Printf("fetch deploy_requested: %v", err)
			return handled, loop.Continue(time.Second)
		}

		deletes, err := deleteSub.Fetch(ctx, 10, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return handled, loop.Break(ctx.Err())
			}
			logger.Printf("fetch delete_requested: %v", err)
			return handled, loop.Continue(time.Second)
		}

		for _, msg := range deploys {
			handler.HandleDeploy(ctx, msg)
			handled += 1
		}
		for _, msg := range deletes {
			handler.HandleDelete(ctx, msg)
			handled += 1
		}
		return handled, loop.Continue(200 * time.Millisecond)
	}
}
