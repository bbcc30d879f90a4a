// Package controller implements C6: main()'s top-level event loop,
// mingling the ingress/related-resources snapshot stream with the
// deployment-exposure stream and dispatching each to the reconciler or
// the status publisher in turn.
package controller

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"

	"sigs.k8s.io/controller-runtime/pkg/log"

	networkingv1 "k8s.io/api/networking/v1"

	"github.com/maternity-io/ingrate/internal/expose"
	"github.com/maternity-io/ingrate/internal/reconcile"
	"github.com/maternity-io/ingrate/internal/snapshot"
	"github.com/maternity-io/ingrate/internal/stream"
	"github.com/maternity-io/ingrate/internal/watch"
)

// Config names one ingrate instance to run the full control loop for.
type Config struct {
	Client        kubernetes.Interface
	Namespace     string
	Name          string
	LabelSelector string
}

type tagKind int

const (
	tagSnapshot tagKind = iota
	tagLoadBalancer
)

type tagged struct {
	kind     tagKind
	snapshot snapshot.Snapshot
	status   corev1.LoadBalancerStatus
}

// Run drives the control loop until ctx is cancelled. A reconciliation or
// status-publish error is logged and the loop continues with the next
// event, mirroring main()'s bare except-free "let it surface in logs and
// keep going" posture — no single bad snapshot should take the whole
// controller down.
func Run(ctx context.Context, cfg Config) {
	logger := log.FromContext(ctx).WithName("controller").WithValues("namespace", cfg.Namespace, "name", cfg.Name)

	mingler := stream.NewMingler[tagged](ctx)
	defer mingler.Close()

	snapshots := snapshot.Watch(ctx, cfg.Client, cfg.LabelSelector)
	mingler.Add(mapTagged(ctx, snapshots, func(s snapshot.Snapshot) tagged {
		return tagged{kind: tagSnapshot, snapshot: s}
	}))

	loadBalancers := expose.Watch(ctx, cfg.Client, cfg.Namespace, cfg.Name)
	mingler.Add(mapTagged(ctx, loadBalancers, func(s corev1.LoadBalancerStatus) tagged {
		return tagged{kind: tagLoadBalancer, status: s}
	}))

	reconciler := &reconcile.Reconciler{Client: cfg.Client, Namespace: cfg.Namespace, Name: cfg.Name}

	var (
		lastIngresses    watch.Map[*networkingv1.Ingress]
		lastLoadBalancer corev1.LoadBalancerStatus
		haveIngresses    bool
		haveLoadBalancer bool
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case ev, ok := <-mingler.C():
			if !ok {
				return
			}
			switch ev.kind {
			case tagSnapshot:
				lastIngresses = ev.snapshot.Ingresses
				haveIngresses = true
				if err := reconciler.ReconcileOnce(ctx, ev.snapshot); err != nil {
					logger.Error(err, "reconciliation failed")
				}

			case tagLoadBalancer:
				lastLoadBalancer = ev.status
				haveLoadBalancer = true
			}

			if haveIngresses && haveLoadBalancer && len(lastLoadBalancer.Ingress) > 0 {
				if err := expose.MergeAndUpdateStatus(ctx, cfg.Client, lastIngresses, lastLoadBalancer); err != nil {
					logger.Error(err, "status update failed")
				}
			}
		}
	}
}

func mapTagged[T any](ctx context.Context, src stream.Stream[T], f func(T) tagged) stream.Stream[tagged] {
	return stream.New(ctx, 0, func(ctx context.Context, out chan<- tagged) {
		defer src.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-src.C:
				if !ok {
					return
				}
				select {
				case out <- f(v):
				case <-ctx.Done():
					return
				}
			}
		}
	})
}
