// Package expose implements C5: watching the Services exposing an
// ingrate instance's Deployment for load-balancer status, merging them,
// and reflecting the merged status onto every managed Ingress, mirroring
// the original controller's watch_for_deployment_exposure and the
// load-balancer merge block in main().
package expose

import (
	"context"
	"sort"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/maternity-io/ingrate/internal/stream"
	"github.com/maternity-io/ingrate/internal/watch"
	"github.com/maternity-io/ingrate/pkg/metrics"
)

// Watch emits the merged LoadBalancerStatus of every Service exposing
// the named ingrate instance when the set of exposing Services or any
// one of their statuses changes, throttled so that a burst of changes
// yields one emission of the latest value. It never includes a status
// for a Service that isn't of type LoadBalancer or hasn't yet been
// assigned one, matching watch_for_deployment_exposure's filter.
func Watch(ctx context.Context, client kubernetes.Interface, namespace, name string) stream.Stream[corev1.LoadBalancerStatus] {
	services := watch.NamespacedServiceList(ctx, client, namespace, name)
	return stream.Throttle(ctx, mapToStatus(ctx, services), 500*time.Millisecond)
}

// MergeAndUpdateStatus applies status onto every Ingress whose current
// status differs, mirroring main()'s "if ing.status... == load_balancer:
// continue" skip and replace_namespaced_ingress_status call.
func MergeAndUpdateStatus(ctx context.Context, client kubernetes.Interface, ingresses watch.Map[*networkingv1.Ingress], status corev1.LoadBalancerStatus) error {
	logger := log.FromContext(ctx).WithName("expose")

	if len(status.Ingress) == 0 {
		return nil
	}

	var want networkingv1.IngressLoadBalancerStatus
	for _, in := range status.Ingress {
		point := networkingv1.IngressLoadBalancerIngress{IP: in.IP, Hostname: in.Hostname}
		for _, p := range in.Ports {
			point.Ports = append(point.Ports, networkingv1.IngressPortStatus{Port: p.Port, Protocol: p.Protocol, Error: p.Error})
		}
		want.Ingress = append(want.Ingress, point)
	}

	for key, ing := range ingresses {
		if apiequality.Semantic.DeepEqual(ing.Status.LoadBalancer, want) {
			continue
		}

		logger.Info("updating ingress load-balancer status", "namespace", key.Namespace, "name", key.Name)

		updated := &networkingv1.Ingress{
			ObjectMeta: metav1.ObjectMeta{Namespace: key.Namespace, Name: key.Name},
			Status:     networkingv1.IngressStatus{LoadBalancer: want},
		}
		if _, err := client.NetworkingV1().Ingresses(key.Namespace).UpdateStatus(ctx, updated, metav1.UpdateOptions{}); err != nil {
			return err
		}
		metrics.StatusUpdatesTotal.WithLabelValues(key.Namespace, key.Name).Inc()
	}
	return nil
}

func mapToStatus(ctx context.Context, services stream.Stream[watch.Map[*corev1.Service]]) stream.Stream[corev1.LoadBalancerStatus] {
	return stream.New(ctx, 0, func(ctx context.Context, out chan<- corev1.LoadBalancerStatus) {
		defer services.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-services.C:
				if !ok {
					return
				}
				merged := mergeLoadBalancers(m)
				select {
				case out <- merged:
				case <-ctx.Done():
					return
				}
			}
		}
	})
}

// mergeLoadBalancers mirrors main()'s "Merge multiple services into
// one": iterate every LoadBalancer-typed Service with an assigned
// status in (namespace, name) order and concatenate their Ingress
// points.
func mergeLoadBalancers(services watch.Map[*corev1.Service]) corev1.LoadBalancerStatus {
	type entry struct {
		key types.NamespacedName
		lb  corev1.LoadBalancerStatus
	}
	var entries []entry
	for key, svc := range services {
		if svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
			continue
		}
		if len(svc.Status.LoadBalancer.Ingress) == 0 {
			continue
		}
		entries = append(entries, entry{key: key, lb: svc.Status.LoadBalancer})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].key.Namespace != entries[j].key.Namespace {
			return entries[i].key.Namespace < entries[j].key.Namespace
		}
		return entries[i].key.Name < entries[j].key.Name
	})

	var merged corev1.LoadBalancerStatus
	for _, e := range entries {
		merged.Ingress = append(merged.Ingress, e.lb.Ingress...)
	}
	return merged
}
