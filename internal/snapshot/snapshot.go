// Package snapshot implements the C3 aggregator:
// watch_ingresses_and_related_resources from the original controller.
// It mingles the Ingress watch with cascading substreams for the
// Services and Secrets Ingresses reference, and for the release-selector
// Services those backend Services point at in turn, restarting each
// substream whenever its upstream input changes, and yields a complete
// Snapshot only once every one of the five inputs has been observed at
// least once.
package snapshot

import (
	networkingv1 "k8s.io/api/networking/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"context"
	"time"

	"github.com/maternity-io/ingrate/internal/stream"
	"github.com/maternity-io/ingrate/internal/watch"
)

// Snapshot is one fully-formed view of an ingrate instance's inputs: its
// Ingresses, the union of their backend Services and any release-selector
// expansions of those Services, the TLS Secrets they reference, and the
// release_map from release-stub identity to matched Service names.
type Snapshot struct {
	Ingresses  watch.Map[*networkingv1.Ingress]
	Services   watch.Map[*corev1.Service]
	Secrets    watch.Map[*corev1.Secret]
	ReleaseMap map[types.NamespacedName]map[string]struct{}
}

const defaultThrottle = 500 * time.Millisecond

type tag int

const (
	tagIngresses tag = iota
	tagServices
	tagSecrets
	tagReleaseServices
)

type event struct {
	tag        tag
	ingresses  watch.Map[*networkingv1.Ingress]
	services   watch.Map[*corev1.Service]
	secrets    watch.Map[*corev1.Secret]
	releaseMap map[types.NamespacedName]map[string]struct{}
}

// Watch runs the full cascading aggregation for a single ingrate
// instance's label selector and emits a Snapshot each time all five
// inputs have been populated and any one of them changes.
func Watch(ctx context.Context, client kubernetes.Interface, labelSelector string) stream.Stream[Snapshot] {
	return stream.New(ctx, 0, func(ctx context.Context, out chan<- Snapshot) {
		mingler := stream.NewMingler[event](ctx)
		defer mingler.Close()

		ingressStream := stream.Throttle(ctx, watch.Ingresses(ctx, client, labelSelector), defaultThrottle)
		mingler.Add(mapStream(ctx, ingressStream, func(m watch.Map[*networkingv1.Ingress]) event {
			return event{tag: tagIngresses, ingresses: m}
		}))

		var (
			ingresses       watch.Map[*networkingv1.Ingress]
			services        watch.Map[*corev1.Service]
			secrets         watch.Map[*corev1.Secret]
			releaseServices watch.Map[*corev1.Service]
			releaseMap      map[types.NamespacedName]map[string]struct{}
			have            [5]bool
			servicesSub     *stream.Stream[event]
			secretsSub      *stream.Stream[event]
			releaseSub      *stream.Stream[event]
		)
		// closeSub cancels and awaits the prior substream's full shutdown
		// before its replacement is started, so a stale value from the old
		// substream can never race in after the new one begins.
		closeSub := func(sub **stream.Stream[event]) {
			if *sub != nil {
				(*sub).Close()
				*sub = nil
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-mingler.C():
				if !ok {
					return
				}
				switch ev.tag {
				case tagIngresses:
					ingresses = ev.ingresses
					have[0] = true

					closeSub(&servicesSub)
					refs := allBackendRefs(ingresses)
					sub := mapStream(ctx,
						stream.Throttle(ctx, watch.IngressServices(ctx, client, refs), defaultThrottle),
						func(m watch.Map[*corev1.Service]) event { return event{tag: tagServices, services: m} })
					servicesSub = &sub
					mingler.Add(sub)
					services, have[1] = nil, false
					releaseServices, releaseMap, have[3], have[4] = nil, nil, false, false

					closeSub(&secretsSub)
					secretRefs := allSecretRefs(ingresses)
					sub2 := mapStream(ctx,
						stream.Throttle(ctx, watch.IngressSecrets(ctx, client, secretRefs), defaultThrottle),
						func(m watch.Map[*corev1.Secret]) event { return event{tag: tagSecrets, secrets: m} })
					secretsSub = &sub2
					mingler.Add(sub2)
					secrets, have[2] = nil, false

				case tagServices:
					services = ev.services
					have[1] = true

					closeSub(&releaseSub)
					stubs := watch.ReleaseStubsFromServices(services)
					sub := mapStream(ctx,
						stream.Throttle(ctx, watch.ReleaseServiceServices(ctx, client, stubs), defaultThrottle),
						func(r watch.ReleaseResult) event {
							return event{tag: tagReleaseServices, services: r.Services, releaseMap: r.ReleaseMap}
						})
					releaseSub = &sub
					mingler.Add(sub)
					releaseServices, releaseMap, have[3], have[4] = nil, nil, false, false

				case tagSecrets:
					secrets = ev.secrets
					have[2] = true

				case tagReleaseServices:
					releaseServices = ev.services
					releaseMap = ev.releaseMap
					have[3] = true
					have[4] = true
				}

				if have[0] && have[1] && have[2] && have[3] && have[4] {
					merged := make(watch.Map[*corev1.Service], len(services)+len(releaseServices))
					for k, v := range services {
						merged[k] = v
					}
					for k, v := range releaseServices {
						merged[k] = v
					}
					snap := Snapshot{Ingresses: ingresses, Services: merged, Secrets: secrets, ReleaseMap: releaseMap}
					if !send(ctx, out, snap) {
						return
					}
				}
			}
		}
	})
}

func send[T any](ctx context.Context, out chan<- T, v T) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

func mapStream[T, U any](ctx context.Context, src stream.Stream[T], f func(T) U) stream.Stream[U] {
	return stream.New(ctx, 0, func(ctx context.Context, out chan<- U) {
		defer src.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-src.C:
				if !ok {
					return
				}
				if !send(ctx, out, f(v)) {
					return
				}
			}
		}
	})
}

func allBackendRefs(ingresses watch.Map[*networkingv1.Ingress]) []types.NamespacedName {
	seen := map[types.NamespacedName]bool{}
	var refs []types.NamespacedName
	for _, ing := range ingresses {
		for _, ref := range watch.BackendRefs(ing) {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

func allSecretRefs(ingresses watch.Map[*networkingv1.Ingress]) []types.NamespacedName {
	seen := map[types.NamespacedName]bool{}
	var refs []types.NamespacedName
	for _, ing := range ingresses {
		for _, ref := range watch.SecretRefs(ing) {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}
