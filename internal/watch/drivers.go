package watch

import (
	"context"

	"golang.org/x/sync/errgroup"

	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	kwatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/maternity-io/ingrate/internal/ingrate"
	"github.com/maternity-io/ingrate/internal/stream"
)

// Ingresses watches every Ingress cluster-wide matching labelSelector,
// emitting the full collection after the initial list and after every
// subsequent add/modify/delete.
func Ingresses(ctx context.Context, client kubernetes.Interface, labelSelector string) stream.Stream[Map[*networkingv1.Ingress]] {
	ingresses := client.NetworkingV1().Ingresses(metav1.NamespaceAll)
	return listThenWatch(ctx, listWatcher[*networkingv1.Ingress]{
		list: func(ctx context.Context) ([]*networkingv1.Ingress, string, error) {
			l, err := ingresses.List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
			if err != nil {
				return nil, "", err
			}
			items := make([]*networkingv1.Ingress, len(l.Items))
			for i := range l.Items {
				items[i] = &l.Items[i]
			}
			return items, l.ResourceVersion, nil
		},
		watch: func(ctx context.Context, rv string) (kwatch.Interface, error) {
			return ingresses.Watch(ctx, metav1.ListOptions{LabelSelector: labelSelector, ResourceVersion: rv})
		},
	})
}

// BackendRefs returns the set of namespace/name Service references an
// Ingress points at: its default backend and every path backend across
// every rule, per the networking.k8s.io/v1 shape (spec.md's REDESIGN FLAG
// migrating off the removed extensions/v1beta1 type).
func BackendRefs(ing *networkingv1.Ingress) []types.NamespacedName {
	var refs []types.NamespacedName
	add := func(name string) {
		if name == "" {
			return
		}
		refs = append(refs, types.NamespacedName{Namespace: ing.Namespace, Name: name})
	}
	if b := ing.Spec.DefaultBackend; b != nil && b.Service != nil {
		add(b.Service.Name)
	}
	for _, rule := range ing.Spec.Rules {
		if rule.HTTP == nil {
			continue
		}
		for _, p := range rule.HTTP.Paths {
			if p.Backend.Service != nil {
				add(p.Backend.Service.Name)
			}
		}
	}
	return refs
}

// SecretRefs returns the TLS secret references an Ingress declares.
func SecretRefs(ing *networkingv1.Ingress) []types.NamespacedName {
	var refs []types.NamespacedName
	for _, tls := range ing.Spec.TLS {
		if tls.SecretName == "" {
			continue
		}
		refs = append(refs, types.NamespacedName{Namespace: ing.Namespace, Name: tls.SecretName})
	}
	return refs
}

// IngressServices watches the backend Services a set of Ingresses
// reference. refs is re-evaluated each time the caller wants to change
// the watched set; IngressServices itself watches a fixed set for its
// lifetime (the snapshot aggregator restarts this driver when the
// reference set changes, per spec.md §4.3's cascading-restart design).
func IngressServices(ctx context.Context, client kubernetes.Interface, refs []types.NamespacedName) stream.Stream[Map[*corev1.Service]] {
	return watchServices(ctx, client, refs)
}

// IngressSecrets watches a fixed set of referenced Secrets, analogous to
// IngressServices.
func IngressSecrets(ctx context.Context, client kubernetes.Interface, refs []types.NamespacedName) stream.Stream[Map[*corev1.Secret]] {
	return stream.New(ctx, 0, func(ctx context.Context, out chan<- Map[*corev1.Secret]) {
		mingler := stream.NewMingler[stream.Tagged[types.NamespacedName, kwatch.Event]](ctx)
		defer mingler.Close()

		current := make(Map[*corev1.Secret], len(refs))
		g, gctx := errgroup.WithContext(ctx)
		results := make([]*corev1.Secret, len(refs))
		for i, ref := range refs {
			i, ref := i, ref
			g.Go(func() error {
				secret, err := client.CoreV1().Secrets(ref.Namespace).Get(gctx, ref.Name, metav1.GetOptions{})
				if apierrors.IsNotFound(err) {
					return nil
				}
				if err != nil {
					return err
				}
				results[i] = secret
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return
		}
		for i, ref := range refs {
			if results[i] != nil {
				current[ref] = results[i]
			}
			secrets := client.CoreV1().Secrets(ref.Namespace)
			w, err := secrets.Watch(ctx, metav1.ListOptions{FieldSelector: nameFieldSelector(ref.Name)})
			if err != nil {
				continue
			}
			mingler.Add(stream.Tag(ctx, ref, eventStream(ctx, w)))
		}

		if !send(ctx, out, copyMap(current)) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case tev, ok := <-mingler.C():
				if !ok {
					return
				}
				secret, ok := tev.Value.Object.(*corev1.Secret)
				if !ok {
					continue
				}
				switch tev.Value.Type {
				case kwatch.Added, kwatch.Modified:
					current[tev.Label] = secret
				case kwatch.Deleted:
					delete(current, tev.Label)
				default:
					continue
				}
				if !send(ctx, out, copyMap(current)) {
					return
				}
			}
		}
	})
}

func watchServices(ctx context.Context, client kubernetes.Interface, refs []types.NamespacedName) stream.Stream[Map[*corev1.Service]] {
	return stream.New(ctx, 0, func(ctx context.Context, out chan<- Map[*corev1.Service]) {
		mingler := stream.NewMingler[stream.Tagged[types.NamespacedName, kwatch.Event]](ctx)
		defer mingler.Close()

		current := make(Map[*corev1.Service], len(refs))
		g, gctx := errgroup.WithContext(ctx)
		results := make([]*corev1.Service, len(refs))
		for i, ref := range refs {
			i, ref := i, ref
			g.Go(func() error {
				svc, err := client.CoreV1().Services(ref.Namespace).Get(gctx, ref.Name, metav1.GetOptions{})
				if apierrors.IsNotFound(err) {
					return nil
				}
				if err != nil {
					return err
				}
				results[i] = svc
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return
		}
		for i, ref := range refs {
			if results[i] != nil {
				current[ref] = results[i]
			}
			services := client.CoreV1().Services(ref.Namespace)
			w, err := services.Watch(ctx, metav1.ListOptions{FieldSelector: nameFieldSelector(ref.Name)})
			if err != nil {
				continue
			}
			mingler.Add(stream.Tag(ctx, ref, eventStream(ctx, w)))
		}

		if !send(ctx, out, copyMap(current)) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case tev, ok := <-mingler.C():
				if !ok {
					return
				}
				svc, ok := tev.Value.Object.(*corev1.Service)
				if !ok {
					continue
				}
				switch tev.Value.Type {
				case kwatch.Added, kwatch.Modified:
					current[tev.Label] = svc
				case kwatch.Deleted:
					delete(current, tev.Label)
				default:
					continue
				}
				if !send(ctx, out, copyMap(current)) {
					return
				}
			}
		}
	})
}

// ReleaseStub names one release-selector Service: the namespace it lives
// in and the selector expression its annotation expands to.
type ReleaseStub struct {
	Namespace string
	Name      string
	Selector  string
}

// ReleaseStubsFromServices scans a Service map for release-selector stubs:
// any Service carrying the ReleaseSelectorAnnotation.
func ReleaseStubsFromServices(services Map[*corev1.Service]) []ReleaseStub {
	var stubs []ReleaseStub
	for key, svc := range services {
		selector, ok := svc.Annotations[ingrate.ReleaseSelectorAnnotation]
		if !ok || selector == "" {
			continue
		}
		stubs = append(stubs, ReleaseStub{Namespace: key.Namespace, Name: key.Name, Selector: selector})
	}
	return stubs
}

// ReleaseResult is what ReleaseServiceServices emits: the union of every
// release stub's matched Services, plus a release_map from each stub's
// identity to the names of the Services it currently matches.
type ReleaseResult struct {
	Services   Map[*corev1.Service]
	ReleaseMap map[types.NamespacedName]map[string]struct{}
}

// ReleaseServiceServices discovers the Services matching each release
// stub's selector within its namespace. One resourceVersion is tracked
// per stub (Open Question #3 in DESIGN.md, via listThenWatch's own
// per-driver state), so a transient watch restart for one stub resumes
// from its own last-seen version rather than another stub's.
func ReleaseServiceServices(ctx context.Context, client kubernetes.Interface, stubs []ReleaseStub) stream.Stream[ReleaseResult] {
	return stream.New(ctx, 0, func(ctx context.Context, out chan<- ReleaseResult) {
		mingler := stream.NewMingler[stream.Tagged[types.NamespacedName, Map[*corev1.Service]]](ctx)
		defer mingler.Close()

		perStub := make(map[types.NamespacedName]Map[*corev1.Service], len(stubs))
		for _, stub := range stubs {
			stub := stub
			stubKey := types.NamespacedName{Namespace: stub.Namespace, Name: stub.Name}
			services := client.CoreV1().Services(stub.Namespace)
			driver := listThenWatch(ctx, listWatcher[*corev1.Service]{
				list: func(ctx context.Context) ([]*corev1.Service, string, error) {
					l, err := services.List(ctx, metav1.ListOptions{LabelSelector: stub.Selector})
					if err != nil {
						return nil, "", err
					}
					items := make([]*corev1.Service, len(l.Items))
					for i := range l.Items {
						items[i] = &l.Items[i]
					}
					return items, l.ResourceVersion, nil
				},
				watch: func(ctx context.Context, rv string) (kwatch.Interface, error) {
					return services.Watch(ctx, metav1.ListOptions{LabelSelector: stub.Selector, ResourceVersion: rv})
				},
			})
			mingler.Add(stream.Tag(ctx, stubKey, driver))
		}

		emit := func() bool {
			union := make(Map[*corev1.Service])
			releaseMap := make(map[types.NamespacedName]map[string]struct{}, len(perStub))
			for stubKey, m := range perStub {
				names := make(map[string]struct{}, len(m))
				for k, v := range m {
					union[k] = v
					names[k.Name] = struct{}{}
				}
				releaseMap[stubKey] = names
			}
			return send(ctx, out, ReleaseResult{Services: union, ReleaseMap: releaseMap})
		}

		if len(stubs) == 0 {
			// Emit an empty result, then park until cancelled rather than
			// ending, so the aggregator's gate never sees this input finish.
			if send(ctx, out, ReleaseResult{Services: Map[*corev1.Service]{}, ReleaseMap: map[types.NamespacedName]map[string]struct{}{}}) {
				<-ctx.Done()
			}
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case tm, ok := <-mingler.C():
				if !ok {
					return
				}
				perStub[tm.Label] = tm.Value
				if !emit() {
					return
				}
			}
		}
	})
}

// Deployment watches a single Deployment by name within namespace.
func Deployment(ctx context.Context, client kubernetes.Interface, namespace, name string) stream.Stream[*appsv1.Deployment] {
	deployments := client.AppsV1().Deployments(namespace)
	return stream.New(ctx, 0, func(ctx context.Context, out chan<- *appsv1.Deployment) {
		d, err := deployments.Get(ctx, name, metav1.GetOptions{})
		rv := ""
		if err == nil {
			rv = d.ResourceVersion
			if !send(ctx, out, d) {
				return
			}
		} else if !apierrors.IsNotFound(err) {
			return
		}

		for ctx.Err() == nil {
			w, err := deployments.Watch(ctx, metav1.ListOptions{FieldSelector: nameFieldSelector(name), ResourceVersion: rv})
			if err != nil {
				return
			}
			rv = drainSingle(ctx, w, out, rv)
		}
	})
}

func drainSingle[T metav1.Object](ctx context.Context, w kwatch.Interface, out chan<- T, rv string) string {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return rv
		case ev, ok := <-w.ResultChan():
			if !ok {
				return rv
			}
			obj, ok := ev.Object.(T)
			if !ok {
				continue
			}
			rv = obj.GetResourceVersion()
			if ev.Type == kwatch.Deleted {
				continue
			}
			if !send(ctx, out, obj) {
				return rv
			}
		}
	}
}

// ReplicaSetList watches the ReplicaSets owned by the named ingrate
// instance's Deployment, selected by the NameLabel selector.
func ReplicaSetList(ctx context.Context, client kubernetes.Interface, namespace, instanceName string) stream.Stream[Map[*appsv1.ReplicaSet]] {
	replicaSets := client.AppsV1().ReplicaSets(namespace)
	selector := ingrate.NameSelector(instanceName)
	return listThenWatch(ctx, listWatcher[*appsv1.ReplicaSet]{
		list: func(ctx context.Context) ([]*appsv1.ReplicaSet, string, error) {
			l, err := replicaSets.List(ctx, metav1.ListOptions{LabelSelector: selector})
			if err != nil {
				return nil, "", err
			}
			items := make([]*appsv1.ReplicaSet, len(l.Items))
			for i := range l.Items {
				items[i] = &l.Items[i]
			}
			return items, l.ResourceVersion, nil
		},
		watch: func(ctx context.Context, rv string) (kwatch.Interface, error) {
			return replicaSets.Watch(ctx, metav1.ListOptions{LabelSelector: selector, ResourceVersion: rv})
		},
	})
}

// NamespacedServiceList watches every Service in namespace carrying
// NameLabel=instanceName, the set C5 inspects for load-balancer status
// to reflect back onto the owning Ingresses.
func NamespacedServiceList(ctx context.Context, client kubernetes.Interface, namespace, instanceName string) stream.Stream[Map[*corev1.Service]] {
	services := client.CoreV1().Services(namespace)
	selector := ingrate.NameSelector(instanceName)
	return listThenWatch(ctx, listWatcher[*corev1.Service]{
		list: func(ctx context.Context) ([]*corev1.Service, string, error) {
			l, err := services.List(ctx, metav1.ListOptions{LabelSelector: selector})
			if err != nil {
				return nil, "", err
			}
			items := make([]*corev1.Service, len(l.Items))
			for i := range l.Items {
				items[i] = &l.Items[i]
			}
			return items, l.ResourceVersion, nil
		},
		watch: func(ctx context.Context, rv string) (kwatch.Interface, error) {
			return services.Watch(ctx, metav1.ListOptions{LabelSelector: selector, ResourceVersion: rv})
		},
	})
}
