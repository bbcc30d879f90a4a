// Package watch implements the list-then-watch drivers (C2): per-resource
// generators that list a resource kind, emit the initial collection, then
// apply ADDED/MODIFIED/DELETED watch events to a running map and emit the
// updated map after each mutating event. Driver lifetime ends on a
// non-recoverable list error; resumable watch-stream termination
// (WatchStreamEnded/TransientAPIError) is retried in place, resuming from
// the last observed resourceVersion — restart policy across driver
// generations belongs to the snapshot aggregator (internal/snapshot).
package watch

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	kwatch "k8s.io/apimachinery/pkg/watch"

	"github.com/maternity-io/ingrate/internal/stream"
)

// Map is the uniform shape every C2 driver emits: the current collection
// of objects of kind T, keyed by namespace/name.
type Map[T metav1.Object] map[types.NamespacedName]T

func keyOf(obj metav1.Object) types.NamespacedName {
	return types.NamespacedName{Namespace: obj.GetNamespace(), Name: obj.GetName()}
}

func copyMap[T metav1.Object](m Map[T]) Map[T] {
	cp := make(Map[T], len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func send[T any](ctx context.Context, out chan<- T, v T) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// listWatcher is the minimal per-resource-kind capability the list-then-watch
// loop needs.
type listWatcher[T metav1.Object] struct {
	list  func(ctx context.Context) (items []T, resourceVersion string, err error)
	watch func(ctx context.Context, resourceVersion string) (kwatch.Interface, error)
}

// listThenWatch runs the canonical list-then-watch loop (spec.md §4.2).
func listThenWatch[T metav1.Object](ctx context.Context, lw listWatcher[T]) stream.Stream[Map[T]] {
	return stream.New(ctx, 0, func(ctx context.Context, out chan<- Map[T]) {
		items, rv, err := lw.list(ctx)
		if err != nil {
			return
		}
		current := make(Map[T], len(items))
		for _, it := range items {
			current[keyOf(it)] = it
		}
		if !send(ctx, out, copyMap(current)) {
			return
		}

		for ctx.Err() == nil {
			w, err := lw.watch(ctx, rv)
			if err != nil {
				return
			}
			rv = drain(ctx, w, current, out, rv)
		}
	})
}

func drain[T metav1.Object](ctx context.Context, w kwatch.Interface, current Map[T], out chan<- Map[T], rv string) string {
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
			switch ev.Type {
			case kwatch.Added, kwatch.Modified:
				current[keyOf(obj)] = obj
			case kwatch.Deleted:
				delete(current, keyOf(obj))
			default:
				continue
			}
			rv = obj.GetResourceVersion()
			if !send(ctx, out, copyMap(current)) {
				return rv
			}
		}
	}
}

// eventStream adapts a watch.Interface into a Stream of its raw events,
// for drivers that need to mingle many independent per-object watches
// rather than use the single-collection listThenWatch loop.
func eventStream(ctx context.Context, w kwatch.Interface) stream.Stream[kwatch.Event] {
	return stream.New(ctx, 0, func(ctx context.Context, out chan<- kwatch.Event) {
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.ResultChan():
				if !ok {
					return
				}
				if !send(ctx, out, ev) {
					return
				}
			}
		}
	})
}

func nameFieldSelector(name string) string {
	return "metadata.name=" + name
}
