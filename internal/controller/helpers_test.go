package controller_test

import (
	"context"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"

	"github.com/maternity-io/ingrate/internal/ingrate"
)

// runFakeDeploymentController stands in for the real Deployment
// controller against a fake clientset: it polls for the named Deployment,
// stamps a revision annotation once it sees one without, and creates a
// matching ReplicaSet labelled for the owning ingrate instance. Tests
// start this in a goroutine before calling into code that blocks waiting
// for a posted revision.
func runFakeDeploymentController(ctx context.Context, client kubernetes.Interface, namespace, deploymentName, instanceName, revision string) {
	deployments := client.AppsV1().Deployments(namespace)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	posted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d, err := deployments.Get(ctx, deploymentName, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				continue
			}
			if err != nil {
				return
			}

			if !posted {
				if _, ok := d.Annotations[ingrate.DeploymentRevisionAnnotation]; ok {
					posted = true
				} else {
					if d.Annotations == nil {
						d.Annotations = map[string]string{}
					}
					d.Annotations[ingrate.DeploymentRevisionAnnotation] = revision
					if _, err := deployments.Update(ctx, d, metav1.UpdateOptions{}); err == nil {
						posted = true
					}
				}
			}

			if posted {
				replicaSets := client.AppsV1().ReplicaSets(namespace)
				list, err := replicaSets.List(ctx, metav1.ListOptions{LabelSelector: ingrate.NameSelector(instanceName)})
				if err != nil {
					continue
				}
				for i := range list.Items {
					if list.Items[i].Annotations[ingrate.DeploymentRevisionAnnotation] == revision {
						return
					}
				}
				_, _ = replicaSets.Create(ctx, &appsv1.ReplicaSet{
					ObjectMeta: metav1.ObjectMeta{
						Name:        deploymentName + "-" + revision,
						Namespace:   namespace,
						Labels:      map[string]string{ingrate.NameLabel: instanceName},
						Annotations: map[string]string{ingrate.DeploymentRevisionAnnotation: revision},
					},
				}, metav1.CreateOptions{})
				return
			}
		}
	}
}
