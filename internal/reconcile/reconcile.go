// Package reconcile implements C4: the per-snapshot reconciliation cycle
// that turns a snapshot.Snapshot into a rendered HAProxy config, a
// versioned ConfigMap, and a Deployment rollout, mirroring the original
// controller's configmap/deployment management functions.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"

	appsv1 "k8s.io/api/apps/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/maternity-io/ingrate/internal/ingrate"
	"github.com/maternity-io/ingrate/internal/render"
	"github.com/maternity-io/ingrate/internal/snapshot"
	"github.com/maternity-io/ingrate/internal/watch"
	"github.com/maternity-io/ingrate/pkg/metrics"
)

// Reconciler drives a single ingrate instance's configmap/deployment
// rollout from successive Snapshots.
type Reconciler struct {
	Client    kubernetes.Interface
	Namespace string
	Name      string
}

// Run blocks processing snapshots from snaps until ctx is cancelled or
// snaps closes, reconciling each one in turn. A snapshot superseded by a
// newer one before its reconciliation completes is not cancelled
// mid-flight; the next cycle simply starts once the current one returns,
// same as the original's single-threaded `async for` loop.
func (r *Reconciler) Run(ctx context.Context, snaps <-chan snapshot.Snapshot) {
	logger := log.FromContext(ctx).WithName("reconcile").WithValues("namespace", r.Namespace, "name", r.Name)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if err := r.ReconcileOnce(ctx, snap); err != nil {
				logger.Error(err, "reconciliation failed")
				continue
			}
		}
	}
}

// ReconcileOnce runs a single reconciliation cycle for snap, recording
// the outcome in ReconciliationsTotal. Exported so callers driving their
// own event loop (rather than feeding a channel to Run) can reconcile one
// snapshot at a time.
func (r *Reconciler) ReconcileOnce(ctx context.Context, snap snapshot.Snapshot) error {
	if err := r.reconcile(ctx, snap); err != nil {
		metrics.ReconciliationsTotal.WithLabelValues(r.Namespace, r.Name, "error").Inc()
		return err
	}
	metrics.ReconciliationsTotal.WithLabelValues(r.Namespace, r.Name, "success").Inc()
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, snap snapshot.Snapshot) error {
	logger := log.FromContext(ctx).WithName("reconcile").WithValues("namespace", r.Namespace, "name", r.Name)
	stop := metrics.StartReconciliationTimer(r.Namespace, r.Name)
	defer stop()

	ingresses := sortedIngresses(snap.Ingresses)

	cfgData := render.BuildHAProxyConfigData(ingresses, snap.Services, snap.Secrets, snap.ReleaseMap)
	haproxyCfg, err := render.HAProxyConfig(cfgData)
	if err != nil {
		metrics.RenderFailuresTotal.WithLabelValues(r.Namespace, r.Name, "haproxy").Inc()
		return fmt.Errorf("render haproxy.cfg: %w", err)
	}

	deploymentName := ingrate.DeploymentName(r.Name)
	serviceAccountName := ingrate.ServiceAccountName(r.Name)

	existingDeployment, err := r.readDeployment(ctx, deploymentName)
	if err != nil {
		return fmt.Errorf("read existing deployment: %w", err)
	}

	configMap, err := r.validateOrCreateConfigMap(ctx, logger, map[string]string{"haproxy.cfg": haproxyCfg}, existingDeployment)
	if err != nil {
		return fmt.Errorf("validate or create configmap: %w", err)
	}
	metrics.ConfigMapRotationsTotal.WithLabelValues(r.Namespace, r.Name).Inc()

	deploymentYAML, err := render.DeploymentManifest(render.DeploymentData{
		Name:               r.Name,
		DeploymentName:     deploymentName,
		ServiceAccountName: serviceAccountName,
		ConfigMapName:      configMap.Name,
		TLSSecrets:         cfgData.TLSSecrets,
	})
	if err != nil {
		metrics.RenderFailuresTotal.WithLabelValues(r.Namespace, r.Name, "deployment").Inc()
		return fmt.Errorf("render deployment.yaml: %w", err)
	}

	if existingDeployment != nil {
		logDeploymentDiff(logger, existingDeployment.Annotations[ingrate.DeploymentYAMLAnnotation], deploymentYAML)
	}

	var deployment appsv1.Deployment
	if err := yaml.Unmarshal([]byte(deploymentYAML), &deployment); err != nil {
		return fmt.Errorf("unmarshal rendered deployment: %w", err)
	}
	initDeployment(&deployment, r.Name, configMap.Name)
	deployment.Name = deploymentName
	if deployment.Annotations == nil {
		deployment.Annotations = map[string]string{}
	}
	deployment.Annotations[ingrate.DeploymentYAMLAnnotation] = deploymentYAML

	existingRevision := ""
	if existingDeployment != nil {
		existingRevision = existingDeployment.Annotations[ingrate.DeploymentRevisionAnnotation]
	}

	posted, err := r.replaceOrCreateDeployment(ctx, logger, &deployment)
	if err != nil {
		return fmt.Errorf("replace or create deployment: %w", err)
	}

	posted, err = r.watchForRevision(ctx, posted)
	if err != nil {
		return fmt.Errorf("watch for deployment revision: %w", err)
	}

	revision := posted.Annotations[ingrate.DeploymentRevisionAnnotation]
	if revision == existingRevision {
		logger.V(1).Info("existing deployment suffices", "revision", revision)
		return nil
	}
	logger.Info("deployment revision changed, waiting for matching replicaset", "revision", revision)

	replicaSet, err := r.watchForMatchingReplicaSet(ctx, posted)
	if err != nil {
		return fmt.Errorf("watch for matching replicaset: %w", err)
	}

	if err := r.pinConfigMapOwner(ctx, logger, configMap, replicaSet); err != nil {
		return fmt.Errorf("pin configmap owner reference: %w", err)
	}

	return nil
}

// sortedIngresses stabilizes rendering output by sorting the snapshot's
// Ingresses by (namespace, name), per the original's "Sort to stabilize
// output" comment in main().
func sortedIngresses(m watch.Map[*networkingv1.Ingress]) []*networkingv1.Ingress {
	out := make([]*networkingv1.Ingress, 0, len(m))
	for _, ing := range m {
		out = append(out, ing)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Name < out[j].Name
	})
	return out
}
