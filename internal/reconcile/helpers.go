package reconcile

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/pmezard/go-difflib/difflib"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	kwatch "k8s.io/apimachinery/pkg/watch"

	"github.com/maternity-io/ingrate/internal/ingrate"
)

func (r *Reconciler) readDeployment(ctx context.Context, name string) (*appsv1.Deployment, error) {
	d, err := r.Client.AppsV1().Deployments(r.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *Reconciler) readConfigMap(ctx context.Context, name string) (*corev1.ConfigMap, error) {
	cm, err := r.Client.CoreV1().ConfigMaps(r.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cm, nil
}

// validateOrCreateConfigMap mirrors validate_or_create_ingrate_configmap:
// reuse the Deployment's currently-referenced ConfigMap if its data is
// already up to date, logging a unified diff per changed key when it
// isn't; otherwise create a fresh server-named ConfigMap.
func (r *Reconciler) validateOrCreateConfigMap(ctx context.Context, logger logr.Logger, data map[string]string, existingDeployment *appsv1.Deployment) (*corev1.ConfigMap, error) {
	var existingVersion string
	if existingDeployment != nil {
		existingVersion = existingDeployment.Annotations[ingrate.ConfigMapVersionAnnotation]
	}

	if existingVersion != "" {
		existing, err := r.readConfigMap(ctx, existingVersion)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if mapsEqual(existing.Data, data) {
				logger.V(1).Info("existing configmap is up to date", "configmap", existing.Name)
				return existing, nil
			}
			logger.Info("existing configmap is not up to date", "configmap", existing.Name)
			logConfigMapDiff(logger, existing.Data, data)
		}
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: ingrate.ConfigMapGenerateName(r.Name),
			Labels:       map[string]string{ingrate.NameLabel: r.Name},
		},
		Data: data,
	}
	created, err := r.Client.CoreV1().ConfigMaps(r.Namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	logger.Info("created new configmap", "configmap", created.Name)
	return created, nil
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func logConfigMapDiff(logger logr.Logger, existing, next map[string]string) {
	for key, value := range next {
		existingValue, ok := existing[key]
		if !ok {
			logger.V(1).Info("existing configmap is missing key", "key", key)
			continue
		}
		if existingValue == value {
			continue
		}
		logger.Info("configmap diff", "key", key, "diff", unifiedDiff(key, existingValue, value))
	}
	for key := range existing {
		if _, ok := next[key]; !ok {
			logger.V(1).Info("existing configmap has extra key", "key", key)
		}
	}
}

func logDeploymentDiff(logger logr.Logger, existingYAML, nextYAML string) {
	if existingYAML == "" || existingYAML == nextYAML {
		return
	}
	logger.Info("deployment diff", "diff", unifiedDiff("deployment.yaml", existingYAML, nextYAML))
}

func unifiedDiff(name, a, b string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: name,
		ToFile:   name,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Sprintf("<diff error: %v>", err)
	}
	return text
}

// initDeployment mirrors init_deployment/init_deployment_metadata: stamps
// the ConfigMap-version annotation, puts the ingrate name label on the pod
// template and on the Deployment itself, and, when the manifest gives no
// selector, sets one matching that label, so the ReplicaSets it produces
// carry the label that ingrate.NameSelector selects.
func initDeployment(deployment *appsv1.Deployment, name, configMapName string) {
	if deployment.Annotations == nil {
		deployment.Annotations = map[string]string{}
	}
	deployment.Annotations[ingrate.ConfigMapVersionAnnotation] = configMapName

	if deployment.Spec.Template.Labels == nil {
		deployment.Spec.Template.Labels = map[string]string{}
	}
	deployment.Spec.Template.Labels[ingrate.NameLabel] = name

	if deployment.Labels == nil {
		deployment.Labels = map[string]string{}
	}
	deployment.Labels[ingrate.NameLabel] = name

	if deployment.Spec.Selector == nil {
		deployment.Spec.Selector = &metav1.LabelSelector{MatchLabels: map[string]string{ingrate.NameLabel: name}}
	}
}

func (r *Reconciler) replaceOrCreateDeployment(ctx context.Context, logger logr.Logger, deployment *appsv1.Deployment) (*appsv1.Deployment, error) {
	deployments := r.Client.AppsV1().Deployments(r.Namespace)
	deployment.Namespace = r.Namespace

	existing, err := deployments.Get(ctx, deployment.Name, metav1.GetOptions{})
	if err == nil {
		deployment.ResourceVersion = existing.ResourceVersion
		updated, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{})
		if err != nil {
			return nil, err
		}
		logger.Info("updated deployment")
		return updated, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, err
	}

	created, err := deployments.Create(ctx, deployment, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	logger.Info("created deployment")
	return created, nil
}

// watchForRevision mirrors watch_for_deployment_revision_to_post: block
// until the Deployment controller has posted a revision annotation on
// the object we just wrote.
func (r *Reconciler) watchForRevision(ctx context.Context, deployment *appsv1.Deployment) (*appsv1.Deployment, error) {
	if _, ok := deployment.Annotations[ingrate.DeploymentRevisionAnnotation]; ok {
		return deployment, nil
	}

	deployments := r.Client.AppsV1().Deployments(r.Namespace)
	w, err := deployments.Watch(ctx, metav1.ListOptions{
		FieldSelector:   "metadata.name=" + deployment.Name,
		ResourceVersion: deployment.ResourceVersion,
	})
	if err != nil {
		return nil, err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-w.ResultChan():
			if !ok {
				return nil, fmt.Errorf("deployment revision never posted")
			}
			d, ok := ev.Object.(*appsv1.Deployment)
			if !ok {
				continue
			}
			if _, ok := d.Annotations[ingrate.DeploymentRevisionAnnotation]; ok {
				return d, nil
			}
		}
	}
}

// watchForMatchingReplicaSet mirrors
// watch_for_replicaset_matching_deployment_revision: find the
// ReplicaSet, selected by the ingrate name label, whose own revision
// annotation matches the Deployment's.
func (r *Reconciler) watchForMatchingReplicaSet(ctx context.Context, deployment *appsv1.Deployment) (*appsv1.ReplicaSet, error) {
	revision := deployment.Annotations[ingrate.DeploymentRevisionAnnotation]
	selector := ingrate.NameSelector(deployment.Labels[ingrate.NameLabel])

	replicaSets := r.Client.AppsV1().ReplicaSets(r.Namespace)
	existing, err := replicaSets.List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, err
	}
	for i := range existing.Items {
		rs := &existing.Items[i]
		if rs.Annotations[ingrate.DeploymentRevisionAnnotation] == revision {
			return rs, nil
		}
	}

	w, err := replicaSets.Watch(ctx, metav1.ListOptions{LabelSelector: selector, ResourceVersion: existing.ResourceVersion})
	if err != nil {
		return nil, err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-w.ResultChan():
			if !ok {
				return nil, fmt.Errorf("matching replicaset never appeared")
			}
			if ev.Type != kwatch.Added && ev.Type != kwatch.Modified {
				continue
			}
			rs, ok := ev.Object.(*appsv1.ReplicaSet)
			if !ok {
				continue
			}
			if rs.Annotations[ingrate.DeploymentRevisionAnnotation] == revision {
				return rs, nil
			}
		}
	}
}

// pinConfigMapOwner mirrors add_configmap_owner_ref: attach an owner
// reference to the ReplicaSet so the ConfigMap is garbage-collected
// alongside it, idempotent on the referent's UID.
func (r *Reconciler) pinConfigMapOwner(ctx context.Context, logger logr.Logger, configMap *corev1.ConfigMap, replicaSet *appsv1.ReplicaSet) error {
	for _, ref := range configMap.OwnerReferences {
		if ref.UID == replicaSet.UID {
			return nil
		}
	}

	logger.Info("updating configmap owner references", "configmap", configMap.Name)
	configMap.OwnerReferences = append(configMap.OwnerReferences, metav1.OwnerReference{
		APIVersion: appsv1.SchemeGroupVersion.String(),
		Kind:       "ReplicaSet",
		Name:       replicaSet.Name,
		UID:        replicaSet.UID,
	})

	_, err := r.Client.CoreV1().ConfigMaps(r.Namespace).Update(ctx, configMap, metav1.UpdateOptions{})
	return err
}
