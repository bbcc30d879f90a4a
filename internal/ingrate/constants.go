// Package ingrate holds the annotation and label keys shared across the
// controller's watch drivers, reconciler, and status publisher.
package ingrate

const (
	// ConfigMapVersionAnnotation, on a managed Deployment, names the
	// ConfigMap currently backing its HAProxy config.
	ConfigMapVersionAnnotation = "ingrate.maternity.io/configmap-version"

	// NameLabel marks every object (ConfigMap, Deployment, pod template,
	// exposure Service) belonging to one logical ingrate instance.
	NameLabel = "ingrate.maternity.io/name"

	// ReleaseSelectorAnnotation, on a release-stub Service, carries the
	// label selector expression it expands to within its namespace.
	ReleaseSelectorAnnotation = "ingrate.maternity.io/release-selector"

	// ReleaseCookieAnnotation and ReleaseDefaultAnnotation are reserved
	// for template consumption; the controller never reads or writes them.
	ReleaseCookieAnnotation  = "ingrate.maternity.io/release-cookie"
	ReleaseDefaultAnnotation = "ingrate.maternity.io/release-default"

	// DeploymentRevisionAnnotation is written by the Deployment controller
	// on both Deployments and ReplicaSets.
	DeploymentRevisionAnnotation = "deployment.kubernetes.io/revision"

	// DeploymentYAMLAnnotation stores the last rendered Deployment
	// manifest text, used to detect and log spec drift.
	DeploymentYAMLAnnotation = "ingress-deployment-yaml"
)

// DeploymentName is the managed HAProxy Deployment's name for a given
// ingrate instance name.
func DeploymentName(name string) string {
	return "ingrate-" + name + "-proxy"
}

// ServiceAccountName is the ServiceAccount name for a given ingrate
// instance name; identical to the Deployment name by convention.
func ServiceAccountName(name string) string {
	return "ingrate-" + name + "-proxy"
}

// ConfigMapGenerateName is the generateName prefix used when creating a
// new managed ConfigMap.
func ConfigMapGenerateName(name string) string {
	return "ingrate-" + name + "-"
}

// NameSelector returns the label selector matching every object carrying
// NameLabel=name.
func NameSelector(name string) string {
	return NameLabel + "=" + name
}
