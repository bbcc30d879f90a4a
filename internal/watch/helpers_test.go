package watch_test

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/maternity-io/ingrate/internal/ingrate"
)

type networkingServiceStub struct {
	Name      string
	Namespace string
	NameLabel string
}

func (s *networkingServiceStub) build() *corev1.Service {
	labels := map[string]string{}
	if s.NameLabel != "" {
		labels[ingrate.NameLabel] = s.NameLabel
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: s.Name, Namespace: s.Namespace, Labels: labels},
		Spec:       corev1.ServiceSpec{Ports: []corev1.ServicePort{{Port: 80}}},
	}
}

func replicaSetStub(name, namespace, instanceName string) *appsv1.ReplicaSet {
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{ingrate.NameLabel: instanceName},
		},
	}
}
