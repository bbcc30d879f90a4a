package controller_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/maternity-io/ingrate/internal/expose"
	"github.com/maternity-io/ingrate/internal/ingrate"
	"github.com/maternity-io/ingrate/internal/reconcile"
	"github.com/maternity-io/ingrate/internal/snapshot"
	"github.com/maternity-io/ingrate/internal/watch"
)

func pathTypePrefix() *networkingv1.PathType {
	t := networkingv1.PathTypePrefix
	return &t
}

func twoRuleIngress(name string) *networkingv1.Ingress {
	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: "example.com",
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     "/api",
									PathType: pathTypePrefix(),
									Backend:  networkingv1.IngressBackend{Service: &networkingv1.IngressServiceBackend{Name: "api-svc", Port: networkingv1.ServiceBackendPort{Number: 80}}},
								},
								{
									Path:     "/web",
									PathType: pathTypePrefix(),
									Backend:  networkingv1.IngressBackend{Service: &networkingv1.IngressServiceBackend{Name: "web-svc", Port: networkingv1.ServiceBackendPort{Number: 80}}},
								},
							},
						},
					},
				},
			},
		},
	}
}

func clusterIPService(name, ip string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: corev1.ServiceSpec{
			ClusterIP: ip,
			Ports:     []corev1.ServicePort{{Port: 80}},
		},
	}
}

var _ = Describe("ingress reconciliation", func() {
	It("creates a configmap and deployment and pins the configmap to the observed replicaset (S1)", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client := fake.NewSimpleClientset()
		r := &reconcile.Reconciler{Client: client, Namespace: "default", Name: "web"}

		ing := twoRuleIngress("web")
		snap := snapshot.Snapshot{
			Ingresses: watch.Map[*networkingv1.Ingress]{{Namespace: "default", Name: "web"}: ing},
			Services: watch.Map[*corev1.Service]{
				{Namespace: "default", Name: "api-svc"}: clusterIPService("api-svc", "10.0.0.1"),
				{Namespace: "default", Name: "web-svc"}: clusterIPService("web-svc", "10.0.0.2"),
			},
		}

		go runFakeDeploymentController(ctx, client, "default", ingrate.DeploymentName("web"), "web", "1")

		Expect(r.ReconcileOnce(ctx, snap)).To(Succeed())

		cms, err := client.CoreV1().ConfigMaps("default").List(ctx, metav1.ListOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(cms.Items).To(HaveLen(1))
		Expect(cms.Items[0].Data["haproxy.cfg"]).To(ContainSubstring("be_default_web_api_svc"))
		Expect(cms.Items[0].Data["haproxy.cfg"]).To(ContainSubstring("be_default_web_web_svc"))
		Expect(cms.Items[0].OwnerReferences).To(HaveLen(1))

		deployment, err := client.AppsV1().Deployments("default").Get(ctx, ingrate.DeploymentName("web"), metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(deployment.Annotations[ingrate.DeploymentRevisionAnnotation]).To(Equal("1"))

		rs, err := client.AppsV1().ReplicaSets("default").List(ctx, metav1.ListOptions{LabelSelector: ingrate.NameSelector("web")})
		Expect(err).NotTo(HaveOccurred())
		Expect(rs.Items).To(HaveLen(1))
		Expect(cms.Items[0].OwnerReferences[0].UID).To(Equal(rs.Items[0].UID))
	})

	It("reuses an up to date configmap and keeps the deployment revision and configmap version across a restart (S2)", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client := fake.NewSimpleClientset()
		ing := twoRuleIngress("web")
		services := watch.Map[*corev1.Service]{
			{Namespace: "default", Name: "api-svc"}: clusterIPService("api-svc", "10.0.0.1"),
			{Namespace: "default", Name: "web-svc"}: clusterIPService("web-svc", "10.0.0.2"),
		}
		snap := snapshot.Snapshot{Ingresses: watch.Map[*networkingv1.Ingress]{{Namespace: "default", Name: "web"}: ing}, Services: services}

		r := &reconcile.Reconciler{Client: client, Namespace: "default", Name: "web"}
		go runFakeDeploymentController(ctx, client, "default", ingrate.DeploymentName("web"), "web", "1")
		Expect(r.ReconcileOnce(ctx, snap)).To(Succeed())

		cmsBefore, err := client.CoreV1().ConfigMaps("default").List(ctx, metav1.ListOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(cmsBefore.Items).To(HaveLen(1))
		deploymentBefore, err := client.AppsV1().Deployments("default").Get(ctx, ingrate.DeploymentName("web"), metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())

		// Second cycle: the rendered deployment is unchanged, so the
		// simulated deployment controller reposts the same revision.
		r2 := &reconcile.Reconciler{Client: client, Namespace: "default", Name: "web"}
		go runFakeDeploymentController(ctx, client, "default", ingrate.DeploymentName("web"), "web", "1")
		Expect(r2.ReconcileOnce(ctx, snap)).To(Succeed())

		cmsAfter, err := client.CoreV1().ConfigMaps("default").List(ctx, metav1.ListOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(cmsAfter.Items).To(HaveLen(1), "no new configmap should be created on an unchanged restart cycle")
		Expect(cmsAfter.Items[0].Name).To(Equal(cmsBefore.Items[0].Name))

		deploymentAfter, err := client.AppsV1().Deployments("default").Get(ctx, ingrate.DeploymentName("web"), metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(deploymentAfter.Annotations[ingrate.DeploymentRevisionAnnotation]).To(Equal(deploymentBefore.Annotations[ingrate.DeploymentRevisionAnnotation]), "deployment revision should not change when nothing drifted")
		Expect(deploymentAfter.Annotations[ingrate.ConfigMapVersionAnnotation]).To(Equal(deploymentBefore.Annotations[ingrate.ConfigMapVersionAnnotation]))
	})

	It("rotates the configmap and deployment revision when a referenced service changes, without deleting the old configmap (S3)", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client := fake.NewSimpleClientset()
		ing := twoRuleIngress("web")
		services := watch.Map[*corev1.Service]{
			{Namespace: "default", Name: "api-svc"}: clusterIPService("api-svc", "10.0.0.1"),
			{Namespace: "default", Name: "web-svc"}: clusterIPService("web-svc", "10.0.0.2"),
		}
		snap := snapshot.Snapshot{Ingresses: watch.Map[*networkingv1.Ingress]{{Namespace: "default", Name: "web"}: ing}, Services: services}

		r := &reconcile.Reconciler{Client: client, Namespace: "default", Name: "web"}
		go runFakeDeploymentController(ctx, client, "default", ingrate.DeploymentName("web"), "web", "1")
		Expect(r.ReconcileOnce(ctx, snap)).To(Succeed())

		cm1, err := client.CoreV1().ConfigMaps("default").List(ctx, metav1.ListOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(cm1.Items).To(HaveLen(1))

		updatedServices := watch.Map[*corev1.Service]{
			{Namespace: "default", Name: "api-svc"}: clusterIPService("api-svc", "10.0.0.99"),
			{Namespace: "default", Name: "web-svc"}: clusterIPService("web-svc", "10.0.0.2"),
		}
		snap2 := snapshot.Snapshot{Ingresses: watch.Map[*networkingv1.Ingress]{{Namespace: "default", Name: "web"}: ing}, Services: updatedServices}

		go runFakeDeploymentController(ctx, client, "default", ingrate.DeploymentName("web"), "web", "2")
		Expect(r.ReconcileOnce(ctx, snap2)).To(Succeed())

		cms, err := client.CoreV1().ConfigMaps("default").List(ctx, metav1.ListOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(cms.Items).To(HaveLen(2), "the stale configmap must survive; the controller never deletes it")

		deployment, err := client.AppsV1().Deployments("default").Get(ctx, ingrate.DeploymentName("web"), metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(deployment.Annotations[ingrate.DeploymentRevisionAnnotation]).To(Equal("2"))
		Expect(deployment.Annotations[ingrate.ConfigMapVersionAnnotation]).NotTo(Equal(cm1.Items[0].Name))
	})
})

var _ = Describe("load balancer status exposure", func() {
	It("reflects the merged load balancer status onto every managed ingress and is idempotent (S5)", func() {
		ctx := context.Background()
		client := fake.NewSimpleClientset()

		ing := &networkingv1.Ingress{ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"}}
		createdIng, err := client.NetworkingV1().Ingresses("default").Create(ctx, ing, metav1.CreateOptions{})
		Expect(err).NotTo(HaveOccurred())

		ingresses := watch.Map[*networkingv1.Ingress]{{Namespace: "default", Name: "web"}: createdIng}
		status := corev1.LoadBalancerStatus{Ingress: []corev1.LoadBalancerIngress{{Hostname: "x.elb"}}}

		Expect(expose.MergeAndUpdateStatus(ctx, client, ingresses, status)).To(Succeed())

		updated, err := client.NetworkingV1().Ingresses("default").Get(ctx, "web", metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(updated.Status.LoadBalancer).To(Equal(networkingv1.IngressLoadBalancerStatus{Ingress: []networkingv1.IngressLoadBalancerIngress{{Hostname: "x.elb"}}}))

		ingresses[types.NamespacedName{Namespace: "default", Name: "web"}] = updated
		Expect(expose.MergeAndUpdateStatus(ctx, client, ingresses, status)).To(Succeed())

		unchanged, err := client.NetworkingV1().Ingresses("default").Get(ctx, "web", metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(unchanged.ResourceVersion).To(Equal(updated.ResourceVersion), "an identical status must not trigger a further replace call")
	})
})
