// Package render builds the HAProxy configuration and Deployment
// manifest text for one ingrate instance from a snapshot.Snapshot,
// mirroring the original controller's haproxy.cfg.mako and
// deployment.yaml.mako templates.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"

	networkingv1 "k8s.io/api/networking/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/maternity-io/ingrate/internal/watch"
)

//go:embed templates/haproxy.cfg.tmpl templates/deployment.yaml.tmpl
var templateFS embed.FS

var (
	haproxyTemplate    = template.Must(template.New("haproxy.cfg.tmpl").ParseFS(templateFS, "templates/haproxy.cfg.tmpl"))
	deploymentTemplate = template.Must(template.New("deployment.yaml.tmpl").ParseFS(templateFS, "templates/deployment.yaml.tmpl"))
)

// Backend is one haproxy backend: the servers it load-balances across,
// and the frontend routing rule (host/path) that selects it.
type Backend struct {
	Name      string
	Condition string
	Servers   []Server
}

// Server is one haproxy backend server entry.
type Server struct {
	Address string
	Port    int32
}

// HAProxyConfigData is the view model handed to haproxy.cfg.tmpl.
type HAProxyConfigData struct {
	Backends   []Backend
	TLSSecrets []types.NamespacedName
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func sanitize(s string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(s, "_"), "_")
}

func servicePort(svc *corev1.Service) int32 {
	for _, p := range svc.Spec.Ports {
		return p.Port
	}
	return 80
}

// condition builds the haproxy ACL expression selecting a backend by the
// Ingress rule's host and path, e.g. "if { hdr(host) -i example.com } { path_beg /api }".
func condition(host, pathPrefix string) string {
	var acls []string
	if host != "" {
		acls = append(acls, fmt.Sprintf("{ hdr(host) -i %s }", host))
	}
	if pathPrefix != "" {
		acls = append(acls, fmt.Sprintf("{ path_beg %s }", pathPrefix))
	}
	if len(acls) == 0 {
		return ""
	}
	return "if " + strings.Join(acls, " ")
}

func backendServers(svc *corev1.Service) []Server {
	if svc.Spec.ClusterIP == "" || svc.Spec.ClusterIP == corev1.ClusterIPNone {
		return nil
	}
	return []Server{{Address: svc.Spec.ClusterIP, Port: servicePort(svc)}}
}

func releaseServers(releaseMap map[types.NamespacedName]map[string]struct{}, services watch.Map[*corev1.Service], ref types.NamespacedName) []Server {
	names, ok := releaseMap[ref]
	if !ok {
		return nil
	}
	var servers []Server
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	for _, name := range sorted {
		svc, ok := services[types.NamespacedName{Namespace: ref.Namespace, Name: name}]
		if !ok {
			continue
		}
		servers = append(servers, backendServers(svc)...)
	}
	return servers
}

// BuildHAProxyConfigData flattens a Snapshot's sorted Ingresses into the
// backend/server view haproxy.cfg.tmpl expects. Ingresses must already be
// sorted by (namespace, name) per spec.md's stabilized-output requirement.
func BuildHAProxyConfigData(ingresses []*networkingv1.Ingress, services watch.Map[*corev1.Service], secrets watch.Map[*corev1.Secret], releaseMap map[types.NamespacedName]map[string]struct{}) HAProxyConfigData {
	var data HAProxyConfigData

	for key := range secrets {
		data.TLSSecrets = append(data.TLSSecrets, key)
	}
	sort.Slice(data.TLSSecrets, func(i, j int) bool {
		return data.TLSSecrets[i].String() < data.TLSSecrets[j].String()
	})

	for _, ing := range ingresses {
		for _, rule := range ing.Spec.Rules {
			if rule.HTTP == nil {
				continue
			}
			for _, path := range rule.HTTP.Paths {
				if path.Backend.Service == nil {
					continue
				}
				ref := types.NamespacedName{Namespace: ing.Namespace, Name: path.Backend.Service.Name}
				name := fmt.Sprintf("be_%s_%s_%s", sanitize(ing.Namespace), sanitize(ing.Name), sanitize(ref.Name))

				servers := releaseServers(releaseMap, services, ref)
				if len(servers) == 0 {
					if svc, ok := services[ref]; ok {
						servers = backendServers(svc)
					}
				}

				data.Backends = append(data.Backends, Backend{
					Name:      name,
					Condition: condition(rule.Host, path.Path),
					Servers:   servers,
				})
			}
		}
	}
	return data
}

// HAProxyConfig renders haproxy.cfg from data.
func HAProxyConfig(data HAProxyConfigData) (string, error) {
	var buf bytes.Buffer
	if err := haproxyTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render haproxy.cfg: %w", err)
	}
	return buf.String(), nil
}

// DeploymentData is the view model handed to deployment.yaml.tmpl.
type DeploymentData struct {
	Name               string
	DeploymentName     string
	ServiceAccountName string
	ConfigMapName      string
	TLSSecrets         []types.NamespacedName
}

// DeploymentManifest renders deployment.yaml from data.
func DeploymentManifest(data DeploymentData) (string, error) {
	var buf bytes.Buffer
	if err := deploymentTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render deployment.yaml: %w", err)
	}
	return buf.String(), nil
}
