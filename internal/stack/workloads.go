package stack

import (
	"github.com/pulumi/pulumi-kubernetes/sdk/v4/go/kubernetes"
	corev1 "github.com/pulumi/pulumi-kubernetes/sdk/v4/go/kubernetes/core/v1"
	metav1 "github.com/pulumi/pulumi-kubernetes/sdk/v4/go/kubernetes/meta/v1"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// workloads creates the optional in-cluster objects through a Kubernetes
// provider that only becomes usable once the node group exists.
func (s *Stack) workloads(ctx *pulumi.Context, out *Outputs) error {
	ns := s.cfg.Workloads.Namespace
	if ns == "" {
		return nil
	}

	provider, err := kubernetes.NewProvider(ctx, s.topo.Cluster+"-k8s", &kubernetes.ProviderArgs{
		Kubeconfig: out.Kubeconfig,
	}, pulumi.DependsOn([]pulumi.Resource{out.NodeGroup}))
	if err != nil {
		return err
	}

	_, err = corev1.NewNamespace(ctx, ns, &corev1.NamespaceArgs{
		Metadata: &metav1.ObjectMetaArgs{
			Name: pulumi.String(ns),
			Labels: pulumi.StringMap{
				"app.kubernetes.io/managed-by": pulumi.String("pulumi"),
			},
		},
	}, pulumi.Provider(provider))
	return err
}
