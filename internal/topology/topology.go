// Package topology turns a cluster configuration into the graph of resource
// declarations the stack registers.
package topology

import (
	"github.com/pkg/errors"

	"github.com/zikster3262/pulumi-eks/internal/config"
	"github.com/zikster3262/pulumi-eks/internal/graph"
)

const (
	eksService = "eks.amazonaws.com"
	ec2Service = "ec2.amazonaws.com"
)

// Topology is the declaration graph of one stack.
type Topology struct {
	Stack     string
	Vpc       string
	Subnets   []string
	Cluster   string
	NodeGroup string
	Graph     *graph.Graph[Resource]
}

// Build declares the network, identities, cluster and node group described
// by cfg. Physical names of roles, cluster and node group are prefixed with
// stack so that two stacks never collide in one account.
func Build(cfg *config.Cluster, stack string) (*Topology, error) {
	if stack == "" {
		return nil, errors.New("stack name must not be empty")
	}
	t := &Topology{
		Stack:     stack,
		Vpc:       cfg.Vpc.Name,
		Cluster:   cfg.Eks.Name,
		NodeGroup: cfg.Eks.NodeGroup.Name,
		Graph:     graph.New[Resource](),
	}

	if err := t.network(&cfg.Vpc); err != nil {
		return nil, err
	}
	clusterPolicies, err := t.role(cfg.Eks.Role, eksService)
	if err != nil {
		return nil, err
	}
	nodePolicies, err := t.role(cfg.Eks.NodeGroup.Role, ec2Service)
	if err != nil {
		return nil, err
	}

	err = t.add(Resource{
		Name:      cfg.Eks.Name,
		Refs:      append([]string{cfg.Eks.Role.Name}, t.Subnets...),
		DependsOn: clusterPolicies,
		Spec: &ClusterSpec{
			ClusterName: t.physical(cfg.Eks.Name),
			Version:     cfg.Eks.Version,
			Role:        cfg.Eks.Role.Name,
			Subnets:     t.Subnets,
		},
	})
	if err != nil {
		return nil, err
	}

	ng := cfg.Eks.NodeGroup
	err = t.add(Resource{
		Name:      ng.Name,
		Refs:      append([]string{cfg.Eks.Name, ng.Role.Name}, t.Subnets...),
		DependsOn: nodePolicies,
		Spec: &NodeGroupSpec{
			NodeGroupName: t.physical(ng.Name),
			Cluster:       cfg.Eks.Name,
			Role:          ng.Role.Name,
			Subnets:       t.Subnets,
			Scaling: ScalingSpec{
				MinSize:     ng.MinSize,
				DesiredSize: ng.DesiredSize,
				MaxSize:     ng.MaxSize,
			},
			MaxUnavailable: ng.MaxUnavailable,
			InstanceTypes:  ng.InstanceTypes,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := t.Graph.Validate(); err != nil {
		return nil, errors.Wrap(err, "topology")
	}
	return t, nil
}

func (t *Topology) network(v *config.Vpc) error {
	err := t.add(Resource{
		Name: v.Name,
		Spec: &VpcSpec{CidrBlock: v.CidrBlock, Tenancy: v.Tenancy},
	})
	if err != nil {
		return err
	}

	mapPublicIP := v.MapPublicIPOnLaunch != nil && *v.MapPublicIPOnLaunch
	for _, s := range v.Subnets {
		err := t.add(Resource{
			Name: s.Name,
			Refs: []string{v.Name},
			Spec: &SubnetSpec{
				Vpc:                 v.Name,
				CidrBlock:           s.CidrBlock,
				AvailabilityZone:    s.Az,
				MapPublicIPOnLaunch: mapPublicIP,
			},
		})
		if err != nil {
			return err
		}
		t.Subnets = append(t.Subnets, s.Name)
	}

	err = t.add(Resource{
		Name: v.InternetGateway,
		Refs: []string{v.Name},
		Spec: &InternetGatewaySpec{Vpc: v.Name},
	})
	if err != nil {
		return err
	}

	err = t.add(Resource{
		Name: v.RouteTable,
		Refs: []string{v.Name, v.InternetGateway},
		Spec: &RouteTableSpec{
			Vpc: v.Name,
			Routes: []Route{
				{CidrBlock: "0.0.0.0/0", Gateway: v.InternetGateway},
				{Ipv6CidrBlock: "::/0", Gateway: v.InternetGateway},
			},
		},
	})
	if err != nil {
		return err
	}

	for _, s := range v.Subnets {
		err := t.add(Resource{
			Name: s.Association,
			Refs: []string{s.Name, v.RouteTable},
			Spec: &RouteTableAssociationSpec{Subnet: s.Name, RouteTable: v.RouteTable},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// role declares an assumable role and one attachment per policy, returning
// the attachment names.
func (t *Topology) role(r config.Role, service string) ([]string, error) {
	err := t.add(Resource{
		Name: r.Name,
		Spec: &RoleSpec{RoleName: t.physical(r.Name), Service: service},
	})
	if err != nil {
		return nil, err
	}

	attachments := make([]string, 0, len(r.Policies))
	for _, arn := range r.Policies {
		name := config.AttachmentName(r.Name, arn)
		err := t.add(Resource{
			Name: name,
			Refs: []string{r.Name},
			Spec: &RolePolicyAttachmentSpec{Role: r.Name, PolicyArn: arn},
		})
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, name)
	}
	return attachments, nil
}

func (t *Topology) add(r Resource) error {
	r.Kind = r.Spec.kind()
	deps := append(append([]string(nil), r.Refs...), r.DependsOn...)
	return t.Graph.Add(r.Name, r, deps...)
}

func (t *Topology) physical(name string) string {
	return t.Stack + "-" + name
}

// Resources returns every declaration in creation order.
func (t *Topology) Resources() ([]Resource, error) {
	order, err := t.Graph.Sort()
	if err != nil {
		return nil, err
	}
	out := make([]Resource, 0, len(order))
	for _, name := range order {
		r, _ := t.Graph.Get(name)
		out = append(out, r)
	}
	return out, nil
}

// Names returns the declarations of kind k in insertion order.
func (t *Topology) Names(k Kind) []string {
	var out []string
	for _, name := range t.Graph.Names() {
		if r, _ := t.Graph.Get(name); r.Kind == k {
			out = append(out, name)
		}
	}
	return out
}

// Tags returns the tags every taggable resource carries.
func (t *Topology) Tags(name string) map[string]string {
	return map[string]string{
		"Name":  name,
		"Stack": t.Stack,
	}
}
