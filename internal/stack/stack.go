// Package stack registers the cluster topology with the Pulumi engine.
package stack

import (
	"github.com/pkg/errors"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/eks"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/sirupsen/logrus"

	"github.com/zikster3262/pulumi-eks/internal/config"
	"github.com/zikster3262/pulumi-eks/internal/graph"
	"github.com/zikster3262/pulumi-eks/internal/kubeconfig"
	"github.com/zikster3262/pulumi-eks/internal/topology"
)

// Stack declares every resource of a topology in dependency order.
type Stack struct {
	cfg  *config.Cluster
	topo *topology.Topology
	log  logrus.FieldLogger

	opts       []pulumi.ResourceOption
	all        map[string]pulumi.Resource
	vpcs       map[string]*ec2.Vpc
	subnets    map[string]*ec2.Subnet
	gateways   map[string]*ec2.InternetGateway
	tables     map[string]*ec2.RouteTable
	roles      map[string]*iam.Role
	clusters   map[string]*eks.Cluster
	nodeGroups map[string]*eks.NodeGroup
}

// Outputs are the values the stack exports.
type Outputs struct {
	VpcID                    pulumi.IDOutput
	SubnetIDs                pulumi.StringArrayOutput
	Cluster                  *eks.Cluster
	NodeGroup                *eks.NodeGroup
	Endpoint                 pulumi.StringOutput
	CertificateAuthorityData pulumi.StringOutput
	Kubeconfig               pulumi.StringOutput
}

// New returns a Stack for topo.
func New(cfg *config.Cluster, topo *topology.Topology, log logrus.FieldLogger) *Stack {
	return &Stack{cfg: cfg, topo: topo, log: log}
}

// Run is the Pulumi program: it deploys the topology and exports its outputs.
func (s *Stack) Run(ctx *pulumi.Context) error {
	out, err := s.Deploy(ctx)
	if err != nil {
		return err
	}

	ctx.Export("endpoint", out.Endpoint)
	ctx.Export("kubeconfig_certificate_authority_data", out.CertificateAuthorityData)
	ctx.Export("cluster_name", out.Cluster.Name)
	ctx.Export("vpc_id", out.VpcID)
	ctx.Export("subnet_ids", out.SubnetIDs)
	ctx.Export("kubeconfig", pulumi.ToSecret(out.Kubeconfig))
	return nil
}

// Deploy registers every declaration of the topology.
func (s *Stack) Deploy(ctx *pulumi.Context) (*Outputs, error) {
	s.all = map[string]pulumi.Resource{}
	s.vpcs = map[string]*ec2.Vpc{}
	s.subnets = map[string]*ec2.Subnet{}
	s.gateways = map[string]*ec2.InternetGateway{}
	s.tables = map[string]*ec2.RouteTable{}
	s.roles = map[string]*iam.Role{}
	s.clusters = map[string]*eks.Cluster{}
	s.nodeGroups = map[string]*eks.NodeGroup{}
	s.opts = nil

	if s.cfg.Region != "" {
		provider, err := aws.NewProvider(ctx, "aws-"+s.cfg.Region, &aws.ProviderArgs{
			Region: pulumi.String(s.cfg.Region),
		})
		if err != nil {
			return nil, err
		}
		s.opts = append(s.opts, pulumi.Provider(provider))
	}

	resources, err := s.topo.Resources()
	if err != nil {
		return nil, err
	}
	for _, r := range resources {
		res, err := s.declare(ctx, r)
		if err != nil {
			return nil, errors.Wrapf(err, "declare %s %s", r.Kind, r.Name)
		}
		s.all[r.Name] = res
		s.log.WithFields(logrus.Fields{"resource": r.Name, "kind": r.Kind}).Debug("declared")
	}

	out, err := s.outputs()
	if err != nil {
		return nil, err
	}
	if err := s.workloads(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Stack) declare(ctx *pulumi.Context, r topology.Resource) (pulumi.Resource, error) {
	opts, err := s.options(r)
	if err != nil {
		return nil, err
	}

	switch spec := r.Spec.(type) {
	case *topology.VpcSpec:
		vpc, err := ec2.NewVpc(ctx, r.Name, &ec2.VpcArgs{
			CidrBlock:       pulumi.String(spec.CidrBlock),
			InstanceTenancy: pulumi.String(spec.Tenancy),
			Tags:            s.tags(r.Name),
		}, opts...)
		if err != nil {
			return nil, err
		}
		s.vpcs[r.Name] = vpc
		return vpc, nil

	case *topology.SubnetSpec:
		vpc, err := lookup(s.vpcs, r.Name, spec.Vpc)
		if err != nil {
			return nil, err
		}
		subnet, err := ec2.NewSubnet(ctx, r.Name, &ec2.SubnetArgs{
			VpcId:               vpc.ID().ToStringOutput(),
			CidrBlock:           pulumi.String(spec.CidrBlock),
			AvailabilityZone:    pulumi.String(spec.AvailabilityZone),
			MapPublicIpOnLaunch: pulumi.Bool(spec.MapPublicIPOnLaunch),
			Tags:                s.tags(r.Name),
		}, opts...)
		if err != nil {
			return nil, err
		}
		s.subnets[r.Name] = subnet
		return subnet, nil

	case *topology.InternetGatewaySpec:
		vpc, err := lookup(s.vpcs, r.Name, spec.Vpc)
		if err != nil {
			return nil, err
		}
		igw, err := ec2.NewInternetGateway(ctx, r.Name, &ec2.InternetGatewayArgs{
			VpcId: vpc.ID().ToStringOutput(),
			Tags:  s.tags(r.Name),
		}, opts...)
		if err != nil {
			return nil, err
		}
		s.gateways[r.Name] = igw
		return igw, nil

	case *topology.RouteTableSpec:
		return s.routeTable(ctx, r.Name, spec, opts)

	case *topology.RouteTableAssociationSpec:
		subnet, err := lookup(s.subnets, r.Name, spec.Subnet)
		if err != nil {
			return nil, err
		}
		table, err := lookup(s.tables, r.Name, spec.RouteTable)
		if err != nil {
			return nil, err
		}
		return ec2.NewRouteTableAssociation(ctx, r.Name, &ec2.RouteTableAssociationArgs{
			SubnetId:     subnet.ID().ToStringOutput(),
			RouteTableId: table.ID().ToStringOutput(),
		}, opts...)

	case *topology.RoleSpec:
		role, err := iam.NewRole(ctx, r.Name, &iam.RoleArgs{
			Name:             pulumi.String(spec.RoleName),
			AssumeRolePolicy: pulumi.String(spec.TrustPolicy()),
			Tags:             s.tags(r.Name),
		}, opts...)
		if err != nil {
			return nil, err
		}
		s.roles[r.Name] = role
		return role, nil

	case *topology.RolePolicyAttachmentSpec:
		role, err := lookup(s.roles, r.Name, spec.Role)
		if err != nil {
			return nil, err
		}
		return iam.NewRolePolicyAttachment(ctx, r.Name, &iam.RolePolicyAttachmentArgs{
			PolicyArn: pulumi.String(spec.PolicyArn),
			Role:      role.Name,
		}, opts...)

	case *topology.ClusterSpec:
		return s.cluster(ctx, r.Name, spec, opts)

	case *topology.NodeGroupSpec:
		return s.nodeGroup(ctx, r.Name, spec, opts)

	default:
		return nil, errors.Errorf("unsupported resource kind %s", r.Kind)
	}
}

func (s *Stack) routeTable(ctx *pulumi.Context, name string, spec *topology.RouteTableSpec, opts []pulumi.ResourceOption) (pulumi.Resource, error) {
	vpc, err := lookup(s.vpcs, name, spec.Vpc)
	if err != nil {
		return nil, err
	}

	routes := ec2.RouteTableRouteArray{}
	for _, route := range spec.Routes {
		igw, err := lookup(s.gateways, name, route.Gateway)
		if err != nil {
			return nil, err
		}
		args := &ec2.RouteTableRouteArgs{GatewayId: igw.ID().ToStringOutput()}
		if route.CidrBlock != "" {
			args.CidrBlock = pulumi.String(route.CidrBlock)
		}
		if route.Ipv6CidrBlock != "" {
			args.Ipv6CidrBlock = pulumi.String(route.Ipv6CidrBlock)
		}
		routes = append(routes, args)
	}

	table, err := ec2.NewRouteTable(ctx, name, &ec2.RouteTableArgs{
		VpcId:  vpc.ID().ToStringOutput(),
		Routes: routes,
		Tags:   s.tags(name),
	}, opts...)
	if err != nil {
		return nil, err
	}
	s.tables[name] = table
	return table, nil
}

func (s *Stack) cluster(ctx *pulumi.Context, name string, spec *topology.ClusterSpec, opts []pulumi.ResourceOption) (pulumi.Resource, error) {
	role, err := lookup(s.roles, name, spec.Role)
	if err != nil {
		return nil, err
	}
	subnetIDs, err := s.subnetIDs(name, spec.Subnets)
	if err != nil {
		return nil, err
	}

	args := &eks.ClusterArgs{
		Name:    pulumi.String(spec.ClusterName),
		RoleArn: role.Arn,
		VpcConfig: &eks.ClusterVpcConfigArgs{
			SubnetIds: subnetIDs,
		},
		Tags: s.tags(name),
	}
	if spec.Version != "" {
		args.Version = pulumi.String(spec.Version)
	}

	cluster, err := eks.NewCluster(ctx, name, args, opts...)
	if err != nil {
		return nil, err
	}
	s.clusters[name] = cluster
	return cluster, nil
}

func (s *Stack) nodeGroup(ctx *pulumi.Context, name string, spec *topology.NodeGroupSpec, opts []pulumi.ResourceOption) (pulumi.Resource, error) {
	cluster, err := lookup(s.clusters, name, spec.Cluster)
	if err != nil {
		return nil, err
	}
	role, err := lookup(s.roles, name, spec.Role)
	if err != nil {
		return nil, err
	}
	subnetIDs, err := s.subnetIDs(name, spec.Subnets)
	if err != nil {
		return nil, err
	}

	ng, err := eks.NewNodeGroup(ctx, name, &eks.NodeGroupArgs{
		ClusterName:   cluster.Name,
		NodeGroupName: pulumi.String(spec.NodeGroupName),
		NodeRoleArn:   role.Arn,
		SubnetIds:     subnetIDs,
		ScalingConfig: &eks.NodeGroupScalingConfigArgs{
			DesiredSize: pulumi.Int(spec.Scaling.DesiredSize),
			MaxSize:     pulumi.Int(spec.Scaling.MaxSize),
			MinSize:     pulumi.Int(spec.Scaling.MinSize),
		},
		UpdateConfig: &eks.NodeGroupUpdateConfigArgs{
			MaxUnavailable: pulumi.Int(spec.MaxUnavailable),
		},
		InstanceTypes: pulumi.ToStringArray(spec.InstanceTypes),
		Tags:          s.tags(name),
	}, opts...)
	if err != nil {
		return nil, err
	}
	s.nodeGroups[name] = ng
	return ng, nil
}

// options returns the resource options of r, turning its DependsOn edges into
// explicit Pulumi dependencies.
func (s *Stack) options(r topology.Resource) ([]pulumi.ResourceOption, error) {
	opts := append([]pulumi.ResourceOption(nil), s.opts...)
	if len(r.DependsOn) == 0 {
		return opts, nil
	}
	deps := make([]pulumi.Resource, 0, len(r.DependsOn))
	for _, name := range r.DependsOn {
		dep, err := lookup(s.all, r.Name, name)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return append(opts, pulumi.DependsOn(deps)), nil
}

func (s *Stack) subnetIDs(from string, names []string) (pulumi.StringArray, error) {
	ids := make(pulumi.StringArray, 0, len(names))
	for _, name := range names {
		subnet, err := lookup(s.subnets, from, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, subnet.ID().ToStringOutput())
	}
	return ids, nil
}

func (s *Stack) tags(name string) pulumi.StringMap {
	return pulumi.ToStringMap(s.topo.Tags(name))
}

func (s *Stack) outputs() (*Outputs, error) {
	vpc, err := lookup(s.vpcs, "outputs", s.topo.Vpc)
	if err != nil {
		return nil, err
	}
	cluster, err := lookup(s.clusters, "outputs", s.topo.Cluster)
	if err != nil {
		return nil, err
	}
	ng, err := lookup(s.nodeGroups, "outputs", s.topo.NodeGroup)
	if err != nil {
		return nil, err
	}
	subnetIDs, err := s.subnetIDs("outputs", s.topo.Subnets)
	if err != nil {
		return nil, err
	}

	caData := cluster.CertificateAuthority.Data().Elem()
	region := s.cfg.Region
	kc := pulumi.All(cluster.Name, cluster.Endpoint, caData).ApplyT(func(args []interface{}) (string, error) {
		return kubeconfig.Render(kubeconfig.Params{
			ClusterName: args[0].(string),
			Endpoint:    args[1].(string),
			CAData:      args[2].(string),
			Region:      region,
		})
	}).(pulumi.StringOutput)

	return &Outputs{
		VpcID:                    vpc.ID(),
		SubnetIDs:                subnetIDs.ToStringArrayOutput(),
		Cluster:                  cluster,
		NodeGroup:                ng,
		Endpoint:                 cluster.Endpoint,
		CertificateAuthorityData: caData,
		Kubeconfig:               kc,
	}, nil
}

func lookup[R any](m map[string]R, from, name string) (R, error) {
	r, ok := m[name]
	if !ok {
		var zero R
		return zero, &graph.DependencyError{Resource: from, Missing: name}
	}
	return r, nil
}
