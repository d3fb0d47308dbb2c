// Package verify checks a deployed topology against live AWS state.
package verify

import (
	"context"
	"net/url"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zikster3262/pulumi-eks/internal/graph"
	"github.com/zikster3262/pulumi-eks/internal/topology"
)

// Verifier walks a topology in dependency order and checks every resource
// exists and is ready. Resources that are not visible yet are reported as
// graph.DependencyError so the executor retries them.
type Verifier struct {
	clients *ClientSet
	topo    *topology.Topology
	log     logrus.FieldLogger

	mu  sync.Mutex
	ids map[string]string
}

// New returns a Verifier for topo.
func New(clients *ClientSet, topo *topology.Topology, log logrus.FieldLogger) *Verifier {
	return &Verifier{
		clients: clients,
		topo:    topo,
		log:     log,
		ids:     map[string]string{},
	}
}

// Run checks every declaration of the topology.
func (v *Verifier) Run(ctx context.Context, opts ...graph.Option) error {
	identity, err := v.clients.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return errors.Wrap(err, "resolve caller identity")
	}
	v.log.WithField("account", aws.ToString(identity.Account)).Info("verifying stack ", v.topo.Stack)

	opts = append([]graph.Option{graph.WithLogger(v.log)}, opts...)
	done, err := graph.NewExecutor(v.topo.Graph, opts...).Walk(ctx, v.Check)
	if err != nil {
		return errors.Wrapf(err, "verified %d of %d resources", len(done), v.topo.Graph.Len())
	}
	v.log.Infof("all %d resources verified", len(done))
	return nil
}

// ID returns the cloud identifier recorded for a verified declaration.
func (v *Verifier) ID(name string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.ids[name]
	return id, ok
}

// Check verifies a single declaration. Its dependencies must have been
// checked before.
func (v *Verifier) Check(ctx context.Context, name string, r topology.Resource) error {
	var (
		id  string
		err error
	)
	switch spec := r.Spec.(type) {
	case *topology.VpcSpec:
		id, err = v.vpc(ctx, name, spec)
	case *topology.SubnetSpec:
		id, err = v.subnet(ctx, name, spec)
	case *topology.InternetGatewaySpec:
		id, err = v.internetGateway(ctx, name, spec)
	case *topology.RouteTableSpec:
		id, err = v.routeTable(ctx, name, spec)
	case *topology.RouteTableAssociationSpec:
		id, err = v.association(ctx, name, spec)
	case *topology.RoleSpec:
		id, err = v.role(ctx, name, spec)
	case *topology.RolePolicyAttachmentSpec:
		id, err = v.attachment(ctx, name, spec)
	case *topology.ClusterSpec:
		id, err = v.cluster(ctx, name, spec)
	case *topology.NodeGroupSpec:
		id, err = v.nodeGroup(ctx, name, spec)
	default:
		return errors.Errorf("%s: unsupported resource kind %s", name, r.Kind)
	}
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.ids[name] = id
	v.mu.Unlock()
	v.log.WithFields(logrus.Fields{"resource": name, "kind": r.Kind, "id": id}).Info("verified")
	return nil
}

func notVisible(name, what string, err error) error {
	return &graph.DependencyError{Resource: name, Missing: what, Err: err}
}

func (v *Verifier) idOf(from, name string) (string, error) {
	id, ok := v.ID(name)
	if !ok {
		return "", &graph.DependencyError{Resource: from, Missing: name}
	}
	return id, nil
}

func (v *Verifier) tagFilters(name string) []ec2types.Filter {
	var filters []ec2types.Filter
	for k, val := range v.topo.Tags(name) {
		filters = append(filters, ec2types.Filter{Name: aws.String("tag:" + k), Values: []string{val}})
	}
	return filters
}

func vpcFilter(vpcID string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String("vpc-id"), Values: []string{vpcID}}
}

func (v *Verifier) vpc(ctx context.Context, name string, spec *topology.VpcSpec) (string, error) {
	out, err := v.clients.EC2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{Filters: v.tagFilters(name)})
	if err != nil {
		return "", errors.Wrapf(err, "%s: describe VPCs", name)
	}
	if len(out.Vpcs) == 0 {
		return "", notVisible(name, "vpc", nil)
	}
	vpc := out.Vpcs[0]
	if got := aws.ToString(vpc.CidrBlock); got != spec.CidrBlock {
		return "", errors.Errorf("%s: cidr block is %s, declared %s", name, got, spec.CidrBlock)
	}
	return aws.ToString(vpc.VpcId), nil
}

func (v *Verifier) subnet(ctx context.Context, name string, spec *topology.SubnetSpec) (string, error) {
	vpcID, err := v.idOf(name, spec.Vpc)
	if err != nil {
		return "", err
	}
	out, err := v.clients.EC2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: append(v.tagFilters(name), vpcFilter(vpcID)),
	})
	if err != nil {
		return "", errors.Wrapf(err, "%s: describe subnets", name)
	}
	if len(out.Subnets) == 0 {
		return "", notVisible(name, "subnet", nil)
	}
	s := out.Subnets[0]
	switch {
	case aws.ToString(s.AvailabilityZone) != spec.AvailabilityZone:
		return "", errors.Errorf("%s: zone is %s, declared %s", name, aws.ToString(s.AvailabilityZone), spec.AvailabilityZone)
	case aws.ToString(s.CidrBlock) != spec.CidrBlock:
		return "", errors.Errorf("%s: cidr block is %s, declared %s", name, aws.ToString(s.CidrBlock), spec.CidrBlock)
	case aws.ToBool(s.MapPublicIpOnLaunch) != spec.MapPublicIPOnLaunch:
		return "", errors.Errorf("%s: map_public_ip_on_launch is %t, declared %t", name, aws.ToBool(s.MapPublicIpOnLaunch), spec.MapPublicIPOnLaunch)
	}
	return aws.ToString(s.SubnetId), nil
}

func (v *Verifier) internetGateway(ctx context.Context, name string, spec *topology.InternetGatewaySpec) (string, error) {
	vpcID, err := v.idOf(name, spec.Vpc)
	if err != nil {
		return "", err
	}
	out, err := v.clients.EC2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: v.tagFilters(name),
	})
	if err != nil {
		return "", errors.Wrapf(err, "%s: describe internet gateways", name)
	}
	if len(out.InternetGateways) == 0 {
		return "", notVisible(name, "internet gateway", nil)
	}
	igw := out.InternetGateways[0]
	for _, a := range igw.Attachments {
		if aws.ToString(a.VpcId) == vpcID {
			return aws.ToString(igw.InternetGatewayId), nil
		}
	}
	return "", notVisible(name, "attachment to "+vpcID, nil)
}

func (v *Verifier) routeTable(ctx context.Context, name string, spec *topology.RouteTableSpec) (string, error) {
	vpcID, err := v.idOf(name, spec.Vpc)
	if err != nil {
		return "", err
	}
	out, err := v.clients.EC2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: append(v.tagFilters(name), vpcFilter(vpcID)),
	})
	if err != nil {
		return "", errors.Wrapf(err, "%s: describe route tables", name)
	}
	if len(out.RouteTables) == 0 {
		return "", notVisible(name, "route table", nil)
	}
	table := out.RouteTables[0]

	for _, want := range spec.Routes {
		gatewayID, err := v.idOf(name, want.Gateway)
		if err != nil {
			return "", err
		}
		if !hasRoute(table.Routes, want, gatewayID) {
			dest := want.CidrBlock + want.Ipv6CidrBlock
			return "", notVisible(name, "route "+dest+" via "+gatewayID, nil)
		}
	}

	return aws.ToString(table.RouteTableId), nil
}

func hasRoute(routes []ec2types.Route, want topology.Route, gatewayID string) bool {
	for _, r := range routes {
		if aws.ToString(r.GatewayId) != gatewayID {
			continue
		}
		if want.CidrBlock != "" && aws.ToString(r.DestinationCidrBlock) == want.CidrBlock {
			return true
		}
		if want.Ipv6CidrBlock != "" && aws.ToString(r.DestinationIpv6CidrBlock) == want.Ipv6CidrBlock {
			return true
		}
	}
	return false
}

func (v *Verifier) association(ctx context.Context, name string, spec *topology.RouteTableAssociationSpec) (string, error) {
	subnetID, err := v.idOf(name, spec.Subnet)
	if err != nil {
		return "", err
	}
	tableID, err := v.idOf(name, spec.RouteTable)
	if err != nil {
		return "", err
	}
	out, err := v.clients.EC2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		RouteTableIds: []string{tableID},
	})
	if err != nil {
		return "", errors.Wrapf(err, "%s: describe route table %s", name, tableID)
	}
	for _, table := range out.RouteTables {
		for _, a := range table.Associations {
			if aws.ToString(a.SubnetId) == subnetID {
				return aws.ToString(a.RouteTableAssociationId), nil
			}
		}
	}
	return "", notVisible(name, "association of "+subnetID, nil)
}

func (v *Verifier) role(ctx context.Context, name string, spec *topology.RoleSpec) (string, error) {
	out, err := v.clients.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(spec.RoleName)})
	if err != nil {
		var nse *iamtypes.NoSuchEntityException
		if errors.As(err, &nse) {
			return "", notVisible(name, "role "+spec.RoleName, err)
		}
		return "", errors.Wrapf(err, "%s: get role", name)
	}

	doc, err := url.QueryUnescape(aws.ToString(out.Role.AssumeRolePolicyDocument))
	if err != nil {
		return "", errors.Wrapf(err, "%s: decode trust policy", name)
	}
	trusted, err := spec.Trusts(doc)
	if err != nil {
		return "", errors.Wrapf(err, "%s: parse trust policy", name)
	}
	if !trusted {
		return "", errors.Errorf("%s: trust policy does not allow %s to assume the role", name, spec.Service)
	}
	return aws.ToString(out.Role.Arn), nil
}

func (v *Verifier) attachment(ctx context.Context, name string, spec *topology.RolePolicyAttachmentSpec) (string, error) {
	role, ok := v.topo.Graph.Get(spec.Role)
	if !ok {
		return "", &graph.DependencyError{Resource: name, Missing: spec.Role}
	}
	roleName := role.Spec.(*topology.RoleSpec).RoleName

	out, err := v.clients.IAM.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{
		RoleName: aws.String(roleName),
	})
	if err != nil {
		return "", errors.Wrapf(err, "%s: list attached policies of %s", name, roleName)
	}
	for _, p := range out.AttachedPolicies {
		if aws.ToString(p.PolicyArn) == spec.PolicyArn {
			return roleName + "/" + aws.ToString(p.PolicyName), nil
		}
	}
	return "", notVisible(name, spec.PolicyArn, nil)
}

func (v *Verifier) cluster(ctx context.Context, name string, spec *topology.ClusterSpec) (string, error) {
	roleArn, err := v.idOf(name, spec.Role)
	if err != nil {
		return "", err
	}
	out, err := v.clients.EKS.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(spec.ClusterName)})
	if err != nil {
		var nf *ekstypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", notVisible(name, "cluster "+spec.ClusterName, err)
		}
		return "", errors.Wrapf(err, "%s: describe cluster", name)
	}

	c := out.Cluster
	switch c.Status {
	case ekstypes.ClusterStatusActive:
	case ekstypes.ClusterStatusFailed:
		return "", errors.Errorf("%s: cluster %s failed", name, spec.ClusterName)
	default:
		return "", notVisible(name, "cluster status ACTIVE (is "+string(c.Status)+")", nil)
	}
	if got := aws.ToString(c.RoleArn); got != roleArn {
		return "", errors.Errorf("%s: cluster role is %s, declared %s", name, got, roleArn)
	}

	var attached []string
	if c.ResourcesVpcConfig != nil {
		attached = c.ResourcesVpcConfig.SubnetIds
	}
	want := make([]string, 0, len(spec.Subnets))
	for _, subnet := range spec.Subnets {
		id, err := v.idOf(name, subnet)
		if err != nil {
			return "", err
		}
		want = append(want, id)
	}
	if !slices.Equal(attached, want) {
		return "", errors.Errorf("%s: cluster subnets are %v, declared %v", name, attached, want)
	}
	return aws.ToString(c.Arn), nil
}

func (v *Verifier) nodeGroup(ctx context.Context, name string, spec *topology.NodeGroupSpec) (string, error) {
	cluster, ok := v.topo.Graph.Get(spec.Cluster)
	if !ok {
		return "", &graph.DependencyError{Resource: name, Missing: spec.Cluster}
	}
	clusterName := cluster.Spec.(*topology.ClusterSpec).ClusterName

	out, err := v.clients.EKS.DescribeNodegroup(ctx, &eks.DescribeNodegroupInput{
		ClusterName:   aws.String(clusterName),
		NodegroupName: aws.String(spec.NodeGroupName),
	})
	if err != nil {
		var nf *ekstypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", notVisible(name, "node group "+spec.NodeGroupName, err)
		}
		return "", errors.Wrapf(err, "%s: describe node group", name)
	}

	ng := out.Nodegroup
	if ng.Status != ekstypes.NodegroupStatusActive {
		return "", notVisible(name, "node group status ACTIVE (is "+string(ng.Status)+")", nil)
	}
	if sc := ng.ScalingConfig; sc != nil {
		got := [3]int{int(aws.ToInt32(sc.MinSize)), int(aws.ToInt32(sc.DesiredSize)), int(aws.ToInt32(sc.MaxSize))}
		want := [3]int{spec.Scaling.MinSize, spec.Scaling.DesiredSize, spec.Scaling.MaxSize}
		if got != want {
			return "", errors.Errorf("%s: scaling is %v, declared %v", name, got, want)
		}
	}
	if uc := ng.UpdateConfig; uc != nil && uc.MaxUnavailable != nil && int(*uc.MaxUnavailable) != spec.MaxUnavailable {
		return "", errors.Errorf("%s: max unavailable is %d, declared %d", name, *uc.MaxUnavailable, spec.MaxUnavailable)
	}
	return aws.ToString(ng.NodegroupArn), nil
}
