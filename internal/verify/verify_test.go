package verify

import (
	"context"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zikster3262/pulumi-eks/internal/config"
	"github.com/zikster3262/pulumi-eks/internal/graph"
	"github.com/zikster3262/pulumi-eks/internal/topology"
)

const doc = `
vpc:
  subnets:
    - name: public-sub-1
      cidr_block: 10.1.1.0/24
      az: us-west-2a
    - name: public-sub-2
      cidr_block: 10.1.2.0/24
      az: us-west-2b
`

func nameFilter(filters []ec2types.Filter) string {
	for _, f := range filters {
		if aws.ToString(f.Name) == "tag:Name" && len(f.Values) > 0 {
			return f.Values[0]
		}
	}
	return ""
}

type fakeEC2 struct {
	vpcs    map[string]ec2types.Vpc
	subnets map[string]ec2types.Subnet
	igws    map[string]ec2types.InternetGateway
	tables  map[string]ec2types.RouteTable
}

func (f *fakeEC2) DescribeVpcs(_ context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	out := &ec2.DescribeVpcsOutput{}
	if v, ok := f.vpcs[nameFilter(in.Filters)]; ok {
		out.Vpcs = append(out.Vpcs, v)
	}
	return out, nil
}

func (f *fakeEC2) DescribeSubnets(_ context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	out := &ec2.DescribeSubnetsOutput{}
	if s, ok := f.subnets[nameFilter(in.Filters)]; ok {
		out.Subnets = append(out.Subnets, s)
	}
	return out, nil
}

func (f *fakeEC2) DescribeInternetGateways(_ context.Context, in *ec2.DescribeInternetGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	out := &ec2.DescribeInternetGatewaysOutput{}
	if g, ok := f.igws[nameFilter(in.Filters)]; ok {
		out.InternetGateways = append(out.InternetGateways, g)
	}
	return out, nil
}

func (f *fakeEC2) DescribeRouteTables(_ context.Context, in *ec2.DescribeRouteTablesInput, _ ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	out := &ec2.DescribeRouteTablesOutput{}
	for name, t := range f.tables {
		if name == nameFilter(in.Filters) || (len(in.RouteTableIds) > 0 && in.RouteTableIds[0] == aws.ToString(t.RouteTableId)) {
			out.RouteTables = append(out.RouteTables, t)
		}
	}
	return out, nil
}

type fakeIAM struct {
	mu       sync.Mutex
	roles    map[string]iamtypes.Role
	attached map[string][]iamtypes.AttachedPolicy
	// hidden counts how many more GetRole calls report the role missing.
	hidden map[string]int
}

func (f *fakeIAM) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.RoleName)
	if f.hidden[name] > 0 {
		f.hidden[name]--
		return nil, &iamtypes.NoSuchEntityException{Message: aws.String("role not found")}
	}
	r, ok := f.roles[name]
	if !ok {
		return nil, &iamtypes.NoSuchEntityException{Message: aws.String("role not found")}
	}
	return &iam.GetRoleOutput{Role: &r}, nil
}

func (f *fakeIAM) ListAttachedRolePolicies(_ context.Context, in *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	return &iam.ListAttachedRolePoliciesOutput{AttachedPolicies: f.attached[aws.ToString(in.RoleName)]}, nil
}

type fakeEKS struct {
	cluster   *ekstypes.Cluster
	nodegroup *ekstypes.Nodegroup
}

func (f *fakeEKS) DescribeCluster(_ context.Context, in *eks.DescribeClusterInput, _ ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
	if f.cluster == nil || aws.ToString(f.cluster.Name) != aws.ToString(in.Name) {
		return nil, &ekstypes.ResourceNotFoundException{Message: aws.String("no cluster")}
	}
	return &eks.DescribeClusterOutput{Cluster: f.cluster}, nil
}

func (f *fakeEKS) DescribeNodegroup(_ context.Context, in *eks.DescribeNodegroupInput, _ ...func(*eks.Options)) (*eks.DescribeNodegroupOutput, error) {
	if f.nodegroup == nil || aws.ToString(f.nodegroup.NodegroupName) != aws.ToString(in.NodegroupName) {
		return nil, &ekstypes.ResourceNotFoundException{Message: aws.String("no node group")}
	}
	return &eks.DescribeNodegroupOutput{Nodegroup: f.nodegroup}, nil
}

type fakeSTS struct{}

func (fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil
}

type cloud struct {
	ec2 *fakeEC2
	iam *fakeIAM
	eks *fakeEKS
}

func (c *cloud) clients() *ClientSet {
	return &ClientSet{EC2: c.ec2, IAM: c.iam, EKS: c.eks, STS: fakeSTS{}}
}

func trustPolicy(service string) *string {
	return aws.String(url.QueryEscape((&topology.RoleSpec{Service: service}).TrustPolicy()))
}

// healthyCloud returns live state matching the default topology.
func healthyCloud() *cloud {
	policy := func(arn string) iamtypes.AttachedPolicy {
		return iamtypes.AttachedPolicy{PolicyArn: aws.String(arn), PolicyName: aws.String(config.PolicyName(arn))}
	}
	return &cloud{
		ec2: &fakeEC2{
			vpcs: map[string]ec2types.Vpc{
				"pulumi_vpc": {VpcId: aws.String("vpc-1"), CidrBlock: aws.String("10.1.0.0/16")},
			},
			subnets: map[string]ec2types.Subnet{
				"public-sub-1": {SubnetId: aws.String("subnet-1"), CidrBlock: aws.String("10.1.1.0/24"), AvailabilityZone: aws.String("us-west-2a"), MapPublicIpOnLaunch: aws.Bool(true)},
				"public-sub-2": {SubnetId: aws.String("subnet-2"), CidrBlock: aws.String("10.1.2.0/24"), AvailabilityZone: aws.String("us-west-2b"), MapPublicIpOnLaunch: aws.Bool(true)},
			},
			igws: map[string]ec2types.InternetGateway{
				"igw": {InternetGatewayId: aws.String("igw-1"), Attachments: []ec2types.InternetGatewayAttachment{{VpcId: aws.String("vpc-1")}}},
			},
			tables: map[string]ec2types.RouteTable{
				"public-sub-rtb": {
					RouteTableId: aws.String("rtb-1"),
					Routes: []ec2types.Route{
						{DestinationCidrBlock: aws.String("10.1.0.0/16"), GatewayId: aws.String("local")},
						{DestinationCidrBlock: aws.String("0.0.0.0/0"), GatewayId: aws.String("igw-1")},
						{DestinationIpv6CidrBlock: aws.String("::/0"), GatewayId: aws.String("igw-1")},
					},
					Associations: []ec2types.RouteTableAssociation{
						{RouteTableAssociationId: aws.String("rtbassoc-1"), SubnetId: aws.String("subnet-1")},
						{RouteTableAssociationId: aws.String("rtbassoc-2"), SubnetId: aws.String("subnet-2")},
					},
				},
			},
		},
		iam: &fakeIAM{
			roles: map[string]iamtypes.Role{
				"dev-eksRole":       {Arn: aws.String("arn:aws:iam::123456789012:role/dev-eksRole"), AssumeRolePolicyDocument: trustPolicy("eks.amazonaws.com")},
				"dev-nodeGroupRole": {Arn: aws.String("arn:aws:iam::123456789012:role/dev-nodeGroupRole"), AssumeRolePolicyDocument: trustPolicy("ec2.amazonaws.com")},
			},
			attached: map[string][]iamtypes.AttachedPolicy{
				"dev-eksRole": {policy(config.EKSClusterPolicy), policy(config.EKSVPCResourceController)},
				"dev-nodeGroupRole": {
					policy(config.EKSWorkerNodePolicy),
					policy(config.EKSCNIPolicy),
					policy(config.EC2ContainerRegistryReadOnlyPolicy),
				},
			},
			hidden: map[string]int{},
		},
		eks: &fakeEKS{
			cluster: &ekstypes.Cluster{
				Name:               aws.String("dev-pulumi_cluster"),
				Arn:                aws.String("arn:aws:eks:us-west-2:123456789012:cluster/dev-pulumi_cluster"),
				Status:             ekstypes.ClusterStatusActive,
				RoleArn:            aws.String("arn:aws:iam::123456789012:role/dev-eksRole"),
				ResourcesVpcConfig: &ekstypes.VpcConfigResponse{SubnetIds: []string{"subnet-1", "subnet-2"}},
			},
			nodegroup: &ekstypes.Nodegroup{
				NodegroupName: aws.String("dev-my_nodeGroup"),
				NodegroupArn:  aws.String("arn:aws:eks:us-west-2:123456789012:nodegroup/dev-pulumi_cluster/dev-my_nodeGroup"),
				Status:        ekstypes.NodegroupStatusActive,
				ScalingConfig: &ekstypes.NodegroupScalingConfig{MinSize: aws.Int32(1), DesiredSize: aws.Int32(1), MaxSize: aws.Int32(2)},
				UpdateConfig:  &ekstypes.NodegroupUpdateConfig{MaxUnavailable: aws.Int32(1)},
			},
		},
	}
}

func newVerifier(t *testing.T, c *cloud) *Verifier {
	t.Helper()
	cfg, err := config.Decode(strings.NewReader(doc))
	require.NoError(t, err)
	require.NoError(t, cfg.Complete())
	topo, err := topology.Build(cfg, "dev")
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(c.clients(), topo, log)
}

func TestRunHealthyStack(t *testing.T) {
	v := newVerifier(t, healthyCloud())

	require.NoError(t, v.Run(context.Background()))

	for name, want := range map[string]string{
		"pulumi_vpc":   "vpc-1",
		"public-sub-2": "subnet-2",
		"rtb-asoc-1":   "rtbassoc-1",
		"eksRole":      "arn:aws:iam::123456789012:role/dev-eksRole",
		"my_nodeGroup": "arn:aws:eks:us-west-2:123456789012:nodegroup/dev-pulumi_cluster/dev-my_nodeGroup",
	} {
		got, ok := v.ID(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got)
	}
}

func TestRunRetriesWhileRoleIsPropagating(t *testing.T) {
	c := healthyCloud()
	c.iam.hidden["dev-nodeGroupRole"] = 2
	v := newVerifier(t, c)

	err := v.Run(context.Background(),
		graph.WithConsistencyWindow(5*time.Second),
		graph.WithRetryInterval(time.Millisecond),
	)
	require.NoError(t, err)
	assert.Zero(t, c.iam.hidden["dev-nodeGroupRole"])
}

func TestRunReportsPendingCluster(t *testing.T) {
	c := healthyCloud()
	c.eks.cluster.Status = ekstypes.ClusterStatusCreating
	v := newVerifier(t, c)

	err := v.Run(context.Background())
	var depErr *graph.DependencyError
	require.True(t, errors.As(err, &depErr), "got %v", err)
	assert.Equal(t, "pulumi_cluster", depErr.Resource)
	_, ok := v.ID("my_nodeGroup")
	assert.False(t, ok)
}

func TestRunDetectsDrift(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*cloud)
		want   string
	}{
		{
			name: "subnet zone",
			mutate: func(c *cloud) {
				s := c.ec2.subnets["public-sub-1"]
				s.AvailabilityZone = aws.String("us-west-2c")
				c.ec2.subnets["public-sub-1"] = s
			},
			want: "zone is us-west-2c",
		},
		{
			name: "trust policy",
			mutate: func(c *cloud) {
				r := c.iam.roles["dev-eksRole"]
				r.AssumeRolePolicyDocument = trustPolicy("lambda.amazonaws.com")
				c.iam.roles["dev-eksRole"] = r
			},
			want: "trust policy does not allow eks.amazonaws.com to assume the role",
		},
		{
			name: "trust policy denies the service",
			mutate: func(c *cloud) {
				r := c.iam.roles["dev-eksRole"]
				doc := `{"Statement":[{"Effect":"Deny","Principal":{"Service":"eks.amazonaws.com"},"Action":"sts:AssumeRole"}]}`
				r.AssumeRolePolicyDocument = aws.String(url.QueryEscape(doc))
				c.iam.roles["dev-eksRole"] = r
			},
			want: "trust policy does not allow eks.amazonaws.com to assume the role",
		},
		{
			name: "trust policy grants another action",
			mutate: func(c *cloud) {
				r := c.iam.roles["dev-nodeGroupRole"]
				doc := `{"Statement":[{"Effect":"Allow","Principal":{"Service":"ec2.amazonaws.com"},"Action":"sts:TagSession"}]}`
				r.AssumeRolePolicyDocument = aws.String(url.QueryEscape(doc))
				c.iam.roles["dev-nodeGroupRole"] = r
			},
			want: "trust policy does not allow ec2.amazonaws.com to assume the role",
		},
		{
			name: "cluster subnet missing",
			mutate: func(c *cloud) {
				c.eks.cluster.ResourcesVpcConfig.SubnetIds = []string{"subnet-1"}
			},
			want: "cluster subnets are [subnet-1], declared [subnet-1 subnet-2]",
		},
		{
			name: "cluster subnets reordered",
			mutate: func(c *cloud) {
				c.eks.cluster.ResourcesVpcConfig.SubnetIds = []string{"subnet-2", "subnet-1"}
			},
			want: "cluster subnets are [subnet-2 subnet-1], declared [subnet-1 subnet-2]",
		},
		{
			name: "extra cluster subnet",
			mutate: func(c *cloud) {
				c.eks.cluster.ResourcesVpcConfig.SubnetIds = []string{"subnet-1", "subnet-2", "subnet-9"}
			},
			want: "cluster subnets are [subnet-1 subnet-2 subnet-9]",
		},
		{
			name: "node group scaling",
			mutate: func(c *cloud) {
				c.eks.nodegroup.ScalingConfig.MaxSize = aws.Int32(5)
			},
			want: "scaling is [1 1 5]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := healthyCloud()
			tt.mutate(c)

			err := newVerifier(t, c).Run(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunMissingIPv6Route(t *testing.T) {
	c := healthyCloud()
	rt := c.ec2.tables["public-sub-rtb"]
	rt.Routes = rt.Routes[:2]
	c.ec2.tables["public-sub-rtb"] = rt

	err := newVerifier(t, c).Run(context.Background())
	var depErr *graph.DependencyError
	require.True(t, errors.As(err, &depErr), "got %v", err)
	assert.Equal(t, "public-sub-rtb", depErr.Resource)
	assert.Contains(t, depErr.Missing, "::/0")
}
