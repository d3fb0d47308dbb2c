package topology

import (
	"encoding/json"
)

// Kind is the provider type token of a declared resource.
type Kind string

const (
	KindVpc                   Kind = "aws:ec2/vpc:Vpc"
	KindSubnet                Kind = "aws:ec2/subnet:Subnet"
	KindInternetGateway       Kind = "aws:ec2/internetGateway:InternetGateway"
	KindRouteTable            Kind = "aws:ec2/routeTable:RouteTable"
	KindRouteTableAssociation Kind = "aws:ec2/routeTableAssociation:RouteTableAssociation"
	KindRole                  Kind = "aws:iam/role:Role"
	KindRolePolicyAttachment  Kind = "aws:iam/rolePolicyAttachment:RolePolicyAttachment"
	KindCluster               Kind = "aws:eks/cluster:Cluster"
	KindNodeGroup             Kind = "aws:eks/nodeGroup:NodeGroup"
)

// Resource is one declaration in the topology. Refs are the declarations
// whose outputs feed this one; DependsOn are ordering edges that carry no
// value.
type Resource struct {
	Name      string
	Kind      Kind
	Refs      []string
	DependsOn []string
	Spec      Spec
}

// Spec is the kind specific part of a Resource.
type Spec interface {
	kind() Kind
}

type VpcSpec struct {
	CidrBlock string
	Tenancy   string
}

type SubnetSpec struct {
	Vpc                 string
	CidrBlock           string
	AvailabilityZone    string
	MapPublicIPOnLaunch bool
}

type InternetGatewaySpec struct {
	Vpc string
}

// Route is a default route entry. Exactly one of CidrBlock and
// Ipv6CidrBlock is set.
type Route struct {
	CidrBlock     string
	Ipv6CidrBlock string
	Gateway       string
}

type RouteTableSpec struct {
	Vpc    string
	Routes []Route
}

type RouteTableAssociationSpec struct {
	Subnet     string
	RouteTable string
}

// RoleSpec is an IAM role assumable by Service.
type RoleSpec struct {
	RoleName string
	Service  string
}

type RolePolicyAttachmentSpec struct {
	Role      string
	PolicyArn string
}

type ClusterSpec struct {
	ClusterName string
	Version     string
	Role        string
	Subnets     []string
}

type ScalingSpec struct {
	MinSize     int
	DesiredSize int
	MaxSize     int
}

type NodeGroupSpec struct {
	NodeGroupName  string
	Cluster        string
	Role           string
	Subnets        []string
	Scaling        ScalingSpec
	MaxUnavailable int
	InstanceTypes  []string
}

func (*VpcSpec) kind() Kind                   { return KindVpc }
func (*SubnetSpec) kind() Kind                { return KindSubnet }
func (*InternetGatewaySpec) kind() Kind       { return KindInternetGateway }
func (*RouteTableSpec) kind() Kind            { return KindRouteTable }
func (*RouteTableAssociationSpec) kind() Kind { return KindRouteTableAssociation }
func (*RoleSpec) kind() Kind                  { return KindRole }
func (*RolePolicyAttachmentSpec) kind() Kind  { return KindRolePolicyAttachment }
func (*ClusterSpec) kind() Kind               { return KindCluster }
func (*NodeGroupSpec) kind() Kind             { return KindNodeGroup }

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal"`
	Action    string            `json:"Action"`
}

// TrustPolicy renders the assume-role policy document for the role.
func (r *RoleSpec) TrustPolicy() string {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: map[string]string{"Service": r.Service},
			Action:    "sts:AssumeRole",
		}},
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

// Trusts reports whether doc allows the role's service to assume it.
func (r *RoleSpec) Trusts(doc string) (bool, error) {
	var got policyDocument
	if err := json.Unmarshal([]byte(doc), &got); err != nil {
		return false, err
	}
	for _, st := range got.Statement {
		if st.Effect == "Allow" && st.Action == "sts:AssumeRole" && st.Principal["Service"] == r.Service {
			return true, nil
		}
	}
	return false, nil
}
