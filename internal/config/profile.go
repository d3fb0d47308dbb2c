package config

import (
	"strings"

	"github.com/pkg/errors"
)

// Profile selects between the two known variants of the topology.
type Profile string

const (
	// ProfilePublic auto-assigns public IPs on subnets and lets the
	// control plane manage pod security groups.
	ProfilePublic Profile = "public"
	// ProfileMinimal keeps subnets private by default and attaches only
	// the cluster policy to the control-plane role.
	ProfileMinimal Profile = "minimal"
)

const policyPrefix = "arn:aws:iam::aws:policy/"

// Managed policies used by the control plane and the worker nodes.
const (
	EKSClusterPolicy                   = policyPrefix + "AmazonEKSClusterPolicy"
	EKSVPCResourceController           = policyPrefix + "AmazonEKSVPCResourceController"
	EKSWorkerNodePolicy                = policyPrefix + "AmazonEKSWorkerNodePolicy"
	EKSCNIPolicy                       = policyPrefix + "AmazonEKS_CNI_Policy"
	EC2ContainerRegistryReadOnlyPolicy = policyPrefix + "AmazonEC2ContainerRegistryReadOnly"
)

// ParseProfile maps a user supplied name onto a Profile. An empty name
// selects ProfilePublic.
func ParseProfile(name string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(name))); p {
	case "":
		return ProfilePublic, nil
	case ProfilePublic, ProfileMinimal:
		return p, nil
	default:
		return "", errors.Errorf("unknown profile %q (want %q or %q)", name, ProfilePublic, ProfileMinimal)
	}
}

func (p Profile) mapPublicIPOnLaunch() bool {
	return p == ProfilePublic
}

func (p Profile) controlPlanePolicies() []string {
	if p == ProfileMinimal {
		return []string{EKSClusterPolicy}
	}
	return []string{EKSClusterPolicy, EKSVPCResourceController}
}

func workerPolicies() []string {
	return []string{
		EKSWorkerNodePolicy,
		EKSCNIPolicy,
		EC2ContainerRegistryReadOnlyPolicy,
	}
}

// PolicyName returns the last path element of a managed policy ARN.
func PolicyName(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

// AttachmentName is the logical name of the attachment of arn to role.
func AttachmentName(role, arn string) string {
	return role + "-" + PolicyName(arn)
}
