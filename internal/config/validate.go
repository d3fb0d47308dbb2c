package config

import (
	"fmt"
	"net/netip"
	"strings"
)

// ValidationError reports a topology field that cannot be provisioned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a completed Cluster. It returns the first violation found.
func (c *Cluster) Validate() error {
	names := map[string]string{}
	claim := func(field, name string) error {
		if name == "" {
			return invalid(field, "name must not be empty")
		}
		if prev, ok := names[name]; ok {
			return invalid(field, "logical name %q already used by %s", name, prev)
		}
		names[name] = field
		return nil
	}

	vpcPrefix, err := parsePrefix("vpc.cidr_block", c.Vpc.CidrBlock)
	if err != nil {
		return err
	}
	for _, n := range [][2]string{
		{"vpc.name", c.Vpc.Name},
		{"vpc.internet_gateway", c.Vpc.InternetGateway},
		{"vpc.route_table", c.Vpc.RouteTable},
		{"eks.name", c.Eks.Name},
		{"eks.role.name", c.Eks.Role.Name},
		{"eks.node_group.name", c.Eks.NodeGroup.Name},
		{"eks.node_group.role.name", c.Eks.NodeGroup.Role.Name},
	} {
		if err := claim(n[0], n[1]); err != nil {
			return err
		}
	}

	if len(c.Vpc.Subnets) == 0 {
		return invalid("vpc.subnets", "at least one subnet is required")
	}
	zones := map[string]string{}
	prefixes := make([]netip.Prefix, 0, len(c.Vpc.Subnets))
	for i, s := range c.Vpc.Subnets {
		field := fmt.Sprintf("vpc.subnets[%d]", i)
		if err := claim(field+".name", s.Name); err != nil {
			return err
		}
		if err := claim(field+".association", s.Association); err != nil {
			return err
		}
		if s.Az == "" {
			return invalid(field+".az", "availability zone must not be empty")
		}
		if c.Region != "" && !strings.HasPrefix(s.Az, c.Region) {
			return invalid(field+".az", "zone %q is not in region %q", s.Az, c.Region)
		}
		if prev, ok := zones[s.Az]; ok {
			return invalid(field+".az", "zone %q already used by subnet %q", s.Az, prev)
		}
		zones[s.Az] = s.Name

		p, err := parsePrefix(field+".cidr_block", s.CidrBlock)
		if err != nil {
			return err
		}
		if p.Bits() < vpcPrefix.Bits() || !vpcPrefix.Contains(p.Addr()) {
			return invalid(field+".cidr_block", "%s is outside the VPC block %s", p, vpcPrefix)
		}
		for j, other := range prefixes {
			if p.Overlaps(other) {
				return invalid(field+".cidr_block", "%s overlaps subnet %q", p, c.Vpc.Subnets[j].Name)
			}
		}
		prefixes = append(prefixes, p)
	}

	for _, r := range []struct {
		field string
		role  Role
	}{
		{"eks.role.policies", c.Eks.Role},
		{"eks.node_group.role.policies", c.Eks.NodeGroup.Role},
	} {
		if err := validatePolicies(r.field, r.role.Policies); err != nil {
			return err
		}
		for i, arn := range r.role.Policies {
			if err := claim(fmt.Sprintf("%s[%d]", r.field, i), AttachmentName(r.role.Name, arn)); err != nil {
				return err
			}
		}
	}
	return c.Eks.NodeGroup.validateScaling()
}

func (ng *NodeGroup) validateScaling() error {
	if ng.MinSize < 0 {
		return invalid("eks.node_group.min_size", "must not be negative")
	}
	if ng.MaxSize < 1 {
		return invalid("eks.node_group.max_size", "must be at least 1")
	}
	if ng.MinSize > ng.DesiredSize || ng.DesiredSize > ng.MaxSize {
		return invalid("eks.node_group", "scaling must satisfy min_size <= desired_size <= max_size, got %d/%d/%d",
			ng.MinSize, ng.DesiredSize, ng.MaxSize)
	}
	if ng.MaxUnavailable < 1 || ng.MaxUnavailable > ng.MaxSize {
		return invalid("eks.node_group.max_unavailable", "must be between 1 and max_size (%d), got %d",
			ng.MaxSize, ng.MaxUnavailable)
	}
	if len(ng.InstanceTypes) == 0 {
		return invalid("eks.node_group.instance_types", "at least one instance type is required")
	}
	return nil
}

func validatePolicies(field string, arns []string) error {
	if len(arns) == 0 {
		return invalid(field, "at least one policy is required")
	}
	seen := map[string]bool{}
	for _, arn := range arns {
		if !strings.HasPrefix(arn, "arn:aws:iam::") || PolicyName(arn) == "" {
			return invalid(field, "%q is not an IAM policy ARN", arn)
		}
		if seen[arn] {
			return invalid(field, "policy %q listed twice", arn)
		}
		seen[arn] = true
	}
	return nil
}

func parsePrefix(field, cidr string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Prefix{}, invalid(field, "%v", err)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, invalid(field, "%s is not an IPv4 block", cidr)
	}
	if p.Masked() != p {
		return netip.Prefix{}, invalid(field, "%s has host bits set", cidr)
	}
	return p, nil
}
