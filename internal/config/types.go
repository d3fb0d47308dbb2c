package config

// Cluster constructed as input for cluster.yaml
type Cluster struct {
	Profile   Profile   `yaml:"profile"`
	Region    string    `yaml:"region"`
	Vpc       Vpc       `yaml:"vpc"`
	Eks       Eks       `yaml:"eks"`
	Workloads Workloads `yaml:"workloads"`
}

// Vpc holds the network block, its subnets and the public routing.
type Vpc struct {
	Name                string   `yaml:"name"`
	CidrBlock           string   `yaml:"cidr_block"`
	Tenancy             string   `yaml:"tenancy"`
	InternetGateway     string   `yaml:"internet_gateway"`
	RouteTable          string   `yaml:"route_table"`
	MapPublicIPOnLaunch *bool    `yaml:"map_public_ip_on_launch"`
	Subnets             []Subnet `yaml:"subnets"`
}

// Subnet is one subnet bound to exactly one availability zone.
type Subnet struct {
	Name        string `yaml:"name"`
	CidrBlock   string `yaml:"cidr_block"`
	Az          string `yaml:"az"`
	Association string `yaml:"association"`
}

// Eks describes the control plane and its worker pool.
type Eks struct {
	Name      string    `yaml:"name"`
	Role      Role      `yaml:"role"`
	Version   string    `yaml:"version"`
	NodeGroup NodeGroup `yaml:"node_group"`
}

// Role is an assumable IAM role and the managed policies attached to it.
type Role struct {
	Name     string   `yaml:"name"`
	Policies []string `yaml:"policies"`
}

// NodeGroup is the managed worker pool.
type NodeGroup struct {
	Name           string   `yaml:"name"`
	Role           Role     `yaml:"role"`
	MinSize        int      `yaml:"min_size"`
	DesiredSize    int      `yaml:"desired_size"`
	MaxSize        int      `yaml:"max_size"`
	MaxUnavailable int      `yaml:"max_unavailable"`
	InstanceTypes  []string `yaml:"instance_types"`
}

// Workloads are optional in-cluster objects created once the node group is up.
type Workloads struct {
	Namespace string `yaml:"namespace"`
}
