package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Env holds the process settings read from EKS_* environment variables.
type Env struct {
	Config            string        `envconfig:"CONFIG" default:"cluster.yaml"`
	Profile           string        `envconfig:"PROFILE"`
	Region            string        `envconfig:"REGION"`
	Stack             string        `envconfig:"STACK" default:"dev"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	ConsistencyWindow time.Duration `envconfig:"CONSISTENCY_WINDOW" default:"2m"`
	Concurrency       int64         `envconfig:"CONCURRENCY" default:"4"`
}

// LoadEnv reads Env from the environment.
func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process("eks", &env); err != nil {
		return nil, errors.Wrap(err, "read environment")
	}
	return &env, nil
}

// Overrides are values that take precedence over the topology file.
type Overrides struct {
	Profile string
	Region  string
}

// Load reads the topology file at path, applies overrides and defaults and
// validates the result.
func Load(path string, o Overrides) (*Cluster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open topology file")
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if o.Profile != "" {
		cfg.Profile = Profile(o.Profile)
	}
	if o.Region != "" {
		cfg.Region = o.Region
	}
	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses a topology document. Unknown keys are rejected.
func Decode(r io.Reader) (*Cluster, error) {
	var cfg Cluster
	decoder := yaml.NewDecoder(r)
	decoder.SetStrict(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Complete fills every unset field from the selected profile and the
// built-in defaults.
func (c *Cluster) Complete() error {
	profile, err := ParseProfile(string(c.Profile))
	if err != nil {
		return err
	}
	c.Profile = profile

	v := &c.Vpc
	setDefault(&v.Name, "pulumi_vpc")
	setDefault(&v.CidrBlock, "10.1.0.0/16")
	setDefault(&v.Tenancy, "default")
	setDefault(&v.InternetGateway, "igw")
	setDefault(&v.RouteTable, "public-sub-rtb")
	if v.MapPublicIPOnLaunch == nil {
		mapIP := profile.mapPublicIPOnLaunch()
		v.MapPublicIPOnLaunch = &mapIP
	}
	for i := range v.Subnets {
		setDefault(&v.Subnets[i].Association, fmt.Sprintf("rtb-asoc-%d", i+1))
	}

	e := &c.Eks
	setDefault(&e.Name, "pulumi_cluster")
	setDefault(&e.Role.Name, "eksRole")
	if len(e.Role.Policies) == 0 {
		e.Role.Policies = profile.controlPlanePolicies()
	}

	ng := &e.NodeGroup
	setDefault(&ng.Name, "my_nodeGroup")
	setDefault(&ng.Role.Name, "nodeGroupRole")
	if len(ng.Role.Policies) == 0 {
		ng.Role.Policies = workerPolicies()
	}
	if ng.MinSize == 0 && ng.MaxSize == 0 {
		ng.MinSize, ng.MaxSize = 1, 2
	}
	if ng.DesiredSize == 0 {
		ng.DesiredSize = ng.MinSize
	}
	if ng.MaxUnavailable == 0 {
		ng.MaxUnavailable = 1
	}
	if len(ng.InstanceTypes) == 0 {
		ng.InstanceTypes = []string{"t2.micro"}
	}
	return nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
