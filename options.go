package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/zikster3262/pulumi-eks/internal/config"
)

type options struct {
	config      string
	profile     string
	region      string
	stack       string
	logLevel    string
	plan        bool
	verify      bool
	window      time.Duration
	concurrency int64
}

// parseOptions reads command-line flags. Every flag defaults to the value
// taken from the environment.
func parseOptions(args []string, env *config.Env) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("pulumi-eks", pflag.ContinueOnError)
	fs.StringVarP(&o.config, "config", "c", env.Config, "topology file")
	fs.StringVar(&o.profile, "profile", env.Profile, "topology profile (public or minimal)")
	fs.StringVar(&o.region, "region", env.Region, "AWS region, overrides the topology file")
	fs.StringVar(&o.stack, "stack", env.Stack, "stack name used to derive physical names in plan and verify mode")
	fs.StringVar(&o.logLevel, "log-level", env.LogLevel, "log level")
	fs.BoolVar(&o.plan, "plan", false, "print the create and teardown order and exit")
	fs.BoolVar(&o.verify, "verify", false, "check the deployed stack against live AWS state and exit")
	fs.DurationVar(&o.window, "consistency-window", env.ConsistencyWindow, "how long to wait for resources to become visible")
	fs.Int64Var(&o.concurrency, "concurrency", env.Concurrency, "maximum number of concurrent checks")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.plan && o.verify {
		return nil, errors.New("--plan and --verify are mutually exclusive")
	}
	return o, nil
}
