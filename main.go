package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/sirupsen/logrus"

	"github.com/zikster3262/pulumi-eks/internal/config"
	"github.com/zikster3262/pulumi-eks/internal/graph"
	"github.com/zikster3262/pulumi-eks/internal/stack"
	"github.com/zikster3262/pulumi-eks/internal/topology"
	"github.com/zikster3262/pulumi-eks/internal/verify"
)

func processError(err error) {
	logrus.WithError(err).Error("pulumi-eks failed")
	os.Exit(2)
}

func setupLogging(level string) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithError(err).Warn("unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		processError(err)
	}
	opts, err := parseOptions(os.Args[1:], env)
	if err != nil {
		processError(err)
	}
	setupLogging(opts.logLevel)
	log := logrus.StandardLogger()

	cfg, err := config.Load(opts.config, config.Overrides{Profile: opts.profile, Region: opts.region})
	if err != nil {
		processError(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case opts.plan:
		topo, err := topology.Build(cfg, opts.stack)
		if err != nil {
			processError(err)
		}
		if err := printPlan(ctx, os.Stdout, topo, log); err != nil {
			processError(err)
		}

	case opts.verify:
		topo, err := topology.Build(cfg, opts.stack)
		if err != nil {
			processError(err)
		}
		clients, err := verify.NewClientSet(ctx, cfg.Region)
		if err != nil {
			processError(err)
		}
		err = verify.New(clients, topo, log).Run(ctx,
			graph.WithConcurrency(opts.concurrency),
			graph.WithConsistencyWindow(opts.window),
		)
		if err != nil {
			processError(err)
		}

	default:
		pulumi.Run(func(ctx *pulumi.Context) error {
			topo, err := topology.Build(cfg, ctx.Stack())
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"stack": ctx.Stack(), "profile": cfg.Profile}).
				Infof("declaring %d resources", topo.Graph.Len())
			return stack.New(cfg, topo, log).Run(ctx)
		})
	}
}
