package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/balancer"
	"github.com/aristath/swarm/internal/orchestrator"
)

func newPlanCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <batch.yaml|->",
		Short: "Show the waves a batch would run in",
		Long: `Resolve dependencies for a batch and print its waves without running it.

Fails on unknown dependencies and on cycles, listing the tasks that can
never become ready.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := readBatch(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			reg := agent.NewRegistry()
			engine := orchestrator.NewEngine(reg, balancer.New(reg), engineConfig(g.cfg),
				orchestrator.WithLogger(g.logger))
			dag, waves, err := engine.Plan(specs)
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), dag, waves)
			return nil
		},
	}
}
