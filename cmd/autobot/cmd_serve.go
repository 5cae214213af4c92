package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/autobotq/autobot/internal/evolver"
	"github.com/autobotq/autobot/internal/httpapi"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ops API (health, metrics, pool status, cycle triggers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			repo, closeRepo, err := buildRepo(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeRepo()

			snapCache := buildCache(cfg)
			ev := evolver.New(repo, snapCache, cfg.Engine, nil)
			return httpapi.NewServer(repo, ev, cfg.HTTP).ListenAndServe(ctx)
		},
	}
}

func newEvolveCmd() *cobra.Command {
	var weekly bool
	cmd := &cobra.Command{
		Use:   "evolve",
		Short: "Run one evolution cycle (daily by default, --weekly for the weekly cycle)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			repo, closeRepo, err := buildRepo(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeRepo()

			ev := evolver.New(repo, buildCache(cfg), cfg.Engine, nil)
			var result any
			if weekly {
				result, err = ev.RunWeekly(ctx)
			} else {
				result, err = ev.RunDaily(ctx)
			}
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(result)
		},
	}
	cmd.Flags().BoolVar(&weekly, "weekly", false, "run the weekly crossover + cleanup cycle")
	return cmd
}
