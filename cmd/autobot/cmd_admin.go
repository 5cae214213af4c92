package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/autobotq/autobot/internal/persistence"
	"github.com/autobotq/autobot/internal/policy"
	"github.com/autobotq/autobot/internal/template"
)

// seedSpec is one row of a YAML seed file.
type seedSpec struct {
	Side    string `yaml:"side"`
	RSIBin  string `yaml:"rsi_bin"`
	MACDBin string `yaml:"macd_bin"`
	KDBin   string `yaml:"kd_bin"`
	VolBin  string `yaml:"vol_bin"`
	Note    string `yaml:"note"`
	Locked  bool   `yaml:"locked"`
}

func (s seedSpec) toTemplate() template.Template {
	return template.Template{
		Version: 1,
		Side:    template.Side(s.Side),
		Status:  template.StatusActive,
		Filters: template.Filters{
			RSI:  template.ParseFilterSet(s.RSIBin),
			MACD: template.ParseFilterSet(s.MACDBin),
			KD:   template.ParseFilterSet(s.KDBin),
			Vol:  template.ParseFilterSet(s.VolBin),
		},
		Meta: template.Metadata{Note: s.Note, Locked: s.Locked},
	}
}

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed templates (two all-wildcard baselines, or a YAML batch via --file)",
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

			seeds := []seedSpec{
				{Side: "LONG", Note: "baseline long"},
				{Side: "SHORT", Note: "baseline short"},
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read seed file: %w", err)
				}
				if err := yaml.Unmarshal(data, &seeds); err != nil {
					return fmt.Errorf("failed to parse seed file: %w", err)
				}
			}
			return seedTemplates(ctx, repo, seeds)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML file with template seeds")
	return cmd
}

// seedTemplates inserts seeds, skipping fingerprints already present.
func seedTemplates(ctx context.Context, repo persistence.Repository, seeds []seedSpec) error {
	fps, err := repo.Templates.AllFingerprints(ctx)
	if err != nil {
		return err
	}
	created := 0
	for _, s := range seeds {
		t := s.toTemplate()
		fp := t.Fingerprint()
		if _, dup := fps[fp]; dup {
			fmt.Fprintf(os.Stderr, "skip duplicate %s\n", fp)
			continue
		}
		id, err := repo.Templates.Create(ctx, t)
		if err != nil {
			return err
		}
		fps[fp] = struct{}{}
		created++
		fmt.Printf("seeded template %d (%s)\n", id, fp)
	}
	fmt.Printf("seeded %d of %d\n", created, len(seeds))
	return nil
}

func newStatusCmd() *cobra.Command {
	var eventLimit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pool status counts and recent evolution events",
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

			counts, err := repo.Templates.StatusCounts(ctx)
			if err != nil {
				return err
			}
			events, err := repo.Events.Recent(ctx, eventLimit)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"pool":   counts,
				"events": events,
			})
		},
	}
	cmd.Flags().IntVar(&eventLimit, "events", 20, "number of recent events to include")
	return cmd
}

// addSnapshotFlags registers the raw feature flags shared by debug commands.
func addSnapshotFlags(fs *pflag.FlagSet, snap *template.Snapshot) {
	fs.Float64Var(&snap.RSI, "rsi", 50, "RSI value")
	fs.Float64Var(&snap.KDDiff, "kd-diff", 0, "K minus D")
	fs.Float64Var(&snap.VolRatio, "vol-ratio", 1, "volume ratio")
	fs.IntVar(&snap.Regime, "regime", 0, "regime label")
}

func newSelectCmd() *cobra.Command {
	var snap template.Snapshot
	var action string
	var macdHist float64
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Run one selection against the live store (debug)",
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

			if cmd.Flags().Changed("macd-hist") {
				snap.MACDHist = &macdHist
			}
			sel := policy.NewSelector(repo, buildCache(cfg), cfg.Engine)
			decision := sel.Select(ctx, policy.Action(action), snap)
			return json.NewEncoder(os.Stdout).Encode(decision)
		},
	}
	addSnapshotFlags(cmd.Flags(), &snap)
	cmd.Flags().Float64Var(&macdHist, "macd-hist", 0, "MACD histogram value")
	cmd.Flags().StringVar(&action, "action", "LONG", "decision signal: LONG, SHORT or HOLD")
	return cmd
}

func newFreezeCmd() *cobra.Command {
	return newFreezeLikeCmd("freeze", "Manually freeze a template", persistence.ActionFreeze)
}

func newUnfreezeCmd() *cobra.Command {
	return newFreezeLikeCmd("unfreeze", "Manually unfreeze a template", persistence.ActionUnfreeze)
}

func newFreezeLikeCmd(use, short string, action persistence.Action) *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
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

			if action == persistence.ActionFreeze {
				err = repo.Templates.Freeze(ctx, id)
			} else {
				err = repo.Templates.Unfreeze(ctx, id)
			}
			if err != nil {
				return err
			}
			if appendErr := repo.Events.Append(ctx, persistence.EvolutionEvent{
				Action:            action,
				SourceTemplateIDs: []int64{id},
				Notes:             "manual " + use,
			}); appendErr != nil {
				fmt.Fprintf(os.Stderr, "warning: event append failed: %v\n", appendErr)
			}
			fmt.Printf("%s template %d\n", use, id)
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "template id")
	cmd.MarkFlagRequired("id")
	return cmd
}
