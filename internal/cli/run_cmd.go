package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mergegate/mergegate/internal/evidence"
	"github.com/mergegate/mergegate/internal/outbox"
	"github.com/mergegate/mergegate/internal/policy"
	"github.com/mergegate/mergegate/internal/run"
)

var (
	runOrg        string
	runRepo       string
	runBranch     string
	runWebhook    string
	runPolicyPath string
)

func init() {
	runCmd.Flags().StringVar(&runOrg, "org", "demo-org", "organization id")
	runCmd.Flags().StringVar(&runRepo, "repo", "demo/repo", "repository id")
	runCmd.Flags().StringVar(&runBranch, "branch", "main", "branch name")
	runCmd.Flags().StringVar(&runWebhook, "webhook", "", "notification webhook URL (intents stay pending without it)")
	runCmd.Flags().StringVar(&runPolicyPath, "policy", "", "seed the org policy from this YAML file if none is stored")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a synthetic demo pipeline run",
	Long:  "Runs a synthetic change through every gating stage, records evidence, and enqueues status notifications. Shows the full verdict lifecycle without external analyzers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, dir, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		// Provision the org policy on first use: a run without any
		// policy is a configuration error, not a default-allow.
		existing, err := st.OrgPolicy(ctx, runOrg)
		if err != nil {
			return err
		}
		if existing == nil {
			var seed *policy.Policy
			if runPolicyPath != "" {
				seed, err = policy.LoadFile(runPolicyPath)
				if err != nil {
					return err
				}
			} else {
				seed = defaultOrgPolicy()
			}
			if err := st.PutPolicy(ctx, runOrg, "", seed, time.Now().UTC()); err != nil {
				return err
			}
			fmt.Printf("seeded org policy %s (checksum %s)\n", seed.Version, seed.Checksum())
		}

		chain, err := evidence.Open(chainPath(dir))
		if err != nil {
			return err
		}
		defer chain.Close()

		var notifier outbox.Notifier
		if runWebhook != "" {
			notifier = outbox.NewWebhookNotifier(runWebhook)
		} else {
			notifier = noopNotifier{}
		}
		ob, err := outbox.New(outbox.Config{
			Store:    st,
			Notifier: notifier,
			Logger:   newLogger(),
		})
		if err != nil {
			return err
		}

		orch, err := run.New(run.Config{
			Store:        st,
			Chain:        chain,
			Outbox:       ob,
			Runners:      run.DemoRunners(),
			Logger:       newLogger(),
			ToolVersions: run.ToolVersions(version),
		})
		if err != nil {
			return err
		}

		r, err := orch.Execute(ctx, run.DemoInput(runOrg, runRepo, runBranch))
		if err != nil {
			return err
		}

		if runWebhook != "" {
			if _, err := ob.ProcessPending(ctx, 100); err != nil {
				fmt.Printf("warning: delivery pass failed: %v\n", err)
			}
		}

		out, _ := json.MarshalIndent(r, "", "  ")
		fmt.Println(string(out))

		fmt.Printf("\nrun %s: %s (%s), gates_passed=%v\n", r.ID, r.Status, r.Conclusion, r.GatesPassed)
		return nil
	},
}

// noopNotifier accepts intents without delivering anywhere. Used when
// no webhook is configured; intents stay durable for a later worker.
type noopNotifier struct{}

func (noopNotifier) Deliver(_ context.Context, _ []byte) error { return nil }

func defaultOrgPolicy() *policy.Policy {
	p, err := policy.Parse([]byte(policy.DefaultPolicyYAML()))
	if err != nil {
		// The built-in policy is a constant; it always parses.
		panic(err)
	}
	return p
}
