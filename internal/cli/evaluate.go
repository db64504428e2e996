package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mergegate/mergegate/internal/model"
	"github.com/mergegate/mergegate/internal/policy"
	"github.com/mergegate/mergegate/internal/waiver"
)

var (
	evalPolicyPath     string
	evalRepoPolicyPath string
	evalOrg            string
	evalRepo           string
	evalBranch         string
)

func init() {
	evaluateCmd.Flags().StringVar(&evalPolicyPath, "policy", "", "org policy YAML file (required)")
	evaluateCmd.Flags().StringVar(&evalRepoPolicyPath, "repo-policy", "", "repo override policy YAML file")
	evaluateCmd.Flags().StringVar(&evalOrg, "org", "", "organization id (enables stored waivers)")
	evaluateCmd.Flags().StringVar(&evalRepo, "repo", "", "repository id")
	evaluateCmd.Flags().StringVar(&evalBranch, "branch", "", "branch under evaluation")
	evaluateCmd.MarkFlagRequired("policy")
	rootCmd.AddCommand(evaluateCmd)
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <findings.json>",
	Short: "Evaluate a findings file against policy",
	Long:  "Runs the decision engine over a JSON array of findings. Exits 1 when the change is blocked, so the command gates CI directly.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read findings: %w", err)
		}
		var findings []model.Finding
		if err := json.Unmarshal(data, &findings); err != nil {
			return fmt.Errorf("parse findings: %w", err)
		}

		org, err := policy.LoadFile(evalPolicyPath)
		if err != nil {
			return err
		}
		var repo *policy.Policy
		if evalRepoPolicyPath != "" {
			repo, err = policy.LoadFile(evalRepoPolicyPath)
			if err != nil {
				return err
			}
		}
		ep, err := policy.Merge(evalOrg, evalRepo, org, repo)
		if err != nil {
			return err
		}

		waivers := waiver.NewSet(nil)
		if evalOrg != "" {
			st, _, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			rows, err := st.Waivers(cmd.Context(), evalOrg, evalRepo)
			if err != nil {
				return err
			}
			waivers = waiver.NewSet(rows)
		}

		result, err := policy.Evaluate(findings, ep, waivers, evalBranch, time.Now().UTC())
		if err != nil {
			return err
		}

		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))

		if result.Blocked {
			os.Exit(1)
		}
		return nil
	},
}
