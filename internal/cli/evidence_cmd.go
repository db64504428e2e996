package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mergegate/mergegate/internal/evidence"
	"github.com/mergegate/mergegate/internal/policy"
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Inspect, verify, and export the evidence chain",
}

var (
	exportPolicyPath     string
	exportRepoPolicyPath string
)

func init() {
	evidenceExportCmd.Flags().StringVar(&exportPolicyPath, "policy", "", "org policy YAML to cross-check against the bundle checksum")
	evidenceExportCmd.Flags().StringVar(&exportRepoPolicyPath, "repo-policy", "", "repo override policy YAML")

	evidenceCmd.AddCommand(evidenceVerifyCmd, evidenceListCmd, evidenceExportCmd)
	rootCmd.AddCommand(evidenceCmd)
}

var evidenceVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the evidence chain hash links",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := dataDir()
		if err != nil {
			return err
		}

		result := evidence.Verify(chainPath(dir))
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))

		if !result.Valid {
			os.Exit(1)
		}
		return nil
	},
}

var evidenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chain entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := dataDir()
		if err != nil {
			return err
		}

		entries, err := evidence.ReadAll(chainPath(dir))
		if err != nil {
			return err
		}
		for _, e := range entries {
			switch e.Kind {
			case evidence.KindEvidence:
				fmt.Printf("%s  %s  run=%s stage=%s bundle=%s score=%d blocked=%v\n",
					e.Timestamp, e.Kind, e.Bundle.RunID, e.Bundle.Stage,
					e.Bundle.ID, e.Bundle.Evaluation.Score, e.Bundle.Evaluation.Blocked)
			default:
				fmt.Printf("%s  %s  waiver=%s rule=%s actor=%s\n",
					e.Timestamp, e.Kind, e.Waiver.WaiverID, e.Waiver.RuleID, e.Waiver.Actor)
			}
		}
		return nil
	},
}

var evidenceExportCmd = &cobra.Command{
	Use:   "export <bundle-id>",
	Short: "Export a bundle in the archival format",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := dataDir()
		if err != nil {
			return err
		}

		bundle, err := evidence.FindBundle(chainPath(dir), args[0])
		if err != nil {
			return err
		}
		if bundle == nil {
			return fmt.Errorf("no bundle with id %s", args[0])
		}

		var ep *policy.EffectivePolicy
		if exportPolicyPath != "" {
			org, err := policy.LoadFile(exportPolicyPath)
			if err != nil {
				return err
			}
			var repo *policy.Policy
			if exportRepoPolicyPath != "" {
				repo, err = policy.LoadFile(exportRepoPolicyPath)
				if err != nil {
					return err
				}
			}
			ep, err = policy.Merge("", "", org, repo)
			if err != nil {
				return err
			}
		}

		out, err := evidence.Export(bundle, ep)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
