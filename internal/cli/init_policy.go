package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mergegate/mergegate/internal/policy"
)

var initPolicyForce bool

func init() {
	initPolicyCmd.Flags().BoolVar(&initPolicyForce, "force", false, "overwrite an existing file")
	rootCmd.AddCommand(initPolicyCmd)
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy [path]",
	Short: "Write a commented default policy file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "policy.yaml"
		if len(args) == 1 {
			path = args[0]
		}

		if _, err := os.Stat(path); err == nil && !initPolicyForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		if err := os.WriteFile(path, []byte(policy.DefaultPolicyYAML()), 0644); err != nil {
			return fmt.Errorf("write policy file: %w", err)
		}

		p, err := policy.LoadFile(path)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %s (version %s, checksum %s)\n", path, p.Version, p.Checksum())
		return nil
	},
}
