package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mergegate/mergegate/internal/evidence"
	"github.com/mergegate/mergegate/internal/waiver"
)

var waiverCmd = &cobra.Command{
	Use:   "waiver",
	Short: "Manage rule waivers",
}

var (
	waiverOrg        string
	waiverRepo       string
	waiverRule       string
	waiverScope      string
	waiverScopeValue string
	waiverReason     string
	waiverApprover   string
	waiverExpires    time.Duration
	waiverActor      string
)

func init() {
	waiverCmd.PersistentFlags().StringVar(&waiverOrg, "org", "", "organization id (required)")
	waiverCmd.PersistentFlags().StringVar(&waiverRepo, "repo", "", "repository id")
	waiverCmd.MarkPersistentFlagRequired("org")

	waiverAddCmd.Flags().StringVar(&waiverRule, "rule", "", "exact rule id to waive (required)")
	waiverAddCmd.Flags().StringVar(&waiverScope, "scope", "repo", "scope: repo, branch, or path")
	waiverAddCmd.Flags().StringVar(&waiverScopeValue, "scope-value", "", "branch name or path glob (required for branch/path scope)")
	waiverAddCmd.Flags().StringVar(&waiverReason, "reason", "", "why this rule is exempted (required)")
	waiverAddCmd.Flags().StringVar(&waiverApprover, "approved-by", "", "who approved the waiver (required)")
	waiverAddCmd.Flags().DurationVar(&waiverExpires, "expires-in", 0, "time until expiry (0 = never)")
	waiverAddCmd.MarkFlagRequired("rule")
	waiverAddCmd.MarkFlagRequired("reason")
	waiverAddCmd.MarkFlagRequired("approved-by")

	waiverDeleteCmd.Flags().StringVar(&waiverActor, "actor", "", "who is deleting the waiver (required)")
	waiverDeleteCmd.MarkFlagRequired("actor")

	waiverCmd.AddCommand(waiverAddCmd, waiverListCmd, waiverDeleteCmd)
	rootCmd.AddCommand(waiverCmd)
}

var waiverAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a waiver",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, dir, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		now := time.Now().UTC()
		w := &waiver.Waiver{
			ID:         uuid.NewString(),
			OrgID:      waiverOrg,
			RepoID:     waiverRepo,
			RuleID:     waiverRule,
			Scope:      waiver.Scope(waiverScope),
			ScopeValue: waiverScopeValue,
			Reason:     waiverReason,
			ApprovedBy: waiverApprover,
			CreatedAt:  now,
		}
		if waiverExpires > 0 {
			exp := now.Add(waiverExpires)
			w.ExpiresAt = &exp
		}

		if err := st.PutWaiver(ctx, w); err != nil {
			return err
		}

		// Waiver creation is itself an audited action.
		chain, err := evidence.Open(chainPath(dir))
		if err != nil {
			return err
		}
		defer chain.Close()
		if err := chain.AppendWaiverEvent(evidence.KindWaiverCreated, evidence.WaiverEvent{
			WaiverID: w.ID,
			RuleID:   w.RuleID,
			Actor:    w.ApprovedBy,
			Reason:   w.Reason,
		}); err != nil {
			return err
		}

		fmt.Printf("waiver %s created for rule %s (scope %s)\n", w.ID, w.RuleID, w.Scope)
		return nil
	},
}

var waiverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List waivers, including expired ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		waivers, err := st.Waivers(cmd.Context(), waiverOrg, waiverRepo)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		type row struct {
			waiver.Waiver
			Expired bool `json:"expired"`
		}
		rows := make([]row, 0, len(waivers))
		for _, w := range waivers {
			rows = append(rows, row{Waiver: w, Expired: w.Expired(now)})
		}
		out, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var waiverDeleteCmd = &cobra.Command{
	Use:   "delete <waiver-id>",
	Short: "Delete a waiver (audited)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, dir, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		deleted, err := st.DeleteWaiver(ctx, args[0])
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("no waiver with id %s", args[0])
		}

		chain, err := evidence.Open(chainPath(dir))
		if err != nil {
			return err
		}
		defer chain.Close()
		if err := chain.AppendWaiverEvent(evidence.KindWaiverDeleted, evidence.WaiverEvent{
			WaiverID: args[0],
			Actor:    waiverActor,
		}); err != nil {
			return err
		}

		fmt.Printf("waiver %s deleted\n", args[0])
		return nil
	},
}
