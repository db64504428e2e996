package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mergegate/mergegate/internal/evidence"
	"github.com/mergegate/mergegate/internal/outbox"
	"github.com/mergegate/mergegate/internal/run"
)

var (
	workerWebhook  string
	workerInterval time.Duration
	workerBatch    int
	workerIntake   bool
)

func init() {
	workerCmd.Flags().StringVar(&workerWebhook, "webhook", "", "notification webhook URL (required)")
	workerCmd.Flags().DurationVar(&workerInterval, "interval", 5*time.Second, "outbox poll interval")
	workerCmd.Flags().IntVar(&workerBatch, "batch", 50, "max intents per poll")
	workerCmd.Flags().BoolVar(&workerIntake, "intake", false, "also watch <data-dir>/intake for run request files")
	workerCmd.MarkFlagRequired("webhook")
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the outbox delivery worker",
	Long:  "Polls pending outbox intents and delivers them to the webhook with bounded retries. With --intake, also watches the intake directory and executes dropped run requests.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := newLogger()

		st, dir, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ob, err := outbox.New(outbox.Config{
			Store:    st,
			Notifier: outbox.NewWebhookNotifier(workerWebhook),
			Logger:   logger,
		})
		if err != nil {
			return err
		}

		errCh := make(chan error, 2)

		worker := outbox.NewWorker(ob, workerInterval, workerBatch)
		go func() { errCh <- worker.Run(ctx) }()
		fmt.Printf("outbox worker started (interval %s, webhook %s)\n", workerInterval, workerWebhook)

		if workerIntake {
			chain, err := evidence.Open(chainPath(dir))
			if err != nil {
				return err
			}
			defer chain.Close()

			orch, err := run.New(run.Config{
				Store:        st,
				Chain:        chain,
				Outbox:       ob,
				Runners:      run.DemoRunners(),
				Logger:       logger,
				ToolVersions: run.ToolVersions(version),
			})
			if err != nil {
				return err
			}

			intake, err := run.NewIntake(filepath.Join(dir, "intake"), orch, logger)
			if err != nil {
				return err
			}
			go func() { errCh <- intake.Run(ctx) }()
			fmt.Printf("intake watcher started on %s\n", filepath.Join(dir, "intake"))
		}

		err = <-errCh
		if errors.Is(err, context.Canceled) {
			fmt.Println("worker stopped")
			return nil
		}
		return err
	},
}
