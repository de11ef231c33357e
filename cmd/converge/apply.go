package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/incus-tools/converge/pkg/engine"
	"github.com/incus-tools/converge/pkg/events"
	"github.com/incus-tools/converge/pkg/journal"
	"github.com/incus-tools/converge/pkg/loader"
	"github.com/incus-tools/converge/pkg/log"
	"github.com/incus-tools/converge/pkg/metrics"
	"github.com/incus-tools/converge/pkg/rotation"
	"github.com/incus-tools/converge/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a plan file to the Incus server",
	Long: `Apply reconciles the server towards the desired state in the plan:
resources are resolved, diffed and created, updated or deleted as needed,
then snapshot rotation policies run. A failing resource skips only its
dependents; pass --atomic to stop at the first failure instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPass(cmd, false)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what apply would change without mutating anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPass(cmd, true)
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Run only the snapshot rotation policies of a plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		plan, err := loader.Load(file)
		if err != nil {
			return err
		}

		client, err := clientFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		rotator := rotation.New(client)
		for _, policy := range plan.Rotations {
			deleted, err := rotator.Rotate(ctx, policy, nil)
			if err != nil {
				return fmt.Errorf("rotation %q failed: %w", policy.Pattern, err)
			}
			for _, name := range deleted {
				fmt.Printf("Deleted snapshot %s\n", name)
			}
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded reconciliation passes",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		jrnl, err := journal.Open(dataDir)
		if err != nil {
			return err
		}
		defer jrnl.Close()

		passes, err := jrnl.ListPasses()
		if err != nil {
			return err
		}
		if len(passes) == 0 {
			fmt.Println("No passes recorded")
			return nil
		}
		for _, p := range passes {
			fmt.Printf("%s  %s  total=%d created=%d updated=%d deleted=%d failed=%d\n",
				p.StartedAt.Format("2006-01-02 15:04:05"), p.PassID,
				p.Summary.Total, p.Summary.Created, p.Summary.Updated,
				p.Summary.Deleted, p.Summary.Failed)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{applyCmd, planCmd, rotateCmd} {
		cmd.Flags().StringP("file", "f", "converge.yaml", "Plan file to apply")
	}
	applyCmd.Flags().Bool("atomic", false, "Stop at the first resource failure")
	applyCmd.Flags().Int("concurrency", 4, "Parallel operations per dependency wave")
	applyCmd.Flags().String("data-dir", defaultDataDir(), "Directory for the pass journal")
	applyCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address during the pass")
	planCmd.Flags().Int("concurrency", 4, "Parallel lookups per dependency wave")
	historyCmd.Flags().String("data-dir", defaultDataDir(), "Directory for the pass journal")
}

func runPass(cmd *cobra.Command, dryRun bool) error {
	file, _ := cmd.Flags().GetString("file")
	concurrency, _ := cmd.Flags().GetInt("concurrency")

	plan, err := loader.Load(file)
	if err != nil {
		return err
	}

	client, err := clientFromFlags(cmd)
	if err != nil {
		return err
	}

	var jrnl *journal.Journal
	opts := engine.Options{Concurrency: concurrency, DryRun: dryRun}
	if !dryRun {
		opts.Atomic, _ = cmd.Flags().GetBool("atomic")

		dataDir, _ := cmd.Flags().GetString("data-dir")
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		jrnl, err = journal.Open(dataDir)
		if err != nil {
			return err
		}
		defer jrnl.Close()

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			go serveMetrics(addr)
		}
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range sub {
			printEvent(event)
		}
	}()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := engine.New(client, jrnl, broker, opts).Run(ctx, plan)
	broker.Unsubscribe(sub)
	<-done
	if err != nil {
		return err
	}

	printSummary(result)
	if result.Summary.Failed > 0 {
		return fmt.Errorf("%d resource(s) failed", result.Summary.Failed)
	}
	return nil
}

func printEvent(event *events.Event) {
	switch event.Type {
	case events.EventResourceCreated, events.EventResourceUpdated, events.EventResourceDeleted:
		fmt.Printf("  %-8s %s\n", actionWord(event.Type), event.Resource)
	case events.EventResourceFailed:
		fmt.Printf("  FAILED   %s: %s\n", event.Resource, event.Message)
	case events.EventResourceSkipped:
		fmt.Printf("  skipped  %s (%s)\n", event.Resource, event.Message)
	case events.EventSnapshotRotated:
		fmt.Printf("  rotated  %s\n", event.Resource)
	}
}

func actionWord(typ events.EventType) string {
	switch typ {
	case events.EventResourceCreated:
		return "created"
	case events.EventResourceUpdated:
		return "updated"
	case events.EventResourceDeleted:
		return "deleted"
	}
	return string(typ)
}

func printSummary(result *types.ApplyResult) {
	verb := "Applied"
	if result.DryRun {
		verb = "Planned"
		for _, res := range result.Results {
			if res.Action != types.ActionNone && res.Action != "" {
				fmt.Printf("  %-8s %s\n", res.Action, res.ID)
			}
		}
	}
	s := result.Summary
	fmt.Printf("%s %d resource(s) in %s: %d created, %d updated, %d deleted, %d unchanged, %d failed, %d skipped\n",
		verb, s.Total, formatDuration(result.FinishedAt.Sub(result.StartedAt)),
		s.Created, s.Updated, s.Deleted, s.Unchanged, s.Failed, s.Skipped)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server stopped", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".converge"
	}
	return home + "/.converge"
}
