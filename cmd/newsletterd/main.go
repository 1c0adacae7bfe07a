package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"

	"newsletterd/internal/app"
	"newsletterd/internal/orchestrator"
)

var (
	rootCmd = &cobra.Command{
		Use:           "newsletterd",
		Short:         "Multi-tenant daily newsletter service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the subscription web server",
		Args:  cobra.NoArgs,
		RunE:  cmdServe,
	}
	runOnceCmd = &cobra.Command{
		Use:   "run-once",
		Short: "Collect and send today's newsletter now",
		Args:  cobra.NoArgs,
		RunE:  manualCmd((*app.App).RunOnce),
	}
	collectCmd = &cobra.Command{
		Use:   "collect",
		Short: "Collect today's data without sending",
		Args:  cobra.NoArgs,
		RunE:  manualCmd((*app.App).CollectOnly),
	}
	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Send today's newsletter from already collected data",
		Args:  cobra.NoArgs,
		RunE:  manualCmd((*app.App).SendOnly),
	}

	cfgPath string
	manual  struct {
		tenants []string
		force   bool
		actor   string
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	for _, c := range []*cobra.Command{runOnceCmd, collectCmd, sendCmd} {
		c.Flags().StringSliceVar(&manual.tenants, "tenant", nil, "tenant id to run (repeatable; default all enabled tenants)")
		c.Flags().BoolVar(&manual.force, "force", false, "ignore the collected-data and already-sent barriers")
		c.Flags().StringVar(&manual.actor, "actor", "cli", "operator name recorded in the audit log")
	}
	rootCmd.AddCommand(serveCmd, runOnceCmd, collectCmd, sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func cmdServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return errs.Combine(err, a.Stop(context.Background(), app.StopFatalError))
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Stop(stopCtx, reason)
}

type manualFunc func(*app.App, context.Context, orchestrator.Manual) (orchestrator.TickReport, error)

// manualCmd runs one manual action and prints its report as JSON. Any failed
// unit makes the command exit non-zero.
func manualCmd(run manualFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) (err error) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.NewApp(ctx, cfgPath)
		if err != nil {
			return err
		}
		defer func() { err = errs.Combine(err, a.Close()) }()

		rep, err := run(a, ctx, orchestrator.Manual{
			Tenants: manual.tenants,
			Force:   manual.force,
			Actor:   manual.actor,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
		if n := rep.Failed(); n > 0 {
			return errs.New("%d phase(s) failed", n)
		}
		return nil
	}
}
