// cmd/pagedriver/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chromedp/cdproto/target"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagedriver/api/schemas"
	"github.com/xkilldash9x/pagedriver/internal/browser/page"
	"github.com/xkilldash9x/pagedriver/internal/cdp"
	"github.com/xkilldash9x/pagedriver/internal/config"
	"github.com/xkilldash9x/pagedriver/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	remote     string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "pagedriver",
		Short:        "Drive a DevTools-protocol browser: navigate pages and capture DOM+accessibility snapshots",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&flags.remote, "remote", "http://127.0.0.1:9222", "browser debug endpoint (http:// or ws://)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(newNavigateCommand(flags))
	root.AddCommand(newSnapshotCommand(flags))
	return root
}

// setup loads config, builds the logger and attaches a Page over the first
// page target of the remote browser.
func setup(ctx context.Context, flags *rootFlags) (*page.Page, *cdp.Conn, *zap.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.Logger.Level = flags.logLevel
	}
	logger := observability.NewStdoutLogger(cfg.Logger)

	info, err := cdp.DiscoverPageTarget(ctx, flags.remote)
	if err != nil {
		observability.Sync(logger)
		return nil, nil, nil, err
	}
	conn, err := cdp.Dial(ctx, info.WebSocketDebuggerURL, logger)
	if err != nil {
		observability.Sync(logger)
		return nil, nil, nil, err
	}

	p, err := page.NewPage(ctx, conn, conn.RootSession(), page.Options{
		Browser:  cfg.Browser,
		Snapshot: cfg.Snapshot,
		TargetID: target.ID(info.ID),
	}, logger)
	if err != nil {
		_ = conn.Close()
		observability.Sync(logger)
		return nil, nil, nil, err
	}
	return p, conn, logger, nil
}

func newNavigateCommand(flags *rootFlags) *cobra.Command {
	var waitUntil string
	cmd := &cobra.Command{
		Use:   "navigate <url>",
		Short: "Navigate the page and report the main document response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, conn, logger, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer func() {
				p.Close(ctx)
				_ = conn.Close()
				observability.Sync(logger)
			}()

			resp, err := p.Goto(ctx, args[0], page.NavigateOptions{
				WaitUntil: schemas.LoadState(waitUntil),
			})
			if err != nil {
				return err
			}
			if resp == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "navigation produced no new document")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", resp.Status, resp.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&waitUntil, "wait-until", "", "load milestone: load, domcontentloaded or networkidle")
	return cmd
}

func newSnapshotCommand(flags *rootFlags) *cobra.Command {
	var (
		navigateTo string
		focus      string
		waitUntil  string
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Capture a hybrid DOM+accessibility outline of the current page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, conn, logger, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer func() {
				p.Close(ctx)
				_ = conn.Close()
				observability.Sync(logger)
			}()

			if navigateTo != "" {
				if _, err := p.Goto(ctx, navigateTo, page.NavigateOptions{
					WaitUntil: schemas.LoadState(waitUntil),
				}); err != nil {
					return err
				}
			}
			snap, err := p.Snapshot(ctx, page.SnapshotOptions{FocusSelector: focus})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), snap.FormattedTree)
			return nil
		},
	}
	cmd.Flags().StringVar(&navigateTo, "url", "", "navigate here before snapshotting")
	cmd.Flags().StringVar(&focus, "focus", "", "scope the snapshot to one element (CSS or XPath selector)")
	cmd.Flags().StringVar(&waitUntil, "wait-until", "", "load milestone when --url is set")
	return cmd
}
