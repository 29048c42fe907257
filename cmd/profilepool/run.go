package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/copyleftdev/profilepool/internal/tasks"
	"github.com/copyleftdev/profilepool/internal/taskstypes"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runOptions struct {
	kind        string
	itemsFile   string
	concurrency int
	args        map[string]string
	interval    time.Duration
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch in the foreground and print its progress",
		Example: `  profilepool run --kind open --items profiles.txt --arg url=https://example.com
  cat profiles.txt | profilepool run --kind warmup --items - --arg close=true`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), cmd.OutOrStdout(), cmd.InOrStdin(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.kind, "kind", "k", "", "job kind to run (see the kinds endpoint)")
	cmd.Flags().StringVarP(&opts.itemsFile, "items", "i", "", "file with one profile name per line, - for stdin")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "parallel items (default from config)")
	cmd.Flags().StringToStringVar(&opts.args, "arg", nil, "job argument as key=value, repeatable")
	cmd.Flags().DurationVar(&opts.interval, "progress", 2*time.Second, "progress print interval")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("items")
	return cmd
}

func runBatch(parent context.Context, out io.Writer, stdin io.Reader, opts *runOptions) error {
	items, err := loadItems(opts.itemsFile, stdin)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		a.shutdown(shutdownCtx)
	}()

	process, ok := a.registry.Get(opts.kind)
	if !ok {
		return fmt.Errorf("unknown kind %q (available: %s)", opts.kind, strings.Join(a.registry.Kinds(), ", "))
	}

	batchArgs := make(map[string]interface{}, len(opts.args))
	for k, v := range opts.args {
		batchArgs[k] = v
	}

	st, err := a.manager.Submit(tasks.Batch{
		Kind:        opts.kind,
		Items:       items,
		Process:     process,
		Concurrency: opts.concurrency,
		Args:        batchArgs,
	})
	if err != nil {
		return err
	}

	snap := followTask(ctx, stop, out, a.manager, st, opts.interval)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return err
	}
	if snap.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", snap.Failed, snap.Total)
	}
	return nil
}

// followTask prints progress until the task is terminal. The first interrupt
// requests a cooperative stop and calls unregister, so a second one kills the
// process.
func followTask(ctx context.Context, unregister func(), out io.Writer, m *tasks.Manager, st *tasks.Status, interval time.Duration) taskstypes.Snapshot {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := ctx.Done()
	for {
		select {
		case <-st.Done():
			snap, _ := m.Get(st.ID())
			return snap
		case <-interrupted:
			logger.Info("Interrupt received, stopping task", zap.Stringer("task_id", st.ID()))
			_ = m.Stop(st.ID())
			unregister()
			interrupted = nil
		case <-ticker.C:
			if snap, err := m.Get(st.ID()); err == nil {
				fmt.Fprintf(out, "%s %d/%d processed (%d ok, %d failed)\n",
					snap.State, snap.Processed, snap.Total, snap.Succeeded, snap.Failed)
			}
		}
	}
}

func loadItems(path string, stdin io.Reader) ([]string, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open items file: %w", err)
		}
		defer f.Close()
		r = f
	}
	return readItems(r)
}

// readItems returns one item per non-empty line; # starts a comment line.
func readItems(r io.Reader) ([]string, error) {
	var items []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	return items, nil
}
