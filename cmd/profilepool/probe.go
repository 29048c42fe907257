package main

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/copyleftdev/profilepool/internal/browser"
	"github.com/copyleftdev/profilepool/internal/dom"
	"github.com/spf13/cobra"
)

func newProbeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe ENDPOINT",
		Short: "Attach to a DevTools endpoint and print the current page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			connector := browser.NewChromedpConnector(cfg.Browser, logger)
			conn, err := connector.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(conn.Context(), timeout)
			defer cancel()

			var url, title string
			if err := chromedp.Run(ctx, dom.PageInfoAction(&url, &title)); err != nil {
				return fmt.Errorf("read page info: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "url:   %s\ntitle: %s\n", url, title)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "time allowed for reading the page")
	return cmd
}
