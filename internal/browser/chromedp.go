package browser

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/copyleftdev/profilepool/internal/config"
	"go.uber.org/zap"
)

// Compile-time check to ensure ChromedpConnector implements the interface
var _ Connector = (*ChromedpConnector)(nil)

// ChromedpConnector attaches to remote browsers over the DevTools protocol.
type ChromedpConnector struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

func NewChromedpConnector(cfg config.BrowserConfig, logger *zap.Logger) *ChromedpConnector {
	if cfg.AttachTimeout <= 0 {
		cfg.AttachTimeout = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromedpConnector{cfg: cfg, logger: logger.Named("chromedp")}
}

type chromedpConn struct {
	pageCtx     context.Context
	allocCancel context.CancelFunc
	pingTimeout time.Duration
}

type attachResult struct {
	pageCtx context.Context
	err     error
}

// Connect attaches to the browser's default context and picks its first page
// target, opening a new tab when there is none.
func (c *ChromedpConnector) Connect(ctx context.Context, endpoint string) (Conn, error) {
	var opts []chromedp.RemoteAllocatorOption
	// launch flags travel in the query string; chromedp would drop them while
	// resolving the browser websocket URL
	if u, err := url.Parse(endpoint); err == nil && u.RawQuery != "" {
		opts = append(opts, chromedp.NoModifyURL)
	}

	// The connection outlives the acquiring call, so it is rooted in
	// Background and bounded by the attach timeout instead of ctx.
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), endpoint, opts...)
	sugar := c.logger.Sugar()
	browserCtx, _ := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Warnf),
	)

	done := make(chan attachResult, 1)
	go func() {
		pageCtx, err := attach(browserCtx)
		done <- attachResult{pageCtx: pageCtx, err: err}
	}()

	timer := time.NewTimer(c.cfg.AttachTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			allocCancel()
			return nil, fmt.Errorf("%w: attach %s: %v", ErrConnection, endpoint, res.err)
		}
		return &chromedpConn{pageCtx: res.pageCtx, allocCancel: allocCancel, pingTimeout: c.cfg.PingTimeout}, nil
	case <-ctx.Done():
		allocCancel()
		return nil, fmt.Errorf("%w: attach %s: %v", ErrConnection, endpoint, ctx.Err())
	case <-timer.C:
		allocCancel()
		return nil, fmt.Errorf("%w: attach %s: timed out after %s", ErrConnection, endpoint, c.cfg.AttachTimeout)
	}
}

func attach(browserCtx context.Context) (context.Context, error) {
	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		return nil, err
	}

	for _, t := range targets {
		if t.Type == "page" {
			pageCtx, _ := chromedp.NewContext(browserCtx, chromedp.WithTargetID(t.TargetID))
			if err := chromedp.Run(pageCtx); err != nil {
				return nil, err
			}
			return pageCtx, nil
		}
	}

	pageCtx, _ := chromedp.NewContext(browserCtx)
	if err := chromedp.Run(pageCtx); err != nil {
		return nil, err
	}
	return pageCtx, nil
}

func (c *chromedpConn) Context() context.Context { return c.pageCtx }

func (c *chromedpConn) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	// Bind the deadline to the page context without replacing it.
	runCtx, runCancel := context.WithCancel(c.pageCtx)
	defer runCancel()
	stop := context.AfterFunc(ctx, runCancel)
	defer stop()

	var ready string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(`document.readyState`, &ready)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Close drops the DevTools connection.
func (c *chromedpConn) Close() error {
	c.allocCancel()
	return nil
}
