package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/copyleftdev/profilepool/internal/browser"
	"github.com/copyleftdev/profilepool/internal/dom"
	"github.com/copyleftdev/profilepool/internal/tasks"
	"go.uber.org/zap"
)

const (
	KindWarmup   = "warmup"
	KindOpen     = "open"
	KindWait     = "wait"
	KindCookies  = "cookies"
	KindSnapshot = "snapshot"
)

// Registry maps a batch kind to its processing function.
type Registry struct {
	pool   SessionPool
	logger *zap.Logger

	mu    sync.RWMutex
	kinds map[string]tasks.ProcessFunc
}

// NewRegistry returns a registry with the built-in kinds bound to p.
func NewRegistry(p SessionPool, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		pool:   p,
		logger: logger.Named("jobs"),
		kinds:  make(map[string]tasks.ProcessFunc),
	}
	r.RegisterSessionJob(KindWarmup, warmup)
	r.RegisterSessionJob(KindOpen, open)
	r.RegisterSessionJob(KindWait, wait)
	r.RegisterSessionJob(KindCookies, cookies)
	r.RegisterSessionJob(KindSnapshot, snapshot)
	return r
}

func (r *Registry) Register(kind string, fn tasks.ProcessFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[kind]; exists {
		r.logger.Warn("Replacing job kind", zap.String("kind", kind))
	}
	r.kinds[kind] = fn
}

// RegisterSessionJob registers fn wrapped in WithSession.
func (r *Registry) RegisterSessionJob(kind string, fn SessionFunc) {
	r.Register(kind, func(ctx context.Context, item tasks.Item) (tasks.Outcome, error) {
		return WithSession(ctx, r.pool, item, fn)
	})
}

func (r *Registry) Get(kind string) (tasks.ProcessFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.kinds[kind]
	return fn, ok
}

// Kinds lists registered kinds in order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func warmup(ctx context.Context, sess *browser.Session, item tasks.Item) (tasks.Outcome, error) {
	var url, title string
	if err := chromedp.Run(ctx, dom.PageInfoAction(&url, &title)); err != nil {
		return tasks.Outcome{}, err
	}
	return tasks.Outcome{
		Message: "attached at " + url,
		Data:    map[string]string{"url": url, "title": title},
	}, nil
}

func open(ctx context.Context, sess *browser.Session, item tasks.Item) (tasks.Outcome, error) {
	target := stringArg(item.Args, "url")
	if target == "" {
		return tasks.Outcome{}, fmt.Errorf("open requires a url argument")
	}

	var url, title string
	err := chromedp.Run(ctx,
		dom.NavigateAction(target),
		dom.PageInfoAction(&url, &title),
	)
	if err != nil {
		return tasks.Outcome{}, fmt.Errorf("navigate %s: %w", target, err)
	}
	return tasks.Outcome{
		Message: title,
		Data:    map[string]string{"url": url, "title": title},
	}, nil
}

func wait(ctx context.Context, sess *browser.Session, item tasks.Item) (tasks.Outcome, error) {
	selector := stringArg(item.Args, "selector")
	if selector == "" {
		return tasks.Outcome{}, fmt.Errorf("wait requires a selector argument")
	}

	var actions chromedp.Tasks
	if target := stringArg(item.Args, "url"); target != "" {
		actions = append(actions, dom.NavigateAction(target))
	}
	actions = append(actions, dom.WaitVisibleAction(selector))

	if err := chromedp.Run(ctx, actions); err != nil {
		return tasks.Outcome{}, fmt.Errorf("wait for %s: %w", selector, err)
	}
	return tasks.Outcome{Message: selector + " visible"}, nil
}

func cookies(ctx context.Context, sess *browser.Session, item tasks.Item) (tasks.Outcome, error) {
	var all []*network.Cookie
	if err := chromedp.Run(ctx, dom.CookiesAction(&all)); err != nil {
		return tasks.Outcome{}, err
	}

	domains := make(map[string]int)
	for _, c := range all {
		domains[c.Domain]++
	}
	return tasks.Outcome{
		Message: fmt.Sprintf("%d cookies", len(all)),
		Data:    map[string]interface{}{"count": len(all), "domains": domains},
	}, nil
}

func snapshot(ctx context.Context, sess *browser.Session, item tasks.Item) (tasks.Outcome, error) {
	selector := stringArg(item.Args, "selector")
	if selector == "" {
		selector = "body"
	}

	var actions chromedp.Tasks
	if target := stringArg(item.Args, "url"); target != "" {
		actions = append(actions, dom.NavigateAction(target))
	}
	var raw string
	actions = append(actions, dom.OuterHTMLAction(selector, &raw))

	if err := chromedp.Run(ctx, actions); err != nil {
		return tasks.Outcome{}, fmt.Errorf("snapshot %s: %w", selector, err)
	}

	simplified, err := dom.Simplify(raw)
	if err != nil {
		return tasks.Outcome{}, fmt.Errorf("simplify snapshot: %w", err)
	}
	return tasks.Outcome{
		Message: fmt.Sprintf("%d bytes", len(simplified)),
		Data:    map[string]string{"html": simplified},
	}, nil
}
