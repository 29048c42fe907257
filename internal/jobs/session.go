// Package jobs provides the built-in, site-agnostic processing functions a
// batch can run. Each treats its item as a profile name.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/copyleftdev/profilepool/internal/browser"
	"github.com/copyleftdev/profilepool/internal/pool"
	"github.com/copyleftdev/profilepool/internal/profile"
	"github.com/copyleftdev/profilepool/internal/tasks"
)

const defaultStepTimeout = time.Minute

// errStopped ends an acquire retry loop once the task is stopping.
var errStopped = errors.New("task stop requested")

// SessionPool is the slice of the pool jobs need.
type SessionPool interface {
	AcquireByProfileName(ctx context.Context, name, taskID string, opts profile.Options, forceNew bool) (*browser.Session, error)
	Release(ctx context.Context, id string, closeSession bool) bool
	RetryPolicy() pool.RetryPolicy
}

// SessionFunc drives one acquired session. ctx is the page context bounded by
// the step timeout.
type SessionFunc func(ctx context.Context, sess *browser.Session, item tasks.Item) (tasks.Outcome, error)

// WithSession acquires the session for item.ID with retry, runs fn and
// releases the session. args: proxy, metadata, force_new, close, timeout.
func WithSession(ctx context.Context, p SessionPool, item tasks.Item, fn SessionFunc) (tasks.Outcome, error) {
	opts := profile.Options{
		Proxy:    stringArg(item.Args, "proxy"),
		Metadata: stringMapArg(item.Args, "metadata"),
	}
	forceNew := boolArg(item.Args, "force_new")
	closeAfter := boolArg(item.Args, "close")

	sess, err := pool.Retry(ctx, p.RetryPolicy(), func(ctx context.Context) (*browser.Session, error) {
		if item.Stopped() {
			return nil, errStopped
		}
		sess, err := p.AcquireByProfileName(ctx, item.ID, item.TaskID.String(), opts, forceNew)
		if err != nil && pool.IsRetryable(err) {
			item.Logf("acquire failed, retrying: %v", err)
		}
		return sess, err
	})
	if err != nil {
		return tasks.Outcome{}, fmt.Errorf("acquire session: %w", err)
	}
	defer p.Release(ctx, sess.ID(), closeAfter)

	timeout := durationArg(item.Args, "timeout", defaultStepTimeout)
	stepCtx, cancel := context.WithTimeout(sess.Context(), timeout)
	defer cancel()

	// shutdown of the manager also ends the step
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return fn(stepCtx, sess, item)
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func boolArg(args map[string]interface{}, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

func durationArg(args map[string]interface{}, key string, def time.Duration) time.Duration {
	switch v := args[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case time.Duration:
		if v > 0 {
			return v
		}
	}
	return def
}

func stringMapArg(args map[string]interface{}, key string) map[string]string {
	switch v := args[key].(type) {
	case map[string]string:
		return v
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}
