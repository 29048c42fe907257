// Package profile defines the contract for the external service that owns
// browser profiles: it stores named identities and launches them.
package profile

import (
	"context"
	"errors"
)

var (
	// ErrLaunch marks a backend failure to start a profile. Callers may retry,
	// possibly with a different profile.
	ErrLaunch = errors.New("profile launch failed")
	// ErrNotFound is returned for an unknown profile identifier.
	ErrNotFound = errors.New("profile not found")
)

// Options carries the identity settings applied on create-or-update.
type Options struct {
	Proxy    string            `json:"proxy,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"` // fingerprint hints: user_agent, lang, timezone...
}

type Info struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LaunchInfo describes a running profile. Endpoint is a ws:// or http://
// DevTools address a session can attach to.
type LaunchInfo struct {
	DebugPort int    `json:"debug_port"`
	Endpoint  string `json:"endpoint"`
}

// Backend is implemented by every profile store/launcher.
type Backend interface {
	// CreateOrUpdateProfile returns the stable identifier for name, creating
	// the profile if needed and applying opts.
	CreateOrUpdateProfile(ctx context.Context, name string, opts Options) (Info, error)
	// LaunchProfile starts the profile (or returns the running instance).
	// Failures wrap ErrLaunch.
	LaunchProfile(ctx context.Context, id string) (LaunchInfo, error)
	// CloseProfile terminates a running profile. It reports whether anything
	// was running.
	CloseProfile(ctx context.Context, id string) (bool, error)
}
