// Package docker runs each browser profile as a browserless/chrome container
// with a persistent user-data directory on the host.
package docker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/copyleftdev/profilepool/internal/config"
	"github.com/copyleftdev/profilepool/internal/profile"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// profileNamespace derives stable profile ids from names, so a restart maps a
// name back onto the same user-data directory.
var profileNamespace = uuid.MustParse("6f1f4c1e-2b8e-4d6a-9f3b-0c1d2e3f4a5b")

type record struct {
	info        profile.Info
	opts        profile.Options
	containerID string
	hostPort    string
}

type Backend struct {
	cfg    config.DockerBackendConfig
	engine engine
	logger *zap.Logger
	client *http.Client

	pollInterval time.Duration

	mu       sync.RWMutex
	profiles map[string]*record

	launches singleflight.Group
}

// New connects to the Docker daemon described by the environment.
func New(cfg config.DockerBackendConfig, logger *zap.Logger) (*Backend, error) {
	eng, err := newDockerEngine()
	if err != nil {
		return nil, err
	}
	return newWithEngine(cfg, eng, logger), nil
}

func newWithEngine(cfg config.DockerBackendConfig, eng engine, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	return &Backend{
		cfg:          cfg,
		engine:       eng,
		logger:       logger.Named("docker-backend"),
		client:       &http.Client{Timeout: 2 * time.Second},
		pollInterval: 200 * time.Millisecond,
		profiles:     make(map[string]*record),
	}
}

// EnsureImage pulls the browser image when it is not present locally.
func (b *Backend) EnsureImage(ctx context.Context) error {
	b.logger.Info("Ensuring browser image", zap.String("image", b.cfg.Image))
	return b.engine.EnsureImage(ctx, b.cfg.Image)
}

func (b *Backend) CreateOrUpdateProfile(ctx context.Context, name string, opts profile.Options) (profile.Info, error) {
	if name == "" {
		return profile.Info{}, fmt.Errorf("profile name is required")
	}

	id := uuid.NewSHA1(profileNamespace, []byte(name)).String()
	if err := os.MkdirAll(b.userDataDir(id), 0o755); err != nil {
		return profile.Info{}, fmt.Errorf("failed to create user data dir: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.profiles[id]
	if !ok {
		rec = &record{info: profile.Info{ID: id, Name: name}}
		b.profiles[id] = rec
		b.logger.Info("Profile created", zap.String("profile_id", id), zap.String("name", name))
	}
	rec.opts = copyOptions(opts)
	return rec.info, nil
}

func (b *Backend) LaunchProfile(ctx context.Context, id string) (profile.LaunchInfo, error) {
	v, err, _ := b.launches.Do(id, func() (interface{}, error) {
		return b.launch(ctx, id)
	})
	if err != nil {
		return profile.LaunchInfo{}, err
	}
	return v.(profile.LaunchInfo), nil
}

func (b *Backend) launch(ctx context.Context, id string) (profile.LaunchInfo, error) {
	b.mu.RLock()
	rec, ok := b.profiles[id]
	var (
		opts        profile.Options
		containerID string
		hostPort    string
	)
	if ok {
		opts = copyOptions(rec.opts)
		containerID, hostPort = rec.containerID, rec.hostPort
	}
	b.mu.RUnlock()

	if !ok {
		return profile.LaunchInfo{}, fmt.Errorf("%w: %s", profile.ErrNotFound, id)
	}

	if containerID != "" {
		if b.engine.Running(ctx, containerID) {
			return b.launchInfo(hostPort, opts)
		}
		b.logger.Warn("Profile container no longer running, relaunching",
			zap.String("profile_id", id), zap.String("container_id", containerID))
		_ = b.engine.Remove(ctx, containerID, b.cfg.StopTimeout)
		b.setContainer(id, "", "")
	}

	spec := containerSpec{
		Name:        "profile-" + id[:8],
		Image:       b.cfg.Image,
		ProfileID:   id,
		UserDataDir: b.userDataDir(id),
	}
	containerID, hostPort, err := b.engine.Run(ctx, spec)
	if err != nil {
		if containerID != "" {
			_ = b.engine.Remove(ctx, containerID, b.cfg.StopTimeout)
		}
		return profile.LaunchInfo{}, fmt.Errorf("%w: %v", profile.ErrLaunch, err)
	}

	if err := b.waitReady(ctx, hostPort); err != nil {
		_ = b.engine.Remove(ctx, containerID, b.cfg.StopTimeout)
		return profile.LaunchInfo{}, fmt.Errorf("%w: %v", profile.ErrLaunch, err)
	}

	b.setContainer(id, containerID, hostPort)
	b.logger.Info("Profile launched",
		zap.String("profile_id", id),
		zap.String("container_id", shortID(containerID)),
		zap.String("port", hostPort))

	return b.launchInfo(hostPort, opts)
}

func (b *Backend) CloseProfile(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	rec, ok := b.profiles[id]
	var containerID string
	if ok {
		containerID = rec.containerID
		rec.containerID, rec.hostPort = "", ""
	}
	b.mu.Unlock()

	if containerID == "" {
		return false, nil
	}

	if err := b.engine.Remove(ctx, containerID, b.cfg.StopTimeout); err != nil {
		return true, err
	}
	b.logger.Info("Profile closed", zap.String("profile_id", id))
	return true, nil
}

// Close stops every running profile container and releases the client.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.RLock()
	ids := make([]string, 0, len(b.profiles))
	for id, rec := range b.profiles {
		if rec.containerID != "" {
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range ids {
		if _, err := b.CloseProfile(ctx, id); err != nil {
			b.logger.Warn("Failed to close profile", zap.String("profile_id", id), zap.Error(err))
		}
	}
	return b.engine.Close()
}

func (b *Backend) setContainer(id, containerID, hostPort string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.profiles[id]; ok {
		rec.containerID, rec.hostPort = containerID, hostPort
	}
}

func (b *Backend) userDataDir(id string) string {
	dir := b.cfg.DataDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "profilepool")
	}
	abs, err := filepath.Abs(filepath.Join(dir, id))
	if err != nil {
		return filepath.Join(dir, id)
	}
	return abs
}

func (b *Backend) waitReady(ctx context.Context, hostPort string) error {
	timeout := b.cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	versionURL := fmt.Sprintf("http://%s/json/version", b.hostAddr(hostPort))

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
		if err != nil {
			return err
		}
		resp, err := b.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
	return fmt.Errorf("browser on port %s not ready after %s", hostPort, timeout)
}

func (b *Backend) hostAddr(hostPort string) string {
	return b.cfg.Host + ":" + hostPort
}

// launchInfo builds the DevTools endpoint. browserless accepts Chrome launch
// flags as query parameters on the websocket URL.
func (b *Backend) launchInfo(hostPort string, opts profile.Options) (profile.LaunchInfo, error) {
	port, err := strconv.Atoi(hostPort)
	if err != nil {
		return profile.LaunchInfo{}, fmt.Errorf("%w: invalid host port %q", profile.ErrLaunch, hostPort)
	}

	q := url.Values{}
	q.Set("--user-data-dir", "/data")
	if opts.Proxy != "" {
		q.Set("--proxy-server", opts.Proxy)
	}
	if ua := opts.Metadata["user_agent"]; ua != "" {
		q.Set("--user-agent", ua)
	}
	if lang := opts.Metadata["lang"]; lang != "" {
		q.Set("--lang", lang)
	}

	endpoint := url.URL{Scheme: "ws", Host: b.hostAddr(hostPort), RawQuery: q.Encode()}
	return profile.LaunchInfo{DebugPort: port, Endpoint: endpoint.String()}, nil
}

func copyOptions(opts profile.Options) profile.Options {
	out := profile.Options{Proxy: opts.Proxy}
	if len(opts.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
