package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/copyleftdev/profilepool/internal/browser"
)

// MockConnector implements browser.Connector for testing. Each Connect hands
// out a fresh MockConn.
type MockConnector struct {
	mu          sync.Mutex
	connects    map[string]int
	connectErrs map[string]error
	delay       time.Duration
	conns       []*MockConn
}

func NewMockConnector() *MockConnector {
	return &MockConnector{
		connects:    make(map[string]int),
		connectErrs: make(map[string]error),
	}
}

// Connect implements the Connector interface
func (m *MockConnector) Connect(ctx context.Context, endpoint string) (browser.Conn, error) {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.connects[endpoint]++
	if err, ok := m.connectErrs[endpoint]; ok {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &MockConn{endpoint: endpoint, ctx: connCtx, cancel: cancel}
	m.conns = append(m.conns, conn)
	return conn, nil
}

// FailConnect makes every connect to endpoint fail with err. A nil err clears it.
func (m *MockConnector) FailConnect(endpoint string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.connectErrs, endpoint)
		return
	}
	m.connectErrs[endpoint] = err
}

// SetDelay slows every Connect down, widening race windows in tests.
func (m *MockConnector) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *MockConnector) ConnectCount(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects[endpoint]
}

func (m *MockConnector) TotalConnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.connects {
		total += n
	}
	return total
}

// Conns returns every connection handed out so far, oldest first.
func (m *MockConnector) Conns() []*MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockConn, len(m.conns))
	copy(out, m.conns)
	return out
}

// Last returns the most recent connection, or nil.
func (m *MockConnector) Last() *MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		return nil
	}
	return m.conns[len(m.conns)-1]
}

// MockConn implements browser.Conn.
type MockConn struct {
	endpoint string
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	pingErr  error
	pings    int
	closed   bool
	closeErr error
}

func (c *MockConn) Endpoint() string { return c.endpoint }

func (c *MockConn) Context() context.Context { return c.ctx }

func (c *MockConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	if c.closed {
		return context.Canceled
	}
	return c.pingErr
}

func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cancel()
	return c.closeErr
}

// SetPingError makes subsequent pings fail with err.
func (c *MockConn) SetPingError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// SetCloseError makes Close report err after tearing down.
func (c *MockConn) SetCloseError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
}

func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockConn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}
