package sdkmcp

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/apperr"
	"github.com/agentz/agentz/internal/logging"
	"github.com/agentz/agentz/internal/security"
)

// Caps on the connection pool (spec §4.3.d).
const (
	maxConnsPerServer = 3
	maxConnsTotal     = 10
	idleEviction      = 5 * time.Minute
)

type pooledConn struct {
	client   *mcpclient.Client
	server   string
	lastUsed time.Time
}

// Pool manages MCP client connections, enforcing per-server and global
// caps and evicting idle connections (spec §4.3.d).
type Pool struct {
	logger *logging.Logger

	mu        sync.Mutex
	byServer  map[string][]*pooledConn
	inUse     map[string]int
	total     int
}

// NewPool constructs an empty Pool and starts its idle-eviction sweep.
func NewPool(logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.Default()
	}
	p := &Pool{
		logger:   logger.WithFields(zap.String("component", "mcp-pool")),
		byServer: make(map[string][]*pooledConn),
		inUse:    make(map[string]int),
	}
	go p.evictLoop()
	return p
}

func (p *Pool) evictLoop() {
	ticker := time.NewTicker(idleEviction / 5)
	defer ticker.Stop()
	for range ticker.C {
		p.evictIdle()
	}
}

func (p *Pool) evictIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-idleEviction)
	for name, conns := range p.byServer {
		kept := conns[:0]
		for _, c := range conns {
			if c.lastUsed.Before(cutoff) {
				_ = c.client.Close()
				p.total--
				continue
			}
			kept = append(kept, c)
		}
		p.byServer[name] = kept
	}
}

// Acquire returns a connected client for server, reusing a pooled idle
// connection if available, respecting per-server and global caps.
// serverCount must reflect connections currently checked out, not just
// idle ones in byServer — Acquire itself empties byServer[srv.Name] for
// the duration of the caller's use, so inUse is the only count that
// stays accurate across a reuse.
func (p *Pool) Acquire(ctx context.Context, srv ServerConfig) (*mcpclient.Client, error) {
	if err := validateServer(ctx, srv); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if conns := p.byServer[srv.Name]; len(conns) > 0 {
		c := conns[len(conns)-1]
		p.byServer[srv.Name] = conns[:len(conns)-1]
		p.inUse[srv.Name]++
		p.mu.Unlock()
		c.lastUsed = time.Now()
		return c.client, nil
	}
	serverCount := p.inUse[srv.Name]
	total := p.total
	p.mu.Unlock()

	if serverCount >= maxConnsPerServer {
		return nil, apperr.New(apperr.KindResourceExhausted, "mcp connection pool: per-server cap reached: "+srv.Name)
	}
	if total >= maxConnsTotal {
		return nil, apperr.New(apperr.KindResourceExhausted, "mcp connection pool: global cap reached")
	}

	client, err := dial(ctx, srv)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackendLaunch, "mcp dial failed: "+srv.Name, err)
	}

	p.mu.Lock()
	p.total++
	p.inUse[srv.Name]++
	p.mu.Unlock()
	return client, nil
}

// Release returns a client to the pool for reuse.
func (p *Pool) Release(srv ServerConfig, client *mcpclient.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byServer[srv.Name] = append(p.byServer[srv.Name], &pooledConn{client: client, server: srv.Name, lastUsed: time.Now()})
	p.inUse[srv.Name]--
}

// Close shuts down every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conns := range p.byServer {
		for _, c := range conns {
			_ = c.client.Close()
		}
	}
	p.byServer = make(map[string][]*pooledConn)
	p.inUse = make(map[string]int)
	p.total = 0
}

func dial(ctx context.Context, srv ServerConfig) (*mcpclient.Client, error) {
	var c *mcpclient.Client
	var err error
	switch srv.Transport {
	case "stdio":
		env := make([]string, 0, len(srv.Env))
		for k, v := range srv.Env {
			env = append(env, k+"="+v)
		}
		c, err = mcpclient.NewStdioMCPClient(srv.Command, env, srv.Args...)
	case "sse":
		c, err = mcpclient.NewSSEMCPClient(srv.URL)
	default:
		c, err = mcpclient.NewStreamableHttpClient(srv.URL)
	}
	if err != nil {
		return nil, err
	}

	if _, err := c.Initialize(ctx, mcp.InitializeRequest{}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c, nil
}

// validateServer enforces §4.8's hostname blacklist against each MCP
// server before it's ever dialed.
func validateServer(ctx context.Context, srv ServerConfig) error {
	if srv.OAuth {
		return apperr.New(apperr.KindSecurityViolation, "mcp server requires oauth, skipped: "+srv.Name)
	}
	if srv.Transport == "stdio" {
		return nil // no network host to validate
	}

	u, err := url.Parse(srv.URL)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, "invalid mcp server url: "+srv.Name, err)
	}
	host := u.Hostname()
	if host == "" {
		return apperr.New(apperr.KindInvalidArgument, "mcp server url missing host: "+srv.Name)
	}
	return security.CheckMCPHost(host, func(h string) ([]net.IP, error) {
		return net.DefaultResolver.LookupIP(ctx, "ip", h)
	})
}
