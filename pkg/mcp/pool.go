// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/store"
)

// ErrPoolClosed is returned when a closed pool is used.
var ErrPoolClosed = stderrors.New("mcp pool is closed")

// Pool lazily opens one client per connection and shares it for the lifetime
// of a run. Close releases every client that was opened.
type Pool struct {
	conns   map[string]store.Connection
	opts    []ClientOption
	connect func(ctx context.Context, conn store.Connection, opts ...ClientOption) (*Client, error)
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithClientOptions applies opts to every client the pool opens.
func WithClientOptions(opts ...ClientOption) PoolOption {
	return func(p *Pool) { p.opts = append(p.opts, opts...) }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool over the given connections.
func NewPool(conns []store.Connection, opts ...PoolOption) *Pool {
	p := &Pool{
		conns:   make(map[string]store.Connection, len(conns)),
		connect: Connect,
		logger:  slog.Default(),
		clients: make(map[string]*Client),
	}
	for _, c := range conns {
		p.conns[c.Name] = c
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the client for the named connection, connecting on first use.
func (p *Pool) Get(ctx context.Context, name string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if c, ok := p.clients[name]; ok {
		return c, nil
	}
	conn, ok := p.conns[name]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "connection %q is not available to this run", name)
	}
	c, err := p.connect(ctx, conn, p.opts...)
	if err != nil {
		return nil, err
	}
	p.clients[name] = c
	p.logger.DebugContext(ctx, "mcp connection opened", "connection", name, "transport", conn.Transport)
	return c, nil
}

// Names lists the connections known to the pool.
func (p *Pool) Names() []string {
	names := make([]string, 0, len(p.conns))
	for name := range p.conns {
		names = append(names, name)
	}
	return names
}

// Close closes every open client. It is safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for name, c := range p.clients {
		if err := c.Close(); err != nil {
			p.logger.Warn("closing mcp connection", "connection", name, "error", err)
			errs = append(errs, err)
		}
	}
	p.clients = nil
	return stderrors.Join(errs...)
}
