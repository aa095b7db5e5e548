package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nicebartender/canvas-relay/logger"
)

// Pool manages dispatcher clients.
// One client per unique (broker url, channel) pair.
type Pool struct {
	opts   Options
	log    *logger.Logger
	logger *logger.Logger

	mu      sync.Mutex
	clients map[string]*Client // key: "url|channel"
}

// NewPool creates a pool whose clients share opts apart from the broker URL.
func NewPool(opts Options, log *logger.Logger) *Pool {
	return &Pool{
		opts:    opts,
		log:     log,
		logger:  log.WithComponent("dispatcher_pool"),
		clients: make(map[string]*Client),
	}
}

// Get returns a connected, joined client for url and channel, creating one if
// needed.
func (p *Pool) Get(ctx context.Context, url, channel string) (*Client, error) {
	key := url + "|" + channel
	p.mu.Lock()
	c, ok := p.clients[key]
	p.mu.Unlock()
	if ok {
		if c.Connected() && c.Joined() {
			return c, nil
		}
		// stale: drop it and build a fresh one
		p.remove(key, c)
	}

	p.logger.Info("connecting", zap.String("url", url), zap.String("channel", channel))
	opts := p.opts
	opts.Transport.URL = url
	c = New(opts, p.log)
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.Join(ctx, channel); err != nil {
		p.logger.WithError(err).Warn("join failed", zap.String("url", url), zap.String("channel", channel))
		_ = c.Close()
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.clients[key]; ok {
		// lost a race with another Get
		p.mu.Unlock()
		_ = c.Close()
		return existing, nil
	}
	p.clients[key] = c
	p.mu.Unlock()
	return c, nil
}

func (p *Pool) remove(key string, c *Client) {
	p.mu.Lock()
	if p.clients[key] == c {
		delete(p.clients, key)
	}
	p.mu.Unlock()
	_ = c.Close()
}

// Len returns the number of pooled clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every pooled client.
func (p *Pool) Close() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()
	for _, c := range clients {
		_ = c.Close()
	}
}
