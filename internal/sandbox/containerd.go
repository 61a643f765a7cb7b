package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

const dialTimeout = 5 * time.Second

// Client wraps the containerd client with namespace scoping, an image cache,
// and reconnection when the daemon restarts.
type Client struct {
	socket    string
	namespace string

	mu     sync.RWMutex
	inner  *containerd.Client
	closed bool
}

func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := dialContainerd(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

func dialContainerd(ctx context.Context, socket, namespace string) (*containerd.Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(dialTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}
	return inner, nil
}

func (c *Client) raw() *containerd.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner
}

func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy pings the daemon and reconnects once if the connection is stale.
func (c *Client) Healthy(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	inner := c.inner
	c.mu.RUnlock()

	if closed {
		return fmt.Errorf("containerd client closed")
	}
	if _, err := inner.Version(ctx); err == nil {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inner, err := dialContainerd(ctx, c.socket, c.namespace)
	if err != nil {
		return fmt.Errorf("reconnecting to containerd: %w", err)
	}
	if c.inner != nil {
		_ = c.inner.Close()
	}
	c.inner = inner
	log.Info().Msg("reconnected to containerd")
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// EnsureImage returns a local image, pulling and unpacking it when allowed.
func (c *Client) EnsureImage(ctx context.Context, ref string, pull bool) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)
	inner := c.raw()

	image, err := inner.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("looking up image %s: %w", ref, err)
	}
	if !pull {
		return nil, fmt.Errorf("image %s not present and pulling is disabled", ref)
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	image, err = inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	log.Info().Str("ref", ref).Msg("image pulled")
	return image, nil
}
