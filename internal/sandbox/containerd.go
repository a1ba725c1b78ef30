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

// Client is a containerd connection bound to one namespace.
type Client struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
}

// NewClient connects to containerd and verifies the connection.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
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

// Raw exposes the client for calls Client does not wrap.
func (c *Client) Raw() *containerd.Client {
	return c.inner
}

// WithNamespace returns a context with the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy checks if the containerd connection is alive.
func (c *Client) Healthy(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	if _, err := c.inner.Version(ctx); err != nil {
		return fmt.Errorf("containerd not reachable at %s: %w", c.socket, err)
	}
	return nil
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// Image resolves ref in the namespace. Runner images are normally
// imported ahead of time; with pull set a missing image is fetched. Either
// way the image is unpacked into the default snapshotter before use.
func (c *Client) Image(ctx context.Context, ref string, pull bool) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)

	image, err := c.inner.GetImage(ctx, ref)
	switch {
	case err == nil:
	case errdefs.IsNotFound(err) && pull:
		log.Info().Str("ref", ref).Msg("pulling runner image")
		if image, err = c.inner.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
			return nil, fmt.Errorf("pulling image %s: %w", ref, err)
		}
		return image, nil
	default:
		return nil, fmt.Errorf("image %s not available in namespace %s: %w", ref, c.namespace, err)
	}

	unpacked, err := image.IsUnpacked(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("checking snapshot of %s: %w", ref, err)
	}
	if !unpacked {
		if err := image.Unpack(ctx, ""); err != nil {
			return nil, fmt.Errorf("unpacking image %s: %w", ref, err)
		}
	}
	return image, nil
}
