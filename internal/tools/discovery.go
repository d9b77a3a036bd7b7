package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/mcpagent/internal/failure"
	"github.com/szaher/mcpagent/internal/mcp"
)

// Discovery lists tools from ready connections and feeds them into the
// registry.
type Discovery struct {
	manager  *mcp.Manager
	registry *Registry
	logger   *slog.Logger
}

// NewDiscovery creates a discovery service.
func NewDiscovery(manager *mcp.Manager, registry *Registry, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{manager: manager, registry: registry, logger: logger}
}

// Discover refreshes every ready connection. Tools are listed concurrently
// and registered in configuration order, so under first-wins the earliest
// configured server keeps a contested name. Per-server failures, including
// name collisions, are returned keyed by server.
func (d *Discovery) Discover(ctx context.Context) map[string]error {
	var ready []*mcp.Connection
	for _, conn := range d.manager.Connections() {
		if conn.State() == mcp.StateReady {
			ready = append(ready, conn)
		}
	}

	listed := make([][]*Descriptor, len(ready))
	listErrs := make([]error, len(ready))
	var g errgroup.Group
	for i, conn := range ready {
		g.Go(func() error {
			listed[i], listErrs[i] = d.list(ctx, conn)
			return nil
		})
	}
	_ = g.Wait()

	errs := map[string]error{}
	for i, conn := range ready {
		if err := d.register(conn, listed[i], listErrs[i]); err != nil {
			errs[conn.Name()] = err
		}
	}
	return errs
}

// Refresh re-lists the tools of one connection and replaces its registry
// entries. Tools with malformed schemas are skipped and reported as
// ProtocolError alongside any collisions.
func (d *Discovery) Refresh(ctx context.Context, conn *mcp.Connection) error {
	descs, err := d.list(ctx, conn)
	return d.register(conn, descs, err)
}

// list fetches a connection's tools and compiles their schemas. A non-nil
// slice may come with an error for the tools that were skipped.
func (d *Discovery) list(ctx context.Context, conn *mcp.Connection) ([]*Descriptor, error) {
	remote, err := conn.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover tools from %s: %w", conn.Name(), err)
	}

	var errs []error
	descs := make([]*Descriptor, 0, len(remote))
	for _, t := range remote {
		schema, err := CompileSchema(t.InputSchema)
		if err != nil {
			errs = append(errs, &failure.Error{Kind: failure.KindProtocol, Op: "discover", Server: conn.Name(), Tool: t.Name, Err: err})
			continue
		}
		descs = append(descs, &Descriptor{RemoteName: t.Name, Description: t.Description, Schema: schema})
	}
	d.logger.Info("tools discovered", "server", conn.Name(), "listed", len(remote))
	return descs, errors.Join(errs...)
}

func (d *Discovery) register(conn *mcp.Connection, descs []*Descriptor, listErr error) error {
	if descs == nil {
		return listErr
	}
	return errors.Join(listErr, d.registry.Register(conn, descs))
}
