package provider

import "context"

// NodeProvider is the lifecycle contract an autoscaling controller drives.
// Implementations are safe for concurrent use.
type NodeProvider interface {
	// Refresh enumerates the backend, replaces the snapshot and returns the
	// nodes matching filter
	Refresh(ctx context.Context, filter TagFilter) (map[string]Node, error)

	// ListActiveNodeIDs refreshes and returns the matching ids in ascending order
	ListActiveNodeIDs(ctx context.Context, filter TagFilter) ([]string, error)

	IsRunning(ctx context.Context, id string) (bool, error)
	IsTerminated(ctx context.Context, id string) (bool, error)
	NodeTags(ctx context.Context, id string) (map[string]string, error)
	NodeAddress(ctx context.Context, id string, external bool) (string, error)
	ExternalIP(ctx context.Context, id string) (string, error)
	InternalIP(ctx context.Context, id string) (string, error)
	Node(ctx context.Context, id string) (Node, error)

	// CreateNode creates exactly one node and returns its id
	CreateNode(ctx context.Context, config NodeConfig, tags map[string]string, count int) (string, error)
	SetNodeTags(ctx context.Context, id string, tags map[string]string) error
	TerminateNode(ctx context.Context, id string) error
}

var _ NodeProvider = (*Provider)(nil)
