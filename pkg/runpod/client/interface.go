package client

import "context"

// RunPodClient defines the backend operations the node provider depends on.
// It is implemented by Client and can be mocked for testing.
type RunPodClient interface {
	// ListPods enumerates every pod visible to the API key
	ListPods(ctx context.Context) ([]Pod, error)

	// CreatePod requests a new pod. A nil pod or empty ID means the backend
	// accepted the call without handing back a usable identifier.
	CreatePod(ctx context.Context, req *CreatePodRequest) (*Pod, error)

	// SetTags replaces the tag set stored on a pod
	SetTags(ctx context.Context, podID string, tags map[string]string) error

	// RemovePod terminates a pod. Removing an unknown pod is not an error.
	RemovePod(ctx context.Context, podID string) error

	// Close cleans up client resources
	Close() error
}

// Ensure Client implements RunPodClient interface
var _ RunPodClient = (*Client)(nil)
