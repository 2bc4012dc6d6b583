package provider

import (
	"maps"

	"github.com/podscale/runpod-node-provider/pkg/runpod/client"
)

const (
	// TagClusterName is the reserved tag that ties a pod to a cluster
	TagClusterName = "cluster-name"

	// DefaultImageName is used when NodeConfig.ImageName is empty
	DefaultImageName = "nvidia/cuda:12.2.0-base-ubuntu20.04"

	// envPublicKey is the pod environment variable RunPod images read the SSH key from
	envPublicKey = "PUBLIC_KEY"
)

// ProviderConfig identifies where nodes are created and which credentials to use.
// The refs are resolved by a credentials.Resolver.
type ProviderConfig struct {
	Region    string `json:"region,omitempty"`
	APIKeyRef string `json:"apiKeyRef"`
	SSHKeyRef string `json:"sshKeyRef,omitempty"`
}

// NodeConfig describes the node to create. InstanceType is passed through to
// RunPod as the GPU type id.
type NodeConfig struct {
	InstanceType string            `json:"instanceType"`
	ImageName    string            `json:"imageName,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// Node is a cluster member as seen in the last refresh
type Node struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Tags         map[string]string `json:"tags"`
	Address      string            `json:"address,omitempty"`
	Status       string            `json:"status,omitempty"`
	InstanceType string            `json:"instanceType,omitempty"`
}

func (n Node) clone() Node {
	n.Tags = maps.Clone(n.Tags)
	if n.Tags == nil {
		n.Tags = map[string]string{}
	}
	return n
}

func nodeFromPod(p client.Pod) Node {
	return Node{
		ID:           p.ID,
		Name:         p.Name,
		Tags:         p.Tags,
		Address:      p.PublicIP,
		Status:       p.DesiredStatus,
		InstanceType: p.GPUTypeID,
	}.clone()
}

// TagFilter selects nodes by tag. A node matches when every filter key is
// present in its tags with an equal value. An empty filter matches everything.
type TagFilter map[string]string

// Matches reports whether tags satisfy the filter
func (f TagFilter) Matches(tags map[string]string) bool {
	for k, want := range f {
		got, ok := tags[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// apply returns copies of the nodes matching the filter
func (f TagFilter) apply(nodes map[string]Node) map[string]Node {
	out := make(map[string]Node, len(nodes))
	for id, n := range nodes {
		if f.Matches(n.Tags) {
			out[id] = n.clone()
		}
	}
	return out
}

// mergeTags returns a new map holding base overlaid by each override in turn.
// Later maps win on key conflicts; empty values are kept.
func mergeTags(base map[string]string, overrides ...map[string]string) map[string]string {
	merged := maps.Clone(base)
	if merged == nil {
		merged = make(map[string]string)
	}
	for _, o := range overrides {
		maps.Copy(merged, o)
	}
	return merged
}
