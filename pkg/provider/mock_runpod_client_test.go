package provider

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/podscale/runpod-node-provider/pkg/runpod/client"
)

// MockRunPodClient is an in-memory RunPod backend for testing
type MockRunPodClient struct {
	mu sync.Mutex

	// Pods stores the mocked pods by ID
	Pods map[string]*client.Pod

	// NextID is the suffix of the next pod ID to assign
	NextID int

	// ListPodsFunc allows custom behavior for ListPods
	ListPodsFunc func(ctx context.Context) ([]client.Pod, error)

	// CreatePodFunc allows custom behavior for CreatePod
	CreatePodFunc func(ctx context.Context, req *client.CreatePodRequest) (*client.Pod, error)

	// SetTagsFunc allows custom behavior for SetTags
	SetTagsFunc func(ctx context.Context, podID string, tags map[string]string) error

	// RemovePodFunc allows custom behavior for RemovePod
	RemovePodFunc func(ctx context.Context, podID string) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// Requests records every CreatePod request
	Requests []client.CreatePodRequest
}

// NewMockRunPodClient creates a new mock RunPod client
func NewMockRunPodClient() *MockRunPodClient {
	return &MockRunPodClient{
		Pods:       make(map[string]*client.Pod),
		NextID:     1,
		CallCounts: make(map[string]int),
	}
}

// AddPod stores a pod as if it had been created out of band
func (m *MockRunPodClient) AddPod(id, status, ip string, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pods[id] = &client.Pod{
		ID:            id,
		Name:          id,
		DesiredStatus: status,
		PublicIP:      ip,
		GPUTypeID:     "NVIDIA RTX A4000",
		Tags:          maps.Clone(tags),
	}
}

// Calls returns how many times method was called
func (m *MockRunPodClient) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

// Pod returns a copy of a stored pod
func (m *MockRunPodClient) Pod(id string) (client.Pod, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Pods[id]
	if !ok {
		return client.Pod{}, false
	}
	cp := *p
	cp.Tags = maps.Clone(p.Tags)
	return cp, true
}

// count records a call and returns the override, which is invoked without the
// lock held so blocking overrides cannot deadlock concurrent callers
func (m *MockRunPodClient) count(method string) {
	m.mu.Lock()
	m.CallCounts[method]++
	m.mu.Unlock()
}

// ListPods lists all mock pods ordered by ID
func (m *MockRunPodClient) ListPods(ctx context.Context) ([]client.Pod, error) {
	m.count("ListPods")
	if m.ListPodsFunc != nil {
		return m.ListPodsFunc(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pods := make([]client.Pod, 0, len(m.Pods))
	for _, p := range m.Pods {
		cp := *p
		cp.Tags = maps.Clone(p.Tags)
		pods = append(pods, cp)
	}
	sort.Slice(pods, func(i, j int) bool { return pods[i].ID < pods[j].ID })
	return pods, nil
}

// CreatePod creates a mock pod in RUNNING state without tags
func (m *MockRunPodClient) CreatePod(ctx context.Context, req *client.CreatePodRequest) (*client.Pod, error) {
	m.count("CreatePod")
	m.mu.Lock()
	m.Requests = append(m.Requests, *req)
	m.mu.Unlock()

	if m.CreatePodFunc != nil {
		return m.CreatePodFunc(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("pod-%03d", m.NextID)
	m.NextID++

	pod := &client.Pod{
		ID:            id,
		Name:          req.Name,
		DesiredStatus: client.PodStatusRunning,
		ImageName:     req.ImageName,
		PublicIP:      fmt.Sprintf("203.0.113.%d", m.NextID%256),
		GPUTypeID:     req.GPUTypeIDs[0],
		GPUCount:      req.GPUCount,
	}
	m.Pods[id] = pod

	cp := *pod
	return &cp, nil
}

// SetTags replaces the tags of a mock pod
func (m *MockRunPodClient) SetTags(ctx context.Context, podID string, tags map[string]string) error {
	m.count("SetTags")
	if m.SetTagsFunc != nil {
		return m.SetTagsFunc(ctx, podID, tags)
	}
	return m.setTags(podID, tags)
}

func (m *MockRunPodClient) setTags(podID string, tags map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Pods[podID]
	if !ok {
		return client.NewAPIError(404, "pod not found", "")
	}
	p.Tags = maps.Clone(tags)
	return nil
}

// RemovePod marks a mock pod TERMINATED. Unknown pods are not an error.
func (m *MockRunPodClient) RemovePod(ctx context.Context, podID string) error {
	m.count("RemovePod")
	if m.RemovePodFunc != nil {
		return m.RemovePodFunc(ctx, podID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.Pods[podID]; ok {
		p.DesiredStatus = client.PodStatusTerminated
	}
	return nil
}

// Close is a no-op
func (m *MockRunPodClient) Close() error {
	return nil
}

var _ client.RunPodClient = (*MockRunPodClient)(nil)
