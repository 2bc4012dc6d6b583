package client

import (
	"time"
)

// Pod status values reported by RunPod in desiredStatus
const (
	PodStatusCreated    = "CREATED"
	PodStatusRunning    = "RUNNING"
	PodStatusRestarting = "RESTARTING"
	PodStatusExited     = "EXITED"
	PodStatusTerminated = "TERMINATED"
)

// Pod represents a RunPod pod, the backend's unit of compute
type Pod struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	DesiredStatus string            `json:"desiredStatus"`
	PublicIP      string            `json:"publicIp"`
	ImageName     string            `json:"imageName"`
	GPUTypeID     string            `json:"gpuTypeId,omitempty"`
	GPUCount      int               `json:"gpuCount,omitempty"`
	MachineID     string            `json:"machineId,omitempty"`
	DataCenterID  string            `json:"dataCenterId,omitempty"`
	CostPerHr     float64           `json:"costPerHr,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	CreatedAt     *time.Time        `json:"createdAt,omitempty"`
}

// IsActive reports whether the backend still considers the pod alive.
// Exited and terminated pods are not active.
func (p *Pod) IsActive() bool {
	switch p.DesiredStatus {
	case PodStatusExited, PodStatusTerminated:
		return false
	default:
		return true
	}
}

// CreatePodRequest represents a request to create a new pod
type CreatePodRequest struct {
	Name              string            `json:"name"`
	ImageName         string            `json:"imageName"`
	GPUTypeIDs        []string          `json:"gpuTypeIds"`
	GPUCount          int               `json:"gpuCount"`
	DataCenterIDs     []string          `json:"dataCenterIds,omitempty"`
	ContainerDiskInGb int               `json:"containerDiskInGb,omitempty"`
	Ports             []string          `json:"ports,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
}

// SetTagsRequest replaces the full tag set of a pod
type SetTagsRequest struct {
	Tags map[string]string `json:"tags"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
