// Package provider implements the RunPod node lifecycle provider: a cached,
// concurrency-safe view of one cluster's pods plus create, tag and terminate.
package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podscale/runpod-node-provider/internal/logging"
	"github.com/podscale/runpod-node-provider/pkg/audit"
	"github.com/podscale/runpod-node-provider/pkg/metrics"
	"github.com/podscale/runpod-node-provider/pkg/runpod/client"
	"github.com/podscale/runpod-node-provider/pkg/runpod/credentials"
	"github.com/podscale/runpod-node-provider/pkg/tracing"
)

const (
	opNew           = "new_provider"
	opRefresh       = "refresh"
	opListActive    = "list_active_node_ids"
	opIsRunning     = "is_running"
	opIsTerminated  = "is_terminated"
	opNodeTags      = "node_tags"
	opNodeAddress   = "node_address"
	opNode          = "node"
	opCreateNode    = "create_node"
	opSetNodeTags   = "set_node_tags"
	opTerminateNode = "terminate_node"

	// rollbackTimeout bounds the cleanup of a pod whose tagging failed
	rollbackTimeout = 30 * time.Second
)

var mutations = map[string]bool{
	opCreateNode:    true,
	opSetNodeTags:   true,
	opTerminateNode: true,
}

// Options configures a Provider. All fields are optional.
type Options struct {
	Logger *zap.Logger
	Audit  *audit.AuditLogger
	Tracer *tracing.Tracer

	// ImageName overrides DefaultImageName for nodes whose config has no image
	ImageName string

	// SSHPublicKey is installed on new pods through the PUBLIC_KEY env var
	SSHPublicKey string

	// Region is passed to RunPod as the data center of new pods
	Region string

	// ClientOptions are used by NewFromConfig to build the RunPod client
	ClientOptions *client.ClientOptions
}

// Provider manages the nodes of one cluster
type Provider struct {
	clusterName string
	client      client.RunPodClient
	cache       *nodeCache
	guard       *guard

	logger *zap.Logger
	audit  *audit.AuditLogger
	tracer *tracing.Tracer

	imageName    string
	sshPublicKey string
	region       string

	// lastRefreshErr is only accessed under the guard
	lastRefreshErr error
}

// New creates a provider for clusterName on top of an existing RunPod client
func New(clusterName string, c client.RunPodClient, opts *Options) (*Provider, error) {
	if strings.TrimSpace(clusterName) == "" {
		return nil, newError(opNew, "", ErrInvalidArgument, errors.New("cluster name is required"))
	}
	if c == nil {
		return nil, newError(opNew, "", ErrInvalidArgument, errors.New("RunPod client is required"))
	}
	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	imageName := opts.ImageName
	if imageName == "" {
		imageName = DefaultImageName
	}

	return &Provider{
		clusterName:  clusterName,
		client:       c,
		cache:        newNodeCache(),
		guard:        &guard{cluster: clusterName},
		logger:       logger.Named("provider").With(zap.String("cluster", clusterName)),
		audit:        opts.Audit,
		tracer:       opts.Tracer,
		imageName:    imageName,
		sshPublicKey: opts.SSHPublicKey,
		region:       opts.Region,
	}, nil
}

// NewFromConfig resolves the credentials in cfg, builds a RunPod client and
// returns a provider for clusterName. A nil resolver resolves env and file refs only.
func NewFromConfig(ctx context.Context, cfg ProviderConfig, clusterName string, resolver credentials.Resolver, opts *Options) (*Provider, error) {
	if opts == nil {
		opts = &Options{}
	}
	if cfg.APIKeyRef == "" {
		return nil, newError(opNew, "", ErrInvalidArgument, errors.New("api key ref is required"))
	}
	if resolver == nil {
		var ropts []credentials.Option
		if opts.Logger != nil {
			ropts = append(ropts, credentials.WithLogger(opts.Logger))
		}
		resolver = credentials.NewRefResolver(ropts...)
	}

	apiKey, err := resolver.Resolve(ctx, cfg.APIKeyRef)
	opts.Audit.LogCredentialResolved(ctx, "api-key", credentials.Scheme(cfg.APIKeyRef), err)
	if err != nil {
		return nil, newError(opNew, "", credentialErrorKind(err), err)
	}

	sshPublicKey := opts.SSHPublicKey
	if cfg.SSHKeyRef != "" {
		sshPublicKey, err = resolver.Resolve(ctx, cfg.SSHKeyRef)
		opts.Audit.LogCredentialResolved(ctx, "ssh-key", credentials.Scheme(cfg.SSHKeyRef), err)
		if err != nil {
			return nil, newError(opNew, "", credentialErrorKind(err), err)
		}
	}

	var clientOpts client.ClientOptions
	if opts.ClientOptions != nil {
		clientOpts = *opts.ClientOptions
	}
	if clientOpts.Logger == nil {
		clientOpts.Logger = opts.Logger
	}
	if clientOpts.CircuitBreakerConfig == nil {
		cb := client.DefaultCircuitBreakerConfig()
		clientOpts.CircuitBreakerConfig = &cb
	}
	if clientOpts.CircuitBreakerConfig.OnStateChange == nil && opts.Audit.IsEnabled() {
		auditLogger := opts.Audit
		cb := *clientOpts.CircuitBreakerConfig
		cb.OnStateChange = func(from, to client.CircuitBreakerState, reason string) {
			auditLogger.LogCircuitBreakerStateChange(context.Background(), string(from), string(to), reason)
		}
		clientOpts.CircuitBreakerConfig = &cb
	}
	if opts.Tracer.IsEnabled() && clientOpts.HTTPClient == nil && clientOpts.HTTPTransport == nil {
		clientOpts.HTTPTransport = tracing.NewHTTPTransport(opts.Tracer, nil)
	}

	c, err := client.NewClient(apiKey, &clientOpts)
	if err != nil {
		return nil, newError(opNew, "", ErrInvalidArgument, err)
	}

	o := *opts
	o.SSHPublicKey = sshPublicKey
	if cfg.Region != "" {
		o.Region = cfg.Region
	}
	return New(clusterName, c, &o)
}

// credentialErrorKind separates an unreachable credential store from a bad reference
func credentialErrorKind(err error) error {
	if credentials.IsUnavailable(err) {
		return ErrBackendUnavailable
	}
	return ErrInvalidArgument
}

// ClusterName returns the cluster this provider manages
func (p *Provider) ClusterName() string {
	return p.clusterName
}

// Close releases the RunPod client
func (p *Provider) Close() error {
	return p.client.Close()
}

// CacheStats describes the current snapshot
type CacheStats struct {
	Nodes       int       `json:"nodes"`
	Generation  uint64    `json:"generation"`
	RefreshedAt time.Time `json:"refreshedAt,omitempty"`
}

// CacheStats returns the size and age of the current snapshot
func (p *Provider) CacheStats() CacheStats {
	generation, at := p.cache.stats()
	return CacheStats{Nodes: p.cache.len(), Generation: generation, RefreshedAt: at}
}

// Cached returns the nodes of the current snapshot matching filter without
// contacting RunPod
func (p *Provider) Cached(filter TagFilter) map[string]Node {
	return p.cache.snapshot(filter)
}

// Ready reports whether at least one refresh has completed
func (p *Provider) Ready() bool {
	generation, _ := p.cache.stats()
	return generation > 0
}

// LastRefresh returns the time of the last successful refresh and the error of
// the most recent attempt, if it failed
func (p *Provider) LastRefresh() (time.Time, error) {
	_, at := p.cache.stats()
	unlock := p.guard.lock("health")
	defer unlock()
	return at, p.lastRefreshErr
}

// BackendStats returns circuit breaker statistics when the client exposes them
func (p *Provider) BackendStats() (client.CircuitBreakerStats, bool) {
	s, ok := p.client.(interface {
		Stats() client.CircuitBreakerStats
	})
	if !ok {
		return client.CircuitBreakerStats{}, false
	}
	return s.Stats(), true
}

// Refresh enumerates RunPod, replaces the snapshot with the active pods of this
// cluster and returns those matching filter. On failure the snapshot is kept.
func (p *Provider) Refresh(ctx context.Context, filter TagFilter) (nodes map[string]Node, err error) {
	ctx, done := p.begin(ctx, opRefresh, "")
	defer func() { done(err) }()

	unlock := p.guard.lock(opRefresh)
	snapshot, err := p.refreshLocked(ctx)
	unlock()
	if err != nil {
		return nil, err
	}
	return filter.apply(snapshot), nil
}

// ListActiveNodeIDs refreshes and returns the ids matching filter in ascending order
func (p *Provider) ListActiveNodeIDs(ctx context.Context, filter TagFilter) (ids []string, err error) {
	ctx, done := p.begin(ctx, opListActive, "")
	defer func() { done(err) }()

	unlock := p.guard.lock(opListActive)
	snapshot, err := p.refreshLocked(ctx)
	unlock()
	if err != nil {
		return nil, err
	}

	ids = make([]string, 0, len(snapshot))
	for id, n := range snapshot {
		if filter.Matches(n.Tags) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// IsRunning reports whether RunPod still lists the node. It says nothing about
// whether the node is reachable or healthy.
func (p *Provider) IsRunning(ctx context.Context, id string) (running bool, err error) {
	ctx, done := p.begin(ctx, opIsRunning, id)
	defer func() { done(err) }()

	_, found, err := p.lookup(ctx, opIsRunning, id)
	return found, err
}

// IsTerminated is the negation of IsRunning. After TerminateNode it stays
// false until a refresh no longer sees the node.
func (p *Provider) IsTerminated(ctx context.Context, id string) (terminated bool, err error) {
	ctx, done := p.begin(ctx, opIsTerminated, id)
	defer func() { done(err) }()

	_, found, err := p.lookup(ctx, opIsTerminated, id)
	if err != nil {
		return false, err
	}
	return !found, nil
}

// NodeTags returns a copy of the node's tags
func (p *Provider) NodeTags(ctx context.Context, id string) (tags map[string]string, err error) {
	ctx, done := p.begin(ctx, opNodeTags, id)
	defer func() { done(err) }()

	n, err := p.mustLookup(ctx, opNodeTags, id)
	if err != nil {
		return nil, err
	}
	return n.Tags, nil
}

// NodeAddress returns the node's address. RunPod reports a single public
// address, so internal and external resolve to the same value. The address is
// empty while the pod is still booting.
func (p *Provider) NodeAddress(ctx context.Context, id string, external bool) (addr string, err error) {
	ctx, done := p.begin(ctx, opNodeAddress, id)
	defer func() { done(err) }()

	n, err := p.mustLookup(ctx, opNodeAddress, id)
	if err != nil {
		return "", err
	}
	return n.Address, nil
}

// ExternalIP returns the node's address
func (p *Provider) ExternalIP(ctx context.Context, id string) (string, error) {
	return p.NodeAddress(ctx, id, true)
}

// InternalIP returns the node's address, identical to ExternalIP
func (p *Provider) InternalIP(ctx context.Context, id string) (string, error) {
	return p.NodeAddress(ctx, id, false)
}

// Node returns a copy of the cached node
func (p *Provider) Node(ctx context.Context, id string) (n Node, err error) {
	ctx, done := p.begin(ctx, opNode, id)
	defer func() { done(err) }()

	return p.mustLookup(ctx, opNode, id)
}

// CreateNode creates one pod and tags it as a member of this cluster. Tags
// from config are overlaid by tags, then the cluster name tag is set.
//
// The new node is not added to the cache; it shows up on the next refresh.
// If tagging fails the pod is removed again so it does not run outside the cluster.
func (p *Provider) CreateNode(ctx context.Context, config NodeConfig, tags map[string]string, count int) (nodeID string, err error) {
	ctx, done := p.begin(ctx, opCreateNode, "")
	defer func() { done(err) }()
	start := time.Now()

	if count != 1 {
		return "", newError(opCreateNode, "", ErrInvalidArgument, fmt.Errorf("count must be 1, got %d", count))
	}
	if strings.TrimSpace(config.InstanceType) == "" {
		return "", newError(opCreateNode, "", ErrInvalidArgument, errors.New("instance type is required"))
	}

	merged := mergeTags(config.Tags, tags)
	merged[TagClusterName] = p.clusterName

	req := p.createRequest(config)
	pod, err := p.client.CreatePod(ctx, req)
	if err != nil {
		err = p.translate(ctx, opCreateNode, "", err)
		p.audit.LogNodeCreateFailed(ctx, p.clusterName, "", config.InstanceType, err)
		return "", err
	}
	if pod == nil || pod.ID == "" {
		err = newError(opCreateNode, "", ErrProvisionFailure, fmt.Errorf("RunPod returned no pod id for %s", req.Name))
		p.audit.LogNodeCreateFailed(ctx, p.clusterName, "", config.InstanceType, err)
		return "", err
	}

	unlock := p.guard.lock(opCreateNode)
	tagErr := p.client.SetTags(ctx, pod.ID, merged)
	unlock()

	if tagErr != nil {
		if client.IsNotFound(tagErr) {
			err = newError(opCreateNode, pod.ID, ErrProvisionFailure, tagErr)
		} else {
			err = p.translate(ctx, opCreateNode, pod.ID, tagErr)
		}
		p.rollback(ctx, pod.ID)
		p.audit.LogNodeCreateFailed(ctx, p.clusterName, pod.ID, config.InstanceType, err)
		return "", err
	}

	metrics.RecordNodeCreated(p.clusterName, config.InstanceType)
	p.audit.LogNodeCreated(ctx, p.clusterName, pod.ID, config.InstanceType, time.Since(start))
	return pod.ID, nil
}

func (p *Provider) createRequest(config NodeConfig) *client.CreatePodRequest {
	image := config.ImageName
	if image == "" {
		image = p.imageName
	}

	req := &client.CreatePodRequest{
		Name:       fmt.Sprintf("%s-%s", p.clusterName, uuid.NewString()[:8]),
		ImageName:  image,
		GPUTypeIDs: []string{config.InstanceType},
		GPUCount:   1,
	}
	if p.region != "" {
		req.DataCenterIDs = []string{p.region}
	}
	if p.sshPublicKey != "" {
		req.Env = map[string]string{envPublicKey: p.sshPublicKey}
	}
	return req
}

// rollback removes a pod that could not be tagged. The caller's context may
// already be done, so cleanup runs on its own deadline.
func (p *Provider) rollback(ctx context.Context, podID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	err := p.client.RemovePod(rctx, podID)
	if err != nil {
		p.logger.Error("Failed to remove untagged pod", zap.String("node", podID), zap.Error(err))
	}
	p.audit.LogNodeRolledBack(ctx, p.clusterName, podID, err)
}

// SetNodeTags merges tags over the node's current tags, pushes the result to
// RunPod and then updates the cache. The guard is held across the backend call
// so concurrent tag updates cannot lose each other's writes.
func (p *Provider) SetNodeTags(ctx context.Context, id string, tags map[string]string) (err error) {
	ctx, done := p.begin(ctx, opSetNodeTags, id)
	defer func() { done(err) }()

	if id == "" {
		return newError(opSetNodeTags, "", ErrInvalidArgument, errors.New("node id is required"))
	}

	unlock := p.guard.lock(opSetNodeTags)
	defer unlock()

	n, found, err := p.lookupLocked(ctx, opSetNodeTags, id)
	if err != nil {
		return err
	}
	if !found {
		return newError(opSetNodeTags, id, ErrNodeNotFound, nil)
	}

	merged := mergeTags(n.Tags, tags)
	if err := p.client.SetTags(ctx, id, merged); err != nil {
		err = p.translate(ctx, opSetNodeTags, id, err)
		p.audit.LogNodeTagFailed(ctx, p.clusterName, id, err)
		return err
	}

	p.cache.setTags(id, merged)
	p.audit.LogNodeTagged(ctx, p.clusterName, id, tags)
	return nil
}

// TerminateNode asks RunPod to remove the node. The cache is left alone: the
// node keeps reporting as running until a refresh no longer lists it.
// Terminating a node RunPod no longer knows is not an error.
func (p *Provider) TerminateNode(ctx context.Context, id string) (err error) {
	ctx, done := p.begin(ctx, opTerminateNode, id)
	defer func() { done(err) }()

	if id == "" {
		return newError(opTerminateNode, "", ErrInvalidArgument, errors.New("node id is required"))
	}

	if err := p.client.RemovePod(ctx, id); err != nil {
		err = p.translate(ctx, opTerminateNode, id, err)
		p.audit.LogNodeTerminated(ctx, p.clusterName, id, err)
		return err
	}
	p.audit.LogNodeTerminated(ctx, p.clusterName, id, nil)
	return nil
}

// refreshLocked enumerates RunPod and swaps in the new snapshot. The caller
// must hold the guard; the returned map is the snapshot itself and must not
// be modified.
func (p *Provider) refreshLocked(ctx context.Context) (map[string]Node, error) {
	start := time.Now()

	pods, err := p.client.ListPods(ctx)
	if err != nil {
		err = p.translate(ctx, opRefresh, "", err)
		p.lastRefreshErr = err
		metrics.RecordCacheRefresh(p.clusterName, 0, time.Since(start), err)
		p.audit.LogCacheRefreshFailed(ctx, p.clusterName, err)
		return nil, err
	}

	snapshot := make(map[string]Node, len(pods))
	for _, pod := range pods {
		if pod.ID == "" || !pod.IsActive() || pod.Tags[TagClusterName] != p.clusterName {
			continue
		}
		snapshot[pod.ID] = nodeFromPod(pod)
	}

	generation := p.cache.replace(snapshot)
	p.lastRefreshErr = nil

	duration := time.Since(start)
	metrics.RecordCacheRefresh(p.clusterName, len(snapshot), duration, nil)
	logging.LogCacheRefresh(logging.WithRequestIDField(ctx, p.logger), p.clusterName, len(pods), len(snapshot), generation, duration.String())
	return snapshot, nil
}

// lookup returns the cached node, forcing one refresh on a miss. found is
// false when the node is absent after that refresh.
func (p *Provider) lookup(ctx context.Context, op, id string) (Node, bool, error) {
	if n, ok := p.cache.get(id); ok {
		metrics.NodeLookups.WithLabelValues(p.clusterName, "hit").Inc()
		return n, true, nil
	}

	unlock := p.guard.lock(op)
	defer unlock()
	return p.refreshAndGet(ctx, id)
}

// lookupLocked is lookup for callers already holding the guard
func (p *Provider) lookupLocked(ctx context.Context, op, id string) (Node, bool, error) {
	if n, ok := p.cache.get(id); ok {
		metrics.NodeLookups.WithLabelValues(p.clusterName, "hit").Inc()
		return n, true, nil
	}
	return p.refreshAndGet(ctx, id)
}

// refreshAndGet does exactly one refresh. It deliberately does not recheck the
// cache after taking the guard, which keeps the cost of a miss at one refresh.
func (p *Provider) refreshAndGet(ctx context.Context, id string) (Node, bool, error) {
	snapshot, err := p.refreshLocked(ctx)
	if err != nil {
		return Node{}, false, err
	}
	n, ok := snapshot[id]
	if !ok {
		metrics.NodeLookups.WithLabelValues(p.clusterName, "not_found").Inc()
		return Node{}, false, nil
	}
	metrics.NodeLookups.WithLabelValues(p.clusterName, "miss").Inc()
	return n.clone(), true, nil
}

// mustLookup is lookup with absence reported as ErrNodeNotFound
func (p *Provider) mustLookup(ctx context.Context, op, id string) (Node, error) {
	n, found, err := p.lookup(ctx, op, id)
	if err != nil {
		return Node{}, err
	}
	if !found {
		return Node{}, newError(op, id, ErrNodeNotFound, nil)
	}
	return n, nil
}

// translate maps a client error to a provider error
func (p *Provider) translate(ctx context.Context, op, nodeID string, err error) error {
	switch {
	case client.IsConfigError(err):
		return newError(op, nodeID, ErrInvalidArgument, err)
	case nodeID != "" && client.IsNotFound(err):
		return newError(op, nodeID, ErrNodeNotFound, err)
	case client.IsUnauthorized(err):
		p.audit.LogAuthenticationFailed(ctx, p.clusterName, err)
	}
	return newError(op, nodeID, ErrBackendUnavailable, err)
}

// begin starts the bookkeeping for an operation and returns the finisher
func (p *Provider) begin(ctx context.Context, op, nodeID string) (context.Context, func(error)) {
	if logging.GetRequestID(ctx) == "" {
		ctx = logging.WithRequestID(ctx)
	}
	ctx, span := p.tracer.StartOperation(ctx, op, p.clusterName, nodeID)
	logger := logging.WithRequestIDField(ctx, p.logger)
	start := time.Now()

	if mutations[op] {
		logging.LogNodeOperationStart(logger, op, p.clusterName, nodeID)
	}

	return ctx, func(err error) {
		duration := time.Since(start)
		metrics.RecordNodeOperation(p.clusterName, op, resultLabel(err), duration)
		p.tracer.FinishOperation(ctx, span, err)

		switch {
		case err != nil && (mutations[op] || !errors.Is(err, ErrNodeNotFound)):
			logging.LogNodeOperationFailed(logger, op, p.clusterName, nodeID, err)
		case mutations[op]:
			logging.LogNodeOperationComplete(logger, op, p.clusterName, nodeID, duration.String())
		default:
			logger.Debug("Node query finished",
				zap.String("operation", op),
				zap.String("node", nodeID),
				zap.Duration("duration", duration),
				zap.Error(err))
		}
	}
}
