package namespace

import (
	"fmt"
	"time"

	hub "github.com/lineagehub/lineagehub/internal/hub/errors"
	"github.com/lineagehub/lineagehub/internal/hub/event"
)

// Topics names the destination topic per event kind.
type Topics struct {
	Lineage string
	Spans   string
	Metrics string
}

// RoutingDecision is the router's output: where an admitted event goes.
type RoutingDecision struct {
	Topic        string
	PartitionKey string
}

// Router resolves a tenant namespace to a routing decision and enforces the
// daily quota. The quota increment and the downstream publish are not
// transactional: an event that fails to publish after admission still counts
// against the quota.
type Router struct {
	registry *Registry
	quotas   *QuotaStore
	topics   Topics
	now      func() time.Time
}

// NewRouter creates a router over the given registry and quota store.
func NewRouter(registry *Registry, quotas *QuotaStore, topics Topics) *Router {
	return &Router{
		registry: registry,
		quotas:   quotas,
		topics:   topics,
		now:      time.Now,
	}
}

// Route admits one event for the tenant and returns its destination. It
// returns ErrUnknownNamespace, ErrInvalidNamespace, or ErrQuotaExceeded on
// rejection.
func (r *Router) Route(tenant string, kind event.Kind, naturalKey string) (RoutingDecision, error) {
	cfg, err := r.registry.Resolve(tenant)
	if err != nil {
		return RoutingDecision{}, err
	}

	topic, err := r.topicFor(kind)
	if err != nil {
		return RoutingDecision{}, err
	}

	if !r.quotas.Admit(tenant, cfg.DailyEventQuota, r.now()) {
		return RoutingDecision{}, fmt.Errorf("namespace %q: %w", tenant, hub.ErrQuotaExceeded)
	}

	return RoutingDecision{
		Topic:        topic,
		PartitionKey: event.PartitionKey(tenant, naturalKey),
	}, nil
}

func (r *Router) topicFor(kind event.Kind) (string, error) {
	switch kind {
	case event.KindLineage:
		return r.topics.Lineage, nil
	case event.KindSpan:
		return r.topics.Spans, nil
	case event.KindMetric:
		return r.topics.Metrics, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", kind)
	}
}
