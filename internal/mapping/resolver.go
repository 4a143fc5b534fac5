package mapping

import (
	"context"
	"strings"
	"sync"

	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

// Tier records which fallback level produced a resolved name.
type Tier string

const (
	TierExplicit Tier = "explicit"
	TierQueried  Tier = "queried"
	TierLiteral  Tier = "literal"
)

const (
	ResourcePaymentType    = "payment_type"
	ResourceAdjustmentType = "adjustment_type"

	LiteralPaymentType    = "Cash"
	LiteralAdjustmentType = "Adjustment"
)

// NameSource lists the names the PMS knows for a resource, in PMS order.
type NameSource func(ctx context.Context) ([]string, error)

// TierObserver is told once per resource which tier was used.
type TierObserver interface {
	ObserveFallbackTier(resource, tier string)
}

// ResolverConfig wires one invocation's resolver.
type ResolverConfig struct {
	ExplicitPaymentType    string
	ExplicitAdjustmentType string
	PaymentTypes           NameSource
	AdjustmentTypes        NameSource
	Logger                 *logging.Logger
	Observer               TierObserver
}

// Resolver picks payment and adjustment type names: explicit value, else the first
// name the PMS lists, else a literal. Results are cached for the resolver's lifetime,
// which is one invocation.
type Resolver struct {
	cfg    ResolverConfig
	logger *logging.Logger

	mu    sync.Mutex
	names map[string]string
	tiers map[string]Tier
}

func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		cfg:    cfg,
		logger: logger,
		names:  make(map[string]string),
		tiers:  make(map[string]Tier),
	}
}

func (r *Resolver) PaymentTypeName(ctx context.Context) string {
	return r.resolve(ctx, ResourcePaymentType, r.cfg.ExplicitPaymentType, r.cfg.PaymentTypes, LiteralPaymentType)
}

func (r *Resolver) AdjustmentTypeName(ctx context.Context) string {
	return r.resolve(ctx, ResourceAdjustmentType, r.cfg.ExplicitAdjustmentType, r.cfg.AdjustmentTypes, LiteralAdjustmentType)
}

// Tiers returns the tier used per resolved resource.
func (r *Resolver) Tiers() map[string]Tier {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Tier, len(r.tiers))
	for k, v := range r.tiers {
		out[k] = v
	}
	return out
}

func (r *Resolver) resolve(ctx context.Context, resource, explicit string, source NameSource, literal string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.names[resource]; ok {
		return name
	}

	name, tier := r.lookup(ctx, resource, explicit, source, literal)
	r.names[resource] = name
	r.tiers[resource] = tier
	if r.cfg.Observer != nil {
		r.cfg.Observer.ObserveFallbackTier(resource, string(tier))
	}
	return name
}

func (r *Resolver) lookup(ctx context.Context, resource, explicit string, source NameSource, literal string) (string, Tier) {
	if name := strings.TrimSpace(explicit); name != "" {
		r.logger.Debug("resolved name from configuration", "resource", resource, "name", name, "tier", TierExplicit)
		return name, TierExplicit
	}
	if source != nil {
		names, err := source(ctx)
		if err != nil {
			r.logger.Warn("name lookup failed; using literal", "resource", resource, "error", err, "name", literal, "tier", TierLiteral)
			return literal, TierLiteral
		}
		for _, name := range names {
			if name = strings.TrimSpace(name); name != "" {
				r.logger.Info("resolved name from pms", "resource", resource, "name", name, "tier", TierQueried)
				return name, TierQueried
			}
		}
	}
	r.logger.Warn("no name configured or listed; using literal", "resource", resource, "name", literal, "tier", TierLiteral)
	return literal, TierLiteral
}
