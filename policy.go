package sagacore

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// PolicyConfig is the per-operation-kind configuration supplied by an
// external source: whether saga guarantees apply and which handler undoes
// each milestone.
type PolicyConfig struct {
	Enabled         bool
	CompensationMap map[MilestoneName]HandlerName
}

// PolicyDecision is the resolver's answer for one call.
type PolicyDecision struct {
	Enabled         bool
	CompensationMap map[MilestoneName]HandlerName
}

// PolicySource supplies policy configuration per operation kind. Lookup is
// consulted on every resolution so live policy changes take effect without a
// restart; any caching is the source's own business.
//
// Lookup returns ok=false when the operation kind is not configured at all.
type PolicySource interface {
	Lookup(ctx context.Context, kind OperationKind) (cfg PolicyConfig, ok bool, err error)
}

// StaticPolicySource is a fixed in-memory allow-list, for tests and for
// embedders that manage configuration themselves.
type StaticPolicySource struct {
	mu      sync.RWMutex
	configs map[OperationKind]PolicyConfig
}

// NewStaticPolicySource creates a source from a snapshot of configs.
func NewStaticPolicySource(configs map[OperationKind]PolicyConfig) *StaticPolicySource {
	copied := make(map[OperationKind]PolicyConfig, len(configs))
	for k, v := range configs {
		copied[k] = v
	}
	return &StaticPolicySource{configs: copied}
}

// Set replaces the config for one operation kind.
func (s *StaticPolicySource) Set(kind OperationKind, cfg PolicyConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[kind] = cfg
}

// Lookup implements PolicySource.
func (s *StaticPolicySource) Lookup(_ context.Context, kind OperationKind) (PolicyConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[kind]
	return cfg, ok, nil
}

// ViperPolicySource reads policy from a viper instance, keyed as
//
//	<prefix>.<operation_kind>.enabled      bool
//	<prefix>.<operation_kind>.compensation map[milestone]handler
//
// Every Lookup goes back to viper, so config files reloaded via WatchConfig
// or values bound to environment variables are picked up per call.
type ViperPolicySource struct {
	v      *viper.Viper
	prefix string
}

// NewViperPolicySource wraps a viper instance. An empty prefix defaults to
// "sagas".
func NewViperPolicySource(v *viper.Viper, prefix string) *ViperPolicySource {
	if prefix == "" {
		prefix = "sagas"
	}
	return &ViperPolicySource{v: v, prefix: prefix}
}

// Lookup implements PolicySource.
func (s *ViperPolicySource) Lookup(_ context.Context, kind OperationKind) (PolicyConfig, bool, error) {
	base := fmt.Sprintf("%s.%s", s.prefix, kind)
	if !s.v.IsSet(base + ".enabled") {
		return PolicyConfig{}, false, nil
	}

	cfg := PolicyConfig{
		Enabled:         s.v.GetBool(base + ".enabled"),
		CompensationMap: make(map[MilestoneName]HandlerName),
	}
	for milestone, handler := range s.v.GetStringMapString(base + ".compensation") {
		cfg.CompensationMap[MilestoneName(milestone)] = HandlerName(handler)
	}
	return cfg, true, nil
}

// PolicyResolver decides, once per saga creation, whether the overhead of
// transactional guarantees is applied. Resolution order: explicit per-call
// override wins, then the source's allow-list; unknown kinds default to
// disabled. A failing source also resolves to disabled (logged as a warning)
// rather than blocking the business operation: the guarantees are optional by
// policy, plain execution is the backward-compatible path.
type PolicyResolver struct {
	source PolicySource
	logger zerolog.Logger
}

// NewPolicyResolver creates a resolver over a source.
func NewPolicyResolver(source PolicySource, logger zerolog.Logger) *PolicyResolver {
	return &PolicyResolver{source: source, logger: logger}
}

// Resolve consults the source and applies the optional per-call override.
// It never fails: resolution errors degrade to enabled=false.
func (r *PolicyResolver) Resolve(ctx context.Context, kind OperationKind, override *bool) PolicyDecision {
	cfg, ok, err := r.source.Lookup(ctx, kind)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("operation_kind", string(kind)).
			Msg("policy source unreachable, saga guarantees disabled for this call")
		return PolicyDecision{Enabled: false}
	}

	decision := PolicyDecision{CompensationMap: cfg.CompensationMap}
	switch {
	case override != nil:
		decision.Enabled = *override
	case ok:
		decision.Enabled = cfg.Enabled
	default:
		decision.Enabled = false
	}
	if decision.CompensationMap == nil {
		decision.CompensationMap = map[MilestoneName]HandlerName{}
	}
	return decision
}
