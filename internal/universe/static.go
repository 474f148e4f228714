// Package universe builds the tiered set of tradeable symbols per regime
// from a static configuration file
package universe

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/internal/symbols"
)

// fileSpec mirrors universe.yaml
type fileSpec struct {
	DefaultRegime string                `yaml:"default_regime"`
	Regimes       map[string]regimeSpec `yaml:"regimes"`
}

type regimeSpec struct {
	T1 []string `yaml:"t1"`
	T2 []string `yaml:"t2"`
	T3 []string `yaml:"t3"`
}

// StaticBuilder reads tiered symbol lists from universe.yaml and caches the
// built universe for a configurable TTL
type StaticBuilder struct {
	path     string
	cacheTTL time.Duration
	logger   core.ILogger
	now      func() time.Time

	mu      sync.Mutex
	cached  map[string]*core.Universe
	builtAt map[string]time.Time
}

// NewStaticBuilder creates a builder over the given universe file
func NewStaticBuilder(path string, cacheTTL time.Duration, logger core.ILogger) *StaticBuilder {
	return &StaticBuilder{
		path:     path,
		cacheTTL: cacheTTL,
		logger:   logger.WithField("component", "universe_builder"),
		now:      time.Now,
		cached:   make(map[string]*core.Universe),
		builtAt:  make(map[string]time.Time),
	}
}

// SetClock overrides the time source for tests
func (b *StaticBuilder) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Build returns the tiered universe for the regime. An unknown or empty
// regime falls back to the file's default. Results are cached per regime
// for the configured TTL so the file is not re-read every cycle.
func (b *StaticBuilder) Build(_ context.Context, regime string) (*core.Universe, error) {
	return b.build(regime)
}

func (b *StaticBuilder) build(regime string) (*core.Universe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if u, ok := b.cached[regime]; ok && b.cacheTTL > 0 && now.Sub(b.builtAt[regime]) < b.cacheTTL {
		return u, nil
	}

	spec, err := b.load()
	if err != nil {
		return nil, err
	}

	resolved := regime
	if resolved == "" {
		resolved = spec.DefaultRegime
	}
	r, ok := spec.Regimes[resolved]
	if !ok {
		if fallback, hasDefault := spec.Regimes[spec.DefaultRegime]; hasDefault {
			b.logger.Warn("Unknown regime, using default",
				"requested", regime, "default", spec.DefaultRegime)
			r = fallback
			resolved = spec.DefaultRegime
		} else {
			return nil, fmt.Errorf("universe file %s has no regime %q and no usable default", b.path, resolved)
		}
	}

	u := &core.Universe{Regime: resolved, BuiltAt: now}
	seen := make(map[string]bool)
	appendTier := func(list []string, tier int) {
		for _, s := range list {
			canonical := symbols.Normalize(s)
			if seen[canonical] {
				continue
			}
			seen[canonical] = true
			u.Entries = append(u.Entries, core.UniverseEntry{Symbol: canonical, Tier: tier})
		}
	}
	appendTier(r.T1, 1)
	appendTier(r.T2, 2)
	appendTier(r.T3, 3)

	if len(u.Entries) == 0 {
		return nil, fmt.Errorf("universe regime %q is empty", resolved)
	}

	b.cached[regime] = u
	b.builtAt[regime] = now
	b.logger.Info("Universe built",
		"regime", resolved,
		"symbols", len(u.Entries))
	return u, nil
}

func (b *StaticBuilder) load() (*fileSpec, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read universe file: %w", err)
	}
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse universe file %s: %w", b.path, err)
	}
	return &spec, nil
}

// Invalidate drops the cache, forcing the next Build to re-read the file
func (b *StaticBuilder) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached = make(map[string]*core.Universe)
	b.builtAt = make(map[string]time.Time)
}
