// Package preference decides which sources a request may use and in what
// order.
package preference

import (
	"context"
	"fmt"
	"slices"

	"marketdata/internal/provider"
	"marketdata/internal/router"
)

// Resolver looks up the source preference for the caller carried by ctx.
type Resolver interface {
	Resolve(ctx context.Context, cat provider.Category) (router.Preference, error)
}

type ctxKey int

const (
	userKey ctxKey = iota
	tierKey
)

// WithUser scopes ctx to a user id for per-user overrides.
func WithUser(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userKey, id)
}

// WithTier scopes ctx to an entitlement tier.
func WithTier(ctx context.Context, tier string) context.Context {
	return context.WithValue(ctx, tierKey, tier)
}

func UserFrom(ctx context.Context) string {
	s, _ := ctx.Value(userKey).(string)
	return s
}

func TierFrom(ctx context.Context) string {
	s, _ := ctx.Value(tierKey).(string)
	return s
}

// Override replaces the defaults for one user. Empty fields inherit.
type Override struct {
	Primary  map[provider.Category]string `json:"primary" yaml:"primary"`
	Fallback []string                     `json:"fallback" yaml:"fallback"`
}

// Static resolves preferences from configuration.
type Static struct {
	// Tiers maps a tier name to the sources it is entitled to. A tier with
	// no sources may use every registered source.
	Tiers       map[string][]string
	DefaultTier string
	// Primary picks the first source per category; DefaultPrimary covers
	// categories not listed.
	Primary        map[provider.Category]string
	DefaultPrimary string
	Fallback       []string
	Users          map[string]Override
}

func (s *Static) Resolve(ctx context.Context, cat provider.Category) (router.Preference, error) {
	tier := TierFrom(ctx)
	if tier == "" {
		tier = s.DefaultTier
	}
	var avail []string
	if tier != "" && len(s.Tiers) > 0 {
		sources, ok := s.Tiers[tier]
		if !ok {
			return router.Preference{}, fmt.Errorf("preference: unknown tier %q", tier)
		}
		avail = slices.Clone(sources)
	}

	pref := router.Preference{
		Primary:   s.primary(s.Primary, cat),
		Fallback:  slices.Clone(s.Fallback),
		Available: avail,
	}
	if o, ok := s.Users[UserFrom(ctx)]; ok {
		if p := o.Primary[cat]; p != "" {
			pref.Primary = p
		}
		if len(o.Fallback) > 0 {
			pref.Fallback = slices.Clone(o.Fallback)
		}
	}
	return pref, nil
}

func (s *Static) primary(m map[provider.Category]string, cat provider.Category) string {
	if p := m[cat]; p != "" {
		return p
	}
	// indicators are computed from bars
	if cat == provider.CategoryIndicators {
		if p := m[provider.CategoryBars]; p != "" {
			return p
		}
	}
	return s.DefaultPrimary
}
