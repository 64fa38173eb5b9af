// Package tenant maps API credentials to tenant identities and per-tenant
// limits.
package tenant

import (
	"github.com/voicegate/voicegate/internal/config"
	"github.com/voicegate/voicegate/internal/protocol"
)

// Tenant is a resolved API caller.
type Tenant struct {
	ID              string
	Name            string
	MaxVoiceUploads int
	MaxStreams      int
	Features        config.TenantFeatures
}

// Allows reports whether the named feature is enabled for the tenant.
func (t Tenant) Allows(feature string) bool {
	switch feature {
	case "streaming":
		return t.Features.Streaming
	case "ssml":
		return t.Features.SSML
	case "voice_cloning":
		return t.Features.VoiceCloning
	default:
		return false
	}
}

// Resolver authenticates an API key to a tenant.
type Resolver interface {
	Resolve(apiKey string) (Tenant, error)
}

// StaticResolver serves tenants from the static config table. When auth is
// not required, requests without a key fall through to the default tenant
// with all features enabled.
type StaticResolver struct {
	requireAuth bool
	fallback    Tenant
	byKey       map[string]Tenant
}

func NewStaticResolver(cfg config.TenantsConfig) *StaticResolver {
	r := &StaticResolver{
		requireAuth: cfg.RequireAuth,
		byKey:       make(map[string]Tenant, len(cfg.Entries)),
		fallback: Tenant{
			ID:   cfg.DefaultTenant,
			Name: cfg.DefaultTenant,
			Features: config.TenantFeatures{
				Streaming:    true,
				SSML:         true,
				VoiceCloning: true,
			},
		},
	}
	for _, e := range cfg.Entries {
		if e.APIKey == "" {
			continue
		}
		r.byKey[e.APIKey] = Tenant{
			ID:              e.ID,
			Name:            e.Name,
			MaxVoiceUploads: e.MaxVoiceUploads,
			MaxStreams:      e.MaxStreams,
			Features:        e.Features,
		}
	}
	return r
}

func (r *StaticResolver) Resolve(apiKey string) (Tenant, error) {
	if apiKey != "" {
		if t, ok := r.byKey[apiKey]; ok {
			return t, nil
		}
		return Tenant{}, protocol.NewError(protocol.KindNotFound, protocol.CodeInvalidAPIKey,
			"unrecognized API key")
	}
	if r.requireAuth {
		return Tenant{}, protocol.NewError(protocol.KindNotFound, protocol.CodeInvalidAPIKey,
			"an API key is required")
	}
	return r.fallback, nil
}
