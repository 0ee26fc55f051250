// Package publisher defines the contract of platform adapters (publish and
// reply), their typed failures, credential lookup and the per-platform
// registry the poller and replier use.
package publisher

import (
	"context"
	"sync"

	"postpilot/internal/jobs"
)

// Credentials identify the owner's account on a platform.
type Credentials struct {
	Platform  jobs.Platform
	Owner     string
	AccountID string
	ChannelID string
	Token     string
}

// CredentialResolver is the token-management collaborator.
type CredentialResolver interface {
	Resolve(ctx context.Context, platform jobs.Platform, owner string) (Credentials, error)
}

// Content is what gets published. Media holds the resolved bytes of MediaRef.
type Content struct {
	JobID          string
	Text           string
	MediaRef       string
	MediaType      string
	Media          []byte
	IdempotencyKey string
}

type Result struct {
	RemoteID string
}

// Adapter performs the network calls for one platform. It returns a
// *Failure (or an error wrapping one) on failure.
type Adapter interface {
	Publish(ctx context.Context, creds Credentials, c Content) (Result, error)
	Reply(ctx context.Context, creds Credentials, targetID, text string) (Result, error)
}

// StaticResolver serves credentials from configuration.
type StaticResolver struct {
	mu    sync.RWMutex
	creds map[string]Credentials
}

func NewStaticResolver(list []Credentials) *StaticResolver {
	r := &StaticResolver{}
	r.Set(list)
	return r
}

func credKey(p jobs.Platform, owner string) string { return string(p) + "/" + owner }

// Set replaces the credential set (config reload).
func (r *StaticResolver) Set(list []Credentials) {
	m := make(map[string]Credentials, len(list))
	for _, c := range list {
		m[credKey(c.Platform, c.Owner)] = c
	}
	r.mu.Lock()
	r.creds = m
	r.mu.Unlock()
}

func (r *StaticResolver) Resolve(ctx context.Context, platform jobs.Platform, owner string) (Credentials, error) {
	r.mu.RLock()
	c, ok := r.creds[credKey(platform, owner)]
	r.mu.RUnlock()
	if !ok {
		return Credentials{}, Fail(KindAuthExpired, "no credentials for "+credKey(platform, owner))
	}
	return c, nil
}

// Registry maps platforms to adapters. Platforms without one are
// unsupported (manual posting).
type Registry struct {
	mu       sync.RWMutex
	adapters map[jobs.Platform]Adapter
}

func NewRegistry() *Registry { return &Registry{adapters: map[jobs.Platform]Adapter{}} }

func (r *Registry) Register(p jobs.Platform, a Adapter) {
	r.mu.Lock()
	r.adapters[p] = a
	r.mu.Unlock()
}

// Get never returns nil.
func (r *Registry) Get(p jobs.Platform) Adapter {
	r.mu.RLock()
	a, ok := r.adapters[p]
	r.mu.RUnlock()
	if !ok || a == nil {
		return Unsupported{Platform: p}
	}
	return a
}

// Unsupported routes every job to manual posting.
type Unsupported struct{ Platform jobs.Platform }

func (u Unsupported) Publish(context.Context, Credentials, Content) (Result, error) {
	return Result{}, Fail(KindPlatformUnsupported, string(u.Platform)+" cannot be published automatically")
}

func (u Unsupported) Reply(context.Context, Credentials, string, string) (Result, error) {
	return Result{}, Fail(KindPlatformUnsupported, string(u.Platform)+" replies are not supported")
}
