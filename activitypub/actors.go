package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/forumpub/domain"
	"github.com/deemkeen/forumpub/util"
)

// ActorRefreshInterval is how long a stored remote profile is trusted before it is fetched again.
const ActorRefreshInterval = 24 * time.Hour

// ActorResolver returns actors by IRI from the store, fetching unknown or stale remote actors.
type ActorResolver struct {
	conf     *util.AppConfig
	registry *Registry
	store    ActorStore
	resolver Resolver
	now      func() time.Time
}

func NewActorResolver(conf *util.AppConfig, registry *Registry, store ActorStore, resolver Resolver) *ActorResolver {
	return &ActorResolver{conf: conf, registry: registry, store: store, resolver: resolver, now: time.Now}
}

// GetOrFetch returns the stored actor, refreshing remote profiles older than ActorRefreshInterval.
// A failed refresh falls back to the stored profile. Unknown local IRIs are never fetched.
func (r *ActorResolver) GetOrFetch(ctx context.Context, iri string) (*domain.Actor, error) {
	cached, err := r.store.ReadActorByApId(ctx, iri)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if cached != nil && (cached.Local || cached.Tombstoned() || r.now().Sub(cached.UpdatedAt) < ActorRefreshInterval) {
		return cached, nil
	}
	if cached == nil && util.HostOf(iri) == util.HostOf("https://"+r.conf.Conf.SslDomain) {
		return nil, domain.ErrNotFound
	}

	fetched, err := r.Fetch(ctx, iri)
	if err != nil && cached != nil {
		log.Debug("Actors: Refresh failed, using stored profile", "actor", iri, "err", err)
		return cached, nil
	}
	return fetched, err
}

// Fetch retrieves a remote actor document and upserts it.
func (r *ActorResolver) Fetch(ctx context.Context, iri string) (*domain.Actor, error) {
	j, err := r.resolver.Resolve(ctx, iri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	if j == nil || !util.SameHost(j.ID(), iri) {
		return nil, domain.ErrNotFound
	}
	if _, err := r.registry.Actor(j.Type()); err != nil {
		return nil, err
	}

	remote := RemoteActor(j).ToDomain()
	if remote.InboxURI == "" {
		return nil, fmt.Errorf("%w: actor %s has no inbox", ErrMalformed, iri)
	}
	if err := r.store.UpsertRemoteActor(ctx, remote); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return r.store.ReadActorByApId(ctx, remote.ApId)
		}
		return nil, fmt.Errorf("failed to store remote actor: %w", err)
	}
	log.Debug("Actors: Stored remote actor", "actor", remote.ApId, "type", remote.ApType)
	return remote, nil
}

// Refresh stores a profile that arrived inside an activity, such as the object of an Update.
func (r *ActorResolver) Refresh(ctx context.Context, j JSON) (*domain.Actor, error) {
	if _, err := r.registry.Actor(j.Type()); err != nil {
		return nil, err
	}
	a := RemoteActor(j).ToDomain()
	if a.InboxURI == "" {
		return nil, fmt.Errorf("%w: actor %s has no inbox", ErrMalformed, a.ApId)
	}
	if err := r.store.UpsertRemoteActor(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}
