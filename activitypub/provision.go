package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/forumpub/domain"
	"github.com/deemkeen/forumpub/util"
	"github.com/google/uuid"
)

// ErrModelMismatch is returned when an actor type cannot represent the given local model.
var ErrModelMismatch = errors.New("actor type cannot belong to model")

// Provisioner manages the actors representing local categories, tags and users.
type Provisioner struct {
	conf     *util.AppConfig
	registry *Registry
	store    Store
	// KeyBits is the RSA key size of new actors.
	KeyBits int
}

func NewProvisioner(conf *util.AppConfig, registry *Registry, store Store) *Provisioner {
	return &Provisioner{conf: conf, registry: registry, store: store, KeyBits: util.DefaultKeyBits}
}

// EnsureActor returns the actor of a local model, creating it with a fresh key pair on first use.
func (p *Provisioner) EnsureActor(ctx context.Context, modelType string, modelId uuid.UUID, apType, username, name string) (*domain.Actor, error) {
	existing, err := p.store.ReadActorByModel(ctx, modelType, modelId)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	kind, err := p.registry.Actor(apType)
	if err != nil {
		return nil, err
	}
	if modelType == domain.ModelRemote || !CanBelongTo(kind, modelType) {
		return nil, fmt.Errorf("%w: %s cannot represent a %s", ErrModelMismatch, apType, modelType)
	}

	keys, err := util.GeneratePemKeypair(p.KeyBits)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	apId := util.LocalIRI(p.conf.Conf.SslDomain, "actors", id.String())
	a := &domain.Actor{
		Id:            id,
		ApId:          apId,
		ApType:        apType,
		Local:         true,
		Domain:        p.conf.Conf.SslDomain,
		Username:      username,
		Name:          name,
		InboxURI:      apId + "/inbox",
		OutboxURI:     apId + "/outbox",
		FollowersURI:  apId + "/followers",
		SharedInbox:   util.SharedInboxIRI(p.conf.Conf.SslDomain),
		PublicKeyPem:  keys.Public,
		PrivateKeyPem: keys.Private,
		ModelType:     modelType,
		ModelId:       &modelId,
		Enabled:       true,
	}
	if err := p.store.CreateActor(ctx, a); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return p.store.ReadActorByModel(ctx, modelType, modelId)
		}
		return nil, fmt.Errorf("failed to create actor: %w", err)
	}
	log.Info("Provisioned actor", "actor", a.ApId, "type", apType, "model", modelType)
	return a, nil
}

// SetEnabled switches federation of a local actor on or off. Pending deliveries of a
// disabled actor are skipped when they run.
func (p *Provisioner) SetEnabled(ctx context.Context, a *domain.Actor, enabled bool) error {
	a.Enabled = enabled
	return p.store.UpdateActor(ctx, a)
}

// RemoveActor follows the destruction of the model behind a local actor. Actors with activity
// history are tombstoned so their ids stay resolvable; the rest are deleted.
func (p *Provisioner) RemoveActor(ctx context.Context, a *domain.Actor) error {
	n, err := p.store.CountActivitiesByActor(ctx, a.Id)
	if err != nil {
		return err
	}
	if _, err := p.store.DeleteFollowsByActor(ctx, a.Id); err != nil {
		return err
	}
	if n == 0 {
		log.Info("Deleted actor", "actor", a.ApId)
		return p.store.DeleteActor(ctx, a.Id)
	}
	now := time.Now().UTC()
	if err := p.store.TombstoneActor(ctx, a.Id, now); err != nil {
		return err
	}
	a.TombstonedAt = &now
	log.Info("Tombstoned actor", "actor", a.ApId, "activities", n)
	return nil
}
