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

// ErrNotPublishable is returned when a local actor cannot originate the requested activity.
var ErrNotPublishable = errors.New("not publishable")

// Publisher originates local activities and schedules their delivery.
type Publisher struct {
	conf      *util.AppConfig
	registry  *Registry
	store     Store
	scheduler Scheduler
	actors    *ActorResolver
	now       func() time.Time
}

func NewPublisher(conf *util.AppConfig, registry *Registry, store Store, scheduler Scheduler, resolver Resolver) *Publisher {
	return &Publisher{
		conf:      conf,
		registry:  registry,
		store:     store,
		scheduler: scheduler,
		actors:    NewActorResolver(conf, registry, store, resolver),
		now:       time.Now,
	}
}

// PublishPost stores a new post with its object and a Create performed by the author.
// The post's owner relays it to its followers, one deliver task per inbox.
func (p *Publisher) PublishPost(ctx context.Context, post *domain.Post) (*domain.Activity, error) {
	owner, author, err := p.postActors(ctx, post)
	if err != nil {
		return nil, err
	}
	if post.ObjectType == "" {
		post.ObjectType = TypeNote
	}
	kind, err := p.registry.Lookup(post.ObjectType)
	if err != nil || !CanBelongTo(kind, domain.ModelPost) {
		return nil, fmt.Errorf("%w: posts cannot be federated as %q", ErrNotPublishable, post.ObjectType)
	}
	if ak, _ := p.registry.Actor(author.ApType); !CanPerformActivity(ak, TypeCreate, post.ObjectType) {
		return nil, fmt.Errorf("%w: %s actors cannot create %s", ErrNotPublishable, author.ApType, post.ObjectType)
	}

	id := uuid.New()
	apId := util.LocalIRI(p.conf.Conf.SslDomain, "objects", id.String())
	published := post.CreatedAt
	if published.IsZero() {
		published = p.now().UTC()
		post.CreatedAt = published
	}
	o := &domain.Object{
		Id:             id,
		ApId:           apId,
		ApType:         post.ObjectType,
		Local:          true,
		AttributedToId: &author.Id,
		Content:        post.Content,
		Name:           post.Title,
		InReplyTo:      post.InReplyTo,
		URL:            apId,
		PublishedAt:    &published,
	}
	if err := p.store.CreatePostWithObject(ctx, post, o); err != nil {
		return nil, fmt.Errorf("failed to store post: %w", err)
	}

	create, err := p.originate(ctx, TypeCreate, author, domain.ObjectTypeObject, o.ApId, &o.Id)
	if err != nil {
		return nil, err
	}
	n, err := p.fanOut(ctx, owner, domain.ObjectTypeActivity, create.Id)
	if err != nil {
		return create, err
	}
	log.Info("Outbox: Published post", "object", o.ApId, "owner", owner.ApId, "deliveries", n)
	return create, nil
}

// UpdatePost applies an edit and federates it as an Update by the author.
func (p *Publisher) UpdatePost(ctx context.Context, post *domain.Post) (*domain.Activity, error) {
	owner, author, err := p.postActors(ctx, post)
	if err != nil {
		return nil, err
	}
	o, err := p.store.ReadObjectByModel(ctx, domain.ModelPost, post.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to read object of post %s: %w", post.Id, err)
	}
	if o.ApType == TypeTombstone {
		return nil, fmt.Errorf("%w: post %s is deleted", ErrNotPublishable, post.Id)
	}

	now := p.now().UTC()
	post.EditedAt = &now
	o.Content = post.Content
	o.Name = post.Title
	o.InReplyTo = post.InReplyTo
	if err := p.store.UpdatePostWithObject(ctx, post, o); err != nil {
		return nil, fmt.Errorf("failed to update post: %w", err)
	}

	update, err := p.originate(ctx, TypeUpdate, author, domain.ObjectTypeObject, o.ApId, &o.Id)
	if err != nil {
		return nil, err
	}
	if _, err := p.fanOutAs(ctx, owner, author, update.Id); err != nil {
		return update, err
	}
	return update, nil
}

// DeletePost tombstones the post's object and federates a Delete by the author.
func (p *Publisher) DeletePost(ctx context.Context, post *domain.Post) (*domain.Activity, error) {
	owner, author, err := p.postActors(ctx, post)
	if err != nil {
		return nil, err
	}
	o, err := p.store.ReadObjectByModel(ctx, domain.ModelPost, post.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to read object of post %s: %w", post.Id, err)
	}

	now := p.now().UTC()
	post.DeletedAt = &now
	o.ApType = TypeTombstone
	if err := p.store.UpdatePostWithObject(ctx, post, o); err != nil {
		return nil, fmt.Errorf("failed to delete post: %w", err)
	}

	del, err := p.originate(ctx, TypeDelete, author, domain.ObjectTypeObject, o.ApId, &o.Id)
	if err != nil {
		return nil, err
	}
	if _, err := p.fanOutAs(ctx, owner, author, del.Id); err != nil {
		return del, err
	}
	return del, nil
}

// Follow sends a pending follow from a local actor to a remote one.
func (p *Publisher) Follow(ctx context.Context, local *domain.Actor, remoteURI string) (*domain.Activity, error) {
	remote, err := p.actors.GetOrFetch(ctx, remoteURI)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", remoteURI, err)
	}
	if err := p.canOriginate(local, TypeFollow, remote.ApType); err != nil {
		return nil, err
	}
	if remote.Local {
		return nil, fmt.Errorf("%w: %s is local", ErrNotPublishable, remoteURI)
	}

	id := uuid.New()
	apId := util.LocalIRI(p.conf.Conf.SslDomain, "activities", id.String())
	f := &domain.Follow{FollowerId: local.Id, FollowedId: remote.Id, ApId: apId}
	if err := p.store.CreateFollow(ctx, f); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			log.Debug("Outbox: Already following", "actor", local.ApId, "target", remote.ApId)
		}
		return nil, err
	}

	a := &domain.Activity{
		Id:         id,
		ApId:       apId,
		ApType:     TypeFollow,
		ActorId:    local.Id,
		ObjectType: domain.ObjectTypeActor,
		ObjectApId: remote.ApId,
		ObjectRef:  &remote.Id,
		Local:      true,
	}
	if err := p.store.CreateActivity(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to store follow activity: %w", err)
	}
	return a, p.schedule(ctx, local, remote.InboxURI, domain.ObjectTypeActivity, a.Id)
}

// Unfollow undoes a follow of a remote actor. Unfollowing an actor not followed is a no-op.
func (p *Publisher) Unfollow(ctx context.Context, local *domain.Actor, remoteURI string) (*domain.Activity, error) {
	remote, err := p.store.ReadActorByApId(ctx, remoteURI)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f, err := p.store.ReadFollow(ctx, local.Id, remote.Id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := p.canOriginate(local, TypeUndo, TypeFollow); err != nil {
		return nil, err
	}

	var followRef *uuid.UUID
	if fa, err := p.store.ReadActivityByApId(ctx, f.ApId); err == nil {
		followRef = &fa.Id
	}
	undo, err := p.originate(ctx, TypeUndo, local, domain.ObjectTypeActivity, f.ApId, followRef)
	if err != nil {
		return nil, err
	}
	if _, err := p.store.DeleteFollow(ctx, local.Id, remote.Id); err != nil {
		return undo, err
	}
	return undo, p.schedule(ctx, local, remote.InboxURI, domain.ObjectTypeActivity, undo.Id)
}

// Relay schedules delivery of an existing activity, object or collection to the followers of
// actor. Delivery wraps whatever the actor did not author in an Announce.
func (p *Publisher) Relay(ctx context.Context, actor *domain.Actor, objectType string, objectId uuid.UUID) (int, error) {
	if !actor.Local || !actor.Ready() {
		return 0, fmt.Errorf("%w: %s cannot relay", ErrNotPublishable, actor.ApId)
	}
	return p.fanOut(ctx, actor, objectType, objectId)
}

func (p *Publisher) postActors(ctx context.Context, post *domain.Post) (*domain.Actor, *domain.Actor, error) {
	owner, err := p.store.ReadActorById(ctx, post.ActorId)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read owner of post: %w", err)
	}
	author, err := p.store.ReadActorById(ctx, post.AuthorId)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read author of post: %w", err)
	}
	if !owner.Local || !author.Local {
		return nil, nil, fmt.Errorf("%w: post is not local", ErrNotPublishable)
	}
	return owner, author, nil
}

func (p *Publisher) canOriginate(a *domain.Actor, activityType, objectType string) error {
	ak, err := p.registry.Actor(a.ApType)
	if err != nil {
		return err
	}
	if !CanPerformActivity(ak, activityType, objectType) {
		return fmt.Errorf("%w: %s actors cannot %s %s", ErrNotPublishable, a.ApType, activityType, objectType)
	}
	return nil
}

// originate stores a local activity.
func (p *Publisher) originate(ctx context.Context, activityType string, actor *domain.Actor, objectType, objectApId string, objectRef *uuid.UUID) (*domain.Activity, error) {
	id := uuid.New()
	a := &domain.Activity{
		Id:         id,
		ApId:       util.LocalIRI(p.conf.Conf.SslDomain, "activities", id.String()),
		ApType:     activityType,
		ActorId:    actor.Id,
		ObjectType: objectType,
		ObjectApId: objectApId,
		ObjectRef:  objectRef,
		Local:      true,
	}
	if err := p.store.CreateActivity(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", activityType, err)
	}
	return a, nil
}

// fanOut schedules one deliver task from actor per distinct inbox of its remote followers.
func (p *Publisher) fanOut(ctx context.Context, actor *domain.Actor, objectType string, objectId uuid.UUID) (int, error) {
	return p.fanOutTo(ctx, actor, actor, objectType, objectId)
}

// fanOutAs delivers an activity performed by author to the followers of owner, signed by author.
func (p *Publisher) fanOutAs(ctx context.Context, owner, author *domain.Actor, activityId uuid.UUID) (int, error) {
	return p.fanOutTo(ctx, owner, author, domain.ObjectTypeActivity, activityId)
}

func (p *Publisher) fanOutTo(ctx context.Context, audience, from *domain.Actor, objectType string, objectId uuid.UUID) (int, error) {
	followers, err := p.store.ReadFollowers(ctx, audience.Id)
	if err != nil {
		return 0, fmt.Errorf("failed to read followers of %s: %w", audience.ApId, err)
	}
	seen := make(map[string]bool, len(followers))
	n := 0
	for _, f := range followers {
		if f.Actor.Local {
			continue
		}
		inbox := f.Actor.DeliveryInbox()
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		if err := p.schedule(ctx, from, inbox, objectType, objectId); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (p *Publisher) schedule(ctx context.Context, from *domain.Actor, inbox, objectType string, objectId uuid.UUID) error {
	req := DeliveryRequest{
		FromActorID: from.Id,
		Destination: inbox,
		ObjectType:  objectType,
		ObjectID:    objectId,
	}
	if err := p.scheduler.Schedule(ctx, TaskDeliver, req, 0); err != nil {
		return fmt.Errorf("failed to schedule delivery to %s: %w", inbox, err)
	}
	return nil
}
