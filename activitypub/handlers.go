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

// handleFollow accepts a follow of a local actor. Following twice accepts again.
func (p *Processor) handleFollow(ctx context.Context, in *Inbound, resp *Response) error {
	f := &domain.Follow{
		FollowerId: in.Actor.Id,
		FollowedId: in.target.Id,
		ApId:       in.JSON.ID(),
		Accepted:   true,
	}
	err := p.store.CreateFollow(ctx, f)
	switch {
	case errors.Is(err, domain.ErrDuplicate):
		log.Debug("Inbox: Follow already exists, accepting again", "follower", in.Actor.ApId, "target", in.target.ApId)
	case err != nil:
		return fmt.Errorf("failed to store follow: %w", err)
	default:
		log.Info("Inbox: New follower", "follower", in.Actor.ApId, "target", in.target.ApId)
	}
	return p.replyToFollow(ctx, in, resp, TypeAccept, "")
}

func (p *Processor) handleUndo(ctx context.Context, in *Inbound, _ *Response) error {
	switch in.ObjectType {
	case TypeFollow:
		n, err := p.store.DeleteFollowByApId(ctx, in.Actor.Id, in.ObjectID)
		if err != nil {
			return err
		}
		if n == 0 && in.Object != nil {
			target, err := p.store.ReadActorByApId(ctx, in.Object.Ref("object"))
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if n, err = p.store.DeleteFollow(ctx, in.Actor.Id, target.Id); err != nil {
				return err
			}
		}
		log.Info("Inbox: Follow undone", "follower", in.Actor.ApId, "removed", n)

	case TypeLike:
		liked := ""
		if in.Object != nil {
			liked = in.Object.Ref("object")
		} else if in.storedActivity != nil {
			liked = in.storedActivity.ObjectApId
		}
		o, err := p.store.ReadObjectByApId(ctx, liked)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := p.store.DeleteLike(ctx, in.Actor.Id, o.Id, postIdOf(o)); err != nil {
			return err
		}
		if in.storedActivity != nil {
			return p.store.DeleteActivity(ctx, in.storedActivity.Id)
		}

	case TypeAnnounce:
		if in.storedActivity == nil || in.storedActivity.ActorId != in.Actor.Id {
			return nil
		}
		if err := p.store.DeleteActivity(ctx, in.storedActivity.Id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		log.Info("Inbox: Announce undone", "actor", in.Actor.ApId, "announce", in.ObjectID)
	}
	return nil
}

// handleCreate mirrors new remote content into a post. Content announced by a group is owned
// by that group and authored by whoever it is attributed to.
func (p *Processor) handleCreate(ctx context.Context, in *Inbound, _ *Response) error {
	if in.storedObject != nil {
		log.Debug("Inbox: Object already stored", "object", in.ObjectID)
		return nil
	}
	return p.storeRemoteObject(ctx, in)
}

func (p *Processor) storeRemoteObject(ctx context.Context, in *Inbound) error {
	obj := in.Object
	owner := in.Actor
	if in.Via != nil {
		owner = in.Via
	}
	author := p.resolveAuthor(ctx, obj, in.Actor)

	now := time.Now().UTC()
	published := obj.Time("published")
	created := now
	if published != nil {
		created = published.UTC()
	}

	post := &domain.Post{
		ActorId:    owner.Id,
		AuthorId:   author.Id,
		ObjectType: obj.Type(),
		Title:      obj.String("name"),
		Content:    obj.String("content"),
		InReplyTo:  obj.Ref("inReplyTo"),
		CreatedAt:  created,
	}
	o := &domain.Object{
		ApId:           obj.ID(),
		ApType:         obj.Type(),
		AttributedToId: &author.Id,
		Content:        post.Content,
		Name:           post.Title,
		InReplyTo:      post.InReplyTo,
		URL:            obj.Ref("url"),
		PublishedAt:    published,
	}
	if err := p.store.CreatePostWithObject(ctx, post, o); err != nil {
		return err
	}
	log.Info("Inbox: Stored remote object", "object", o.ApId, "type", o.ApType, "owner", owner.ApId)
	return nil
}

// resolveAuthor falls back to the sending actor when attributedTo is missing, unresolvable
// or hosted elsewhere than the object.
func (p *Processor) resolveAuthor(ctx context.Context, obj JSON, fallback *domain.Actor) *domain.Actor {
	iri := obj.Ref("attributedTo")
	if iri == "" || iri == fallback.ApId || !util.SameHost(iri, obj.ID()) {
		return fallback
	}
	a, err := p.actors.GetOrFetch(ctx, iri)
	if err != nil {
		log.Debug("Inbox: Could not resolve author", "author", iri, "err", err)
		return fallback
	}
	return a
}

func (p *Processor) handleUpdate(ctx context.Context, in *Inbound, _ *Response) error {
	if in.target != nil {
		refreshed, err := p.actors.Refresh(ctx, in.Object)
		if err != nil {
			return fmt.Errorf("failed to refresh actor: %w", err)
		}
		log.Info("Inbox: Actor refreshed", "actor", refreshed.ApId)
		return nil
	}
	if in.storedObject == nil {
		return p.storeRemoteObject(ctx, in)
	}

	o := in.storedObject
	o.Content = in.Object.String("content")
	o.Name = in.Object.String("name")
	o.InReplyTo = in.Object.Ref("inReplyTo")
	if u := in.Object.Ref("url"); u != "" {
		o.URL = u
	}
	post, err := p.postOf(ctx, o)
	if err != nil {
		return err
	}
	if post != nil {
		now := time.Now().UTC()
		post.Content = o.Content
		post.Title = o.Name
		post.InReplyTo = o.InReplyTo
		post.EditedAt = &now
	}
	if err := p.store.UpdatePostWithObject(ctx, post, o); err != nil {
		return err
	}
	log.Info("Inbox: Object updated", "object", o.ApId)
	return nil
}

// handleDelete tombstones a remote object, or a remote actor deleting itself.
func (p *Processor) handleDelete(ctx context.Context, in *Inbound, _ *Response) error {
	now := time.Now().UTC()
	if in.target != nil {
		if err := p.store.TombstoneActor(ctx, in.target.Id, now); err != nil {
			return err
		}
		n, err := p.store.DeleteFollowsByActor(ctx, in.target.Id)
		if err != nil {
			return err
		}
		log.Info("Inbox: Actor deleted", "actor", in.target.ApId, "follows", n)
		return nil
	}
	if in.storedObject == nil {
		log.Debug("Inbox: Delete of unknown object", "object", in.ObjectID)
		return nil
	}

	o := in.storedObject
	if o.ApType == TypeTombstone {
		return nil
	}
	o.ApType = TypeTombstone
	post, err := p.postOf(ctx, o)
	if err != nil {
		return err
	}
	if post != nil {
		post.DeletedAt = &now
	}
	if err := p.store.UpdatePostWithObject(ctx, post, o); err != nil {
		return err
	}
	log.Info("Inbox: Object deleted", "object", o.ApId)
	return nil
}

// handleAnnounce records the share; an announced activity is also processed once,
// on behalf of the announcing actor.
func (p *Processor) handleAnnounce(ctx context.Context, in *Inbound, _ *Response) error {
	if in.Via != nil || in.Object == nil {
		return nil
	}
	if f, ok := p.registry.Family(in.ObjectType); !ok || f != FamilyActivity {
		return nil
	}
	inner := p.process(ctx, in.Object.Bytes(), in.DeliveredTo, in.Actor)
	activitiesProcessed.WithLabelValues(inner.Type, inner.outcome()).Inc()
	if inner.Err != nil {
		return inner.Err
	}
	log.Debug("Inbox: Processed announced activity", "announce", in.JSON.ID(), "inner", inner.ActivityID,
		"state", inner.State, "reason", inner.Reason)
	return nil
}

func (p *Processor) handleLike(ctx context.Context, in *Inbound, _ *Response) error {
	l := &domain.Like{
		ActorId:  in.Actor.Id,
		ObjectId: in.storedObject.Id,
		ApId:     in.JSON.ID(),
	}
	return p.store.CreateLike(ctx, l, postIdOf(in.storedObject))
}

func (p *Processor) handleAccept(ctx context.Context, in *Inbound, _ *Response) error {
	if in.follow.Accepted {
		return nil
	}
	if err := p.store.AcceptFollow(ctx, in.follow.Id); err != nil {
		return err
	}
	log.Info("Inbox: Follow accepted", "by", in.Actor.ApId)
	return nil
}

func (p *Processor) handleReject(ctx context.Context, in *Inbound, _ *Response) error {
	if _, err := p.store.DeleteFollow(ctx, in.follow.FollowerId, in.follow.FollowedId); err != nil {
		return err
	}
	log.Info("Inbox: Follow rejected", "by", in.Actor.ApId, "summary", in.JSON.String("summary"))
	return nil
}

func (p *Processor) postOf(ctx context.Context, o *domain.Object) (*domain.Post, error) {
	id := postIdOf(o)
	if id == nil {
		return nil, nil
	}
	post, err := p.store.ReadPostById(ctx, *id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return post, err
}

func postIdOf(o *domain.Object) *uuid.UUID {
	if o.ModelType != domain.ModelPost {
		return nil
	}
	return o.ModelId
}
