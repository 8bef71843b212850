package activitypub

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/deemkeen/forumpub/domain"
	"github.com/deemkeen/forumpub/util"
)

// maxRenderDepth bounds nesting of activities wrapping activities.
const maxRenderDepth = 3

// Renderer produces the wire JSON-LD of stored entities. Top-level documents carry
// @context; nested documents do not.
type Renderer struct {
	store    Store
	builder  *CollectionBuilder
	pageSize int
}

func NewRenderer(store Store, builder *CollectionBuilder) *Renderer {
	return &Renderer{store: store, builder: builder, pageSize: DefaultPageSize}
}

// Actor renders the actor document.
func (r *Renderer) Actor(a *domain.Actor) JSON {
	j := actorJSON(a)
	j["@context"] = []any{Context, SecurityContext}
	return j
}

func actorJSON(a *domain.Actor) JSON {
	if a.Tombstoned() {
		return JSON{
			"id":         a.ApId,
			"type":       TypeTombstone,
			"formerType": a.ApType,
			"deleted":    formatTime(*a.TombstonedAt),
		}
	}
	j := JSON{
		"id":                a.ApId,
		"type":              a.ApType,
		"preferredUsername": a.Username,
		"name":              a.Name,
		"summary":           a.Summary,
		"inbox":             a.InboxURI,
		"outbox":            a.OutboxURI,
		"followers":         a.FollowersURI,
		"published":         formatTime(a.CreatedAt),
		"updated":           formatTime(a.UpdatedAt),
	}
	if a.SharedInbox != "" {
		j["endpoints"] = JSON{"sharedInbox": a.SharedInbox}
	}
	if a.PublicKeyPem != "" {
		j["publicKey"] = JSON{
			"id":           a.ApId + "#main-key",
			"owner":        a.ApId,
			"publicKeyPem": a.PublicKeyPem,
		}
	}
	return j
}

// Object renders a stored object with its post and author.
func (r *Renderer) Object(ctx context.Context, o *domain.Object) (JSON, error) {
	obj, err := r.loadObject(ctx, o)
	if err != nil {
		return nil, err
	}
	return objectJSON(obj).WithContext(), nil
}

func (r *Renderer) loadObject(ctx context.Context, o *domain.Object) (*Object, error) {
	var post *domain.Post
	var author *domain.Actor
	if o.ModelType == domain.ModelPost && o.ModelId != nil {
		p, err := r.store.ReadPostById(ctx, *o.ModelId)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		post = p
	}
	if o.AttributedToId != nil {
		a, err := r.store.ReadActorById(ctx, *o.AttributedToId)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		author = a
	}
	return StoredObject(o, post, author), nil
}

func objectJSON(o *Object) JSON {
	if o.Tombstoned() {
		j := JSON{"id": o.ID(), "type": TypeTombstone}
		if o.Type() != TypeTombstone {
			j["formerType"] = o.Type()
		}
		if u := o.Updated(); u != nil {
			j["deleted"] = formatTime(*u)
		}
		return j
	}
	content := o.Content()
	if o.IsStored() && o.Stored().Local {
		content = util.MarkdownLinksToHTML(content)
	}
	j := JSON{
		"id":      o.ID(),
		"type":    o.Type(),
		"content": content,
		"url":     o.URL(),
		"to":      []any{Public},
	}
	if name := o.Name(); name != "" {
		j["name"] = name
	}
	if irt := o.InReplyTo(); irt != "" {
		j["inReplyTo"] = irt
	}
	if by := o.AttributedTo(); by != "" {
		j["attributedTo"] = by
	}
	if p := o.Published(); p != nil {
		j["published"] = formatTime(*p)
	}
	if u := o.Updated(); u != nil {
		j["updated"] = formatTime(*u)
	}
	return j
}

// Activity renders an activity with its actor and object nested.
func (r *Renderer) Activity(ctx context.Context, a *domain.Activity) (JSON, error) {
	j, err := r.activityJSON(ctx, a, 0)
	if err != nil {
		return nil, err
	}
	return j.WithContext(), nil
}

func (r *Renderer) activityJSON(ctx context.Context, a *domain.Activity, depth int) (JSON, error) {
	if !a.Local && a.RawJSON != "" {
		raw, err := ParseJSON([]byte(a.RawJSON))
		if err == nil {
			return raw.WithoutContext(), nil
		}
	}

	actor, err := r.store.ReadActorById(ctx, a.ActorId)
	if err != nil {
		return nil, fmt.Errorf("failed to load actor of %s: %w", a.ApId, err)
	}

	j := JSON{
		"id":    a.ApId,
		"type":  a.ApType,
		"actor": actorJSON(actor),
	}
	if a.Summary != "" {
		j["summary"] = a.Summary
	}
	if a.PublishedAt != nil {
		j["published"] = formatTime(*a.PublishedAt)
	} else {
		j["published"] = formatTime(a.CreatedAt)
	}
	switch a.ApType {
	case TypeCreate, TypeUpdate, TypeDelete, TypeAnnounce:
		j["to"] = []any{Public}
		if actor.FollowersURI != "" {
			j["cc"] = []any{actor.FollowersURI}
		}
	}

	object, err := r.activityObject(ctx, a, depth)
	if err != nil {
		return nil, err
	}
	j["object"] = object
	return j, nil
}

// activityObject renders what an activity acts on, falling back to the bare IRI when
// nothing is stored for it.
func (r *Renderer) activityObject(ctx context.Context, a *domain.Activity, depth int) (any, error) {
	switch a.ObjectType {
	case domain.ObjectTypeObject:
		o, err := r.readObject(ctx, a)
		if err != nil || o == nil {
			return a.ObjectApId, err
		}
		obj, err := r.loadObject(ctx, o)
		if err != nil {
			return nil, err
		}
		return objectJSON(obj), nil

	case domain.ObjectTypeActor:
		target, err := r.store.ReadActorByApId(ctx, a.ObjectApId)
		if errors.Is(err, domain.ErrNotFound) {
			return a.ObjectApId, nil
		}
		if err != nil {
			return nil, err
		}
		return actorJSON(target), nil

	case domain.ObjectTypeActivity:
		if depth >= maxRenderDepth {
			return a.ObjectApId, nil
		}
		inner, err := r.readActivity(ctx, a)
		if err != nil || inner == nil {
			return a.ObjectApId, err
		}
		return r.activityJSON(ctx, inner, depth+1)

	case domain.ObjectTypeCollection:
		if a.ObjectRef == nil {
			return a.ObjectApId, nil
		}
		owner, err := r.store.ReadActorById(ctx, *a.ObjectRef)
		if errors.Is(err, domain.ErrNotFound) {
			return a.ObjectApId, nil
		}
		if err != nil {
			return nil, err
		}
		c, err := r.builder.ForIRI(ctx, owner, a.ObjectApId)
		if errors.Is(err, domain.ErrNotFound) {
			return a.ObjectApId, nil
		}
		if err != nil {
			return nil, err
		}
		return r.collectionJSON(ctx, c, depth+1)
	}
	return a.ObjectApId, nil
}

func (r *Renderer) readObject(ctx context.Context, a *domain.Activity) (*domain.Object, error) {
	var o *domain.Object
	var err error
	if a.ObjectRef != nil {
		o, err = r.store.ReadObjectById(ctx, *a.ObjectRef)
	} else {
		o, err = r.store.ReadObjectByApId(ctx, a.ObjectApId)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return o, err
}

func (r *Renderer) readActivity(ctx context.Context, a *domain.Activity) (*domain.Activity, error) {
	var inner *domain.Activity
	var err error
	if a.ObjectRef != nil {
		inner, err = r.store.ReadActivityById(ctx, *a.ObjectRef)
	} else {
		inner, err = r.store.ReadActivityByApId(ctx, a.ObjectApId)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return inner, err
}

// Collection renders a whole ordered collection with every item fully rendered.
func (r *Renderer) Collection(ctx context.Context, c *Collection) (JSON, error) {
	j, err := r.collectionJSON(ctx, c, 0)
	if err != nil {
		return nil, err
	}
	return j.WithContext(), nil
}

func (r *Renderer) collectionJSON(ctx context.Context, c *Collection, depth int) (JSON, error) {
	items, err := r.renderItems(ctx, c.OrderedItems(), depth)
	if err != nil {
		return nil, err
	}
	j := JSON{
		"id":           c.ID,
		"type":         c.Type,
		"totalItems":   c.TotalItems(),
		"orderedItems": items,
	}
	if c.TotalItems() > 0 {
		j["first"] = pageIRI(c.ID, 1)
	}
	return j, nil
}

// CollectionPage renders page n (1-based) of c.
func (r *Renderer) CollectionPage(ctx context.Context, c *Collection, n int) (JSON, error) {
	if n < 1 {
		n = 1
	}
	p := c.PageNumber(n, r.pageSize)
	items, err := r.renderItems(ctx, p.Items, 0)
	if err != nil {
		return nil, err
	}
	j := JSON{
		"id":           pageIRI(c.ID, n),
		"type":         TypeOrderedCollectionPage,
		"partOf":       c.ID,
		"totalItems":   p.TotalItems,
		"orderedItems": items,
	}
	if p.LoadMore != nil {
		j["next"] = pageIRI(c.ID, n+1)
	}
	if n > 1 {
		j["prev"] = pageIRI(c.ID, n-1)
	}
	return j.WithContext(), nil
}

func (r *Renderer) renderItems(ctx context.Context, items []CollectionItem, depth int) ([]any, error) {
	out := make([]any, 0, len(items))
	for _, item := range items {
		switch {
		case item.Activity != nil:
			if depth >= maxRenderDepth {
				out = append(out, item.Activity.ApId)
				continue
			}
			j, err := r.activityJSON(ctx, item.Activity, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, j)
		case item.Actor != nil:
			out = append(out, actorJSON(item.Actor))
		}
	}
	return out, nil
}

func pageIRI(collection string, n int) string {
	return collection + "?page=" + strconv.Itoa(n)
}
