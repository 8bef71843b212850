package activitypub

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/deemkeen/forumpub/domain"
)

// DefaultPageSize is used when a caller asks for a page without a limit.
const DefaultPageSize = 20

// CollectionItem is one member of a locally computed collection.
// Exactly one of Activity and Actor is set.
type CollectionItem struct {
	Seq       int64
	CreatedAt time.Time
	Activity  *domain.Activity
	Actor     *domain.Actor
}

// Collection is a computed view over an actor's activities or followers.
type Collection struct {
	ID    string
	Type  string
	Owner *domain.Actor
	items []CollectionItem
}

// NewOrderedCollection sorts items most recent first, ties broken by insertion sequence.
func NewOrderedCollection(id string, owner *domain.Actor, items []CollectionItem) *Collection {
	sorted := make([]CollectionItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].Seq < sorted[j].Seq
	})
	return &Collection{ID: id, Type: TypeOrderedCollection, Owner: owner, items: sorted}
}

func (c *Collection) TotalItems() int {
	return len(c.items)
}

// OrderedItems returns every member in collection order.
func (c *Collection) OrderedItems() []CollectionItem {
	out := make([]CollectionItem, len(c.items))
	copy(out, c.items)
	return out
}

// Page is an offset window over a collection.
type Page struct {
	Items      []CollectionItem
	Offset     int
	Limit      int
	TotalItems int
	// LoadMore is the offset of the next page, nil once the collection is exhausted.
	LoadMore *int
}

func (c *Collection) Page(offset, limit int) *Page {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	p := &Page{Offset: offset, Limit: limit, TotalItems: len(c.items)}
	if offset >= len(c.items) {
		return p
	}
	end := min(offset+limit, len(c.items))
	p.Items = slices.Clone(c.items[offset:end])
	if end < len(c.items) {
		next := end
		p.LoadMore = &next
	}
	return p
}

// PageNumber converts a 1-based page number into a page of size limit.
func (c *Collection) PageNumber(n, limit int) *Page {
	if n < 1 {
		n = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return c.Page((n-1)*limit, limit)
}

type CollectionBuilder struct {
	store Store
}

func NewCollectionBuilder(store Store) *CollectionBuilder {
	return &CollectionBuilder{store: store}
}

// Outbox lists the Create, Update, Delete and Announce activities performed by actor.
func (b *CollectionBuilder) Outbox(ctx context.Context, actor *domain.Actor) (*Collection, error) {
	activities, err := b.store.ReadOutboxActivities(ctx, actor.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox of %s: %w", actor.ApId, err)
	}
	items := make([]CollectionItem, 0, len(activities))
	for i := range activities {
		a := &activities[i]
		items = append(items, CollectionItem{Seq: a.Seq, CreatedAt: a.CreatedAt, Activity: a})
	}
	return NewOrderedCollection(actor.OutboxURI, actor, items), nil
}

// Followers lists the live actors with an accepted follow of actor.
func (b *CollectionBuilder) Followers(ctx context.Context, actor *domain.Actor) (*Collection, error) {
	followers, err := b.store.ReadFollowers(ctx, actor.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to read followers of %s: %w", actor.ApId, err)
	}
	items := make([]CollectionItem, 0, len(followers))
	for i := range followers {
		f := &followers[i]
		items = append(items, CollectionItem{Seq: f.Seq, CreatedAt: f.Follow.CreatedAt, Actor: &f.Actor})
	}
	return NewOrderedCollection(actor.FollowersURI, actor, items), nil
}

// ForIRI builds the collection of a local actor identified by its outbox or followers IRI.
func (b *CollectionBuilder) ForIRI(ctx context.Context, actor *domain.Actor, iri string) (*Collection, error) {
	switch iri {
	case actor.OutboxURI:
		return b.Outbox(ctx, actor)
	case actor.FollowersURI:
		return b.Followers(ctx, actor)
	}
	return nil, fmt.Errorf("%s is not a collection of %s: %w", iri, actor.ApId, domain.ErrNotFound)
}

// RemoteCollectionPage is a read-only view over a fetched collection or collection page.
type RemoteCollectionPage struct {
	raw JSON
}

func NewRemoteCollectionPage(j JSON) (*RemoteCollectionPage, error) {
	switch j.Type() {
	case TypeCollection, TypeOrderedCollection, TypeCollectionPage, TypeOrderedCollectionPage:
		return &RemoteCollectionPage{raw: j}, nil
	}
	return nil, &UnsupportedTypeError{Type: j.Type(), Want: "collection"}
}

func (p *RemoteCollectionPage) ID() string   { return p.raw.ID() }
func (p *RemoteCollectionPage) Type() string { return p.raw.Type() }
func (p *RemoteCollectionPage) Next() string { return p.raw.Ref("next") }
func (p *RemoteCollectionPage) Prev() string { return p.raw.Ref("prev") }

// PartOf is the collection a page belongs to, empty for a whole collection.
func (p *RemoteCollectionPage) PartOf() string { return p.raw.Ref("partOf") }

func (p *RemoteCollectionPage) Ordered() bool {
	return p.raw.Type() == TypeOrderedCollection || p.raw.Type() == TypeOrderedCollectionPage
}

func (p *RemoteCollectionPage) TotalItems() int {
	n, _ := p.raw["totalItems"].(float64)
	return int(n)
}

// Items returns the members in document order. Bare IRIs are returned as {"id": iri}.
func (p *RemoteCollectionPage) Items() []JSON {
	key := "items"
	if _, ok := p.raw["orderedItems"]; ok {
		key = "orderedItems"
	}
	list, _ := p.raw[key].([]any)
	out := make([]JSON, 0, len(list))
	for _, e := range list {
		switch v := e.(type) {
		case string:
			out = append(out, JSON{"id": v})
		case map[string]any:
			out = append(out, JSON(v))
		}
	}
	return out
}
