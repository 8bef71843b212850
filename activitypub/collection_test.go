package activitypub

import (
	"errors"
	"testing"
	"time"

	"github.com/deemkeen/forumpub/domain"
	"github.com/google/uuid"
)

func items(at ...time.Time) []CollectionItem {
	out := make([]CollectionItem, len(at))
	for i, t := range at {
		out[i] = CollectionItem{Seq: int64(i + 1), CreatedAt: t, Activity: &domain.Activity{ApId: string(rune('a' + i))}}
	}
	return out
}

func seqs(items []CollectionItem) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.Seq
	}
	return out
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOrderedCollectionOrder(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		items []CollectionItem
		want  []int64
	}{
		{"most recent first", items(now.Add(-2*time.Hour), now.Add(-time.Hour), now), []int64{3, 2, 1}},
		{"already ordered", items(now, now.Add(-time.Hour), now.Add(-2*time.Hour)), []int64{1, 2, 3}},
		{"ties by insertion", items(now, now, now.Add(-time.Hour), now), []int64{1, 2, 4, 3}},
		{"empty", nil, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewOrderedCollection("https://forum.example/c", nil, tt.items)
			if got := seqs(c.OrderedItems()); !equalSeqs(got, tt.want) {
				t.Errorf("Order = %v, want %v", got, tt.want)
			}
			if c.TotalItems() != len(tt.items) {
				t.Errorf("TotalItems = %d, want %d", c.TotalItems(), len(tt.items))
			}
			if c.Type != TypeOrderedCollection {
				t.Errorf("Type = %s", c.Type)
			}
		})
	}
}

func TestOrderedCollectionDoesNotAliasInput(t *testing.T) {
	now := time.Now()
	in := items(now.Add(-time.Hour), now)
	NewOrderedCollection("https://forum.example/c", nil, in)
	if in[0].Seq != 1 {
		t.Error("Expected the input slice to be left untouched")
	}
}

func TestCollectionPage(t *testing.T) {
	now := time.Now()
	c := NewOrderedCollection("https://forum.example/c", nil, items(
		now, now.Add(-1*time.Minute), now.Add(-2*time.Minute), now.Add(-3*time.Minute), now.Add(-4*time.Minute),
	))

	tests := []struct {
		name     string
		offset   int
		limit    int
		want     []int64
		loadMore int // -1 for none
	}{
		{"first page", 0, 2, []int64{1, 2}, 2},
		{"middle page", 2, 2, []int64{3, 4}, 4},
		{"last page", 4, 2, []int64{5}, -1},
		{"exact end", 3, 2, []int64{4, 5}, -1},
		{"past the end", 10, 2, []int64{}, -1},
		{"negative offset", -3, 1, []int64{1}, 1},
		{"default limit", 0, 0, []int64{1, 2, 3, 4, 5}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := c.Page(tt.offset, tt.limit)
			if got := seqs(p.Items); !equalSeqs(got, tt.want) {
				t.Errorf("Items = %v, want %v", got, tt.want)
			}
			if p.TotalItems != 5 {
				t.Errorf("TotalItems = %d", p.TotalItems)
			}
			switch {
			case tt.loadMore < 0 && p.LoadMore != nil:
				t.Errorf("Expected no LoadMore, got %d", *p.LoadMore)
			case tt.loadMore >= 0 && (p.LoadMore == nil || *p.LoadMore != tt.loadMore):
				t.Errorf("Expected LoadMore %d, got %v", tt.loadMore, p.LoadMore)
			}
		})
	}
}

func TestCollectionPageDoesNotAliasCollection(t *testing.T) {
	now := time.Now()
	c := NewOrderedCollection("https://forum.example/c", nil, items(now, now.Add(-time.Minute), now.Add(-2*time.Minute)))

	p := c.Page(0, 2)
	p.Items[0], p.Items[1] = p.Items[1], p.Items[0]
	p.Items = append(p.Items, CollectionItem{Seq: 99})

	if got := seqs(c.OrderedItems()); !equalSeqs(got, []int64{1, 2, 3}) {
		t.Errorf("Expected the collection to be unchanged, got %v", got)
	}
}

func TestCollectionPageNumber(t *testing.T) {
	now := time.Now()
	c := NewOrderedCollection("https://forum.example/c", nil, items(now, now.Add(-time.Minute), now.Add(-2*time.Minute)))

	if got := seqs(c.PageNumber(2, 2).Items); !equalSeqs(got, []int64{3}) {
		t.Errorf("PageNumber(2) = %v", got)
	}
	if got := seqs(c.PageNumber(0, 2).Items); !equalSeqs(got, []int64{1, 2}) {
		t.Errorf("PageNumber(0) = %v, want the first page", got)
	}
	if p := c.PageNumber(1, 0); p.Limit != DefaultPageSize {
		t.Errorf("Expected the default page size, got %d", p.Limit)
	}
}

func TestCollectionBuilderOutbox(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "general")
	now := time.Now().UTC().Truncate(time.Second)

	create := func(typ string, at time.Time) *domain.Activity {
		t.Helper()
		id := uuid.New()
		a := &domain.Activity{
			Id:         id,
			ApId:       g.ApId + "/activities/" + id.String(),
			ApType:     typ,
			ActorId:    g.Id,
			ObjectType: domain.ObjectTypeObject,
			ObjectApId: "https://forum.example/objects/" + id.String(),
			Local:      true,
			CreatedAt:  at,
		}
		if err := f.db.CreateActivity(f.ctx, a); err != nil {
			t.Fatalf("CreateActivity failed: %v", err)
		}
		return a
	}
	oldest := create(TypeCreate, now.Add(-2*time.Hour))
	middle := create(TypeUpdate, now.Add(-time.Hour))
	create(TypeLike, now)
	newest := create(TypeCreate, now)
	tied := create(TypeAnnounce, now)

	c, err := f.builder.Outbox(f.ctx, g)
	if err != nil {
		t.Fatalf("Outbox failed: %v", err)
	}
	if c.ID != g.OutboxURI || c.Owner.Id != g.Id {
		t.Errorf("Unexpected collection %s of %v", c.ID, c.Owner)
	}
	want := []string{newest.ApId, tied.ApId, middle.ApId, oldest.ApId}
	got := c.OrderedItems()
	if len(got) != len(want) {
		t.Fatalf("Expected %d items without the Like, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Activity.ApId != want[i] {
			t.Errorf("Item %d = %s, want %s", i, got[i].Activity.ApId, want[i])
		}
	}

	same, err := f.builder.ForIRI(f.ctx, g, g.OutboxURI)
	if err != nil || same.TotalItems() != 4 {
		t.Errorf("ForIRI(outbox) = %v, %v", same, err)
	}
}

func TestCollectionBuilderFollowers(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "general")
	alice := f.remoteActor(t, TypePerson, aliceIRI)
	bob := f.remoteActor(t, TypePerson, bobIRI)
	f.follow(t, alice, g)
	f.follow(t, bob, g)
	if err := f.db.TombstoneActor(f.ctx, bob.Id, time.Now()); err != nil {
		t.Fatalf("TombstoneActor failed: %v", err)
	}

	c, err := f.builder.ForIRI(f.ctx, g, g.FollowersURI)
	if err != nil {
		t.Fatalf("ForIRI(followers) failed: %v", err)
	}
	if c.TotalItems() != 1 || c.OrderedItems()[0].Actor.ApId != aliceIRI {
		t.Errorf("Expected only alice to follow, got %d items", c.TotalItems())
	}

	if _, err := f.builder.ForIRI(f.ctx, g, g.ApId+"/following"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an unknown collection, got %v", err)
	}
}

func TestRemoteCollectionPage(t *testing.T) {
	j, err := ParseJSON([]byte(`{
		"id": "https://remote.example/users/alice/outbox?page=2",
		"type": "OrderedCollectionPage",
		"partOf": "https://remote.example/users/alice/outbox",
		"next": "https://remote.example/users/alice/outbox?page=3",
		"prev": {"id": "https://remote.example/users/alice/outbox?page=1"},
		"totalItems": 42,
		"orderedItems": [
			"https://remote.example/activities/1",
			{"id": "https://remote.example/activities/2", "type": "Create"},
			7
		]
	}`))
	if err != nil {
		t.Fatalf("ParseJSON failed: %v", err)
	}
	p, err := NewRemoteCollectionPage(j)
	if err != nil {
		t.Fatalf("NewRemoteCollectionPage failed: %v", err)
	}
	if !p.Ordered() || p.TotalItems() != 42 {
		t.Errorf("Ordered = %v, TotalItems = %d", p.Ordered(), p.TotalItems())
	}
	if p.PartOf() != "https://remote.example/users/alice/outbox" {
		t.Errorf("PartOf = %s", p.PartOf())
	}
	if p.Next() != "https://remote.example/users/alice/outbox?page=3" || p.Prev() != "https://remote.example/users/alice/outbox?page=1" {
		t.Errorf("Next = %s, Prev = %s", p.Next(), p.Prev())
	}
	got := p.Items()
	if len(got) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(got))
	}
	if got[0].ID() != "https://remote.example/activities/1" || got[1].Type() != TypeCreate {
		t.Errorf("Unexpected items %v", got)
	}

	unordered, _ := NewRemoteCollectionPage(JSON{"type": TypeCollection, "items": []any{"https://remote.example/x"}})
	if unordered.Ordered() || len(unordered.Items()) != 1 {
		t.Error("Expected an unordered collection with one item")
	}

	var unsupported *UnsupportedTypeError
	if _, err := NewRemoteCollectionPage(JSON{"type": TypeNote}); !errors.As(err, &unsupported) {
		t.Errorf("Expected UnsupportedTypeError, got %v", err)
	}
}
