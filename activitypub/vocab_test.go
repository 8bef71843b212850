package activitypub

import (
	"errors"
	"testing"

	"github.com/deemkeen/forumpub/domain"
)

func TestStandardRegistryFamilies(t *testing.T) {
	r := StandardRegistry()

	tests := []struct {
		typ    string
		family Family
	}{
		{TypeNote, FamilyObject},
		{TypeTombstone, FamilyObject},
		{TypeGroup, FamilyActor},
		{TypePerson, FamilyActor},
		{TypeFollow, FamilyActivity},
		{TypeAnnounce, FamilyActivity},
		{TypeOrderedCollection, FamilyCollection},
		{TypeOrderedCollectionPage, FamilyCollection},
	}
	for _, tt := range tests {
		f, ok := r.Family(tt.typ)
		if !ok {
			t.Errorf("%s is not registered", tt.typ)
			continue
		}
		if f != tt.family {
			t.Errorf("Family(%s) = %s, want %s", tt.typ, f, tt.family)
		}
	}

	if _, ok := r.Family("Question"); ok {
		t.Error("Expected Question to be unknown")
	}
}

func TestRegistryLookupErrors(t *testing.T) {
	r := StandardRegistry()

	var unsupported *UnsupportedTypeError
	if _, err := r.Lookup("Question"); !errors.As(err, &unsupported) {
		t.Errorf("Expected UnsupportedTypeError, got %v", err)
	}
	if _, err := r.Actor(TypeNote); !errors.As(err, &unsupported) || unsupported.Want != "actor" {
		t.Errorf("Expected Note to be rejected as actor, got %v", err)
	}
	if _, err := r.Activity(TypeGroup); err == nil {
		t.Error("Expected Group to be rejected as activity")
	}
	if _, err := r.Collection(TypeNote); err == nil {
		t.Error("Expected Note to be rejected as collection")
	}

	c, err := r.Collection(TypeOrderedCollectionPage)
	if err != nil {
		t.Fatalf("Collection failed: %v", err)
	}
	if !c.Ordered() || !c.Paged() {
		t.Error("Expected OrderedCollectionPage to be ordered and paged")
	}

	create, _ := r.Activity(TypeCreate)
	follow, _ := r.Activity(TypeFollow)
	if !create.Compose() || follow.Compose() {
		t.Error("Expected Create to compose an object and Follow not to")
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected registering a type twice to panic")
		}
	}()
	NewRegistry(NewObjectKind(TypeNote), NewObjectKind(TypeNote))
}

func TestRegistryTypes(t *testing.T) {
	r := StandardRegistry()
	actors := r.Types(FamilyActor)
	want := []string{TypeApplication, TypeGroup, TypeOrganization, TypePerson, TypeService}
	if len(actors) != len(want) {
		t.Fatalf("Types(actor) = %v, want %v", actors, want)
	}
	for i := range want {
		if actors[i] != want[i] {
			t.Errorf("Types(actor)[%d] = %s, want %s", i, actors[i], want[i])
		}
	}
}

func TestCanBelongTo(t *testing.T) {
	r := StandardRegistry()

	tests := []struct {
		typ   string
		model string
		want  bool
	}{
		{TypeGroup, domain.ModelCategory, true},
		{TypeGroup, domain.ModelTag, false},
		{TypeOrganization, domain.ModelTag, true},
		{TypeApplication, domain.ModelUser, true},
		{TypePerson, domain.ModelRemote, true},
		{TypePerson, domain.ModelCategory, false},
		{TypeNote, domain.ModelPost, true},
		{TypeArticle, domain.ModelPost, true},
		{TypeTombstone, domain.ModelPost, false},
		{TypeService, domain.ModelUser, false},
	}
	for _, tt := range tests {
		k, err := r.Lookup(tt.typ)
		if err != nil {
			t.Fatalf("Lookup(%s) failed: %v", tt.typ, err)
		}
		if got := CanBelongTo(k, tt.model); got != tt.want {
			t.Errorf("CanBelongTo(%s, %s) = %v, want %v", tt.typ, tt.model, got, tt.want)
		}
	}

	if CanBelongTo(nil, domain.ModelPost) {
		t.Error("Expected nil kind to belong to nothing")
	}
}

func TestCanPerformActivity(t *testing.T) {
	r := StandardRegistry()

	tests := []struct {
		actor    string
		activity string
		object   string
		want     bool
	}{
		{TypeGroup, TypeFollow, TypeGroup, true},
		{TypeGroup, TypeFollow, TypePerson, false},
		{TypeGroup, TypeAnnounce, TypeCreate, true},
		{TypeGroup, TypeAnnounce, TypeOrderedCollection, true},
		{TypeGroup, TypeUndo, TypeAnnounce, true},
		{TypeOrganization, TypeFollow, TypeGroup, false},
		{TypeOrganization, TypeAccept, TypeFollow, true},
		{TypeApplication, TypeCreate, TypeNote, true},
		{TypeApplication, TypeFollow, TypeGroup, false},
		{TypeApplication, TypeUndo, TypeLike, true},
		{TypePerson, TypeFollow, TypeGroup, true},
		{TypePerson, TypeFollow, TypeOrganization, true},
		{TypePerson, TypeCreate, TypeNote, false},
		{TypePerson, TypeAnnounce, TypeNote, false},
		{TypePerson, TypeLike, TypeArticle, true},
		{TypePerson, TypeUpdate, TypePerson, true},
		{TypePerson, TypeDelete, TypeNote, false},
		{TypeService, TypeLike, TypeNote, false},
	}
	for _, tt := range tests {
		k, err := r.Actor(tt.actor)
		if err != nil {
			t.Fatalf("Actor(%s) failed: %v", tt.actor, err)
		}
		if got := CanPerformActivity(k, tt.activity, tt.object); got != tt.want {
			t.Errorf("CanPerformActivity(%s, %s, %s) = %v, want %v", tt.actor, tt.activity, tt.object, got, tt.want)
		}
	}

	if CanPerformActivity(nil, TypeLike, TypeNote) {
		t.Error("Expected nil kind to be capable of nothing")
	}
}

func TestJSONRefs(t *testing.T) {
	j, err := ParseJSON([]byte(`{
		"id": "https://remote.example/a/1",
		"type": "Create",
		"actor": {"id": "https://remote.example/users/p", "type": "Person"},
		"object": "https://remote.example/notes/1",
		"to": ["https://www.w3.org/ns/activitystreams#Public", {"id": "https://remote.example/users/p/followers"}],
		"published": "2024-05-01T10:00:00Z"
	}`))
	if err != nil {
		t.Fatalf("ParseJSON failed: %v", err)
	}
	if got := j.Ref("actor"); got != "https://remote.example/users/p" {
		t.Errorf("Ref(actor) = %q", got)
	}
	if got := j.Ref("object"); got != "https://remote.example/notes/1" {
		t.Errorf("Ref(object) = %q", got)
	}
	if j.Object("object") != nil {
		t.Error("Expected a bare IRI object to have no embedded document")
	}
	if refs := j.Refs("to"); len(refs) != 2 || refs[1] != "https://remote.example/users/p/followers" {
		t.Errorf("Refs(to) = %v", refs)
	}
	if p := j.Time("published"); p == nil || p.Year() != 2024 {
		t.Errorf("Time(published) = %v", p)
	}

	nested := JSON{"object": JSON{"id": "https://remote.example/notes/2"}}
	if got := nested.Ref("object"); got != "https://remote.example/notes/2" {
		t.Errorf("Ref of nested JSON = %q", got)
	}
}

func TestParseActivityMalformed(t *testing.T) {
	for _, raw := range []string{
		``,
		`[]`,
		`null`,
		`{"type":"Follow","actor":"https://remote.example/users/p","object":"x"}`,
		`{"id":"https://remote.example/a/1","actor":"https://remote.example/users/p"}`,
	} {
		if _, err := ParseActivity([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseActivity(%q) = %v, want ErrMalformed", raw, err)
		}
	}
}
