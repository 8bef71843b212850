package activitypub

import (
	"fmt"
	"sort"

	"github.com/deemkeen/forumpub/domain"
)

// Context is the ActivityStreams JSON-LD context every top-level document carries.
const Context = "https://www.w3.org/ns/activitystreams"

// SecurityContext adds the publicKey vocabulary to actor documents.
const SecurityContext = "https://w3id.org/security/v1"

// Public is the special collection addressing everyone.
const Public = "https://www.w3.org/ns/activitystreams#Public"

// Object types
const (
	TypeNote      = "Note"
	TypeArticle   = "Article"
	TypeTombstone = "Tombstone"
	TypeDocument  = "Document"
	TypeImage     = "Image"
)

// Actor types
const (
	TypePerson       = "Person"
	TypeGroup        = "Group"
	TypeOrganization = "Organization"
	TypeApplication  = "Application"
	TypeService      = "Service"
)

// Activity types
const (
	TypeFollow   = "Follow"
	TypeCreate   = "Create"
	TypeUpdate   = "Update"
	TypeDelete   = "Delete"
	TypeUndo     = "Undo"
	TypeAccept   = "Accept"
	TypeReject   = "Reject"
	TypeAnnounce = "Announce"
	TypeLike     = "Like"
)

// Collection types
const (
	TypeCollection            = "Collection"
	TypeOrderedCollection     = "OrderedCollection"
	TypeCollectionPage        = "CollectionPage"
	TypeOrderedCollectionPage = "OrderedCollectionPage"
)

// Family groups the vocabulary into the four ActivityStreams base kinds.
type Family int

const (
	FamilyObject Family = iota
	FamilyActor
	FamilyActivity
	FamilyCollection
)

func (f Family) String() string {
	switch f {
	case FamilyObject:
		return "object"
	case FamilyActor:
		return "actor"
	case FamilyActivity:
		return "activity"
	case FamilyCollection:
		return "collection"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// Kind is one concrete ActivityStreams type.
type Kind interface {
	Type() string
	Family() Family
	// CanBelongTo lists the local model kinds an entity of this type may be linked to.
	CanBelongTo() []string
}

// Capabilities maps an activity type to the object types it may be performed on.
type Capabilities map[string][]string

// ActorKind is a Kind that can perform activities.
type ActorKind interface {
	Kind
	Capabilities() Capabilities
}

// ActivityKind is a Kind describing a verb.
type ActivityKind interface {
	Kind
	// Compose reports whether the activity authors content (Create, Update, Delete).
	Compose() bool
}

// CollectionKind is a Kind enumerating other entities.
type CollectionKind interface {
	Kind
	Ordered() bool
	Paged() bool
}

type objectKind struct {
	name   string
	models []string
}

func (k objectKind) Type() string          { return k.name }
func (k objectKind) Family() Family        { return FamilyObject }
func (k objectKind) CanBelongTo() []string { return k.models }

type actorKind struct {
	name   string
	models []string
	caps   Capabilities
}

func (k actorKind) Type() string               { return k.name }
func (k actorKind) Family() Family             { return FamilyActor }
func (k actorKind) CanBelongTo() []string      { return k.models }
func (k actorKind) Capabilities() Capabilities { return k.caps }

type activityKind struct {
	name    string
	compose bool
}

func (k activityKind) Type() string          { return k.name }
func (k activityKind) Family() Family        { return FamilyActivity }
func (k activityKind) CanBelongTo() []string { return nil }
func (k activityKind) Compose() bool         { return k.compose }

type collectionKind struct {
	name    string
	ordered bool
	paged   bool
}

func (k collectionKind) Type() string          { return k.name }
func (k collectionKind) Family() Family        { return FamilyCollection }
func (k collectionKind) CanBelongTo() []string { return nil }
func (k collectionKind) Ordered() bool         { return k.ordered }
func (k collectionKind) Paged() bool           { return k.paged }

// NewObjectKind, NewActorKind, NewActivityKind and NewCollectionKind let callers
// register vocabulary beyond the standard set.
func NewObjectKind(name string, models ...string) Kind {
	return objectKind{name: name, models: models}
}

func NewActorKind(name string, caps Capabilities, models ...string) ActorKind {
	return actorKind{name: name, models: models, caps: caps}
}

func NewActivityKind(name string, compose bool) ActivityKind {
	return activityKind{name: name, compose: compose}
}

func NewCollectionKind(name string, ordered, paged bool) CollectionKind {
	return collectionKind{name: name, ordered: ordered, paged: paged}
}

// UnsupportedTypeError is returned for wire types missing from the registry.
type UnsupportedTypeError struct {
	Type string
	Want string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Want != "" {
		return fmt.Sprintf("unsupported %s type %q", e.Want, e.Type)
	}
	return fmt.Sprintf("unsupported type %q", e.Type)
}

// Registry resolves wire type strings to kinds. It is immutable after construction.
type Registry struct {
	kinds map[string]Kind
}

// NewRegistry builds a registry from kinds. Registering the same type twice panics.
func NewRegistry(kinds ...Kind) *Registry {
	r := &Registry{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		if _, ok := r.kinds[k.Type()]; ok {
			panic(fmt.Sprintf("activitypub: type %q registered twice", k.Type()))
		}
		r.kinds[k.Type()] = k
	}
	return r
}

// StandardRegistry registers the vocabulary the server understands.
func StandardRegistry() *Registry {
	return NewRegistry(
		NewObjectKind(TypeNote, domain.ModelPost),
		NewObjectKind(TypeArticle, domain.ModelPost),
		NewObjectKind(TypeTombstone),
		NewObjectKind(TypeDocument),
		NewObjectKind(TypeImage),

		NewActorKind(TypeGroup, groupCapabilities, domain.ModelCategory),
		NewActorKind(TypeOrganization, organizationCapabilities, domain.ModelTag),
		NewActorKind(TypeApplication, applicationCapabilities, domain.ModelUser),
		NewActorKind(TypePerson, personCapabilities, domain.ModelRemote),
		NewActorKind(TypeService, Capabilities{}),

		NewActivityKind(TypeFollow, false),
		NewActivityKind(TypeCreate, true),
		NewActivityKind(TypeUpdate, true),
		NewActivityKind(TypeDelete, true),
		NewActivityKind(TypeUndo, false),
		NewActivityKind(TypeAccept, false),
		NewActivityKind(TypeReject, false),
		NewActivityKind(TypeAnnounce, false),
		NewActivityKind(TypeLike, false),

		NewCollectionKind(TypeCollection, false, false),
		NewCollectionKind(TypeOrderedCollection, true, false),
		NewCollectionKind(TypeCollectionPage, false, true),
		NewCollectionKind(TypeOrderedCollectionPage, true, true),
	)
}

func (r *Registry) Lookup(t string) (Kind, error) {
	k, ok := r.kinds[t]
	if !ok {
		return nil, &UnsupportedTypeError{Type: t}
	}
	return k, nil
}

func (r *Registry) Actor(t string) (ActorKind, error) {
	k, ok := r.kinds[t].(ActorKind)
	if !ok {
		return nil, &UnsupportedTypeError{Type: t, Want: "actor"}
	}
	return k, nil
}

func (r *Registry) Activity(t string) (ActivityKind, error) {
	k, ok := r.kinds[t].(ActivityKind)
	if !ok {
		return nil, &UnsupportedTypeError{Type: t, Want: "activity"}
	}
	return k, nil
}

func (r *Registry) Collection(t string) (CollectionKind, error) {
	k, ok := r.kinds[t].(CollectionKind)
	if !ok {
		return nil, &UnsupportedTypeError{Type: t, Want: "collection"}
	}
	return k, nil
}

// Family returns the family of a registered type.
func (r *Registry) Family(t string) (Family, bool) {
	k, ok := r.kinds[t]
	if !ok {
		return 0, false
	}
	return k.Family(), true
}

// Types lists every registered type of a family, sorted.
func (r *Registry) Types(f Family) []string {
	var out []string
	for name, k := range r.kinds {
		if k.Family() == f {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
