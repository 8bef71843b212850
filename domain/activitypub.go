package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by the persistence layer when a lookup matches nothing.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert loses a unique constraint.
	ErrDuplicate = errors.New("duplicate record")
)

// Model kinds a local actor or object may be linked to.
const (
	ModelCategory = "category"
	ModelTag      = "tag"
	ModelUser     = "user"
	ModelPost     = "post"
	ModelRemote   = "remote"
)

// Values of Activity.ObjectType.
const (
	ObjectTypeObject     = "object"
	ObjectTypeActor      = "actor"
	ObjectTypeActivity   = "activity"
	ObjectTypeCollection = "collection"
)

// ActivityObjectTypes is the allow-list for Activity.ObjectType.
var ActivityObjectTypes = []string{ObjectTypeObject, ObjectTypeActor, ObjectTypeActivity, ObjectTypeCollection}

// Actor is a local or remote ActivityPub identity
type Actor struct {
	Id            uuid.UUID
	ApId          string
	ApType        string // Person, Group, Organization, Application, Service
	Local         bool
	Domain        string
	Username      string
	Name          string
	Summary       string
	InboxURI      string
	OutboxURI     string
	FollowersURI  string
	SharedInbox   string
	PublicKeyPem  string
	PrivateKeyPem string
	ModelType     string // category, tag, user ("" for remote actors)
	ModelId       *uuid.UUID
	Enabled       bool
	TombstonedAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Tombstoned reports whether the actor was soft-deleted.
func (a *Actor) Tombstoned() bool {
	return a.TombstonedAt != nil
}

// Ready reports whether the actor has every attribute federation needs.
func (a *Actor) Ready() bool {
	if a == nil || a.Tombstoned() || !a.Enabled {
		return false
	}
	if a.ApId == "" || a.InboxURI == "" {
		return false
	}
	if a.Local {
		return a.PrivateKeyPem != "" && a.ModelType != "" && a.ModelId != nil
	}
	return true
}

// DeliveryInbox prefers the shared inbox when the remote server advertises one.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.InboxURI
}

// Object is a federated content unit, either backed by a local post or by remote JSON.
type Object struct {
	Id             uuid.UUID
	ApId           string
	ApType         string // Note, Article, Tombstone, Document, Image
	Local          bool
	ModelType      string
	ModelId        *uuid.UUID
	AttributedToId *uuid.UUID
	Content        string
	Name           string
	InReplyTo      string
	URL            string
	PublishedAt    *time.Time
	UpdatedAt      time.Time
	CreatedAt      time.Time
}

// Post is the local content model federated objects are mirrored into.
type Post struct {
	Id          uuid.UUID
	ActorId     uuid.UUID // owning actor (category/tag actor, or the remote group)
	AuthorId    uuid.UUID // authoring actor
	ObjectType  string
	Title       string
	Content     string
	InReplyTo   string
	LikeCount   int
	CreatedAt   time.Time
	EditedAt    *time.Time
	DeletedAt   *time.Time
	PublishedAt *time.Time
}

// Activity is a verb performed by an actor on an object, actor, activity or collection.
type Activity struct {
	Id          uuid.UUID
	ApId        string
	ApType      string
	ActorId     uuid.UUID
	ObjectType  string // one of ActivityObjectTypes
	ObjectApId  string
	ObjectRef   *uuid.UUID
	Summary     string
	Local       bool
	RawJSON     string
	Seq         int64
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// Follow represents a follow relationship
type Follow struct {
	Id         uuid.UUID
	FollowerId uuid.UUID
	FollowedId uuid.UUID
	ApId       string // the Follow activity id
	Accepted   bool
	CreatedAt  time.Time
}

// Follower pairs an accepted follow with the following actor.
type Follower struct {
	Follow Follow
	Actor  Actor
	Seq    int64
}

// Like represents a like/favorite on an object
type Like struct {
	Id        uuid.UUID
	ActorId   uuid.UUID
	ObjectId  uuid.UUID
	ApId      string
	CreatedAt time.Time
}

// DeliveryFailure counts consecutive failed deliveries to one domain.
type DeliveryFailure struct {
	Domain        string
	FailureCount  int
	LastFailureAt *time.Time
	UpdatedAt     time.Time
}

// Task is a persisted unit of background work.
type Task struct {
	Id        uuid.UUID
	Kind      string
	Args      string
	RunAt     time.Time
	CreatedAt time.Time
}
