package activitypub

import (
	"context"
	"time"

	"github.com/deemkeen/forumpub/domain"
	"github.com/google/uuid"
)

// Task kinds scheduled by this package.
const (
	TaskProcessActivity = "process_activity"
	TaskDeliver         = "deliver"
	TaskTrackDelivery   = "track_delivery"
)

type ActorStore interface {
	CreateActor(ctx context.Context, a *domain.Actor) error
	UpdateActor(ctx context.Context, a *domain.Actor) error
	UpsertRemoteActor(ctx context.Context, a *domain.Actor) error
	ReadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error)
	ReadActorByApId(ctx context.Context, apId string) (*domain.Actor, error)
	ReadActorByInbox(ctx context.Context, inbox string) (*domain.Actor, error)
	ReadActorByModel(ctx context.Context, modelType string, modelId uuid.UUID) (*domain.Actor, error)
	TombstoneActor(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteActor(ctx context.Context, id uuid.UUID) error
	CountActivitiesByActor(ctx context.Context, id uuid.UUID) (int, error)
}

type ObjectStore interface {
	CreateObject(ctx context.Context, o *domain.Object) error
	UpdateObject(ctx context.Context, o *domain.Object) error
	CreatePostWithObject(ctx context.Context, p *domain.Post, o *domain.Object) error
	UpdatePostWithObject(ctx context.Context, p *domain.Post, o *domain.Object) error
	ReadObjectById(ctx context.Context, id uuid.UUID) (*domain.Object, error)
	ReadObjectByApId(ctx context.Context, apId string) (*domain.Object, error)
	ReadObjectByModel(ctx context.Context, modelType string, modelId uuid.UUID) (*domain.Object, error)
	ReadPostById(ctx context.Context, id uuid.UUID) (*domain.Post, error)
	UpdatePost(ctx context.Context, p *domain.Post) error
}

type ActivityStore interface {
	CreateActivity(ctx context.Context, a *domain.Activity) error
	UpdateActivity(ctx context.Context, a *domain.Activity) error
	ReadActivityById(ctx context.Context, id uuid.UUID) (*domain.Activity, error)
	ReadActivityByApId(ctx context.Context, apId string) (*domain.Activity, error)
	ReadAnnounce(ctx context.Context, actorId uuid.UUID, objectApId string) (*domain.Activity, error)
	ReadOutboxActivities(ctx context.Context, actorId uuid.UUID) ([]domain.Activity, error)
	DeleteActivity(ctx context.Context, id uuid.UUID) error
}

type FollowStore interface {
	CreateFollow(ctx context.Context, f *domain.Follow) error
	ReadFollow(ctx context.Context, followerId, followedId uuid.UUID) (*domain.Follow, error)
	ReadFollowByApId(ctx context.Context, apId string) (*domain.Follow, error)
	AcceptFollow(ctx context.Context, id uuid.UUID) error
	DeleteFollow(ctx context.Context, followerId, followedId uuid.UUID) (int64, error)
	DeleteFollowByApId(ctx context.Context, followerId uuid.UUID, apId string) (int64, error)
	DeleteFollowsByActor(ctx context.Context, actorId uuid.UUID) (int64, error)
	ReadFollowers(ctx context.Context, followedId uuid.UUID) ([]domain.Follower, error)
	CreateLike(ctx context.Context, l *domain.Like, postId *uuid.UUID) error
	DeleteLike(ctx context.Context, actorId, objectId uuid.UUID, postId *uuid.UUID) (int64, error)
}

type FailureStore interface {
	ReadDeliveryFailure(ctx context.Context, host string) (*domain.DeliveryFailure, error)
	RecordDeliveryFailure(ctx context.Context, host string, at time.Time) error
	ResetDeliveryFailures(ctx context.Context, host string) error
}

// Store is the persistence the federation core runs on; *db.DB implements it.
type Store interface {
	ActorStore
	ObjectStore
	ActivityStore
	FollowStore
	FailureStore
}

// Transport signs and POSTs a body to a remote inbox. A nil error means a 2xx answer.
type Transport interface {
	SignAndPost(ctx context.Context, from *domain.Actor, inbox string, body []byte) error
}

// Resolver fetches a remote document. A gone or missing document is (nil, nil).
type Resolver interface {
	Resolve(ctx context.Context, uri string) (JSON, error)
}

// Scheduler enqueues a task to run after delay. args is JSON encoded.
type Scheduler interface {
	Schedule(ctx context.Context, kind string, args any, delay time.Duration) error
}
