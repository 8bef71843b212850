package activitypub

import (
	"time"

	"github.com/deemkeen/forumpub/domain"
	"github.com/deemkeen/forumpub/util"
)

// Object is a content unit backed by a stored row, by fetched remote JSON, or by both.
// Accessors prefer the stored backing.
type Object struct {
	stored *domain.Object
	post   *domain.Post
	author *domain.Actor
	remote JSON
}

// StoredObject wraps a persisted object. post and author may be nil.
func StoredObject(o *domain.Object, post *domain.Post, author *domain.Actor) *Object {
	return &Object{stored: o, post: post, author: author}
}

func RemoteObject(j JSON) *Object {
	return &Object{remote: j}
}

// WithRemote attaches fetched JSON as the fallback backing.
func (o *Object) WithRemote(j JSON) *Object {
	o.remote = j
	return o
}

func (o *Object) Stored() *domain.Object { return o.stored }
func (o *Object) Post() *domain.Post     { return o.post }
func (o *Object) Remote() JSON           { return o.remote }
func (o *Object) IsStored() bool         { return o.stored != nil }

func (o *Object) ID() string {
	if o.stored != nil {
		return o.stored.ApId
	}
	return o.remote.ID()
}

func (o *Object) Type() string {
	if o.stored != nil {
		return o.stored.ApType
	}
	return o.remote.Type()
}

func (o *Object) Tombstoned() bool {
	if o.Type() == TypeTombstone {
		return true
	}
	return o.post != nil && o.post.DeletedAt != nil
}

func (o *Object) Content() string {
	if o.post != nil {
		return o.post.Content
	}
	if o.stored != nil {
		return o.stored.Content
	}
	return o.remote.String("content")
}

func (o *Object) Name() string {
	if o.post != nil && o.post.Title != "" {
		return o.post.Title
	}
	if o.stored != nil {
		return o.stored.Name
	}
	return o.remote.String("name")
}

func (o *Object) InReplyTo() string {
	if o.stored != nil {
		return o.stored.InReplyTo
	}
	return o.remote.Ref("inReplyTo")
}

func (o *Object) URL() string {
	if o.stored != nil && o.stored.URL != "" {
		return o.stored.URL
	}
	if o.stored != nil {
		return o.stored.ApId
	}
	if u := o.remote.Ref("url"); u != "" {
		return u
	}
	return o.remote.ID()
}

func (o *Object) AttributedTo() string {
	if o.author != nil {
		return o.author.ApId
	}
	return o.remote.Ref("attributedTo")
}

func (o *Object) Published() *time.Time {
	if o.stored != nil && o.stored.PublishedAt != nil {
		return o.stored.PublishedAt
	}
	if o.post != nil {
		t := o.post.CreatedAt
		return &t
	}
	if o.stored != nil {
		t := o.stored.CreatedAt
		return &t
	}
	return o.remote.Time("published")
}

func (o *Object) Updated() *time.Time {
	if o.post != nil && o.post.EditedAt != nil {
		return o.post.EditedAt
	}
	if o.stored != nil {
		t := o.stored.UpdatedAt
		return &t
	}
	return o.remote.Time("updated")
}

// Actor is an identity backed by a stored row, by fetched remote JSON, or by both.
type Actor struct {
	stored *domain.Actor
	remote JSON
}

func StoredActor(a *domain.Actor) *Actor {
	return &Actor{stored: a}
}

func RemoteActor(j JSON) *Actor {
	return &Actor{remote: j}
}

func (a *Actor) Stored() *domain.Actor { return a.stored }
func (a *Actor) IsStored() bool        { return a.stored != nil }

func (a *Actor) ID() string {
	if a.stored != nil {
		return a.stored.ApId
	}
	return a.remote.ID()
}

func (a *Actor) Type() string {
	if a.stored != nil {
		return a.stored.ApType
	}
	return a.remote.Type()
}

func (a *Actor) PreferredUsername() string {
	if a.stored != nil {
		return a.stored.Username
	}
	return a.remote.String("preferredUsername")
}

func (a *Actor) Name() string {
	if a.stored != nil {
		return a.stored.Name
	}
	return a.remote.String("name")
}

func (a *Actor) Summary() string {
	if a.stored != nil {
		return a.stored.Summary
	}
	return a.remote.String("summary")
}

func (a *Actor) Inbox() string {
	if a.stored != nil {
		return a.stored.InboxURI
	}
	return a.remote.Ref("inbox")
}

func (a *Actor) Outbox() string {
	if a.stored != nil {
		return a.stored.OutboxURI
	}
	return a.remote.Ref("outbox")
}

func (a *Actor) Followers() string {
	if a.stored != nil {
		return a.stored.FollowersURI
	}
	return a.remote.Ref("followers")
}

func (a *Actor) SharedInbox() string {
	if a.stored != nil {
		return a.stored.SharedInbox
	}
	if endpoints := a.remote.Object("endpoints"); endpoints != nil {
		return endpoints.Ref("sharedInbox")
	}
	return ""
}

func (a *Actor) PublicKeyPem() string {
	if a.stored != nil {
		return a.stored.PublicKeyPem
	}
	if key := a.remote.Object("publicKey"); key != nil {
		return key.String("publicKeyPem")
	}
	return ""
}

func (a *Actor) Domain() string {
	if a.stored != nil && a.stored.Domain != "" {
		return a.stored.Domain
	}
	return util.HostOf(a.ID())
}

// ToDomain returns the stored actor, or a remote actor row built from the JSON backing.
func (a *Actor) ToDomain() *domain.Actor {
	if a.stored != nil {
		return a.stored
	}
	return &domain.Actor{
		ApId:         a.ID(),
		ApType:       a.Type(),
		Domain:       a.Domain(),
		Username:     a.PreferredUsername(),
		Name:         a.Name(),
		Summary:      a.Summary(),
		InboxURI:     a.Inbox(),
		OutboxURI:    a.Outbox(),
		FollowersURI: a.Followers(),
		SharedInbox:  a.SharedInbox(),
		PublicKeyPem: a.PublicKeyPem(),
		ModelType:    "",
		Enabled:      true,
	}
}
