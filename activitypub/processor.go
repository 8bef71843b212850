package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/forumpub/domain"
	"github.com/deemkeen/forumpub/util"
	"github.com/google/uuid"
)

// State is a step of inbound processing.
type State string

const (
	StateReceived  State = "received"
	StateResolved  State = "resolved"
	StateValidated State = "validated"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateProcessed State = "processed"
)

// Rejection reason keys.
const (
	ReasonNotPermitted      = "not_permitted"
	ReasonHostMismatch      = "host_mismatch"
	ReasonInvalidUndo       = "invalid_undo"
	ReasonObjectNotFound    = "object_not_found"
	ReasonTargetNotLocal    = "target_not_local"
	ReasonTargetUnavailable = "target_unavailable"
	ReasonInvalidObject     = "invalid_object"
	ReasonUnsupportedType   = "unsupported_type"
	ReasonObserverRejected  = "observer_rejected"
)

// Response is the result of processing one inbound activity. Rejections are data, never errors.
type Response struct {
	State      State
	ActivityID string
	Type       string
	// Reason is a rejection key, Message its human readable explanation.
	Reason  string
	Message string
	// Reply is the Accept or Reject produced for a Follow.
	Reply JSON
	// Duplicate is set when the activity was already processed.
	Duplicate bool
	// Err holds a persistence failure that interrupted processing.
	Err error
}

func (r *Response) Rejected() bool {
	return r.State == StateRejected
}

func (r *Response) outcome() string {
	switch {
	case r.Err != nil:
		return "error"
	case r.Duplicate:
		return "duplicate"
	case r.Rejected():
		return "rejected"
	}
	return "processed"
}

// Inbound is an activity moving through the processor, handed to observers.
type Inbound struct {
	Raw       []byte
	JSON      JSON
	Kind      ActivityKind
	Actor     *domain.Actor
	ActorKind ActorKind
	// Via is the actor that announced this activity, nil for activities received directly.
	Via         *domain.Actor
	ObjectID    string
	ObjectType  string
	Object      JSON
	DeliveredTo string

	storedObject   *domain.Object
	storedActivity *domain.Activity
	target         *domain.Actor
	follow         *domain.Follow
	record         *domain.Activity
}

type rejection struct {
	reason  string
	message string
}

func reject(reason, format string, args ...any) *rejection {
	return &rejection{reason: reason, message: fmt.Sprintf(format, args...)}
}

// ProcessArgs are the arguments of a process_activity task.
type ProcessArgs struct {
	Body        string `json:"body"`
	DeliveredTo string `json:"delivered_to"`
}

type handlerFunc func(ctx context.Context, in *Inbound, resp *Response) error

// Processor turns inbound activities into local effects.
type Processor struct {
	conf      *util.AppConfig
	registry  *Registry
	store     Store
	resolver  Resolver
	scheduler Scheduler
	renderer  *Renderer
	actors    *ActorResolver
	observers []Observer
	handlers  map[string]handlerFunc
}

// NewProcessor wires a processor. observers are ordered once, highest priority first.
func NewProcessor(conf *util.AppConfig, registry *Registry, store Store, resolver Resolver, scheduler Scheduler, renderer *Renderer, observers ...Observer) *Processor {
	p := &Processor{
		conf:      conf,
		registry:  registry,
		store:     store,
		resolver:  resolver,
		scheduler: scheduler,
		renderer:  renderer,
		actors:    NewActorResolver(conf, registry, store, resolver),
		observers: sortObservers(observers),
	}
	p.handlers = map[string]handlerFunc{
		TypeFollow:   p.handleFollow,
		TypeUndo:     p.handleUndo,
		TypeCreate:   p.handleCreate,
		TypeUpdate:   p.handleUpdate,
		TypeDelete:   p.handleDelete,
		TypeAnnounce: p.handleAnnounce,
		TypeLike:     p.handleLike,
		TypeAccept:   p.handleAccept,
		TypeReject:   p.handleReject,
	}
	return p
}

// HandleTask runs a process_activity task.
func (p *Processor) HandleTask(ctx context.Context, args []byte) error {
	var a ProcessArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("bad process_activity args: %w", err)
	}
	return p.Process(ctx, []byte(a.Body), a.DeliveredTo).Err
}

// Process runs one raw activity through received, resolved, validated, accepted or rejected, processed.
func (p *Processor) Process(ctx context.Context, raw []byte, deliveredTo string) *Response {
	resp := p.process(ctx, raw, deliveredTo, nil)
	activitiesProcessed.WithLabelValues(resp.Type, resp.outcome()).Inc()
	return resp
}

func (p *Processor) process(ctx context.Context, raw []byte, deliveredTo string, via *domain.Actor) *Response {
	resp := &Response{State: StateReceived}

	j, err := ParseActivity(raw)
	if err != nil {
		return p.drop(resp, raw, ReasonInvalidObject, err.Error())
	}
	resp.ActivityID, resp.Type = j.ID(), j.Type()
	log.Debug("Inbox: Received activity", "type", resp.Type, "id", resp.ActivityID, "raw", string(raw))

	kind, err := p.registry.Activity(j.Type())
	if err != nil {
		return p.drop(resp, raw, ReasonUnsupportedType, err.Error())
	}
	resp.State = StateResolved

	_, err = p.store.ReadActivityByApId(ctx, j.ID())
	if err == nil {
		log.Debug("Inbox: Duplicate activity ignored", "id", resp.ActivityID)
		resp.Duplicate = true
		resp.State = StateProcessed
		return resp
	}
	if !errors.Is(err, domain.ErrNotFound) {
		resp.Err = err
		return resp
	}

	in := &Inbound{Raw: raw, JSON: j, Kind: kind, Via: via, DeliveredTo: deliveredTo}
	// an announced activity carries no signature of its own actor
	if via != nil && !util.SameHost(j.Ref("actor"), j.ID()) {
		return p.rejected(ctx, resp, in, reject(ReasonHostMismatch, "announced %s %s is not hosted with its actor %s",
			j.Type(), j.ID(), j.Ref("actor")))
	}
	rej, err := p.resolve(ctx, in)
	if err != nil {
		resp.Err = err
		log.Error("Inbox: Failed to resolve activity", "id", resp.ActivityID, "err", err)
		return resp
	}
	if rej == nil {
		rej = p.validate(in)
	}
	if rej != nil {
		return p.rejected(ctx, resp, in, rej)
	}
	resp.State = StateValidated

	if err := p.notify(ctx, HookValidate, in); err != nil {
		return p.rejected(ctx, resp, in, reject(ReasonObserverRejected, "%v", err))
	}
	resp.State = StateAccepted

	if err := p.record(ctx, in, ""); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			log.Debug("Inbox: Lost race on activity, ignoring", "id", resp.ActivityID)
			resp.Duplicate = true
			resp.State = StateProcessed
			return resp
		}
		resp.Err = err
		return resp
	}

	if err := p.handlers[kind.Type()](ctx, in, resp); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			log.Error("Inbox: Failed to handle activity", "type", resp.Type, "id", resp.ActivityID, "err", err)
			resp.Err = err
			return resp
		}
		log.Debug("Inbox: Effect already applied", "type", resp.Type, "id", resp.ActivityID)
	}

	if err := p.notify(ctx, HookPerformed, in); err != nil {
		log.Warn("Inbox: Observer failed after processing", "id", resp.ActivityID, "err", err)
	}
	resp.State = StateProcessed
	log.Info("Inbox: Processed activity", "type", resp.Type, "id", resp.ActivityID, "actor", in.Actor.ApId)
	return resp
}

// drop ends processing of a payload that never got past structural checks.
func (p *Processor) drop(resp *Response, raw []byte, reason, message string) *Response {
	resp.State = StateRejected
	resp.Reason = reason
	resp.Message = message
	rejections.WithLabelValues(reason).Inc()
	log.Warn("Inbox: Dropped activity", "reason", reason, "message", message, "raw", string(raw))
	return resp
}

func (p *Processor) rejected(ctx context.Context, resp *Response, in *Inbound, rej *rejection) *Response {
	resp.State = StateRejected
	resp.Reason = rej.reason
	resp.Message = rej.message
	rejections.WithLabelValues(rej.reason).Inc()
	log.Warn("Inbox: Rejected activity", "type", resp.Type, "id", resp.ActivityID, "reason", rej.reason,
		"message", rej.message, "raw", string(in.Raw))

	if in.Kind.Type() != TypeFollow || in.Actor == nil || in.target == nil || !in.target.Local {
		return resp
	}
	if err := p.record(ctx, in, rej.message); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			resp.Err = err
		}
		return resp
	}
	if err := p.replyToFollow(ctx, in, resp, TypeReject, rej.message); err != nil {
		resp.Err = err
	}
	return resp
}

// record stores the inbound activity. Its unique id makes re-delivery a no-op.
func (p *Processor) record(ctx context.Context, in *Inbound, summary string) error {
	if summary == "" {
		summary = in.JSON.String("summary")
	}
	a := &domain.Activity{
		ApId:       in.JSON.ID(),
		ApType:     in.Kind.Type(),
		ActorId:    in.Actor.Id,
		ObjectType: p.objectFamily(in.ObjectType),
		ObjectApId: in.ObjectID,
		Summary:    summary,
		RawJSON:    string(in.Raw),
	}
	switch {
	case in.storedObject != nil:
		a.ObjectRef = &in.storedObject.Id
	case in.storedActivity != nil:
		a.ObjectRef = &in.storedActivity.Id
	case in.target != nil:
		a.ObjectRef = &in.target.Id
	}
	if err := p.store.CreateActivity(ctx, a); err != nil {
		return err
	}
	in.record = a
	return nil
}

func (p *Processor) objectFamily(objectType string) string {
	f, ok := p.registry.Family(objectType)
	if !ok {
		return domain.ObjectTypeObject
	}
	return f.String()
}

// resolve loads the actor and object an activity refers to.
func (p *Processor) resolve(ctx context.Context, in *Inbound) (*rejection, error) {
	actorIRI := in.JSON.Ref("actor")
	actor, err := p.actors.GetOrFetch(ctx, actorIRI)
	var unsupported *UnsupportedTypeError
	switch {
	case errors.As(err, &unsupported):
		return reject(ReasonUnsupportedType, "actor %s: %v", actorIRI, err), nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, ErrMalformed):
		return reject(ReasonObjectNotFound, "actor %s could not be resolved", actorIRI), nil
	case err != nil:
		return nil, err
	}
	if actor.Tombstoned() {
		return reject(ReasonNotPermitted, "actor %s is deleted", actorIRI), nil
	}
	in.Actor = actor

	in.ActorKind, err = p.registry.Actor(actor.ApType)
	if err != nil {
		return reject(ReasonUnsupportedType, "%v", err), nil
	}

	in.ObjectID = in.JSON.Ref("object")
	in.Object = in.JSON.Object("object")
	if in.ObjectID == "" {
		return reject(ReasonInvalidObject, "%s has no object", in.Kind.Type()), nil
	}
	if in.Object != nil {
		in.ObjectType = in.Object.Type()
	}

	switch in.Kind.Type() {
	case TypeFollow:
		return p.resolveFollowTarget(ctx, in)
	case TypeUndo, TypeAccept, TypeReject:
		return p.resolveWrapped(ctx, in)
	case TypeLike:
		return p.resolveLiked(ctx, in)
	case TypeAnnounce:
		return p.resolveAnnounced(ctx, in)
	}
	return p.resolveContent(ctx, in)
}

func (p *Processor) resolveFollowTarget(ctx context.Context, in *Inbound) (*rejection, error) {
	target, err := p.store.ReadActorByApId(ctx, in.ObjectID)
	if errors.Is(err, domain.ErrNotFound) {
		return reject(ReasonTargetNotLocal, "%s is not an actor of this server", in.ObjectID), nil
	}
	if err != nil {
		return nil, err
	}
	in.target = target
	in.ObjectType = target.ApType
	if !target.Local {
		return reject(ReasonTargetNotLocal, "%s is not an actor of this server", in.ObjectID), nil
	}
	return nil, nil
}

// resolveWrapped finds the activity an Undo, Accept or Reject refers to.
func (p *Processor) resolveWrapped(ctx context.Context, in *Inbound) (*rejection, error) {
	stored, err := p.store.ReadActivityByApId(ctx, in.ObjectID)
	switch {
	case err == nil:
		in.storedActivity = stored
		if in.ObjectType == "" {
			in.ObjectType = stored.ApType
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	follow, err := p.store.ReadFollowByApId(ctx, in.ObjectID)
	switch {
	case err == nil:
		in.follow = follow
		if in.ObjectType == "" {
			in.ObjectType = TypeFollow
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	// Accept and Reject may name our Follow only by its endpoints
	if in.follow == nil && in.ObjectType == TypeFollow && in.Object != nil && in.Kind.Type() != TypeUndo {
		follower, err := p.store.ReadActorByApId(ctx, in.Object.Ref("actor"))
		if err == nil {
			if f, err := p.store.ReadFollow(ctx, follower.Id, in.Actor.Id); err == nil {
				in.follow = f
			}
		}
	}

	if in.ObjectType == "" {
		return reject(ReasonObjectNotFound, "%s refers to unknown activity %s", in.Kind.Type(), in.ObjectID), nil
	}
	return nil, nil
}

func (p *Processor) resolveLiked(ctx context.Context, in *Inbound) (*rejection, error) {
	o, err := p.store.ReadObjectByApId(ctx, in.ObjectID)
	if errors.Is(err, domain.ErrNotFound) {
		return reject(ReasonObjectNotFound, "unknown object %s", in.ObjectID), nil
	}
	if err != nil {
		return nil, err
	}
	in.storedObject = o
	in.ObjectType = o.ApType
	return nil, nil
}

func (p *Processor) resolveAnnounced(ctx context.Context, in *Inbound) (*rejection, error) {
	if in.ObjectType != "" {
		return nil, nil
	}
	if a, err := p.store.ReadActivityByApId(ctx, in.ObjectID); err == nil {
		in.storedActivity = a
		in.ObjectType = a.ApType
		return nil, nil
	}
	if o, err := p.store.ReadObjectByApId(ctx, in.ObjectID); err == nil {
		in.storedObject = o
		in.ObjectType = o.ApType
		return nil, nil
	}
	j, err := p.resolver.Resolve(ctx, in.ObjectID)
	if err != nil || j == nil {
		return reject(ReasonObjectNotFound, "announced object %s could not be resolved", in.ObjectID), nil
	}
	in.Object = j
	in.ObjectType = j.Type()
	return nil, nil
}

// resolveContent prepares Create, Update and Delete.
func (p *Processor) resolveContent(ctx context.Context, in *Inbound) (*rejection, error) {
	o, err := p.store.ReadObjectByApId(ctx, in.ObjectID)
	switch {
	case err == nil:
		in.storedObject = o
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	if in.Object == nil && in.Kind.Type() != TypeDelete {
		j, err := p.resolver.Resolve(ctx, in.ObjectID)
		if err != nil || j == nil {
			return reject(ReasonObjectNotFound, "object %s could not be resolved", in.ObjectID), nil
		}
		in.Object = j
		in.ObjectType = j.Type()
	}

	if in.storedObject == nil {
		target, err := p.store.ReadActorByApId(ctx, in.ObjectID)
		switch {
		case err == nil:
			in.target = target
		case !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
	}

	// a Delete may carry a Tombstone in place of what it deletes
	if in.ObjectType == "" || in.ObjectType == TypeTombstone {
		switch {
		case in.storedObject != nil:
			in.ObjectType = in.storedObject.ApType
		case in.target != nil:
			in.ObjectType = in.target.ApType
		}
	}
	if in.ObjectType == "" {
		return reject(ReasonObjectNotFound, "unknown object %s", in.ObjectID), nil
	}
	if _, known := p.registry.Family(in.ObjectType); !known {
		return reject(ReasonUnsupportedType, "unsupported object type %q", in.ObjectType), nil
	}
	return nil, nil
}

// validate applies the host and permission invariants.
func (p *Processor) validate(in *Inbound) *rejection {
	t := in.Kind.Type()

	if in.Kind.Compose() && !util.SameHost(in.JSON.ID(), in.ObjectID) {
		return reject(ReasonHostMismatch, "%s %s and its object %s are hosted on different servers", t, in.JSON.ID(), in.ObjectID)
	}

	if !p.permitted(in) {
		return reject(ReasonNotPermitted, "%s actors cannot %s %s", in.Actor.ApType, t, in.ObjectType)
	}

	switch t {
	case TypeFollow:
		if !in.target.Ready() {
			return reject(ReasonTargetUnavailable, "%s does not accept followers", in.target.ApId)
		}
	case TypeUndo:
		if !p.performedBy(in) {
			return reject(ReasonInvalidUndo, "%s did not perform %s", in.Actor.ApId, in.ObjectID)
		}
	case TypeCreate, TypeUpdate, TypeDelete:
		if f, _ := p.registry.Family(in.ObjectType); f == FamilyActor && in.ObjectID != in.Actor.ApId {
			return reject(ReasonNotPermitted, "%s cannot %s actor %s", in.Actor.ApId, t, in.ObjectID)
		}
		if in.storedObject != nil && in.storedObject.Local {
			return reject(ReasonNotPermitted, "%s cannot %s local object %s", in.Actor.ApId, t, in.ObjectID)
		}
	case TypeAccept, TypeReject:
		if in.follow == nil || in.follow.FollowedId != in.Actor.Id {
			return reject(ReasonObjectNotFound, "no pending follow of %s matches %s", in.Actor.ApId, in.ObjectID)
		}
	}
	return nil
}

// permitted checks the capability map of the actor, or of the actor that announced the activity.
func (p *Processor) permitted(in *Inbound) bool {
	if CanPerformActivity(in.ActorKind, in.Kind.Type(), in.ObjectType) {
		return true
	}
	if in.Via == nil {
		return false
	}
	vk, err := p.registry.Actor(in.Via.ApType)
	return err == nil && CanPerformActivity(vk, in.Kind.Type(), in.ObjectType)
}

// performedBy reports whether the actor of an Undo performed the activity being undone.
// Stored rows win over the embedded copy, whose actor is whatever the sender wrote.
func (p *Processor) performedBy(in *Inbound) bool {
	switch {
	case in.follow != nil:
		return in.follow.FollowerId == in.Actor.Id
	case in.storedActivity != nil:
		return in.storedActivity.ActorId == in.Actor.Id
	case in.Object != nil:
		return in.Object.Ref("actor") == in.Actor.ApId
	}
	return false
}

// replyToFollow stores and schedules the Accept or Reject of an inbound Follow.
func (p *Processor) replyToFollow(ctx context.Context, in *Inbound, resp *Response, replyType, summary string) error {
	id := uuid.New()
	reply := &domain.Activity{
		Id:         id,
		ApId:       util.LocalIRI(p.conf.Conf.SslDomain, "activities", id.String()),
		ApType:     replyType,
		ActorId:    in.target.Id,
		ObjectType: domain.ObjectTypeActivity,
		ObjectApId: in.record.ApId,
		ObjectRef:  &in.record.Id,
		Summary:    summary,
		Local:      true,
	}
	if err := p.store.CreateActivity(ctx, reply); err != nil {
		return fmt.Errorf("failed to store %s: %w", replyType, err)
	}

	j, err := p.renderer.Activity(ctx, reply)
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", replyType, err)
	}
	resp.Reply = j

	req := DeliveryRequest{
		FromActorID: in.target.Id,
		Destination: in.Actor.DeliveryInbox(),
		ObjectType:  domain.ObjectTypeActivity,
		ObjectID:    reply.Id,
	}
	if err := p.scheduler.Schedule(ctx, TaskDeliver, req, 0); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", replyType, err)
	}
	log.Info("Inbox: Replied to Follow", "reply", replyType, "from", in.target.ApId, "to", in.Actor.ApId)
	return nil
}
