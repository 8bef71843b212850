package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/forumpub/domain"
	"github.com/deemkeen/forumpub/util"
	"github.com/google/uuid"
)

// ErrDeliveryDisabled is returned when federation is switched off.
var ErrDeliveryDisabled = errors.New("federation disabled")

// DeliveryRequest are the arguments of a deliver task.
type DeliveryRequest struct {
	FromActorID uuid.UUID `json:"from_actor_id"`
	Destination string    `json:"destination"`
	ObjectType  string    `json:"object_type"`
	ObjectID    uuid.UUID `json:"object_id"`
	Attempt     int       `json:"attempt"`
}

// Outcome is what one delivery attempt amounted to.
type Outcome string

const (
	OutcomeSkipped          Outcome = "skipped"
	OutcomeDelivered        Outcome = "delivered"
	OutcomeRetryScheduled   Outcome = "retry_scheduled"
	OutcomeGivenUp          Outcome = "given_up"
	OutcomeAnnounceConflict Outcome = "announce_conflict"
)

// Deliverer sends one local activity or collection to one remote inbox per task.
type Deliverer struct {
	conf      *util.AppConfig
	store     Store
	transport Transport
	scheduler Scheduler
	tracker   *FailureTracker
	renderer  *Renderer
	now       func() time.Time
}

func NewDeliverer(conf *util.AppConfig, store Store, transport Transport, scheduler Scheduler, tracker *FailureTracker, renderer *Renderer) *Deliverer {
	return &Deliverer{
		conf:      conf,
		store:     store,
		transport: transport,
		scheduler: scheduler,
		tracker:   tracker,
		renderer:  renderer,
		now:       time.Now,
	}
}

// RetryDelay is the linear backoff before the retry following a failed attempt (0-based).
func (d *Deliverer) RetryDelay(attempt int) time.Duration {
	return d.conf.Conf.Delivery.RetryStep() * time.Duration(attempt+1)
}

// HandleTask runs a deliver task. Outcomes are logged, only persistence errors are returned.
func (d *Deliverer) HandleTask(ctx context.Context, args []byte) error {
	var req DeliveryRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return fmt.Errorf("bad deliver args: %w", err)
	}
	_, err := d.Deliver(ctx, req)
	return err
}

// delivery is a request after its gate check passed.
type delivery struct {
	req      DeliveryRequest
	from     *domain.Actor
	activity *domain.Activity
	object   *domain.Object
	owner    *domain.Actor
}

func (d *Deliverer) Deliver(ctx context.Context, req DeliveryRequest) (Outcome, error) {
	dl, reason, err := d.gate(ctx, req)
	if err != nil {
		return OutcomeSkipped, err
	}
	if dl == nil {
		log.Debug("DeliveryWorker: Skipped delivery", "to", req.Destination, "reason", reason)
		deliveries.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped, nil
	}

	body, err := d.resolveBody(ctx, dl)
	if errors.Is(err, domain.ErrDuplicate) {
		log.Warn("DeliveryWorker: Lost announce race, retrying", "to", req.Destination, "err", err)
		deliveries.WithLabelValues(string(OutcomeAnnounceConflict)).Inc()
		if _, rerr := d.retry(ctx, req); rerr != nil {
			return OutcomeAnnounceConflict, rerr
		}
		return OutcomeAnnounceConflict, nil
	}
	if err != nil {
		return OutcomeSkipped, err
	}

	start := d.now()
	err = d.transport.SignAndPost(ctx, dl.from, req.Destination, body)
	deliveryLatency.Observe(d.now().Sub(start).Seconds())
	if err == nil {
		log.Info("DeliveryWorker: Successfully delivered", "to", req.Destination, "attempt", req.Attempt)
		deliveries.WithLabelValues(string(OutcomeDelivered)).Inc()
		d.track(ctx, req.Destination, true)
		return OutcomeDelivered, d.markPublished(ctx, dl)
	}

	log.Warn("DeliveryWorker: Delivery failed", "to", req.Destination, "attempt", req.Attempt, "err", err)
	d.track(ctx, req.Destination, false)
	outcome, err := d.retry(ctx, req)
	deliveries.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

// gate re-validates a request at execution time. A nil delivery with a reason means skip.
func (d *Deliverer) gate(ctx context.Context, req DeliveryRequest) (*delivery, string, error) {
	if !d.conf.Conf.WithAp {
		return nil, ErrDeliveryDisabled.Error(), nil
	}
	if req.FromActorID == uuid.Nil || req.ObjectID == uuid.Nil || req.Destination == "" || req.ObjectType == "" {
		return nil, "missing identifiers", nil
	}

	dl := &delivery{req: req}
	from, err := d.store.ReadActorById(ctx, req.FromActorID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, "sender gone", nil
	}
	if err != nil {
		return nil, "", err
	}
	if !from.Local || !from.Ready() {
		return nil, "sender not ready", nil
	}
	dl.from = from

	target, err := d.store.ReadActorByInbox(ctx, req.Destination)
	switch {
	case err == nil && !target.Ready():
		return nil, "recipient not ready", nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, "", err
	}

	ok, err := d.loadPublishable(ctx, dl)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "not publishable", nil
	}

	if !d.tracker.DomainAvailable(ctx, DomainOf(req.Destination)) {
		return nil, "domain unavailable", nil
	}
	return dl, "", nil
}

func (d *Deliverer) loadPublishable(ctx context.Context, dl *delivery) (bool, error) {
	switch dl.req.ObjectType {
	case domain.ObjectTypeActivity:
		a, err := d.store.ReadActivityById(ctx, dl.req.ObjectID)
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		// remote activities only leave this server relayed
		if !a.Local && a.ApType != TypeCreate {
			return false, nil
		}
		dl.activity = a
		if (a.ApType == TypeCreate || a.ApType == TypeUpdate) && a.ObjectType == domain.ObjectTypeObject && a.ObjectRef != nil {
			o, err := d.store.ReadObjectById(ctx, *a.ObjectRef)
			if errors.Is(err, domain.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			if o.ApType == TypeTombstone {
				return false, nil
			}
			dl.object = o
		}
		return true, nil

	case domain.ObjectTypeObject:
		o, err := d.store.ReadObjectById(ctx, dl.req.ObjectID)
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		dl.object = o
		return o.ApType != TypeTombstone, nil

	case domain.ObjectTypeCollection:
		owner, err := d.store.ReadActorById(ctx, dl.req.ObjectID)
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		dl.owner = owner
		return owner.Local && owner.Ready(), nil
	}
	return false, nil
}

// needsAnnounce reports whether the sender relays rather than authors what is delivered.
func (dl *delivery) needsAnnounce() bool {
	switch dl.req.ObjectType {
	case domain.ObjectTypeCollection, domain.ObjectTypeObject:
		return true
	case domain.ObjectTypeActivity:
		return dl.activity.ApType == TypeCreate && dl.activity.ActorId != dl.from.Id
	}
	return false
}

// resolveBody renders what goes on the wire, wrapping relayed content in an Announce.
func (d *Deliverer) resolveBody(ctx context.Context, dl *delivery) ([]byte, error) {
	if !dl.needsAnnounce() {
		j, err := d.renderer.Activity(ctx, dl.activity)
		if err != nil {
			return nil, err
		}
		return j.Bytes(), nil
	}

	announce, err := d.announce(ctx, dl)
	if err != nil {
		return nil, err
	}
	j, err := d.renderer.Activity(ctx, announce)
	if err != nil {
		return nil, err
	}
	return j.Bytes(), nil
}

// announce returns the sender's Announce of the delivered content, recording it on first use.
func (d *Deliverer) announce(ctx context.Context, dl *delivery) (*domain.Activity, error) {
	a := &domain.Activity{
		ApType:     TypeAnnounce,
		ActorId:    dl.from.Id,
		ObjectType: dl.req.ObjectType,
		Local:      true,
	}
	switch dl.req.ObjectType {
	case domain.ObjectTypeActivity:
		a.ObjectApId = dl.activity.ApId
		a.ObjectRef = &dl.activity.Id
	case domain.ObjectTypeObject:
		a.ObjectApId = dl.object.ApId
		a.ObjectRef = &dl.object.Id
	case domain.ObjectTypeCollection:
		a.ObjectApId = dl.owner.OutboxURI
		a.ObjectRef = &dl.owner.Id
	}

	existing, err := d.store.ReadAnnounce(ctx, dl.from.Id, a.ObjectApId)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	a.Id = uuid.New()
	a.ApId = util.LocalIRI(d.conf.Conf.SslDomain, "activities", a.Id.String())
	if err := d.store.CreateActivity(ctx, a); err != nil {
		return nil, err
	}
	log.Debug("DeliveryWorker: Recorded announce", "actor", dl.from.ApId, "object", a.ObjectApId)
	return a, nil
}

// retry schedules the next attempt of a failed request, or gives up.
func (d *Deliverer) retry(ctx context.Context, req DeliveryRequest) (Outcome, error) {
	dc := d.conf.Conf.Delivery
	if dc.DisableRetries || req.Attempt >= dc.MaxRetries {
		log.Error("DeliveryWorker: Giving up on delivery", "to", req.Destination, "attempts", req.Attempt+1)
		return OutcomeGivenUp, nil
	}
	delay := d.RetryDelay(req.Attempt)
	next := req
	next.Attempt++
	if err := d.scheduler.Schedule(ctx, TaskDeliver, next, delay); err != nil {
		return OutcomeGivenUp, fmt.Errorf("failed to schedule retry: %w", err)
	}
	log.Info("DeliveryWorker: Retry scheduled", "to", req.Destination, "attempt", next.Attempt, "in", delay)
	return OutcomeRetryScheduled, nil
}

// track reports an outcome to the failure tracker through its own task.
func (d *Deliverer) track(ctx context.Context, destination string, success bool) {
	if err := d.scheduler.Schedule(ctx, TaskTrackDelivery, TrackArgs{Destination: destination, Success: success}, 0); err != nil {
		log.Error("DeliveryWorker: Failed to schedule tracking", "to", destination, "err", err)
	}
}

// markPublished stamps a delivered Create or Update and the post behind it.
func (d *Deliverer) markPublished(ctx context.Context, dl *delivery) error {
	if dl.activity == nil || dl.activity.PublishedAt != nil {
		return nil
	}
	if dl.activity.ApType != TypeCreate && dl.activity.ApType != TypeUpdate {
		return nil
	}
	now := d.now().UTC()
	dl.activity.PublishedAt = &now
	if err := d.store.UpdateActivity(ctx, dl.activity); err != nil {
		return fmt.Errorf("failed to mark activity published: %w", err)
	}
	if dl.object == nil || dl.object.ModelType != domain.ModelPost || dl.object.ModelId == nil {
		return nil
	}
	post, err := d.store.ReadPostById(ctx, *dl.object.ModelId)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if post.PublishedAt != nil {
		return nil
	}
	post.PublishedAt = &now
	if err := d.store.UpdatePost(ctx, post); err != nil {
		return fmt.Errorf("failed to mark post published: %w", err)
	}
	return nil
}
