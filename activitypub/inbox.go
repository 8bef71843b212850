package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/forumpub/domain"
	"github.com/deemkeen/forumpub/util"
)

// maxInboxBody bounds the size of an inbound activity.
const maxInboxBody = 1 << 20

// Inbox accepts inbound activities and defers their processing to a process_activity task.
type Inbox struct {
	conf      *util.AppConfig
	registry  *Registry
	scheduler Scheduler
	actors    *ActorResolver
}

func NewInbox(conf *util.AppConfig, registry *Registry, store Store, scheduler Scheduler, resolver Resolver) *Inbox {
	return &Inbox{
		conf:      conf,
		registry:  registry,
		scheduler: scheduler,
		actors:    NewActorResolver(conf, registry, store, resolver),
	}
}

// Accept checks that body is a structurally valid activity of a known type and schedules it.
// Semantic validation happens later, in the processor.
func (i *Inbox) Accept(ctx context.Context, body []byte, deliveredTo string) error {
	j, err := ParseActivity(body)
	if err != nil {
		return err
	}
	if _, err := i.registry.Activity(j.Type()); err != nil {
		return err
	}
	args := ProcessArgs{Body: string(body), DeliveredTo: deliveredTo}
	if err := i.scheduler.Schedule(ctx, TaskProcessActivity, args, 0); err != nil {
		return fmt.Errorf("failed to schedule processing: %w", err)
	}
	log.Debug("Inbox: Accepted activity", "type", j.Type(), "id", j.ID(), "delivered_to", deliveredTo)
	return nil
}

// Verify checks the HTTP signature of an inbound request against the key of the actor that
// signed it. The signer must be hosted where the activity's actor is. A failed check against a
// stored key is retried once with a freshly fetched profile.
func (i *Inbox) Verify(ctx context.Context, r *http.Request, body []byte) (*domain.Actor, error) {
	if r.Header.Get("Signature") == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrBadSignature)
	}
	if err := VerifyDigest(r.Header.Get("Digest"), body); err != nil {
		return nil, err
	}
	keyId, err := KeyIdOf(r)
	if err != nil {
		return nil, err
	}
	signer := ActorOfKeyId(keyId)

	if j, err := ParseActivity(body); err == nil && !util.SameHost(signer, j.Ref("actor")) {
		return nil, fmt.Errorf("%w: %s signed for %s", ErrBadSignature, signer, j.Ref("actor"))
	}

	actor, err := i.actors.GetOrFetch(ctx, signer)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve signer %s: %v", ErrBadSignature, signer, err)
	}
	if _, err := VerifyRequest(r, actor.PublicKeyPem); err == nil {
		return actor, nil
	} else if actor.Local {
		return nil, err
	}

	refreshed, err := i.actors.Fetch(ctx, signer)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot refresh signer %s: %v", ErrBadSignature, signer, err)
	}
	if _, err := VerifyRequest(r, refreshed.PublicKeyPem); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// HandleInbox verifies and accepts a POST to an inbox: 202 once scheduled, 400 for malformed
// or unsupported activities, 401 for bad signatures.
func (i *Inbox) HandleInbox(w http.ResponseWriter, r *http.Request, deliveredTo string) {
	if !i.conf.Conf.WithAp {
		http.Error(w, "Federation disabled", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBody))
	if err != nil {
		log.Warn("Inbox: Failed to read body", "err", err)
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if i.conf.Conf.VerifySignatures {
		if _, err := i.Verify(r.Context(), r, body); err != nil {
			log.Warn("Inbox: Signature verification failed", "err", err)
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	}

	err = i.Accept(r.Context(), body, deliveredTo)
	var unsupported *UnsupportedTypeError
	switch {
	case errors.Is(err, ErrMalformed), errors.As(err, &unsupported):
		log.Warn("Inbox: Dropped activity", "err", err, "raw", string(body))
		http.Error(w, "Invalid activity", http.StatusBadRequest)
	case err != nil:
		log.Error("Inbox: Failed to accept activity", "err", err)
		http.Error(w, "Failed to accept activity", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}
