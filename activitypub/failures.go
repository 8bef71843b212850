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
)

// TrackArgs are the arguments of a track_delivery task.
type TrackArgs struct {
	Destination string `json:"destination"`
	Success     bool   `json:"success"`
}

// FailureTracker is a per-domain circuit breaker over consecutive delivery failures.
type FailureTracker struct {
	store     FailureStore
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func NewFailureTracker(store FailureStore, threshold int, cooldown time.Duration) *FailureTracker {
	return &FailureTracker{store: store, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// DomainOf returns the tracker key of a destination IRI.
func DomainOf(uri string) string {
	return util.HostOf(uri)
}

// TrackSuccess closes the circuit of a domain.
func (t *FailureTracker) TrackSuccess(ctx context.Context, host string) error {
	if host == "" {
		return nil
	}
	if err := t.store.ResetDeliveryFailures(ctx, host); err != nil {
		return fmt.Errorf("failed to reset failures of %s: %w", host, err)
	}
	return nil
}

// TrackFailure counts one more consecutive failure against a domain.
func (t *FailureTracker) TrackFailure(ctx context.Context, host string) error {
	if host == "" {
		return nil
	}
	if err := t.store.RecordDeliveryFailure(ctx, host, t.now()); err != nil {
		return fmt.Errorf("failed to record failure of %s: %w", host, err)
	}
	return nil
}

// DomainAvailable is false once a domain reached the failure threshold, until the cooldown
// since its last failure elapsed or a success was tracked. Lookup errors leave the circuit closed.
func (t *FailureTracker) DomainAvailable(ctx context.Context, host string) bool {
	if t.threshold <= 0 {
		return true
	}
	f, err := t.store.ReadDeliveryFailure(ctx, host)
	if errors.Is(err, domain.ErrNotFound) {
		return true
	}
	if err != nil {
		log.Warn("FailureTracker: lookup failed", "domain", host, "err", err)
		return true
	}
	if f.FailureCount < t.threshold {
		return true
	}
	if f.LastFailureAt == nil {
		return false
	}
	return t.now().Sub(*f.LastFailureAt) >= t.cooldown
}

// HandleTask applies a track_delivery task.
func (t *FailureTracker) HandleTask(ctx context.Context, args []byte) error {
	var a TrackArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("bad track_delivery args: %w", err)
	}
	host := DomainOf(a.Destination)
	if a.Success {
		return t.TrackSuccess(ctx, host)
	}
	err := t.TrackFailure(ctx, host)
	if err == nil && !t.DomainAvailable(ctx, host) {
		log.Warn("FailureTracker: domain unavailable", "domain", host)
		domainUnavailable.Inc()
	}
	return err
}
