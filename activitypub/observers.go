package activitypub

import (
	"context"
	"fmt"
	"sort"

	"github.com/charmbracelet/log"
)

// Hook is the point of processing an observer runs at.
type Hook string

const (
	// HookValidate observers run after validation; an error rejects the activity.
	HookValidate Hook = "validate"
	// HookPerformed observers run after the effect was applied; errors are only logged.
	HookPerformed Hook = "performed"
)

// Observer lets application code take part in processing inbound activities.
type Observer struct {
	Name string
	// ActivityType restricts the observer to one type, "" observes every type.
	ActivityType string
	Hook         Hook
	Priority     int
	Handle       func(ctx context.Context, in *Inbound) error
}

func (o Observer) matches(hook Hook, activityType string) bool {
	return o.Hook == hook && (o.ActivityType == "" || o.ActivityType == activityType)
}

// sortObservers orders observers by descending priority, keeping registration order among equals.
func sortObservers(observers []Observer) []Observer {
	out := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o.Handle != nil {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// notify runs the observers of a hook. At HookValidate the first error stops the chain.
func (p *Processor) notify(ctx context.Context, hook Hook, in *Inbound) error {
	var first error
	for _, o := range p.observers {
		if !o.matches(hook, in.Kind.Type()) {
			continue
		}
		err := o.Handle(ctx, in)
		if err == nil {
			continue
		}
		if hook == HookValidate {
			return fmt.Errorf("%s: %w", o.Name, err)
		}
		log.Warn("Inbox: Observer failed", "observer", o.Name, "id", in.JSON.ID(), "err", err)
		if first == nil {
			first = err
		}
	}
	return first
}
