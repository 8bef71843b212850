package activitypub

import (
	"errors"
	"testing"
	"time"

	"github.com/deemkeen/forumpub/domain"
	"github.com/google/uuid"
)

func TestPublishPostFansOutPerInbox(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "general")
	member := f.localActor(t, domain.ModelUser, TypeApplication, "writer")
	alice := f.remoteActor(t, TypePerson, aliceIRI)
	bob := f.remoteActor(t, TypePerson, bobIRI)
	carol := f.remoteActor(t, TypePerson, "https://other.example/users/carol")
	dave := f.remoteActor(t, TypePerson, "https://other.example/users/dave")

	// alice and bob share an inbox
	shared := "https://remote.example/inbox"
	for _, a := range []*domain.Actor{alice, bob} {
		a.SharedInbox = shared
		if err := f.db.UpsertRemoteActor(f.ctx, a); err != nil {
			t.Fatalf("UpsertRemoteActor failed: %v", err)
		}
	}
	f.follow(t, alice, g)
	f.follow(t, bob, g)
	f.follow(t, carol, g)
	f.follow(t, member, g)
	pending := &domain.Follow{FollowerId: dave.Id, FollowedId: g.Id, ApId: dave.ApId + "/follows/1"}
	if err := f.db.CreateFollow(f.ctx, pending); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}

	post, create := f.publish(t, g, g, "hello")
	if create.ApType != TypeCreate || create.ActorId != g.Id || !create.Local {
		t.Errorf("Unexpected activity %+v", create)
	}
	o, stored := f.postOfObject(t, create.ObjectApId)
	if stored.Id != post.Id || o.ApType != TypeNote {
		t.Errorf("Expected a Note backing the post, got %s", o.ApType)
	}
	if o.AttributedToId == nil || *o.AttributedToId != g.Id {
		t.Error("Expected the object to be attributed to its author")
	}

	tasks := f.scheduler.ofKind(TaskDeliver)
	got := make(map[string]bool)
	for _, task := range tasks {
		req := deliveryOf(t, task)
		if got[req.Destination] {
			t.Errorf("Inbox %s scheduled twice", req.Destination)
		}
		got[req.Destination] = true
		if req.ObjectType != domain.ObjectTypeActivity || req.ObjectID != create.Id || req.Attempt != 0 {
			t.Errorf("Unexpected request %+v", req)
		}
		if task.delay != 0 {
			t.Errorf("Expected an immediate delivery, got %v", task.delay)
		}
	}
	want := []string{shared, carol.InboxURI}
	if len(got) != len(want) {
		t.Fatalf("Expected deliveries to %v, got %v", want, got)
	}
	for _, inbox := range want {
		if !got[inbox] {
			t.Errorf("Missing delivery to %s", inbox)
		}
	}
}

func TestPublishPostByMember(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "general")
	member := f.localActor(t, domain.ModelUser, TypeApplication, "writer")
	alice := f.remoteActor(t, TypePerson, aliceIRI)
	f.follow(t, alice, g)

	_, create := f.publish(t, g, member, "a member writes")
	if create.ActorId != member.Id {
		t.Error("Expected the Create to be performed by the author")
	}
	req := deliveryOf(t, f.scheduler.take(TaskDeliver)[0])
	if req.FromActorID != g.Id {
		t.Error("Expected the owner to relay the post")
	}
}

func TestPublishPostNotPublishable(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "general")
	alice := f.remoteActor(t, TypePerson, aliceIRI)

	tests := []struct {
		name string
		post *domain.Post
	}{
		{"tombstone type", &domain.Post{ActorId: g.Id, AuthorId: g.Id, ObjectType: TypeTombstone}},
		{"unknown type", &domain.Post{ActorId: g.Id, AuthorId: g.Id, ObjectType: "Question"}},
		{"remote author", &domain.Post{ActorId: g.Id, AuthorId: alice.Id}},
		{"remote owner", &domain.Post{ActorId: alice.Id, AuthorId: g.Id}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.publisher.PublishPost(f.ctx, tt.post); !errors.Is(err, ErrNotPublishable) {
				t.Errorf("Expected ErrNotPublishable, got %v", err)
			}
		})
	}
	if _, err := f.publisher.PublishPost(f.ctx, &domain.Post{ActorId: uuid.New(), AuthorId: g.Id}); err == nil {
		t.Error("Expected an unknown owner to fail")
	}
}

func TestUpdateAndDeletePost(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "general")
	member := f.localActor(t, domain.ModelUser, TypeApplication, "writer")
	alice := f.remoteActor(t, TypePerson, aliceIRI)
	f.follow(t, alice, g)
	post, create := f.publish(t, g, member, "first")
	f.scheduler.reset()

	post.Content = "second"
	update, err := f.publisher.UpdatePost(f.ctx, post)
	if err != nil {
		t.Fatalf("UpdatePost failed: %v", err)
	}
	if update.ApType != TypeUpdate || update.ActorId != member.Id || update.ObjectApId != create.ObjectApId {
		t.Errorf("Unexpected update %+v", update)
	}
	o, stored := f.postOfObject(t, create.ObjectApId)
	if o.Content != "second" || stored.Content != "second" || stored.EditedAt == nil {
		t.Errorf("Expected the edit to be stored, got %q / %q", o.Content, stored.Content)
	}
	tasks := f.scheduler.take(TaskDeliver)
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 deliver task, got %d", len(tasks))
	}
	if req := deliveryOf(t, tasks[0]); req.FromActorID != member.Id || req.ObjectID != update.Id {
		t.Errorf("Expected the author to send the Update, got %+v", req)
	}

	del, err := f.publisher.DeletePost(f.ctx, post)
	if err != nil {
		t.Fatalf("DeletePost failed: %v", err)
	}
	if del.ApType != TypeDelete || del.ActorId != member.Id {
		t.Errorf("Unexpected delete %+v", del)
	}
	o, stored = f.postOfObject(t, create.ObjectApId)
	if o.ApType != TypeTombstone || stored.DeletedAt == nil {
		t.Error("Expected the post to be tombstoned")
	}
	if n := len(f.scheduler.take(TaskDeliver)); n != 1 {
		t.Errorf("Expected 1 deliver task for the Delete, got %d", n)
	}

	if _, err := f.publisher.UpdatePost(f.ctx, post); !errors.Is(err, ErrNotPublishable) {
		t.Errorf("Expected editing a deleted post to fail, got %v", err)
	}
}

func TestFollowAndUnfollow(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "general")
	remote := f.remoteActor(t, TypeGroup, remoteGrp)

	follow, err := f.publisher.Follow(f.ctx, g, remoteGrp)
	if err != nil {
		t.Fatalf("Follow failed: %v", err)
	}
	if follow.ApType != TypeFollow || follow.ObjectApId != remoteGrp {
		t.Errorf("Unexpected follow %+v", follow)
	}
	fl, err := f.db.ReadFollow(f.ctx, g.Id, remote.Id)
	if err != nil {
		t.Fatalf("Expected a stored follow: %v", err)
	}
	if fl.Accepted {
		t.Error("Expected the follow to wait for an Accept")
	}
	if fl.ApId != follow.ApId {
		t.Errorf("Follow %s recorded under %s", follow.ApId, fl.ApId)
	}
	tasks := f.scheduler.take(TaskDeliver)
	if len(tasks) != 1 || deliveryOf(t, tasks[0]).Destination != remote.InboxURI {
		t.Fatalf("Expected the Follow to be sent to %s", remote.InboxURI)
	}

	if _, err := f.publisher.Follow(f.ctx, g, remoteGrp); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("Expected a second follow to be a duplicate, got %v", err)
	}

	undo, err := f.publisher.Unfollow(f.ctx, g, remoteGrp)
	if err != nil {
		t.Fatalf("Unfollow failed: %v", err)
	}
	if undo == nil || undo.ApType != TypeUndo || undo.ObjectApId != follow.ApId {
		t.Fatalf("Expected an Undo of %s, got %+v", follow.ApId, undo)
	}
	if undo.ObjectRef == nil || *undo.ObjectRef != follow.Id {
		t.Error("Expected the Undo to reference the Follow")
	}
	if _, err := f.db.ReadFollow(f.ctx, g.Id, remote.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected the follow to be removed, got %v", err)
	}
	if n := len(f.scheduler.take(TaskDeliver)); n != 1 {
		t.Errorf("Expected 1 deliver task for the Undo, got %d", n)
	}

	undo, err = f.publisher.Unfollow(f.ctx, g, remoteGrp)
	if err != nil || undo != nil {
		t.Errorf("Expected unfollowing twice to be a no-op, got %v %v", undo, err)
	}
	undo, err = f.publisher.Unfollow(f.ctx, g, "https://nowhere.example/actor")
	if err != nil || undo != nil {
		t.Errorf("Expected unfollowing an unknown actor to be a no-op, got %v %v", undo, err)
	}
}

func TestFollowNotPublishable(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "general")
	other := f.group(t, "other")
	member := f.localActor(t, domain.ModelUser, TypeApplication, "writer")
	f.remoteActor(t, TypePerson, aliceIRI)
	f.remoteActor(t, TypeGroup, remoteGrp)

	tests := []struct {
		name   string
		local  *domain.Actor
		target string
	}{
		{"group following a person", g, aliceIRI},
		{"application following a group", member, remoteGrp},
		{"local target", g, other.ApId},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.publisher.Follow(f.ctx, tt.local, tt.target); !errors.Is(err, ErrNotPublishable) {
				t.Errorf("Expected ErrNotPublishable, got %v", err)
			}
		})
	}
	if n := len(f.scheduler.ofKind(TaskDeliver)); n != 0 {
		t.Errorf("Expected nothing scheduled, got %d", n)
	}
}

func TestRelayRequiresReadyLocalActor(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "general")
	alice := f.remoteActor(t, TypePerson, aliceIRI)

	if _, err := f.publisher.Relay(f.ctx, alice, domain.ObjectTypeCollection, alice.Id); !errors.Is(err, ErrNotPublishable) {
		t.Errorf("Expected a remote actor not to relay, got %v", err)
	}
	if err := f.provisioner.SetEnabled(f.ctx, g, false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	if _, err := f.publisher.Relay(f.ctx, g, domain.ObjectTypeCollection, g.Id); !errors.Is(err, ErrNotPublishable) {
		t.Errorf("Expected a disabled actor not to relay, got %v", err)
	}
}

// A failing follower domain gets four retries, after which the circuit opens and the
// remaining delivery is dropped without contacting it.
func TestFailingDomainOpensCircuit(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "general")
	alice := f.remoteActor(t, TypePerson, aliceIRI)
	f.follow(t, alice, g)
	f.transport.fail[alice.InboxURI] = errServer

	f.publish(t, g, g, "hello")
	if n := len(f.scheduler.ofKind(TaskDeliver)); n != 1 {
		t.Fatalf("Expected 1 deliver task, got %d", n)
	}

	var outcomes []Outcome
	var delays []time.Duration
	for round := 0; round < 10; round++ {
		tasks := f.scheduler.take(TaskDeliver)
		if len(tasks) == 0 {
			break
		}
		if round > 0 {
			delays = append(delays, tasks[0].delay)
		}
		for _, task := range tasks {
			outcome, err := f.deliverer.Deliver(f.ctx, deliveryOf(t, task))
			if err != nil {
				t.Fatalf("Deliver failed: %v", err)
			}
			outcomes = append(outcomes, outcome)
		}
		for _, task := range f.scheduler.take(TaskTrackDelivery) {
			if err := f.tracker.HandleTask(f.ctx, task.args); err != nil {
				t.Fatalf("Tracking failed: %v", err)
			}
		}
	}

	want := []Outcome{OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeSkipped}
	if len(outcomes) != len(want) {
		t.Fatalf("Outcomes = %v, want %v", outcomes, want)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("Attempt %d: %s, want %s", i, outcomes[i], want[i])
		}
	}
	if len(delays) != 4 || delays[0] != 5*time.Minute || delays[3] != 20*time.Minute {
		t.Errorf("Unexpected retry delays %v", delays)
	}
	if n := len(f.transport.sent()); n != 4 {
		t.Errorf("Expected 4 requests to the failing domain, got %d", n)
	}
	if f.tracker.DomainAvailable(f.ctx, "remote.example") {
		t.Error("Expected remote.example to be unavailable")
	}

	// other domains keep receiving
	carol := f.remoteActor(t, TypePerson, "https://other.example/users/carol")
	f.follow(t, carol, g)
	f.publish(t, g, g, "still here")
	delivered := 0
	for _, task := range f.scheduler.take(TaskDeliver) {
		outcome, _ := f.deliverer.Deliver(f.ctx, deliveryOf(t, task))
		if outcome == OutcomeDelivered {
			delivered++
		}
	}
	if delivered != 1 {
		t.Errorf("Expected only other.example to receive the second post, got %d", delivered)
	}
}
