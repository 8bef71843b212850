package activitypub

import (
	"errors"
	"strings"
	"testing"

	"github.com/deemkeen/forumpub/domain"
	"github.com/deemkeen/forumpub/util"
	"github.com/google/uuid"
)

func TestEnsureActor(t *testing.T) {
	f := newFixture(t)
	modelId := uuid.New()

	a, err := f.provisioner.EnsureActor(f.ctx, domain.ModelCategory, modelId, TypeGroup, "general", "General")
	if err != nil {
		t.Fatalf("EnsureActor failed: %v", err)
	}
	if !a.Local || !a.Enabled || !a.Ready() {
		t.Error("Expected a ready local actor")
	}
	if !strings.HasPrefix(a.ApId, "https://"+testDomain+"/") {
		t.Errorf("Expected an IRI on %s, got %s", testDomain, a.ApId)
	}
	if a.InboxURI != a.ApId+"/inbox" || a.FollowersURI != a.ApId+"/followers" {
		t.Errorf("Unexpected endpoints %s %s", a.InboxURI, a.FollowersURI)
	}
	if a.SharedInbox != util.SharedInboxIRI(testDomain) {
		t.Errorf("Expected the shared inbox, got %s", a.SharedInbox)
	}
	if _, err := ParsePrivateKey(a.PrivateKeyPem); err != nil {
		t.Errorf("Expected a usable private key: %v", err)
	}
	if _, err := ParsePublicKey(a.PublicKeyPem); err != nil {
		t.Errorf("Expected a usable public key: %v", err)
	}

	again, err := f.provisioner.EnsureActor(f.ctx, domain.ModelCategory, modelId, TypeGroup, "renamed", "Renamed")
	if err != nil {
		t.Fatalf("Second EnsureActor failed: %v", err)
	}
	if again.Id != a.Id || again.Username != "general" {
		t.Error("Expected the existing actor to be returned")
	}
}

func TestEnsureActorModelMismatch(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		model  string
		apType string
	}{
		{"group as tag", domain.ModelTag, TypeGroup},
		{"organization as user", domain.ModelUser, TypeOrganization},
		{"person as remote", domain.ModelRemote, TypePerson},
		{"service as user", domain.ModelUser, TypeService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.provisioner.EnsureActor(f.ctx, tt.model, uuid.New(), tt.apType, "x", "x")
			if !errors.Is(err, ErrModelMismatch) {
				t.Errorf("Expected ErrModelMismatch, got %v", err)
			}
		})
	}

	var unsupported *UnsupportedTypeError
	if _, err := f.provisioner.EnsureActor(f.ctx, domain.ModelUser, uuid.New(), TypeNote, "x", "x"); !errors.As(err, &unsupported) {
		t.Errorf("Expected UnsupportedTypeError for a non-actor type, got %v", err)
	}
}

func TestSetEnabled(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "general")

	if err := f.provisioner.SetEnabled(f.ctx, g, false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	stored, _ := f.db.ReadActorById(f.ctx, g.Id)
	if stored.Enabled || stored.Ready() {
		t.Error("Expected the actor to be disabled")
	}
	if err := f.provisioner.SetEnabled(f.ctx, g, true); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	stored, _ = f.db.ReadActorById(f.ctx, g.Id)
	if !stored.Ready() {
		t.Error("Expected the actor to be ready again")
	}
}

func TestRemoveActor(t *testing.T) {
	f := newFixture(t)
	alice := f.remoteActor(t, TypePerson, aliceIRI)

	quiet := f.group(t, "quiet")
	f.follow(t, alice, quiet)
	if err := f.provisioner.RemoveActor(f.ctx, quiet); err != nil {
		t.Fatalf("RemoveActor failed: %v", err)
	}
	if _, err := f.db.ReadActorById(f.ctx, quiet.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected an actor without history to be deleted, got %v", err)
	}

	busy := f.group(t, "busy")
	f.follow(t, alice, busy)
	f.publish(t, busy, busy, "hello")
	if err := f.provisioner.RemoveActor(f.ctx, busy); err != nil {
		t.Fatalf("RemoveActor failed: %v", err)
	}
	stored, err := f.db.ReadActorById(f.ctx, busy.Id)
	if err != nil {
		t.Fatalf("Expected an actor with history to be kept: %v", err)
	}
	if !stored.Tombstoned() || busy.TombstonedAt == nil {
		t.Error("Expected the actor to be tombstoned")
	}
	if _, err := f.db.ReadFollow(f.ctx, alice.Id, busy.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected follows of a removed actor to be dropped, got %v", err)
	}
}
