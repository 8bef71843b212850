package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/forumpub/db"
	"github.com/deemkeen/forumpub/domain"
	"github.com/deemkeen/forumpub/util"
	"github.com/google/uuid"
)

const testDomain = "forum.example"

type scheduled struct {
	kind  string
	args  []byte
	delay time.Duration
}

// fakeScheduler records tasks instead of running them.
type fakeScheduler struct {
	mu    sync.Mutex
	tasks []scheduled
}

func (s *fakeScheduler) Schedule(ctx context.Context, kind string, args any, delay time.Duration) error {
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, scheduled{kind: kind, args: b, delay: delay})
	return nil
}

func (s *fakeScheduler) ofKind(kind string) []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduled
	for _, t := range s.tasks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// take removes and returns the tasks of a kind.
func (s *fakeScheduler) take(kind string) []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out, rest []scheduled
	for _, t := range s.tasks {
		if t.kind == kind {
			out = append(out, t)
		} else {
			rest = append(rest, t)
		}
	}
	s.tasks = rest
	return out
}

func (s *fakeScheduler) reset() {
	s.mu.Lock()
	s.tasks = nil
	s.mu.Unlock()
}

func deliveryOf(t *testing.T, task scheduled) DeliveryRequest {
	t.Helper()
	var req DeliveryRequest
	if err := json.Unmarshal(task.args, &req); err != nil {
		t.Fatalf("Bad deliver args %s: %v", task.args, err)
	}
	return req
}

// fakeResolver serves documents from memory. Unknown IRIs resolve to nil.
type fakeResolver struct {
	mu   sync.Mutex
	docs map[string]JSON
	hits map[string]int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{docs: make(map[string]JSON), hits: make(map[string]int)}
}

func (r *fakeResolver) Resolve(ctx context.Context, uri string) (JSON, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits[uri]++
	return r.docs[uri], nil
}

func (r *fakeResolver) put(j JSON) {
	r.mu.Lock()
	r.docs[j.ID()] = j
	r.mu.Unlock()
}

type posted struct {
	from  *domain.Actor
	inbox string
	body  []byte
}

// fakeTransport records posts and fails those to inboxes listed in fail.
type fakeTransport struct {
	mu    sync.Mutex
	posts []posted
	fail  map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: make(map[string]error)}
}

func (tr *fakeTransport) SignAndPost(ctx context.Context, from *domain.Actor, inbox string, body []byte) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.posts = append(tr.posts, posted{from: from, inbox: inbox, body: body})
	return tr.fail[inbox]
}

func (tr *fakeTransport) sent() []posted {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]posted, len(tr.posts))
	copy(out, tr.posts)
	return out
}

var errServer = errors.New("remote server returned status: 500")

type fixture struct {
	ctx         context.Context
	conf        *util.AppConfig
	db          *db.DB
	registry    *Registry
	scheduler   *fakeScheduler
	resolver    *fakeResolver
	transport   *fakeTransport
	tracker     *FailureTracker
	builder     *CollectionBuilder
	renderer    *Renderer
	processor   *Processor
	deliverer   *Deliverer
	publisher   *Publisher
	provisioner *Provisioner
}

func newFixture(t *testing.T, observers ...Observer) *fixture {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conf := util.DefaultConfig()
	conf.Conf.WithAp = true
	conf.Conf.SslDomain = testDomain

	f := &fixture{
		ctx:       context.Background(),
		conf:      conf,
		db:        database,
		registry:  StandardRegistry(),
		scheduler: &fakeScheduler{},
		resolver:  newFakeResolver(),
		transport: newFakeTransport(),
	}
	d := conf.Conf.Delivery
	f.tracker = NewFailureTracker(database, d.FailureThreshold, d.FailureCooldown())
	f.builder = NewCollectionBuilder(database)
	f.renderer = NewRenderer(database, f.builder)
	f.processor = NewProcessor(conf, f.registry, database, f.resolver, f.scheduler, f.renderer, observers...)
	f.deliverer = NewDeliverer(conf, database, f.transport, f.scheduler, f.tracker, f.renderer)
	f.publisher = NewPublisher(conf, f.registry, database, f.scheduler, f.resolver)
	f.provisioner = NewProvisioner(conf, f.registry, database)
	f.provisioner.KeyBits = 1024
	return f
}

// roundtrip turns nested JSON values into the plain maps a decoded document holds.
func roundtrip(t *testing.T, j JSON) JSON {
	t.Helper()
	out, err := ParseJSON(j.Bytes())
	if err != nil {
		t.Fatalf("Failed to re-parse %v: %v", j, err)
	}
	return out
}

func (f *fixture) localActor(t *testing.T, model, apType, username string) *domain.Actor {
	t.Helper()
	a, err := f.provisioner.EnsureActor(f.ctx, model, uuid.New(), apType, username, username)
	if err != nil {
		t.Fatalf("EnsureActor(%s, %s) failed: %v", model, apType, err)
	}
	return a
}

func (f *fixture) group(t *testing.T, username string) *domain.Actor {
	return f.localActor(t, domain.ModelCategory, TypeGroup, username)
}

func remoteActorDoc(iri, apType, publicKeyPem string) JSON {
	j := JSON{
		"@context":          Context,
		"id":                iri,
		"type":              apType,
		"preferredUsername": util.HostOf(iri) + "-user",
		"name":              "Remote " + apType,
		"inbox":             iri + "/inbox",
		"outbox":            iri + "/outbox",
		"followers":         iri + "/followers",
	}
	if publicKeyPem != "" {
		j["publicKey"] = map[string]any{
			"id":           iri + "#main-key",
			"owner":        iri,
			"publicKeyPem": publicKeyPem,
		}
	}
	return j
}

// remoteActor stores a remote actor and lets the resolver serve its document.
func (f *fixture) remoteActor(t *testing.T, apType, iri string) *domain.Actor {
	t.Helper()
	return f.remoteActorWithKey(t, apType, iri, "")
}

func (f *fixture) remoteActorWithKey(t *testing.T, apType, iri, publicKeyPem string) *domain.Actor {
	t.Helper()
	doc := roundtrip(t, remoteActorDoc(iri, apType, publicKeyPem))
	f.resolver.put(doc)
	a := RemoteActor(doc).ToDomain()
	if err := f.db.UpsertRemoteActor(f.ctx, a); err != nil {
		t.Fatalf("UpsertRemoteActor(%s) failed: %v", iri, err)
	}
	return a
}

// follow stores an accepted follow.
func (f *fixture) follow(t *testing.T, follower, followed *domain.Actor) *domain.Follow {
	t.Helper()
	fl := &domain.Follow{
		FollowerId: follower.Id,
		FollowedId: followed.Id,
		ApId:       follower.ApId + "/follows/" + uuid.NewString(),
		Accepted:   true,
	}
	if err := f.db.CreateFollow(f.ctx, fl); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}
	return fl
}

func (f *fixture) process(t *testing.T, activity JSON) *Response {
	t.Helper()
	resp := f.processor.Process(f.ctx, activity.Bytes(), util.SharedInboxIRI(testDomain))
	if resp.Err != nil {
		t.Fatalf("Process(%s %s) failed: %v", activity.Type(), activity.ID(), resp.Err)
	}
	return resp
}

// publish stores a post owned by owner and written by author, and returns its Create.
func (f *fixture) publish(t *testing.T, owner, author *domain.Actor, content string) (*domain.Post, *domain.Activity) {
	t.Helper()
	post := &domain.Post{ActorId: owner.Id, AuthorId: author.Id, Title: "Hello", Content: content}
	create, err := f.publisher.PublishPost(f.ctx, post)
	if err != nil {
		t.Fatalf("PublishPost failed: %v", err)
	}
	return post, create
}

func (f *fixture) postOfObject(t *testing.T, apId string) (*domain.Object, *domain.Post) {
	t.Helper()
	o, err := f.db.ReadObjectByApId(f.ctx, apId)
	if err != nil {
		t.Fatalf("ReadObjectByApId(%s) failed: %v", apId, err)
	}
	if o.ModelId == nil {
		t.Fatalf("Object %s is not backed by a post", apId)
	}
	post, err := f.db.ReadPostById(f.ctx, *o.ModelId)
	if err != nil {
		t.Fatalf("ReadPostById failed: %v", err)
	}
	return o, post
}
