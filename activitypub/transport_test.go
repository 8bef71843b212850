package activitypub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deemkeen/forumpub/domain"
)

func TestSignAndPost(t *testing.T) {
	key, _ := generateTestKeyPair(t)
	from := &domain.Actor{ApId: "https://forum.example/actors/1", PrivateKeyPem: privateKeyToPEM(key)}
	body := []byte(`{"type":"Create"}`)

	var status atomic.Int32
	status.Store(http.StatusAccepted)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ := io.ReadAll(r.Body)
		if string(got) != string(body) {
			t.Errorf("Unexpected body %s", got)
		}
		if r.Header.Get("Content-Type") != contentType {
			t.Errorf("Unexpected content type %s", r.Header.Get("Content-Type"))
		}
		if err := VerifyDigest(r.Header.Get("Digest"), got); err != nil || r.Header.Get("Digest") == "" {
			t.Errorf("Bad digest %q: %v", r.Header.Get("Digest"), err)
		}
		if keyId, err := KeyIdOf(r); err != nil || keyId != from.ApId+"#main-key" {
			t.Errorf("Unexpected keyId %q: %v", keyId, err)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(5 * time.Second)
	ctx := context.Background()
	for _, code := range []int{http.StatusOK, http.StatusAccepted, http.StatusNoContent} {
		status.Store(int32(code))
		if err := tr.SignAndPost(ctx, from, srv.URL+"/inbox", body); err != nil {
			t.Errorf("Expected %d to succeed, got %v", code, err)
		}
	}
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError} {
		status.Store(int32(code))
		if err := tr.SignAndPost(ctx, from, srv.URL+"/inbox", body); err == nil {
			t.Errorf("Expected %d to fail", code)
		}
	}

	if err := tr.SignAndPost(ctx, &domain.Actor{ApId: from.ApId}, srv.URL+"/inbox", body); err == nil {
		t.Error("Expected an actor without a key to fail")
	}
}

func TestResolveRevalidatesByETag(t *testing.T) {
	var requests, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Accept") != contentType {
			t.Errorf("Unexpected Accept %s", r.Header.Get("Accept"))
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", contentType)
		io.WriteString(w, `{"id":"https://remote.example/users/alice","type":"Person"}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(5 * time.Second)
	ctx := context.Background()
	for i := range 3 {
		j, err := tr.Resolve(ctx, srv.URL+"/users/alice")
		if err != nil {
			t.Fatalf("Resolve %d failed: %v", i, err)
		}
		if j.Type() != TypePerson || j.ID() != "https://remote.example/users/alice" {
			t.Errorf("Resolve %d returned %v", i, j)
		}
	}
	if requests.Load() != 3 || notModified.Load() != 2 {
		t.Errorf("Expected 3 requests with 2 revalidations, got %d and %d", requests.Load(), notModified.Load())
	}
}

func TestResolveStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gone":
			w.WriteHeader(http.StatusGone)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		case "/stale":
			w.WriteHeader(http.StatusNotModified)
		case "/garbage":
			io.WriteString(w, "<html>")
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(5 * time.Second)
	ctx := context.Background()

	for _, path := range []string{"/gone", "/missing"} {
		j, err := tr.Resolve(ctx, srv.URL+path)
		if err != nil || j != nil {
			t.Errorf("Resolve(%s) = %v, %v, want nil, nil", path, j, err)
		}
	}
	for _, path := range []string{"/broken", "/stale", "/garbage"} {
		if _, err := tr.Resolve(ctx, srv.URL+path); err == nil {
			t.Errorf("Expected Resolve(%s) to fail", path)
		}
	}
}
