package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/forumpub/activitypub"
	"github.com/deemkeen/forumpub/domain"
	"github.com/deemkeen/forumpub/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const activityContentType = "application/activity+json; charset=utf-8"

// Store is the read side the HTTP surface needs; *db.DB implements it.
type Store interface {
	ReadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error)
	ReadLocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error)
	ReadObjectById(ctx context.Context, id uuid.UUID) (*domain.Object, error)
	ReadObjectByModel(ctx context.Context, modelType string, modelId uuid.UUID) (*domain.Object, error)
	ReadActivityById(ctx context.Context, id uuid.UUID) (*domain.Activity, error)
	ReadPostsByActor(ctx context.Context, actorId uuid.UUID, limit int) ([]domain.Post, error)
}

// Server serves the federation endpoints of the local actors.
type Server struct {
	conf     *util.AppConfig
	store    Store
	renderer *activitypub.Renderer
	builder  *activitypub.CollectionBuilder
	inbox    *activitypub.Inbox
}

func NewServer(conf *util.AppConfig, store Store, renderer *activitypub.Renderer, builder *activitypub.CollectionBuilder, inbox *activitypub.Inbox) *Server {
	return &Server{
		conf:     conf,
		store:    store,
		renderer: renderer,
		builder:  builder,
		inbox:    inbox,
	}
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(RequestMetricsMiddleware())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	g.GET("/metrics", gin.WrapH(promhttp.Handler()))
	g.GET("/actors/:id/feed", s.getFeed)

	if !s.conf.Conf.WithAp {
		return g
	}

	// Stricter rate limit for inbox deliveries: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024) // 1MB

	g.GET("/actors/:id", s.getActor)
	g.GET("/actors/:id/outbox", s.getOutbox)
	g.GET("/actors/:id/followers", s.getFollowers)
	g.GET("/objects/:id", s.getObject)
	g.GET("/activities/:id", s.getActivity)

	g.POST("/actors/:id/inbox", RateLimitMiddleware(apLimiter), maxBodySize, s.postActorInbox)
	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, s.postSharedInbox)

	g.GET("/.well-known/webfinger", s.getWebfinger)
	return g
}

// Router serves Handler on the configured port until ctx is cancelled, then shuts down gracefully.
func Router(ctx context.Context, conf *util.AppConfig, s *Server) error {
	log.Info("Starting federation server", "host", conf.Conf.Host, "port", conf.Conf.HttpPort, "domain", conf.Conf.SslDomain)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", conf.Conf.HttpPort),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Stopping federation server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
