package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/forumpub/activitypub"
	"github.com/deemkeen/forumpub/domain"
	"github.com/deemkeen/forumpub/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (s *Server) writeJSON(c *gin.Context, status int, j activitypub.JSON) {
	c.Data(status, activityContentType, j.Bytes())
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
}

// localActor loads the local actor named by the :id route parameter.
func (s *Server) localActor(c *gin.Context) (*domain.Actor, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		notFound(c)
		return nil, false
	}
	actor, err := s.store.ReadActorById(c.Request.Context(), id)
	if err != nil || !actor.Local {
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Error("Actors: Failed to read actor", "id", id, "err", err)
			c.Status(http.StatusInternalServerError)
			return nil, false
		}
		notFound(c)
		return nil, false
	}
	return actor, true
}

func (s *Server) getActor(c *gin.Context) {
	actor, ok := s.localActor(c)
	if !ok {
		return
	}
	status := http.StatusOK
	if actor.Tombstoned() {
		status = http.StatusGone
	}
	s.writeJSON(c, status, s.renderer.Actor(actor))
}

func (s *Server) getOutbox(c *gin.Context) {
	s.getCollection(c, s.builder.Outbox)
}

func (s *Server) getFollowers(c *gin.Context) {
	s.getCollection(c, s.builder.Followers)
}

func (s *Server) getCollection(c *gin.Context, build func(context.Context, *domain.Actor) (*activitypub.Collection, error)) {
	actor, ok := s.localActor(c)
	if !ok {
		return
	}
	if actor.Tombstoned() {
		c.Status(http.StatusGone)
		return
	}

	ctx := c.Request.Context()
	collection, err := build(ctx, actor)
	if err != nil {
		log.Error("Failed to build collection", "actor", actor.ApId, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	var j activitypub.JSON
	if page := c.Query("page"); page != "" {
		n, convErr := strconv.Atoi(page)
		if convErr != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page"})
			return
		}
		j, err = s.renderer.CollectionPage(ctx, collection, n)
	} else {
		j, err = s.renderer.Collection(ctx, collection)
	}
	if err != nil {
		log.Error("Failed to render collection", "id", collection.ID, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	s.writeJSON(c, http.StatusOK, j)
}

func (s *Server) getObject(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		notFound(c)
		return
	}
	ctx := c.Request.Context()
	o, err := s.store.ReadObjectById(ctx, id)
	if err != nil || !o.Local {
		notFound(c)
		return
	}
	j, err := s.renderer.Object(ctx, o)
	if err != nil {
		log.Error("Failed to render object", "id", o.ApId, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if j.Type() == activitypub.TypeTombstone {
		status = http.StatusGone
	}
	s.writeJSON(c, status, j)
}

func (s *Server) getActivity(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		notFound(c)
		return
	}
	ctx := c.Request.Context()
	a, err := s.store.ReadActivityById(ctx, id)
	if err != nil || !a.Local {
		notFound(c)
		return
	}
	j, err := s.renderer.Activity(ctx, a)
	if err != nil {
		log.Error("Failed to render activity", "id", a.ApId, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	s.writeJSON(c, http.StatusOK, j)
}

func (s *Server) postActorInbox(c *gin.Context) {
	actor, ok := s.localActor(c)
	if !ok {
		return
	}
	log.Debug("POST actor inbox", "actor", actor.ApId)
	s.inbox.HandleInbox(c.Writer, c.Request, actor.InboxURI)
}

func (s *Server) postSharedInbox(c *gin.Context) {
	log.Debug("POST shared inbox")
	s.inbox.HandleInbox(c.Writer, c.Request, util.SharedInboxIRI(s.conf.Conf.SslDomain))
}
