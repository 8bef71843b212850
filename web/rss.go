package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/forumpub/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

// feedSize is the number of most recent posts a feed lists.
const feedSize = 50

// GetRSS renders the latest posts owned by actor as an RSS document.
func GetRSS(ctx context.Context, store Store, actor *domain.Actor) (string, error) {
	posts, err := store.ReadPostsByActor(ctx, actor.Id, feedSize)
	if err != nil {
		return "", fmt.Errorf("failed to read posts of %s: %w", actor.ApId, err)
	}

	name := actor.Name
	if name == "" {
		name = actor.Username
	}
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s - %s", name, actor.Domain),
		Link:        &feeds.Link{Href: actor.ApId},
		Description: actor.Summary,
		Author:      &feeds.Author{Name: name},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, post := range posts {
		link := actor.ApId
		if o, err := store.ReadObjectByModel(ctx, domain.ModelPost, post.Id); err == nil {
			link = o.ApId
		}
		title := post.Title
		if title == "" {
			title = post.CreatedAt.UTC().Format(time.RFC1123)
		}
		item := &feeds.Item{
			Id:      post.Id.String(),
			Title:   title,
			Link:    &feeds.Link{Href: link},
			Content: post.Content,
			Created: post.CreatedAt,
		}
		if post.EditedAt != nil {
			item.Updated = *post.EditedAt
		}
		feedItems = append(feedItems, item)
	}

	feed.Items = feedItems
	return feed.ToRss()
}

func (s *Server) getFeed(c *gin.Context) {
	actor, ok := s.localActor(c)
	if !ok {
		return
	}
	if actor.Tombstoned() {
		c.Status(http.StatusGone)
		return
	}
	rss, err := GetRSS(c.Request.Context(), s.store, actor)
	if err != nil {
		log.Error("Could not build feed", "actor", actor.ApId, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(rss))
}
