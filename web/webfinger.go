package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/deemkeen/forumpub/domain"
	"github.com/gin-gonic/gin"
)

// WebfingerLink is one entry of a JRD links array.
type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

func GetWebfinger(actor *domain.Actor, sslDomain string) WebfingerResponse {
	return WebfingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", actor.Username, sslDomain),
		Aliases: []string{actor.ApId},
		Links: []WebfingerLink{
			{Rel: "self", Type: "application/activity+json", Href: actor.ApId},
		},
	}
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}

// usernameOfResource extracts the user part of acct:user@domain when domain is ours.
func usernameOfResource(resource, sslDomain string) (string, bool) {
	acct, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		return "", false
	}
	username, host, found := strings.Cut(acct, "@")
	if found && !strings.EqualFold(host, sslDomain) {
		return "", false
	}
	return username, username != ""
}

func (s *Server) getWebfinger(c *gin.Context) {
	username, ok := usernameOfResource(c.Query("resource"), s.conf.Conf.SslDomain)
	if !ok {
		c.Data(http.StatusNotFound, "application/json; charset=utf-8", []byte(GetWebFingerNotFound()))
		return
	}
	actor, err := s.store.ReadLocalActorByUsername(c.Request.Context(), username)
	if err != nil || actor.Tombstoned() {
		c.Data(http.StatusNotFound, "application/json; charset=utf-8", []byte(GetWebFingerNotFound()))
		return
	}
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, GetWebfinger(actor, s.conf.Conf.SslDomain))
}
