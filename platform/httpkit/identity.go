// Package httpkit provides HTTP utilities including identity abstraction.
package httpkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Identity represents the authenticated worker's identity.
// This interface abstracts identity extraction from the web framework,
// allowing handlers to access worker information without depending on Gin.
type Identity interface {
	// WorkerSID returns the routing system's worker SID.
	WorkerSID() string
	// WorkerName returns the display name carried by the token, if any.
	WorkerName() string
	// IsAuthenticated returns true if the worker is authenticated.
	IsAuthenticated() bool
}

type identity struct {
	workerSID     string
	workerName    string
	authenticated bool
}

func (i *identity) WorkerSID() string     { return i.workerSID }
func (i *identity) WorkerName() string    { return i.workerName }
func (i *identity) IsAuthenticated() bool { return i.authenticated }

// GetIdentity extracts the Identity from a Gin context.
// Returns an unauthenticated identity if worker info is not present.
func GetIdentity(c *gin.Context) Identity {
	sid := c.GetString(ContextWorkerSIDKey)
	if sid == "" {
		return &identity{authenticated: false}
	}
	return &identity{
		workerSID:     sid,
		workerName:    c.GetString(ContextWorkerNameKey),
		authenticated: true,
	}
}

// MustGetIdentity extracts the Identity from a Gin context.
// If the worker is not authenticated, it aborts with 401 Unauthorized and returns nil.
func MustGetIdentity(c *gin.Context) Identity {
	id := GetIdentity(c)
	if !id.IsAuthenticated() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil
	}
	return id
}
