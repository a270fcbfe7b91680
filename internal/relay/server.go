package relay

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Server exposes a Channel over HTTP so that a publisher on another host
// can advertise its endpoint. Routes:
//
//	GET  /health
//	GET  /relay/:key
//	PUT  /relay/:key
//	POST /relay/:key
type Server struct {
	store Channel
	token string
}

// NewServer wraps store. A non-empty token is required as a bearer token
// on writes.
func NewServer(store Channel, token string) *Server {
	return &Server{store: store, token: token}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	g := r.Group("/relay")
	g.GET("/:key", s.handleGet)
	g.PUT("/:key", s.requireToken, s.handlePut)
	g.POST("/:key", s.requireToken, s.handlePut)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleGet(c *gin.Context) {
	rec, err := s.store.Read(c.Request.Context(), c.Param("key"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no record"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handlePut(c *gin.Context) {
	var rec Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if rec.Endpoint() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	key := c.Param("key")
	if err := s.store.Write(c.Request.Context(), key, rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stored, err := s.store.Read(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stored)
}

func (s *Server) requireToken(c *gin.Context) {
	if s.token == "" {
		c.Next()
		return
	}
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if got != s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}
