package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/euacreations/airwave/internal/channels"
	"github.com/euacreations/airwave/internal/database"
	"github.com/euacreations/airwave/internal/models"
	"github.com/euacreations/airwave/internal/pipeline"
	"github.com/euacreations/airwave/internal/stream"
)

type Server struct {
	router   *gin.Engine
	httpSrv  *http.Server
	manager  *stream.Manager
	repo     *database.Repository
	registry *channels.Registry
	engine   string
	codec    string
	log      zerolog.Logger
}

func NewServer(manager *stream.Manager, repo *database.Repository, registry *channels.Registry, defaultEngine, defaultCodec string, verbose bool, log zerolog.Logger) *Server {
	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		manager:  manager,
		repo:     repo,
		registry: registry,
		engine:   defaultEngine,
		codec:    defaultCodec,
		log:      log.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/playlist.m3u", s.playlist)
	s.router.GET("/lineup.m3u", s.playlist)
	s.router.GET("/xmltv.xml", s.xmltv)

	s.router.GET("/stream/:num", s.stream)
	s.router.GET("/stream/:num/:format", s.stream)
	s.router.GET("/stream/:num/:format/:codec", s.stream)

	api := s.router.Group("/api")
	{
		api.GET("/now-playing", s.nowPlaying)
		api.GET("/guide", s.guide)
	}
}

// stream opens a live session. Selectors come from the optional path
// segments with query parameters as overrides; the engine falls back to the
// configured transcode mode.
func (s *Server) stream(c *gin.Context) {
	opts := pipeline.Options{
		Container: firstOf(c.Query("f"), c.Param("format")),
		Codec:     firstOf(c.Query("c"), c.Param("codec"), s.codec),
		Engine:    firstOf(c.Query("e"), s.engine),
	}

	err := s.manager.Serve(c.Request.Context(), c.Writer, c.Param("num"), opts)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrChannelNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
	case errors.Is(err, models.ErrNoTunerAvailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no tuner available"})
	case errors.Is(err, models.ErrTunerError):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tuner error"})
	case errors.Is(err, context.Canceled):
		// Client left before the stream started; nothing to send.
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// playlist renders the lineup as M3U. Container and codec selectors on the
// playlist request are carried through to every stream URL so players keep
// the chosen profile.
func (s *Server) playlist(c *gin.Context) {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")

	query := ""
	if f, cc := c.Query("f"), c.Query("c"); f != "" || cc != "" {
		params := make([]string, 0, 2)
		if f != "" {
			params = append(params, "f="+f)
		}
		if cc != "" {
			params = append(params, "c="+cc)
		}
		query = "?" + strings.Join(params, "&")
	}

	for _, ch := range s.registry.All() {
		sb.WriteString(fmt.Sprintf("#EXTINF:-1 tvg-id=%q tvg-name=%q", ch.Number, ch.Name))
		if ch.IconURL != "" {
			sb.WriteString(fmt.Sprintf(" tvg-logo=%q", ch.IconURL))
		}
		sb.WriteString(fmt.Sprintf(",%s\nhttp://%s/stream/%s%s\n", ch.Name, c.Request.Host, ch.Number, query))
	}

	c.Data(http.StatusOK, "audio/x-mpegurl", []byte(sb.String()))
}

func (s *Server) nowPlaying(c *gin.Context) {
	now := time.Now().UnixMilli()
	programs, err := s.repo.SelectNowPlaying(c.Request.Context(), now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"programs": programs})
}

func (s *Server) guide(c *gin.Context) {
	now := time.Now().UnixMilli()
	programs, err := s.repo.SelectActive(c.Request.Context(), now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"programs": programs})
}

func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
