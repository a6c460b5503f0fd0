package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meidoworks/sqlbus/service/sqlqueue"
	"github.com/meidoworks/sqlbus/service/subscriptions"
	"github.com/meidoworks/sqlbus/shared/logging"
	"github.com/meidoworks/sqlbus/shared/thirdpartyshared/ginshared"
)

var _adminLogger = logging.NewLogger("AdminServer")

// StatsProvider reports per-queue message counts.
type StatsProvider interface {
	Stats() ([]sqlqueue.QueueStats, error)
}

// AdminServer exposes the operational surface of one bus node: queue
// statistics, the subscription routing table and a live event feed.
type AdminServer struct {
	listen string
	engine *gin.Engine
	stats  StatsProvider
	subs   *subscriptions.GenericSubscriptionStorage
	hub    *eventHub
	server *http.Server
}

func NewAdminServer(listen string, stats StatsProvider, subs *subscriptions.GenericSubscriptionStorage) *AdminServer {
	return &AdminServer{
		listen: listen,
		engine: gin.New(),
		stats:  stats,
		subs:   subs,
		hub:    newEventHub(),
	}
}

func (s *AdminServer) Start() error {
	s.buildRoutes()
	s.server = &http.Server{Addr: s.listen, Handler: s.engine}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			_adminLogger.Errorln("admin server stopped:", err)
		}
	}()
	return nil
}

func (s *AdminServer) buildRoutes() {
	s.engine.Use(gin.Recovery())

	s.engine.GET("/queues/stats", ginshared.Wrap(func(ctx *gin.Context) ginshared.Render {
		stats, err := s.stats.Stats()
		if err != nil {
			return ginshared.RenderError(err)
		}
		return ginshared.RenderJson(http.StatusOK, stats)
	}))

	s.engine.GET("/queues/:name/stats", ginshared.Wrap(func(ctx *gin.Context) ginshared.Render {
		name := ctx.Param("name")
		stats, err := s.stats.Stats()
		if err != nil {
			return ginshared.RenderError(err)
		}
		var filtered []sqlqueue.QueueStats
		for _, entry := range stats {
			if entry.QueueName == name {
				filtered = append(filtered, entry)
			}
		}
		if len(filtered) == 0 {
			return ginshared.RenderStatus(http.StatusNotFound)
		}
		return ginshared.RenderJson(http.StatusOK, filtered)
	}))

	s.engine.GET("/subscriptions", ginshared.Wrap(func(ctx *gin.Context) ginshared.Render {
		return ginshared.RenderJson(http.StatusOK, s.subs.Snapshot())
	}))

	s.engine.GET("/events", s.handleEventFeed)
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.hub.close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
