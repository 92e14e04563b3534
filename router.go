package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/choraleia/chromepool/pkg/browser"
	"github.com/choraleia/chromepool/pkg/event"
	"github.com/choraleia/chromepool/pkg/handler"
	"github.com/choraleia/chromepool/pkg/models"
	"github.com/choraleia/chromepool/pkg/pool"
	"github.com/choraleia/chromepool/pkg/utils"
)

type Server struct {
	ginEngine *gin.Engine
	logger    *slog.Logger
	manager   *pool.Manager
	emitter   *event.Emitter
	defaults  browser.Config
	host      string
	port      int
}

func NewServer(manager *pool.Manager, emitter *event.Emitter, defaults browser.Config, host string, port int) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	// CORS middleware: allow localhost origins only.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// If there's no Origin header, it's not a browser CORS request.
		if origin != "" {
			if isLocalOrigin(origin) {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
			} else {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		logger:    utils.GetLogger(),
		manager:   manager,
		emitter:   emitter,
		defaults:  defaults,
		host:      host,
		port:      port,
	}

	server.SetupRoutes()

	return server
}

func isLocalOrigin(origin string) bool {
	for _, prefix := range []string{
		"http://localhost", "http://127.0.0.1",
		"https://localhost", "https://127.0.0.1",
	} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// Start listens on host:port and serves until ctx is cancelled. It
// returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}

	// Attempt to listen on port first; if occupied return error immediately
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	// Record the actual port (useful when configured as 0).
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	// Listen for context cancellation for graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Non-blocking: if startup fails immediately return error; otherwise return nil to let main continue
	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	default:
	}
	s.logger.Info("Server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) SetupRoutes() {
	s.ginEngine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "browsers": s.manager.Len()})
	})
	s.ginEngine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API group
	// /api
	apiGroup := s.ginEngine.Group("/api")

	// Runtime info for clients to discover correct base URLs
	apiGroup.GET("/runtime", func(c *gin.Context) {
		host := s.host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		hostPort := net.JoinHostPort(host, fmt.Sprint(s.port))
		c.JSON(http.StatusOK, models.RuntimeInfo{
			HTTPBaseURL: "http://" + hostPort,
			WSBaseURL:   "ws://" + hostPort,
			Port:        s.port,
			Version:     version,
		})
	})

	apiGroup.GET("/events/ws", event.NewStreamHandler(s.emitter).Handle)

	handler.NewBrowserHandler(s.manager, s.defaults).RegisterRoutes(apiGroup)
}
