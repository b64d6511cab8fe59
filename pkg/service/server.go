// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/meshrelay/pkg/auth"
	"github.com/livekit/meshrelay/pkg/config"
	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/rooms"
	"github.com/livekit/meshrelay/pkg/telemetry"
	"github.com/livekit/meshrelay/pkg/telemetry/prometheus"
)

const (
	shutdownTimeout   = 5 * time.Second
	nodeStatsInterval = 10 * time.Second
	drainPollInterval = time.Second
)

type MeshRelayServer struct {
	config        *config.Config
	signalService *SignalService
	registry      *rooms.Registry
	telemetry     telemetry.TelemetryService
	httpServer    *http.Server
	promServer    *http.Server
	running       atomic.Bool
	doneChan      core.Fuse
	closedChan    core.Fuse
	forceChan     core.Fuse
}

func NewMeshRelayServer(
	conf *config.Config,
	roomService *RoomService,
	signalService *SignalService,
	registry *rooms.Registry,
	verifier auth.TokenVerifier,
	ts telemetry.TelemetryService,
) (*MeshRelayServer, error) {
	s := &MeshRelayServer{
		config:        conf,
		signalService: signalService,
		registry:      registry,
		telemetry:     ts,
	}

	middlewares := []negroni.Handler{
		// always first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowedOrigins: conf.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		}),
		negroni.HandlerFunc(requestLogger),
	}
	if verifier != nil {
		middlewares = append(middlewares, NewRoomTokenAuthMiddleware(verifier))
	}

	mux := http.NewServeMux()
	roomService.SetupRoutes(mux)
	mux.Handle("/ws", signalService)
	if conf.PrometheusPort == 0 {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if conf.ServeClient != "" {
		mux.Handle("/", http.FileServer(http.Dir(conf.ServeClient)))
	}

	s.httpServer = &http.Server{
		Handler: configureMiddlewares(mux, middlewares...),
	}

	if conf.PrometheusPort > 0 {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.Handler())
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promMux,
		}
	}

	return s, nil
}

func (s *MeshRelayServer) HTTPHandler() http.Handler {
	return s.httpServer.Handler
}

func (s *MeshRelayServer) IsRunning() bool {
	return s.running.Load()
}

func (s *MeshRelayServer) Start() error {
	if s.running.Swap(true) {
		return errors.New("already running")
	}

	addresses := s.config.BindAddresses
	if len(addresses) == 0 {
		// listen on all interfaces
		addresses = []string{""}
	}

	// ensure we could listen
	listeners := make([]net.Listener, 0, len(addresses))
	for _, addr := range addresses {
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(int(s.config.Port))))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			s.running.Store(false)
			return err
		}
		listeners = append(listeners, ln)
	}

	if len(s.config.BindAddresses) == 0 {
		logger.Infow("starting mesh relay server", "port", s.config.Port)
	} else {
		logger.Infow("starting mesh relay server", "port", s.config.Port, "addresses", s.config.BindAddresses)
	}

	group, ctx := errgroup.WithContext(context.Background())
	for _, ln := range listeners {
		group.Go(func() error {
			return ignoreServerClosed(s.httpServer.Serve(ln))
		})
	}
	if s.promServer != nil {
		group.Go(func() error {
			return ignoreServerClosed(s.promServer.ListenAndServe())
		})
	}

	go s.nodeStatsWorker()

	select {
	case <-s.doneChan.Watch():
	case <-ctx.Done():
		logger.Warnw("http server failed, shutting down", ctx.Err())
	}

	logger.Infow("shutting down server")
	s.signalService.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	if s.promServer != nil {
		_ = s.promServer.Shutdown(shutdownCtx)
	}

	err := group.Wait()
	s.telemetry.Stop()

	s.running.Store(false)
	s.closedChan.Break()
	return err
}

// Stop shuts the server down. Without force it waits for connected
// participants to leave first, a second forced Stop cuts the wait short.
func (s *MeshRelayServer) Stop(force bool) {
	if force {
		s.forceChan.Break()
	}
	if !s.running.Load() {
		return
	}

	if !force {
		s.waitForParticipantsToLeave()
	}
	s.doneChan.Break()
	<-s.closedChan.Watch()
}

func (s *MeshRelayServer) waitForParticipantsToLeave() {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		remaining := s.registry.ConnectionCount()
		if remaining == 0 {
			return
		}
		logger.Infow("waiting for participants to leave", "remaining", remaining, "rooms", s.registry.RoomCount())

		select {
		case <-s.forceChan.Watch():
			return
		case <-ticker.C:
		}
	}
}

func (s *MeshRelayServer) nodeStatsWorker() {
	ticker := time.NewTicker(nodeStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.doneChan.Watch():
			return
		case <-ticker.C:
			if _, err := prometheus.GetUpdatedNodeStats(); err != nil {
				logger.Debugw("could not update node stats", "error", err)
			}
		}
	}
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}

func requestLogger(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	next(w, r)

	// relay sockets log their own lifecycle
	if r.URL.Path == "/ws" {
		return
	}
	values := []interface{}{
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start),
	}
	if res, ok := w.(negroni.ResponseWriter); ok {
		values = append(values, "status", res.Status(), "size", humanize.Bytes(uint64(res.Size())))
	}
	logger.Debugw("http request", values...)
}
