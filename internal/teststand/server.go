// Package teststand wires every component — acceptor, discovery emitter,
// registry, dispatcher, event bus, MQTT bridge, operator relay — into one
// runnable Server, the way pkg/atlas/server.go composes the master server's
// HTTP listeners, background tasks, and graceful shutdown.
package teststand

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/qretprop/teststand/internal/config"
	"github.com/qretprop/teststand/internal/restapi"
	"github.com/qretprop/teststand/pkg/acceptor"
	"github.com/qretprop/teststand/pkg/devsession"
	"github.com/qretprop/teststand/pkg/discovery"
	"github.com/qretprop/teststand/pkg/dispatcher"
	"github.com/qretprop/teststand/pkg/eventbus"
	"github.com/qretprop/teststand/pkg/registry"
)

// Server composes the full test-stand core around one Config.
type Server struct {
	Logger     zerolog.Logger
	Registry   *registry.Registry
	Bus        *eventbus.Bus
	Dispatcher *dispatcher.Dispatcher

	cfg        config.CoreConfig
	acceptor   *acceptor.Acceptor
	discovery  *discovery.Emitter
	mqtt       *eventbus.MQTTBridge
	rest       *restapi.Handler
	metrics    *metrics.Set

	// NotifySocket, if set, receives systemd sd_notify-style readiness and
	// shutdown state changes. Empty disables it.
	NotifySocket string

	closed bool
}

// New builds a Server from c, ready to Run. It binds no sockets yet.
func New(c *config.Config, logger zerolog.Logger) (*Server, error) {
	set := metrics.NewSet()

	reg := registry.New(set)
	bus := eventbus.New()

	mqttBridge, err := eventbus.NewMQTTBridge(eventbus.MQTTConfig{
		Broker:      c.Core.MQTTBroker,
		TopicPrefix: c.Core.MQTTTopicPrefix,
		Username:    c.Services.Redis.Username,
		Password:    c.Services.Redis.Password,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("teststand: configure mqtt bridge: %w", err)
	}

	s := &Server{
		Logger:     logger,
		Registry:   reg,
		Bus:        bus,
		Dispatcher: dispatcher.New(reg, set),
		cfg:        c.Core,
		acceptor: acceptor.New(acceptor.Config{
			Addr:       c.Core.TCPAddr,
			MaxDevices: c.Core.MaxDevices,
		}, logger),
		discovery: &discovery.Emitter{Logger: logger},
		mqtt:      mqttBridge,
		metrics:   set,
	}
	s.rest = restapi.NewHandler(reg, bus, logger)

	set.NewGauge("teststand_devices_connected", func() float64 {
		return float64(reg.Len())
	})

	return s, nil
}

// sessionDeps builds the devsession.Deps every accepted connection is
// served with, derived from the configured Core timings.
func (s *Server) sessionDeps() devsession.Deps {
	return devsession.Deps{
		Logger:             s.Logger,
		Bus:                s.Bus,
		Registry:           s.Registry,
		HeartbeatInterval:  s.cfg.HeartbeatInterval,
		HeartbeatMissLimit: s.cfg.HeartbeatMissLimit,
		TimesyncInterval:   s.cfg.TimesyncInterval,
		AckDeadline:        s.cfg.AckDeadline,
		SyncDeadline:       s.cfg.SyncDeadline,
	}
}

// Run starts the acceptor, the discovery emitter, the MQTT bridge (if
// configured) and the operator relay, blocking until ctx is canceled or a
// listener fails fatally.
func (s *Server) Run(ctx context.Context) error {
	if s.closed {
		return http.ErrServerClosed
	}

	deps := s.sessionDeps()

	errch := make(chan error, 3)

	go func() {
		errch <- s.acceptor.Run(ctx, func(ctx context.Context, conn net.Conn) {
			devsession.Serve(ctx, conn, deps)
		})
	}()

	go s.discovery.Run(ctx, s.cfg.DiscoveryInterval)

	if s.mqtt != nil {
		go s.mqtt.Run(ctx, s.Bus)
	}

	restMux := http.NewServeMux()
	restMux.Handle("/devices", s.rest)
	restMux.Handle("/ws", s.rest)
	restMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.WritePrometheus(w)
	})

	restAddr := s.cfg.WebsocketAddr
	httpSrv := &http.Server{Addr: restAddr, Handler: restMux}
	go func() {
		s.Logger.Info().Str("component", "teststand").Str("addr", restAddr).Msg("starting operator relay")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errch <- fmt.Errorf("teststand: operator relay: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		go s.sdnotify("READY=1")
	case err := <-errch:
		s.Logger.Err(err).Str("component", "teststand").Msg("failed to start")
		return err
	}

	select {
	case <-ctx.Done():
		s.closed = true
		s.Logger.Info().Str("component", "teststand").Msg("shutting down")

		go s.sdnotify("STOPPING=1")

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		}()
		wg.Wait()

		return nil
	case err := <-errch:
		s.Logger.Err(err).Str("component", "teststand").Msg("failed during operation")
		return err
	}
}

// EstopAll broadcasts ESTOP to every connected device, for use by a signal
// handler or operator adapter wired against this Server.
func (s *Server) EstopAll() []*dispatcher.Error {
	return s.Dispatcher.EstopAll()
}

func (s *Server) sdnotify(state string) (bool, error) {
	if s.NotifySocket == "" {
		return false, nil
	}

	addr := &net.UnixAddr{Name: s.NotifySocket, Net: "unixgram"}
	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}
