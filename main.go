package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/termtunnel/termtunnel/internal/config"
	"github.com/termtunnel/termtunnel/internal/handlers"
	"github.com/termtunnel/termtunnel/internal/logging"
	"github.com/termtunnel/termtunnel/internal/proxy"
	"github.com/termtunnel/termtunnel/internal/store"
	"github.com/termtunnel/termtunnel/internal/terminal"
	"github.com/termtunnel/termtunnel/internal/transport"
	"github.com/termtunnel/termtunnel/internal/tunnel"
)

func main() {
	config.Load()
	logging.Init(config.Cfg.LogPath)

	tabs, err := store.OpenTabs(config.Cfg.DataDir, config.Cfg.MaxTabs)
	if err != nil {
		log.Fatalf("Tab store init: %v", err)
	}
	pin, err := store.OpenPin(config.Cfg.DataDir)
	if err != nil {
		log.Fatalf("PIN store init: %v", err)
	}
	favorites, err := store.OpenCollection(config.Cfg.DataDir, "favorites.json")
	if err != nil {
		log.Fatalf("Favorites store init: %v", err)
	}
	commands, err := store.OpenCollection(config.Cfg.DataDir, "commands.json")
	if err != nil {
		log.Fatalf("Commands store init: %v", err)
	}

	// Session ids in tabs.json point at PTYs from a previous run.
	if _, err := tabs.ClearSessions(); err != nil {
		log.Fatalf("Tab store reset: %v", err)
	}

	hub := terminal.NewHub(terminal.HubConfig{
		Shell:          config.Cfg.Shell,
		ScrollbackSize: config.Cfg.ScrollbackSize,
		IdleTimeout:    config.Cfg.SessionIdleTimeout,
	})

	adapter := transport.New(hub, tabs, favorites, commands, config.Cfg.AuthToken)
	go func() {
		if err := adapter.Run(); err != nil {
			log.Printf("socket.io server stopped: %v", err)
		}
	}()

	preview := proxy.NewPreview(config.Cfg.MemoryServicePort, config.Cfg.PreviewTimeout)

	state := &handlers.State{
		Tabs:      tabs,
		Pin:       pin,
		Favorites: favorites,
		Commands:  commands,
		Broadcast: adapter,
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	r.Handle("/socket.io/", adapter)

	preview.Routes(r)

	r.Route("/api", func(r chi.Router) {
		// The lock screen needs the PIN hash before any token exists
		// client-side.
		r.Get("/pin-settings", state.GetPin)

		r.Group(func(r chi.Router) {
			r.Use(handlers.RequireToken(config.Cfg.AuthToken))

			r.Put("/pin-settings", state.PutPin)
			r.Get("/tabs", state.GetTabs)
			r.Put("/tabs", state.PutTabs)
			r.Get("/favorites", state.GetFavorites)
			r.Put("/favorites", state.PutFavorites)
			r.Get("/commands", state.GetCommands)
			r.Put("/commands", state.PutCommands)
			r.Get("/logs", handlers.GetServerLogs)
			r.Delete("/logs", handlers.ClearServerLogs)
			r.Post("/kill-port/{port}", proxy.KillPortHandler(config.Cfg.Port))
		})
	})

	// Everything unmatched may be a dev-server asset request.
	r.NotFound(preview.DevFallback)

	addr := fmt.Sprintf("%s:%d", config.Cfg.Host, config.Cfg.Port)
	ln, err := listenWithRecovery(addr, config.Cfg.Port)
	if err != nil {
		log.Fatalf("Listen on %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler: r,
	}

	// Idle session eviction.
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", config.Cfg.SweepInterval), func() {
		if n := hub.SweepIdle(); n > 0 {
			log.Printf("[hub] evicted %d idle session(s)", n)
		}
	}); err != nil {
		log.Fatalf("Sweep schedule: %v", err)
	}
	c.Start()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if config.Cfg.TunnelURL != "" {
		tc := tunnel.New(config.Cfg.TunnelURL, config.Cfg.TunnelToken, r)
		go tc.Run(sigCtx)
		log.Printf("Tunnel enabled, relay %s", config.Cfg.TunnelURL)
	}

	// Connected clients resync their tab state after a restart.
	adapter.BroadcastAll(transport.EventTabsSync, tabs.Get())

	go func() {
		log.Printf("Server starting on %s", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	c.Stop()
	adapter.Close()
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// listenWithRecovery binds the daemon port. A leftover listener from a
// crashed run is killed once and the bind retried; this is the only
// place the daemon's own port may be freed.
func listenWithRecovery(addr string, port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, err
	}

	log.Printf("Port %d busy, attempting to free it", port)
	killed, killErr := proxy.KillListeners(port)
	if killErr != nil {
		return nil, fmt.Errorf("port %d busy and cleanup failed: %w", port, killErr)
	}
	log.Printf("Killed %d process(es) on port %d", len(killed), port)

	time.Sleep(500 * time.Millisecond)
	return net.Listen("tcp", addr)
}
