package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"finsync/internal/shared/config"
	"finsync/internal/shared/middleware"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Handler      http.Handler
	Addr         string
	TLSEnabled   bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
	AllowedHosts []string
}

// Servers are the running listeners. Errors reports a listener that stopped
// for any reason other than Shutdown.
type Servers struct {
	Main     *http.Server
	Redirect *http.Server
	Errors   <-chan error
}

// StartServers starts the API server and, with TLS redirect enabled, a plain
// HTTP server on :80 that redirects to HTTPS.
func StartServers(scfg ServerConfig) *Servers {
	errCh := make(chan error, 2)
	servers := &Servers{
		Main: &http.Server{
			Addr:        scfg.Addr,
			Handler:     scfg.Handler,
			ReadTimeout: 15 * time.Second,
			// On-demand syncs run inside the request.
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		Errors: errCh,
	}

	if scfg.TLSEnabled && scfg.RedirectHTTP {
		servers.Redirect = &http.Server{
			Addr:         ":80",
			Handler:      middleware.RedirectToHTTPS(scfg.AllowedHosts),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go serve(errCh, "HTTP redirect", func() error {
			return servers.Redirect.ListenAndServe()
		})
		log.Println("HTTP redirect server starting on :80")
	}

	if scfg.TLSEnabled {
		go serve(errCh, "HTTPS", func() error {
			return servers.Main.ListenAndServeTLS(scfg.CertPath, scfg.KeyPath)
		})
		log.Printf("HTTPS server starting on %s", scfg.Addr)
	} else {
		go serve(errCh, "HTTP", func() error {
			return servers.Main.ListenAndServe()
		})
		log.Printf("HTTP server starting on %s", scfg.Addr)
	}

	return servers
}

func serve(errCh chan<- error, name string, listen func() error) {
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

// GracefulShutdown stops the servers first, then the sync listener and
// scheduler.
func GracefulShutdown(servers *Servers, deps *Dependencies, timeout time.Duration) {
	log.Println("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if servers.Redirect != nil {
		if err := servers.Redirect.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down HTTP redirect server: %v", err)
		}
	}
	if err := servers.Main.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down main server: %v", err)
	}

	if deps.Listener != nil {
		deps.Listener.Stop()
	}
	if deps.Scheduler != nil {
		deps.Scheduler.Shutdown(timeout)
	}

	log.Println("Server stopped")
}

// NewServerConfigFromConfig creates ServerConfig from application config.
func NewServerConfigFromConfig(handler http.Handler, cfg *config.Config) ServerConfig {
	return ServerConfig{
		Handler:      handler,
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		TLSEnabled:   cfg.TLS.Enabled,
		CertPath:     cfg.TLS.CertPath,
		KeyPath:      cfg.TLS.KeyPath,
		RedirectHTTP: cfg.TLS.RedirectHTTP,
		AllowedHosts: cfg.Server.AllowedHosts,
	}
}
