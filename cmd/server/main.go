package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"

	"vpnonboard/internal/approval"
	"vpnonboard/internal/config"
	"vpnonboard/internal/lock"
	"vpnonboard/internal/packages"
	"vpnonboard/internal/provision"
	"vpnonboard/internal/sentry"
	"vpnonboard/internal/server"
	"vpnonboard/internal/vless"
	"vpnonboard/internal/xui"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := sentry.Init(cfg.SentryDSN); err != nil {
		log.Printf("Sentry init failed (continuing without): %v", err)
	}
	defer sentry.Flush()

	// 1. Open the panel database and resolve its schema
	store, err := xui.OpenStore(cfg.DBPath, cfg.Schema)
	if err != nil {
		log.Fatalf("Failed to open panel database %s: %v", cfg.DBPath, err)
	}
	defer store.Close()
	log.Printf("Panel database %s: inbound table %q, traffic table present=%v",
		cfg.DBPath, store.Capabilities().InboundTable, store.Capabilities().Traffic != nil)

	// 2. Parse the reference share link. Refusing to start beats minting
	// credentials nobody can connect with.
	rawLink, err := vless.LoadTemplateLink(cfg.TemplateLinkSource())
	if err != nil {
		log.Fatalf("Share-link template: %v", err)
	}
	tpl, err := vless.ParseTemplate(rawLink)
	if err != nil {
		log.Fatalf("Share-link template: %v", err)
	}
	if err := tpl.RequireComplete(); err != nil {
		log.Fatalf("Share-link template: %v", err)
	}

	serverHost := cfg.ServerHost
	if serverHost == "" {
		serverHost = tpl.Server
	}

	// 3. Assemble provisioning
	fl := lock.NewManager().ForPath(cfg.LockFile)
	var creator provision.Creator
	if cfg.CreatorScript != "" {
		creator = &provision.ExecCreator{
			Script:       cfg.CreatorScript,
			DBPath:       cfg.DBPath,
			Server:       serverHost,
			InboundPort:  cfg.InboundPort,
			Flow:         cfg.Flow,
			TemplateLink: rawLink,
			OutputDir:    cfg.OutputDir,
			Timeout:      cfg.CreateTimeout,
		}
		log.Printf("Using external creator script %s", cfg.CreatorScript)
	} else {
		creator = &provision.StoreCreator{
			Store:    store,
			Selector: xui.SelectByPort(cfg.InboundPort),
			Flow:     cfg.Flow,
		}
	}
	prov := &provision.Provisioner{
		Store:    store,
		Lock:     fl,
		Creator:  creator,
		Template: tpl,
		Selector: xui.SelectByPort(cfg.InboundPort),
		Server:   cfg.ServerHost,
		LockWait: cfg.LockWait,
	}

	// 4. Approval workflow + delivery
	workflow := approval.NewWorkflow(cfg.PendingFile, cfg.DedupWindow)
	pkgMap := packages.NewMap(cfg.PackageFile)
	api := &server.API{
		Workflow:    workflow,
		Provisioner: prov,
		Packages:    pkgMap,
		Delivery: &server.Delivery{
			Templates: cfg.Templates,
			Packages:  pkgMap,
			Server:    serverHost,
			Port:      cfg.InboundPort,
		},
		Token:            cfg.AdminAPIToken,
		ProvisionTimeout: cfg.LockWait + cfg.CreateTimeout + 30*time.Second,
	}

	// 5. Serve: autocert HTTPS when a domain is configured, plain HTTP otherwise
	serverErrors := make(chan error, 2)
	var httpServers []*http.Server

	if cfg.Domain != "" {
		log.Printf("Configuring HTTPS/TLS for domain: %s", cfg.Domain)
		cacheDir := "certs"
		if err := os.MkdirAll(cacheDir, 0700); err != nil {
			log.Fatalf("Failed to create cert cache dir: %v", err)
		}
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(cacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Domain),
			Email:      cfg.ACMEEmail,
		}

		httpsServer := &http.Server{
			Addr:      ":443",
			Handler:   api.Handler(),
			TLSConfig: manager.TLSConfig(),
		}
		httpServers = append(httpServers, httpsServer)
		go func() {
			log.Println("Admin API listening on :443 (HTTPS)")
			if err := httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				serverErrors <- err
			}
		}()

		httpRedirectServer := &http.Server{
			Addr:    ":80",
			Handler: manager.HTTPHandler(nil),
		}
		httpServers = append(httpServers, httpRedirectServer)
		go func() {
			log.Println("Redirect Server listening on :80 (HTTP)")
			if err := httpRedirectServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErrors <- err
			}
		}()
	} else {
		httpServer := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: api.Handler(),
		}
		httpServers = append(httpServers, httpServer)
		go func() {
			log.Printf("Admin API listening on %s (HTTP)", cfg.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErrors <- err
			}
		}()
	}

	// Wait for interrupt or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErrors:
		sentry.CaptureError(err, "server error")
		log.Printf("Server error: %v, initiating shutdown...", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	for _, srv := range httpServers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			sentry.CaptureErrorf(err, "shutdown of %s failed", srv.Addr)
		}
	}
	log.Println("Server shutdown complete")
}
