package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sealedline/e2ee-core/internal/apiserver"
	"github.com/sealedline/e2ee-core/internal/bundlecache"
	"github.com/sealedline/e2ee-core/internal/config"
	"github.com/sealedline/e2ee-core/internal/discovery"
	"github.com/sealedline/e2ee-core/internal/e2eerr"
	"github.com/sealedline/e2ee-core/internal/keymanager"
	"github.com/sealedline/e2ee-core/internal/obslog"
	"github.com/sealedline/e2ee-core/internal/session"
	"github.com/sealedline/e2ee-core/internal/storage"
	"github.com/sealedline/e2ee-core/internal/x3dh"
)

var logger = obslog.New("DAEMON")

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: failed to load configuration: %v", err)
	}

	logger.Printf("starting e2eed: %s", cfg.ServerID)

	store, err := storage.Open(cfg.StoragePath, cfg.MasterKeyPassphrase)
	if err != nil {
		log.Fatalf("FATAL: failed to open storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("warning: failed to close storage: %v", err)
		}
	}()

	keys := keymanager.New(store)
	if err := keys.Initialize(); err != nil {
		log.Fatalf("FATAL: failed to initialize identity: %v", err)
	}
	fingerprint, err := keys.Fingerprint()
	if err != nil {
		log.Fatalf("FATAL: failed to read identity fingerprint: %v", err)
	}
	logger.Printf("identity fingerprint: %s", fingerprint)

	var disc *discovery.Registry
	if cfg.ConsulAddr != "" {
		port := portFromAddr(cfg.ListenAddr)
		disc, err = discovery.New(cfg.ConsulAddr, cfg.ServerID, port)
		if err != nil {
			log.Fatalf("FATAL: failed to connect to Consul: %v", err)
		}
		if err := disc.Register(); err != nil {
			log.Fatalf("FATAL: failed to register with Consul: %v", err)
		}
		defer func() {
			if err := disc.Deregister(); err != nil {
				logger.Printf("warning: failed to deregister from Consul: %v", err)
			}
		}()
	} else {
		logger.Printf("no Consul address configured, discovery disabled (using static peer URL %q)", cfg.PeerServerBaseURL)
	}

	httpClient := &http.Client{Timeout: cfg.FetchTimeout}
	bundles, err := bundlecache.New(cfg.RedisAddr, remoteFetcher(httpClient, disc, cfg.PeerServerBaseURL, cfg.ServerID))
	if err != nil {
		log.Fatalf("FATAL: failed to initialize bundle cache: %v", err)
	}

	sessions := session.New(store, keys, bundles)
	_ = sessions // not passed to apiserver, which serves only the prekey directory; exercised by internal/session's own tests

	srv := apiserver.New(store, keys, disc, cfg.ServerID, cfg.JWTSecret, cfg.PeerServerBaseURL, cfg.FetchTimeout)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("FATAL: server error: %v", err)
		}
	}()

	maintenanceCtx, cancelMaintenance := context.WithCancel(context.Background())
	defer cancelMaintenance()
	go runMaintenance(maintenanceCtx, keys)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Printf("received signal %v, starting graceful shutdown", sig)

	if disc != nil {
		if err := disc.Deregister(); err != nil {
			logger.Printf("warning: failed to deregister from Consul: %v", err)
		}
	}

	cancelMaintenance()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("warning: http server shutdown error: %v", err)
	}

	logger.Printf("stopped gracefully")
}

// runMaintenance periodically brings the signed prekey and one-time
// prekey pool back within their configured bounds, the way the
// teacher's scheduler binary runs its pre-key replenishment checks.
func runMaintenance(ctx context.Context, keys *keymanager.Manager) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := keys.Initialize(); err != nil {
				logger.Printf("maintenance pass failed: %v", err)
			}
		}
	}
}

// remoteFetcher builds a bundlecache.Fetcher that fetches peerID's
// published bundle over HTTP from the first healthy instance discovery
// returns (falling back to the static peer base URL); the instance is
// not chosen by peerID.
func remoteFetcher(client *http.Client, disc *discovery.Registry, fallbackBase, selfPeerID string) bundlecache.Fetcher {
	return func(ctx context.Context, peerID string) (x3dh.Bundle, error) {
		base := fallbackBase
		if disc != nil {
			if addrs, err := disc.HealthyPeerAddresses(); err == nil && len(addrs) > 0 {
				base = addrs[0]
			}
		}
		if base == "" {
			return x3dh.Bundle{}, e2eerr.ErrRecipientNotProvisioned
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/users/"+peerID+"/prekeys", nil)
		if err != nil {
			return x3dh.Bundle{}, fmt.Errorf("%w: %v", e2eerr.ErrNetwork, err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return x3dh.Bundle{}, fmt.Errorf("%w: %v", e2eerr.ErrNetwork, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return x3dh.Bundle{}, e2eerr.ErrRecipientNotProvisioned
		}
		if resp.StatusCode != http.StatusOK {
			return x3dh.Bundle{}, fmt.Errorf("%w: peer server returned %d", e2eerr.ErrNetwork, resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return x3dh.Bundle{}, fmt.Errorf("%w: %v", e2eerr.ErrNetwork, err)
		}
		return apiserver.DecodeRemoteBundle(body)
	}
}

func portFromAddr(addr string) string {
	if u, err := url.Parse("//" + strings.TrimPrefix(addr, ":")); err == nil && u.Port() != "" {
		return u.Port()
	}
	parts := strings.Split(addr, ":")
	return parts[len(parts)-1]
}
