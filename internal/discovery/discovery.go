// Package discovery registers this daemon's prekey HTTP API with
// Consul and resolves healthy peer-server addresses for bundle
// fetches, so the bundle fetcher isn't pinned to a single static
// PeerServerBaseURL.
package discovery

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/sealedline/e2ee-core/internal/obslog"
)

var logger = obslog.Discovery

const serviceName = "e2ee-core"

// Registry registers this daemon instance with Consul and resolves
// peers of the same service for bundle fetch.
type Registry struct {
	client     *api.Client
	serviceID  string
	serverPort int
}

// New constructs a Registry against the given Consul agent address.
func New(addr, serverID, serverPort string) (*Registry, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(serverPort)
	if err != nil {
		logger.Printf("failed to parse server port, using default 8080: %v", err)
		port = 8080
	}

	return &Registry{client: client, serviceID: serverID, serverPort: port}, nil
}

// Register advertises this daemon's prekey HTTP API under serviceName,
// with a health check against its own /health endpoint.
func (r *Registry) Register() error {
	hostname, err := os.Hostname()
	if err != nil {
		logger.Printf("failed to get hostname, using localhost: %v", err)
		hostname = "localhost"
	}

	reg := &api.AgentServiceRegistration{
		ID:      r.serviceID,
		Name:    serviceName,
		Port:    r.serverPort,
		Address: hostname,
		Tags:    []string{"e2ee", "prekeys"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", hostname, r.serverPort),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
	}

	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		return err
	}
	logger.Printf("registered with consul: %s", r.serviceID)
	return nil
}

// Deregister removes this daemon instance from Consul. Called on
// graceful shutdown.
func (r *Registry) Deregister() error {
	if err := r.client.Agent().ServiceDeregister(r.serviceID); err != nil {
		return err
	}
	logger.Printf("deregistered from consul: %s", r.serviceID)
	return nil
}

// HealthyPeerAddresses returns the addresses of other healthy
// instances of this service, for resolving where a given peer's
// bundle might be published.
func (r *Registry) HealthyPeerAddresses() ([]string, error) {
	services, _, err := r.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(services))
	for _, svc := range services {
		if svc.Service.ID == r.serviceID {
			continue
		}
		addrs = append(addrs, fmt.Sprintf("http://%s:%d", svc.Service.Address, svc.Service.Port))
	}
	return addrs, nil
}

// Watch invokes callback whenever the set of healthy service
// instances changes, blocking until the caller's process exits or the
// watch is abandoned by its goroutine being leaked on shutdown — the
// daemon only ever starts one of these per process lifetime.
func (r *Registry) Watch(callback func([]string)) {
	var lastIndex uint64

	for {
		services, meta, err := r.client.Health().Service(serviceName, "", true, &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		})
		if err != nil {
			logger.Printf("error watching consul services: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}

		if meta.LastIndex == lastIndex {
			continue
		}
		lastIndex = meta.LastIndex

		addrs := make([]string, 0, len(services))
		for _, svc := range services {
			if svc.Service.ID == r.serviceID {
				continue
			}
			addrs = append(addrs, fmt.Sprintf("http://%s:%d", svc.Service.Address, svc.Service.Port))
		}
		callback(addrs)
	}
}
