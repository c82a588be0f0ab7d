// Package discovery lets clients on the same LAN find a relay without
// configuration: the daemon advertises itself over mDNS and clients run a
// bounded browse for it.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_chatrelay._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds one relay lookup.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay advertisement and lookup behavior.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	ServerID     string
	InstanceName string
	Port         int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Relay is one advertised relay endpoint seen on the LAN.
type Relay struct {
	ServerID     string
	InstanceName string
	HostName     string
	Port         int
	Version      int
	Addresses    []string
}

// Addr returns a dialable host:port for the relay, preferring the first
// resolved address over the mDNS hostname.
func (r Relay) Addr() string {
	host := r.HostName
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return net.JoinHostPort(strings.TrimSuffix(host, "."), strconv.Itoa(r.Port))
}

// Advertiser announces a running relay over mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the relay's mDNS record.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.ServerID) == "" {
		return nil, errors.New("server ID is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("listening port must be > 0")
	}
	instance := strings.TrimSpace(cfg.InstanceName)
	if instance == "" {
		instance = "chatrelay-" + cfg.ServerID
	}

	txt := []string{
		"server_id=" + cfg.ServerID,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Lookup browses for relays until the scan timeout elapses and returns
// everything it saw, sorted by instance name.
func Lookup(ctx context.Context, config Config) ([]Relay, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Relay)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry)
				if !ok {
					continue
				}
				collected[relay.ServerID] = relay
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	relays := make([]Relay, 0, len(collected))
	for _, relay := range collected {
		relays = append(relays, relay)
	}
	sort.Slice(relays, func(i, j int) bool {
		if relays[i].InstanceName == relays[j].InstanceName {
			return relays[i].ServerID < relays[j].ServerID
		}
		return relays[i].InstanceName < relays[j].InstanceName
	})
	return relays, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	txt := txtToMap(entry.Text)

	serverID := strings.TrimSpace(txt["server_id"])
	if serverID == "" {
		return Relay{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	return Relay{
		ServerID:     serverID,
		InstanceName: name,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Version:      version,
		Addresses:    addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
