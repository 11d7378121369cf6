// Package discovery advertises and finds block engine endpoints over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/betamos/zeroconf"
	"go.uber.org/multierr"
)

const (
	ServiceType = "_blockengine._udp"
	Domain      = "local."
)

// Service names appended to the instance name, e.g. "block-engine-searcher".
const (
	ServiceSearcher  = "searcher"
	ServiceValidator = "validator"
	ServiceAuth      = "auth"
)

var ErrNotFound = errors.New("discovery: no endpoint found")

// Endpoint is one advertised engine listener.
type Endpoint struct {
	Instance string
	Service  string
	Addr     string // host:port ready for DialQUIC
	Port     int
}

// Advertiser publishes one mDNS record per engine listener.
type Advertiser struct {
	clients []*zeroconf.Client
}

// Advertise publishes instance under ServiceType once for every entry in
// ports, keyed by service name.
func Advertise(instance string, ports map[string]int) (*Advertiser, error) {
	svcType := zeroconf.NewType(ServiceType)
	a := &Advertiser{}
	for service, port := range ports {
		if port <= 0 || port > 65535 {
			_ = a.Close()
			return nil, fmt.Errorf("discovery: invalid port %d for %s", port, service)
		}
		svc := zeroconf.NewService(svcType, instance+"-"+service, uint16(port))
		svc.Text = []string{"service=" + service}
		client, err := zeroconf.New().Publish(svc).Open()
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("zeroconf: %w", err)
		}
		a.clients = append(a.clients, client)
	}
	return a, nil
}

// Close withdraws every record.
func (a *Advertiser) Close() error {
	var err error
	for _, c := range a.clients {
		err = multierr.Append(err, c.Close())
	}
	a.clients = nil
	return err
}

// Browser watches the network for engine endpoints.
type Browser struct {
	client *zeroconf.Client
}

// Browse calls onEndpoint for every endpoint that appears.
func Browse(onEndpoint func(Endpoint)) (*Browser, error) {
	client, err := zeroconf.New().
		Browse(func(e zeroconf.Event) {
			if e.Op == zeroconf.OpRemoved {
				return
			}
			if ep, ok := endpointFrom(e.Name, e.Addrs, e.Port); ok && onEndpoint != nil {
				onEndpoint(ep)
			}
		}, zeroconf.NewType(ServiceType)).
		Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Browser{client: client}, nil
}

// Close stops browsing
func (b *Browser) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// Lookup waits for the first endpoint offering service, or ctx expiry.
func Lookup(ctx context.Context, service string) (Endpoint, error) {
	found := make(chan Endpoint, 1)
	b, err := Browse(func(ep Endpoint) {
		if ep.Service != service {
			return
		}
		select {
		case found <- ep:
		default:
		}
	})
	if err != nil {
		return Endpoint{}, err
	}
	defer b.Close()

	select {
	case ep := <-found:
		return ep, nil
	case <-ctx.Done():
		return Endpoint{}, fmt.Errorf("%w: %s: %w", ErrNotFound, service, ctx.Err())
	}
}

func endpointFrom(name string, addrs []netip.Addr, port uint16) (Endpoint, bool) {
	instance, service, ok := SplitInstance(name)
	if !ok {
		return Endpoint{}, false
	}
	addr, ok := pickAddr(addrs)
	if !ok {
		return Endpoint{}, false
	}
	return Endpoint{
		Instance: instance,
		Service:  service,
		Addr:     net.JoinHostPort(addr.String(), strconv.Itoa(int(port))),
		Port:     int(port),
	}, true
}

// pickAddr prefers IPv4 since link-local v6 needs a zone to dial.
func pickAddr(addrs []netip.Addr) (netip.Addr, bool) {
	var fallback netip.Addr
	for _, a := range addrs {
		if !a.IsValid() {
			continue
		}
		if a.Is4() || a.Is4In6() {
			return a.Unmap(), true
		}
		if !fallback.IsValid() {
			fallback = a
		}
	}
	return fallback, fallback.IsValid()
}

// SplitInstance splits an advertised name like "block-engine-searcher" into
// instance and service.
func SplitInstance(name string) (instance, service string, ok bool) {
	i := strings.LastIndexByte(name, '-')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	instance, service = name[:i], name[i+1:]
	switch service {
	case ServiceSearcher, ServiceValidator, ServiceAuth:
		return instance, service, true
	}
	return "", "", false
}

// ParseAddr splits "host:port" and parses the port.
func ParseAddr(s string) (host string, port int, err error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
