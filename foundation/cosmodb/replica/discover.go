package replica

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrNoCandidate is returned when discovery has nothing new to offer.
var ErrNoCandidate = errors.New("no candidate endpoint")

// Discoverer finds a host that could serve as a new endpoint. Hosts in
// exclude are already in use or known to be dead.
type Discoverer interface {
	Discover(ctx context.Context, exclude []string) (string, error)
}

// =============================================================================

// StaticDiscoverer hands out hosts from a configured list in round robin
// order.
type StaticDiscoverer struct {
	mu    sync.Mutex
	hosts []string
	next  int
}

// NewStaticDiscoverer constructs a discoverer over the set of hosts.
func NewStaticDiscoverer(hosts []string) *StaticDiscoverer {
	cpy := make([]string, 0, len(hosts))
	for _, host := range hosts {
		if host != "" {
			cpy = append(cpy, host)
		}
	}

	return &StaticDiscoverer{hosts: cpy}
}

// Discover returns the next configured host that is not excluded.
func (sd *StaticDiscoverer) Discover(ctx context.Context, exclude []string) (string, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	for i := 0; i < len(sd.hosts); i++ {
		host := sd.hosts[sd.next%len(sd.hosts)]
		sd.next++

		if !contains(exclude, host) {
			return host, nil
		}
	}

	return "", ErrNoCandidate
}

// =============================================================================

// HTTPDiscoverer asks a discovery node for the hosts it knows about.
type HTTPDiscoverer struct {
	host   string
	self   string
	client http.Client
}

// NewHTTPDiscoverer constructs a discoverer backed by the node at host. The
// self host is never offered.
func NewHTTPDiscoverer(host string, self string) *HTTPDiscoverer {
	return &HTTPDiscoverer{
		host: host,
		self: self,
	}
}

// Discover returns the first host known to the discovery node that is not
// excluded.
func (hd *HTTPDiscoverer) Discover(ctx context.Context, exclude []string) (string, error) {
	url := fmt.Sprintf("%s/replicas", endpointURL(hd.host))

	var hosts Hosts
	if err := send(ctx, &hd.client, http.MethodGet, url, nil, &hosts); err != nil {
		return "", fmt.Errorf("discovery %s: %w", hd.host, err)
	}

	for _, host := range hosts.Hosts {
		if host != hd.self && !contains(exclude, host) {
			return host, nil
		}
	}

	return "", ErrNoCandidate
}

// =============================================================================

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
