// Package allowlist models the DNS allowlist and renders the CoreDNS and nginx
// configuration that enforces it.
package allowlist

import (
	_ "embed"
	"fmt"
	"net"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_allowlist.yaml
var defaultAllowlist []byte

var upstreamNameRegex = regexp.MustCompile(`^[a-z0-9_]+$`)

// Network describes sandbox_net addressing.
type Network struct {
	Subnet  string `yaml:"subnet"`
	DNSIP   string `yaml:"dns_ip"`
	AgentIP string `yaml:"agent_ip"`
}

// Upstream is one proxied destination: a proxy container on IP forwarding Hosts.
type Upstream struct {
	Name  string   `yaml:"name"`
	IP    string   `yaml:"ip"`
	Hosts []string `yaml:"hosts"`
	Ports []int    `yaml:"ports,omitempty"`
}

// ServiceName is the compose service and container name of the upstream's proxy.
func (u Upstream) ServiceName() string {
	return "proxy_" + u.Name
}

// ListenPorts returns the configured ports, defaulting to 443.
func (u Upstream) ListenPorts() []int {
	if len(u.Ports) == 0 {
		return []int{443}
	}
	return u.Ports
}

// Allowlist is the static hostname to proxy IP mapping.
type Allowlist struct {
	Network   Network    `yaml:"network"`
	Upstreams []Upstream `yaml:"upstreams"`

	index map[string]string
}

// NotAllowedError is returned by Resolve for names outside the allowlist. The DNS
// filter answers these with NXDOMAIN.
type NotAllowedError struct {
	Host string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("%s: NXDOMAIN (not in allowlist)", e.Host)
}

// Default returns the built-in allowlist.
func Default() (*Allowlist, error) {
	return Parse(defaultAllowlist)
}

// DefaultYAML returns the built-in allowlist source, for `render --init`.
func DefaultYAML() []byte {
	return append([]byte(nil), defaultAllowlist...)
}

// Load reads an allowlist file, or the built-in default when path is empty.
func Load(path string) (*Allowlist, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	a, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// Parse decodes and validates allowlist YAML.
func Parse(data []byte) (*Allowlist, error) {
	var a Allowlist
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse allowlist: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Validate checks addressing and uniqueness, then builds the lookup index.
func (a *Allowlist) Validate() error {
	_, subnet, err := net.ParseCIDR(a.Network.Subnet)
	if err != nil {
		return fmt.Errorf("network.subnet: %w", err)
	}

	gateway := firstHost(subnet)
	reserved := map[string]string{gateway: "gateway"}

	for field, ip := range map[string]string{"network.dns_ip": a.Network.DNSIP, "network.agent_ip": a.Network.AgentIP} {
		parsed := net.ParseIP(ip)
		if parsed == nil || !subnet.Contains(parsed) {
			return fmt.Errorf("%s %q is not inside %s", field, ip, a.Network.Subnet)
		}
		if ip == gateway {
			return fmt.Errorf("%s %q collides with the gateway", field, ip)
		}
	}
	if a.Network.DNSIP == a.Network.AgentIP {
		return fmt.Errorf("network.dns_ip and network.agent_ip must differ")
	}
	reserved[a.Network.DNSIP] = "dns filter"
	reserved[a.Network.AgentIP] = "agent"

	if len(a.Upstreams) == 0 {
		return fmt.Errorf("allowlist has no upstreams")
	}

	names := make(map[string]bool)
	ips := make(map[string]string)
	index := make(map[string]string)
	for i, u := range a.Upstreams {
		if !upstreamNameRegex.MatchString(u.Name) {
			return fmt.Errorf("upstreams[%d].name %q must match %s", i, u.Name, upstreamNameRegex)
		}
		if names[u.Name] {
			return fmt.Errorf("duplicate upstream name %q", u.Name)
		}
		names[u.Name] = true

		ip := net.ParseIP(u.IP)
		if ip == nil || !subnet.Contains(ip) {
			return fmt.Errorf("upstream %s: ip %q is not inside %s", u.Name, u.IP, a.Network.Subnet)
		}
		if owner, ok := reserved[u.IP]; ok {
			return fmt.Errorf("upstream %s: ip %s is reserved for the %s", u.Name, u.IP, owner)
		}
		if other, ok := ips[u.IP]; ok {
			return fmt.Errorf("upstream %s: ip %s already used by %s", u.Name, u.IP, other)
		}
		ips[u.IP] = u.Name

		if len(u.Hosts) == 0 {
			return fmt.Errorf("upstream %s has no hosts", u.Name)
		}
		for _, h := range u.Hosts {
			host := normalizeHost(h)
			if host == "" || strings.ContainsAny(host, " /*") {
				return fmt.Errorf("upstream %s: invalid host %q", u.Name, h)
			}
			if other, ok := index[host]; ok {
				return fmt.Errorf("host %s listed twice (%s and %s)", host, other, u.IP)
			}
			index[host] = u.IP
		}
		for _, p := range u.Ports {
			if p < 1 || p > 65535 {
				return fmt.Errorf("upstream %s: invalid port %d", u.Name, p)
			}
		}
	}

	a.index = index
	return nil
}

// Resolve maps a hostname to its proxy IP, or returns *NotAllowedError.
func (a *Allowlist) Resolve(host string) (string, error) {
	ip, ok := a.index[normalizeHost(host)]
	if !ok {
		return "", &NotAllowedError{Host: host}
	}
	return ip, nil
}

// Hosts returns every allowlisted hostname, sorted.
func (a *Allowlist) Hosts() []string {
	hosts := make([]string, 0, len(a.index))
	for h := range a.index {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Upstream returns the upstream with the given name.
func (a *Allowlist) Upstream(name string) (Upstream, bool) {
	for _, u := range a.Upstreams {
		if u.Name == name {
			return u, true
		}
	}
	return Upstream{}, false
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

func firstHost(n *net.IPNet) string {
	ip := make(net.IP, len(n.IP))
	copy(ip, n.IP)
	ip[len(ip)-1]++
	return ip.String()
}
