package allowlist

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/jeanhaley32/sapphire-bee/internal/fsutil"
)

const (
	HostsFileName = "hosts.allowlist"
	CorefileName  = "Corefile"
	NginxSubdir   = "nginx"

	// CoreDNSConfDir is where the rendered directory is mounted in the dnsfilter container.
	CoreDNSConfDir = "/etc/coredns"
)

const generatedHeader = "# Generated by bee render. Edit allowlist.yaml instead.\n"

var corefileTemplate = template.Must(template.New("Corefile").Parse(generatedHeader + `. {
    hosts {{.HostsPath}} {
        ttl 60
        reload 0
        fallthrough
    }
    template ANY ANY {
        rcode NXDOMAIN
    }
    log
    errors
}
`))

var nginxTemplate = template.Must(template.New("nginx").Funcs(template.FuncMap{"join": strings.Join}).Parse(generatedHeader + `# {{.Upstream.ServiceName}}: {{join .Upstream.Hosts " "}}
worker_processes 1;
error_log /dev/stderr warn;
pid /tmp/nginx.pid;

events {
    worker_connections 1024;
}

stream {
    resolver {{.Resolver}} valid=300s ipv6=off;
    log_format proxied '$remote_addr [$time_local] $ssl_preread_server_name -> $upstream_addr $status';
    access_log /dev/stdout proxied;

    map $ssl_preread_server_name $upstream_host {
{{- range .Upstream.Hosts}}
        {{.}} {{.}};
{{- end}}
        default {{.Primary}};
    }
{{range .Ports}}
    server {
        listen {{.}};
{{- if eq . 443}}
        ssl_preread on;
        proxy_pass $upstream_host:{{.}};
{{- else}}
        proxy_pass {{$.Primary}}:{{.}};
{{- end}}
        proxy_connect_timeout 10s;
        proxy_timeout 10m;
    }
{{end -}}
}
`))

// RenderHosts writes the hosts.allowlist content consumed by the CoreDNS hosts plugin.
func (a *Allowlist) RenderHosts(w io.Writer) error {
	if _, err := io.WriteString(w, generatedHeader); err != nil {
		return err
	}
	for _, u := range a.Upstreams {
		hosts := make([]string, 0, len(u.Hosts))
		for _, h := range u.Hosts {
			hosts = append(hosts, normalizeHost(h))
		}
		if _, err := fmt.Fprintf(w, "%s %s\n", u.IP, strings.Join(hosts, " ")); err != nil {
			return err
		}
	}
	return nil
}

// RenderCorefile writes a Corefile answering allowlisted names from the hosts
// file and every other name with NXDOMAIN.
func (a *Allowlist) RenderCorefile(w io.Writer) error {
	return corefileTemplate.Execute(w, struct{ HostsPath string }{
		HostsPath: CoreDNSConfDir + "/" + HostsFileName,
	})
}

// RenderNginx writes the stream proxy config for one upstream. resolver is the
// public resolver the proxy itself uses on egress_net.
func RenderNginx(w io.Writer, u Upstream, resolver string) error {
	if resolver == "" {
		resolver = "1.1.1.1 8.8.8.8"
	}
	return nginxTemplate.Execute(w, struct {
		Upstream Upstream
		Primary  string
		Ports    []int
		Resolver string
	}{
		Upstream: u,
		Primary:  normalizeHost(u.Hosts[0]),
		Ports:    u.ListenPorts(),
		Resolver: resolver,
	})
}

// NginxConfPath is the rendered config path for an upstream under dir.
func NginxConfPath(dir string, u Upstream) string {
	return filepath.Join(dir, NginxSubdir, u.Name+".conf")
}

// WriteAll renders every artifact into dir and returns the written paths.
func (a *Allowlist) WriteAll(dir string) ([]string, error) {
	if err := os.MkdirAll(filepath.Join(dir, NginxSubdir), 0755); err != nil {
		return nil, fmt.Errorf("create render dir: %w", err)
	}

	type artifact struct {
		path   string
		render func(io.Writer) error
	}
	artifacts := []artifact{
		{filepath.Join(dir, HostsFileName), a.RenderHosts},
		{filepath.Join(dir, CorefileName), a.RenderCorefile},
	}
	for _, u := range a.Upstreams {
		u := u
		artifacts = append(artifacts, artifact{NginxConfPath(dir, u), func(w io.Writer) error {
			return RenderNginx(w, u, "")
		}})
	}

	var written []string
	for _, art := range artifacts {
		var buf bytes.Buffer
		if err := art.render(&buf); err != nil {
			return written, fmt.Errorf("render %s: %w", filepath.Base(art.path), err)
		}
		if err := fsutil.WriteFileAtomic(art.path, buf.Bytes(), 0644); err != nil {
			return written, fmt.Errorf("write %s: %w", art.path, err)
		}
		written = append(written, art.path)
	}
	return written, nil
}

// HostsEntry is one parsed hosts.allowlist line.
type HostsEntry struct {
	IP    string
	Hosts []string
}

// ParseHosts reads a hosts-format file back, skipping comments and blank lines.
func ParseHosts(r io.Reader) ([]HostsEntry, error) {
	var entries []HostsEntry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if net.ParseIP(fields[0]) == nil {
			return nil, fmt.Errorf("line %d: invalid IP %q", lineNo, fields[0])
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: no hostnames for %s", lineNo, fields[0])
		}
		entries = append(entries, HostsEntry{IP: fields[0], Hosts: fields[1:]})
	}
	return entries, scanner.Err()
}
