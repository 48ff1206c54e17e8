// Package dnsprobe checks a running DNS filter against the allowlist by sending
// real A queries over UDP.
package dnsprobe

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/jeanhaley32/sapphire-bee/internal/allowlist"
)

const DefaultTimeout = 3 * time.Second

// DefaultBlocked are names that must never resolve inside the sandbox.
var DefaultBlocked = []string{"google.com", "example.com", "pypi.org", "registry.npmjs.org", "gist.github.com"}

// Expectation is one name to check. A nil Want means NXDOMAIN is expected.
type Expectation struct {
	Host string
	Want net.IP
}

// Result is the outcome of one Expectation.
type Result struct {
	Expectation
	Rcode   layers.DNSResponseCode
	Answers []net.IP
	Pass    bool
	Err     error
}

func (r Result) String() string {
	status := "ok"
	if !r.Pass {
		status = "FAIL"
	}
	want := "NXDOMAIN"
	if r.Want != nil {
		want = r.Want.String()
	}
	got := r.Rcode.String()
	if r.Err != nil {
		got = r.Err.Error()
	} else if len(r.Answers) > 0 {
		got = fmt.Sprintf("%s %v", r.Rcode, r.Answers)
	}
	return fmt.Sprintf("[%s] %s: want %s, got %s", status, r.Host, want, got)
}

// Expectations lists every allowlisted host at its proxy IP plus blocked names.
func Expectations(a *allowlist.Allowlist, blocked []string) []Expectation {
	var out []Expectation
	for _, host := range a.Hosts() {
		ip, err := a.Resolve(host)
		if err != nil {
			continue
		}
		out = append(out, Expectation{Host: host, Want: net.ParseIP(ip)})
	}
	for _, host := range blocked {
		if _, err := a.Resolve(host); err == nil {
			continue
		}
		out = append(out, Expectation{Host: host})
	}
	return out
}

// Prober sends queries to Server ("10.100.1.2:53").
type Prober struct {
	Server  string
	Timeout time.Duration
}

// Check runs every expectation sequentially.
func (p *Prober) Check(ctx context.Context, exps []Expectation) []Result {
	results := make([]Result, 0, len(exps))
	for _, e := range exps {
		r := Result{Expectation: e}
		r.Rcode, r.Answers, r.Err = p.Query(ctx, e.Host)
		r.Pass = r.Err == nil && matches(e, r.Rcode, r.Answers)
		results = append(results, r)
	}
	return results
}

func matches(e Expectation, rcode layers.DNSResponseCode, answers []net.IP) bool {
	if e.Want == nil {
		return rcode == layers.DNSResponseCodeNXDomain
	}
	if rcode != layers.DNSResponseCodeNoErr {
		return false
	}
	for _, ip := range answers {
		if ip.Equal(e.Want) {
			return true
		}
	}
	return false
}

// Query sends one A query and returns the response code and A records.
func (p *Prober) Query(ctx context.Context, host string) (layers.DNSResponseCode, []net.IP, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := uint16(rand.N(1 << 16))
	query, err := BuildQuery(id, host)
	if err != nil {
		return 0, nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", p.Server)
	if err != nil {
		return 0, nil, fmt.Errorf("dial %s: %w", p.Server, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(query); err != nil {
		return 0, nil, fmt.Errorf("send query: %w", err)
	}

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return 0, nil, fmt.Errorf("no answer from %s within %s", p.Server, timeout)
			}
			return 0, nil, fmt.Errorf("read answer: %w", err)
		}
		rcode, ips, err := ParseResponse(id, buf[:n])
		if errors.Is(err, errOtherID) {
			continue
		}
		return rcode, ips, err
	}
}

var errOtherID = errors.New("response for another query")

// BuildQuery encodes a recursive A query for host.
func BuildQuery(id uint16, host string) ([]byte, error) {
	dns := &layers.DNS{
		ID:     id,
		RD:     true,
		OpCode: layers.DNSOpCodeQuery,
		Questions: []layers.DNSQuestion{{
			Name:  []byte(host),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, dns); err != nil {
		return nil, fmt.Errorf("encode query for %s: %w", host, err)
	}
	return buf.Bytes(), nil
}

// ParseResponse decodes a response to query id.
func ParseResponse(id uint16, data []byte) (layers.DNSResponseCode, []net.IP, error) {
	var dns layers.DNS
	if err := dns.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return 0, nil, fmt.Errorf("decode answer: %w", err)
	}
	if dns.ID != id {
		return 0, nil, errOtherID
	}
	if !dns.QR {
		return 0, nil, fmt.Errorf("decode answer: packet is a query")
	}
	var ips []net.IP
	for _, rr := range dns.Answers {
		if rr.Type == layers.DNSTypeA && rr.IP != nil {
			ips = append(ips, rr.IP)
		}
	}
	return dns.ResponseCode, ips, nil
}
