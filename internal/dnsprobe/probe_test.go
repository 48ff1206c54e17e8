package dnsprobe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeanhaley32/sapphire-bee/internal/allowlist"
)

// startResponder answers A queries from records and NXDOMAIN otherwise.
func startResponder(t *testing.T, records map[string]net.IP) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			var q layers.DNS
			if err := q.DecodeFromBytes(buf[:n], gopacket.NilDecodeFeedback); err != nil || len(q.Questions) == 0 {
				continue
			}
			question := q.Questions[0]
			resp := &layers.DNS{
				ID:        q.ID,
				QR:        true,
				RD:        q.RD,
				OpCode:    layers.DNSOpCodeQuery,
				Questions: []layers.DNSQuestion{question},
			}
			if ip, ok := records[string(question.Name)]; ok {
				resp.ResponseCode = layers.DNSResponseCodeNoErr
				resp.Answers = []layers.DNSResourceRecord{{
					Name:  question.Name,
					Type:  layers.DNSTypeA,
					Class: layers.DNSClassIN,
					TTL:   60,
					IP:    ip,
				}}
			} else {
				resp.ResponseCode = layers.DNSResponseCodeNXDomain
			}
			out := gopacket.NewSerializeBuffer()
			if err := gopacket.SerializeLayers(out, gopacket.SerializeOptions{FixLengths: true}, resp); err != nil {
				continue
			}
			_, _ = pc.WriteTo(out.Bytes(), addr)
		}
	}()
	return pc.LocalAddr().String()
}

func TestBuildAndParse(t *testing.T) {
	q, err := BuildQuery(0x1234, "github.com")
	require.NoError(t, err)

	var decoded layers.DNS
	require.NoError(t, decoded.DecodeFromBytes(q, gopacket.NilDecodeFeedback))
	assert.Equal(t, uint16(0x1234), decoded.ID)
	assert.False(t, decoded.QR)
	require.Len(t, decoded.Questions, 1)
	assert.Equal(t, "github.com", string(decoded.Questions[0].Name))
	assert.Equal(t, layers.DNSTypeA, decoded.Questions[0].Type)

	_, _, err = ParseResponse(0x1234, q)
	assert.Error(t, err)
	_, _, err = ParseResponse(0x9999, q)
	assert.ErrorIs(t, err, errOtherID)
	_, _, err = ParseResponse(1, []byte{0x01})
	assert.Error(t, err)
}

func TestExpectations(t *testing.T) {
	a, err := allowlist.Default()
	require.NoError(t, err)

	exps := Expectations(a, []string{"google.com", "github.com"})
	require.Len(t, exps, len(a.Hosts())+1)
	last := exps[len(exps)-1]
	assert.Equal(t, "google.com", last.Host)
	assert.Nil(t, last.Want)

	for _, e := range exps[:len(exps)-1] {
		ip, err := a.Resolve(e.Host)
		require.NoError(t, err)
		assert.Equal(t, ip, e.Want.String())
	}
}

func TestProber_Check(t *testing.T) {
	addr := startResponder(t, map[string]net.IP{
		"github.com":        net.ParseIP("10.100.1.10").To4(),
		"api.anthropic.com": net.ParseIP("8.8.8.8").To4(),
	})
	p := &Prober{Server: addr, Timeout: 2 * time.Second}

	results := p.Check(context.Background(), []Expectation{
		{Host: "github.com", Want: net.ParseIP("10.100.1.10")},
		{Host: "api.anthropic.com", Want: net.ParseIP("10.100.1.14")},
		{Host: "google.com"},
		{Host: "github.com"},
	})
	require.Len(t, results, 4)

	assert.True(t, results[0].Pass, results[0].String())
	assert.Equal(t, layers.DNSResponseCodeNoErr, results[0].Rcode)

	assert.False(t, results[1].Pass)
	assert.Contains(t, results[1].String(), "[FAIL] api.anthropic.com: want 10.100.1.14")

	assert.True(t, results[2].Pass, results[2].String())
	assert.Equal(t, layers.DNSResponseCodeNXDomain, results[2].Rcode)

	assert.False(t, results[3].Pass, "allowlisted name must not count as blocked")
}

func TestProber_Timeout(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	p := &Prober{Server: pc.LocalAddr().String(), Timeout: 100 * time.Millisecond}
	_, _, err = p.Query(context.Background(), "github.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no answer")
}
