package docker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    []Command
	outputs  map[string][]byte
	failures map[string]error
}

func (f *fakeRunner) Run(_ context.Context, c Command) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	key := strings.Join(c.Args, " ")
	for prefix, err := range f.failures {
		if strings.Contains(key, prefix) {
			return f.outputs[prefix], err
		}
	}
	for prefix, out := range f.outputs {
		if strings.Contains(key, prefix) {
			return out, nil
		}
	}
	return nil, nil
}

func (f *fakeRunner) argv() []string {
	var out []string
	for _, c := range f.calls {
		out = append(out, strings.Join(c.Args, " "))
	}
	return out
}

func TestStack_UpStartsBaseFirst(t *testing.T) {
	runner := &fakeRunner{}
	s := &Stack{
		ProjectName: "sapphire-bee-sandbox",
		Files:       []string{"/r/compose.base.yml", "/r/compose.direct.yml"},
		Env:         []string{"PROJECT_PATH=/src"},
		Runner:      runner,
	}

	require.NoError(t, s.Up(context.Background()))
	assert.Equal(t, []string{
		"compose -p sapphire-bee-sandbox -f /r/compose.base.yml up -d",
		"compose -p sapphire-bee-sandbox -f /r/compose.base.yml -f /r/compose.direct.yml up -d",
	}, runner.argv())
	assert.Equal(t, []string{"PROJECT_PATH=/src"}, runner.calls[1].Env)
}

func TestStack_UpSingleFile(t *testing.T) {
	runner := &fakeRunner{}
	s := &Stack{ProjectName: "sapphire-bee-offline", Files: []string{"/r/compose.offline.yml"}, Runner: runner}

	require.NoError(t, s.Up(context.Background()))
	assert.Equal(t, []string{"compose -p sapphire-bee-offline -f /r/compose.offline.yml up -d"}, runner.argv())
}

func TestStack_UpBaseFailureStops(t *testing.T) {
	runner := &fakeRunner{failures: map[string]error{"compose.base.yml up": errors.New("exit status 1")}}
	s := &Stack{Files: []string{"/r/compose.base.yml", "/r/compose.staging.yml"}, Runner: runner}

	err := s.Up(context.Background())
	assert.ErrorContains(t, err, "base compose up failed")
	assert.Len(t, runner.calls, 1)
}

func TestStack_Down(t *testing.T) {
	runner := &fakeRunner{}
	s := &Stack{ProjectName: "p", Files: []string{"a.yml"}, Runner: runner}
	require.NoError(t, s.Down(context.Background()))
	assert.Equal(t, []string{"compose -p p -f a.yml down -v --remove-orphans"}, runner.argv())

	runner = &fakeRunner{
		outputs:  map[string][]byte{"down": []byte("Error: No such container: agent")},
		failures: map[string]error{"down": errors.New("exit status 1")},
	}
	s.Runner = runner
	assert.NoError(t, s.Down(context.Background()), "not running is not an error")

	runner.outputs["down"] = []byte("permission denied")
	assert.Error(t, s.Down(context.Background()))
}

func TestStack_ExecArgs(t *testing.T) {
	s := &Stack{ProjectName: "p", Files: []string{"a.yml", "b.yml"}}
	assert.Equal(t,
		[]string{"compose", "-p", "p", "-f", "a.yml", "-f", "b.yml", "exec", "-T", "agent", "claude", "--version"},
		s.ExecArgs("agent", "claude", "--version"))
}

func TestParsePS(t *testing.T) {
	lines := `{"Name":"dnsfilter","Service":"dnsfilter","State":"running","Status":"Up 2 minutes"}
{"Name":"agent","Service":"agent","State":"exited","Status":"Exited (1)"}`
	rows, err := parsePS([]byte(lines))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "exited", rows[1].State)

	rows, err = parsePS([]byte(`[{"Name":"agent","Service":"agent","State":"running"}]`))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = parsePS(nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestClient_Inspect(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{"inspect": []byte(`[{
		"Name": "/agent",
		"State": {"Status": "running", "Running": true},
		"HostConfig": {"ReadonlyRootfs": true, "CapDrop": ["ALL"], "PidsLimit": 256, "Memory": 2147483648},
		"NetworkSettings": {"Networks": {"sandbox_net": {"IPAddress": "10.100.1.100"}}}
	}]`)}}
	c := &Client{Runner: runner}

	info, err := c.Inspect(context.Background(), "agent")
	require.NoError(t, err)
	assert.Equal(t, "agent", info.Name)
	assert.True(t, info.HostConfig.ReadonlyRootfs)
	require.NotNil(t, info.HostConfig.PidsLimit)
	assert.EqualValues(t, 256, *info.HostConfig.PidsLimit)
	assert.Equal(t, "10.100.1.100", info.NetworkSettings.Networks["sandbox_net"].IPAddress)
	assert.True(t, c.IsRunning(context.Background(), "agent"))
}

func TestClient_CheckDockerRunning(t *testing.T) {
	c := &Client{Runner: &fakeRunner{failures: map[string]error{"info": errors.New("exit status 1")}}}
	assert.Error(t, c.CheckDockerRunning(context.Background()))
	assert.False(t, c.IsRunning(context.Background(), "agent"))

	c = &Client{Runner: &fakeRunner{}}
	assert.NoError(t, c.CheckDockerRunning(context.Background()))
	assert.True(t, c.ImageExists(context.Background(), "sapphire-bee-agent:latest"))
}
