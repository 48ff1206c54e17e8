package state

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jeanhaley32/sapphire-bee/internal/allowlist"
	"github.com/jeanhaley32/sapphire-bee/internal/constants"
	"github.com/jeanhaley32/sapphire-bee/internal/docker"
	"github.com/jeanhaley32/sapphire-bee/internal/queue"
)

// ServiceState is one expected container of the stack.
type ServiceState struct {
	Service   string
	Container string
	State     string // running, exited, ... or "not created"
	Status    string
}

func (s ServiceState) Running() bool {
	return s.State == "running"
}

// StackState represents the current state of the sandbox.
type StackState struct {
	Services []ServiceState
	Queue    queue.Snapshot
	QueueErr error
	Extra    []ServiceState
}

// AgentRunning reports whether the agent container is up.
func (s *StackState) AgentRunning() bool {
	for _, svc := range s.Services {
		if svc.Service == constants.AgentService {
			return svc.Running()
		}
	}
	return false
}

// Lister lists the containers of a compose project.
type Lister interface {
	PS(ctx context.Context) ([]docker.ServiceStatus, error)
}

// Detector checks the state of the stack.
type Detector struct {
	stack     Lister
	allowlist *allowlist.Allowlist
	queue     queue.Layout
}

// NewDetector creates a new state detector.
func NewDetector(stack Lister, a *allowlist.Allowlist, q queue.Layout) *Detector {
	return &Detector{stack: stack, allowlist: a, queue: q}
}

// expected lists the services the base and agent files declare.
func (d *Detector) expected() []string {
	services := []string{constants.DNSService}
	for _, u := range d.allowlist.Upstreams {
		services = append(services, u.ServiceName())
	}
	return append(services, constants.AgentService)
}

// Detect checks containers and queue counts. Only a failing compose ps is an error.
func (d *Detector) Detect(ctx context.Context) (*StackState, error) {
	rows, err := d.stack.PS(ctx)
	if err != nil {
		return nil, err
	}

	byService := make(map[string]docker.ServiceStatus, len(rows))
	for _, r := range rows {
		byService[r.Service] = r
	}

	st := &StackState{}
	for _, name := range d.expected() {
		svc := ServiceState{Service: name, State: "not created"}
		if r, ok := byService[name]; ok {
			svc.Container = r.Name
			svc.State = strings.ToLower(r.State)
			svc.Status = r.Status
			delete(byService, name)
		}
		st.Services = append(st.Services, svc)
	}
	for _, r := range byService {
		st.Extra = append(st.Extra, ServiceState{Service: r.Service, Container: r.Name, State: strings.ToLower(r.State), Status: r.Status})
	}
	sort.Slice(st.Extra, func(i, j int) bool { return st.Extra[i].Service < st.Extra[j].Service })

	if d.queue.Root != "" {
		st.Queue, st.QueueErr = d.queue.List()
	}
	return st, nil
}

// Write prints the state the way `bee status` shows it.
func Write(w io.Writer, st *StackState) {
	fmt.Fprintln(w, "Sandbox Status")
	fmt.Fprintln(w, "==============")
	fmt.Fprintln(w)

	for _, svc := range append(append([]ServiceState(nil), st.Services...), st.Extra...) {
		line := fmt.Sprintf("%-22s %s", svc.Service+":", svc.State)
		if svc.Status != "" {
			line += " (" + svc.Status + ")"
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w)
	if st.QueueErr != nil {
		fmt.Fprintf(w, "Queue:     unavailable (%v)\n", st.QueueErr)
		return
	}
	fmt.Fprintf(w, "Queue:     %d queued, %d processing, %d completed, %d failed\n",
		len(st.Queue.Queued), len(st.Queue.Processing), len(st.Queue.Completed), len(st.Queue.Failed))

	if !st.AgentRunning() {
		fmt.Fprintln(w, "\nWarning: the agent container is not running. Start it with: bee up")
	}
}
