package compose

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/jeanhaley32/sapphire-bee/internal/allowlist"
	"github.com/jeanhaley32/sapphire-bee/internal/constants"
	"github.com/jeanhaley32/sapphire-bee/internal/fsutil"
)

const (
	BaseFile    = "compose.base.yml"
	DirectFile  = "compose.direct.yml"
	StagingFile = "compose.staging.yml"
	OfflineFile = "compose.offline.yml"

	// SandboxProject is the compose project shared by the base and agent files.
	SandboxProject = "sapphire-bee-sandbox"
	OfflineProject = "sapphire-bee-offline"

	// OfflineContainer is the agent container name in offline mode.
	OfflineContainer = "agent_offline"

	// GitHubKeyMount is where the GitHub App private key appears inside the agent.
	GitHubKeyMount = "/run/secrets/github-app.pem"
)

// ModeEnv tells the in-container entrypoint which mode it runs in.
const ModeEnv = "BEE_MODE"

// Mode selects which project directory the agent sees and whether it has a network.
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeStaging Mode = "staging"
	ModeOffline Mode = "offline"
)

// ParseMode validates a --mode value.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDirect, ModeStaging, ModeOffline:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want direct, staging or offline)", s)
	}
}

// Files lists the compose files for the mode, base first.
func (m Mode) Files() []string {
	switch m {
	case ModeStaging:
		return []string{BaseFile, StagingFile}
	case ModeOffline:
		return []string{OfflineFile}
	default:
		return []string{BaseFile, DirectFile}
	}
}

// Project is the compose project name the mode's files declare.
func (m Mode) Project() string {
	if m == ModeOffline {
		return OfflineProject
	}
	return SandboxProject
}

// AgentContainer is the agent's container name in this mode.
func (m Mode) AgentContainer() string {
	if m == ModeOffline {
		return OfflineContainer
	}
	return constants.AgentService
}

// Options carries everything the renderer needs from config.
type Options struct {
	Allowlist   *allowlist.Allowlist
	RenderedDir string
	Image       string
	ProjectPath string
	StagingPath string
	Memory      string
	CPUs        float64
	PidsLimit   int

	// GitHubKeyPath is the host path of the GitHub App key, mounted read-only when set.
	GitHubKeyPath string
}

func (o Options) withDefaults() Options {
	if o.Image == "" {
		o.Image = constants.DefaultImageName
	}
	if o.Memory == "" {
		o.Memory = constants.DefaultMemory
	}
	if o.CPUs == 0 {
		o.CPUs = constants.DefaultCPUs
	}
	if o.PidsLimit == 0 {
		o.PidsLimit = constants.DefaultPidsLimit
	}
	return o
}

// RenderAll builds every compose file keyed by file name.
func RenderAll(opts Options) (map[string]*File, error) {
	if opts.Allowlist == nil {
		return nil, fmt.Errorf("allowlist is required")
	}
	if opts.RenderedDir == "" {
		return nil, fmt.Errorf("rendered config directory is required")
	}
	opts = opts.withDefaults()

	files := map[string]*File{
		BaseFile:    renderBase(opts),
		OfflineFile: renderOffline(opts),
	}
	if opts.ProjectPath != "" {
		files[DirectFile] = renderSandboxAgent(opts, ModeDirect, opts.ProjectPath)
	}
	if opts.StagingPath != "" {
		files[StagingFile] = renderSandboxAgent(opts, ModeStaging, opts.StagingPath)
	}
	return files, nil
}

// WriteAll renders and writes every compose file into dir, returning the paths in name order.
func WriteAll(dir string, opts Options) ([]string, error) {
	files, err := RenderAll(opts)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var written []string
	for _, name := range names {
		data, err := Marshal(files[name])
		if err != nil {
			return written, fmt.Errorf("%s: %w", name, err)
		}
		path := filepath.Join(dir, name)
		if err := fsutil.WriteFileAtomic(path, data, constants.PublicFilePermissions); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func renderBase(opts Options) *File {
	a := opts.Allowlist
	services := map[string]*Service{
		constants.DNSService: {
			Image:         constants.CoreDNSImage,
			ContainerName: constants.DNSService,
			Command:       []string{"-conf", allowlist.CoreDNSConfDir + "/" + allowlist.CorefileName},
			Volumes:       []string{opts.RenderedDir + ":" + allowlist.CoreDNSConfDir + ":ro"},
			Networks: map[string]*ServiceNetwork{
				constants.SandboxNet: {IPv4Address: a.Network.DNSIP},
			},
			ReadOnly:    true,
			CapDrop:     []string{"ALL"},
			CapAdd:      []string{"NET_BIND_SERVICE"},
			SecurityOpt: []string{"no-new-privileges:true"},
			Restart:     "unless-stopped",
		},
	}

	for _, u := range a.Upstreams {
		services[u.ServiceName()] = &Service{
			Image:         constants.NginxImage,
			ContainerName: u.ServiceName(),
			Volumes:       []string{allowlist.NginxConfPath(opts.RenderedDir, u) + ":/etc/nginx/nginx.conf:ro"},
			Tmpfs:         []string{"/var/cache/nginx:size=16m", "/tmp:size=16m"},
			Networks: map[string]*ServiceNetwork{
				constants.SandboxNet: {IPv4Address: u.IP},
				constants.EgressNet:  {},
			},
			ReadOnly:    true,
			CapDrop:     []string{"ALL"},
			CapAdd:      []string{"NET_BIND_SERVICE", "SETUID", "SETGID", "CHOWN"},
			SecurityOpt: []string{"no-new-privileges:true"},
			Restart:     "unless-stopped",
		}
	}

	return &File{
		Name:     SandboxProject,
		Services: services,
		Networks: map[string]*Network{
			constants.SandboxNet: {
				Name:     constants.SandboxNet,
				Driver:   "bridge",
				Internal: true,
				IPAM:     &IPAM{Config: []IPAMConfig{{Subnet: a.Network.Subnet}}},
			},
			constants.EgressNet: {
				Name:   constants.EgressNet,
				Driver: "bridge",
			},
		},
	}
}

// renderSandboxAgent builds the agent file for the direct and staging modes. It
// relies on the networks declared by the base file.
func renderSandboxAgent(opts Options, mode Mode, projectDir string) *File {
	a := opts.Allowlist
	agent := hardenedAgent(opts, mode, projectDir)
	agent.ContainerName = constants.AgentService
	agent.Hostname = constants.AgentService
	agent.Networks = map[string]*ServiceNetwork{
		constants.SandboxNet: {IPv4Address: a.Network.AgentIP},
	}
	agent.DNS = []string{a.Network.DNSIP}

	deps := []string{constants.DNSService}
	for _, u := range a.Upstreams {
		deps = append(deps, u.ServiceName())
	}
	agent.DependsOn = deps

	return &File{
		Name:     SandboxProject,
		Services: map[string]*Service{constants.AgentService: agent},
	}
}

func renderOffline(opts Options) *File {
	projectDir := opts.ProjectPath
	if projectDir == "" {
		projectDir = "${PROJECT_PATH:?PROJECT_PATH is required}"
	}
	agent := hardenedAgent(opts, ModeOffline, projectDir)
	agent.ContainerName = OfflineContainer
	agent.Hostname = OfflineContainer
	agent.NetworkMode = "none"

	return &File{
		Name:     OfflineProject,
		Services: map[string]*Service{constants.AgentService: agent},
	}
}

// hardenedAgent is the agent service with every hardening rule Audit checks.
// Secrets are passed by reference so they never land in rendered files.
func hardenedAgent(opts Options, mode Mode, projectDir string) *Service {
	env := map[string]string{
		ModeEnv:                      string(mode),
		"ANTHROPIC_API_KEY":          "${ANTHROPIC_API_KEY:-}",
		"GITHUB_TOKEN":               "${GITHUB_TOKEN:-}",
		"GITHUB_APP_ID":              "${GITHUB_APP_ID:-}",
		"GITHUB_APP_INSTALLATION_ID": "${GITHUB_APP_INSTALLATION_ID:-}",
		"HOME":                       constants.AgentHome,
	}
	volumes := []string{projectDir + ":" + constants.ProjectMount}
	if opts.GitHubKeyPath != "" {
		env["GITHUB_APP_PRIVATE_KEY_PATH"] = GitHubKeyMount
		volumes = append(volumes, opts.GitHubKeyPath+":"+GitHubKeyMount+":ro")
	}

	return &Service{
		Image:       opts.Image,
		User:        constants.AgentUser,
		WorkingDir:  constants.ProjectMount,
		Entrypoint:  []string{"bee", "entrypoint", "--"},
		Command:     []string{"sleep", "infinity"},
		Environment: env,
		Volumes:     volumes,
		Tmpfs: []string{
			"/tmp:size=100m,mode=1777",
			constants.AgentHome + ":size=512m,uid=1000,gid=1000",
		},
		ReadOnly:    true,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		PidsLimit:   opts.PidsLimit,
		MemLimit:    opts.Memory,
		CPUs:        opts.CPUs,
		StdinOpen:   true,
		Tty:         true,
	}
}
