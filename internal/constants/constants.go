package constants

import "os"

// Network topology constants
const (
	// SandboxNet is the internal-only network the agent lives on.
	SandboxNet = "sandbox_net"

	// EgressNet is the internet-facing network only proxies join.
	EgressNet = "egress_net"

	// DefaultDNSIP is the address of the CoreDNS allowlist filter.
	DefaultDNSIP = "10.100.1.2"
)

// Docker-related constants
const (
	// DefaultImageName is the default agent image name.
	DefaultImageName = "sapphire-bee-agent:latest"

	// DefaultProjectName is the compose project name used when none can be derived.
	DefaultProjectName = "sapphire-bee"

	// AgentService is the compose service name of the agent container.
	AgentService = "agent"

	// DNSService is the compose service name of the CoreDNS filter.
	DNSService = "dnsfilter"

	// CoreDNSImage is the image used for the DNS filter.
	CoreDNSImage = "coredns/coredns:1.11.1"

	// NginxImage is the image used for the per-upstream proxies.
	NginxImage = "nginx:1.27-alpine"

	// ProjectMount is where the project directory is mounted inside the agent.
	ProjectMount = "/project"

	// AgentUser is the non-root user the agent runs as.
	AgentUser = "1000:1000"

	// AgentHome is the agent user's home directory inside the container.
	AgentHome = "/home/claude"
)

// Resource limit defaults
const (
	DefaultMemory    = "2g"
	DefaultCPUs      = 2.0
	DefaultPidsLimit = 256

	// Upper bounds enforced by the hardening audit.
	MaxMemoryBytes = 4 * 1024 * 1024 * 1024
	MaxCPUs        = 4.0
	MaxPidsLimit   = 1000
)

// Queue directory names
const (
	QueueDir      = "queue"
	ProcessingDir = "processing"
	CompletedDir  = "completed"
	FailedDir     = "failed"
	ResultsDir    = "results"
)

// State directory layout
const (
	// StateDirName is the per-project directory holding rendered config, logs and history.
	StateDirName = ".bee"

	// RenderedSubdir holds generated Corefile, hosts and nginx configs.
	RenderedSubdir = "rendered"

	// LogsSubdir holds bee's own JSON logs.
	LogsSubdir = "logs"

	// HistoryDBFile is the SQLite run history file name.
	HistoryDBFile = "history.db"
)

// GitHub issue labels used by pool mode
const (
	LabelReady      = "agent-ready"
	LabelInProgress = "in-progress"
	LabelComplete   = "agent-complete"
	LabelFailed     = "agent-failed"
)

// File permissions
const (
	// DirPermissions is the default permission mode for directories.
	DirPermissions os.FileMode = 0755

	// FilePermissions is the default permission mode for sensitive files.
	FilePermissions os.FileMode = 0600

	// PublicFilePermissions is for non-sensitive rendered files.
	PublicFilePermissions os.FileMode = 0644
)
