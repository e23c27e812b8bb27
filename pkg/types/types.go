// Package types holds the domain model shared across AntCode's master-side
// packages: projects, scheduled tasks, executions, nodes and the
// bookkeeping records that tie them together.
package types

import (
	"strconv"
	"time"
)

// ProjectType is the variant discriminator for a Project.
type ProjectType string

const (
	ProjectTypeRule ProjectType = "rule"
	ProjectTypeFile ProjectType = "file"
	ProjectTypeCode ProjectType = "code"
)

// ExecutionStrategy selects where a task's execution runs. See the resolver
// package for the precedence rules governing how this is chosen.
type ExecutionStrategy string

const (
	StrategyLocal       ExecutionStrategy = "local"
	StrategyFixedNode   ExecutionStrategy = "fixed_node"
	StrategySpecified   ExecutionStrategy = "specified"
	StrategyAutoSelect  ExecutionStrategy = "auto_select"
	StrategyPreferBound ExecutionStrategy = "prefer_bound"
)

// RuleEngine names a scrape engine a rule project can declare.
type RuleEngine string

const (
	RuleEngineHTTP    RuleEngine = "http"
	RuleEngineBrowser RuleEngine = "browser"
)

// RuleSpec is the declarative scrape spec for a ProjectTypeRule project.
type RuleSpec struct {
	Engine  RuleEngine        `json:"engine"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Script  string            `json:"script,omitempty"`
}

// Project is a deployable unit of work: a rule spec, a code string, or a
// file archive.
type Project struct {
	ID                int64             `json:"id"`
	PublicID          string            `json:"public_id"`
	OwnerID           int64             `json:"owner_id"`
	Name              string            `json:"name"`
	Type              ProjectType       `json:"type"`
	ContentHash       string            `json:"content_hash,omitempty"`
	EntryPoint        string            `json:"entry_point,omitempty"`
	BoundNodeID       string            `json:"bound_node_id,omitempty"`
	FallbackEnabled   bool              `json:"fallback_enabled"`
	ExecutionStrategy ExecutionStrategy `json:"execution_strategy,omitempty"`
	Rule              *RuleSpec         `json:"rule,omitempty"`
	CodeContent       string            `json:"code_content,omitempty"`
	ArchivePath       string            `json:"archive_path,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// UsesBrowserEngine reports whether a rule project requires render
// capability on the node that executes it.
func (p *Project) UsesBrowserEngine() bool {
	return p.Type == ProjectTypeRule && p.Rule != nil && p.Rule.Engine == RuleEngineBrowser
}

// ScheduleKind discriminates how a ScheduledTask is triggered.
type ScheduleKind string

const (
	ScheduleCron           ScheduleKind = "cron"
	ScheduleIntervalSecond ScheduleKind = "interval-seconds"
	ScheduleDate           ScheduleKind = "date"
	ScheduleOneShot        ScheduleKind = "one-shot"
)

// ScheduledTask is a recurring or one-shot schedule over a Project.
type ScheduledTask struct {
	ID                int64             `json:"id"`
	PublicID          string            `json:"public_id"`
	ProjectID         int64             `json:"project_id"`
	OwnerID           int64             `json:"owner_id"`
	Name              string            `json:"name"`
	ScheduleKind      ScheduleKind      `json:"schedule_kind"`
	ScheduleParam     string            `json:"schedule_param"`
	IsActive          bool              `json:"is_active"`
	Timeout           time.Duration     `json:"timeout"`
	MaxRetries        int               `json:"max_retries"`
	RetryDelay        time.Duration     `json:"retry_delay"`
	Priority          int               `json:"priority"` // 0 highest .. 4 lowest
	ExecutionParams   map[string]any    `json:"execution_params,omitempty"`
	EnvironmentVars   map[string]string `json:"environment_vars,omitempty"`
	SpecifiedNodeID   string            `json:"specified_node_id,omitempty"`
	LegacyNodeID      string            `json:"node_id,omitempty"`
	ExecutionStrategy ExecutionStrategy `json:"execution_strategy,omitempty"`
	FailureCount      int               `json:"failure_count"`
	LastRunTime       *time.Time        `json:"last_run_time,omitempty"`
	State             TaskRunState      `json:"state"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// TaskRunState tracks whether a task currently has an execution in flight;
// used by the scheduler's re-entry guard (spec §4.7 step 2).
type TaskRunState string

const (
	TaskIdle        TaskRunState = "idle"
	TaskDispatching TaskRunState = "dispatching"
	TaskQueued      TaskRunState = "queued"
	TaskRunning     TaskRunState = "running"
)

// InFlight reports whether a task's run state means a re-entrant firing
// should be skipped.
func (s TaskRunState) InFlight() bool {
	return s == TaskDispatching || s == TaskQueued || s == TaskRunning
}

// EffectiveNodeID resolves the legacy/new node-id slot per DESIGN.md's open
// question decision: the new field is canonical, the legacy one a fallback.
func (t *ScheduledTask) EffectiveNodeID() string {
	if t.SpecifiedNodeID != "" {
		return t.SpecifiedNodeID
	}
	return t.LegacyNodeID
}

// SetSpecifiedNodeID writes through both the canonical and legacy slots so
// readers of either field observe the same value.
func (t *ScheduledTask) SetSpecifiedNodeID(id string) {
	t.SpecifiedNodeID = id
	t.LegacyNodeID = id
}

// ExecutionState is the lifecycle state of one TaskExecution.
type ExecutionState string

const (
	ExecPending     ExecutionState = "pending"
	ExecDispatching ExecutionState = "dispatching"
	ExecQueued      ExecutionState = "queued"
	ExecRunning     ExecutionState = "running"
	ExecSuccess     ExecutionState = "success"
	ExecFailed      ExecutionState = "failed"
	ExecTimeout     ExecutionState = "timeout"
	ExecCancelled   ExecutionState = "cancelled"
)

// Terminal reports whether a state is a final outcome.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecSuccess, ExecFailed, ExecTimeout, ExecCancelled:
		return true
	default:
		return false
	}
}

// TaskExecution is one attempt of a ScheduledTask.
type TaskExecution struct {
	ExecutionID   string         `json:"execution_id"`
	TaskID        int64          `json:"task_id"`
	NodeID        string         `json:"node_id,omitempty"`
	State         ExecutionState `json:"state"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       *time.Time     `json:"end_time,omitempty"`
	Duration      time.Duration  `json:"duration"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	RetryCount    int            `json:"retry_count"`
	OutputLogPath string         `json:"output_log_path,omitempty"`
	ErrorLogPath  string         `json:"error_log_path,omitempty"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
	ResultData    map[string]any `json:"result_data,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// CheckpointFromResultData extracts the embedded checkpoint blob, if any.
func (e *TaskExecution) CheckpointFromResultData() (map[string]any, bool) {
	if e.ResultData == nil {
		return nil, false
	}
	cp, ok := e.ResultData["checkpoint"].(map[string]any)
	return cp, ok
}

// NodeStatus is the liveness state of a registered worker.
type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeOffline     NodeStatus = "offline"
	NodeMaintenance NodeStatus = "maintenance"
)

// NodeCapabilities declares optional abilities of a worker node.
type NodeCapabilities struct {
	BrowserRender bool `json:"browser_render"`
}

// NodeMetrics is the running resource/performance snapshot of a node.
type NodeMetrics struct {
	CPUPercent         float64 `json:"cpu_percent"`
	MemoryPercent      float64 `json:"memory_percent"`
	RunningTasks       int     `json:"running_tasks"`
	MaxConcurrentTasks int     `json:"max_concurrent_tasks"`
	LatencyMS          float64 `json:"latency_ms"`
	SuccessRate        float64 `json:"success_rate"` // percent, 0-100
}

// ResourceLimits lets an admin override default scheduling thresholds for a
// specific node.
type ResourceLimits struct {
	MaxCPUPercent    float64 `json:"max_cpu_percent,omitempty"`
	MaxMemoryPercent float64 `json:"max_memory_percent,omitempty"`
	MaxTasksRatio    float64 `json:"max_tasks_ratio,omitempty"`
}

// Node is a registered worker.
type Node struct {
	ID                  string           `json:"id"`
	Host                string           `json:"host"`
	Port                int              `json:"port"`
	Status              NodeStatus       `json:"status"`
	Region              string           `json:"region,omitempty"`
	Tags                []string         `json:"tags,omitempty"`
	Capabilities        NodeCapabilities `json:"capabilities"`
	Metrics             NodeMetrics      `json:"metrics"`
	LastHeartbeat       *time.Time       `json:"last_heartbeat,omitempty"`
	APIKey              string           `json:"api_key"`
	EncryptedHMACSecret []byte           `json:"encrypted_hmac_secret,omitempty"`
	ResourceLimits      ResourceLimits   `json:"resource_limits,omitempty"`
	MachineCode         string           `json:"machine_code,omitempty"`
	AllowedSource       string           `json:"allowed_source,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// HasTags reports whether the node carries every tag in required.
func (n *Node) HasTags(required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(n.Tags))
	for _, t := range n.Tags {
		set[t] = struct{}{}
	}
	for _, want := range required {
		if _, ok := set[want]; !ok {
			return false
		}
	}
	return true
}

// BaseURL is the HTTP origin used to reach the node.
func (n *Node) BaseURL() string {
	return "http://" + n.Host + ":" + strconv.Itoa(n.Port)
}

// TransferMethod names how a project's artifact reached a node.
type TransferMethod string

const (
	TransferCode        TransferMethod = "code"
	TransferOriginal    TransferMethod = "original"
	TransferIncremental TransferMethod = "incremental"
)

// NodeProjectStatus is the sync state of a NodeProject record.
type NodeProjectStatus string

const (
	NodeProjectSynced NodeProjectStatus = "synced"
	NodeProjectStale  NodeProjectStatus = "stale"
)

// NodeProject records "node N currently has project P at hash H via method M".
type NodeProject struct {
	NodeID          string            `json:"node_id"`
	ProjectID       int64             `json:"project_id"`
	ProjectPublicID string            `json:"project_public_id"`
	FileHash        string            `json:"file_hash"`
	TransferMethod  TransferMethod    `json:"transfer_method"`
	Status          NodeProjectStatus `json:"status"`
	FileSize        int64             `json:"file_size"`
	SyncCount       int               `json:"sync_count"`
	LastUsedAt      time.Time         `json:"last_used_at"`
	SyncedAt        time.Time         `json:"synced_at"`
}

// Key is the composite storage key for a NodeProject record.
func (np *NodeProject) Key() string {
	return np.NodeID + ":" + strconv.FormatInt(np.ProjectID, 10)
}

// NodeProjectFile is a per-file hash record used by incremental transfer.
type NodeProjectFile struct {
	NodeID    string `json:"node_id"`
	ProjectID int64  `json:"project_id"`
	Path      string `json:"path"`
	Hash      string `json:"hash"`
}

// QueuedTask is the in-queue envelope handed to a priority queue backend.
type QueuedTask struct {
	TaskID      string         `json:"task_id"`
	ProjectID   int64          `json:"project_id"`
	ProjectType ProjectType    `json:"project_type"`
	Priority    int            `json:"priority"`
	EnqueueTime time.Time      `json:"enqueue_time"`
	Data        map[string]any `json:"data"`
}

// CheckpointState is the lifecycle state of a Checkpoint.
type CheckpointState string

const (
	CheckpointPending      CheckpointState = "pending"
	CheckpointRunning      CheckpointState = "running"
	CheckpointCheckpointed CheckpointState = "checkpointed"
	CheckpointCompleted    CheckpointState = "completed"
	CheckpointFailed       CheckpointState = "failed"
	CheckpointRecovered    CheckpointState = "recovered"
)

// Checkpoint is a per-execution progress snapshot allowing resume.
type Checkpoint struct {
	ExecutionID      string          `json:"execution_id"`
	TaskID           int64           `json:"task_id"`
	TaskPublicID     string          `json:"task_public_id"`
	NodeID           string          `json:"node_id,omitempty"`
	State            CheckpointState `json:"state"`
	Progress         float64         `json:"progress"` // 0..1
	CheckpointData   map[string]any  `json:"checkpoint_data,omitempty"`
	LastLogOffset    int64           `json:"last_log_offset"`
	StartedAt        time.Time       `json:"started_at"`
	LastCheckpointAt time.Time       `json:"last_checkpoint_at"`
	RetryCount       int             `json:"retry_count"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}

// ClampProgress keeps Progress within [0,1].
func (c *Checkpoint) ClampProgress() {
	if c.Progress < 0 {
		c.Progress = 0
	}
	if c.Progress > 1 {
		c.Progress = 1
	}
}

// InstallKey is a one-shot token letting an unregistered worker obtain API
// credentials (spec §6.1, §9 "Install-key flow correctness").
type InstallKey struct {
	Key           string     `json:"key"`
	CreatedBy     int64      `json:"created_by"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	ClaimedNodeID string     `json:"claimed_node_id,omitempty"`
	AllowedSource string     `json:"allowed_source,omitempty"`
	FailureCount  int        `json:"failure_count"`
	BlockedUntil  *time.Time `json:"blocked_until,omitempty"`
}

// Claimed reports whether the key has already been bound to a source.
func (k *InstallKey) Claimed() bool {
	return k.ClaimedAt != nil
}
