// Package domain defines the entity types backing the orchestrator core
// (spec §3). Repositories (package repository) populate these from the
// embedded store; services operate on them without ever touching SQL
// directly.
package domain

// WorkflowStatus is the lifecycle state of a Workflow (spec §3).
type WorkflowStatus string

const (
	WorkflowPlanning      WorkflowStatus = "planning"
	WorkflowReady         WorkflowStatus = "ready"
	WorkflowInProgress    WorkflowStatus = "in_progress"
	WorkflowPaused        WorkflowStatus = "paused"
	WorkflowCompleted     WorkflowStatus = "completed"
	WorkflowFailed        WorkflowStatus = "failed"
	WorkflowAbandoned     WorkflowStatus = "abandoned"
	WorkflowAwaitingMerge WorkflowStatus = "awaiting_merge"
)

// SourceType identifies how a Workflow's plan originated.
type SourceType string

const (
	SourcePrompt   SourceType = "prompt"
	SourceIssue    SourceType = "issue"
	SourceTemplate SourceType = "template"
	SourceManual   SourceType = "manual"
)

// Workflow is a user-level unit of work producing a plan and task graph.
type Workflow struct {
	ID                   string
	Name                 string
	SourceType           SourceType
	SourceRef            string
	SourceContent        string
	Status               WorkflowStatus
	InitialPlan          string
	PlanSummary          string
	MaxParallelTasks     int
	AutoCreateWorkspaces bool
	Config               map[string]any
	LockedBySessionID    string
	LockedAt             int64
	CreatedAt            int64
	UpdatedAt            int64
}

// TaskStatus is the lifecycle state of a Task (spec §3).
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskBlocked    TaskStatus = "blocked" // advisory; derived, never stored
	TaskPlanning   TaskStatus = "planning"
	TaskInProgress TaskStatus = "in_progress"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// Task is a single unit of work assignable to one agent.
type Task struct {
	ID              string
	WorkflowID      string
	Name            string
	Description     string
	Status          TaskStatus
	Sequence        int
	ParallelGroup   string
	Plan            string
	PlanSummary     string
	Context         map[string]any
	ContextFrom     []string
	Outcome         string
	OutcomeDetail   string
	WorkspaceID     string
	RepositoryID    string
	AssignedAgentID string
	ClaimedAt       int64
	CreatedAt       int64
	UpdatedAt       int64
}

// DependencyType determines whether an edge gates readiness.
type DependencyType string

const (
	DependencyBlocks  DependencyType = "blocks"
	DependencyInforms DependencyType = "informs"
)

// TaskDependency is an edge in the task dependency graph.
type TaskDependency struct {
	TaskID         string
	DependsOnID    string
	DependencyType DependencyType
}

// CheckpointType classifies an append-only progress record.
type CheckpointType string

const (
	CheckpointPlan     CheckpointType = "plan"
	CheckpointReplan   CheckpointType = "replan"
	CheckpointProgress CheckpointType = "progress"
	CheckpointDecision CheckpointType = "decision"
	CheckpointError    CheckpointType = "error"
	CheckpointRecovery CheckpointType = "recovery"
	CheckpointComplete CheckpointType = "complete"
)

// Checkpoint is an append-only, typed progress record attached to a task.
type Checkpoint struct {
	ID            string
	TaskID        string
	Sequence      int
	CheckpointType CheckpointType
	Summary       string
	Detail        map[string]any
	FilesChanged  []string
	CreatedAt     int64
}

// WorkspaceStatus tracks the lifecycle of an on-disk worktree.
type WorkspaceStatus string

const (
	WorkspaceActive    WorkspaceStatus = "active"
	WorkspaceMerged    WorkspaceStatus = "merged"
	WorkspaceAbandoned WorkspaceStatus = "abandoned"
)

// Workspace is an isolated on-disk worktree a task (or several) mutates.
type Workspace struct {
	ID           string
	WorkflowID   string
	RepositoryID string
	Path         string
	Branch       string
	BaseBranch   string
	Status       WorkspaceStatus
	MergeCommit  string
	PRURL        string
	Config       map[string]any
	CreatedAt    int64
	UpdatedAt    int64
}

// AgentRole distinguishes the coordinator from worker agents.
type AgentRole string

const (
	RoleCoordinator AgentRole = "coordinator"
	RoleWorker      AgentRole = "worker"
)

// AgentStatus is the liveness/availability state of an Agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Agent is an external worker process supervised by the runner pool.
type Agent struct {
	ID              string
	WorkflowID      string
	Name            string
	Runtime         string
	Role            AgentRole
	Status          AgentStatus
	Capabilities    map[string]any
	CurrentTaskID   string
	WorkspacePath   string
	LastHeartbeat   int64
	Metadata        map[string]any
	CreatedAt       int64
	UpdatedAt       int64
}

// MessageType classifies a Message's intent.
type MessageType string

const (
	MessageTaskAssignment MessageType = "task_assignment"
	MessageStatusUpdate   MessageType = "status_update"
	MessageQuery          MessageType = "query"
	MessageResponse       MessageType = "response"
	MessageBroadcast      MessageType = "broadcast"
)

// MessagePriority orders delivery/attention, highest last.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// MessageStatus tracks a Message's read lifecycle.
type MessageStatus string

const (
	MessageUnread   MessageStatus = "unread"
	MessageRead     MessageStatus = "read"
	MessageArchived MessageStatus = "archived"
)

// Message is one entry in the inter-agent message bus (C9).
type Message struct {
	ID          string
	SenderID    string // empty = system
	RecipientID string
	MessageType MessageType
	Subject     string
	Body        string
	Priority    MessagePriority
	Status      MessageStatus
	WorkflowID  string
	TaskID      string
	ReplyToID   string
	ThreadID    string
	CreatedAt   int64
	ReadAt      int64
	ExpiresAt   int64
}

// Session is one instance of the host process (C8).
type Session struct {
	ID            string
	PID           int
	StartedAt     int64
	LastHeartbeat int64
	IsDaemon      bool
	Metadata      map[string]any
}

// MemoryType classifies a learning record.
type MemoryType string

const (
	MemoryPattern  MemoryType = "pattern"
	MemoryPitfall  MemoryType = "pitfall"
	MemoryDecision MemoryType = "decision"
	MemoryLearning MemoryType = "learning"
)

// Memory is a topic-keyed learning record with confidence that decays over
// time and is reinforced on repeated observation (C12).
type Memory struct {
	ID                string
	RepositoryID      string
	Topic             string
	MemoryType        MemoryType
	Content           string
	Confidence        float64
	ReinforcementCount int
	LastReinforcedAt  int64
	DecayRate         float64
	Metadata          map[string]any
	CreatedAt         int64
	UpdatedAt         int64
}

// Template is a named, reusable plan shape.
type Template struct {
	ID          string
	Name        string
	Description string
	Template    map[string]any
	CreatedAt   int64
	UpdatedAt   int64
}

// Repository identifies a source tree on disk (spec §3's "Repository").
type Repository struct {
	ID        string
	Path      string
	Name      string
	CreatedAt int64
	UpdatedAt int64
}
