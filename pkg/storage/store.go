// Package storage persists the durable relations from spec §6.4: projects,
// scheduled tasks, task executions, nodes, node-project sync records and
// install keys. The database is the source of truth for all of these; the
// cache package layers a TTL fast-path on top where spec §5 calls for one.
package storage

import (
	"github.com/antcode/antcode/pkg/types"
)

// Store is the persistence interface implemented by BoltStore. Splitting it
// out as an interface keeps pkg/scheduler, pkg/registry etc. testable
// against an in-memory fake without a real bbolt file.
type Store interface {
	CreateProject(p *types.Project) error
	GetProject(publicID string) (*types.Project, error)
	GetProjectByID(id int64) (*types.Project, error)
	ListProjects() ([]*types.Project, error)
	UpdateProject(p *types.Project) error
	DeleteProject(publicID string) error

	CreateTask(t *types.ScheduledTask) error
	GetTask(publicID string) (*types.ScheduledTask, error)
	GetTaskByID(id int64) (*types.ScheduledTask, error)
	ListTasks() ([]*types.ScheduledTask, error)
	ListActiveTasks() ([]*types.ScheduledTask, error)
	UpdateTask(t *types.ScheduledTask) error
	DeleteTask(publicID string) error

	CreateExecution(e *types.TaskExecution) error
	GetExecution(executionID string) (*types.TaskExecution, error)
	ListExecutionsByTask(taskID int64) ([]*types.TaskExecution, error)
	ListExecutionsByState(state types.ExecutionState) ([]*types.TaskExecution, error)
	UpdateExecution(e *types.TaskExecution) error

	CreateNode(n *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(n *types.Node) error
	DeleteNode(id string) error

	UpsertNodeProject(np *types.NodeProject) error
	GetNodeProject(nodeID string, projectID int64) (*types.NodeProject, error)
	ListNodeProjectFiles(nodeID string, projectID int64) ([]*types.NodeProjectFile, error)
	PutNodeProjectFiles(nodeID string, projectID int64, files []*types.NodeProjectFile) error

	CreateInstallKey(k *types.InstallKey) error
	GetInstallKey(key string) (*types.InstallKey, error)
	UpdateInstallKey(k *types.InstallKey) error

	Close() error
}
