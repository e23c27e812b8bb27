package storage

import (
	"encoding/json"
	"path/filepath"

	"github.com/antcode/antcode/pkg/apperr"
	"github.com/antcode/antcode/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketProjects        = []byte("projects")
	bucketTasks           = []byte("scheduled_tasks")
	bucketExecutions      = []byte("task_executions")
	bucketNodes           = []byte("nodes")
	bucketNodeProjects    = []byte("node_projects")
	bucketNodeProjectFile = []byte("node_project_files")
	bucketInstallKeys     = []byte("task_install_keys")
)

// BoltStore implements Store using bbolt, one bucket per relation.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "antcode.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "open database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketProjects, bucketTasks, bucketExecutions, bucketNodes,
			bucketNodeProjects, bucketNodeProjectFile, bucketInstallKeys,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindTransport, "create buckets", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func get(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return apperr.New(apperr.KindNotFound, key)
	}
	return json.Unmarshal(data, v)
}

// --- Projects ---

func (s *BoltStore) CreateProject(p *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketProjects, p.PublicID, p) })
}

func (s *BoltStore) GetProject(publicID string) (*types.Project, error) {
	var p types.Project
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketProjects, publicID, &p) })
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProjectByID scans bucketProjects for the project with the given
// numeric ID, mirroring GetTaskByID: the bucket is keyed by public ID, and
// this is reserved for the scheduler's per-firing project lookup rather
// than any hot request path.
func (s *BoltStore) GetProjectByID(id int64) (*types.Project, error) {
	all, err := s.ListProjects()
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "project")
}

func (s *BoltStore) ListProjects() ([]*types.Project, error) {
	var out []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(_, v []byte) error {
			var p types.Project
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateProject(p *types.Project) error { return s.CreateProject(p) }

func (s *BoltStore) DeleteProject(publicID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).Delete([]byte(publicID))
	})
}

// --- Scheduled tasks ---

func (s *BoltStore) CreateTask(t *types.ScheduledTask) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketTasks, t.PublicID, t) })
}

func (s *BoltStore) GetTask(publicID string) (*types.ScheduledTask, error) {
	var t types.ScheduledTask
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketTasks, publicID, &t) })
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTaskByID scans bucketTasks for the task with the given numeric ID; the
// bucket is keyed by public ID, so this is O(n). The scheduler calls it on
// every firing, and the recovery path calls it at startup.
func (s *BoltStore) GetTaskByID(id int64) (*types.ScheduledTask, error) {
	all, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "task")
}

func (s *BoltStore) ListTasks() ([]*types.ScheduledTask, error) {
	var out []*types.ScheduledTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t types.ScheduledTask
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListActiveTasks() ([]*types.ScheduledTask, error) {
	all, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.ScheduledTask
	for _, t := range all {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateTask(t *types.ScheduledTask) error { return s.CreateTask(t) }

func (s *BoltStore) DeleteTask(publicID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(publicID))
	})
}

// --- Task executions ---

func (s *BoltStore) CreateExecution(e *types.TaskExecution) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketExecutions, e.ExecutionID, e) })
}

func (s *BoltStore) GetExecution(executionID string) (*types.TaskExecution, error) {
	var e types.TaskExecution
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketExecutions, executionID, &e) })
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) ListExecutionsByTask(taskID int64) ([]*types.TaskExecution, error) {
	var out []*types.TaskExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(_, v []byte) error {
			var e types.TaskExecution
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.TaskID == taskID {
				out = append(out, &e)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListExecutionsByState(state types.ExecutionState) ([]*types.TaskExecution, error) {
	var out []*types.TaskExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(_, v []byte) error {
			var e types.TaskExecution
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.State == state {
				out = append(out, &e)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateExecution(e *types.TaskExecution) error { return s.CreateExecution(e) }

// --- Nodes ---

func (s *BoltStore) CreateNode(n *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketNodes, n.ID, n) })
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var n types.Node
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketNodes, id, &n) })
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var out []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, &n)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateNode(n *types.Node) error { return s.CreateNode(n) }

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

// --- Node projects ---

func (s *BoltStore) UpsertNodeProject(np *types.NodeProject) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketNodeProjects, np.Key(), np) })
}

func (s *BoltStore) GetNodeProject(nodeID string, projectID int64) (*types.NodeProject, error) {
	key := (&types.NodeProject{NodeID: nodeID, ProjectID: projectID}).Key()
	var np types.NodeProject
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketNodeProjects, key, &np) })
	if err != nil {
		return nil, err
	}
	return &np, nil
}

func (s *BoltStore) ListNodeProjectFiles(nodeID string, projectID int64) ([]*types.NodeProjectFile, error) {
	key := (&types.NodeProject{NodeID: nodeID, ProjectID: projectID}).Key()
	var files []*types.NodeProjectFile
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodeProjectFile).Get([]byte(key))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &files)
	})
	return files, err
}

func (s *BoltStore) PutNodeProjectFiles(nodeID string, projectID int64, files []*types.NodeProjectFile) error {
	key := (&types.NodeProject{NodeID: nodeID, ProjectID: projectID}).Key()
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketNodeProjectFile, key, files) })
}

// --- Install keys ---

func (s *BoltStore) CreateInstallKey(k *types.InstallKey) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketInstallKeys, k.Key, k) })
}

func (s *BoltStore) GetInstallKey(key string) (*types.InstallKey, error) {
	var k types.InstallKey
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketInstallKeys, key, &k) })
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *BoltStore) UpdateInstallKey(k *types.InstallKey) error { return s.CreateInstallKey(k) }
