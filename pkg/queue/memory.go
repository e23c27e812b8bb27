package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/types"
)

const memoryBackend = "memory"

// priorityItem is one entry in the heap, ordered by (priority, enqueue
// time) so that equal-priority tasks dequeue in FIFO order.
type priorityItem struct {
	priority    int
	enqueueTime time.Time
	taskID      string
	task        *types.QueuedTask
	index       int
}

type priorityHeap []*priorityItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].enqueueTime.Before(h[j].enqueueTime)
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*priorityItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Memory is a container/heap-backed priority queue for single-master
// deployments. Cancellation is lazy: the task is removed from taskMap and
// the stale heap entry is skipped (and dropped) the next time it surfaces.
type Memory struct {
	mu      sync.Mutex
	heap    priorityHeap
	taskMap map[string]*priorityItem
	stats   Stats
	now     func() time.Time
}

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		taskMap: make(map[string]*priorityItem),
		now:     time.Now,
	}
}

func (m *Memory) Start(context.Context) error {
	log.WithComponent("queue.memory").Info().Msg("started")
	return nil
}

func (m *Memory) Stop(context.Context) error {
	log.WithComponent("queue.memory").Info().Msg("stopped")
	return nil
}

func (m *Memory) Enqueue(_ context.Context, taskID string, projectID int64, projectType types.ProjectType, priority int, data map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.taskMap[taskID]; exists {
		metrics.QueueOpsTotal.WithLabelValues(memoryBackend, "enqueue", "duplicate").Inc()
		return false, nil
	}

	task := &types.QueuedTask{
		TaskID:      taskID,
		ProjectID:   projectID,
		ProjectType: projectType,
		Priority:    priority,
		EnqueueTime: m.now(),
		Data:        data,
	}
	item := &priorityItem{priority: priority, enqueueTime: task.EnqueueTime, taskID: taskID, task: task}
	heap.Push(&m.heap, item)
	m.taskMap[taskID] = item

	m.stats.Enqueued++
	metrics.QueueDepth.WithLabelValues(memoryBackend).Set(float64(len(m.taskMap)))
	metrics.QueueOpsTotal.WithLabelValues(memoryBackend, "enqueue", "ok").Inc()
	return true, nil
}

func (m *Memory) Dequeue(context.Context) (*types.QueuedTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.heap.Len() > 0 {
		item := m.heap[0]
		if live, ok := m.taskMap[item.taskID]; !ok || live != item {
			heap.Pop(&m.heap)
			continue
		}
		heap.Pop(&m.heap)
		delete(m.taskMap, item.taskID)
		m.stats.Dequeued++
		metrics.QueueDepth.WithLabelValues(memoryBackend).Set(float64(len(m.taskMap)))
		metrics.QueueOpsTotal.WithLabelValues(memoryBackend, "dequeue", "ok").Inc()
		return item.task, true, nil
	}
	return nil, false, nil
}

func (m *Memory) Cancel(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.taskMap[taskID]; !exists {
		return false, nil
	}
	delete(m.taskMap, taskID)
	m.stats.Cancelled++
	metrics.QueueDepth.WithLabelValues(memoryBackend).Set(float64(len(m.taskMap)))
	metrics.QueueOpsTotal.WithLabelValues(memoryBackend, "cancel", "ok").Inc()
	return true, nil
}

func (m *Memory) UpdatePriority(_ context.Context, taskID string, newPriority int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.taskMap[taskID]
	if !exists {
		return false, nil
	}

	newTask := &types.QueuedTask{
		TaskID:      old.task.TaskID,
		ProjectID:   old.task.ProjectID,
		ProjectType: old.task.ProjectType,
		Priority:    newPriority,
		EnqueueTime: old.task.EnqueueTime,
		Data:        old.task.Data,
	}
	delete(m.taskMap, taskID)

	newItem := &priorityItem{priority: newPriority, enqueueTime: newTask.EnqueueTime, taskID: taskID, task: newTask}
	heap.Push(&m.heap, newItem)
	m.taskMap[taskID] = newItem

	m.stats.PriorityUpdates++
	metrics.QueueOpsTotal.WithLabelValues(memoryBackend, "update_priority", "ok").Inc()
	return true, nil
}

func (m *Memory) Contains(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.taskMap[taskID]
	return exists, nil
}

func (m *Memory) Size(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.taskMap), nil
}

func (m *Memory) Peek(context.Context) (*types.QueuedTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.heap.Len() > 0 {
		item := m.heap[0]
		if live, ok := m.taskMap[item.taskID]; ok && live == item {
			return item.task, true, nil
		}
		heap.Pop(&m.heap)
	}
	return nil, false, nil
}

func (m *Memory) Clear(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := len(m.taskMap)
	m.heap = nil
	m.taskMap = make(map[string]*priorityItem)
	metrics.QueueDepth.WithLabelValues(memoryBackend).Set(0)
	return count, nil
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
