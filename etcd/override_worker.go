package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"controlplane/common"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	TaskForcePath         = "force_path"
	TaskForceShortestPath = "force_sp_path"

	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// OverrideTask asks the controller to pin a flow to a path.
type OverrideTask struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Src       string    `json:"src"`
	Dst       string    `json:"dst"`
	Path      []uint64  `json:"path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

type OverrideResult struct {
	TaskID      string    `json:"task_id"`
	Path        []uint64  `json:"path,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Overrider applies an administrative path choice.
type Overrider interface {
	ForcePath(ctx context.Context, key common.FlowKey, path common.Path) (common.Path, error)
	ForceShortestPath(ctx context.Context, key common.FlowKey) (common.Path, error)
}

func NewOverrideTask(taskType, src, dst string, path []uint64) OverrideTask {
	return OverrideTask{
		ID:        "override-" + uuid.NewString(),
		Type:      taskType,
		Src:       src,
		Dst:       dst,
		Path:      path,
		CreatedAt: time.Now(),
		Status:    StatusPending,
	}
}

func (t OverrideTask) flowKey() common.FlowKey {
	return common.FlowKey{Src: t.Src, Dst: t.Dst, Proto: common.ProtocolTCP}
}

// OverrideWorker watches overrides/ and applies pending tasks through an
// Overrider, recording status on the task key and the outcome under
// override_results/.
type OverrideWorker struct {
	kv        KV
	keys      keyspace
	workerID  string
	overrider Overrider
	wg        sync.WaitGroup
}

func NewOverrideWorker(kv KV, config EtcdConfig, overrider Overrider) *OverrideWorker {
	return &OverrideWorker{
		kv:        kv,
		keys:      newKeyspace(config.Prefix),
		workerID:  fmt.Sprintf("worker-%d", time.Now().Unix()),
		overrider: overrider,
	}
}

func (w *OverrideWorker) Start(ctx context.Context) error {
	log.Infof("[%s] watching %s", w.workerID, w.keys.overrides())
	watchChan := w.kv.Watch(ctx, w.keys.overrides(), clientv3.WithPrefix())

	for {
		select {
		case <-ctx.Done():
			log.Infof("[%s] worker shutting down", w.workerID)
			return nil

		case resp, ok := <-watchChan:
			if !ok {
				return fmt.Errorf("watch channel closed")
			}
			if err := resp.Err(); err != nil {
				return fmt.Errorf("watch %s: %w", w.keys.overrides(), err)
			}
			for _, event := range resp.Events {
				if event.Type != clientv3.EventTypePut {
					continue
				}
				key, value := string(event.Kv.Key), append([]byte(nil), event.Kv.Value...)
				w.wg.Add(1)
				go func() {
					defer w.wg.Done()
					w.handleTask(ctx, key, value)
				}()
			}
		}
	}
}

func (w *OverrideWorker) Wait() {
	w.wg.Wait()
}

func (w *OverrideWorker) handleTask(ctx context.Context, key string, value []byte) {
	var task OverrideTask
	if err := json.Unmarshal(value, &task); err != nil {
		log.Errorf("[%s] failed to unmarshal task at %s: %v", w.workerID, key, err)
		return
	}
	if task.Status != StatusPending {
		return
	}

	task.Status = StatusProcessing
	if err := w.putJSON(ctx, key, task); err != nil {
		log.Errorf("[%s] failed to update task status: %v", w.workerID, err)
		return
	}
	log.Infof("[%s] processing task %s (%s %s->%s)", w.workerID, task.ID, task.Type, task.Src, task.Dst)

	path, err := w.process(ctx, task)
	result := OverrideResult{TaskID: task.ID, CompletedAt: time.Now()}
	if err != nil {
		task.Status = StatusFailed
		result.Error = err.Error()
		log.Errorf("[%s] task %s failed: %v", w.workerID, task.ID, err)
	} else {
		task.Status = StatusCompleted
		for _, sw := range path {
			result.Path = append(result.Path, uint64(sw))
		}
		log.Infof("[%s] task %s completed, path %s", w.workerID, task.ID, path)
	}

	if err := w.putJSON(ctx, w.keys.result(task.ID), result); err != nil {
		log.Errorf("[%s] failed to store task result: %v", w.workerID, err)
		return
	}
	if err := w.putJSON(ctx, key, task); err != nil {
		log.Errorf("[%s] failed to update task status after completion: %v", w.workerID, err)
	}
}

func (w *OverrideWorker) process(ctx context.Context, task OverrideTask) (common.Path, error) {
	switch task.Type {
	case TaskForcePath:
		if len(task.Path) == 0 {
			return nil, fmt.Errorf("%w: empty path", common.ErrInvalidPath)
		}
		path := make(common.Path, 0, len(task.Path))
		for _, sw := range task.Path {
			path = append(path, common.SwitchID(sw))
		}
		return w.overrider.ForcePath(ctx, task.flowKey(), path)
	case TaskForceShortestPath:
		return w.overrider.ForceShortestPath(ctx, task.flowKey())
	default:
		return nil, fmt.Errorf("unknown task type %q", task.Type)
	}
}

func (w *OverrideWorker) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.kv.Put(ctx, key, string(data))
	return err
}

// SubmitOverride writes a pending task and waits for its result.
func SubmitOverride(ctx context.Context, kv KV, config EtcdConfig, task OverrideTask, timeout time.Duration) (*OverrideResult, error) {
	keys := newKeyspace(config.Prefix)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// watch first so a fast worker cannot complete before we listen
	watchChan := kv.Watch(ctx, keys.result(task.ID))

	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	if _, err := kv.Put(ctx, keys.override(task.ID), string(data)); err != nil {
		return nil, fmt.Errorf("failed to publish task: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("timeout waiting for result of %s", task.ID)
			}
			return nil, ctx.Err()
		case resp, ok := <-watchChan:
			if !ok {
				return nil, fmt.Errorf("watch channel closed")
			}
			for _, event := range resp.Events {
				if event.Type != clientv3.EventTypePut {
					continue
				}
				var result OverrideResult
				if err := json.Unmarshal(event.Kv.Value, &result); err != nil {
					log.Warnf("SubmitOverride: failed to unmarshal result: %v", err)
					continue
				}
				return &result, nil
			}
		}
	}
}
