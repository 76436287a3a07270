package jobqueue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/storekeeper/app/models"
	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
)

const (
	// DefaultStallAfter is how long a processing campaign may sit untouched
	// before the sweeper re-enqueues it.
	DefaultStallAfter = 15 * time.Minute

	stalledSweepLimit = 50
	sweepKeyPrefix    = "push:sweep:"
)

// TaskFunc is a periodic background task.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
}

// Manager owns the queue workers and the periodic tasks of one process.
type Manager struct {
	queue *Queue

	mu     sync.Mutex
	tasks  []task
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the process-wide manager, configured from JOBQUEUE_*.
func GetManager() *Manager {
	managerOnce.Do(func() {
		globalManager = NewManager(NewQueue(ConfigFromEnv()))
	})
	return globalManager
}

func NewManager(q *Queue) *Manager {
	return &Manager{queue: q}
}

func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// AddTask registers fn to run every interval while the manager is running.
// Tasks added after Start run from the next Start.
func (m *Manager) AddTask(name string, interval time.Duration, fn TaskFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval <= 0 {
		log.Warnf("[Tasks] Ignoring %s: interval %s", name, interval)
		return
	}
	m.tasks = append(m.tasks, task{name: name, interval: interval, fn: fn})
}

func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.queue.Start()
	for _, t := range m.tasks {
		m.wg.Add(1)
		go m.loop(ctx, t)
	}
	log.Infof("[Tasks] Started with %d periodic tasks", len(m.tasks))
}

// Stop cancels the running tasks first so none of them enqueues into a
// stopped queue.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	m.wg.Wait()
	m.queue.Stop()
	log.Info("[Tasks] Stopped")
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Manager) loop(ctx context.Context, t task) {
	defer m.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := time.Now()
			if err := t.fn(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("[Tasks] %s failed after %s: %v", t.name, time.Since(started).Round(time.Millisecond), err)
			}
		}
	}
}

// StalledSource lists processing campaigns with no progress since idleSince.
type StalledSource interface {
	ListStalled(ctx context.Context, idleSince time.Time, limit int) ([]models.PushCampaign, error)
}

// StalledCampaignSweep re-enqueues campaigns whose continuation was lost.
// A Redis marker per campaign keeps overlapping sweeps from queueing twice.
func StalledCampaignSweep(src StalledSource, q *Queue, after time.Duration) TaskFunc {
	if after <= 0 {
		after = DefaultStallAfter
	}
	return func(ctx context.Context) error {
		stalled, err := src.ListStalled(ctx, time.Now().Add(-after), stalledSweepLimit)
		if err != nil {
			return err
		}
		for _, c := range stalled {
			key := sweepKeyPrefix + strconv.FormatUint(uint64(c.ID), 10)
			fresh, err := q.client.SetNX(ctx, key, time.Now().Unix(), after).Result()
			if err != nil {
				return err
			}
			if !fresh {
				continue
			}
			payload := PushDispatchPayload{CampaignID: c.ID, Offset: c.CursorOffset, Reason: ReasonSweep}
			if _, err := q.Enqueue(ctx, JobTypePushDispatch, payload); err != nil {
				_ = q.client.Del(ctx, key).Err()
				return err
			}
			log.Warnf("[Tasks] Re-enqueued stalled campaign %d at offset %d", c.ID, c.CursorOffset)
		}
		return nil
	}
}

// StallAfterFromEnv reads PUSH_STALL_AFTER.
func StallAfterFromEnv() time.Duration {
	return env.GetEnvDuration("PUSH_STALL_AFTER", DefaultStallAfter)
}
