// Package automation provides the builtin task scheduler module. Every user
// session owns an isolated task list; due tasks are announced on the bus.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"binsys/pkg/bus"
	"binsys/pkg/config"
	"binsys/pkg/module"

	"github.com/google/uuid"
)

// ModuleName is the name the module registers under.
const ModuleName = "automation"

// ChannelTaskDue carries TaskEvent payloads when scheduled tasks fire.
const ChannelTaskDue = "automation-task-due"

const defaultTickInterval = time.Second

// Task is one scheduled unit of work inside a user session.
type Task struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RunAt     time.Time `json:"run_at"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskEvent is published on ChannelTaskDue when a task comes due.
type TaskEvent struct {
	UserID  string    `json:"user_id"`
	TaskID  string    `json:"task_id"`
	Name    string    `json:"name"`
	RunAt   time.Time `json:"run_at"`
	FiredAt time.Time `json:"fired_at"`
}

// ScheduleParams configures the scheduleTask API method.
type ScheduleParams struct {
	Name         string `json:"name"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`
}

// CancelParams identifies the task for the cancelTask API method.
type CancelParams struct {
	TaskID string `json:"task_id"`
}

// Module owns the per-user schedulers behind the automation definition.
type Module struct {
	cfg  config.AutomationConfig
	bus  *bus.Bus
	log  *slog.Logger
	tick time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds the shared automation module state.
func New(cfg config.AutomationConfig, b *bus.Bus, log *slog.Logger) (*Module, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if log == nil {
		log = slog.Default()
	}

	tick := defaultTickInterval
	if cfg.TickIntervalSeconds > 0 {
		tick = time.Duration(cfg.TickIntervalSeconds) * time.Second
	}

	return &Module{
		cfg:      cfg,
		bus:      b,
		log:      log.With("component", "modules.automation"),
		tick:     tick,
		sessions: make(map[string]*Session),
	}, nil
}

// Factory returns the factory the registry invokes to build the definition.
func (m *Module) Factory() module.Factory {
	return func(context.Context) (*module.Definition, error) {
		return &module.Definition{
			Name:         ModuleName,
			Description:  "Schedules per-user tasks and announces them on the bus when due",
			Version:      "1.0.0",
			Dependencies: []string{},
			PublicAPI: module.API{
				"scheduleTask": m.scheduleTask,
				"cancelTask":   m.cancelTask,
				"listTasks":    m.listTasks,
			},
			Initialize: m.initialize,
			Cleanup:    m.cleanup,
		}, nil
	}
}

func (m *Module) initialize(_ context.Context, userID string) (module.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[userID]; ok {
		return existing, nil
	}

	session := &Session{
		userID: userID,
		tasks:  make(map[string]Task),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go session.run(m.bus, m.log, m.tick)

	m.sessions[userID] = session
	return session, nil
}

func (m *Module) cleanup(_ context.Context, userID string) error {
	m.mu.Lock()
	session, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if ok {
		session.shutdown()
	}
	return nil
}

// session resolves the caller's scheduler from the request context.
func (m *Module) session(ctx context.Context) (*Session, error) {
	userID := module.UserFromContext(ctx)
	if userID == "" {
		return nil, errors.New("no user in request context")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[userID]
	if !ok {
		return nil, fmt.Errorf("automation is not loaded for user %q", userID)
	}
	return session, nil
}

func (m *Module) scheduleTask(ctx context.Context, params any) (any, error) {
	var p ScheduleParams
	if err := module.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, errors.New("task name is required")
	}
	if p.DelaySeconds < 0 {
		return nil, errors.New("delay must not be negative")
	}

	session, err := m.session(ctx)
	if err != nil {
		return nil, err
	}

	task := session.schedule(p.Name, time.Duration(p.DelaySeconds)*time.Second)
	m.log.Debug("Task scheduled", "user_id", session.userID, "task_id", task.ID, "name", task.Name)
	return task, nil
}

func (m *Module) cancelTask(ctx context.Context, params any) (any, error) {
	var p CancelParams
	if err := module.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, errors.New("task_id is required")
	}

	session, err := m.session(ctx)
	if err != nil {
		return nil, err
	}

	task, ok := session.cancel(p.TaskID)
	if !ok {
		return nil, fmt.Errorf("task %q not found", p.TaskID)
	}

	m.log.Debug("Task canceled", "user_id", session.userID, "task_id", task.ID)
	return task, nil
}

func (m *Module) listTasks(ctx context.Context, _ any) (any, error) {
	session, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	return session.list(), nil
}

// Session is the scheduler instance for one user.
type Session struct {
	userID string

	mu    sync.Mutex
	tasks map[string]Task

	stop chan struct{}
	done chan struct{}
}

// UserID identifies the session owner.
func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) schedule(name string, delay time.Duration) Task {
	now := time.Now()
	task := Task{
		ID:        uuid.NewString(),
		Name:      name,
		RunAt:     now.Add(delay),
		CreatedAt: now,
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	return task
}

func (s *Session) cancel(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if ok {
		delete(s.tasks, taskID)
	}
	return task, ok
}

func (s *Session) list() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].RunAt.Before(tasks[j].RunAt) })
	return tasks
}

// takeDue removes and returns every task due at or before now.
func (s *Session) takeDue(now time.Time) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Task
	for id, task := range s.tasks {
		if !task.RunAt.After(now) {
			due = append(due, task)
			delete(s.tasks, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	return due
}

func (s *Session) run(b *bus.Bus, log *slog.Logger, interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			for _, task := range s.takeDue(now) {
				b.Publish(ChannelTaskDue, TaskEvent{
					UserID:  s.userID,
					TaskID:  task.ID,
					Name:    task.Name,
					RunAt:   task.RunAt,
					FiredAt: now,
				})
				log.Debug("Task fired", "user_id", s.userID, "task_id", task.ID, "name", task.Name)
			}
		}
	}
}

// shutdown stops the ticker goroutine and waits for it to exit.
func (s *Session) shutdown() {
	close(s.stop)
	<-s.done
}
