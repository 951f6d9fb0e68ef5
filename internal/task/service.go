// ABOUTME: Cross-project task ledger: forward-only ticket lifecycle with audit trail
// ABOUTME: Status transitions are conditional updates; the activity log is the record

package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/murata1215/devrelay-sub000/internal/protocol"
	"github.com/murata1215/devrelay-sub000/internal/store"
)

// ErrUnknownSender is returned when the creating project cannot be resolved.
// A ticket with no origin cannot exist.
var ErrUnknownSender = errors.New("sender project not found")

// ErrUnknownReceiver is returned when an explicitly named receiver cannot be
// resolved. An omitted receiver leaves the ticket pending instead.
var ErrUnknownReceiver = errors.New("receiver project not found")

// Sender routes notifications to online machines. delivered is false with a
// nil error when the machine has no live link; tickets for offline machines
// wait for the pull-based backlog instead.
type Sender interface {
	Send(machineID, msgType string, payload any) (delivered bool, err error)
}

// Activity log actions.
const (
	actionCreated   = "created"
	actionAssigned  = "assigned"
	actionStarted   = "started"
	actionCompleted = "completed"
	actionFailed    = "failed"
	actionCommented = "commented"
)

// Service is the task ledger. Every mutation commits its activity-log row in
// the same transaction as the status change; notification delivery happens
// after commit and its failure never unwinds the mutation.
type Service struct {
	store  store.Store
	sender Sender
	logger *slog.Logger
}

// NewService creates a task ledger backed by the given store.
func NewService(s store.Store, sender Sender, logger *slog.Logger) *Service {
	return &Service{
		store:  s,
		sender: sender,
		logger: logger.With("component", "tasks"),
	}
}

// Create opens a ticket. The sender project must resolve (hard error
// otherwise). Receiver resolution accepts an explicit (machine, path) pair
// or a bare machine name meaning that machine's first project; with no
// receiver named the ticket stays pending. When the receiving machine is
// online the ticket is pushed immediately.
func (s *Service) Create(ctx context.Context, senderMachineID string, p *protocol.TaskCreatePayload) (*store.Task, error) {
	senderProj, err := s.store.GetProjectByPath(ctx, senderMachineID, p.SenderProjectPath)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownSender
	}
	if err != nil {
		return nil, fmt.Errorf("resolving sender: %w", err)
	}

	var receiver *store.Project
	if p.ReceiverMachine != "" {
		receiver, err = s.resolveReceiver(ctx, p.ReceiverMachine, p.ReceiverProjectPath)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	t := &store.Task{
		ID:              uuid.New().String(),
		SenderProjectID: senderProj.ID,
		Name:            p.Name,
		Description:     p.Description,
		Priority:        normalizePriority(p.Priority),
		Status:          store.TaskPending,
		CreatedAt:       now,
	}
	if p.ParentTaskID != "" {
		t.ParentID = &p.ParentTaskID
	}
	if receiver != nil {
		t.Status = store.TaskAssigned
		t.ReceiverProjectID = &receiver.ID
		t.AssignedAt = &now
	}

	activity := s.newActivity(t.ID, actionCreated, map[string]any{
		"name":     t.Name,
		"priority": t.Priority,
		"status":   t.Status,
		"sender":   senderProj.Path,
	})
	if err := s.store.CreateTask(ctx, t, activity); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	for _, att := range p.Attachments {
		if err := s.addAttachment(ctx, t.ID, senderProj.ID, att); err != nil {
			s.logger.Error("storing attachment", "error", err, "task_id", t.ID)
		}
	}

	s.logger.Info("task created",
		"task_id", t.ID,
		"name", t.Name,
		"status", t.Status,
		"priority", t.Priority,
	)

	if receiver != nil {
		s.notify(ctx, receiver.MachineID, protocol.TypeServerTaskAssigned,
			&protocol.TaskAssignedPayload{Task: s.wireTask(ctx, t)})
	}
	return t, nil
}

// Start moves a ticket to in_progress, binding the executor project. A
// still-pending ticket passes through assigned first so observed status
// sequences never skip a state.
func (s *Service) Start(ctx context.Context, executorMachineID string, p *protocol.TaskStartPayload) (*store.Task, error) {
	executor, err := s.store.GetProjectByPath(ctx, executorMachineID, p.ExecutorProjectPath)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownReceiver
	}
	if err != nil {
		return nil, fmt.Errorf("resolving executor: %w", err)
	}

	t, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if t.Status == store.TaskPending {
		activity := s.newActivity(t.ID, actionAssigned, map[string]any{
			"receiver": executor.Path,
		})
		if err := s.store.MarkTaskAssigned(ctx, t.ID, executor.ID, now, activity); err != nil {
			return nil, err
		}
	}

	activity := s.newActivity(t.ID, actionStarted, map[string]any{
		"executor": executor.Path,
	})
	if err := s.store.MarkTaskStarted(ctx, t.ID, executor.ID, now, activity); err != nil {
		return nil, err
	}

	s.logger.Info("task started", "task_id", t.ID, "executor", executor.Path)
	return s.store.GetTask(ctx, t.ID)
}

// Complete resolves a ticket. Result files are stored tagged with the
// executor as uploader. A duplicate Complete observes ErrStatusConflict;
// callers treat that as "already done", not a failure.
func (s *Service) Complete(ctx context.Context, executorMachineID string, p *protocol.TaskCompletePayload) (*store.Task, error) {
	executor, err := s.store.GetProjectByPath(ctx, executorMachineID, p.ExecutorProjectPath)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownReceiver
	}
	if err != nil {
		return nil, fmt.Errorf("resolving executor: %w", err)
	}

	activity := s.newActivity(p.TaskID, actionCompleted, map[string]any{
		"executor": executor.Path,
		"notes":    p.Notes,
		"files":    len(p.ResultFiles),
	})
	if err := s.store.MarkTaskCompleted(ctx, p.TaskID, executor.ID, p.Notes, time.Now(), activity); err != nil {
		return nil, err
	}

	for _, f := range p.ResultFiles {
		if err := s.addAttachment(ctx, p.TaskID, executor.ID, f); err != nil {
			s.logger.Error("storing result file", "error", err, "task_id", p.TaskID)
		}
	}

	t, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task completed", "task_id", t.ID, "executor", executor.Path)
	s.notifySender(ctx, t)
	return t, nil
}

// Fail marks a ticket failed; the result field carries the error text.
func (s *Service) Fail(ctx context.Context, executorMachineID string, p *protocol.TaskFailPayload) (*store.Task, error) {
	executor, err := s.store.GetProjectByPath(ctx, executorMachineID, p.ExecutorProjectPath)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownReceiver
	}
	if err != nil {
		return nil, fmt.Errorf("resolving executor: %w", err)
	}

	activity := s.newActivity(p.TaskID, actionFailed, map[string]any{
		"executor": executor.Path,
		"error":    p.Error,
	})
	if err := s.store.MarkTaskFailed(ctx, p.TaskID, executor.ID, p.Error, time.Now(), activity); err != nil {
		return nil, err
	}

	t, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task failed", "task_id", t.ID, "executor", executor.Path)
	s.notifySender(ctx, t)
	return t, nil
}

// Comment appends a comment without touching status.
func (s *Service) Comment(ctx context.Context, machineID string, p *protocol.TaskCommentPayload) error {
	proj, err := s.store.GetProjectByPath(ctx, machineID, p.ProjectPath)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownSender
	}
	if err != nil {
		return fmt.Errorf("resolving commenter: %w", err)
	}

	c := &store.TaskComment{
		ID:        uuid.New().String(),
		TaskID:    p.TaskID,
		ProjectID: proj.ID,
		Text:      p.Text,
		CreatedAt: time.Now(),
	}
	activity := s.newActivity(p.TaskID, actionCommented, map[string]any{
		"project": proj.Path,
	})
	if err := s.store.AddTaskComment(ctx, c, activity); err != nil {
		return fmt.Errorf("adding comment: %w", err)
	}
	return nil
}

// PushBacklog sends each of the machine's projects its incoming-ticket list.
// This is the pull-based catch-up path for machines that were offline when
// tickets landed.
func (s *Service) PushBacklog(ctx context.Context, machineID string) error {
	projects, err := s.store.ListProjects(ctx, machineID)
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}
	for _, proj := range projects {
		tasks, err := s.store.ListIncomingTasks(ctx, proj.ID)
		if err != nil {
			return fmt.Errorf("listing incoming tasks: %w", err)
		}
		if len(tasks) == 0 {
			continue
		}
		refs := make([]protocol.TaskRef, 0, len(tasks))
		for _, t := range tasks {
			refs = append(refs, s.wireTask(ctx, t))
		}
		s.notify(ctx, machineID, protocol.TypeServerTaskList, &protocol.TaskListPayload{
			ProjectPath: proj.Path,
			Tasks:       refs,
		})
	}
	return nil
}

// Incoming lists a project's open incoming tickets, urgent first.
func (s *Service) Incoming(ctx context.Context, projectID string) ([]*store.Task, error) {
	return s.store.ListIncomingTasks(ctx, projectID)
}

func (s *Service) resolveReceiver(ctx context.Context, machineName, projectPath string) (*store.Project, error) {
	machine, err := s.store.GetMachineByName(ctx, machineName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownReceiver
	}
	if err != nil {
		return nil, fmt.Errorf("resolving receiver machine: %w", err)
	}

	if projectPath != "" {
		proj, err := s.store.GetProjectByPath(ctx, machine.ID, projectPath)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownReceiver
		}
		return proj, err
	}
	proj, err := s.store.FirstProject(ctx, machine.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownReceiver
	}
	return proj, err
}

// notifySender pushes a resolution notice back to the ticket's origin.
func (s *Service) notifySender(ctx context.Context, t *store.Task) {
	proj, err := s.store.GetProject(ctx, t.SenderProjectID)
	if err != nil {
		s.logger.Error("resolving sender for notification", "error", err, "task_id", t.ID)
		return
	}
	s.notify(ctx, proj.MachineID, protocol.TypeServerTaskCompleted,
		&protocol.TaskCompletedPayload{Task: s.wireTask(ctx, t)})
}

// notify attempts a push. Offline machines and send failures only delay
// visibility; the ticket's transition is already committed.
func (s *Service) notify(_ context.Context, machineID, msgType string, payload any) {
	delivered, err := s.sender.Send(machineID, msgType, payload)
	if err != nil {
		s.logger.Warn("task notification failed", "error", err, "machine_id", machineID, "type", msgType)
		return
	}
	if !delivered {
		s.logger.Debug("machine offline, ticket waits for backlog pull", "machine_id", machineID, "type", msgType)
	}
}

func (s *Service) wireTask(ctx context.Context, t *store.Task) protocol.TaskRef {
	ref := protocol.TaskRef{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Priority:    t.Priority,
		Status:      t.Status,
		Result:      t.Result,
		CreatedAt:   t.CreatedAt,
	}
	if proj, err := s.store.GetProject(ctx, t.SenderProjectID); err == nil {
		ref.SenderProjectPath = proj.Path
	}
	if t.ReceiverProjectID != nil {
		if proj, err := s.store.GetProject(ctx, *t.ReceiverProjectID); err == nil {
			ref.ReceiverProjectPath = proj.Path
		}
	}
	return ref
}

func (s *Service) addAttachment(ctx context.Context, taskID, uploaderProjectID string, f protocol.FileRef) error {
	return s.store.AddTaskAttachment(ctx, &store.TaskAttachment{
		ID:                uuid.New().String(),
		TaskID:            taskID,
		UploaderProjectID: uploaderProjectID,
		Filename:          f.Filename,
		MimeType:          f.MimeType,
		Data:              f.Data,
		CreatedAt:         time.Now(),
	})
}

func (s *Service) newActivity(taskID, action string, detail map[string]any) *store.TaskActivity {
	data, err := json.Marshal(detail)
	if err != nil {
		data = []byte("{}")
	}
	return &store.TaskActivity{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Action:    action,
		Detail:    string(data),
		CreatedAt: time.Now(),
	}
}

func normalizePriority(p string) string {
	switch p {
	case store.PriorityLow, store.PriorityHigh, store.PriorityUrgent:
		return p
	default:
		return store.PriorityNormal
	}
}
