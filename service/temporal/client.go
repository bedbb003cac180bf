package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/escrowd/service/settlement"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// Client is the production Scheduler and CycleRunner backed by Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var (
	_ Scheduler   = (*Client)(nil)
	_ CycleRunner = (*Client)(nil)
)

// NewClient dials Temporal.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	return &Client{client: c, taskQueue: taskQueue, logger: logger}, nil
}

func (c *Client) workflowAction(escrow string) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        workflowID(escrow),
		Workflow:  ReconcileEscrowWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{ReconcileEscrowInput{EscrowAddress: escrow}},
	}
}

// UpsertReconcileSchedule creates the account's schedule or updates its
// interval. A tick that fires while the previous cycle still runs is skipped.
func (c *Client) UpsertReconcileSchedule(ctx context.Context, escrow string, interval time.Duration) error {
	id := scheduleID(escrow)
	spec := client.ScheduleSpec{
		Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
	}

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.DebugContext(ctx, "schedule not found, creating", "schedule_id", id, "error", err)

		_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID:      id,
			Spec:    spec,
			Action:  c.workflowAction(escrow),
			Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
			Memo: map[string]interface{}{
				"escrow_address": escrow,
				"created_by":     "escrowd",
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create schedule %q: %w", id, err)
		}
		c.logger.InfoContext(ctx, "reconcile schedule created", "escrow", escrow, "schedule_id", id, "interval", interval)
		return nil
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec = &spec
			return &client.ScheduleUpdate{Schedule: &input.Description.Schedule}, nil
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "reconcile schedule updated", "escrow", escrow, "schedule_id", id, "interval", interval)
	return nil
}

// DeleteReconcileSchedule deletes the account's schedule.
func (c *Client) DeleteReconcileSchedule(ctx context.Context, escrow string) error {
	id := scheduleID(escrow)
	if err := c.client.ScheduleClient().GetHandle(ctx, id).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}
	c.logger.InfoContext(ctx, "reconcile schedule deleted", "escrow", escrow, "schedule_id", id)
	return nil
}

// RunCycleNow starts a cycle and waits for its result. If a cycle for the
// account is already running, the caller waits for that one instead.
func (c *Client) RunCycleNow(ctx context.Context, escrow string) (*settlement.CycleResult, error) {
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       workflowID(escrow),
		TaskQueue:                c.taskQueue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}, ReconcileEscrowWorkflow, ReconcileEscrowInput{EscrowAddress: escrow})
	if err != nil {
		return nil, fmt.Errorf("failed to start reconcile workflow: %w", err)
	}

	c.logger.DebugContext(ctx, "reconcile workflow started",
		"escrow", escrow,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)

	var result settlement.CycleResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("reconcile workflow failed: %w", err)
	}
	return &result, nil
}

// SDKClient returns the underlying Temporal SDK client.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
