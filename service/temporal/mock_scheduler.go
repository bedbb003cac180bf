package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brojonat/escrowd/service/settlement"
)

// MockScheduler is an in-memory Scheduler and CycleRunner for tests.
type MockScheduler struct {
	mu        sync.Mutex
	schedules map[string]time.Duration // map[scheduleID]interval
	createErr error
	deleteErr error

	// RunFunc, when set, answers RunCycleNow.
	RunFunc func(ctx context.Context, escrow string) (*settlement.CycleResult, error)
	runs    []string
}

var (
	_ Scheduler   = (*MockScheduler)(nil)
	_ CycleRunner = (*MockScheduler)(nil)
)

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{schedules: make(map[string]time.Duration)}
}

func (m *MockScheduler) UpsertReconcileSchedule(ctx context.Context, escrow string, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	m.schedules[scheduleID(escrow)] = interval
	return nil
}

func (m *MockScheduler) DeleteReconcileSchedule(ctx context.Context, escrow string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	id := scheduleID(escrow)
	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("schedule %q not found", id)
	}
	delete(m.schedules, id)
	return nil
}

func (m *MockScheduler) RunCycleNow(ctx context.Context, escrow string) (*settlement.CycleResult, error) {
	m.mu.Lock()
	m.runs = append(m.runs, escrow)
	run := m.RunFunc
	m.mu.Unlock()

	if run == nil {
		return &settlement.CycleResult{EscrowAddress: escrow}, nil
	}
	return run(ctx, escrow)
}

// SetCreateError makes UpsertReconcileSchedule return err.
func (m *MockScheduler) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SetDeleteError makes DeleteReconcileSchedule return err.
func (m *MockScheduler) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// ScheduleInterval returns the interval of an account's schedule.
func (m *MockScheduler) ScheduleInterval(escrow string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	interval, ok := m.schedules[scheduleID(escrow)]
	return interval, ok
}

// Runs returns the accounts RunCycleNow was called for, in order.
func (m *MockScheduler) Runs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.runs...)
}
