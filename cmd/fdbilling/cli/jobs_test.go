package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/folkdrive/fdbilling/jobs"
)

type stubEnqueuer struct {
	tasks  []*asynq.Task
	closed bool
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (s *stubEnqueuer) Close() error {
	s.closed = true
	return nil
}

type stubInspector struct {
	info      *asynq.QueueInfo
	scheduled []*asynq.TaskInfo
	err       error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, s.err }

func (s stubInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return s.scheduled, s.err
}

func (s stubInspector) Close() error { return nil }

func run(t *testing.T, c *JobsCLI, args ...string) (string, error) {
	t.Helper()
	cmd := NewJobsCommand(func() (*JobsCLI, error) { return c, nil })
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTriggerRecompute(t *testing.T) {
	enq := &stubEnqueuer{}
	c := &JobsCLI{client: enq, inspector: stubInspector{}}

	out, err := run(t, c, "trigger", "invoice:recompute", "--invoice", "42")
	require.NoError(t, err)
	require.Contains(t, out, "enqueued invoice:recompute id=t1 queue=default")
	require.Len(t, enq.tasks, 1)
	var payload jobs.InvoiceRecomputePayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, int64(42), payload.InvoiceID)
	require.True(t, enq.closed)
}

func TestTriggerOverdueSweep(t *testing.T) {
	restore := timeNow
	timeNow = func() time.Time { return time.Date(2025, 8, 10, 1, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { timeNow = restore })

	enq := &stubEnqueuer{}
	c := &JobsCLI{client: enq}
	_, err := c.Trigger(context.Background(), jobs.TaskInvoiceOverdueSweep, TriggerOptions{})
	require.NoError(t, err)

	var payload jobs.OverdueSweepPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, time.Date(2025, 8, 10, 1, 0, 0, 0, time.UTC), payload.ScheduledFor)
}

func TestTriggerRejectsBadInput(t *testing.T) {
	c := &JobsCLI{client: &stubEnqueuer{}}

	_, err := run(t, c, "trigger", "invoice:recompute")
	require.ErrorContains(t, err, "--invoice")
	_, err = run(t, c, "trigger", "mail:send")
	require.ErrorContains(t, err, "unsupported job")
	_, err = run(t, c, "trigger")
	require.Error(t, err)

	var unconfigured *JobsCLI
	_, err = unconfigured.Trigger(context.Background(), jobs.TaskInvoiceOverdueSweep, TriggerOptions{})
	require.Error(t, err)
}

func TestStats(t *testing.T) {
	next := time.Date(2025, 8, 11, 1, 0, 0, 0, time.UTC)
	c := &JobsCLI{
		client: &stubEnqueuer{},
		inspector: stubInspector{
			info:      &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 4, Retry: 1, Archived: 2},
			scheduled: []*asynq.TaskInfo{{ID: "s1", Type: jobs.TaskInvoiceOverdueSweep, NextProcessAt: next}},
		},
	}

	out, err := run(t, c, "stats", "--scheduled", "5")
	require.NoError(t, err)
	require.Contains(t, out, "PENDING")
	require.Regexp(t, `default\s+4\s+0\s+0\s+1\s+2`, out)
	require.Contains(t, out, "scheduled invoice:overdue_sweep s1 at 2025-08-11 01:00:00")

	out, err = run(t, c, "stats")
	require.NoError(t, err)
	require.NotContains(t, out, "scheduled invoice")
}

func TestStatsInspectorError(t *testing.T) {
	c := &JobsCLI{inspector: stubInspector{err: errors.New("redis down")}}
	_, err := run(t, c, "stats")
	require.ErrorContains(t, err, "redis down")
}
