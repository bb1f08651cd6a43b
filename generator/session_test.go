package generator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"learning_path_generator/progress"
)

func canonicalRunner(result Result) Runner {
	return RunnerFunc(func(ctx context.Context, req Request, report ProgressFunc) (Result, error) {
		report(progress.MsgSetup)
		report(progress.MsgDrive)
		report(progress.MsgCreateAgent)
		report(progress.MsgGenerating)
		report("Using tool search...")
		report(progress.MsgComplete)
		return result, nil
	})
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestGenerateValidationSkipsRunner(t *testing.T) {
	defer goleak.VerifyNone(t)
	var calls atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, req Request, report ProgressFunc) (Result, error) {
		calls.Add(1)
		return Result{}, nil
	})
	s := NewSession(context.Background(), "s1", runner, Options{})

	f := validForm()
	f.Goal = ""
	err := s.Generate(f)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, LevelWarning, verr.Level)

	waitDone(t, s)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, s.Snapshot().Busy)
}

func TestGenerateSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	want := Result{Messages: []Message{{Role: RoleAssistant, Content: "# Path"}}}
	s := NewSession(context.Background(), "s1", canonicalRunner(want), Options{Metrics: metrics})

	require.NoError(t, s.Generate(validForm()))
	waitDone(t, s)

	snap := s.Snapshot()
	require.NotNil(t, snap.Result)
	assert.Equal(t, want, *snap.Result)
	assert.False(t, snap.Busy)
	assert.Empty(t, snap.Error)
	assert.InDelta(t, 1.0, snap.State.Progress, 1e-9)
	assert.Equal(t, progress.StageComplete, snap.State.LastSection)

	require.Len(t, snap.Events, 7)
	var sections []progress.Stage
	for i, ev := range snap.Events[:6] {
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, EventProgress, ev.Kind)
		sections = append(sections, ev.Update.Section)
	}
	assert.Equal(t, []progress.Stage{
		progress.StageSetup, progress.StageIntegration, progress.StageSetup,
		progress.StageGeneration, progress.StageGeneration, progress.StageComplete,
	}, sections)
	last := snap.Events[6]
	assert.Equal(t, EventResult, last.Kind)
	assert.Equal(t, want.Messages, last.Messages)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.generations.WithLabelValues(outcomeSuccess)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.active))
}

func TestGenerateBusy(t *testing.T) {
	defer goleak.VerifyNone(t)
	release := make(chan struct{})
	started := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, req Request, report ProgressFunc) (Result, error) {
		report(progress.MsgSetup)
		close(started)
		<-release
		return Result{Messages: []Message{{Role: RoleAssistant, Content: "ok"}}}, nil
	})
	s := NewSession(context.Background(), "s1", runner, Options{})

	require.NoError(t, s.Generate(validForm()))
	<-started
	assert.True(t, s.Snapshot().Busy)
	assert.ErrorIs(t, s.Generate(validForm()), ErrBusy)

	close(release)
	waitDone(t, s)
	assert.False(t, s.Snapshot().Busy)
}

func TestGenerateRunnerError(t *testing.T) {
	defer goleak.VerifyNone(t)
	runner := RunnerFunc(func(ctx context.Context, req Request, report ProgressFunc) (Result, error) {
		report(progress.MsgSetup)
		return Result{}, errors.New("invalid api key")
	})
	s := NewSession(context.Background(), "s1", runner, Options{})
	require.NoError(t, s.Generate(validForm()))
	waitDone(t, s)

	snap := s.Snapshot()
	assert.Equal(t, "An error occurred: invalid api key", snap.Error)
	assert.Equal(t, hintCheckInput, snap.Hint)
	assert.False(t, snap.Busy)
	assert.Nil(t, snap.Result)
	assert.Equal(t, EventFailed, snap.Events[len(snap.Events)-1].Kind)
}

func TestGenerateEmptyResult(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := NewSession(context.Background(), "s1", canonicalRunner(Result{}), Options{})
	require.NoError(t, s.Generate(validForm()))
	waitDone(t, s)

	snap := s.Snapshot()
	assert.Equal(t, msgNoResults, snap.Error)
	assert.False(t, snap.Busy)
}

func TestGenerateRecoversPanic(t *testing.T) {
	defer goleak.VerifyNone(t)
	runner := RunnerFunc(func(ctx context.Context, req Request, report ProgressFunc) (Result, error) {
		panic("boom")
	})
	s := NewSession(context.Background(), "s1", runner, Options{})
	require.NoError(t, s.Generate(validForm()))
	waitDone(t, s)
	assert.Equal(t, "An error occurred: agent panicked: boom", s.Snapshot().Error)
}

func TestCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	started := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, req Request, report ProgressFunc) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	s := NewSession(context.Background(), "s1", runner, Options{})
	assert.False(t, s.Cancel())

	require.NoError(t, s.Generate(validForm()))
	<-started
	assert.True(t, s.Cancel())
	waitDone(t, s)

	snap := s.Snapshot()
	assert.Equal(t, msgCancelled, snap.Error)
	assert.Empty(t, snap.Hint)
	assert.False(t, snap.Busy)
}

func TestRunTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	runner := RunnerFunc(func(ctx context.Context, req Request, report ProgressFunc) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	s := NewSession(context.Background(), "s1", runner, Options{RunTimeout: 20 * time.Millisecond})
	require.NoError(t, s.Generate(validForm()))
	waitDone(t, s)
	assert.Contains(t, s.Snapshot().Error, "timed out")
}

func TestSubscribeReplayAndLive(t *testing.T) {
	defer goleak.VerifyNone(t)
	step := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, req Request, report ProgressFunc) (Result, error) {
		report(progress.MsgSetup)
		<-step
		report(progress.MsgGenerating)
		report(progress.MsgComplete)
		return Result{Messages: []Message{{Role: RoleAssistant, Content: "done"}}}, nil
	})
	s := NewSession(context.Background(), "s1", runner, Options{})
	require.NoError(t, s.Generate(validForm()))

	require.Eventually(t, func() bool { return len(s.Snapshot().Events) == 1 }, time.Second, time.Millisecond)
	replay, ch, stop := s.Subscribe()
	defer stop()
	require.Len(t, replay, 1)
	assert.Equal(t, progress.MsgSetup, replay[0].Update.Message)

	close(step)
	var live []Event
	for ev := range ch {
		live = append(live, ev)
	}
	require.Len(t, live, 3)
	assert.Equal(t, 2, live[0].Seq)
	assert.True(t, live[2].Terminal())
	waitDone(t, s)

	replay, ch, _ = s.Subscribe()
	assert.Len(t, replay, 4)
	_, open := <-ch
	assert.False(t, open)
}

func TestNewRunResetsState(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := NewSession(context.Background(), "s1", canonicalRunner(Result{Messages: []Message{{Content: "x"}}}), Options{})
	require.NoError(t, s.Generate(validForm()))
	waitDone(t, s)
	require.NoError(t, s.Generate(validForm()))
	waitDone(t, s)

	snap := s.Snapshot()
	require.Len(t, snap.Events, 7)
	assert.Equal(t, 1, snap.Events[0].Seq)
	assert.InDelta(t, 0.1, snap.Events[0].State.Progress, 1e-9)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)
	start := make(chan struct{})
	n := subscriberBuffer + 10
	runner := RunnerFunc(func(ctx context.Context, req Request, report ProgressFunc) (Result, error) {
		<-start
		for i := 0; i < n; i++ {
			report(fmt.Sprintf("Using tool step_%d...", i))
		}
		return Result{Messages: []Message{{Role: RoleAssistant, Content: "done"}}}, nil
	})
	s := NewSession(context.Background(), "s1", runner, Options{})
	require.NoError(t, s.Generate(validForm()))

	replay, ch, stop := s.Subscribe()
	defer stop()
	assert.Empty(t, replay)
	close(start)
	waitDone(t, s)

	// nobody drained ch, so it holds one buffer of events and was closed
	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, subscriberBuffer)
	assert.Equal(t, 1, got[0].Seq)
	assert.False(t, got[len(got)-1].Terminal())

	snap := s.Snapshot()
	require.Len(t, snap.Events, n+1)
	for i, ev := range snap.Events {
		assert.Equal(t, i+1, ev.Seq)
	}
	assert.True(t, snap.Events[n].Terminal())

	replay, ch, _ = s.Subscribe()
	assert.Len(t, replay, n+1)
	_, open := <-ch
	assert.False(t, open)
}
