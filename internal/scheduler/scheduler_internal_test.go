package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestJitterScheduleStaysInBounds(t *testing.T) {
	s := jitterSchedule{interval: 300 * time.Second, jitter: 60 * time.Second}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for range 1000 {
		d := s.Next(now).Sub(now)
		if d < 240*time.Second || d > 360*time.Second {
			t.Fatalf("delay %v is outside [240s, 360s]", d)
		}
	}
}

func TestJitterScheduleHasMinimumDelay(t *testing.T) {
	tests := []struct {
		name string
		s    jitterSchedule
	}{
		{"zero interval", jitterSchedule{}},
		{"jitter larger than interval", jitterSchedule{interval: time.Second, jitter: time.Minute}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				if d := tt.s.delay(); d < minDelay {
					t.Fatalf("delay %v is below minimum", d)
				}
			}
		})
	}
}

type blockingJob struct {
	started chan struct{}
	calls   atomic.Int32
}

func (j *blockingJob) Tick(ctx context.Context) error {
	if j.calls.Add(1) == 1 {
		close(j.started)
	}

	<-ctx.Done()

	return ctx.Err()
}

func TestStopCancelsTickAfterGrace(t *testing.T) {
	const grace = 50 * time.Millisecond

	job := &blockingJob{started: make(chan struct{})}
	s := New(context.Background(), job, Config{Interval: time.Second, Grace: grace},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	s.Start()

	select {
	case <-job.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("tick was not started")
	}

	start := time.Now()
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not return after grace")
	}

	if elapsed := time.Since(start); elapsed < grace {
		t.Fatalf("Stop returned after %v, before grace", elapsed)
	}
	if job.calls.Load() != 1 {
		t.Fatalf("job ran %d times, want 1", job.calls.Load())
	}
}

type countingJob struct {
	calls atomic.Int32
}

func (j *countingJob) Tick(context.Context) error {
	j.calls.Add(1)
	return nil
}

func TestTickSkippedAfterStop(t *testing.T) {
	job := &countingJob{}
	s := New(context.Background(), job, Config{Interval: time.Hour, Grace: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	s.Start()
	s.Stop()
	s.tick()

	if job.calls.Load() != 0 {
		t.Fatalf("job ran %d times after Stop", job.calls.Load())
	}
}
