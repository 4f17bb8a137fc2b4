package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
)

type expirerStub struct {
	count  int64
	err    error
	called bool
}

func (s *expirerStub) ExpireDue(ctx context.Context) (int64, error) {
	s.called = true
	return s.count, s.err
}

type drainerStub struct {
	applied   int
	escalated int
	err       error
	called    bool
}

func (s *drainerStub) DrainParked(ctx context.Context) (int, int, error) {
	s.called = true
	return s.applied, s.escalated, s.err
}

func TestRunExpirySweep_InvokesExpirer(t *testing.T) {
	expirer := &expirerStub{count: 2}
	jobs := NewJobs(expirer, &drainerStub{}, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	jobs.RunExpirySweep()

	if !expirer.called {
		t.Fatal("expected the sweep to call the expirer")
	}
}

func TestRunExpirySweep_SurvivesErrors(t *testing.T) {
	expirer := &expirerStub{err: errors.New("db down")}
	jobs := NewJobs(expirer, &drainerStub{}, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	// Must not panic; the scheduler keeps running after a failed sweep.
	jobs.RunExpirySweep()
}

func TestRunParkedDrain_InvokesDrainer(t *testing.T) {
	drainer := &drainerStub{applied: 1, escalated: 1}
	jobs := NewJobs(&expirerStub{}, drainer, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	jobs.RunParkedDrain()

	if !drainer.called {
		t.Fatal("expected the drain job to call the drainer")
	}
}
