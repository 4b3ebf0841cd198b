package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"* * * * *", false},
		{"0 */6 * * *", false},
		{"@hourly", false},
		{"@every 90s", false},
		{"", true},
		{"every hour", true},
		{"* * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			if err := Validate(tt.expr); (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestSchedulerAddJob(t *testing.T) {
	s := New()
	if err := s.AddJob("report", "* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("broken", "not a schedule", func() {}); err == nil {
		t.Error("Expected error for invalid schedule")
	}
	if err := s.AddJob("report", "@hourly", func() {}); err != nil {
		t.Errorf("Expected replacing a job to succeed, got %v", err)
	}
	if s.Jobs() != 1 {
		t.Errorf("Expected 1 job after replacement, got %d", s.Jobs())
	}
}

func TestSchedulerRunsAndSurvivesPanics(t *testing.T) {
	s := New()
	var runs atomic.Int32
	if err := s.AddJob("flaky", "@every 1s", func() {
		if runs.Add(1) == 1 {
			panic("first run fails")
		}
	}); err != nil {
		t.Fatal(err)
	}
	s.Start()

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if runs.Load() < 2 {
		t.Errorf("Expected the job to keep running after a panic, got %d runs", runs.Load())
	}
}
