package limits

import (
	"errors"
	"testing"
	"time"
)

func TestScopeTokenLimit(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		record    []int
		wantErr   bool
		wantValue float64
	}{
		{name: "under limit", limit: 100, record: []int{60}, wantErr: false},
		{name: "meets limit", limit: 100, record: []int{60, 40}, wantErr: true, wantValue: 100},
		{name: "exceeds limit", limit: 100, record: []int{60, 50}, wantErr: true, wantValue: 110},
		{name: "unlimited", limit: 0, record: []int{1000000}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScope(nil, Config{Tokens: tt.limit})
			for _, n := range tt.record {
				s.RecordTokens(n)
			}
			err := s.CheckTokens()
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckTokens() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var ex *ExceededError
				if !errors.As(err, &ex) {
					t.Fatalf("expected ExceededError, got %T", err)
				}
				if ex.Kind != KindToken {
					t.Errorf("Kind = %s, want %s", ex.Kind, KindToken)
				}
				if ex.Value != tt.wantValue {
					t.Errorf("Value = %g, want %g", ex.Value, tt.wantValue)
				}
			}
		})
	}
}

func TestScopeTreeAccumulation(t *testing.T) {
	root := NewScope(nil, Config{})
	child := NewScope(root, Config{Tokens: 50})

	child.RecordTokens(30)
	child.RecordMessages(2)
	child.RecordCost(0.5)

	if got := root.Tokens(); got != 30 {
		t.Errorf("root tokens = %d, want 30", got)
	}
	if got := child.Tokens(); got != 30 {
		t.Errorf("child tokens = %d, want 30", got)
	}
	if got := root.Messages(); got != 2 {
		t.Errorf("root messages = %d, want 2", got)
	}
	if got := root.Cost(); got != 0.5 {
		t.Errorf("root cost = %g, want 0.5", got)
	}

	// Limits apply to the scope they're configured on, not ancestors.
	if err := root.CheckTokens(); err != nil {
		t.Errorf("root CheckTokens() unexpected error: %v", err)
	}
}

func TestScopeWorkingTime(t *testing.T) {
	s := NewScope(nil, Config{})
	s.ReportWaiting(40 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	wall := s.WallTime()
	working := s.WorkingTime()
	waited := s.Waited()

	if waited != 40*time.Millisecond {
		t.Errorf("Waited() = %v, want 40ms", waited)
	}
	// wall == working + waited within tolerance
	diff := wall - working - waited
	if diff < -50*time.Millisecond || diff > 50*time.Millisecond {
		t.Errorf("wall(%v) != working(%v) + waited(%v)", wall, working, waited)
	}
}

func TestScopeMessageLimit(t *testing.T) {
	s := NewScope(nil, Config{Messages: 3})
	s.RecordMessages(2)
	if err := s.CheckMessages(); err != nil {
		t.Fatalf("unexpected error below limit: %v", err)
	}
	s.RecordMessages(1)
	err := s.CheckMessages()
	if err == nil {
		t.Fatal("expected message limit error")
	}
	var ex *ExceededError
	if !errors.As(err, &ex) || ex.Kind != KindMessage {
		t.Fatalf("expected message ExceededError, got %v", err)
	}
}

func TestScopeCostLimit(t *testing.T) {
	s := NewScope(nil, Config{Cost: 1.0})
	s.RecordCost(0.6)
	if err := s.CheckCost(); err != nil {
		t.Fatalf("unexpected error below limit: %v", err)
	}
	s.RecordCost(0.4)
	if err := s.CheckCost(); err == nil {
		t.Fatal("expected cost limit error at exactly the limit")
	}
}
