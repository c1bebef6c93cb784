package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

func pushActions(m *CompensationManager, keys ...string) {
	for _, k := range keys {
		m.Register(Action{Key: k, Kind: k})
	}
}

func TestCompensationManager_Register_duplicateKey(t *testing.T) {
	m := NewCompensationManager()
	if !m.Register(Action{Key: "refund", Kind: KindRefundPayment}) {
		t.Fatal("first Register() = false, want true")
	}
	if m.Register(Action{Key: "refund", Kind: KindRefundPayment}) {
		t.Error("second Register() = true, want false")
	}
	if len(m.Actions()) != 1 {
		t.Errorf("Actions() = %d, want 1", len(m.Actions()))
	}
}

func TestCompensationManager_Compensate_reverseOrder(t *testing.T) {
	m := NewCompensationManager()
	pushActions(m, "a", "b", "c")

	var ran []string
	err := m.Compensate(context.Background(),
		func(_ context.Context, a Action) error {
			ran = append(ran, a.Key)
			return nil
		},
		func(context.Context, Action, error) error { return nil },
	)
	if err != nil {
		t.Fatalf("Compensate() error = %v", err)
	}
	if fmt.Sprint(ran) != "[c b a]" {
		t.Errorf("ran = %v, want [c b a]", ran)
	}
	if m.Executed() != 3 || len(m.Pending()) != 0 {
		t.Errorf("Executed() = %d, Pending() = %d, want 3 and 0", m.Executed(), len(m.Pending()))
	}
}

func TestCompensationManager_Compensate_runErrorContinues(t *testing.T) {
	m := NewCompensationManager()
	pushActions(m, "a", "b", "c")

	var recorded []string
	err := m.Compensate(context.Background(),
		func(_ context.Context, a Action) error {
			if a.Key == "b" {
				return errors.New("boom")
			}
			return nil
		},
		func(_ context.Context, a Action, runErr error) error {
			recorded = append(recorded, fmt.Sprintf("%s:%v", a.Key, runErr != nil))
			return nil
		},
	)
	if err != nil {
		t.Fatalf("Compensate() error = %v", err)
	}
	if fmt.Sprint(recorded) != "[c:false b:true a:false]" {
		t.Errorf("recorded = %v", recorded)
	}
}

func TestCompensationManager_Compensate_recordErrorStopsAndResumes(t *testing.T) {
	m := NewCompensationManager()
	pushActions(m, "a", "b", "c")

	var ran []string
	run := func(_ context.Context, a Action) error {
		ran = append(ran, a.Key)
		return nil
	}
	fail := errors.New("journal down")
	err := m.Compensate(context.Background(), run, func(_ context.Context, a Action, _ error) error {
		if a.Key == "b" {
			return fail
		}
		return nil
	})
	if !errors.Is(err, fail) {
		t.Fatalf("Compensate() error = %v, want %v", err, fail)
	}
	if m.Executed() != 1 {
		t.Fatalf("Executed() = %d, want 1", m.Executed())
	}

	// The unrecorded action runs again on resume, then the rest.
	if err := m.Compensate(context.Background(), run, func(context.Context, Action, error) error { return nil }); err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if fmt.Sprint(ran) != "[c b b a]" {
		t.Errorf("ran = %v, want [c b b a]", ran)
	}
}

func TestCompensationManager_Compensate_cancelledContext(t *testing.T) {
	m := NewCompensationManager()
	pushActions(m, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Compensate(ctx,
		func(context.Context, Action) error {
			t.Error("run called with a cancelled context")
			return nil
		},
		func(context.Context, Action, error) error { return nil },
	)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestCompensationManager_MarkExecuted_onlyAtCursor(t *testing.T) {
	m := NewCompensationManager()
	pushActions(m, "a", "b")

	if m.MarkExecuted("a") {
		t.Error("MarkExecuted(a) = true, want false: b is on top")
	}
	if !m.MarkExecuted("b") {
		t.Error("MarkExecuted(b) = false, want true")
	}
	if m.MarkExecuted("b") {
		t.Error("repeated MarkExecuted(b) = true, want false")
	}
	if m.Executed() != 1 {
		t.Errorf("Executed() = %d, want 1", m.Executed())
	}
}

// Every registered action runs exactly once, in reverse order, however
// many times the unwind is interrupted by a failing record.
func TestCompensationManager_exactlyOnceReverse_property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(t, "actions")
		m := NewCompensationManager()
		var want []string
		for i := 0; i < n; i++ {
			key := fmt.Sprintf("act-%d", i)
			m.Register(Action{Key: key, Kind: key})
			want = append([]string{key}, want...)
		}

		var executed []string
		for round := 0; round <= n+1; round++ {
			failAt := rapid.IntRange(-1, n).Draw(t, fmt.Sprintf("failAt-%d", round))
			calls := 0
			err := m.Compensate(context.Background(),
				func(context.Context, Action) error {
					if rapid.Bool().Draw(t, "runFails") {
						return errors.New("undo failed")
					}
					return nil
				},
				func(_ context.Context, a Action, _ error) error {
					calls++
					if calls-1 == failAt {
						return errors.New("record failed")
					}
					executed = append(executed, a.Key)
					return nil
				},
			)
			if err == nil {
				break
			}
		}
		// Drain anything left after the interrupted rounds.
		if err := m.Compensate(context.Background(),
			func(context.Context, Action) error { return nil },
			func(_ context.Context, a Action, _ error) error {
				executed = append(executed, a.Key)
				return nil
			}); err != nil {
			t.Fatalf("final Compensate() error = %v", err)
		}

		if fmt.Sprint(executed) != fmt.Sprint(want) {
			t.Fatalf("executed = %v, want %v", executed, want)
		}
		if len(m.Pending()) != 0 {
			t.Fatalf("Pending() = %d after unwind", len(m.Pending()))
		}
	})
}
