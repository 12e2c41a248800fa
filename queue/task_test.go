package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOneShot_Value(t *testing.T) {
	f := Start(OneShot(func(context.Context) (any, error) {
		return 42, nil
	}))
	v, err := f.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if v != 42 {
		t.Errorf("value = %v, want 42", v)
	}
}

func TestOneShot_Error(t *testing.T) {
	boom := errors.New("boom")
	f := Start(OneShot(func(context.Context) (any, error) {
		return nil, boom
	}))
	if _, err := f.Result(); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestStepped_RunsAllSteps(t *testing.T) {
	var ran []int
	f := Start(Stepped(func(context.Context) []Step {
		return []Step{
			func(context.Context) (any, error) { ran = append(ran, 1); return 1, nil },
			func(context.Context) (any, error) { ran = append(ran, 2); return 2, nil },
			func(context.Context) (any, error) { ran = append(ran, 3); return 3, nil },
		}
	}))
	v, err := f.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if v != 3 {
		t.Errorf("value = %v, want 3 (last step's value)", v)
	}
	if len(ran) != 3 {
		t.Errorf("ran %d steps, want 3", len(ran))
	}
}

func TestStepped_CancelBetweenSteps(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var third bool

	f := Start(Stepped(func(context.Context) []Step {
		return []Step{
			func(context.Context) (any, error) { close(started); return nil, nil },
			func(context.Context) (any, error) { <-release; return nil, nil },
			func(context.Context) (any, error) { third = true; return nil, nil },
		}
	}))

	<-started
	f.Cancel()
	close(release)

	if _, err := f.Result(); !Canceled(err) {
		t.Fatalf("err = %v, want canceled", err)
	}
	// Give the runner a beat to (incorrectly) reach step three.
	time.Sleep(20 * time.Millisecond)
	if third {
		t.Error("third step ran after cancel")
	}
}

func TestFuture_CancelIdempotent(t *testing.T) {
	f := Start(OneShot(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}))
	f.Cancel()
	f.Cancel()
	if _, err := f.Result(); !Canceled(err) {
		t.Errorf("err = %v, want canceled", err)
	}
}

func TestFuture_CancelSettlesImmediately(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := Start(OneShot(func(context.Context) (any, error) {
		<-block // ignores its context entirely
		return nil, nil
	}))
	f.Cancel()
	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("future did not settle after Cancel")
	}
	if _, err := f.Result(); !Canceled(err) {
		t.Errorf("err = %v, want canceled", err)
	}
}

func TestFuture_Wait(t *testing.T) {
	f := Start(OneShot(func(context.Context) (any, error) {
		return "ok", nil
	}))
	v, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v != "ok" {
		t.Errorf("value = %v, want ok", v)
	}
}
