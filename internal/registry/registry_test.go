package registry

import (
	"errors"
	"testing"
	"time"
)

func TestRegistry_RegisterDefaults(t *testing.T) {
	r := New()
	e, err := r.Register("img-a", 0)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if e.ID == "" {
		t.Fatalf("Register() returned empty id")
	}
	if e.Capacity != 1 {
		t.Fatalf("Register() capacity = %d, want 1 default", e.Capacity)
	}
	if e.Status != StatusActive {
		t.Fatalf("Register() status = %s, want active", e.Status)
	}

	if _, err := r.Register("  ", 1); err == nil {
		t.Fatalf("Register() with blank image succeeded")
	}
}

func TestRegistry_HeartbeatUnknown(t *testing.T) {
	r := New()
	if err := r.Heartbeat("nope", 0); !errors.Is(err, ErrUnknownExecutor) {
		t.Fatalf("Heartbeat() error = %v, want ErrUnknownExecutor", err)
	}
}

func TestRegistry_AcquireCapacity(t *testing.T) {
	r := New()
	e, err := r.Register("img-a", 2)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := r.Acquire(e.ID); err != nil {
		t.Fatalf("Acquire() #1 error = %v", err)
	}
	if err := r.Acquire(e.ID); err != nil {
		t.Fatalf("Acquire() #2 error = %v", err)
	}
	if err := r.Acquire(e.ID); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("Acquire() #3 error = %v, want ErrAtCapacity", err)
	}

	r.Release(e.ID)
	if err := r.Acquire(e.ID); err != nil {
		t.Fatalf("Acquire() after Release error = %v", err)
	}
}

func TestRegistry_DeregisterStopsNewWork(t *testing.T) {
	r := New()
	e, _ := r.Register("img-a", 1)
	if err := r.Deregister(e.ID); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	if err := r.Acquire(e.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Acquire() on draining executor error = %v, want ErrNotActive", err)
	}
}

func TestRegistry_SweepMarksDead(t *testing.T) {
	r := New()
	now := time.Now()
	r.now = func() time.Time { return now }

	stale, _ := r.Register("img-a", 1)
	fresh, _ := r.Register("img-b", 1)

	// Only the stale executor's heartbeat ages out.
	now = now.Add(31 * time.Second)
	if err := r.Heartbeat(fresh.ID, 0); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	dead := r.Sweep(30 * time.Second)
	if len(dead) != 1 || dead[0].ID != stale.ID {
		t.Fatalf("Sweep() = %v, want exactly the stale executor", dead)
	}

	got, err := r.Get(stale.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusDead {
		t.Fatalf("stale executor status = %s, want dead", got.Status)
	}
	if err := r.Heartbeat(stale.ID, 0); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Heartbeat() on dead executor error = %v, want ErrNotActive", err)
	}

	// A second sweep must not report the same executor again.
	if dead := r.Sweep(30 * time.Second); len(dead) != 0 {
		t.Fatalf("second Sweep() = %v, want empty", dead)
	}
}

func TestRegistry_SweepDropsDrainedIdle(t *testing.T) {
	r := New()
	e, _ := r.Register("img-a", 1)
	if err := r.Deregister(e.ID); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	r.Sweep(30 * time.Second)
	if _, err := r.Get(e.ID); !errors.Is(err, ErrUnknownExecutor) {
		t.Fatalf("Get() after drain sweep error = %v, want ErrUnknownExecutor", err)
	}
}

func TestRegistry_CountsByImage(t *testing.T) {
	r := New()
	r.Register("img-a", 1)
	r.Register("img-a", 1)
	r.Register("img-b", 1)

	counts := r.CountsByImage()
	if counts["img-a"] != 2 || counts["img-b"] != 1 {
		t.Fatalf("CountsByImage() = %v, want img-a:2 img-b:1", counts)
	}
}
