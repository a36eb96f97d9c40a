package queue

import (
	"context"
	"testing"
	"time"

	"taskmesh/internal/state"
)

func task(id, image string) state.Task {
	return state.Task{ID: id, Image: image, Status: state.TaskQueued}
}

func TestQueue_FIFOPerImage(t *testing.T) {
	q := New()
	q.Enqueue(task("t1", "img-a"))
	q.Enqueue(task("t2", "img-a"))
	q.Enqueue(task("t3", "img-b"))

	got, ok := q.Claim("img-a")
	if !ok || got.ID != "t1" {
		t.Fatalf("Claim(img-a) = %v, %v; want t1", got.ID, ok)
	}
	got, ok = q.Claim("img-a")
	if !ok || got.ID != "t2" {
		t.Fatalf("Claim(img-a) = %v, %v; want t2", got.ID, ok)
	}
	if _, ok := q.Claim("img-a"); ok {
		t.Fatalf("Claim(img-a) on empty queue returned a task")
	}

	got, ok = q.Claim("img-b")
	if !ok || got.ID != "t3" {
		t.Fatalf("Claim(img-b) = %v, %v; want t3", got.ID, ok)
	}
}

func TestQueue_EnqueueIsIdempotent(t *testing.T) {
	q := New()
	q.Enqueue(task("t1", "img-a"))
	q.Enqueue(task("t1", "img-a"))
	if got := q.Depth("img-a"); got != 1 {
		t.Fatalf("Depth(img-a) = %d, want 1", got)
	}
}

func TestQueue_ClaimWaitHandoff(t *testing.T) {
	q := New()

	done := make(chan state.Task, 1)
	go func() {
		got, ok := q.ClaimWait(context.Background(), "img-a", time.Second)
		if !ok {
			close(done)
			return
		}
		done <- got
	}()

	// Let the waiter park before the enqueue.
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(task("t1", "img-a"))

	select {
	case got, ok := <-done:
		if !ok || got.ID != "t1" {
			t.Fatalf("ClaimWait() = %v, want t1", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("ClaimWait() did not receive the enqueued task")
	}

	// The handed-over task must not also sit in the queue.
	if got := q.Depth("img-a"); got != 0 {
		t.Fatalf("Depth(img-a) after handoff = %d, want 0", got)
	}
}

func TestQueue_ClaimWaitTimeout(t *testing.T) {
	q := New()
	start := time.Now()
	if _, ok := q.ClaimWait(context.Background(), "img-a", 30*time.Millisecond); ok {
		t.Fatalf("ClaimWait() returned a task from an empty queue")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("ClaimWait() returned after %v, want at least the wait", elapsed)
	}
}

func TestQueue_ClaimWaitContextCancelled(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, ok := q.ClaimWait(ctx, "img-a", time.Minute); ok {
		t.Fatalf("ClaimWait() returned a task after cancellation")
	}
}

func TestQueue_RemoveSkipsTask(t *testing.T) {
	q := New()
	q.Enqueue(task("t1", "img-a"))
	q.Enqueue(task("t2", "img-a"))

	if !q.Remove("t1") {
		t.Fatalf("Remove(t1) = false, want true")
	}
	if q.Remove("t1") {
		t.Fatalf("Remove(t1) twice = true, want false")
	}
	if got := q.Depth("img-a"); got != 1 {
		t.Fatalf("Depth(img-a) = %d, want 1", got)
	}

	got, ok := q.Claim("img-a")
	if !ok || got.ID != "t2" {
		t.Fatalf("Claim(img-a) = %v, %v; want t2", got.ID, ok)
	}
}

func TestQueue_Rebuild(t *testing.T) {
	q := New()
	q.Enqueue(task("stale", "img-a"))

	q.Rebuild([]state.Task{
		task("t1", "img-a"),
		task("t2", "img-a"),
		task("t3", "img-b"),
	})

	if _, ok := q.Claim("img-a"); !ok {
		t.Fatalf("Claim(img-a) after Rebuild found nothing")
	}
	depths := q.Depths()
	if depths["img-a"] != 1 || depths["img-b"] != 1 {
		t.Fatalf("Depths() = %v, want img-a:1 img-b:1", depths)
	}
}
