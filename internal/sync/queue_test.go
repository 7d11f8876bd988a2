package sync

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func kinds(tasks []*Task) []Kind {
	var out []Kind
	for _, t := range tasks {
		out = append(out, t.Kind)
	}
	return out
}

func TestQueueIsFIFO(t *testing.T) {
	q := NewQueue()
	for _, k := range []Kind{KindUpdateLabels, KindLoadMessages, KindEmptyTrash} {
		q.Put(NewTask(k, "", 0))
	}
	var got []Kind
	for i := 0; i < 3; i++ {
		task, err := q.Take(context.Background())
		if err != nil {
			t.Fatalf("Take() = %v", err)
		}
		got = append(got, task.Kind)
	}
	want := []Kind{KindUpdateLabels, KindLoadMessages, KindEmptyTrash}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Take() order mismatch (-want +got):\n%s", diff)
	}
	if q.TryTake() != nil {
		t.Errorf("TryTake() on empty queue = task, want nil")
	}
}

func TestTakeWaitsForPut(t *testing.T) {
	q := NewQueue()
	got := make(chan *Task)
	go func() {
		task, _ := q.Take(context.Background())
		got <- task
	}()
	time.Sleep(10 * time.Millisecond)
	want := NewTask(KindLoadContacts, "", 0)
	q.Put(want)
	select {
	case task := <-got:
		if task != want {
			t.Errorf("Take() = %v, want %v", task, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Take() did not return after Put")
	}
}

func TestTakeHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := NewQueue().Take(ctx); err != context.DeadlineExceeded {
		t.Errorf("Take() = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestRemoveKind(t *testing.T) {
	q := NewQueue()
	a := NewTask(KindRefreshMessages, "inbox", 1)
	b := NewTask(KindRefreshMessages, "inbox", 2)
	c := NewTask(KindLoadMessages, "inbox", 1)
	d := NewTask(KindRefreshMessages, "inbox", 1)
	for _, task := range []*Task{a, b, c, d} {
		q.Put(task)
	}

	removed := q.RemoveKind(KindRefreshMessages, NewTask(KindRefreshMessages, "inbox", 1))
	if len(removed) != 2 || removed[0] != a || removed[1] != d {
		t.Errorf("RemoveKind(match) = %v, want [%v %v]", removed, a, d)
	}
	if !a.Cancelled() || !d.Cancelled() || b.Cancelled() {
		t.Errorf("cancelled flags = %v %v %v, want true false true",
			a.Cancelled(), b.Cancelled(), d.Cancelled())
	}

	removed = q.RemoveKind(KindRefreshMessages, nil)
	if len(removed) != 1 || removed[0] != b {
		t.Errorf("RemoveKind(nil) = %v, want [%v]", removed, b)
	}
	if diff := cmp.Diff([]Kind{KindLoadMessages}, kinds(q.Snapshot())); diff != "" {
		t.Errorf("queue after RemoveKind mismatch (-want +got):\n%s", diff)
	}
}
