// Package storetest provides a behaviour suite shared by every
// [taskstore.Store] implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/voxtask/internal/taskstore"
	"github.com/MrWong99/voxtask/internal/tools/createtask"
)

// Run exercises the Store contract. newStore must return an empty store; the
// suite closes it.
func Run(t *testing.T, newStore func(t *testing.T) taskstore.Store) {
	t.Helper()

	t.Run("AddAndList", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()
		base := time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC)

		titles := []string{"Buy milk", "Call dentist", "Water plants"}
		for i, title := range titles {
			r := taskstore.NewRecord("sess-1", createtask.Task{
				Title:    title,
				Date:     "2025-03-10",
				Time:     "9am",
				Priority: createtask.PriorityHigh,
			}, base.Add(time.Duration(i)*time.Minute))
			if err := s.Add(ctx, r); err != nil {
				t.Fatalf("Add %q: %v", title, err)
			}
		}

		got, err := s.List(ctx, 0)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("List returned %d records, want 3", len(got))
		}
		for i, want := range []string{"Water plants", "Call dentist", "Buy milk"} {
			if got[i].Title != want {
				t.Errorf("got[%d].Title = %q, want %q (newest first)", i, got[i].Title, want)
			}
		}
		r := got[2]
		if r.ID == "" || r.SessionID != "sess-1" || r.Date != "2025-03-10" || r.Time != "9am" || r.Priority != createtask.PriorityHigh {
			t.Errorf("record fields not preserved: %+v", r)
		}
		if !r.CreatedAt.Equal(base) {
			t.Errorf("CreatedAt = %v, want %v", r.CreatedAt, base)
		}
	})

	t.Run("Limit", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := range 5 {
			r := taskstore.NewRecord("s", createtask.Task{Title: string(rune('a' + i))}, base.Add(time.Duration(i)*time.Second))
			if err := s.Add(ctx, r); err != nil {
				t.Fatalf("Add: %v", err)
			}
		}
		got, err := s.List(ctx, 2)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 2 || got[0].Title != "e" || got[1].Title != "d" {
			t.Errorf("List(2) = %+v, want [e d]", got)
		}
	})

	t.Run("OptionalFieldsEmpty", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()
		r := taskstore.NewRecord("s", createtask.Task{Title: "Only a title"}, time.Now())
		if err := s.Add(ctx, r); err != nil {
			t.Fatalf("Add: %v", err)
		}
		got, err := s.List(ctx, 10)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 1 || got[0].Task != (createtask.Task{Title: "Only a title"}) {
			t.Errorf("List = %+v", got)
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()
		r := taskstore.NewRecord("s", createtask.Task{Title: "x"}, time.Now())
		if err := s.Add(ctx, r); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if err := s.Add(ctx, r); err == nil {
			t.Error("second Add with the same id succeeded")
		}
	})

	t.Run("Empty", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		got, err := s.List(context.Background(), 10)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("List on empty store = %+v", got)
		}
	})
}
