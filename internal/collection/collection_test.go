package collection

import (
	"testing"

	"github.com/r3e-network/dataflow-engine/internal/value"
)

func kv(k int, vs ...int) KV {
	vals := make([]value.Value, len(vs))
	for i, v := range vs {
		vals[i] = value.NewInt(v)
	}
	return KV{Key: value.NewInt(k), Values: vals}
}

func TestApplyAndGetAll(t *testing.T) {
	s := New()
	s.Apply("input", []KV{kv(1, 10), kv(2, 20)})

	all := s.GetAll("input")
	if len(all) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(all))
	}
	if all[0].Key.AsNumber() != 1 || all[1].Key.AsNumber() != 2 {
		t.Fatalf("expected sorted order, got %v", all)
	}
}

func TestApplyDeletion(t *testing.T) {
	s := New()
	s.Apply("input", []KV{kv(1, 10), kv(2, 20)})
	s.Apply("input", []KV{kv(1)}) // empty values deletes

	all := s.GetAll("input")
	if len(all) != 1 || all[0].Key.AsNumber() != 2 {
		t.Fatalf("expected only key 2 remaining, got %v", all)
	}
}

func TestGetRangeInclusive(t *testing.T) {
	s := New()
	s.Apply("c", []KV{kv(0, 0), kv(1, 1), kv(3, 9), kv(4, 16), kv(7, 49)})
	got := s.GetRange("c", value.NewInt(1), value.NewInt(4))
	if len(got) != 3 {
		t.Fatalf("expected 3 keys in [1,4], got %d: %v", len(got), got)
	}
}

func TestGetUnique(t *testing.T) {
	s := New()
	s.Apply("c", []KV{kv(0, 10)})
	v, err := s.GetUnique("c", value.NewInt(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.AsNumber() != 10 {
		t.Fatalf("unexpected value %v", v)
	}

	s.Apply("c", []KV{kv(1, 1, 2)})
	if _, err := s.GetUnique("c", value.NewInt(1)); err == nil {
		t.Fatalf("expected error for multi-valued key")
	}
	if _, err := s.GetUnique("c", value.NewInt(99)); err == nil {
		t.Fatalf("expected error for missing key")
	}
}

func TestApplyReportsOldAndNew(t *testing.T) {
	s := New()
	s.Apply("c", []KV{kv(1, 10)})
	applied := s.Apply("c", []KV{kv(1, 20)})
	if len(applied) != 1 {
		t.Fatalf("expected 1 applied entry")
	}
	if applied[0].Old[0].AsNumber() != 10 || applied[0].New[0].AsNumber() != 20 {
		t.Fatalf("unexpected applied state: %+v", applied[0])
	}
}
