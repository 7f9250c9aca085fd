package room

import (
	"fmt"
	"testing"

	"github.com/avatarmeet/meetsignal/internal/registry"
)

func newDirectory(capacity int) *Directory {
	return NewDirectory(capacity, registry.New("user"))
}

func TestJoinThenLeaveDeletesRoom(t *testing.T) {
	d := newDirectory(10)

	if !d.Join("r1", "c1", "alice") {
		t.Fatalf("join failed")
	}
	left := d.Leave("c1")
	if len(left) != 1 || left[0] != "r1" {
		t.Fatalf("left=%v, want [r1]", left)
	}
	if _, ok := d.Info("r1"); ok {
		t.Fatalf("expected room r1 deleted")
	}
}

func TestJoinCapacityBound(t *testing.T) {
	const capacity = 3
	d := newDirectory(capacity)

	for i := 0; i < capacity; i++ {
		if !d.Join("r1", fmt.Sprintf("c%d", i), "") {
			t.Fatalf("join %d failed", i)
		}
	}
	if d.Join("r1", "overflow", "") {
		t.Fatalf("expected join beyond capacity to fail")
	}

	info, ok := d.Info("r1")
	if !ok {
		t.Fatalf("room missing")
	}
	if info.UserCount != capacity {
		t.Fatalf("userCount=%d, want %d", info.UserCount, capacity)
	}
	if d.Contains("r1", "overflow") {
		t.Fatalf("rejected join mutated membership")
	}
}

func TestJoinIsNotDuplicated(t *testing.T) {
	d := newDirectory(10)

	if !d.Join("r1", "c1", "alice") {
		t.Fatalf("first join failed")
	}
	if d.Join("r1", "c1", "alice") {
		t.Fatalf("expected duplicate join to return false")
	}

	info, _ := d.Info("r1")
	if info.UserCount != 1 {
		t.Fatalf("userCount=%d, want 1", info.UserCount)
	}
}

func TestLeaveReturnsRoomsInCreationOrder(t *testing.T) {
	d := newDirectory(10)

	d.Join("alpha", "c1", "")
	d.Join("beta", "c1", "")
	d.Join("gamma", "c1", "")
	d.Join("beta", "c2", "") // keeps beta alive after c1 leaves

	left := d.Leave("c1")
	want := []string{"alpha", "beta", "gamma"}
	if len(left) != len(want) {
		t.Fatalf("left=%v, want %v", left, want)
	}
	for i := range want {
		if left[i] != want[i] {
			t.Fatalf("left=%v, want %v", left, want)
		}
	}

	if _, ok := d.Info("alpha"); ok {
		t.Fatalf("alpha should be deleted")
	}
	if info, ok := d.Info("beta"); !ok || info.UserCount != 1 {
		t.Fatalf("beta should survive with one member, got %+v ok=%v", info, ok)
	}
}

func TestInfoResolvesNamesAndIsASnapshot(t *testing.T) {
	reg := registry.New("user")
	d := NewDirectory(10, reg)

	d.Join("r1", "conn-ab12", "alice")
	d.Join("r1", "conn-cd34", "")

	info, ok := d.Info("r1")
	if !ok {
		t.Fatalf("room missing")
	}
	if info.Users[0].Username != "alice" {
		t.Fatalf("users[0]=%+v, want alice", info.Users[0])
	}
	// Fallback is prefix + last 4 characters of the ID.
	if info.Users[1].Username != "usercd34" {
		t.Fatalf("users[1]=%+v, want generated fallback usercd34", info.Users[1])
	}

	// Mutating after the snapshot must not change the returned value.
	d.Leave("conn-ab12")
	if info.UserCount != 2 || len(info.Users) != 2 {
		t.Fatalf("snapshot mutated: %+v", info)
	}
}

func TestMembersAndContainsOnUnknownRoom(t *testing.T) {
	d := newDirectory(10)

	if got := d.Members("nope"); len(got) != 0 {
		t.Fatalf("Members=%v, want empty", got)
	}
	if d.Contains("nope", "c1") {
		t.Fatalf("Contains on unknown room should be false")
	}
}
