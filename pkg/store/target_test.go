package store

import (
	"errors"
	"testing"
)

func TestTargetCRUD(t *testing.T) {
	s := setupStore(t)
	repo := s.Targets()

	created, err := repo.Create("openclaw", "OpenClaw")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID != "openclaw" || created.Name != "OpenClaw" {
		t.Errorf("Create = %+v", created)
	}
	if _, err := repo.Create("openclaw", "again"); !errors.Is(err, ErrConstraint) {
		t.Errorf("duplicate Create error = %v, want ErrConstraint", err)
	}
	if _, err := repo.Create("claude-code", ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	list, err := repo.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "claude-code" || list[1].ID != "openclaw" {
		t.Errorf("List = %+v, want claude-code then openclaw", list)
	}

	if got, err := repo.Get("missing"); err != nil || got != nil {
		t.Errorf("Get(missing) = %+v, %v", got, err)
	}
	if ok, err := repo.Delete("openclaw"); err != nil || !ok {
		t.Errorf("Delete = %v, %v", ok, err)
	}
	if ok, _ := repo.Delete("openclaw"); ok {
		t.Error("second Delete reported a deletion")
	}
}

func TestTargetIDValidation(t *testing.T) {
	s := setupStore(t)
	for _, id := range []string{"", "Upper", "has space", "-leading", "a/b"} {
		if _, err := s.Targets().Create(id, "x"); !errors.Is(err, ErrValidation) {
			t.Errorf("Create(%q) error = %v, want ErrValidation", id, err)
		}
	}
}

func TestUserAssignAndMembers(t *testing.T) {
	s := setupStore(t)
	if _, err := s.Targets().Create("t1", ""); err != nil {
		t.Fatalf("Create target failed: %v", err)
	}
	users := s.Users()

	uid := 5200
	agent, err := users.Create("ash_agent", UserAgent, &uid)
	if err != nil {
		t.Fatalf("Create user failed: %v", err)
	}
	if agent.UID == nil || *agent.UID != 5200 {
		t.Errorf("uid = %v, want 5200", agent.UID)
	}
	if _, err := users.Create("ash_broker", UserBroker, nil); err != nil {
		t.Fatalf("Create user failed: %v", err)
	}
	if _, err := users.Create("x", "root", nil); !errors.Is(err, ErrValidation) {
		t.Errorf("Create with bad kind error = %v, want ErrValidation", err)
	}

	if err := users.Assign("t1", "ash_agent", ""); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if err := users.Assign("t1", "ash_broker", "broker"); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if err := users.Assign("t1", "ash_broker", "observer"); err != nil {
		t.Fatalf("re-Assign failed: %v", err)
	}
	if err := users.Assign("ghost", "ash_agent", ""); !errors.Is(err, ErrConstraint) {
		t.Errorf("Assign to unknown target error = %v, want ErrConstraint", err)
	}

	members, err := users.Members("t1")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("Members = %+v, want 2", members)
	}
	if members[0].Username != "ash_agent" || members[0].Role != "agent" {
		t.Errorf("member 0 = %+v", members[0])
	}
	if members[1].Username != "ash_broker" || members[1].Role != "observer" {
		t.Errorf("member 1 = %+v, want role replaced", members[1])
	}

	if ok, err := users.Unassign("t1", "ash_agent"); err != nil || !ok {
		t.Errorf("Unassign = %v, %v", ok, err)
	}
	if list, _ := users.List(); len(list) != 2 {
		t.Errorf("Unassign removed the user itself: %d users", len(list))
	}
}
