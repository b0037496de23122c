package listener

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type mockListener struct {
	id       string
	protocol string
	addr     string
	started  bool
	stopped  bool
	startErr error
	stopErr  error
}

func (m *mockListener) ID() string       { return m.id }
func (m *mockListener) Protocol() string { return m.protocol }
func (m *mockListener) Addr() string     { return m.addr }

func (m *mockListener) Start(ctx context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *mockListener) Stop(ctx context.Context) error {
	m.stopped = true
	return m.stopErr
}

func TestManagerAdd(t *testing.T) {
	m := NewManager()

	l := &mockListener{id: "test1", protocol: "http", addr: ":8080"}
	if err := m.Add(l); err != nil {
		t.Errorf("Add failed: %v", err)
	}

	if err := m.Add(l); err == nil {
		t.Error("Add should fail for duplicate listener ID")
	}
}

func TestManagerGet(t *testing.T) {
	m := NewManager()

	l := &mockListener{id: "test1", protocol: "http", addr: ":8080"}
	m.Add(l)

	got, ok := m.Get("test1")
	if !ok {
		t.Fatal("Get should return true for existing listener")
	}
	if got.ID() != "test1" {
		t.Errorf("got wrong listener ID: %s", got.ID())
	}

	if _, ok := m.Get("nonexistent"); ok {
		t.Error("Get should return false for non-existent listener")
	}
}

func TestManagerRemove(t *testing.T) {
	m := NewManager()

	m.Add(&mockListener{id: "test1"})

	if err := m.Remove("test1"); err != nil {
		t.Errorf("Remove failed: %v", err)
	}
	if _, ok := m.Get("test1"); ok {
		t.Error("listener should not exist after removal")
	}
	if err := m.Remove("nonexistent"); err == nil {
		t.Error("Remove should fail for non-existent listener")
	}
}

func TestManagerCountAndList(t *testing.T) {
	m := NewManager()

	if m.Count() != 0 {
		t.Errorf("initial count should be 0, got %d", m.Count())
	}

	m.Add(&mockListener{id: "l1"})
	m.Add(&mockListener{id: "l2"})
	m.Add(&mockListener{id: "l3"})

	if m.Count() != 3 {
		t.Errorf("count should be 3, got %d", m.Count())
	}

	m.Remove("l2")
	if m.Count() != 2 {
		t.Errorf("count should be 2 after removal, got %d", m.Count())
	}

	ids := m.List()
	if len(ids) != 2 || ids[0] != "l1" || ids[1] != "l3" {
		t.Errorf("List should keep registration order, got %v", ids)
	}
}

func TestManagerStartAll(t *testing.T) {
	m := NewManager()

	l1 := &mockListener{id: "l1"}
	l2 := &mockListener{id: "l2"}
	m.Add(l1)
	m.Add(l2)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}
	if !l1.started || !l2.started {
		t.Error("all listeners should be started")
	}
}

func TestManagerStartAllStopsOnFailure(t *testing.T) {
	m := NewManager()

	good := &mockListener{id: "good"}
	bad := &mockListener{id: "bad", startErr: errors.New("bind failed")}
	late := &mockListener{id: "late"}
	m.Add(good)
	m.Add(bad)
	m.Add(late)

	err := m.StartAll(context.Background())
	if err == nil {
		t.Fatal("StartAll should fail when a listener cannot bind")
	}
	if !strings.Contains(err.Error(), "bind failed") {
		t.Errorf("error should contain underlying cause, got: %v", err)
	}
	if !good.stopped {
		t.Error("already-started listener should be stopped after a failed startup")
	}
	if late.started {
		t.Error("listeners after the failure should not start")
	}
}

func TestManagerStopAll(t *testing.T) {
	m := NewManager()

	l1 := &mockListener{id: "l1"}
	l2 := &mockListener{id: "l2"}
	m.Add(l1)
	m.Add(l2)

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}
	if !l1.stopped || !l2.stopped {
		t.Error("all listeners should be stopped")
	}
}

func TestManagerStopAllCollectsErrors(t *testing.T) {
	m := NewManager()

	good := &mockListener{id: "good"}
	bad := &mockListener{id: "bad", stopErr: errors.New("stop failed")}
	m.Add(good)
	m.Add(bad)

	err := m.StopAll(context.Background())
	if err == nil {
		t.Fatal("StopAll should return an error when a listener fails to stop")
	}
	if !strings.Contains(err.Error(), "stop failed") {
		t.Errorf("error should contain underlying cause, got: %v", err)
	}
	if !good.stopped {
		t.Error("remaining listeners should still stop")
	}
}

func TestManagerEmpty(t *testing.T) {
	m := NewManager()

	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("StartAll with no listeners should not error, got: %v", err)
	}
	if err := m.StopAll(context.Background()); err != nil {
		t.Errorf("StopAll with no listeners should not error, got: %v", err)
	}
}
