package auth

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BYU-PCCL/footron-api/internal/protocol"
)

type fakeController struct {
	mu          sync.Mutex
	placardURLs []string
	patches     []map[string]any
}

func (f *fakeController) PatchPlacardURL(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placardURLs = append(f.placardURLs, url)
	return nil
}

func (f *fakeController) PlacardURL(context.Context) (*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.placardURLs) == 0 {
		return nil, nil
	}
	return &f.placardURLs[len(f.placardURLs)-1], nil
}

func (f *fakeController) PatchCurrentExperience(_ context.Context, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, fields)
	return nil
}

func (f *fakeController) lastPlacardURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.placardURLs) == 0 {
		return ""
	}
	return f.placardURLs[len(f.placardURLs)-1]
}

func newTestManager(t *testing.T, timeout time.Duration) (*Manager, *fakeController) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := &fakeController{}
	m, err := NewManager(ctrl, "http://example.test", timeout, logger, nil)
	if err != nil {
		t.Fatalf("manager setup failed: %v", err)
	}
	return m, ctrl
}

func mustCapacity(t *testing.T, n int) protocol.Lock {
	t.Helper()
	lock, err := protocol.CapacityLock(n)
	if err != nil {
		t.Fatalf("capacity lock: %v", err)
	}
	return lock
}

func TestFreshManagerHasDistinctCodes(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	current, next, lock := m.Snapshot()
	if current == "" || next == "" {
		t.Fatal("both code slots should be populated")
	}
	if current == next {
		t.Error("current and next should differ")
	}
	if !lock.IsOpen() {
		t.Errorf("fresh manager lock = %s, want open", lock)
	}
}

func TestAdvanceRotates(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	oldCurrent, oldNext, _ := m.Snapshot()

	m.Advance()

	current, next, _ := m.Snapshot()
	if current != oldNext {
		t.Errorf("current = %q, want promoted next %q", current, oldNext)
	}
	if next == oldNext || next == oldCurrent {
		t.Error("next should be freshly minted")
	}
	if m.Check(oldCurrent) {
		t.Error("the previous current code should no longer pass")
	}
}

func TestAdvanceSuspendedWhileNotOpen(t *testing.T) {
	for _, lock := range []protocol.Lock{protocol.ClosedLock(), mustCapacity(t, 2)} {
		m, _ := newTestManager(t, time.Hour)
		m.SetLock(lock)
		current, next, _ := m.Snapshot()

		m.Advance()

		gotCurrent, gotNext, _ := m.Snapshot()
		if gotCurrent != current || gotNext != next {
			t.Errorf("lock %s: Advance should be a no-op, codes changed", lock)
		}
	}
}

func TestAdmitBurnsNextCode(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	oldCurrent, oldNext, _ := m.Snapshot()

	if !m.Admit(oldNext) {
		t.Fatal("the advertised next code should admit")
	}
	current, next, _ := m.Snapshot()
	if current != oldNext {
		t.Errorf("current = %q, want promoted %q", current, oldNext)
	}
	if next == oldNext || next == oldCurrent {
		t.Error("next should be freshly minted")
	}
	if m.Admit(oldCurrent) {
		t.Error("the displaced current code should no longer admit")
	}
}

func TestAdmitCurrentDoesNotRotate(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	current, next, _ := m.Snapshot()

	if !m.Admit(current) {
		t.Fatal("the current code should admit")
	}
	gotCurrent, gotNext, _ := m.Snapshot()
	if gotCurrent != current || gotNext != next {
		t.Error("admitting on the current code must not rotate")
	}
}

func TestAdmitUnderCapacityLock(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	m.SetLock(mustCapacity(t, 2))
	current, _, _ := m.Snapshot()

	if !m.Admit(current) {
		t.Fatal("the frozen code should admit")
	}
	gotCurrent, gotNext, _ := m.Snapshot()
	if gotCurrent != current || gotNext != current {
		t.Error("capacity admission must not rotate the frozen code")
	}
	if m.Admit("intruder1") {
		t.Error("an unknown code should not admit")
	}
}

func TestSetLockClosedRevokesBothCodes(t *testing.T) {
	m, ctrl := newTestManager(t, time.Hour)
	oldCurrent, oldNext, _ := m.Snapshot()

	m.SetLock(protocol.ClosedLock())

	current, next, lock := m.Snapshot()
	if !lock.IsClosed() {
		t.Fatalf("lock = %s, want closed", lock)
	}
	if next != "" {
		t.Error("closing should clear the next slot")
	}
	if m.CheckNext(oldNext) {
		t.Error("the revoked next code should not pass")
	}
	// Closing from open revokes the shared current code too.
	if current == oldCurrent || m.Check(oldCurrent) {
		t.Error("closing from open should replace the current code")
	}
	if got := ctrl.lastPlacardURL(); got != "lock" {
		t.Errorf("placard should show the lock sentinel, got %q", got)
	}
}

func TestSetLockOpenReissuesBothCodes(t *testing.T) {
	m, ctrl := newTestManager(t, time.Hour)
	m.SetLock(protocol.ClosedLock())
	closedCurrent, _, _ := m.Snapshot()

	m.SetLock(protocol.OpenLock())

	current, next, lock := m.Snapshot()
	if !lock.IsOpen() {
		t.Fatalf("lock = %s, want open", lock)
	}
	if current == closedCurrent {
		t.Error("reopening should mint a fresh current code")
	}
	if next == "" || next == current {
		t.Error("reopening should mint a fresh, distinct next code")
	}
	if got := ctrl.lastPlacardURL(); !strings.Contains(got, "/c/"+string(next)) {
		t.Errorf("placard should advertise the next code, got %q", got)
	}
}

func TestSetLockCapacityFreezesCode(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	oldCurrent, _, _ := m.Snapshot()

	m.SetLock(mustCapacity(t, 3))

	current, next, _ := m.Snapshot()
	if current != oldCurrent {
		t.Error("a capacity lock should keep the current code")
	}
	if next != current {
		t.Error("a capacity lock should advertise the current code as next")
	}
	// New clients scanning the placard join on the same code.
	if !m.CheckNext(oldCurrent) {
		t.Error("the frozen code should pass the next-code check")
	}
}

func TestSetLockSameStateIsNoop(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	notified := 0
	m.AddListener(func(Code) { notified++ })

	m.SetLock(protocol.OpenLock())

	if notified != 0 {
		t.Error("an unchanged lock should not fire listeners")
	}
}

func TestSetLockPushesLockToController(t *testing.T) {
	m, ctrl := newTestManager(t, time.Hour)
	m.SetLock(protocol.ClosedLock())

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.patches) == 0 {
		t.Fatal("lock change should be pushed to the controller")
	}
	lock, ok := ctrl.patches[len(ctrl.patches)-1]["lock"].(protocol.Lock)
	if !ok || !lock.IsClosed() {
		t.Errorf("pushed lock = %v, want closed", ctrl.patches[len(ctrl.patches)-1]["lock"])
	}
}

func TestListenersFireOnRotation(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)

	var mu sync.Mutex
	var got []Code
	handle := m.AddListener(func(c Code) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	m.Advance()
	current, _, _ := m.Snapshot()

	mu.Lock()
	if len(got) != 1 || got[0] != current {
		t.Errorf("listener saw %v, want [%s]", got, current)
	}
	mu.Unlock()

	m.RemoveListener(handle)
	m.Advance()
	mu.Lock()
	if len(got) != 1 {
		t.Error("a removed listener should not fire")
	}
	mu.Unlock()
}

func TestAutoCycleTimer(t *testing.T) {
	m, _ := newTestManager(t, 30*time.Millisecond)
	oldCurrent, _, _ := m.Snapshot()

	m.Start()
	defer m.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if current, _, _ := m.Snapshot(); current != oldCurrent {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("auto-cycle timer never rotated the code")
}

func TestStartPushesPlacardURL(t *testing.T) {
	m, ctrl := newTestManager(t, time.Hour)
	_, next, _ := m.Snapshot()

	m.Start()
	defer m.Close()

	if got := ctrl.lastPlacardURL(); !strings.Contains(got, string(next)) {
		t.Errorf("startup placard URL %q should carry the next code", got)
	}
}
