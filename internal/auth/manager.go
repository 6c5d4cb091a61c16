package auth

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/BYU-PCCL/footron-api/internal/metrics"
	"github.com/BYU-PCCL/footron-api/internal/protocol"
)

// placardLockSentinel is pushed as the placard URL while no code is valid,
// so the placard renders a locked state instead of a dead QR code.
const placardLockSentinel = "lock"

// controllerCallTimeout bounds every outbound controller call made by the
// manager's background work.
const controllerCallTimeout = 5 * time.Second

// placardPollInterval is how often the watchdog re-checks the placard URL.
const placardPollInterval = time.Second

// Listener is called with the new current code after every rotation or
// lock-driven code change.
type Listener func(current Code)

// Controller is the slice of the controller API the auth manager drives.
type Controller interface {
	// PatchPlacardURL replaces the placard QR target.
	PatchPlacardURL(ctx context.Context, url string) error
	// PlacardURL reports the controller's current placard URL; nil means the
	// placard has been cleared.
	PlacardURL(ctx context.Context) (*string, error)
	// PatchCurrentExperience forwards fields onto the current experience.
	PatchCurrentExperience(ctx context.Context, fields map[string]any) error
}

// Manager owns the current and next auth codes, the admission lock, and the
// auto-cycle timer. All mutations serialize on one mutex; readers always see
// a consistent (current, next, lock) triple.
type Manager struct {
	controller Controller
	baseURL    string
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Registry

	mu        sync.Mutex
	current   Code
	next      Code // empty iff lock is closed
	lock      protocol.Lock
	prevLock  protocol.Lock
	timer     *time.Timer
	listeners map[int]Listener
	nextID    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager with a fresh current and next code and an
// open lock. Background work does not begin until Start.
func NewManager(c Controller, baseURL string, timeout time.Duration, logger *slog.Logger, m *metrics.Registry) (*Manager, error) {
	current, err := NewCode()
	if err != nil {
		return nil, err
	}
	next, err := NewCode()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		controller: c,
		baseURL:    baseURL,
		timeout:    timeout,
		logger:     logger.With(slog.String("component", "auth")),
		metrics:    m,
		current:    current,
		next:       next,
		lock:       protocol.OpenLock(),
		prevLock:   protocol.OpenLock(),
		listeners:  make(map[int]Listener),
	}, nil
}

// Start pushes the initial placard URL, arms the auto-cycle timer, and
// launches the placard watchdog. Stop with Close.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.cancel = cancel
	m.rearmTimerLocked()
	target := m.placardURLLocked()
	m.mu.Unlock()

	m.pushPlacardURL(target)

	m.wg.Add(1)
	go m.watchPlacard(ctx)
}

// Close cancels the watchdog and the auto-cycle timer. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Check reports whether code matches the current code.
func (m *Manager) Check(code Code) bool {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	return code.Equal(current)
}

// CheckNext reports whether code matches the next code. Always false while
// the lock is closed.
func (m *Manager) CheckNext(code Code) bool {
	m.mu.Lock()
	next := m.next
	m.mu.Unlock()
	return code.Equal(next)
}

// Lock returns the active lock state.
func (m *Manager) Lock() protocol.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lock
}

// Snapshot returns a consistent view of (current, next, lock).
func (m *Manager) Snapshot() (current, next Code, lock protocol.Lock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.next, m.lock
}

// Advance promotes next to current and mints a fresh next code. While the
// lock is closed or holds a capacity, rotation is suspended and only the
// auto-cycle timer is disarmed. Safe to call from the timer and from
// admission paths concurrently; each call performs at most one rotation.
func (m *Manager) Advance() {
	m.mu.Lock()
	rotated := m.rotateLocked()
	m.rearmTimerLocked()
	current := m.current
	target := m.placardURLLocked()
	m.mu.Unlock()

	m.finishRotation(rotated, current, target)
}

// Admit reports whether code grants admission, deciding both slots against
// one consistent snapshot so a rotation firing between two separate checks
// cannot reject a code that was valid throughout. A hit on the advertised
// next code burns it: the slot is promoted to current and a fresh next code
// is minted before Admit returns.
func (m *Manager) Admit(code Code) bool {
	m.mu.Lock()
	if code.Equal(m.current) {
		m.mu.Unlock()
		return true
	}
	if !code.Equal(m.next) {
		m.mu.Unlock()
		return false
	}
	rotated := m.rotateLocked()
	m.rearmTimerLocked()
	current := m.current
	target := m.placardURLLocked()
	m.mu.Unlock()

	m.finishRotation(rotated, current, target)
	return true
}

// rotateLocked performs one code rotation iff the lock is open. Callers must
// hold mu.
func (m *Manager) rotateLocked() bool {
	if !m.lock.IsOpen() {
		return false
	}
	next, err := NewCode()
	if err != nil {
		m.logger.Error("code generation failed, keeping current codes", slog.String("error", err.Error()))
		return false
	}
	m.current = m.next
	m.next = next
	return true
}

// finishRotation reports a completed rotation to metrics, listeners, and the
// placard. Called without mu held.
func (m *Manager) finishRotation(rotated bool, current Code, target string) {
	if !rotated {
		return
	}
	if m.metrics != nil {
		m.metrics.CodeRotations.Inc()
	}
	m.logger.Info("auth code advanced")
	m.notify(current)
	m.pushPlacardURL(target)
}

// SetLock transitions the admission lock. A no-op when the state is
// unchanged; otherwise the code slots are adjusted per the transition, the
// lock is pushed to the controller, listeners fire, and the placard URL is
// refreshed.
func (m *Manager) SetLock(lock protocol.Lock) {
	m.mu.Lock()
	if lock == m.lock {
		m.mu.Unlock()
		return
	}
	old := m.lock
	m.prevLock = old
	m.lock = lock

	switch {
	case lock.IsClosed():
		m.next = ""
		if old.IsOpen() {
			// Kick anyone holding the freshly-revoked next code.
			if code, err := NewCode(); err == nil {
				m.current = code
			} else {
				m.logger.Error("code generation failed during close", slog.String("error", err.Error()))
			}
		}
	case lock.IsOpen():
		// Leaving closed or capacity state: the old code has been shared
		// beyond one client, so both slots start over.
		if code, err := NewCode(); err == nil {
			m.current = code
		}
		if code, err := NewCode(); err == nil {
			m.next = code
		}
	default: // capacity
		m.next = m.current
	}

	m.rearmTimerLocked()
	current := m.current
	target := m.placardURLLocked()
	m.mu.Unlock()

	m.logger.Info("lock changed",
		slog.String("from", old.String()),
		slog.String("to", lock.String()))
	m.pushLock(lock)
	m.notify(current)
	m.pushPlacardURL(target)
}

// AddListener registers f and returns a handle for RemoveListener.
func (m *Manager) AddListener(f Listener) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = f
	return id
}

// RemoveListener unregisters the listener behind handle.
func (m *Manager) RemoveListener(handle int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, handle)
}

// rearmTimerLocked cancels any armed auto-cycle timer and arms a new one iff
// the lock is open. Callers must hold mu.
func (m *Manager) rearmTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.lock.IsOpen() && m.timeout > 0 {
		m.timer = time.AfterFunc(m.timeout, m.Advance)
	}
}

// placardURLLocked computes the URL the placard should show. Callers must
// hold mu.
func (m *Manager) placardURLLocked() string {
	if m.next == "" {
		return placardLockSentinel
	}
	target, err := url.JoinPath(m.baseURL, "c", string(m.next))
	if err != nil {
		m.logger.Error("placard url join failed", slog.String("error", err.Error()))
		return placardLockSentinel
	}
	return target
}

// notify runs every listener concurrently with the new current code and
// waits for the batch to finish.
func (m *Manager) notify(current Code) {
	m.mu.Lock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, f := range m.listeners {
		listeners = append(listeners, f)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, f := range listeners {
		wg.Add(1)
		go func(f Listener) {
			defer wg.Done()
			f(current)
		}(f)
	}
	wg.Wait()
}

func (m *Manager) pushPlacardURL(target string) {
	ctx, cancel := context.WithTimeout(context.Background(), controllerCallTimeout)
	defer cancel()
	if err := m.controller.PatchPlacardURL(ctx, target); err != nil {
		m.logger.Warn("placard url update failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) pushLock(lock protocol.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), controllerCallTimeout)
	defer cancel()
	if err := m.controller.PatchCurrentExperience(ctx, map[string]any{"lock": lock}); err != nil {
		m.logger.Warn("lock update failed", slog.String("error", err.Error()))
	}
}

// watchPlacard repairs a cleared placard URL once a second. Transport errors
// are expected while the controller restarts and are ignored.
func (m *Manager) watchPlacard(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(placardPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, controllerCallTimeout)
		current, err := m.controller.PlacardURL(callCtx)
		cancel()
		if err != nil {
			continue
		}
		if current != nil {
			continue
		}

		m.mu.Lock()
		target := m.placardURLLocked()
		m.mu.Unlock()
		m.pushPlacardURL(target)
	}
}
