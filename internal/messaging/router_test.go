package messaging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BYU-PCCL/footron-api/internal/auth"
	"github.com/BYU-PCCL/footron-api/internal/protocol"
)

type nopController struct{}

func (nopController) PatchPlacardURL(context.Context, string) error { return nil }

func (nopController) PlacardURL(context.Context) (*string, error) {
	url := "http://example.test/c/x"
	return &url, nil
}

func (nopController) PatchCurrentExperience(context.Context, map[string]any) error { return nil }

func newTestRouter(t *testing.T) (*auth.Manager, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr, err := auth.NewManager(nopController{}, "http://example.test", time.Hour, logger, nil)
	if err != nil {
		t.Fatalf("manager setup failed: %v", err)
	}

	r := NewRouter(mgr, nopController{}, logger, nil)
	r.Start()
	t.Cleanup(r.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/in/", func(w http.ResponseWriter, req *http.Request) {
		code := strings.TrimPrefix(req.URL.Path, "/in/")
		r.HandleClient(w, req, auth.Code(code))
	})
	mux.HandleFunc("/out/", func(w http.ResponseWriter, req *http.Request) {
		r.HandleApp(w, req, strings.TrimPrefix(req.URL.Path, "/out/"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return mgr, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", url, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, m protocol.Message) {
	t.Helper()
	data, err := protocol.Serialize(m)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// await reads frames until one of the wanted type arrives, skipping
// interleaved heartbeats.
func await(t *testing.T, c *websocket.Conn, want protocol.MessageType) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = c.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", want, err)
		}
		m, err := protocol.Deserialize(data)
		if err != nil {
			t.Fatalf("bad frame while waiting for %s: %v", want, err)
		}
		if m.MessageType() == want {
			return m
		}
	}
	t.Fatalf("timed out waiting for %s", want)
	return nil
}

func awaitClose(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func TestClientAppRoundTrip(t *testing.T) {
	mgr, wsURL := newTestRouter(t)
	current, _, _ := mgr.Snapshot()

	app := dial(t, wsURL+"/out/demo")
	client := dial(t, wsURL+"/in/"+string(current))

	send(t, client, &protocol.ConnectMessage{App: "demo"})

	// Open lock: the router accepts on the app's behalf.
	access := await(t, client, protocol.TypeAccess).(*protocol.AccessMessage)
	if !access.Accepted {
		t.Fatalf("expected acceptance, got reason %q", access.Reason)
	}
	if access.App != "demo" {
		t.Errorf("expected app demo in access frame, got %q", access.App)
	}
	if access.Client != "" {
		t.Errorf("client field should be stripped toward clients, got %q", access.Client)
	}

	connect := await(t, app, protocol.TypeConnect).(*protocol.ConnectMessage)
	if connect.Client == "" {
		t.Fatal("connect toward app should carry the client id")
	}
	clientID := connect.Client

	send(t, client, &protocol.ApplicationClientMessage{Body: map[string]any{"answer": 42.0}})
	fromClient := await(t, app, protocol.TypeApplicationClient).(*protocol.ApplicationClientMessage)
	if fromClient.Client != clientID {
		t.Errorf("expected client id %q stamped, got %q", clientID, fromClient.Client)
	}

	send(t, app, &protocol.ApplicationAppMessage{Body: "hello", Client: clientID})
	fromApp := await(t, client, protocol.TypeApplicationApp).(*protocol.ApplicationAppMessage)
	if fromApp.App != "demo" {
		t.Errorf("expected app stamped toward client, got %q", fromApp.App)
	}
	if fromApp.Client != "" {
		t.Errorf("client field should be stripped toward clients, got %q", fromApp.Client)
	}
	if fromApp.Body != "hello" {
		t.Errorf("body mangled in transit: %v", fromApp.Body)
	}
}

func TestInvalidCodeRejected(t *testing.T) {
	_, wsURL := newTestRouter(t)

	client := dial(t, wsURL+"/in/not-a-code")
	access := await(t, client, protocol.TypeAccess).(*protocol.AccessMessage)
	if access.Accepted {
		t.Fatal("expected rejection for an invalid code")
	}
	if access.Reason == "" {
		t.Error("rejection should carry a reason")
	}
	awaitClose(t, client)
}

func TestNextCodeAdmissionAdvances(t *testing.T) {
	mgr, wsURL := newTestRouter(t)
	_, next, _ := mgr.Snapshot()

	dial(t, wsURL+"/out/demo")
	client := dial(t, wsURL+"/in/"+string(next))

	send(t, client, &protocol.ConnectMessage{App: "demo"})
	access := await(t, client, protocol.TypeAccess).(*protocol.AccessMessage)
	if !access.Accepted {
		t.Fatalf("next code should admit, got reason %q", access.Reason)
	}

	// First use burns the advertised code: it is now the current one.
	if !mgr.Check(next) {
		t.Error("next code should have been promoted to current")
	}
}

func TestRotationEvictsStaleClients(t *testing.T) {
	mgr, wsURL := newTestRouter(t)
	current, _, _ := mgr.Snapshot()

	client := dial(t, wsURL+"/in/"+string(current))
	// Registration races the Advance below; wait until the router owns the
	// socket by provoking any response.
	send(t, client, &protocol.ConnectMessage{App: "ghost"})
	await(t, client, protocol.TypeHeartbeatApp)

	mgr.Advance()

	access := await(t, client, protocol.TypeAccess).(*protocol.AccessMessage)
	if access.Accepted {
		t.Fatal("expected eviction notice after rotation")
	}
	awaitClose(t, client)
}

func TestClosedLockLeavesAcceptanceToApp(t *testing.T) {
	mgr, wsURL := newTestRouter(t)
	mgr.SetLock(protocol.ClosedLock())
	current, _, _ := mgr.Snapshot()

	app := dial(t, wsURL+"/out/demo")
	client := dial(t, wsURL+"/in/"+string(current))

	send(t, client, &protocol.ConnectMessage{App: "demo"})
	connect := await(t, app, protocol.TypeConnect).(*protocol.ConnectMessage)

	// No short-circuit happened, so the only access frame the client sees is
	// the one the app sends.
	send(t, app, &protocol.AccessMessage{Accepted: true, Client: connect.Client})
	access := await(t, client, protocol.TypeAccess).(*protocol.AccessMessage)
	if !access.Accepted {
		t.Fatalf("app acceptance should reach the client, got reason %q", access.Reason)
	}
	if access.App != "demo" {
		t.Errorf("expected app stamped on acceptance, got %q", access.App)
	}
}

func TestClosedLockKeepsBoundClient(t *testing.T) {
	mgr, wsURL := newTestRouter(t)
	current, _, _ := mgr.Snapshot()

	app := dial(t, wsURL+"/out/demo")
	client := dial(t, wsURL+"/in/"+string(current))
	send(t, client, &protocol.ConnectMessage{App: "demo"})
	await(t, client, protocol.TypeAccess)
	connect := await(t, app, protocol.TypeConnect).(*protocol.ConnectMessage)

	mgr.SetLock(protocol.ClosedLock())

	// Closing revokes both codes, but the session admitted before the close
	// keeps flowing in both directions.
	send(t, client, &protocol.ApplicationClientMessage{Body: "still here"})
	fromClient := await(t, app, protocol.TypeApplicationClient).(*protocol.ApplicationClientMessage)
	if fromClient.Client != connect.Client {
		t.Errorf("expected a frame from client %q, got %q", connect.Client, fromClient.Client)
	}

	send(t, app, &protocol.ApplicationAppMessage{Body: "ack", Client: connect.Client})
	fromApp := await(t, client, protocol.TypeApplicationApp).(*protocol.ApplicationAppMessage)
	if fromApp.Body != "ack" {
		t.Errorf("body mangled in transit: %v", fromApp.Body)
	}
}

func TestDeniedAccessNotifiesApp(t *testing.T) {
	mgr, wsURL := newTestRouter(t)
	current, _, _ := mgr.Snapshot()

	app := dial(t, wsURL+"/out/demo")
	client := dial(t, wsURL+"/in/"+string(current))
	send(t, client, &protocol.ConnectMessage{App: "demo"})
	await(t, client, protocol.TypeAccess)
	connect := await(t, app, protocol.TypeConnect).(*protocol.ConnectMessage)

	send(t, app, &protocol.AccessMessage{Accepted: false, Client: connect.Client, Reason: "session ended"})

	access := await(t, client, protocol.TypeAccess).(*protocol.AccessMessage)
	if access.Accepted {
		t.Fatal("the denial should reach the client")
	}
	awaitClose(t, client)

	// Revoking a client is a removal; the app learns via a per-client down
	// heartbeat.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		hb := await(t, app, protocol.TypeHeartbeatClient).(*protocol.HeartbeatClientMessage)
		if !hb.Up && len(hb.Clients) == 1 && hb.Clients[0] == connect.Client {
			return
		}
	}
	t.Fatal("app never saw the down heartbeat for the revoked client")
}

func TestCapacityLockAdmitsOnFrozenCode(t *testing.T) {
	mgr, wsURL := newTestRouter(t)
	capacity, err := protocol.CapacityLock(2)
	if err != nil {
		t.Fatalf("capacity lock: %v", err)
	}
	mgr.SetLock(capacity)
	current, next, _ := mgr.Snapshot()
	if next != current {
		t.Fatalf("capacity lock should freeze the code, got current %q next %q", current, next)
	}

	dial(t, wsURL+"/out/demo")

	// Two visitors join on the same frozen code; the short-circuit still
	// applies because the lock is not closed.
	for i := 0; i < 2; i++ {
		client := dial(t, wsURL+"/in/"+string(current))
		send(t, client, &protocol.ConnectMessage{App: "demo"})
		access := await(t, client, protocol.TypeAccess).(*protocol.AccessMessage)
		if !access.Accepted {
			t.Fatalf("frozen code should admit, got reason %q", access.Reason)
		}
	}

	// Admission did not rotate: the code is still current.
	if !mgr.Check(current) {
		t.Error("capacity admission must not rotate the code")
	}
}

func TestAppDisconnectTurnsHeartbeatNegative(t *testing.T) {
	mgr, wsURL := newTestRouter(t)
	current, _, _ := mgr.Snapshot()

	app := dial(t, wsURL+"/out/demo")
	client := dial(t, wsURL+"/in/"+string(current))
	send(t, client, &protocol.ConnectMessage{App: "demo"})
	await(t, client, protocol.TypeAccess)

	_ = app.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		hb := await(t, client, protocol.TypeHeartbeatApp).(*protocol.HeartbeatAppMessage)
		if !hb.Up {
			return
		}
	}
	t.Fatal("client never learned its app went down")
}

func TestForbiddenClientFrameEndsSession(t *testing.T) {
	mgr, wsURL := newTestRouter(t)
	current, _, _ := mgr.Snapshot()

	client := dial(t, wsURL+"/in/"+string(current))
	send(t, client, &protocol.DisplaySettingsMessage{})

	access := await(t, client, protocol.TypeAccess).(*protocol.AccessMessage)
	if access.Accepted {
		t.Fatal("display settings from a client should be rejected")
	}
	awaitClose(t, client)
}

func TestConnectToMissingApp(t *testing.T) {
	mgr, wsURL := newTestRouter(t)
	current, _, _ := mgr.Snapshot()

	client := dial(t, wsURL+"/in/"+string(current))
	send(t, client, &protocol.ConnectMessage{App: "nope"})

	hb := await(t, client, protocol.TypeHeartbeatApp).(*protocol.HeartbeatAppMessage)
	if hb.Up {
		t.Error("expected a down heartbeat for a missing app")
	}
}

func TestDuplicateAppReplacesOlderSocket(t *testing.T) {
	mgr, wsURL := newTestRouter(t)

	first := dial(t, wsURL+"/out/demo")
	second := dial(t, wsURL+"/out/demo")

	// The older socket is closed once the newcomer registers.
	awaitClose(t, first)

	// The replacement still serves the app id.
	current, _, _ := mgr.Snapshot()
	client := dial(t, wsURL+"/in/"+string(current))
	send(t, client, &protocol.ConnectMessage{App: "demo"})
	if connect := await(t, second, protocol.TypeConnect).(*protocol.ConnectMessage); connect.Client == "" {
		t.Error("connect should reach the replacement socket with a client id")
	}
}

func TestAppHeartbeatListsClients(t *testing.T) {
	mgr, wsURL := newTestRouter(t)
	current, _, _ := mgr.Snapshot()

	app := dial(t, wsURL+"/out/demo")
	client := dial(t, wsURL+"/in/"+string(current))
	send(t, client, &protocol.ConnectMessage{App: "demo"})
	await(t, client, protocol.TypeAccess)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		hb := await(t, app, protocol.TypeHeartbeatClient).(*protocol.HeartbeatClientMessage)
		if hb.Up && len(hb.Clients) == 1 {
			return
		}
	}
	t.Fatal("never saw a heartbeat naming the connected client")
}

func TestLockFromDisplaySettings(t *testing.T) {
	mgr, wsURL := newTestRouter(t)

	app := dial(t, wsURL+"/out/demo")
	lock := protocol.ClosedLock()
	send(t, app, &protocol.DisplaySettingsMessage{Settings: protocol.DisplaySettings{Lock: &lock}})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.Lock().IsClosed() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("lock change from app never applied")
}
