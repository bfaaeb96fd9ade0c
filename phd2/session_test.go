package phd2

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeServer binds a loopback listener and derives the Instance number a
// Session must be given to dial it, since Connect has no raw-port escape
// hatch (§ External Interfaces: port is always 4400+instance-1).
type fakeServer struct {
	ln   net.Listener
	port int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return &fakeServer{ln: ln, port: ln.Addr().(*net.TCPAddr).Port}
}

func (f *fakeServer) instance() int { return f.port - 4400 + 1 }

func (f *fakeServer) accept(t *testing.T) net.Conn {
	t.Helper()
	c, err := f.ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// connectSession dials a fresh Session against f and blocks until Connect
// completes, returning both the Session and the server's accepted end.
func connectSession(t *testing.T, f *fakeServer) (*Session, net.Conn) {
	t.Helper()
	s := NewSession(Options{Host: "127.0.0.1", Instance: f.instance()})
	t.Cleanup(s.Disconnect)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()
	srv := f.accept(t)
	if err := <-errCh; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s, srv
}

func readServerLine(t *testing.T, c net.Conn) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8192)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	return strings.TrimRight(string(buf[:n]), "\r\n")
}

func writeServerLine(t *testing.T, c net.Conn, line string) {
	t.Helper()
	if _, err := c.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func decodeRequest(t *testing.T, line string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("decode request %q: %v", line, err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestSessionVersionCapture is scenario 1 of § Testable Properties.
func TestSessionVersionCapture(t *testing.T) {
	f := newFakeServer(t)
	s, srv := connectSession(t, f)

	writeServerLine(t, srv, `{"Event":"Version","PHDVersion":"2.6.13","PHDSubver":"a"}`)

	waitFor(t, "version captured", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.version == "2.6.13"
	})
	s.mu.Lock()
	subver := s.phdSubver
	s.mu.Unlock()
	if subver != "a" {
		t.Fatalf("phdSubver = %q, want %q", subver, "a")
	}
}

// TestSessionGuideSettlingDone is scenario 2: Guide sends the request,
// a Settling event becomes visible to CheckSettling, and SettleDone both
// clears it and marks it Done exactly once.
func TestSessionGuideSettlingDone(t *testing.T) {
	f := newFakeServer(t)
	s, srv := connectSession(t, f)

	guideErr := make(chan error, 1)
	go func() { guideErr <- s.Guide(2.0, 10.0, 100.0) }()

	req := decodeRequest(t, readServerLine(t, srv))
	if req["method"] != "guide" {
		t.Fatalf("method = %v, want guide", req["method"])
	}
	params, ok := req["params"].([]interface{})
	if !ok || len(params) != 2 {
		t.Fatalf("params = %#v, want 2-element array", req["params"])
	}
	opts, ok := params[0].(map[string]interface{})
	if !ok || opts["pixels"] != 2.0 || opts["time"] != 10.0 || opts["timeout"] != 100.0 {
		t.Fatalf("guide options = %#v, want pixels=2 time=10 timeout=100", params[0])
	}
	if params[1] != false {
		t.Fatalf("recalc flag = %v, want false", params[1])
	}

	writeServerLine(t, srv, `{"jsonrpc":"2.0","result":0,"id":1}`)
	if err := <-guideErr; err != nil {
		t.Fatalf("Guide: %v", err)
	}

	writeServerLine(t, srv, `{"Event":"Settling","Distance":3.1,"Time":1.0,"SettleTime":10.0}`)
	waitFor(t, "settle progress installed", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.settle != nil && !s.settle.Done && s.settle.Distance == 3.1
	})

	progress, err := s.CheckSettling()
	if err != nil {
		t.Fatalf("CheckSettling: %v", err)
	}
	if progress.Done || progress.Distance != 3.1 || progress.SettlePx != 2.0 || progress.Time != 1.0 || progress.SettleTime != 10.0 {
		t.Fatalf("progress = %+v, want {Done:false Distance:3.1 SettlePx:2 Time:1 SettleTime:10}", progress)
	}

	writeServerLine(t, srv, `{"Event":"SettleDone","Status":0}`)
	waitFor(t, "settle marked done", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.settle != nil && s.settle.Done
	})

	done, err := s.CheckSettling()
	if err != nil {
		t.Fatalf("CheckSettling (done): %v", err)
	}
	if !done.Done || done.Status != 0 || done.Error != nil {
		t.Fatalf("done progress = %+v, want {Done:true Status:0 Error:nil}", done)
	}

	if _, err := s.CheckSettling(); err == nil {
		t.Fatal("CheckSettling after consuming Done should fail NotSettling")
	} else if _, ok := err.(*NotSettlingError); !ok {
		t.Fatalf("err = %T, want *NotSettlingError", err)
	}
}

// TestSessionStopCaptureTimeoutWorkaround is scenario 4: when no
// GuidingStopped arrives within the deadline, StopCapture polls
// get_app_state and adopts its answer.
func TestSessionStopCaptureTimeoutWorkaround(t *testing.T) {
	f := newFakeServer(t)
	s, srv := connectSession(t, f)

	stopErr := make(chan error, 1)
	go func() { stopErr <- s.StopCapture(time.Second) }()

	req := decodeRequest(t, readServerLine(t, srv))
	if req["method"] != "stop_capture" {
		t.Fatalf("method = %v, want stop_capture", req["method"])
	}
	writeServerLine(t, srv, `{"jsonrpc":"2.0","result":0,"id":1}`)

	// No GuidingStopped is sent, simulating the trailing-GuideStep bug.
	req2 := decodeRequest(t, readServerLine(t, srv))
	if req2["method"] != "get_app_state" {
		t.Fatalf("method = %v, want get_app_state", req2["method"])
	}
	writeServerLine(t, srv, `{"jsonrpc":"2.0","result":"Stopped","id":1}`)

	if err := <-stopErr; err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	st, _, err := s.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st != AppStateStopped {
		t.Fatalf("AppState = %q, want Stopped", st)
	}
}

// TestSessionCaptureSingleFrameInvalidArgument is scenario 5: path with
// save=false fails fast without writing anything to the wire.
func TestSessionCaptureSingleFrameInvalidArgument(t *testing.T) {
	f := newFakeServer(t)
	s, srv := connectSession(t, f)

	path := "/x"
	save := false
	err := s.CaptureSingleFrame(CaptureSingleFrameParams{Path: &path, Save: &save})
	if err == nil {
		t.Fatal("CaptureSingleFrame should fail")
	}
	if _, ok := err.(*InvalidArgumentError); !ok {
		t.Fatalf("err = %T, want *InvalidArgumentError", err)
	}

	srv.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	if _, rerr := srv.Read(buf); rerr == nil {
		t.Fatal("CaptureSingleFrame wrote a request despite InvalidArgumentError")
	}
}

// TestSessionConnectEquipmentUnknownProfile is scenario 6: an unmatched
// profile name fails without ever calling set_profile.
func TestSessionConnectEquipmentUnknownProfile(t *testing.T) {
	f := newFakeServer(t)
	s, srv := connectSession(t, f)

	connErr := make(chan error, 1)
	go func() { connErr <- s.ConnectEquipment("B") }()

	req := decodeRequest(t, readServerLine(t, srv))
	if req["method"] != "get_profile" {
		t.Fatalf("method = %v, want get_profile", req["method"])
	}
	writeServerLine(t, srv, `{"jsonrpc":"2.0","result":{"name":"A"},"id":1}`)

	req2 := decodeRequest(t, readServerLine(t, srv))
	if req2["method"] != "get_profiles" {
		t.Fatalf("method = %v, want get_profiles", req2["method"])
	}
	writeServerLine(t, srv, `{"jsonrpc":"2.0","result":[{"name":"A","id":1}],"id":1}`)

	err := <-connErr
	if err == nil {
		t.Fatal("ConnectEquipment should fail for an unknown profile")
	}
	if _, ok := err.(*UnknownProfileError); !ok {
		t.Fatalf("err = %T, want *UnknownProfileError", err)
	}

	srv.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	if _, rerr := srv.Read(buf); rerr == nil {
		t.Fatal("ConnectEquipment called set_profile despite an unknown profile")
	}
}

// TestSessionDisconnectUnblocksPendingCall covers the Disconnect/Call
// ordering guarantee: a dropped connection wakes a blocked caller with
// NotConnectedError rather than hanging forever.
func TestSessionDisconnectUnblocksPendingCall(t *testing.T) {
	f := newFakeServer(t)
	s, srv := connectSession(t, f)

	callErr := make(chan error, 1)
	go func() {
		_, err := s.Call("get_app_state", nil)
		callErr <- err
	}()

	readServerLine(t, srv) // drain the request so the call is genuinely blocked
	s.Disconnect()

	select {
	case err := <-callErr:
		if _, ok := err.(*NotConnectedError); !ok {
			t.Fatalf("err = %T, want *NotConnectedError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not unblock after Disconnect")
	}
}
