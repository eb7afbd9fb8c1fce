package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/devices"
	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h *Hub, method, path, body string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, req)
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s %s body=%q: %v", method, path, rr.Body.String(), err)
	}
	return rr.Code, out
}

func TestAdminHealthAndReadiness(t *testing.T) {
	testlog.Start(t)
	h, err := newHub(t, DefaultConfig())
	require.NoError(t, err)

	code, body := serve(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])

	code, body = serve(t, h, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, false, body["ready"])

	live := startHub(t, DefaultConfig())
	code, body = serve(t, live, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["ready"])
}

func TestAdminListsHandlersAndDevices(t *testing.T) {
	testlog.Start(t)
	h := startHub(t, DefaultConfig())

	code, body := serve(t, h, http.MethodGet, "/handlers", "")
	require.Equal(t, http.StatusOK, code)
	list, ok := body["handlers"].([]any)
	require.True(t, ok)
	require.Len(t, list, 4)
	first := list[0].(map[string]any)
	require.EqualValues(t, 1, first["opcode"])
	require.Equal(t, "authenticate", first["name"])

	d := dialDevice(t, h.Addr())
	id := d.authenticate(t)
	code, body = serve(t, h, http.MethodGet, "/devices", "")
	require.Equal(t, http.StatusOK, code)
	devs := body["devices"].([]any)
	require.Len(t, devs, 1)
	require.Equal(t, id, devs[0].(map[string]any)["id"])

	code, body = serve(t, h, http.MethodGet, "/devices/"+id, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["authenticated"])
}

func TestAdminSendQueuesToDevice(t *testing.T) {
	testlog.Start(t)
	h := startHub(t, DefaultConfig())
	d := dialDevice(t, h.Addr())
	id := d.authenticate(t)

	code, _ := serve(t, h, http.MethodPost, "/devices/"+id+"/send", `{"opcode":2,"content":{"success":true,"resp":"hello"}}`)
	require.Equal(t, http.StatusAccepted, code)
	env := d.next(t)
	require.Equal(t, 2, env.Opcode)
	require.Equal(t, id, env.DeviceID)
	require.Equal(t, "hello", env.Content.(map[string]any)["resp"])
}

func TestAdminRouteErrors(t *testing.T) {
	testlog.Start(t)
	h, err := newHub(t, DefaultConfig())
	require.NoError(t, err)

	code, _ := serve(t, h, http.MethodGet, "/devices/missing", "")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = serve(t, h, http.MethodPost, "/devices/missing/send", `{"opcode":2,"content":null}`)
	require.Equal(t, http.StatusNotFound, code)

	code, body := serve(t, h, http.MethodPost, "/devices/missing/send", `{"opcode":9}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "unknown opcode", body["error"])

	code, _ = serve(t, h, http.MethodPost, "/devices/missing/get", `not json`)
	require.Equal(t, http.StatusBadRequest, code)

	require.Equal(t, http.StatusConflict, statusFor(devices.ErrNotAuthenticated))
}

func TestAdminExposesUnclaimedReplies(t *testing.T) {
	testlog.Start(t)
	h := startHub(t, DefaultConfig())
	d := dialDevice(t, h.Addr())
	id := d.authenticate(t)
	dev, ok := h.Devices().Lookup(id)
	require.True(t, ok)
	dev.Inbox().Push(bridge.Request{
		CorrelationID: "stale-call",
		Status:        bridge.StatusResponse,
		TargetOpcode:  2,
		Payload:       []any{"late"},
	})

	code, body := serve(t, h, http.MethodGet, "/devices/"+id, "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["unclaimed"])
	inbox := body["inbox"].([]any)
	require.Len(t, inbox, 1)
	require.Equal(t, "stale-call", inbox[0].(map[string]any)["correlation-id"])

	code, body = serve(t, h, http.MethodDelete, "/devices/"+id+"/inbox/stale-call", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "late", body["payload"].([]any)[0])
	require.Zero(t, dev.Inbox().Len())

	code, _ = serve(t, h, http.MethodDelete, "/devices/"+id+"/inbox/stale-call", "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = serve(t, h, http.MethodDelete, "/devices/missing/inbox/stale-call", "")
	require.Equal(t, http.StatusNotFound, code)
}
