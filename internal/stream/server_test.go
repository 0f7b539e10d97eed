package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipflow/clipflow/pkg/messaging"
	"github.com/clipflow/clipflow/pkg/orchestrator"
	"github.com/clipflow/clipflow/pkg/session"
	"github.com/clipflow/clipflow/pkg/toolgateway"
)

type testEnv struct {
	ts       *httptest.Server
	sessions *session.Manager
	hub      *messaging.Hub
}

func setupTestServer(t *testing.T, register func(*toolgateway.Gateway), planner orchestrator.Planner) *testEnv {
	t.Helper()

	store, err := session.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr, err := session.NewManager(session.Config{Store: store, Logger: zerolog.Nop()})
	require.NoError(t, err)

	gw := toolgateway.New(zerolog.Nop())
	if register != nil {
		register(gw)
	}
	hub := messaging.NewHub(zerolog.Nop())

	orch := orchestrator.New(orchestrator.Config{
		Sessions:        mgr,
		Gateway:         gw,
		Hub:             hub,
		Planner:         planner,
		Logger:          zerolog.Nop(),
		ApprovalTimeout: 5 * time.Second,
	})

	srv, err := NewServer(Config{
		Host:         "127.0.0.1",
		Port:         1, // unused; tests serve via httptest
		Sessions:     mgr,
		Orchestrator: orch,
		Hub:          hub,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, sessions: mgr, hub: hub}
}

func renderArgs() map[string]interface{} {
	return map[string]interface{}{"prompt": orchestrator.PromptPlaceholder}
}

func succeedTool(name string) func(*toolgateway.Gateway) {
	return func(gw *toolgateway.Gateway) {
		_ = gw.Register(toolgateway.Definition{
			Name:        name,
			Description: name + " tool",
			Category:    "utility",
			Version:     "1.0.0",
			Inputs: []toolgateway.Field{
				{Name: "prompt", Type: "string", Description: "User request", Required: true},
			},
			Handler: func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
				return map[string]interface{}{"success": true}, nil
			},
		})
	}
}

func (e *testEnv) createSession(t *testing.T, prompt string) string {
	t.Helper()

	body, _ := json.Marshal(CreateSessionRequest{Prompt: prompt})
	resp, err := http.Post(e.ts.URL+"/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created CreateSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.SessionID)
	return created.SessionID
}

func (e *testEnv) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads frames until one of the given kind arrives.
func readUntil(t *testing.T, conn *websocket.Conn, kind messaging.Kind) messaging.Message {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var m messaging.Message
		require.NoError(t, conn.ReadJSON(&m), "waiting for %s frame", kind)
		if m.Kind == kind {
			return m
		}
	}
}

func TestServer_CreateSessionAndStream(t *testing.T) {
	planner := orchestrator.NewStaticPlanner(
		orchestrator.PlannedStep{ID: "render", Tool: "render", Description: "Render the clip", Args: renderArgs()},
	)
	env := setupTestServer(t, succeedTool("render"), planner)

	id := env.createSession(t, "Render an intro clip")
	conn := env.dial(t, id)

	complete := readUntil(t, conn, messaging.KindWorkflowComplete)
	payload := complete.Payload.(map[string]interface{})
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, id, complete.SessionID)
}

func TestServer_UserResponseFrameResolvesRequest(t *testing.T) {
	planner := orchestrator.NewStaticPlanner(
		orchestrator.PlannedStep{ID: "render", Tool: "render", Description: "Render the clip", Args: renderArgs()},
	)
	env := setupTestServer(t, func(gw *toolgateway.Gateway) {
		_ = gw.Register(toolgateway.Definition{
			Name:        "render",
			Description: "render tool",
			Category:    "utility",
			Version:     "1.0.0",
			Inputs: []toolgateway.Field{
				{Name: "prompt", Type: "string", Description: "User request", Required: true},
			},
			Handler: func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
				return map[string]interface{}{"success": false, "error": "render farm offline"}, nil
			},
		})
	}, planner)

	id := env.createSession(t, "Render an intro clip")
	conn := env.dial(t, id)

	request := readUntil(t, conn, messaging.KindUserInputRequest)
	stepID := request.Payload.(map[string]interface{})["step_id"].(string)

	require.NoError(t, conn.WriteJSON(InboundFrame{
		Type:   "user_response",
		StepID: stepID,
		Value:  "cancel",
	}))

	complete := readUntil(t, conn, messaging.KindWorkflowComplete)
	assert.Equal(t, false, complete.Payload.(map[string]interface{})["success"])
}

func TestServer_SessionEndpoints(t *testing.T) {
	planner := orchestrator.NewStaticPlanner(
		orchestrator.PlannedStep{ID: "render", Tool: "render", Description: "Render the clip", Args: renderArgs()},
	)
	env := setupTestServer(t, succeedTool("render"), planner)

	id := env.createSession(t, "Render an intro clip")

	// Fetch by id.
	resp, err := http.Get(env.ts.URL + "/sessions/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sess session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, "Render an intro clip", sess.UserPrompt)

	// List.
	resp, err = http.Get(env.ts.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Delete.
	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/sessions/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Gone after delete.
	resp, err = http.Get(env.ts.URL + "/sessions/" + id)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Validation(t *testing.T) {
	planner := orchestrator.NewStaticPlanner(
		orchestrator.PlannedStep{ID: "render", Tool: "render", Description: "Render the clip", Args: renderArgs()},
	)
	env := setupTestServer(t, succeedTool("render"), planner)

	// Empty prompt.
	body, _ := json.Marshal(CreateSessionRequest{Prompt: "  "})
	resp, err := http.Post(env.ts.URL+"/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Websocket for unknown session.
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws?session_id=missing"
	_, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, wsResp)
	assert.Equal(t, http.StatusNotFound, wsResp.StatusCode)

	// Unknown session fetch.
	resp, err = http.Get(env.ts.URL + "/sessions/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Healthz(t *testing.T) {
	planner := orchestrator.NewStaticPlanner(
		orchestrator.PlannedStep{ID: "render", Tool: "render", Description: "Render the clip", Args: renderArgs()},
	)
	env := setupTestServer(t, succeedTool("render"), planner)

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
