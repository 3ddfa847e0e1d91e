package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelctl/a2arelay/pkg/config"
	"github.com/kestrelctl/a2arelay/pkg/convstore"
	"github.com/kestrelctl/a2arelay/pkg/logstore"
	"github.com/kestrelctl/a2arelay/pkg/monitor"
	"github.com/kestrelctl/a2arelay/pkg/reqcontext"
	"github.com/kestrelctl/a2arelay/pkg/runtime"
	"github.com/kestrelctl/a2arelay/pkg/tokens"
)

func newTestPipeline(t *testing.T) (*Pipeline, *tokens.Store, *convstore.Store) {
	t.Helper()
	dir := t.TempDir()

	tok, err := tokens.NewStore(filepath.Join(dir, "tokens.json"))
	require.NoError(t, err)

	conv, err := convstore.Open(context.Background(), filepath.Join(dir, "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conv.Close() })

	logs, err := logstore.Open(context.Background(), filepath.Join(dir, "logs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	adapter := runtime.New(&config.Config{RuntimeMode: config.RuntimeModeGeneric, RuntimeTimeout: time.Second})
	mon := monitor.New(conv, adapter, time.Hour, time.Hour, time.Hour, "")

	cfg := &config.Config{ServerMaxTimeout: 2 * time.Second, MinTurns: 8}
	p := New(cfg, tok, conv, adapter, mon, logs)
	return p, tok, conv
}

func doInvoke(p *Pipeline, bearer string, body map[string]any) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/a2a/invoke", bytes.NewReader(payload))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req = req.WithContext(reqcontext.WithIDs(req.Context(), "trace_1", "req_1"))
	rec := httptest.NewRecorder()
	p.Invoke(rec, req)
	return rec
}

func TestInvokeMissingTokenReturns401(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	rec := doInvoke(p, "", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "missing_token", body["error"])
}

func TestInvokeInvalidTokenReturns401(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	rec := doInvoke(p, "fed_not_a_real_token", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "token_invalid_or_expired", body["error"])
}

func TestInvokeMissingMessageReturns400(t *testing.T) {
	p, tok, _ := newTestPipeline(t)
	wire, _, err := tok.Create(tokens.Spec{Name: "Peer", Tier: tokens.TierFriends})
	require.NoError(t, err)

	rec := doInvoke(p, wire, map[string]any{"message": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvokeHappyPathThreeTurns(t *testing.T) {
	p, tok, conv := newTestPipeline(t)
	maxCalls := int64(10)
	wire, rec0, err := tok.Create(tokens.Spec{Name: "Peer", Tier: tokens.TierFriends, MaxCalls: &maxCalls})
	require.NoError(t, err)
	_ = rec0

	var convID string
	for i := 0; i < 3; i++ {
		body := map[string]any{"message": "hello turn"}
		if convID != "" {
			body["conversation_id"] = convID
		}
		rec := doInvoke(p, wire, body)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp invokeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.NotEmpty(t, resp.Response)
		convID = resp.ConversationID
	}

	got, err := conv.Get(context.Background(), convID, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, got.Conversation.MessageCount)

	rec1, ok := tok.FindByID(onlyTokenID(t, tok))
	require.True(t, ok)
	assert.Equal(t, int64(3), rec1.CallsMade)
}

func onlyTokenID(t *testing.T, tok *tokens.Store) string {
	t.Helper()
	recs := tok.List()
	require.Len(t, recs, 1)
	return recs[0].ID
}

func TestInvokeRejectsCrossTokenConversationID(t *testing.T) {
	p, tok, _ := newTestPipeline(t)
	wireA, _, err := tok.Create(tokens.Spec{Name: "A", Tier: tokens.TierFriends})
	require.NoError(t, err)
	wireB, _, err := tok.Create(tokens.Spec{Name: "B", Tier: tokens.TierFriends})
	require.NoError(t, err)

	rec := doInvoke(p, wireA, map[string]any{"message": "start"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp invokeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec2 := doInvoke(p, wireB, map[string]any{"message": "hijack", "conversation_id": resp.ConversationID})
	assert.Equal(t, http.StatusForbidden, rec2.Code)
}

func TestEndConcludesConversation(t *testing.T) {
	p, tok, conv := newTestPipeline(t)
	wire, _, err := tok.Create(tokens.Spec{Name: "Peer", Tier: tokens.TierFriends})
	require.NoError(t, err)

	rec := doInvoke(p, wire, map[string]any{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp invokeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	endBody, _ := json.Marshal(map[string]string{"conversation_id": resp.ConversationID})
	req := httptest.NewRequest(http.MethodPost, "/api/a2a/end", bytes.NewReader(endBody))
	req.Header.Set("Authorization", "Bearer "+wire)
	req = req.WithContext(reqcontext.WithIDs(req.Context(), "trace_2", "req_2"))
	endRec := httptest.NewRecorder()
	p.End(endRec, req)

	require.Equal(t, http.StatusOK, endRec.Code)
	var endResp endResponse
	require.NoError(t, json.Unmarshal(endRec.Body.Bytes(), &endResp))
	assert.Equal(t, "concluded", endResp.Status)

	got, err := conv.Get(context.Background(), resp.ConversationID, 0)
	require.NoError(t, err)
	assert.Equal(t, convstore.StatusConcluded, got.Conversation.Status)
}

func TestInvokeRejectsResumingConcludedConversation(t *testing.T) {
	p, tok, _ := newTestPipeline(t)
	wire, _, err := tok.Create(tokens.Spec{Name: "Peer", Tier: tokens.TierFriends})
	require.NoError(t, err)

	rec := doInvoke(p, wire, map[string]any{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp invokeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	endBody, _ := json.Marshal(map[string]string{"conversation_id": resp.ConversationID})
	req := httptest.NewRequest(http.MethodPost, "/api/a2a/end", bytes.NewReader(endBody))
	req.Header.Set("Authorization", "Bearer "+wire)
	req = req.WithContext(reqcontext.WithIDs(req.Context(), "trace_3", "req_3"))
	endRec := httptest.NewRecorder()
	p.End(endRec, req)
	require.Equal(t, http.StatusOK, endRec.Code)

	rec2 := doInvoke(p, wire, map[string]any{"message": "one more turn", "conversation_id": resp.ConversationID})
	assert.Equal(t, http.StatusForbidden, rec2.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &body))
	assert.Equal(t, "conversation_not_found", body["error"])
}

func TestInvokeSerializesConcurrentCallsAgainstMaxCalls(t *testing.T) {
	p, tok, _ := newTestPipeline(t)
	maxCalls := int64(1)
	wire, _, err := tok.Create(tokens.Spec{Name: "Peer", Tier: tokens.TierFriends, MaxCalls: &maxCalls})
	require.NoError(t, err)

	var wg sync.WaitGroup
	statuses := make([]int, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := doInvoke(p, wire, map[string]any{"message": "hello"})
			statuses[i] = rec.Code
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, code := range statuses {
		if code == http.StatusOK {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "max_calls=1 must admit exactly one of several concurrent calls")
}

func TestPingAlwaysSucceeds(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	req := httptest.NewRequest(http.MethodGet, "/api/a2a/ping", nil)
	rec := httptest.NewRecorder()
	p.Ping(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusIsUnauthenticated(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	req := httptest.NewRequest(http.MethodGet, "/api/a2a/status", nil)
	rec := httptest.NewRecorder()
	p.Status(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["a2a"])
}
