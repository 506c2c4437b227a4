package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
)

const fakeToken = "123456:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghi"

// botAPI 按方法名返回预置响应的假 Bot API。
type botAPI struct {
	mu        sync.Mutex
	responses map[string]string
	bodies    map[string]map[string]any
}

func newBotAPI(t *testing.T, responses map[string]string) (*botAPI, *httptest.Server) {
	t.Helper()
	api := &botAPI{responses: responses, bodies: map[string]map[string]any{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		if !strings.Contains(r.URL.Path, "/bot"+fakeToken+"/") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		api.mu.Lock()
		api.bodies[method] = body
		resp, ok := api.responses[method]
		api.mu.Unlock()
		if !ok {
			resp = `{"ok":false,"error_code":404,"description":"Not Found: method not found"}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *botAPI) body(method string) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bodies[method]
}

func newTestTransport(t *testing.T, srv *httptest.Server) Transport {
	t.Helper()
	tr, err := newTelegoTransport(fakeToken, srv.URL, srv.Client())
	require.NoError(t, err)
	return tr
}

func TestTelegoTransport_GetMeAndChat(t *testing.T) {
	_, srv := newBotAPI(t, map[string]string{
		"getMe":   `{"ok":true,"result":{"id":777,"is_bot":true,"first_name":"Relay","username":"relay_bot"}}`,
		"getChat": `{"ok":true,"result":{"id":1001,"type":"private","accent_color_id":0,"max_reaction_count":0}}`,
	})
	tr := newTestTransport(t, srv)

	me, err := tr.GetMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, User{ID: 777, Username: "relay_bot"}, me)
	require.NoError(t, tr.GetChat(context.Background(), 1001))
}

func TestTelegoTransport_Unauthorized(t *testing.T) {
	_, srv := newBotAPI(t, map[string]string{
		"getMe": `{"ok":false,"error_code":401,"description":"Unauthorized"}`,
	})
	tr := newTestTransport(t, srv)

	_, err := tr.GetMe(context.Background())
	require.ErrorIs(t, err, apperrors.ErrTransportAuth)
}

func TestTelegoTransport_GetUpdates(t *testing.T) {
	api, srv := newBotAPI(t, map[string]string{
		"getUpdates": `{"ok":true,"result":[
			{"update_id":5,"message":{"message_id":9,"date":1700000000,"chat":{"id":1001,"type":"private"},"from":{"id":5,"is_bot":false,"first_name":"Ann"},"text":"hi"}},
			{"update_id":6}
		]}`,
	})
	tr := newTestTransport(t, srv)

	updates, err := tr.GetUpdates(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, Update{UpdateID: 5, MessageID: 9, ChatID: 1001, FromID: 5, FromName: "Ann", Text: "hi"}, updates[0])
	assert.Equal(t, Update{UpdateID: 6}, updates[1])
	assert.EqualValues(t, 5, api.body("getUpdates")["offset"])
}

func TestTelegoTransport_SendMessageWithReply(t *testing.T) {
	api, srv := newBotAPI(t, map[string]string{
		"sendMessage": `{"ok":true,"result":{"message_id":42,"date":1700000000,"chat":{"id":1001,"type":"private"},"text":"ok"}}`,
	})
	tr := newTestTransport(t, srv)

	id, err := tr.SendMessage(context.Background(), OutMessage{ChatID: 1001, Text: "<b>ok</b>", ParseMode: "HTML", ReplyTo: 9})
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	body := api.body("sendMessage")
	assert.EqualValues(t, 1001, body["chat_id"])
	assert.Equal(t, "HTML", body["parse_mode"])
	reply, ok := body["reply_parameters"].(map[string]any)
	require.True(t, ok, "reply_parameters missing: %v", body)
	assert.EqualValues(t, 9, reply["message_id"])
}

func TestTelegoTransport_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		resp    string
		wantErr error
	}{
		{
			name: "not_modified_is_success",
			resp: `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified"}`,
		},
		{
			name:    "edit_target_gone",
			resp:    `{"ok":false,"error_code":400,"description":"Bad Request: message to edit not found"}`,
			wantErr: apperrors.ErrTransportEditConflict,
		},
		{
			name:    "rate_limited",
			resp:    `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`,
			wantErr: apperrors.ErrTransportRateLimited,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newBotAPI(t, map[string]string{"editMessageText": tt.resp})
			tr := newTestTransport(t, srv)

			err := tr.EditMessageText(context.Background(), 1001, 7, "text", "")
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTelegoTransport_InvalidToken(t *testing.T) {
	_, err := newTelegoTransport("not-a-token", "", http.DefaultClient)
	require.ErrorIs(t, err, apperrors.ErrTransportAuth)
}
