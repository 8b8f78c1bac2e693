package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagesClientList(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "Bare array", body: `[{"id":1,"senderId":7,"content":"a","createdAt":1700000000000},{"id":2,"senderId":8,"content":"b","createdAt":1700000001000}]`},
		{name: "Data wrapper", body: `{"data":[{"id":1,"senderId":7,"content":"a","createdAt":1700000000000},{"id":2,"senderId":8,"content":"b","createdAt":1700000001000}]}`},
		{name: "Messages wrapper", body: `{"messages":[{"id":1,"senderId":7,"content":"a","createdAt":1700000000000},{"id":2,"senderId":8,"content":"b","createdAt":1700000001000}]}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/groups/42/messages", r.URL.Path)
				assert.Equal(t, "50", r.URL.Query().Get("limit"))
				w.Write([]byte(tc.body))
			}, &fakeTokens{token: "t"})

			messages, err := NewMessagesClient(exec).List(context.Background(), "42", 50)
			require.NoError(t, err)
			require.Len(t, messages, 2)
			assert.Equal(t, "1", messages[0].ID)
			assert.Equal(t, "42", messages[0].ChannelID)
			assert.Equal(t, "b", messages[1].Content)
		})
	}
}

func TestMessagesClientSkipsInvalidRecords(t *testing.T) {
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":1,"senderId":7,"content":"ok","createdAt":1700000000000},
			{"id":2,"senderId":0,"content":"no sender","createdAt":1700000000000},
			{"id":{"bad":true}},
			{"id":3,"senderId":7,"content":"","createdAt":1700000000000}
		]`))
	}, &fakeTokens{token: "t"})

	messages, err := NewMessagesClient(exec).List(context.Background(), "42", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "ok", messages[0].Content)
}
