package replygen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "postpilot/pkg/logx"
)

func TestClientSendsRequestAndReadsText(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"text":"  thanks!  "}`))
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, Token: "k", Model: "small"}, logx.Nop())
	require.NoError(t, err)

	text, err := c.GenerateReply(context.Background(), Request{Owner: "acme", Platform: "instagram", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "thanks!", text)
	assert.Equal(t, "small", got.Model)
	assert.Equal(t, "hi", got.Message)
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `oops`},
		{"bad request", http.StatusBadRequest, `nope`},
		{"empty text", http.StatusOK, `{"text":"   "}`},
		{"not json", http.StatusOK, `hello`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := New(Config{URL: srv.URL}, logx.Nop())
			require.NoError(t, err)
			_, err = c.GenerateReply(context.Background(), Request{Message: "hi"})
			assert.Error(t, err)
		})
	}
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{URL: "  "}, logx.Nop())
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	text, err := Static("hello there").GenerateReply(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)

	_, err = Static("").GenerateReply(context.Background(), Request{})
	assert.Error(t, err)
}
