package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-orchestrator/internal/model"
)

func messagingRequest() Request {
	return Request{
		TenantID:   "t1",
		CampaignID: "c1",
		Name:       "Spring sale",
		Content:    json.RawMessage(`{"body":"Hi {first_name}","buttons":["Shop now"],"media":["https://cdn.example/a.png"]}`),
		Metadata:   map[string]string{model.MetaSenderID: "SHOP"},
		Audience: []Recipient{
			{To: "+254700000001", Text: "Hi Amina"},
			{To: "+254700000002", Text: "Hi Brian"},
		},
	}
}

func TestMessagingSendsSingleCall(t *testing.T) {
	var calls int32
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "t1:c1:messaging", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"batch-1"}`))
	}))
	defer srv.Close()

	m := NewMessaging(MessagingConfig{BaseURL: srv.URL, Client: srv.Client()}, nil)
	res, err := m.Publish(context.Background(), messagingRequest(), Credential{AccessToken: "secret-token"}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "batch-1", res.RemoteID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Len(t, got.Recipients, 2)
	assert.Equal(t, "SHOP", got.SenderID)
	assert.Equal(t, []string{"Shop now"}, got.Buttons)
}

func TestMessagingSkipsCompletedSend(t *testing.T) {
	m := NewMessaging(MessagingConfig{BaseURL: "http://127.0.0.1:0"}, nil)
	res, err := m.Publish(context.Background(), messagingRequest(), Credential{}, map[string]string{StepSend: "batch-7"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "batch-7", res.RemoteID)
}

func TestMessagingFailureIsStepError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`slow down`))
	}))
	defer srv.Close()

	m := NewMessaging(MessagingConfig{BaseURL: srv.URL, Client: srv.Client()}, nil)
	_, err := m.Publish(context.Background(), messagingRequest(), Credential{AccessToken: "x"}, nil, nil)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepSend, stepErr.Step)

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "slow down", remote.Message)
	assert.True(t, IsTransient(err))
}

func TestMessagingRejectsEmptyAudience(t *testing.T) {
	m := NewMessaging(MessagingConfig{BaseURL: "http://127.0.0.1:0"}, nil)
	req := messagingRequest()
	req.Audience = nil
	_, err := m.Publish(context.Background(), req, Credential{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &RemoteError{StatusCode: 502}, true},
		{"rate limited", &RemoteError{StatusCode: 429}, true},
		{"bad request", &RemoteError{StatusCode: 400}, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"invalid", ErrInvalidRequest, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
