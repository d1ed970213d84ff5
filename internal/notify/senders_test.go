package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmailSender(t *testing.T) {
	s := NewEmailSender(EmailConfig{Host: "smtp.example.com", FromEmail: "noreply@example.com"})

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	s.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		assert.Equal(t, "noreply@example.com", from)
		return nil
	}

	require.NoError(t, s.Send(context.Background(), testPayload("email")))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"jo@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Reminder: Feedback Form\r\n")
	assert.Contains(t, gotMsg, "multipart/alternative")
	assert.Contains(t, gotMsg, "Entity ID: 42")
	assert.Contains(t, gotMsg, "<strong>Feedback Form</strong>")
}

func TestEmailSender_RecipientFromMetadata(t *testing.T) {
	s := NewEmailSender(EmailConfig{Host: "smtp.example.com"})
	var gotTo []string
	s.sendMail = func(_ string, _ smtp.Auth, _ string, to []string, _ []byte) error {
		gotTo = to
		return nil
	}

	p := testPayload("email")
	p.Recipients = nil
	assert.ErrorIs(t, s.Send(context.Background(), p), ErrNoRecipients)

	p.Metadata = map[string]any{"recipient_email": "lee@example.com"}
	require.NoError(t, s.Send(context.Background(), p))
	assert.Equal(t, []string{"lee@example.com"}, gotTo)
}

func TestSlackSender_Webhook(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlackSender(SlackConfig{WebhookURL: srv.URL})
	require.NoError(t, s.Send(context.Background(), testPayload("slack")))
	assert.Equal(t, "Reminder: Feedback Form\ninterviewer: 42", body["text"])
}

func TestSlackSender_Unconfigured(t *testing.T) {
	s := NewSlackSender(SlackConfig{})
	assert.Error(t, s.Send(context.Background(), testPayload("slack")))
}

func TestSMSSender(t *testing.T) {
	var (
		got  smsRequest
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSMSSender(SMSConfig{GatewayURL: srv.URL, Token: "t0k", From: "REMIND"})
	p := testPayload("sms")
	p.Recipients = []string{"+919999999999"}
	require.NoError(t, s.Send(context.Background(), p))
	assert.Equal(t, "Bearer t0k", auth)
	assert.Equal(t, "+919999999999", got.To)
	assert.Equal(t, "REMIND", got.From)
}

func TestSMSSender_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewSMSSender(SMSConfig{GatewayURL: srv.URL})
	err := s.Send(context.Background(), testPayload("sms"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestSMSSender_RetryResendsOnlyUndelivered(t *testing.T) {
	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req smsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		calls[req.To]++
		n := calls[req.To]
		mu.Unlock()
		if req.To == "+2" && n == 1 {
			http.Error(w, "upstream busy", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewDispatcher(Options{Timeout: 5 * time.Second, RetryMax: 2, RetryBase: time.Millisecond}, zerolog.Nop())
	d.Register("sms", NewSMSSender(SMSConfig{GatewayURL: srv.URL}))

	p := testPayload("sms")
	p.Recipients = []string{"+1", "+2", "+3"}
	assert.True(t, d.Dispatch(context.Background(), p))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"+1": 1, "+2": 2, "+3": 1}, calls)
}

func TestSMSSender_PartialErrorListsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req smsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.To == "+2" {
			http.Error(w, "bad number", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := testPayload("sms")
	p.Recipients = []string{"+1", "+2", "+3"}
	err := NewSMSSender(SMSConfig{GatewayURL: srv.URL}).Send(context.Background(), p)

	var pe *PartialError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []string{"+2", "+3"}, pe.Pending)
	assert.Contains(t, err.Error(), "bad number")
}

func TestTelegramSender_InvalidChatID(t *testing.T) {
	s, err := NewTelegramSender(TelegramConfig{Token: "123456:test-token"})
	require.NoError(t, err)

	p := testPayload("telegram")
	p.Recipients = []string{"@not-a-chat-id"}
	err = s.Send(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid chat id")
}
