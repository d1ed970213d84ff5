package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type SMSConfig struct {
	GatewayURL string
	Token      string
	From       string
}

// SMSSender posts one JSON message per recipient to an HTTP SMS gateway.
type SMSSender struct {
	cfg  SMSConfig
	http *http.Client
}

func NewSMSSender(cfg SMSConfig) *SMSSender {
	return &SMSSender{cfg: cfg, http: &http.Client{Timeout: 8 * time.Second}}
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

func (s *SMSSender) Send(ctx context.Context, p Payload) error {
	to := recipients(p, "recipient_phone")
	if len(to) == 0 {
		return ErrNoRecipients
	}
	for i, number := range to {
		if err := s.post(ctx, smsRequest{To: number, From: s.cfg.From, Message: p.Text()}); err != nil {
			return partial(to, i, fmt.Errorf("sms: send to %s: %w", number, err))
		}
	}
	return nil
}

func (s *SMSSender) post(ctx context.Context, body smsRequest) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.GatewayURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}
