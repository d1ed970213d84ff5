package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"
)

// Transports configures the notification channels. Env vars give the base
// values; TRANSPORTS_FILE, when set, overrides them and is reloaded on change.
type Transports struct {
	DryRun     bool `yaml:"dry_run"`
	RatePerSec int  `yaml:"rate_per_sec"`
	RetryMax   int  `yaml:"retry_max"`

	Email    EmailTransport    `yaml:"email"`
	Slack    SlackTransport    `yaml:"slack"`
	SMS      SMSTransport      `yaml:"sms"`
	Telegram TelegramTransport `yaml:"telegram"`
}

type EmailTransport struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

type SlackTransport struct {
	WebhookURL     string `yaml:"webhook_url"`
	BotToken       string `yaml:"bot_token"`
	DefaultChannel string `yaml:"default_channel"`
}

type SMSTransport struct {
	GatewayURL string `yaml:"gateway_url"`
	Token      string `yaml:"token"`
	From       string `yaml:"from"`
}

type TelegramTransport struct {
	BotToken string `yaml:"bot_token"`
}

func transportsFromEnv() (Transports, error) {
	var (
		t   Transports
		err error
	)
	if t.DryRun, err = boolEnv("NOTIFY_DRY_RUN", false); err != nil {
		return t, err
	}
	if t.RatePerSec, err = intEnv("NOTIFY_RATE_PER_SEC", 0); err != nil {
		return t, err
	}
	if t.RetryMax, err = intEnv("NOTIFY_RETRY_MAX", 2); err != nil {
		return t, err
	}
	if t.Email.Port, err = intEnv("SMTP_PORT", 587); err != nil {
		return t, err
	}
	t.Email.Host = getenv("SMTP_HOST", "")
	t.Email.Username = getenv("SMTP_USERNAME", "")
	t.Email.Password = getenv("SMTP_PASSWORD", "")
	t.Email.FromEmail = getenv("SMTP_FROM_EMAIL", "")
	t.Email.FromName = getenv("SMTP_FROM_NAME", "Reminder System")

	t.Slack.WebhookURL = getenv("SLACK_WEBHOOK_URL", "")
	t.Slack.BotToken = getenv("SLACK_BOT_TOKEN", "")
	t.Slack.DefaultChannel = getenv("SLACK_DEFAULT_CHANNEL", "")

	t.SMS.GatewayURL = getenv("SMS_GATEWAY_URL", "")
	t.SMS.Token = getenv("SMS_GATEWAY_TOKEN", "")
	t.SMS.From = getenv("SMS_FROM", "")

	t.Telegram.BotToken = getenv("TELEGRAM_BOT_TOKEN", "")
	return t, nil
}

// LoadTransports reads the YAML file at path over base. Keys missing from the
// file keep their base value.
func LoadTransports(path string, base Transports) (Transports, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read transports file: %w", err)
	}
	out := base
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("parse transports file %s: %w", path, err)
	}
	if out.RatePerSec < 0 || out.RetryMax < 0 {
		return base, fmt.Errorf("transports file %s: rate_per_sec and retry_max must not be negative", path)
	}
	return out, nil
}

// WatchTransports calls apply with the re-read transports whenever the file
// at path changes, until ctx is done. Editors that replace the file are
// handled by watching the parent directory. A file that fails to parse is
// logged and ignored; the previous transports stay in effect.
func WatchTransports(ctx context.Context, path string, base Transports, log zerolog.Logger, apply func(Transports)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("transports watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	file := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log = log.With().Str("comp", "transports").Str("path", path).Logger()
	log.Debug().Msg("watching transports file")

	// debounce bursts of writes from editors
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		t, err := LoadTransports(path, base)
		if err != nil {
			log.Warn().Err(err).Msg("transports reload rejected")
			return
		}
		apply(t)
		log.Info().Msg("transports reloaded")
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("transports watcher error")
		}
	}
}
