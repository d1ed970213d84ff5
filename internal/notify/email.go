package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
)

type EmailConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// EmailSender sends a multipart (plain + HTML) reminder over SMTP.
type EmailSender struct {
	cfg EmailConfig
	// sendMail is smtp.SendMail; replaced in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailSender(cfg EmailConfig) *EmailSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.FromName == "" {
		cfg.FromName = "Reminder System"
	}
	return &EmailSender{cfg: cfg, sendMail: smtp.SendMail}
}

func (s *EmailSender) Send(_ context.Context, p Payload) error {
	to := recipients(p, "recipient_email")
	if len(to) == 0 {
		return ErrNoRecipients
	}
	msg, err := s.message(p, to)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.sendMail(addr, auth, s.cfg.FromEmail, to, msg); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}

var emailHTML = template.Must(template.New("email").Parse(`<html>
  <body>
    <p>Hello,</p>
    <p>This is a reminder regarding: <strong>{{.Title}}</strong></p>
    <ul>
      <li><strong>Entity Type:</strong> {{.EntityType}}</li>
      <li><strong>Entity ID:</strong> {{.EntityID}}</li>
    </ul>
    <p>Please take the necessary action.</p>
    <p>Best regards,<br>{{.From}}</p>
  </body>
</html>
`))

func (s *EmailSender) message(p Payload, to []string) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	text := fmt.Sprintf("Hello,\r\n\r\nThis is a reminder regarding: %s\r\n\r\nEntity Type: %s\r\nEntity ID: %s\r\n\r\nPlease take the necessary action.\r\n\r\nBest regards,\r\n%s\r\n",
		p.EventTitle(), p.EntityType, p.EntityID, s.cfg.FromName)
	pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := pw.Write([]byte(text)); err != nil {
		return nil, err
	}

	hw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=utf-8"}})
	if err != nil {
		return nil, err
	}
	err = emailHTML.Execute(hw, map[string]string{
		"Title":      p.EventTitle(),
		"EntityType": p.EntityType,
		"EntityID":   p.EntityID,
		"From":       s.cfg.FromName,
	})
	if err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s <%s>\r\n", mime.QEncoding.Encode("utf-8", s.cfg.FromName), s.cfg.FromEmail)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", p.Subject()))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

// recipients returns the payload recipients, falling back to a string
// metadata field.
func recipients(p Payload, metaKey string) []string {
	if len(p.Recipients) > 0 {
		return p.Recipients
	}
	if v, ok := p.Metadata[metaKey].(string); ok && strings.TrimSpace(v) != "" {
		return []string{strings.TrimSpace(v)}
	}
	return nil
}
