package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/driftline/dispatch/internal/dkim"
)

// SMTP delivers through a user-supplied relay with authenticated submission
// and optional DKIM signing.
type SMTP struct {
	host     string
	port     int
	username string
	password string
	secure   bool
	timeout  time.Duration
	signer   *dkim.Signer
}

type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	Secure   bool
	Timeout  time.Duration
	Signer   *dkim.Signer
}

func NewSMTP(opts SMTPOptions) *SMTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTP{
		host:     opts.Host,
		port:     opts.Port,
		username: opts.Username,
		password: opts.Password,
		secure:   opts.Secure,
		timeout:  timeout,
		signer:   opts.Signer,
	}
}

func (s *SMTP) Name() string { return "smtp" }

func (s *SMTP) DailyLimit() int { return 1000000 }

func (s *SMTP) SendEmail(ctx context.Context, params SendParams) (SendResult, error) {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))

	client, err := s.dial(ctx, addr)
	if err != nil {
		return SendResult{}, err
	}
	defer client.Close()

	if s.username != "" {
		auth := sasl.NewPlainClient("", s.username, s.password)
		if err := client.Auth(auth); err != nil {
			return SendResult{}, s.categorize(err, "AUTH")
		}
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), senderDomain(params.FromEmail))
	data, err := buildMessage(messageID, params)
	if err != nil {
		return SendResult{}, newError(s.Name(), ErrUnknown, "build message: %v", err)
	}

	if s.signer != nil {
		signed, err := s.signer.Sign(data)
		if err == nil {
			data = signed
		}
		// unsigned fallback keeps delivery alive when the key is bad
	}

	if err := client.Mail(params.FromEmail, nil); err != nil {
		return SendResult{}, s.categorize(err, "MAIL FROM")
	}
	if err := client.Rcpt(params.To, nil); err != nil {
		return SendResult{}, s.categorize(err, "RCPT TO")
	}

	wc, err := client.Data()
	if err != nil {
		return SendResult{}, s.categorize(err, "DATA")
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return SendResult{}, newError(s.Name(), ErrTransientNetwork, "write message data: %v", err)
	}
	if err := wc.Close(); err != nil {
		return SendResult{}, s.categorize(err, "DATA close")
	}

	client.Quit()

	return SendResult{MessageID: messageID, Provider: s.Name()}, nil
}

func (s *SMTP) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: s.timeout}

	if s.secure {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12},
		}
		conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, newError(s.Name(), ErrTransientNetwork, "connection failed to %s: %v", addr, err)
		}
		s.setDeadline(ctx, conn)
		return smtp.NewClient(conn), nil
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(s.Name(), ErrTransientNetwork, "connection failed to %s: %v", addr, err)
	}
	s.setDeadline(ctx, conn)

	// submission ports upgrade via STARTTLS during the EHLO exchange
	return smtp.NewClientStartTLS(conn, &tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12})
}

func (s *SMTP) setDeadline(ctx context.Context, conn net.Conn) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.timeout))
	}
}

// categorize maps SMTP reply codes onto the shared error taxonomy
func (s *SMTP) categorize(err error, stage string) *Error {
	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		kind := ErrUnknown
		switch {
		case smtpErr.Code == 535:
			kind = ErrAuth
		case smtpErr.Code == 550 || smtpErr.Code == 553:
			kind = ErrRecipientRejected
		case smtpErr.Code == 421 || smtpErr.Code == 450 || smtpErr.Code == 451:
			kind = ErrRateLimit
		case smtpErr.Code >= 400 && smtpErr.Code < 500:
			kind = ErrTransientNetwork
		}
		return newError(s.Name(), kind, "%s failed: %v", stage, err)
	}
	return newError(s.Name(), ErrTransientNetwork, "%s failed: %v", stage, err)
}

func buildMessage(messageID string, params SendParams) ([]byte, error) {
	var b strings.Builder

	from := params.FromEmail
	if params.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", params.FromName), params.FromEmail)
	}

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", params.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", params.Subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(params.HTMLContent, "\n", "\r\n"))
	b.WriteString("\r\n")

	return []byte(b.String()), nil
}

func senderDomain(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}
