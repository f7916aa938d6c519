package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/wneessen/go-mail"
	"golang.org/x/sync/semaphore"

	"github.com/mailroom/mailroom/config"
	"github.com/mailroom/mailroom/internal/domain"
)

//go:generate mockgen -destination=../mocks/mock_mailer.go -package=pkgmocks github.com/mailroom/mailroom/pkg/mailer Transport

// SendResult classifies the outcome of one SMTP dispatch attempt.
type SendResult int

const (
	// SendOK means the server accepted the message.
	SendOK SendResult = iota
	// SendTransient means the attempt may succeed on retry (timeouts,
	// 4xx responses, connection resets).
	SendTransient
	// SendPermanent means retrying is pointless (5xx responses,
	// authentication or TLS verification failures).
	SendPermanent
)

func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "ok"
	case SendTransient:
		return "transient_error"
	case SendPermanent:
		return "permanent_error"
	default:
		return "unknown"
	}
}

// Envelope is one fully-composed message handed to the transport.
type Envelope struct {
	FromEmail string
	FromName  string
	ReplyTo   string

	To  []string
	Cc  []string
	Bcc []string

	Subject string
	Body    string
	IsHTML  bool

	// Attachments with IsInline set are embedded with their ContentID.
	Attachments []domain.Attachment
}

// Transport sends composed envelopes over SMTP.
type Transport interface {
	// Send dispatches the envelope. The error carries detail when the
	// result is not SendOK.
	Send(ctx context.Context, envelope *Envelope) (SendResult, error)

	// Probe verifies connectivity to the SMTP server without sending.
	Probe(ctx context.Context) error
}

// SMTPTransport implements Transport with go-mail. Each send dials its own
// connection; conns caps how many are open at once.
type SMTPTransport struct {
	cfg   config.SMTPConfig
	conns *semaphore.Weighted
}

// NewSMTPTransport creates a new SMTPTransport
func NewSMTPTransport(cfg config.SMTPConfig) *SMTPTransport {
	t := &SMTPTransport{cfg: cfg}
	if cfg.MaxConnections > 0 {
		t.conns = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	return t
}

// Send dispatches the envelope over SMTP. Transient failures are retried on a
// fresh connection up to the configured attempt count before the item goes
// back to the queue's slower retry cycle.
func (t *SMTPTransport) Send(ctx context.Context, envelope *Envelope) (SendResult, error) {
	msg, err := t.buildMessage(envelope)
	if err != nil {
		return SendPermanent, err
	}

	if t.conns != nil {
		if err := t.conns.Acquire(ctx, 1); err != nil {
			return SendTransient, fmt.Errorf("waiting for SMTP connection slot: %w", err)
		}
		defer t.conns.Release(1)
	}

	attempts := t.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client, err := t.newClient()
		if err != nil {
			return SendPermanent, fmt.Errorf("failed to create SMTP client: %w", err)
		}

		err = client.DialAndSendWithContext(ctx, msg)
		if err == nil {
			return SendOK, nil
		}
		lastErr = err
		if Classify(err) != SendTransient {
			return Classify(err), fmt.Errorf("failed to send email: %w", err)
		}
	}

	return SendTransient, fmt.Errorf("failed to send email after %d attempts: %w", attempts, lastErr)
}

// Probe dials the SMTP server and disconnects without sending.
func (t *SMTPTransport) Probe(ctx context.Context) error {
	client, err := t.newClient()
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("SMTP probe failed: %w", err)
	}
	return client.Close()
}

func (t *SMTPTransport) buildMessage(envelope *Envelope) (*mail.Msg, error) {
	msg := mail.NewMsg(mail.WithNoDefaultUserAgent())

	if err := msg.FromFormat(envelope.FromName, envelope.FromEmail); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	if err := msg.To(envelope.To...); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	if len(envelope.Cc) > 0 {
		if err := msg.Cc(envelope.Cc...); err != nil {
			return nil, fmt.Errorf("invalid cc recipient: %w", err)
		}
	}
	if len(envelope.Bcc) > 0 {
		if err := msg.Bcc(envelope.Bcc...); err != nil {
			return nil, fmt.Errorf("invalid bcc recipient: %w", err)
		}
	}
	if envelope.ReplyTo != "" {
		if err := msg.ReplyTo(envelope.ReplyTo); err != nil {
			return nil, fmt.Errorf("invalid reply-to: %w", err)
		}
	}

	msg.Subject(envelope.Subject)
	if envelope.IsHTML {
		msg.SetBodyString(mail.TypeTextHTML, envelope.Body)
	} else {
		msg.SetBodyString(mail.TypeTextPlain, envelope.Body)
	}

	for i := range envelope.Attachments {
		a := &envelope.Attachments[i]
		data, err := a.Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to load attachment %s: %w", a.FileName, err)
		}

		opts := []mail.FileOption{
			mail.WithFileContentType(mail.ContentType(a.ContentType)),
		}
		if a.IsInline {
			opts = append(opts, mail.WithFileContentID(a.ContentID))
			if err := msg.EmbedReader(a.FileName, bytes.NewReader(data), opts...); err != nil {
				return nil, fmt.Errorf("failed to embed %s: %w", a.FileName, err)
			}
		} else {
			if err := msg.AttachReader(a.FileName, bytes.NewReader(data), opts...); err != nil {
				return nil, fmt.Errorf("failed to attach %s: %w", a.FileName, err)
			}
		}
	}

	return msg, nil
}

func (t *SMTPTransport) newClient() (*mail.Client, error) {
	options := []mail.Option{
		mail.WithPort(t.cfg.Port),
		mail.WithTimeout(t.cfg.Timeout),
	}

	switch {
	case t.cfg.UseSSL:
		options = append(options, mail.WithSSLPort(false))
	case t.cfg.UseTLS:
		options = append(options, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		options = append(options, mail.WithTLSPolicy(mail.NoTLS))
	}

	if !t.cfg.ValidateCertificate {
		options = append(options, mail.WithTLSConfig(&tls.Config{
			InsecureSkipVerify: true,
			ServerName:         t.cfg.Host,
		}))
	}

	if t.cfg.Username != "" && t.cfg.Password != "" {
		options = append(options,
			mail.WithUsername(t.cfg.Username),
			mail.WithPassword(t.cfg.Password),
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
		)
	}

	return mail.NewClient(t.cfg.Host, options...)
}

var replyCode5xx = regexp.MustCompile(`\b5\d\d[ \-]`)

// Classify maps a transport error onto the retry policy.
func Classify(err error) SendResult {
	if err == nil {
		return SendOK
	}

	// TLS verification failures never recover on retry.
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) {
		return SendPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SendTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return SendTransient
	}

	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		if sendErr.IsTemp() {
			return SendTransient
		}
		return SendPermanent
	}

	// Fall back on the reply code embedded in the error text. Auth failures
	// surface as dial errors rather than *mail.SendError.
	text := err.Error()
	if strings.Contains(strings.ToLower(text), "authentication") {
		return SendPermanent
	}
	if replyCode5xx.MatchString(text) {
		return SendPermanent
	}

	// Connection resets, refused connections and 4xx codes retry.
	return SendTransient
}
