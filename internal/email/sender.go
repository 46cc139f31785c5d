package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"PulseCampaign/internal/apperr"
)

// SMTPSender sends through any SMTP relay.
type SMTPSender struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

func (s *SMTPSender) Name() string { return "smtp" }

func (s *SMTPSender) dialer() *gomail.Dialer {
	return gomail.NewDialer(s.Host, s.Port, s.User, s.Password)
}

// Send builds the MIME message and sends it. The SMTP exchange itself is not
// cancellable, so ctx only bounds how long we wait for it.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(s.From))

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}

	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	} else {
		m.SetBody("text/html", msg.HTML)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.dialer().DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return "", &apperr.ProviderError{Provider: s.Name(), Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			return "", &apperr.ProviderError{Provider: s.Name(), Err: fmt.Errorf("smtp send error: %w", err)}
		}
	}

	return messageID, nil
}

func (s *SMTPSender) TestConnection(ctx context.Context) ConnectionStatus {
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		closer, err := s.dialer().Dial()
		if err == nil {
			err = closer.Close()
		}
		done <- err
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-done:
	}

	st := ConnectionStatus{Connected: err == nil, ResponseTime: time.Since(start)}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return "localhost"
}
