package email

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

type ConnectionStatus struct {
	Connected    bool          `json:"connected"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
}

// Provider delivers one message and returns the provider's message id.
// Failures are returned as *apperr.ProviderError.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) (string, error)
	TestConnection(ctx context.Context) ConnectionStatus
}

// Retrying retries a provider with exponential backoff. The caller's context
// bounds the total time spent.
type Retrying struct {
	Provider
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

func WithRetry(p Provider, retries int) *Retrying {
	return &Retrying{
		Provider:        p,
		InitialInterval: 500 * time.Millisecond,
		MaxElapsed:      time.Duration(retries) * time.Second,
	}
}

// Send retries the wrapped provider with exponential backoff
func (r *Retrying) Send(ctx context.Context, msg Message) (string, error) {
	operation := func() (string, error) {
		id, err := r.Provider.Send(ctx, msg)
		if err != nil && ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		return id, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.MaxElapsedTime = r.MaxElapsed

	return backoff.RetryWithData(operation, backoff.WithContext(b, ctx))
}
