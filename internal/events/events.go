// Package events ingests provider delivery events from Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	kgo "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/models"
)

// Event is the wire form of one delivery notification.
type Event struct {
	ProviderMessageID string    `json:"provider_message_id"`
	Event             string    `json:"event"`
	Timestamp         time.Time `json:"timestamp"`
}

// Decode parses and checks a message value. A missing timestamp means now.
func Decode(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("decode delivery event: %w", err)
	}
	if ev.ProviderMessageID == "" {
		return Event{}, errors.New("invalid message: missing provider_message_id")
	}
	if ev.Event == "" {
		return Event{}, errors.New("invalid message: missing event")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev, nil
}

type CommitFunc func(context.Context) error

// Source yields events with a commit callback to call after processing.
type Source interface {
	ReadEvent(ctx context.Context) (Event, CommitFunc, error)
}

type Consumer struct {
	reader *kgo.Reader
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})

	return &Consumer{reader: r}
}

func (c *Consumer) Close() error { return c.reader.Close() }

func (c *Consumer) ReadEvent(ctx context.Context) (Event, CommitFunc, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Event{}, nil, err
	}

	ev, err := Decode(m.Value)
	if err != nil {
		// commit bad messages so the partition does not stall
		_ = c.reader.CommitMessages(ctx, m)
		return Event{}, nil, err
	}

	commit := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return c.reader.CommitMessages(cctx, m)
	}

	return ev, commit, nil
}

// Recorder applies one event to its email record.
type Recorder interface {
	RecordDeliveryEvent(ctx context.Context, providerMessageID, eventType string, at time.Time) (*models.EmailRecord, error)
}

// Processor feeds events from a Source into a Recorder.
type Processor struct {
	Source   Source
	Recorder Recorder
	Log      *zap.Logger

	// NotFoundWait bounds how long an event for an unknown message is
	// retried. Events can arrive before the send is recorded.
	NotFoundWait time.Duration

	// ReadBackOff paces reads after a broker error. Defaults to exponential
	// from 500ms up to 30s.
	ReadBackOff backoff.BackOff
}

func (p *Processor) readBackOff() backoff.BackOff {
	if p.ReadBackOff != nil {
		return p.ReadBackOff
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Run processes events until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.Log.Info("delivery event consumer started")

	wait := p.readBackOff()
	wait.Reset()

	for {
		ev, commit, err := p.Source.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.Log.Info("delivery event consumer shutting down")
				return nil
			}

			d := wait.NextBackOff()
			if d == backoff.Stop {
				return fmt.Errorf("read delivery event: %w", err)
			}
			p.Log.Warn("failed to read delivery event",
				zap.Duration("retry_in", d),
				zap.Error(err),
			)

			select {
			case <-ctx.Done():
				p.Log.Info("delivery event consumer shutting down")
				return nil
			case <-time.After(d):
			}
			continue
		}
		wait.Reset()

		if err := p.apply(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.Log.Warn("delivery event dropped",
				zap.String("provider_message_id", ev.ProviderMessageID),
				zap.String("event", ev.Event),
				zap.Error(err),
			)
		}

		if err := commit(context.WithoutCancel(ctx)); err != nil {
			p.Log.Error("failed to commit delivery event", zap.Error(err))
		}
	}
}

func (p *Processor) apply(ctx context.Context, ev Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = p.NotFoundWait

	op := func() error {
		_, err := p.Recorder.RecordDeliveryEvent(ctx, ev.ProviderMessageID, ev.Event, ev.Timestamp)
		if err == nil || apperr.IsNotFound(err) {
			return err
		}
		if apperr.IsValidation(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if p.NotFoundWait <= 0 {
		return op()
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
