package email

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"PulseCampaign/internal/apperr"
)

// SESSender delivers through Amazon SES. The returned SES message id is what
// delivery notifications refer back to.
type SESSender struct {
	client           *sesv2.Client
	fromEmail        string
	configurationSet string
}

func NewSESSender(cfg aws.Config, from, configurationSet string) (*SESSender, error) {
	if from == "" {
		return nil, fmt.Errorf("SES_FROM_EMAIL is not set")
	}
	return &SESSender{
		client:           sesv2.NewFromConfig(cfg),
		fromEmail:        from,
		configurationSet: configurationSet,
	}, nil
}

func (s *SESSender) Name() string { return "ses" }

func (s *SESSender) Send(ctx context.Context, msg Message) (string, error) {
	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
	if s.configurationSet != "" {
		in.ConfigurationSetName = aws.String(s.configurationSet)
	}

	out, err := s.client.SendEmail(ctx, in)
	if err != nil {
		return "", &apperr.ProviderError{Provider: s.Name(), Err: err}
	}
	return aws.ToString(out.MessageId), nil
}

func (s *SESSender) TestConnection(ctx context.Context) ConnectionStatus {
	start := time.Now()
	_, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})

	st := ConnectionStatus{Connected: err == nil, ResponseTime: time.Since(start)}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}
