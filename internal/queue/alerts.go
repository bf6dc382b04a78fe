// Package queue provides the SQS-based producer for operator alerts. When a
// daily run fails at the run level (not an individual member error), an alert
// message is published so the on-call operator hears about it without tailing
// logs.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"renewalhub/internal/renewal"
	"renewalhub/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// AlertPublisher serializes an OperatorAlert and sends it to the configured
// alert queue.
type AlertPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewAlertPublisher creates an AlertPublisher. A nil logger falls back to
// slog.Default().
func NewAlertPublisher(client SQSSender, queueURL string, logger *slog.Logger) *AlertPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// PublishAlert sends the alert to SQS. With no queue configured it logs the
// alert and returns nil, so local runs do not need SQS.
func (p *AlertPublisher) PublishAlert(ctx context.Context, alert types.OperatorAlert) error {
	if p.queueURL == "" {
		p.logger.WarnContext(ctx, "operator alert queue not configured, logging alert only",
			"run_id", alert.RunID,
			"task", alert.Task,
			"message", alert.Message,
		)
		return nil
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal OperatorAlert: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"task": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.Task),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to publish operator alert",
			err,
		)
	}

	p.logger.InfoContext(ctx, "published operator alert",
		"run_id", alert.RunID,
		"task", alert.Task,
	)
	return nil
}

var _ renewal.AlertPublisher = (*AlertPublisher)(nil)
