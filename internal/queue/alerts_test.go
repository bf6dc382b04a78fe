package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"renewalhub/internal/types"
)

type mockSQSSender struct {
	mock.Mock
}

func (m *mockSQSSender) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	if v := args.Get(0); v != nil {
		return v.(*sqs.SendMessageOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func testAlert() types.OperatorAlert {
	return types.OperatorAlert{
		RunID:      "run-1",
		Task:       "renewal_daily",
		Message:    "fetching member page after id 200: connection reset",
		OccurredAt: time.Date(2026, 9, 1, 6, 0, 0, 0, time.UTC),
	}
}

func TestPublishAlert_Success(t *testing.T) {
	sender := &mockSQSSender{}
	sender.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		if aws.ToString(in.QueueUrl) != "https://sqs.us-east-1.amazonaws.com/123/alerts" {
			return false
		}
		attr, ok := in.MessageAttributes["task"]
		if !ok || aws.ToString(attr.StringValue) != "renewal_daily" {
			return false
		}
		var alert types.OperatorAlert
		if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &alert); err != nil {
			return false
		}
		return alert.RunID == "run-1"
	})).Return(&sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil)

	p := NewAlertPublisher(sender, "https://sqs.us-east-1.amazonaws.com/123/alerts", nil)

	err := p.PublishAlert(context.Background(), testAlert())

	require.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestPublishAlert_NoQueueConfiguredLogsOnly(t *testing.T) {
	sender := &mockSQSSender{}

	p := NewAlertPublisher(sender, "", nil)

	err := p.PublishAlert(context.Background(), testAlert())

	require.NoError(t, err)
	sender.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestPublishAlert_SendFailure(t *testing.T) {
	sender := &mockSQSSender{}
	sender.On("SendMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("AccessDenied"))

	p := NewAlertPublisher(sender, "https://sqs.us-east-1.amazonaws.com/123/alerts", nil)

	err := p.PublishAlert(context.Background(), testAlert())

	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalUnexpected, appErr.Code)
}
