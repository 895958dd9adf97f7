// Package queue exports usage events to downstream consumers (reporting,
// reconciliation) over SQS. The ledger is the source of truth; the queue is
// a best-effort feed and a send failure is logged, not surfaced.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// UsageEvent is the exported view of one billed call.
type UsageEvent struct {
	EntryID   string    `json:"entry_id"`
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	RequestID string    `json:"request_id"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	Cost      float64   `json:"cost"`
	CreatedAt time.Time `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event UsageEvent) error
}

type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSPublisherWithConfig(cfg aws.Config, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (p *SQSPublisher) Publish(ctx context.Context, event UsageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"UserID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.UserID),
			},
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.RequestID),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage event: %w", err)
	}

	return nil
}

// Receive drains up to maxMessages usage events, for consumers embedded in
// the same binary (reconciliation jobs).
func (p *SQSPublisher) Receive(ctx context.Context, maxMessages int) ([]UsageEvent, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(p.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	}

	result, err := p.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive usage events: %w", err)
	}

	events := make([]UsageEvent, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var event UsageEvent
		if err := json.Unmarshal([]byte(*msg.Body), &event); err != nil {
			slog.Warn("failed to unmarshal usage event", "error", err)
			continue
		}
		events = append(events, event)
	}

	return events, nil
}

type InMemoryPublisher struct {
	mu     sync.Mutex
	events []UsageEvent
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

func (p *InMemoryPublisher) Publish(ctx context.Context, event UsageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *InMemoryPublisher) Events() []UsageEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]UsageEvent, len(p.events))
	copy(result, p.events)
	return result
}
