package aws

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSPublisher is a minimal interface for publishing messages to SNS.
type SNSPublisher interface {
	Publish(ctx context.Context, topicArn string, message []byte) error
}

type SNSClient struct {
	client *sns.Client
}

func NewSNSClient(cfg sdkaws.Config) *SNSClient {
	return &SNSClient{client: sns.NewFromConfig(cfg)}
}

// Publish publishes a raw message to the given SNS topic ARN.
func (s *SNSClient) Publish(ctx context.Context, topicArn string, message []byte) error {
	return s.publish(ctx, topicArn, "", message)
}

func (s *SNSClient) publish(ctx context.Context, topicArn, eventType string, message []byte) error {
	if topicArn == "" {
		return fmt.Errorf("empty topicArn")
	}
	input := &sns.PublishInput{
		TopicArn: sdkaws.String(topicArn),
		Message:  sdkaws.String(string(message)),
	}
	if eventType != "" {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			"event_type": {DataType: sdkaws.String("String"), StringValue: sdkaws.String(eventType)},
		}
	}
	if _, err := s.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("sns publish failed for topic %s: %w", topicArn, err)
	}
	return nil
}

// TopicPublisher binds an SNSPublisher to one topic so it can serve as the
// service's event bus. The key is sent as the event_type message attribute
// when the underlying publisher is an *SNSClient.
type TopicPublisher struct {
	publisher SNSPublisher
	topicArn  string
}

func NewTopicPublisher(publisher SNSPublisher, topicArn string) *TopicPublisher {
	return &TopicPublisher{publisher: publisher, topicArn: topicArn}
}

func (p *TopicPublisher) Publish(ctx context.Context, key string, message []byte) error {
	if c, ok := p.publisher.(*SNSClient); ok {
		return c.publish(ctx, p.topicArn, key, message)
	}
	return p.publisher.Publish(ctx, p.topicArn, message)
}
