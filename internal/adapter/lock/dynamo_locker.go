// Package lock provides a DynamoDB-backed refresh lock for deployments
// without Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/service/token"
)

// DefaultTTL bounds how long a crashed holder can block a refresh.
const DefaultTTL = 30 * time.Second

// DynamoDBAPI is the subset of *dynamodb.Client the locker uses.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type lockItem struct {
	LockKey   string `dynamodbav:"lock_key"`
	Owner     string `dynamodbav:"owner"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// DynamoLocker acquires locks with a conditional put on lock_key. An
// expired item may be taken over.
type DynamoLocker struct {
	client    DynamoDBAPI
	tableName string
	ttl       time.Duration
	poll      time.Duration
	clock     clock.Clock
}

var _ token.Locker = (*DynamoLocker)(nil)

func NewDynamoLocker(client DynamoDBAPI, tableName string, ttl time.Duration, c clock.Clock) *DynamoLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if c == nil {
		c = clock.Real()
	}
	return &DynamoLocker{client: client, tableName: tableName, ttl: ttl, poll: 200 * time.Millisecond, clock: c}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *DynamoLocker) Acquire(ctx context.Context, key string) (func(), error) {
	owner := uuid.NewString()
	for {
		ok, err := l.tryAcquire(ctx, key, owner)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { l.release(key, owner) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-l.clock.After(l.poll):
		}
	}
}

func (l *DynamoLocker) tryAcquire(ctx context.Context, key, owner string) (bool, error) {
	now := l.clock.Now().Unix()
	item, err := attributevalue.MarshalMap(lockItem{
		LockKey:   key,
		Owner:     owner,
		ExpiresAt: now + int64(l.ttl.Seconds()),
	})
	if err != nil {
		return false, fmt.Errorf("marshal lock: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(lock_key) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now, 10)},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return true, nil
}

func (l *DynamoLocker) release(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// A failed condition means the lease expired and someone else holds it.
	_, _ = l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"lock_key": &types.AttributeValueMemberS{Value: key},
		},
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
}
