package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/signvault/internal/clock"
)

// fakeDynamo evaluates the two condition expressions the locker issues.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Item["lock_key"].(*types.AttributeValueMemberS).Value
	if existing, ok := f.items[key]; ok {
		now := in.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value
		expires := existing["expires_at"].(*types.AttributeValueMemberN).Value
		if !(len(expires) < len(now) || (len(expires) == len(now) && expires < now)) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Key["lock_key"].(*types.AttributeValueMemberS).Value
	existing, ok := f.items[key]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	owner := in.ExpressionAttributeValues[":owner"].(*types.AttributeValueMemberS).Value
	if existing["owner"].(*types.AttributeValueMemberS).Value != owner {
		return nil, &types.ConditionalCheckFailedException{}
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoLocker_ExclusiveUntilReleased(t *testing.T) {
	db := newFakeDynamo()
	clk := clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	locker := NewDynamoLocker(db, "locks", time.Minute, clk)

	release, err := locker.Acquire(context.Background(), "refresh:1")
	require.NoError(t, err)

	ok, err := locker.tryAcquire(context.Background(), "refresh:1", "other")
	require.NoError(t, err)
	require.False(t, ok)

	release()
	ok, err = locker.tryAcquire(context.Background(), "refresh:1", "other")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDynamoLocker_TakesOverExpiredLease(t *testing.T) {
	db := newFakeDynamo()
	clk := clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	locker := NewDynamoLocker(db, "locks", 10*time.Second, clk)

	_, err := locker.Acquire(context.Background(), "refresh:7")
	require.NoError(t, err)

	// Each poll advances the fake clock; the lease lapses after 10s.
	release, err := locker.Acquire(context.Background(), "refresh:7")
	require.NoError(t, err)
	require.NotNil(t, release)
}
