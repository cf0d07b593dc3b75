package storage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wavechat/msg-delivery-service/config"
	redisinfra "github.com/wavechat/msg-delivery-service/infra/redis"
	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

const testShards = 4

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCluster(t *testing.T) (*redisinfra.Cluster, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Cache{
		Retries:             1,
		CommandTimeout:      time.Second,
		BreakerFailureRatio: 0.5,
		BreakerMinRequests:  1000,
		BreakerOpenDuration: time.Second,
	}
	return redisinfra.NewClusterWithClient("test", client, cfg, testLogger()), mr
}

func newTestCache(t *testing.T) (*MessagesCache, *miniredis.Miniredis) {
	t.Helper()
	cluster, mr := newTestCluster(t)
	return NewMessagesCache(cluster, testShards, testLogger()), mr
}

func testEnvelope(ad model.AccountDevice, sender uuid.UUID, timestamp int64) *model.Envelope {
	return &model.Envelope{
		Guid:              uuid.New(),
		Type:              model.Ciphertext,
		Timestamp:         timestamp,
		ServerTimestamp:   timestamp + 5,
		SourceUUID:        &sender,
		SourceDevice:      1,
		DestinationUUID:   ad.Account,
		DestinationDevice: ad.Device,
		Content:           []byte("ciphertext"),
	}
}

// fakeDynamo is an in-memory DynamoAPI good enough for the access
// patterns the table uses: composite-key puts, range queries over one
// partition, and keyed deletes.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	batchCalls  int
	failBatches int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	part := item[attrPartition].(*types.AttributeValueMemberB)
	sort := item[attrSort].(*types.AttributeValueMemberB)
	return string(part.Value) + "|" + string(sort.Value)
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batchCalls++
	if f.failBatches > 0 {
		f.failBatches--
		return &dynamodb.BatchWriteItemOutput{UnprocessedItems: in.RequestItems}, nil
	}

	for _, requests := range in.RequestItems {
		for _, req := range requests {
			if req.PutRequest != nil {
				f.items[itemKey(req.PutRequest.Item)] = req.PutRequest.Item
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &dynamodb.QueryOutput{}

	if in.IndexName != nil {
		guid := in.ExpressionAttributeValues[":guid"].(*types.AttributeValueMemberB)
		for _, item := range f.items {
			stored, ok := item[attrGuid].(*types.AttributeValueMemberB)
			if ok && string(stored.Value) == string(guid.Value) {
				out.Items = append(out.Items, item)
			}
		}
		return out, nil
	}

	part := in.ExpressionAttributeValues[":part"].(*types.AttributeValueMemberB)
	start := in.ExpressionAttributeValues[":start"].(*types.AttributeValueMemberB)
	end := in.ExpressionAttributeValues[":end"].(*types.AttributeValueMemberB)

	for _, item := range f.items {
		p := item[attrPartition].(*types.AttributeValueMemberB)
		s := item[attrSort].(*types.AttributeValueMemberB)
		if string(p.Value) != string(part.Value) {
			continue
		}
		if string(s.Value) < string(start.Value) || string(s.Value) > string(end.Value) {
			continue
		}
		if matches, ok := f.filterMatches(in, item); ok && !matches {
			continue
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (f *fakeDynamo) filterMatches(in *dynamodb.QueryInput, item map[string]types.AttributeValue) (bool, bool) {
	if in.FilterExpression == nil {
		return false, false
	}
	su := in.ExpressionAttributeValues[":su"].(*types.AttributeValueMemberB)
	ts := in.ExpressionAttributeValues[":ts"].(*types.AttributeValueMemberN)

	storedSU, ok := item[attrSourceUUID].(*types.AttributeValueMemberB)
	if !ok || string(storedSU.Value) != string(su.Value) {
		return false, true
	}
	storedTS, ok := item[attrTimestamp].(*types.AttributeValueMemberN)
	if !ok || storedTS.Value != ts.Value {
		return false, true
	}
	return true, true
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := itemKey(in.Key)
	item, ok := f.items[key]
	if !ok {
		return &dynamodb.DeleteItemOutput{}, nil
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{Attributes: item}, nil
}

func (f *fakeDynamo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func newTestTable(t *testing.T) (*MessagesTable, *fakeDynamo) {
	t.Helper()
	fake := newFakeDynamo()
	table := NewMessagesTable(fake, config.Dynamo{
		Table:     "Messages",
		GuidIndex: "Message_UUID_Index",
		Retention: 7 * 24 * time.Hour,
	})
	return table, fake
}
