package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/wavechat/msg-delivery-service/config"
	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

// Attribute names follow the single-letter convention of the table
// layout: H partition, S sort, U guid, T type, SU source uuid, SD
// source device, TS client timestamp, C content, E expiry.
const (
	attrPartition    = "H"
	attrSort         = "S"
	attrGuid         = "U"
	attrType         = "T"
	attrSourceUUID   = "SU"
	attrSourceDevice = "SD"
	attrTimestamp    = "TS"
	attrContent      = "C"
	attrExpiry       = "E"

	batchWriteSize = 25
)

// DynamoAPI is the slice of the DynamoDB client the table uses.
// Narrow so tests can fake it.
type DynamoAPI interface {
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// MessagesTable stores aged envelopes durably until acknowledgement
// or TTL expiry. Partition key is the account uuid; the sort key is
// the 16-byte [BE device id | BE server timestamp] composite, unique
// because server timestamps are monotonic within a queue.
type MessagesTable struct {
	client    DynamoAPI
	table     string
	guidIndex string
	retention time.Duration
}

func NewMessagesTable(client DynamoAPI, cfg config.Dynamo) *MessagesTable {
	return &MessagesTable{
		client:    client,
		table:     cfg.Table,
		guidIndex: cfg.GuidIndex,
		retention: cfg.Retention,
	}
}

// Store writes a batch of envelopes for one device. Writes are
// idempotent upserts keyed on the composite sort key, so the
// persister may safely retry a partially failed run.
func (t *MessagesTable) Store(ctx context.Context, envelopes []*model.Envelope) error {
	for start := 0; start < len(envelopes); start += batchWriteSize {
		end := min(start+batchWriteSize, len(envelopes))

		requests := make([]types.WriteRequest, 0, end-start)
		for _, env := range envelopes[start:end] {
			requests = append(requests, types.WriteRequest{
				PutRequest: &types.PutRequest{Item: t.itemFromEnvelope(env)},
			})
		}

		unprocessed := map[string][]types.WriteRequest{t.table: requests}
		for len(unprocessed) > 0 {
			out, err := t.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: unprocessed,
			})
			if err != nil {
				return fmt.Errorf("messages table: batch write: %w", err)
			}
			unprocessed = out.UnprocessedItems
			if len(unprocessed) > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(50 * time.Millisecond):
				}
			}
		}
	}
	return nil
}

// Load returns up to limit envelopes for the device in ascending
// server-timestamp order.
func (t *MessagesTable) Load(ctx context.Context, ad model.AccountDevice, limit int) ([]*model.Envelope, error) {
	out, err := t.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(t.table),
		KeyConditionExpression: aws.String("#part = :part AND #sort BETWEEN :start AND :end"),
		ExpressionAttributeNames: map[string]string{
			"#part": attrPartition,
			"#sort": attrSort,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":part":  partitionValue(ad.Account),
			":start": &types.AttributeValueMemberB{Value: sortKey(ad.Device, 0)},
			":end":   &types.AttributeValueMemberB{Value: sortKey(ad.Device, int64(^uint64(0)>>1))},
		},
		Limit: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("messages table: load %s: %w", ad, err)
	}

	envelopes := make([]*model.Envelope, 0, len(out.Items))
	for _, item := range out.Items {
		env, err := t.envelopeFromItem(ad.Account, item)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// DeleteByGuid removes one stored envelope via the guid secondary
// index and returns it; (nil, nil) when absent.
func (t *MessagesTable) DeleteByGuid(ctx context.Context, account uuid.UUID, guid uuid.UUID) (*model.Envelope, error) {
	out, err := t.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(t.table),
		IndexName:              aws.String(t.guidIndex),
		KeyConditionExpression: aws.String("#guid = :guid"),
		ExpressionAttributeNames: map[string]string{
			"#guid": attrGuid,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":guid": &types.AttributeValueMemberB{Value: uuidBytes(guid)},
		},
		ProjectionExpression: aws.String(attrPartition + ", " + attrSort),
	})
	if err != nil {
		return nil, fmt.Errorf("messages table: guid lookup: %w", err)
	}

	for _, item := range out.Items {
		part, ok := item[attrPartition].(*types.AttributeValueMemberB)
		if !ok || !bytesEqualUUID(part.Value, account) {
			continue
		}
		sort, ok := item[attrSort].(*types.AttributeValueMemberB)
		if !ok {
			continue
		}
		return t.deleteItem(ctx, account, sort.Value)
	}
	return nil, nil
}

// DeleteBySenderAndTimestamp scans the device's rows for a (sender,
// client timestamp) match.
func (t *MessagesTable) DeleteBySenderAndTimestamp(ctx context.Context, ad model.AccountDevice, sender uuid.UUID, timestamp int64) (*model.Envelope, error) {
	out, err := t.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(t.table),
		KeyConditionExpression: aws.String("#part = :part AND #sort BETWEEN :start AND :end"),
		FilterExpression:       aws.String("#su = :su AND #ts = :ts"),
		ExpressionAttributeNames: map[string]string{
			"#part": attrPartition,
			"#sort": attrSort,
			"#su":   attrSourceUUID,
			"#ts":   attrTimestamp,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":part":  partitionValue(ad.Account),
			":start": &types.AttributeValueMemberB{Value: sortKey(ad.Device, 0)},
			":end":   &types.AttributeValueMemberB{Value: sortKey(ad.Device, int64(^uint64(0)>>1))},
			":su":    &types.AttributeValueMemberB{Value: uuidBytes(sender)},
			":ts":    &types.AttributeValueMemberN{Value: strconv.FormatInt(timestamp, 10)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("messages table: sender lookup: %w", err)
	}

	if len(out.Items) == 0 {
		return nil, nil
	}
	sort, ok := out.Items[0][attrSort].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("messages table: row without sort key")
	}
	return t.deleteItem(ctx, ad.Account, sort.Value)
}

// DeleteAllForDevice drops every stored row of one device queue.
func (t *MessagesTable) DeleteAllForDevice(ctx context.Context, ad model.AccountDevice) error {
	for {
		out, err := t.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(t.table),
			KeyConditionExpression: aws.String("#part = :part AND #sort BETWEEN :start AND :end"),
			ExpressionAttributeNames: map[string]string{
				"#part": attrPartition,
				"#sort": attrSort,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":part":  partitionValue(ad.Account),
				":start": &types.AttributeValueMemberB{Value: sortKey(ad.Device, 0)},
				":end":   &types.AttributeValueMemberB{Value: sortKey(ad.Device, int64(^uint64(0)>>1))},
			},
			ProjectionExpression: aws.String(attrSort),
		})
		if err != nil {
			return fmt.Errorf("messages table: clear %s: %w", ad, err)
		}
		if len(out.Items) == 0 {
			return nil
		}
		for _, item := range out.Items {
			sort, ok := item[attrSort].(*types.AttributeValueMemberB)
			if !ok {
				continue
			}
			if _, err := t.deleteItem(ctx, ad.Account, sort.Value); err != nil {
				return err
			}
		}
	}
}

func (t *MessagesTable) deleteItem(ctx context.Context, account uuid.UUID, sort []byte) (*model.Envelope, error) {
	out, err := t.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(t.table),
		Key: map[string]types.AttributeValue{
			attrPartition: partitionValue(account),
			attrSort:      &types.AttributeValueMemberB{Value: sort},
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, fmt.Errorf("messages table: delete: %w", err)
	}
	if len(out.Attributes) == 0 {
		return nil, nil
	}
	return t.envelopeFromItem(account, out.Attributes)
}

func (t *MessagesTable) itemFromEnvelope(env *model.Envelope) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		attrPartition: partitionValue(env.DestinationUUID),
		attrSort:      &types.AttributeValueMemberB{Value: sortKey(env.DestinationDevice, env.ServerTimestamp)},
		attrGuid:      &types.AttributeValueMemberB{Value: uuidBytes(env.Guid)},
		attrType:      &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(env.Type), 10)},
		attrTimestamp: &types.AttributeValueMemberN{Value: strconv.FormatInt(env.Timestamp, 10)},
		attrExpiry:    &types.AttributeValueMemberN{Value: strconv.FormatInt((time.UnixMilli(env.ServerTimestamp).Add(t.retention)).Unix(), 10)},
	}
	if len(env.Content) > 0 {
		item[attrContent] = &types.AttributeValueMemberB{Value: env.Content}
	}
	if env.SourceUUID != nil {
		item[attrSourceUUID] = &types.AttributeValueMemberB{Value: uuidBytes(*env.SourceUUID)}
		item[attrSourceDevice] = &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(env.SourceDevice), 10)}
	}
	return item
}

func (t *MessagesTable) envelopeFromItem(account uuid.UUID, item map[string]types.AttributeValue) (*model.Envelope, error) {
	sort, ok := item[attrSort].(*types.AttributeValueMemberB)
	if !ok || len(sort.Value) != 16 {
		return nil, fmt.Errorf("messages table: malformed sort key")
	}
	device := uint32(binary.BigEndian.Uint64(sort.Value[:8]))
	serverTimestamp := int64(binary.BigEndian.Uint64(sort.Value[8:]))

	env := &model.Envelope{
		DestinationUUID:   account,
		DestinationDevice: device,
		ServerTimestamp:   serverTimestamp,
	}

	if guid, ok := item[attrGuid].(*types.AttributeValueMemberB); ok && len(guid.Value) == 16 {
		env.Guid, _ = uuid.FromBytes(guid.Value)
	}
	if typ, ok := item[attrType].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(typ.Value, 10, 32)
		env.Type = model.EnvelopeType(n)
	}
	if ts, ok := item[attrTimestamp].(*types.AttributeValueMemberN); ok {
		env.Timestamp, _ = strconv.ParseInt(ts.Value, 10, 64)
	}
	if content, ok := item[attrContent].(*types.AttributeValueMemberB); ok {
		env.Content = content.Value
	}
	if su, ok := item[attrSourceUUID].(*types.AttributeValueMemberB); ok && len(su.Value) == 16 {
		source, err := uuid.FromBytes(su.Value)
		if err == nil {
			env.SourceUUID = &source
		}
	}
	if sd, ok := item[attrSourceDevice].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseUint(sd.Value, 10, 32)
		env.SourceDevice = uint32(n)
	}
	return env, nil
}

// sortKey builds the 16-byte [BE device | BE server timestamp]
// composite.
func sortKey(device uint32, serverTimestamp int64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(device))
	binary.BigEndian.PutUint64(key[8:], uint64(serverTimestamp))
	return key
}

func partitionValue(account uuid.UUID) types.AttributeValue {
	return &types.AttributeValueMemberB{Value: uuidBytes(account)}
}

func uuidBytes(id uuid.UUID) []byte {
	b := id // uuid.UUID is [16]byte
	return b[:]
}

func bytesEqualUUID(b []byte, id uuid.UUID) bool {
	if len(b) != 16 {
		return false
	}
	parsed, err := uuid.FromBytes(b)
	return err == nil && parsed == id
}
