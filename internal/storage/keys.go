package storage

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

// All per-queue keys share the {acct:dev} hash tag so one script can
// touch them atomically on a single shard.

func queueKey(ad model.AccountDevice) string {
	return fmt.Sprintf("user_queue::{%s:%d}", ad.Account, ad.Device)
}

func queueMetadataKey(ad model.AccountDevice) string {
	return fmt.Sprintf("user_queue_metadata::{%s:%d}", ad.Account, ad.Device)
}

func queueCounterKey(ad model.AccountDevice) string {
	return fmt.Sprintf("user_queue_counter::{%s:%d}", ad.Account, ad.Device)
}

func queuePersistInProgressKey(ad model.AccountDevice) string {
	return fmt.Sprintf("user_queue_persist_in_progress::{%s:%d}", ad.Account, ad.Device)
}

func queueEventChannel(ad model.AccountDevice) string {
	return fmt.Sprintf("queue_events::{%s:%d}", ad.Account, ad.Device)
}

func shardIndexKey(shard int) string {
	return fmt.Sprintf("persist_queue_index::{%d}", shard)
}

// ShardForQueue maps a queue to its logical shard. Deterministic so
// the insert path and the persister agree without coordination.
func ShardForQueue(ad model.AccountDevice, shards int) int {
	tag := fmt.Sprintf("%s:%d", ad.Account, ad.Device)
	return int(crc32.ChecksumIEEE([]byte(tag)) % uint32(shards))
}

// ParseQueueKey recovers the queue address from a cache key, used by
// the persister when walking a shard index.
func ParseQueueKey(key string) (model.AccountDevice, error) {
	start := strings.IndexByte(key, '{')
	end := strings.LastIndexByte(key, '}')
	if start < 0 || end <= start {
		return model.AccountDevice{}, fmt.Errorf("storage: malformed queue key %q", key)
	}

	tag := key[start+1 : end]
	sep := strings.LastIndexByte(tag, ':')
	if sep < 0 {
		return model.AccountDevice{}, fmt.Errorf("storage: malformed queue tag %q", tag)
	}

	account, err := uuid.Parse(tag[:sep])
	if err != nil {
		return model.AccountDevice{}, fmt.Errorf("storage: queue key account: %w", err)
	}

	device, err := strconv.ParseUint(tag[sep+1:], 10, 32)
	if err != nil {
		return model.AccountDevice{}, fmt.Errorf("storage: queue key device: %w", err)
	}

	return model.AccountDevice{Account: account, Device: uint32(device)}, nil
}
