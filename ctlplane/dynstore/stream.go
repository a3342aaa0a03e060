// Copyright 2025 The Vaultsync Authors
// This file is part of Vaultsync.
//
// Vaultsync is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Vaultsync is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Vaultsync. If not, see <http://www.gnu.org/licenses/>.

package dynstore

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vaultsync/vaultsync/ctlplane"
)

const (
	streamPollInterval  = time.Second
	shardRefreshPeriod  = 5 * time.Minute
	streamEventsBufSize = 256
)

// StreamsAPI is the subset of the DynamoDB Streams client the subscriber
// uses.
type StreamsAPI interface {
	DescribeStream(ctx context.Context, in *dynamodbstreams.DescribeStreamInput, opts ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, in *dynamodbstreams.GetShardIteratorInput, opts ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, opts ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// Subscribe tails the queue table's change stream and forwards one Event
// per record. Delivery is at-least-once and unordered across keys; the
// consumer treats events purely as wakeups, so a dropped or duplicate
// record costs at most one backup-poll interval.
func (d *DynStore) Subscribe(ctx context.Context) (<-chan ctlplane.Event, error) {
	desc, err := d.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.queueTable),
	})
	if err != nil {
		return nil, classify(err)
	}
	if desc.Table.LatestStreamArn == nil {
		return nil, errors.Errorf("table %s has no change stream enabled", d.queueTable)
	}
	streamArn := *desc.Table.LatestStreamArn

	ch := make(chan ctlplane.Event, streamEventsBufSize)
	go d.tailStream(ctx, streamArn, ch)
	return ch, nil
}

func (d *DynStore) tailStream(ctx context.Context, streamArn string, ch chan<- ctlplane.Event) {
	defer close(ch)

	logger := log.WithField("component", "dynstore.stream")
	iterators := map[string]string{} // shardID -> current iterator
	lastRefresh := time.Time{}

	for {
		if time.Since(lastRefresh) > shardRefreshPeriod || len(iterators) == 0 {
			if err := d.refreshShards(ctx, streamArn, iterators); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WithError(err).Warn("shard refresh failed")
			}
			lastRefresh = time.Now()
		}

		for shardID, it := range iterators {
			if it == "" {
				continue
			}
			out, err := d.streams.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
				ShardIterator: aws.String(it),
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WithError(err).WithField("shard", shardID).Warn("get records failed")
				// Force a fresh iterator next refresh.
				iterators[shardID] = ""
				continue
			}
			for _, rec := range out.Records {
				ev, ok := eventFromRecord(rec)
				if !ok {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			if out.NextShardIterator == nil {
				delete(iterators, shardID) // shard closed
			} else {
				iterators[shardID] = *out.NextShardIterator
			}
		}

		select {
		case <-time.After(streamPollInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (d *DynStore) refreshShards(ctx context.Context, streamArn string, iterators map[string]string) error {
	desc, err := d.streams.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
		StreamArn: aws.String(streamArn),
	})
	if err != nil {
		return classify(err)
	}
	for _, shard := range desc.StreamDescription.Shards {
		id := aws.ToString(shard.ShardId)
		if it, known := iterators[id]; known && it != "" {
			continue
		}
		out, err := d.streams.GetShardIterator(ctx, &dynamodbstreams.GetShardIteratorInput{
			StreamArn:         aws.String(streamArn),
			ShardId:           shard.ShardId,
			ShardIteratorType: streamtypes.ShardIteratorTypeLatest,
		})
		if err != nil {
			return classify(err)
		}
		iterators[id] = aws.ToString(out.ShardIterator)
	}
	return nil
}

func eventFromRecord(rec streamtypes.Record) (ctlplane.Event, bool) {
	if rec.Dynamodb == nil {
		return ctlplane.Event{}, false
	}
	vault, ok1 := rec.Dynamodb.Keys["vault_id"].(*streamtypes.AttributeValueMemberS)
	sk, ok2 := rec.Dynamodb.Keys["sort_key"].(*streamtypes.AttributeValueMemberS)
	if !ok1 || !ok2 {
		return ctlplane.Event{}, false
	}
	return ctlplane.Event{VaultID: vault.Value, SortKey: sk.Value}, true
}
