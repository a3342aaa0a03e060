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

// Package dynstore backs the control plane with DynamoDB: a queue table
// keyed (vault_id, sort_key), a state table keyed vault_id, and the queue
// table's change stream for consumer wakeups.
//
// Every mutation is a single-item conditional write. Condition failures
// surface as ctlplane.ErrPreconditionFailed; throttling and 5xx surface
// as ctlplane.ErrTransientStore so callers can apply bounded backoff.
package dynstore

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"

	"github.com/vaultsync/vaultsync/ctlplane"
)

// DynStore implements ctlplane.Store over DynamoDB.
type DynStore struct {
	db         API
	streams    StreamsAPI
	queueTable string
	stateTable string
}

// API is the subset of the DynamoDB client the store uses.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

func New(db API, streams StreamsAPI, queueTable, stateTable string) *DynStore {
	return &DynStore{db: db, streams: streams, queueTable: queueTable, stateTable: stateTable}
}

// entryItem is the queue-table wire form. Times are RFC3339 strings so
// items stay readable in the console.
type entryItem struct {
	VaultID      string `dynamodbav:"vault_id"`
	SortKey      string `dynamodbav:"sort_key"`
	LoadType     string `dynamodbav:"load_type"`
	Status       string `dynamodbav:"status"`
	S3Prefix     string `dynamodbav:"s3_prefix"`
	Checksum     string `dynamodbav:"checksum"`
	Epoch        uint64 `dynamodbav:"epoch"`
	AttemptCount int    `dynamodbav:"attempt_count"`
	LastError    string `dynamodbav:"last_error"`
	CreatedAt    string `dynamodbav:"created_at"`
	UpdatedAt    string `dynamodbav:"updated_at"`
}

type stateItem struct {
	VaultID             string `dynamodbav:"vault_id"`
	Mode                string `dynamodbav:"mode"`
	LastAppliedStoptime string `dynamodbav:"last_applied_stoptime"`
	LastAppliedLogDate  string `dynamodbav:"last_applied_log_date"`
	CurrentEpoch        uint64 `dynamodbav:"current_epoch"`
	FullLoadStartedAt   string `dynamodbav:"full_load_started_at"`
	LockOwner           string `dynamodbav:"lock_owner"`
	LockExpiresAt       int64  `dynamodbav:"lock_expires_at"`
}

func toItem(e *ctlplane.Entry, now time.Time) entryItem {
	return entryItem{
		VaultID:      e.VaultID,
		SortKey:      e.SortKey(),
		LoadType:     string(e.LoadType),
		Status:       string(e.Status),
		S3Prefix:     e.S3Prefix,
		Checksum:     e.Checksum,
		Epoch:        e.Epoch,
		AttemptCount: e.AttemptCount,
		LastError:    e.LastError,
		CreatedAt:    now.Format(time.RFC3339Nano),
		UpdatedAt:    now.Format(time.RFC3339Nano),
	}
}

func fromItem(it entryItem) (*ctlplane.Entry, error) {
	lt, logical, err := ctlplane.ParseSortKey(it.SortKey)
	if err != nil {
		return nil, err
	}
	created, _ := time.Parse(time.RFC3339Nano, it.CreatedAt)
	updated, _ := time.Parse(time.RFC3339Nano, it.UpdatedAt)
	return &ctlplane.Entry{
		VaultID:      it.VaultID,
		LoadType:     lt,
		LogicalTime:  logical,
		Status:       ctlplane.Status(it.Status),
		S3Prefix:     it.S3Prefix,
		Checksum:     it.Checksum,
		Epoch:        it.Epoch,
		AttemptCount: it.AttemptCount,
		LastError:    it.LastError,
		CreatedAt:    created,
		UpdatedAt:    updated,
	}, nil
}

func (d *DynStore) PutIfAbsent(ctx context.Context, e *ctlplane.Entry) error {
	item, err := attributevalue.MarshalMap(toItem(e, time.Now().UTC()))
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = d.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.queueTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(vault_id)"),
	})
	if err == nil {
		return nil
	}
	if !isConditionFailure(err) {
		return classify(err)
	}

	// Entry exists. Identical checksum is an idempotent retry; an empty
	// stored checksum is a trigger placeholder we complete in place.
	cur, err := d.Get(ctx, e.Key())
	if err != nil {
		return err
	}
	switch {
	case e.Checksum == cur.Checksum || e.Checksum == "":
		return nil
	case cur.Checksum == "":
		_, err := d.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(d.queueTable),
			Key:                 entryKeyAttrs(e.Key()),
			UpdateExpression:    aws.String("SET checksum = :c, s3_prefix = :p, updated_at = :u"),
			ConditionExpression: aws.String("checksum = :empty"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":c":     &ddbtypes.AttributeValueMemberS{Value: e.Checksum},
				":p":     &ddbtypes.AttributeValueMemberS{Value: e.S3Prefix},
				":u":     &ddbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
				":empty": &ddbtypes.AttributeValueMemberS{Value: ""},
			},
		})
		if isConditionFailure(err) {
			// Another producer completed it first; fall through to the
			// checksum comparison on retry.
			return errors.Wrapf(ctlplane.ErrPreconditionFailed, "entry %s/%s", e.VaultID, e.SortKey())
		}
		return classify(err)
	default:
		return errors.Wrapf(ctlplane.ErrDuplicateChecksum, "entry %s/%s has checksum %s, got %s",
			e.VaultID, e.SortKey(), cur.Checksum, e.Checksum)
	}
}

func (d *DynStore) Get(ctx context.Context, key ctlplane.EntryKey) (*ctlplane.Entry, error) {
	out, err := d.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.queueTable),
		Key:            entryKeyAttrs(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify(err)
	}
	if out.Item == nil {
		return nil, errors.Wrapf(ctlplane.ErrNotFound, "entry %s/%s", key.VaultID, key.SortKey)
	}
	var it entryItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, errors.WithStack(err)
	}
	return fromItem(it)
}

func (d *DynStore) ConditionalUpdate(ctx context.Context, key ctlplane.EntryKey, expect ctlplane.Status, upd ctlplane.EntryUpdate) error {
	expr := "SET updated_at = :u"
	values := map[string]ddbtypes.AttributeValue{
		":expect": &ddbtypes.AttributeValueMemberS{Value: string(expect)},
		":u":      &ddbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}
	if upd.Status != "" {
		expr += ", #st = :new"
		values[":new"] = &ddbtypes.AttributeValueMemberS{Value: string(upd.Status)}
	}
	if upd.LastError != "" {
		expr += ", last_error = :le"
		values[":le"] = &ddbtypes.AttributeValueMemberS{Value: upd.LastError}
	}
	if upd.Epoch != nil {
		expr += ", epoch = :ep"
		values[":ep"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(*upd.Epoch, 10)}
	}
	if upd.IncrementAttempt {
		expr += " ADD attempt_count :one"
		values[":one"] = &ddbtypes.AttributeValueMemberN{Value: "1"}
	}

	_, err := d.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.queueTable),
		Key:                       entryKeyAttrs(key),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(vault_id) AND #st = :expect"),
		ExpressionAttributeNames:  map[string]string{"#st": "status"},
		ExpressionAttributeValues: values,
	})
	if isConditionFailure(err) {
		return errors.Wrapf(ctlplane.ErrPreconditionFailed, "entry %s/%s not %s",
			key.VaultID, key.SortKey, expect)
	}
	return classify(err)
}

func (d *DynStore) ScanForward(ctx context.Context, vaultID string, lt ctlplane.LoadType, startExclusive string, limit int) ([]*ctlplane.Entry, error) {
	prefix := string(lt) + "#"
	lo := prefix
	if startExclusive != "" {
		// Time keys are fixed-width digit strings, so appending any byte
		// yields the smallest sort key strictly after the excluded one.
		lo = prefix + startExclusive + "0"
	}
	hi := prefix + "99999999999999"

	out, err := d.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.queueTable),
		KeyConditionExpression: aws.String("vault_id = :v AND sort_key BETWEEN :lo AND :hi"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":v":  &ddbtypes.AttributeValueMemberS{Value: vaultID},
			":lo": &ddbtypes.AttributeValueMemberS{Value: lo},
			":hi": &ddbtypes.AttributeValueMemberS{Value: hi},
		},
		Limit:          aws.Int32(int32(limit)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify(err)
	}

	entries := make([]*ctlplane.Entry, 0, len(out.Items))
	for _, raw := range out.Items {
		var it entryItem
		if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
			return nil, errors.WithStack(err)
		}
		e, err := fromItem(it)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (d *DynStore) GetVaultState(ctx context.Context, vaultID string) (*ctlplane.VaultState, error) {
	out, err := d.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.stateTable),
		Key:            stateKeyAttrs(vaultID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify(err)
	}
	if out.Item == nil {
		return nil, errors.Wrapf(ctlplane.ErrNotFound, "vault %s", vaultID)
	}
	var it stateItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, errors.WithStack(err)
	}
	st := &ctlplane.VaultState{
		VaultID:      it.VaultID,
		Mode:         ctlplane.Mode(it.Mode),
		CurrentEpoch: it.CurrentEpoch,
		LockOwner:    it.LockOwner,
	}
	st.LastAppliedStoptime, _ = time.Parse(time.RFC3339Nano, it.LastAppliedStoptime)
	st.LastAppliedLogDate, _ = time.Parse(time.RFC3339Nano, it.LastAppliedLogDate)
	st.FullLoadStartedAt, _ = time.Parse(time.RFC3339Nano, it.FullLoadStartedAt)
	if it.LockExpiresAt != 0 {
		st.LockExpiresAt = time.Unix(0, it.LockExpiresAt)
	}
	return st, nil
}

func (d *DynStore) InitVaultState(ctx context.Context, st *ctlplane.VaultState) error {
	item, err := attributevalue.MarshalMap(stateItem{
		VaultID:             st.VaultID,
		Mode:                string(st.Mode),
		LastAppliedStoptime: st.LastAppliedStoptime.UTC().Format(time.RFC3339Nano),
		LastAppliedLogDate:  st.LastAppliedLogDate.UTC().Format(time.RFC3339Nano),
		CurrentEpoch:        st.CurrentEpoch,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = d.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.stateTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(vault_id)"),
	})
	if isConditionFailure(err) {
		return nil
	}
	return classify(err)
}

func (d *DynStore) UpdateVaultState(ctx context.Context, vaultID string, expectedEpoch uint64, upd ctlplane.StateUpdate) error {
	expr := "SET updated_at = :u"
	values := map[string]ddbtypes.AttributeValue{
		":ee": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(expectedEpoch, 10)},
		":u":  &ddbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}
	if upd.Mode != nil {
		expr += ", #mode = :m"
		values[":m"] = &ddbtypes.AttributeValueMemberS{Value: string(*upd.Mode)}
	}
	if upd.LastAppliedStoptime != nil {
		expr += ", last_applied_stoptime = :wm"
		values[":wm"] = &ddbtypes.AttributeValueMemberS{Value: upd.LastAppliedStoptime.UTC().Format(time.RFC3339Nano)}
	}
	if upd.LastAppliedLogDate != nil {
		expr += ", last_applied_log_date = :ld"
		values[":ld"] = &ddbtypes.AttributeValueMemberS{Value: upd.LastAppliedLogDate.UTC().Format(time.RFC3339Nano)}
	}
	if upd.CurrentEpoch != nil {
		expr += ", current_epoch = :ne"
		values[":ne"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(*upd.CurrentEpoch, 10)}
	}
	if upd.FullLoadStartedAt != nil {
		expr += ", full_load_started_at = :fl"
		values[":fl"] = &ddbtypes.AttributeValueMemberS{Value: upd.FullLoadStartedAt.UTC().Format(time.RFC3339Nano)}
	}

	_, err := d.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.stateTable),
		Key:                       stateKeyAttrs(vaultID),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("current_epoch = :ee"),
		ExpressionAttributeNames:  map[string]string{"#mode": "mode"},
		ExpressionAttributeValues: values,
	})
	if isConditionFailure(err) {
		return errors.Wrapf(ctlplane.ErrPreconditionFailed, "vault %s epoch != %d", vaultID, expectedEpoch)
	}
	return classify(err)
}

func (d *DynStore) AcquireLease(ctx context.Context, leaseID, owner string, ttl time.Duration) error {
	now := time.Now()
	_, err := d.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.stateTable),
		Key:              stateKeyAttrs(leaseID),
		UpdateExpression: aws.String("SET lock_owner = :o, lock_expires_at = :exp"),
		ConditionExpression: aws.String(
			"attribute_not_exists(lock_owner) OR lock_owner = :o OR lock_expires_at < :now"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":o":   &ddbtypes.AttributeValueMemberS{Value: owner},
			":exp": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).UnixNano(), 10)},
			":now": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixNano(), 10)},
		},
	})
	if isConditionFailure(err) {
		return errors.Wrapf(ctlplane.ErrLeaseHeld, "lease %s", leaseID)
	}
	return classify(err)
}

func (d *DynStore) RenewLease(ctx context.Context, leaseID, owner string, ttl time.Duration) error {
	now := time.Now()
	_, err := d.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.stateTable),
		Key:                 stateKeyAttrs(leaseID),
		UpdateExpression:    aws.String("SET lock_expires_at = :exp"),
		ConditionExpression: aws.String("lock_owner = :o AND lock_expires_at >= :now"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":o":   &ddbtypes.AttributeValueMemberS{Value: owner},
			":exp": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).UnixNano(), 10)},
			":now": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixNano(), 10)},
		},
	})
	if isConditionFailure(err) {
		return errors.Wrapf(ctlplane.ErrLeaseLost, "lease %s", leaseID)
	}
	return classify(err)
}

func (d *DynStore) ReleaseLease(ctx context.Context, leaseID, owner string) error {
	_, err := d.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.stateTable),
		Key:                 stateKeyAttrs(leaseID),
		UpdateExpression:    aws.String("REMOVE lock_owner, lock_expires_at"),
		ConditionExpression: aws.String("lock_owner = :o"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":o": &ddbtypes.AttributeValueMemberS{Value: owner},
		},
	})
	if isConditionFailure(err) {
		return errors.Wrapf(ctlplane.ErrLeaseLost, "lease %s", leaseID)
	}
	return classify(err)
}

func entryKeyAttrs(key ctlplane.EntryKey) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"vault_id": &ddbtypes.AttributeValueMemberS{Value: key.VaultID},
		"sort_key": &ddbtypes.AttributeValueMemberS{Value: key.SortKey},
	}
}

func stateKeyAttrs(vaultID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"vault_id": &ddbtypes.AttributeValueMemberS{Value: vaultID},
	}
}

func isConditionFailure(err error) bool {
	var ccf *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// classify maps SDK errors onto the contract's failure modes. Throttling
// and server-side faults are transient; everything else passes through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException",
			"ThrottlingException",
			"RequestLimitExceeded",
			"InternalServerError",
			"ServiceUnavailable":
			return errors.Wrap(ctlplane.ErrTransientStore, apiErr.ErrorMessage())
		}
	}
	return errors.WithStack(err)
}

var _ ctlplane.Store = (*DynStore)(nil)
