package dynamodb

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	store "github.com/cloudxsgmbh/storage-core-go"
)

const (
	// batchSize is the BatchWriteItem request limit.
	batchSize = 25
	// batchAttempts bounds the resubmission of unprocessed items.
	batchAttempts = 5
)

// batch writes puts and deletes in chunks of at most batchSize. Chunks run
// in parallel unless a key repeats; then they run one after another so the
// writes land in request order.
func (s *Store) batch(ctx context.Context, p *store.OperationParser) ([]any, error) {
	subs, err := p.OperationParsers()
	if err != nil {
		return nil, err
	}
	if err := store.ValidateBatch(subs, []string{store.OpPut, store.OpDelete}, true); err != nil {
		return nil, err
	}

	var table string
	reqs := make([]types.WriteRequest, len(subs))
	keys := make([]string, len(subs))
	out := make([]any, len(subs))
	for i, sub := range subs {
		t, err := s.target(sub)
		if err != nil {
			return nil, err
		}
		table = t.table
		switch {
		case sub.OpEquals(store.OpPut):
			doc, item, err := t.document(sub)
			if err != nil {
				return nil, err
			}
			reqs[i] = types.WriteRequest{PutRequest: &types.PutRequest{Item: item}}
			keys[i] = fmt.Sprint(t.proc.KeyFromValue(doc))
			out[i] = store.BuildItem(t.proc, doc, false)
		case sub.OpEquals(store.OpDelete):
			key, err := t.keyOf(sub)
			if err != nil {
				return nil, err
			}
			reqs[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}}
			k, _ := sub.Key()
			keys[i] = fmt.Sprint(t.proc.KeyFromKey(k))
		}
	}

	chunks, repeated := chunkWrites(reqs, keys)
	if repeated {
		for _, chunk := range chunks {
			if err := s.writeChunk(ctx, table, chunk); err != nil {
				return nil, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for _, chunk := range chunks {
			g.Go(func() error { return s.writeChunk(gctx, table, chunk) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	s.log.Trace("dynamodb batch written", map[string]any{"table": table, "count": len(reqs), "chunks": len(chunks)})
	return out, nil
}

// chunkWrites splits reqs into chunks of at most batchSize. A chunk is also
// cut before a key it already holds, since BatchWriteItem rejects duplicate
// keys. repeated reports whether any key occurs more than once.
func chunkWrites(reqs []types.WriteRequest, keys []string) ([][]types.WriteRequest, bool) {
	var chunks [][]types.WriteRequest
	seen := map[string]bool{}
	inChunk := map[string]bool{}
	repeated := false
	start := 0
	for i := range reqs {
		if seen[keys[i]] {
			repeated = true
		}
		seen[keys[i]] = true
		if i-start == batchSize || inChunk[keys[i]] {
			chunks = append(chunks, reqs[start:i])
			start = i
			inChunk = map[string]bool{}
		}
		inChunk[keys[i]] = true
	}
	if start < len(reqs) {
		chunks = append(chunks, reqs[start:])
	}
	return chunks, repeated
}

// writeChunk submits one chunk and resubmits whatever comes back
// unprocessed, backing off between attempts.
func (s *Store) writeChunk(ctx context.Context, table string, chunk []types.WriteRequest) error {
	for attempt := 0; attempt < batchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(10*(1<<attempt)) * time.Millisecond):
			}
		}
		res, err := s.client.BatchWriteItem(ctx, &ddb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{table: chunk},
		})
		if err != nil {
			return storeError(err, "batch write %s", table)
		}
		chunk = res.UnprocessedItems[table]
		if len(chunk) == 0 {
			return nil
		}
	}
	return store.NewError(fmt.Sprintf("batch write %s: %d items unprocessed", table, len(chunk)),
		store.WithCode(store.ErrInternal))
}

// transact runs puts, updates and deletes through TransactWriteItems. A
// cancelled transaction is a Conflict naming the first failed operation.
func (s *Store) transact(ctx context.Context, p *store.OperationParser) ([]any, error) {
	subs, err := p.OperationParsers()
	if err != nil {
		return nil, err
	}
	allowed := []string{store.OpPut, store.OpUpdate, store.OpDelete}
	if err := store.ValidateTransact(subs, allowed, false); err != nil {
		return nil, err
	}

	items := make([]types.TransactWriteItem, len(subs))
	out := make([]any, len(subs))
	for i, sub := range subs {
		t, err := s.target(sub)
		if err != nil {
			return nil, err
		}
		switch {
		case sub.OpEquals(store.OpPut):
			in, doc, err := t.putInput(sub)
			if err != nil {
				return nil, err
			}
			items[i] = types.TransactWriteItem{Put: &types.Put{
				TableName:                 in.TableName,
				Item:                      in.Item,
				ConditionExpression:       in.ConditionExpression,
				ExpressionAttributeNames:  in.ExpressionAttributeNames,
				ExpressionAttributeValues: in.ExpressionAttributeValues,
			}}
			out[i] = store.BuildItem(t.proc, doc, false)
		case sub.OpEquals(store.OpUpdate):
			in, err := t.updateInput(sub)
			if err != nil {
				return nil, err
			}
			items[i] = types.TransactWriteItem{Update: &types.Update{
				TableName:                 in.TableName,
				Key:                       in.Key,
				UpdateExpression:          in.UpdateExpression,
				ConditionExpression:       in.ConditionExpression,
				ExpressionAttributeNames:  in.ExpressionAttributeNames,
				ExpressionAttributeValues: in.ExpressionAttributeValues,
			}}
			key, _ := sub.Key()
			out[i] = store.BuildItem(t.proc, t.proc.KeyFromKey(key), false)
		case sub.OpEquals(store.OpDelete):
			in, err := t.deleteInput(sub)
			if err != nil {
				return nil, err
			}
			items[i] = types.TransactWriteItem{Delete: &types.Delete{
				TableName:                 in.TableName,
				Key:                       in.Key,
				ConditionExpression:       in.ConditionExpression,
				ExpressionAttributeNames:  in.ExpressionAttributeNames,
				ExpressionAttributeValues: in.ExpressionAttributeValues,
			}}
		}
	}

	_, err = s.client.TransactWriteItems(ctx, &ddb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isTransactionCanceled(err) || isConditionalFailed(err) {
			return nil, store.NewConflict("transaction condition failed at operation %d", failedAt(err))
		}
		return nil, storeError(err, "transact write")
	}
	return out, nil
}

// failedAt returns the index of the first cancellation reason that is not
// "None", or -1.
func failedAt(err error) int {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return -1
	}
	for i, r := range tce.CancellationReasons {
		if code := aws.ToString(r.Code); code != "" && code != "None" {
			return i
		}
	}
	return -1
}
