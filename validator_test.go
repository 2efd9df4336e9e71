package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudxsgmbh/storage-core-go/ql"
)

func parsers(t *testing.T, op *Operation) []*OperationParser {
	t.Helper()
	subs, err := NewOperationParser(op, nil).OperationParsers()
	require.NoError(t, err)
	return subs
}

var batchOps = []string{OpPut, OpDelete}

func TestValidateBatch_Empty(t *testing.T) {
	err := ValidateBatch(nil, batchOps, false)
	assert.EqualError(t, err, "[BadRequest] BATCH must have at least one operation")
	assert.True(t, IsBadRequest(ValidateBatch(parsers(t, BatchOf(nil)), batchOps, true)))
}

func TestValidateBatch_UnsupportedOp(t *testing.T) {
	ops := parsers(t, BatchOf([]*Operation{Put(map[string]any{}), Get("a")}))
	assert.EqualError(t, ValidateBatch(ops, batchOps, false), "[BadRequest] get not supported in BATCH")
}

func TestValidateBatch_Where(t *testing.T) {
	ops := parsers(t, BatchOf([]*Operation{Delete("a", WithWhere(ql.Exists()))}))
	assert.EqualError(t, ValidateBatch(ops, batchOps, false), "[BadRequest] BATCH does not support where clause in delete")
}

// The where check covers every allowed operation, update included. Pinned
// so that a narrowing of the check shows up here.
func TestValidateBatch_WhereOnAnyAllowedOp(t *testing.T) {
	ops := parsers(t, BatchOf([]*Operation{Update("a", ql.NewUpdate().Put("x", 1), WithWhere(ql.Exists()))}))
	err := ValidateBatch(ops, []string{OpPut, OpUpdate}, false)
	assert.EqualError(t, err, "[BadRequest] BATCH does not support where clause in update")

	ops = parsers(t, BatchOf([]*Operation{Get("a", WithWhere(ql.Exists()))}))
	err = ValidateBatch(ops, []string{OpGet}, false)
	assert.EqualError(t, err, "[BadRequest] BATCH does not support where clause in get")
}

func TestValidateBatch_SingleCollection(t *testing.T) {
	ops := parsers(t, BatchOf([]*Operation{
		Put(map[string]any{}, WithCollection("a")),
		Delete("k", WithCollection("b")),
	}))
	assert.NoError(t, ValidateBatch(ops, batchOps, false))
	assert.EqualError(t, ValidateBatch(ops, batchOps, true), "[BadRequest] BATCH can operate on only a single collection")

	ops = parsers(t, BatchOf([]*Operation{
		Put(map[string]any{}, WithCollection("a")),
		Delete("k", WithCollection("a")),
	}))
	assert.NoError(t, ValidateBatch(ops, batchOps, true))
}

func TestValidateTransact(t *testing.T) {
	assert.EqualError(t, ValidateTransact(nil, batchOps, false), "[BadRequest] TRANSACT must have at least one operation")

	ops := parsers(t, Transact([]*Operation{Put(map[string]any{}, WithWhere(ql.NotExists())), Get("a")}))
	assert.EqualError(t, ValidateTransact(ops, batchOps, false), "[BadRequest] get not supported in TRANSACT")

	ops = parsers(t, Transact([]*Operation{
		Put(map[string]any{}, WithWhere(ql.NotExists()), WithCollection("a")),
		Delete("k", WithCollection("b")),
	}))
	assert.NoError(t, ValidateTransact(ops, batchOps, false))
	assert.EqualError(t, ValidateTransact(ops, batchOps, true), "[BadRequest] TRANSACT can operate on only a single collection")
}
