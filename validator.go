/*
Package store – batch and transaction validation.
*/
package store

// ValidateBatch checks the shape of a batch: it must be non-empty, every
// operation must be in allowedOps and carry no where clause, and with
// singleCollection all operations must target one collection.
//
// The where check applies to every allowed operation, update included.
func ValidateBatch(ops []*OperationParser, allowedOps []string, singleCollection bool) error {
	if len(ops) == 0 {
		return NewBadRequest("BATCH must have at least one operation")
	}
	collections := map[string]bool{}
	for _, op := range ops {
		name, _ := op.CollectionName()
		collections[name] = true
		opName := op.OpName()
		if !contains(allowedOps, opName) {
			return NewBadRequest("%s not supported in BATCH", opName)
		}
		where, err := op.Where()
		if err != nil {
			return err
		}
		if where != nil {
			return NewBadRequest("BATCH does not support where clause in %s", opName)
		}
	}
	if singleCollection && len(collections) > 1 {
		return NewBadRequest("BATCH can operate on only a single collection")
	}
	return nil
}

// ValidateTransact checks the shape of a transaction: it must be non-empty,
// every operation must be in allowedOps, and with singleCollection all
// operations must target one collection. Where clauses are allowed.
func ValidateTransact(ops []*OperationParser, allowedOps []string, singleCollection bool) error {
	if len(ops) == 0 {
		return NewBadRequest("TRANSACT must have at least one operation")
	}
	collections := map[string]bool{}
	for _, op := range ops {
		name, _ := op.CollectionName()
		collections[name] = true
		if !contains(allowedOps, op.OpName()) {
			return NewBadRequest("%s not supported in TRANSACT", op.OpName())
		}
	}
	if singleCollection && len(collections) > 1 {
		return NewBadRequest("TRANSACT can operate on only a single collection")
	}
	return nil
}
