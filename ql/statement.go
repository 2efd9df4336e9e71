/*
Package ql – select, order-by and update clauses.
*/
package ql

// SelectTerm projects Field, optionally under Alias.
type SelectTerm struct {
	Field string
	Alias string
}

// Select is a projection.
type Select struct {
	Terms []SelectTerm
}

// Direction is an order-by direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// OrderByTerm orders by Field in Direction (asc when empty).
type OrderByTerm struct {
	Field     string
	Direction Direction
}

// OrderBy is an ordering.
type OrderBy struct {
	Terms []OrderByTerm
}

// Collection names a collection in a parsed statement.
type Collection struct {
	Name string
}

// UpdateOp is an update operation kind.
type UpdateOp string

const (
	UpdatePut         UpdateOp = "put"
	UpdateInsert      UpdateOp = "insert"
	UpdateDelete      UpdateOp = "delete"
	UpdateIncrement   UpdateOp = "increment"
	UpdateMove        UpdateOp = "move"
	UpdateArrayUnion  UpdateOp = "array_union"
	UpdateArrayRemove UpdateOp = "array_remove"
	UpdateAppend      UpdateOp = "append"
	UpdatePrepend     UpdateOp = "prepend"
)

// UpdateOperation applies Op to Field with Args.
type UpdateOperation struct {
	Field string
	Op    UpdateOp
	Args  []Expression
}

// Arg returns the first argument or nil.
func (u UpdateOperation) Arg() Expression {
	if len(u.Args) > 0 {
		return u.Args[0]
	}
	return nil
}

// Update is an ordered list of update operations.
type Update struct {
	Operations []UpdateOperation
}

// NewUpdate returns an empty Update.
func NewUpdate() *Update { return &Update{} }

func (u *Update) add(field string, op UpdateOp, args ...Expression) *Update {
	u.Operations = append(u.Operations, UpdateOperation{Field: field, Op: op, Args: args})
	return u
}

func (u *Update) Put(field string, value Expression) *Update    { return u.add(field, UpdatePut, value) }
func (u *Update) Insert(field string, value Expression) *Update { return u.add(field, UpdateInsert, value) }
func (u *Update) Delete(field string) *Update                   { return u.add(field, UpdateDelete) }
func (u *Update) Increment(field string, by Expression) *Update { return u.add(field, UpdateIncrement, by) }
func (u *Update) Move(field, dest string) *Update               { return u.add(field, UpdateMove, F(dest)) }
func (u *Update) Append(field string, value Expression) *Update { return u.add(field, UpdateAppend, value) }
func (u *Update) Prepend(field string, value Expression) *Update {
	return u.add(field, UpdatePrepend, value)
}
func (u *Update) ArrayUnion(field string, values []any) *Update {
	return u.add(field, UpdateArrayUnion, values)
}
func (u *Update) ArrayRemove(field string, values []any) *Update {
	return u.add(field, UpdateArrayRemove, values)
}

// Clone returns a copy whose operation list can be extended independently.
func (u *Update) Clone() *Update {
	if u == nil {
		return &Update{}
	}
	ops := make([]UpdateOperation, len(u.Operations))
	copy(ops, u.Operations)
	return &Update{Operations: ops}
}
