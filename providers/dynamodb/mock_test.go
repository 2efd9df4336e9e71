package dynamodb

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ─── fullMock ─────────────────────────────────────────────────────────────────

type mockTable struct {
	hash, rng string
	schema    []types.KeySchemaElement
	items     map[string]map[string]types.AttributeValue
	gsis      []types.GlobalSecondaryIndexDescription
}

// fullMock is a thread-safe in-memory DynamoDB substitute. It evaluates the
// condition, filter and update expressions produced by this package.
type fullMock struct {
	mu     sync.RWMutex
	tables map[string]*mockTable

	batchCalls  atomic.Int32
	unprocessed atomic.Bool // next BatchWriteItem returns its last request unprocessed
}

func newFullMock() *fullMock {
	return &fullMock{tables: map[string]*mockTable{}}
}

func notFound(name string) error {
	return &types.ResourceNotFoundException{Message: aws.String("table " + name + " not found")}
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (m *fullMock) tbl(name *string) (*mockTable, error) {
	t, ok := m.tables[aws.ToString(name)]
	if !ok {
		return nil, notFound(aws.ToString(name))
	}
	return t, nil
}

func avStr(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

func (t *mockTable) itemKey(item map[string]types.AttributeValue) string {
	k := avStr(item[t.hash])
	if t.rng != "" {
		k += "||" + avStr(item[t.rng])
	}
	return k
}

func (t *mockTable) sortedKeys() []string {
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func check(item map[string]types.AttributeValue, cond *string, names map[string]string, vals map[string]types.AttributeValue) (bool, error) {
	if aws.ToString(cond) == "" {
		return true, nil
	}
	if item == nil {
		item = map[string]types.AttributeValue{}
	}
	return evalCondition(aws.ToString(cond), item, names, vals)
}

func (m *fullMock) PutItem(_ context.Context, p *ddb.PutItemInput, _ ...func(*ddb.Options)) (*ddb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.tbl(p.TableName)
	if err != nil {
		return nil, err
	}
	k := t.itemKey(p.Item)
	ok, err := check(t.items[k], p.ConditionExpression, p.ExpressionAttributeNames, p.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	t.items[k] = copyItem(p.Item)
	return &ddb.PutItemOutput{}, nil
}

func (m *fullMock) GetItem(_ context.Context, p *ddb.GetItemInput, _ ...func(*ddb.Options)) (*ddb.GetItemOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.tbl(p.TableName)
	if err != nil {
		return nil, err
	}
	item := t.items[t.itemKey(p.Key)]
	if item == nil {
		return &ddb.GetItemOutput{}, nil
	}
	return &ddb.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *fullMock) DeleteItem(_ context.Context, p *ddb.DeleteItemInput, _ ...func(*ddb.Options)) (*ddb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.tbl(p.TableName)
	if err != nil {
		return nil, err
	}
	k := t.itemKey(p.Key)
	ok, err := check(t.items[k], p.ConditionExpression, p.ExpressionAttributeNames, p.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	prior := t.items[k]
	delete(t.items, k)
	return &ddb.DeleteItemOutput{Attributes: prior}, nil
}

func (m *fullMock) UpdateItem(_ context.Context, p *ddb.UpdateItemInput, _ ...func(*ddb.Options)) (*ddb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.tbl(p.TableName)
	if err != nil {
		return nil, err
	}
	k := t.itemKey(p.Key)
	old := t.items[k]
	ok, err := check(old, p.ConditionExpression, p.ExpressionAttributeNames, p.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	updated, err := t.applyUpdate(old, p.Key, p.UpdateExpression, p.ExpressionAttributeNames, p.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	t.items[k] = updated
	out := &ddb.UpdateItemOutput{}
	switch p.ReturnValues {
	case types.ReturnValueAllNew:
		out.Attributes = copyItem(updated)
	case types.ReturnValueAllOld:
		out.Attributes = old
	}
	return out, nil
}

func (t *mockTable) applyUpdate(old, key map[string]types.AttributeValue, expr *string, names map[string]string, vals map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	item := copyItem(old)
	for k, v := range key {
		item[k] = v
	}
	if err := evalUpdate(aws.ToString(expr), item, names, vals); err != nil {
		return nil, err
	}
	return item, nil
}

func (m *fullMock) Scan(_ context.Context, p *ddb.ScanInput, _ ...func(*ddb.Options)) (*ddb.ScanOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.tbl(p.TableName)
	if err != nil {
		return nil, err
	}
	keys := t.sortedKeys()
	start := 0
	if len(p.ExclusiveStartKey) > 0 {
		after := t.itemKey(p.ExclusiveStartKey)
		start = sort.SearchStrings(keys, after)
		if start < len(keys) && keys[start] == after {
			start++
		}
	}
	end := len(keys)
	if p.Limit != nil && start+int(*p.Limit) < end {
		end = start + int(*p.Limit)
	}

	out := &ddb.ScanOutput{}
	for _, k := range keys[start:end] {
		item := t.items[k]
		out.ScannedCount++
		ok, err := check(item, p.FilterExpression, p.ExpressionAttributeNames, p.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out.Count++
		if p.Select != types.SelectCount {
			out.Items = append(out.Items, copyItem(item))
		}
	}
	if end < len(keys) {
		last := t.items[keys[end-1]]
		out.LastEvaluatedKey = map[string]types.AttributeValue{t.hash: last[t.hash]}
		if t.rng != "" {
			out.LastEvaluatedKey[t.rng] = last[t.rng]
		}
	}
	return out, nil
}

func (m *fullMock) BatchWriteItem(_ context.Context, p *ddb.BatchWriteItemInput, _ ...func(*ddb.Options)) (*ddb.BatchWriteItemOutput, error) {
	m.batchCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &ddb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}
	for name, reqs := range p.RequestItems {
		if len(reqs) > batchSize {
			return nil, fmt.Errorf("ValidationException: too many items (%d)", len(reqs))
		}
		t, err := m.tbl(aws.String(name))
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, r := range reqs {
			item := map[string]types.AttributeValue(nil)
			if r.PutRequest != nil {
				item = r.PutRequest.Item
			} else if r.DeleteRequest != nil {
				item = r.DeleteRequest.Key
			}
			k := t.itemKey(item)
			if seen[k] {
				return nil, fmt.Errorf("ValidationException: Provided list of item keys contains duplicates")
			}
			seen[k] = true
		}
		if len(reqs) > 1 && m.unprocessed.CompareAndSwap(true, false) {
			out.UnprocessedItems[name] = reqs[len(reqs)-1:]
			reqs = reqs[:len(reqs)-1]
		}
		for _, r := range reqs {
			switch {
			case r.PutRequest != nil:
				t.items[t.itemKey(r.PutRequest.Item)] = copyItem(r.PutRequest.Item)
			case r.DeleteRequest != nil:
				delete(t.items, t.itemKey(r.DeleteRequest.Key))
			}
		}
	}
	return out, nil
}

func (m *fullMock) TransactWriteItems(_ context.Context, p *ddb.TransactWriteItemsInput, _ ...func(*ddb.Options)) (*ddb.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reasons := make([]types.CancellationReason, len(p.TransactItems))
	failed := false
	for i, ti := range p.TransactItems {
		reasons[i].Code = aws.String("None")
		var (
			table *string
			key   map[string]types.AttributeValue
			cond  *string
			names map[string]string
			vals  map[string]types.AttributeValue
		)
		switch {
		case ti.Put != nil:
			table, key, cond, names, vals = ti.Put.TableName, ti.Put.Item, ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
		case ti.Update != nil:
			table, key, cond, names, vals = ti.Update.TableName, ti.Update.Key, ti.Update.ConditionExpression, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues
		case ti.Delete != nil:
			table, key, cond, names, vals = ti.Delete.TableName, ti.Delete.Key, ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
		}
		t, err := m.tbl(table)
		if err != nil {
			return nil, err
		}
		ok, err := check(t.items[t.itemKey(key)], cond, names, vals)
		if err != nil {
			return nil, err
		}
		if !ok {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range p.TransactItems {
		switch {
		case ti.Put != nil:
			t, _ := m.tbl(ti.Put.TableName)
			t.items[t.itemKey(ti.Put.Item)] = copyItem(ti.Put.Item)
		case ti.Update != nil:
			t, _ := m.tbl(ti.Update.TableName)
			k := t.itemKey(ti.Update.Key)
			updated, err := t.applyUpdate(t.items[k], ti.Update.Key, ti.Update.UpdateExpression, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			t.items[k] = updated
		case ti.Delete != nil:
			t, _ := m.tbl(ti.Delete.TableName)
			delete(t.items, t.itemKey(ti.Delete.Key))
		}
	}
	return &ddb.TransactWriteItemsOutput{}, nil
}

func (m *fullMock) CreateTable(_ context.Context, p *ddb.CreateTableInput, _ ...func(*ddb.Options)) (*ddb.CreateTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := aws.ToString(p.TableName)
	if _, ok := m.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("table " + name + " exists")}
	}
	t := &mockTable{schema: p.KeySchema, items: map[string]map[string]types.AttributeValue{}}
	for _, k := range p.KeySchema {
		if k.KeyType == types.KeyTypeHash {
			t.hash = aws.ToString(k.AttributeName)
		} else {
			t.rng = aws.ToString(k.AttributeName)
		}
	}
	m.tables[name] = t
	return &ddb.CreateTableOutput{}, nil
}

func (m *fullMock) DeleteTable(_ context.Context, p *ddb.DeleteTableInput, _ ...func(*ddb.Options)) (*ddb.DeleteTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.tbl(p.TableName); err != nil {
		return nil, err
	}
	delete(m.tables, aws.ToString(p.TableName))
	return &ddb.DeleteTableOutput{}, nil
}

func (m *fullMock) UpdateTable(_ context.Context, p *ddb.UpdateTableInput, _ ...func(*ddb.Options)) (*ddb.UpdateTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.tbl(p.TableName)
	if err != nil {
		return nil, err
	}
	for _, u := range p.GlobalSecondaryIndexUpdates {
		switch {
		case u.Create != nil:
			for _, g := range t.gsis {
				if aws.ToString(g.IndexName) == aws.ToString(u.Create.IndexName) {
					return nil, fmt.Errorf("ValidationException: index %s exists", aws.ToString(g.IndexName))
				}
			}
			t.gsis = append(t.gsis, types.GlobalSecondaryIndexDescription{
				IndexName: u.Create.IndexName,
				KeySchema: u.Create.KeySchema,
			})
		case u.Delete != nil:
			kept := t.gsis[:0]
			for _, g := range t.gsis {
				if aws.ToString(g.IndexName) != aws.ToString(u.Delete.IndexName) {
					kept = append(kept, g)
				}
			}
			t.gsis = kept
		}
	}
	return &ddb.UpdateTableOutput{}, nil
}

func (m *fullMock) DescribeTable(_ context.Context, p *ddb.DescribeTableInput, _ ...func(*ddb.Options)) (*ddb.DescribeTableOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.tbl(p.TableName)
	if err != nil {
		return nil, err
	}
	return &ddb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:              p.TableName,
		KeySchema:              t.schema,
		GlobalSecondaryIndexes: append([]types.GlobalSecondaryIndexDescription(nil), t.gsis...),
	}}, nil
}

func (m *fullMock) ListTables(_ context.Context, _ *ddb.ListTablesInput, _ ...func(*ddb.Options)) (*ddb.ListTablesOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tables))
	for n := range m.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return &ddb.ListTablesOutput{TableNames: names}, nil
}

// ─── expression evaluation ───────────────────────────────────────────────────

// tokenize splits an expression into names, values, words and punctuation.
func tokenize(expr string) []string {
	var toks []string
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == ' ':
			i++
		case strings.ContainsRune("(),.[]=", rune(c)):
			toks = append(toks, string(c))
			i++
		case c == '<' || c == '>':
			if i+1 < len(expr) && (expr[i+1] == '=' || expr[i+1] == '>') {
				toks = append(toks, expr[i:i+2])
				i += 2
			} else {
				toks = append(toks, string(c))
				i++
			}
		default:
			j := i
			for j < len(expr) && !strings.ContainsRune(" (),.[]=<>", rune(expr[j])) {
				j++
			}
			toks = append(toks, expr[i:j])
			i = j
		}
	}
	return toks
}

type evaluator struct {
	toks  []string
	pos   int
	item  map[string]types.AttributeValue
	names map[string]string
	vals  map[string]types.AttributeValue
}

func (e *evaluator) peek() string {
	if e.pos < len(e.toks) {
		return e.toks[e.pos]
	}
	return ""
}

func (e *evaluator) next() string {
	t := e.peek()
	e.pos++
	return t
}

func (e *evaluator) expect(tok string) error {
	if got := e.next(); !strings.EqualFold(got, tok) {
		return fmt.Errorf("ValidationException: expected %q, got %q", tok, got)
	}
	return nil
}

func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, vals map[string]types.AttributeValue) (bool, error) {
	e := &evaluator{toks: tokenize(expr), item: item, names: names, vals: vals}
	ok, err := e.or()
	if err != nil {
		return false, err
	}
	if e.pos != len(e.toks) {
		return false, fmt.Errorf("ValidationException: trailing tokens in %q", expr)
	}
	return ok, nil
}

func (e *evaluator) or() (bool, error) {
	l, err := e.and()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(e.peek(), "or") {
		e.next()
		r, err := e.and()
		if err != nil {
			return false, err
		}
		l = l || r
	}
	return l, nil
}

func (e *evaluator) and() (bool, error) {
	l, err := e.unary()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(e.peek(), "and") {
		e.next()
		r, err := e.unary()
		if err != nil {
			return false, err
		}
		l = l && r
	}
	return l, nil
}

func (e *evaluator) unary() (bool, error) {
	if strings.EqualFold(e.peek(), "not") {
		e.next()
		v, err := e.unary()
		return !v, err
	}
	if e.peek() == "(" {
		e.next()
		v, err := e.or()
		if err != nil {
			return false, err
		}
		return v, e.expect(")")
	}
	switch strings.ToLower(e.peek()) {
	case "attribute_exists", "attribute_not_exists":
		fn := strings.ToLower(e.next())
		if err := e.expect("("); err != nil {
			return false, err
		}
		v, err := e.operand()
		if err != nil {
			return false, err
		}
		if err := e.expect(")"); err != nil {
			return false, err
		}
		return (v != nil) == (fn == "attribute_exists"), nil
	case "begins_with", "contains":
		fn := strings.ToLower(e.next())
		if err := e.expect("("); err != nil {
			return false, err
		}
		a, err := e.operand()
		if err != nil {
			return false, err
		}
		if err := e.expect(","); err != nil {
			return false, err
		}
		b, err := e.operand()
		if err != nil {
			return false, err
		}
		if err := e.expect(")"); err != nil {
			return false, err
		}
		if fn == "begins_with" {
			as, ok1 := a.(*types.AttributeValueMemberS)
			bs, ok2 := b.(*types.AttributeValueMemberS)
			return ok1 && ok2 && strings.HasPrefix(as.Value, bs.Value), nil
		}
		return avContains(a, b), nil
	}
	return e.comparison()
}

func (e *evaluator) comparison() (bool, error) {
	l, err := e.operand()
	if err != nil {
		return false, err
	}
	op := e.next()
	switch strings.ToUpper(op) {
	case "BETWEEN":
		lo, err := e.operand()
		if err != nil {
			return false, err
		}
		if err := e.expect("AND"); err != nil {
			return false, err
		}
		hi, err := e.operand()
		if err != nil {
			return false, err
		}
		c1, ok1 := compareAV(l, lo)
		c2, ok2 := compareAV(l, hi)
		return ok1 && ok2 && c1 >= 0 && c2 <= 0, nil
	case "IN":
		if err := e.expect("("); err != nil {
			return false, err
		}
		found := false
		for {
			v, err := e.operand()
			if err != nil {
				return false, err
			}
			if equalAV(l, v) {
				found = true
			}
			if e.peek() != "," {
				break
			}
			e.next()
		}
		return found, e.expect(")")
	}
	r, err := e.operand()
	if err != nil {
		return false, err
	}
	switch op {
	case "=":
		return equalAV(l, r), nil
	case "<>":
		return !equalAV(l, r), nil
	}
	c, ok := compareAV(l, r)
	if !ok {
		return false, nil
	}
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("ValidationException: unknown operator %q", op)
}

// operand reads a value placeholder, a size() call, or a document path.
func (e *evaluator) operand() (types.AttributeValue, error) {
	tok := e.peek()
	switch {
	case strings.HasPrefix(tok, ":"):
		e.next()
		v, ok := e.vals[tok]
		if !ok {
			return nil, fmt.Errorf("ValidationException: value %s not defined", tok)
		}
		return v, nil
	case strings.EqualFold(tok, "size"):
		e.next()
		if err := e.expect("("); err != nil {
			return nil, err
		}
		v, err := e.operand()
		if err != nil {
			return nil, err
		}
		if err := e.expect(")"); err != nil {
			return nil, err
		}
		n := 0
		switch x := v.(type) {
		case *types.AttributeValueMemberS:
			n = len(x.Value)
		case *types.AttributeValueMemberL:
			n = len(x.Value)
		case *types.AttributeValueMemberM:
			n = len(x.Value)
		default:
			return nil, nil
		}
		return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}, nil
	case strings.EqualFold(tok, "if_not_exists"):
		e.next()
		if err := e.expect("("); err != nil {
			return nil, err
		}
		cur, err := e.operand()
		if err != nil {
			return nil, err
		}
		if err := e.expect(","); err != nil {
			return nil, err
		}
		def, err := e.operand()
		if err != nil {
			return nil, err
		}
		if cur == nil {
			cur = def
		}
		return cur, e.expect(")")
	case strings.EqualFold(tok, "list_append"):
		e.next()
		if err := e.expect("("); err != nil {
			return nil, err
		}
		a, err := e.operand()
		if err != nil {
			return nil, err
		}
		if err := e.expect(","); err != nil {
			return nil, err
		}
		b, err := e.operand()
		if err != nil {
			return nil, err
		}
		al, ok1 := a.(*types.AttributeValueMemberL)
		bl, ok2 := b.(*types.AttributeValueMemberL)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("ValidationException: list_append needs lists")
		}
		joined := append(append([]types.AttributeValue(nil), al.Value...), bl.Value...)
		return &types.AttributeValueMemberL{Value: joined}, e.expect(")")
	}
	segs, err := e.path()
	if err != nil {
		return nil, err
	}
	return getPath(e.item, segs), nil
}

// path reads "#_0.#_1[2]" into segments; list indexes are ints.
func (e *evaluator) path() ([]any, error) {
	var segs []any
	for {
		tok := e.next()
		name, ok := e.names[tok]
		if !ok {
			return nil, fmt.Errorf("ValidationException: name %q not defined", tok)
		}
		segs = append(segs, name)
		for e.peek() == "[" {
			e.next()
			n, err := strconv.Atoi(e.next())
			if err != nil {
				return nil, fmt.Errorf("ValidationException: bad index")
			}
			segs = append(segs, n)
			if err := e.expect("]"); err != nil {
				return nil, err
			}
		}
		if e.peek() != "." {
			return segs, nil
		}
		e.next()
	}
}

func getPath(item map[string]types.AttributeValue, segs []any) types.AttributeValue {
	var cur types.AttributeValue = &types.AttributeValueMemberM{Value: item}
	for _, s := range segs {
		switch k := s.(type) {
		case string:
			m, ok := cur.(*types.AttributeValueMemberM)
			if !ok {
				return nil
			}
			if cur, ok = m.Value[k]; !ok {
				return nil
			}
		case int:
			l, ok := cur.(*types.AttributeValueMemberL)
			if !ok || k >= len(l.Value) {
				return nil
			}
			cur = l.Value[k]
		}
	}
	return cur
}

// setPath writes v at a path of map segments, creating maps on the way. A
// nil v removes the attribute.
func setPath(item map[string]types.AttributeValue, segs []any, v types.AttributeValue) error {
	m := item
	for i, s := range segs {
		name, ok := s.(string)
		if !ok {
			return fmt.Errorf("ValidationException: list index updates not supported")
		}
		if i == len(segs)-1 {
			if v == nil {
				delete(m, name)
			} else {
				m[name] = v
			}
			return nil
		}
		child, ok := m[name].(*types.AttributeValueMemberM)
		if !ok {
			if v == nil {
				return nil
			}
			child = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}}
			m[name] = child
		}
		cp := &types.AttributeValueMemberM{Value: copyItem(child.Value)}
		m[name] = cp
		m = cp.Value
	}
	return nil
}

// evalUpdate applies "SET … REMOVE … ADD …" to item in place.
func evalUpdate(expr string, item map[string]types.AttributeValue, names map[string]string, vals map[string]types.AttributeValue) error {
	e := &evaluator{toks: tokenize(expr), item: item, names: names, vals: vals}
	for e.pos < len(e.toks) {
		clause := strings.ToUpper(e.next())
		for {
			segs, err := e.path()
			if err != nil {
				return err
			}
			switch clause {
			case "SET":
				if err := e.expect("="); err != nil {
					return err
				}
				v, err := e.operand()
				if err != nil {
					return err
				}
				if err := setPath(item, segs, v); err != nil {
					return err
				}
			case "REMOVE":
				if err := setPath(item, segs, nil); err != nil {
					return err
				}
			case "ADD":
				v, err := e.operand()
				if err != nil {
					return err
				}
				sum, err := addAV(getPath(item, segs), v)
				if err != nil {
					return err
				}
				if err := setPath(item, segs, sum); err != nil {
					return err
				}
			default:
				return fmt.Errorf("ValidationException: unknown clause %q", clause)
			}
			if e.peek() != "," {
				break
			}
			e.next()
		}
	}
	return nil
}

func addAV(cur, by types.AttributeValue) (types.AttributeValue, error) {
	b, ok := by.(*types.AttributeValueMemberN)
	if !ok {
		return nil, fmt.Errorf("ValidationException: ADD needs a number")
	}
	if cur == nil {
		return b, nil
	}
	c, ok := cur.(*types.AttributeValueMemberN)
	if !ok {
		return nil, fmt.Errorf("ValidationException: ADD target is not a number")
	}
	x, _ := strconv.ParseFloat(c.Value, 64)
	y, _ := strconv.ParseFloat(b.Value, 64)
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(x+y, 'f', -1, 64)}, nil
}

func plain(av types.AttributeValue) any {
	if av == nil {
		return nil
	}
	var out any
	if err := attributevalue.Unmarshal(av, &out); err != nil {
		return nil
	}
	return out
}

func equalAV(a, b types.AttributeValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(plain(a), plain(b))
}

func compareAV(a, b types.AttributeValue) (int, bool) {
	switch x := a.(type) {
	case *types.AttributeValueMemberN:
		y, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		fx, _ := strconv.ParseFloat(x.Value, 64)
		fy, _ := strconv.ParseFloat(y.Value, 64)
		switch {
		case fx < fy:
			return -1, true
		case fx > fy:
			return 1, true
		}
		return 0, true
	case *types.AttributeValueMemberS:
		y, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(x.Value, y.Value), true
	}
	return 0, false
}

func avContains(a, b types.AttributeValue) bool {
	switch x := a.(type) {
	case *types.AttributeValueMemberS:
		y, ok := b.(*types.AttributeValueMemberS)
		return ok && strings.Contains(x.Value, y.Value)
	case *types.AttributeValueMemberL:
		for _, el := range x.Value {
			if equalAV(el, b) {
				return true
			}
		}
	}
	return false
}
