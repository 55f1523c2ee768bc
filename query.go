package agentdesk

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ============================================================================
// Query
// ============================================================================

// Query is a membership predicate in the restricted Mongo query language the
// conversations endpoint returns alongside each page. The zero Query matches
// every conversation.
type Query struct {
	doc bson.D
	raw json.RawMessage
}

// ParseQuery parses a predicate encoded as (relaxed) MongoDB extended JSON.
func ParseQuery(raw json.RawMessage) (Query, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return Query{}, nil
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(trimmed, false, &doc); err != nil {
		return Query{}, errors.Wrap(err, "parse membership query")
	}
	return Query{
		doc: normalizeQueryValue(doc).(bson.D),
		raw: append(json.RawMessage(nil), trimmed...),
	}, nil
}

// MustParseQuery is like ParseQuery but panics on error.
func MustParseQuery(raw string) Query {
	q, err := ParseQuery(json.RawMessage(raw))
	if err != nil {
		panic(err)
	}
	return q
}

// IsZero reports whether the query is empty.
func (q Query) IsZero() bool { return len(q.doc) == 0 }

// Raw returns the query as it was received.
func (q Query) Raw() json.RawMessage { return q.raw }

func (q Query) String() string {
	if len(q.raw) == 0 {
		return "{}"
	}
	return string(q.raw)
}

// Matches evaluates q against the conversation's JSON form. It is pure and
// deterministic; evaluation problems count as a non-match.
func Matches(q Query, c *Conversation) bool {
	if c == nil {
		return false
	}
	if q.IsZero() {
		return true
	}
	doc, err := conversationDocument(c)
	if err != nil {
		return false
	}
	return matchDocument(q.doc, doc)
}

// zeroScalars are left out of the wire form when zero but still compare by
// value in predicates and sorts.
var zeroScalars = map[string]any{
	"priority": float64(0),
	"order":    float64(0),
	"selected": false,
}

// conversationDocument is the form of c that predicates and sorts see.
func conversationDocument(c *Conversation) (map[string]any, error) {
	doc, err := toDocument(c)
	if err != nil {
		return nil, err
	}
	for k, v := range zeroScalars {
		if _, ok := doc[k]; !ok {
			doc[k] = v
		}
	}
	return doc, nil
}

func toDocument(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// normalizeQueryValue folds BSON numeric and date types into float64 and
// time.Time so they compare against decoded JSON documents.
func normalizeQueryValue(v any) any {
	switch t := v.(type) {
	case bson.D:
		out := make(bson.D, 0, len(t))
		for _, e := range t {
			out = append(out, bson.E{Key: e.Key, Value: normalizeQueryValue(e.Value)})
		}
		return out
	case bson.M:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(bson.D, 0, len(t))
		for _, k := range keys {
			out = append(out, bson.E{Key: k, Value: normalizeQueryValue(t[k])})
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeQueryValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeQueryValue(e)
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case float32:
		return float64(t)
	case bson.DateTime:
		return t.Time().UTC()
	}
	return v
}

// ============================================================================
// Evaluation
// ============================================================================

func matchDocument(query bson.D, doc map[string]any) bool {
	for _, e := range query {
		if !matchClause(e.Key, e.Value, doc) {
			return false
		}
	}
	return true
}

func matchClause(key string, cond any, doc map[string]any) bool {
	switch key {
	case "$and":
		subs, ok := cond.([]any)
		if !ok || len(subs) == 0 {
			return false
		}
		for _, s := range subs {
			d, ok := s.(bson.D)
			if !ok || !matchDocument(d, doc) {
				return false
			}
		}
		return true
	case "$or":
		subs, ok := cond.([]any)
		if !ok || len(subs) == 0 {
			return false
		}
		for _, s := range subs {
			if d, ok := s.(bson.D); ok && matchDocument(d, doc) {
				return true
			}
		}
		return false
	case "$nor":
		subs, ok := cond.([]any)
		if !ok || len(subs) == 0 {
			return false
		}
		for _, s := range subs {
			if d, ok := s.(bson.D); ok && matchDocument(d, doc) {
				return false
			}
		}
		return true
	}
	if strings.HasPrefix(key, "$") {
		return false
	}

	values := lookupPath(doc, splitPath(key))
	if ops, ok := cond.(bson.D); ok && isOperatorDoc(ops) {
		return matchOperators(ops, values)
	}
	return matchEquals(values, cond)
}

func isOperatorDoc(d bson.D) bool {
	return len(d) > 0 && strings.HasPrefix(d[0].Key, "$")
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// lookupPath walks a dotted path; arrays along the way fan out to every
// element unless the segment is a numeric index.
func lookupPath(v any, parts []string) []any {
	if len(parts) == 0 {
		return []any{v}
	}
	switch t := v.(type) {
	case map[string]any:
		child, ok := t[parts[0]]
		if !ok {
			return nil
		}
		return lookupPath(child, parts[1:])
	case []any:
		if i, err := strconv.Atoi(parts[0]); err == nil && i >= 0 {
			if i < len(t) {
				return lookupPath(t[i], parts[1:])
			}
			return nil
		}
		var out []any
		for _, e := range t {
			out = append(out, lookupPath(e, parts)...)
		}
		return out
	}
	return nil
}

// expand adds the elements of array values as candidates.
func expand(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
		if arr, ok := v.([]any); ok {
			out = append(out, arr...)
		}
	}
	return out
}

func matchEquals(values []any, operand any) bool {
	if operand == nil && len(values) == 0 {
		return true
	}
	for _, v := range expand(values) {
		if valuesEqual(v, operand) {
			return true
		}
	}
	return false
}

func matchOperators(ops bson.D, values []any) bool {
	for _, op := range ops {
		if !matchOperator(op.Key, op.Value, ops, values) {
			return false
		}
	}
	return true
}

func matchOperator(op string, operand any, siblings bson.D, values []any) bool {
	switch op {
	case "$eq":
		return matchEquals(values, operand)
	case "$ne":
		return !matchEquals(values, operand)
	case "$gt", "$gte", "$lt", "$lte":
		for _, v := range expand(values) {
			c, ok := compareValues(v, operand)
			if !ok {
				continue
			}
			switch {
			case op == "$gt" && c > 0, op == "$gte" && c >= 0,
				op == "$lt" && c < 0, op == "$lte" && c <= 0:
				return true
			}
		}
		return false
	case "$in":
		items, ok := operand.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if matchEquals(values, item) {
				return true
			}
		}
		return false
	case "$nin":
		items, ok := operand.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if matchEquals(values, item) {
				return false
			}
		}
		return true
	case "$exists":
		want := truthy(operand)
		return (len(values) > 0) == want
	case "$regex":
		re, err := compileRegex(operand, siblings)
		if err != nil {
			return false
		}
		for _, v := range expand(values) {
			if s, ok := v.(string); ok && re.MatchString(s) {
				return true
			}
		}
		return false
	case "$options":
		return true
	case "$size":
		n, ok := operand.(float64)
		if !ok {
			return false
		}
		for _, v := range values {
			if arr, ok := v.([]any); ok && float64(len(arr)) == n {
				return true
			}
		}
		return false
	case "$all":
		items, ok := operand.([]any)
		if !ok || len(items) == 0 {
			return false
		}
		for _, item := range items {
			if !matchEquals(values, item) {
				return false
			}
		}
		return true
	case "$elemMatch":
		cond, ok := operand.(bson.D)
		if !ok {
			return false
		}
		for _, v := range values {
			arr, ok := v.([]any)
			if !ok {
				continue
			}
			for _, e := range arr {
				if isOperatorDoc(cond) {
					if matchOperators(cond, []any{e}) {
						return true
					}
					continue
				}
				if m, ok := e.(map[string]any); ok && matchDocument(cond, m) {
					return true
				}
			}
		}
		return false
	case "$not":
		switch t := operand.(type) {
		case bson.D:
			return !matchOperators(t, values)
		case bson.Regex:
			return !matchEquals(values, t)
		}
		return false
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case nil:
		return false
	}
	return true
}

func compileRegex(operand any, siblings bson.D) (*regexp.Regexp, error) {
	var pattern, options string
	switch t := operand.(type) {
	case string:
		pattern = t
	case bson.Regex:
		pattern, options = t.Pattern, t.Options
	default:
		return nil, errors.Errorf("invalid $regex operand %T", operand)
	}
	for _, s := range siblings {
		if s.Key == "$options" {
			if o, ok := s.Value.(string); ok {
				options = o
			}
		}
	}
	return regexp.Compile(regexFlags(options) + pattern)
}

func regexFlags(options string) string {
	var flags strings.Builder
	for _, r := range options {
		switch r {
		case 'i', 'm', 's':
			flags.WriteRune(r)
		}
	}
	if flags.Len() == 0 {
		return ""
	}
	return "(?" + flags.String() + ")"
}

// ============================================================================
// Value comparison
// ============================================================================

func valuesEqual(v, operand any) bool {
	switch op := operand.(type) {
	case nil:
		return v == nil
	case bson.Regex:
		s, ok := v.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(regexFlags(op.Options) + op.Pattern)
		return err == nil && re.MatchString(s)
	case []any:
		arr, ok := v.([]any)
		if !ok || len(arr) != len(op) {
			return false
		}
		for i := range arr {
			if !valuesEqual(arr[i], op[i]) {
				return false
			}
		}
		return true
	case bson.D:
		m, ok := v.(map[string]any)
		if !ok || len(m) != len(op) {
			return false
		}
		for _, e := range op {
			inner, ok := m[e.Key]
			if !ok || !valuesEqual(inner, e.Value) {
				return false
			}
		}
		return true
	case bool:
		b, ok := v.(bool)
		return ok && b == op
	}
	c, ok := compareValues(v, operand)
	return ok && c == 0
}

// compareValues orders two scalars of compatible types. Strings holding
// RFC 3339 timestamps compare as times against time operands.
func compareValues(a, b any) (int, bool) {
	switch bv := b.(type) {
	case float64:
		av, ok := a.(float64)
		if !ok {
			return 0, false
		}
		return cmpFloat(av, bv), true
	case string:
		switch av := a.(type) {
		case string:
			return strings.Compare(av, bv), true
		case time.Time:
			bt, ok := parseTime(bv)
			if !ok {
				return 0, false
			}
			return av.Compare(bt), true
		}
		return 0, false
	case time.Time:
		switch av := a.(type) {
		case time.Time:
			return av.Compare(bv), true
		case string:
			at, ok := parseTime(av)
			if !ok {
				return 0, false
			}
			return at.Compare(bv), true
		case float64:
			return cmpFloat(av, float64(bv.UnixMilli())), true
		}
	case bool:
		av, ok := a.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// sortRank orders values of different kinds: missing, null, numbers,
// strings, booleans.
func sortRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string, time.Time:
		return 2
	case bool:
		return 3
	}
	return 4
}

// compareForSort orders any two values. Strings that both parse as RFC 3339
// timestamps compare as instants.
func compareForSort(a, b any) int {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			at, aok := parseTime(as)
			bt, bok := parseTime(bs)
			if aok && bok {
				return at.Compare(bt)
			}
		}
	}
	if c, ok := compareValues(a, b); ok {
		return c
	}
	ra, rb := sortRank(a), sortRank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return 0
}
