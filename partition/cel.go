package partition

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/ciaranRoche/bifrost-go/broker"
)

// CELExtractor derives the partition key by evaluating a CEL expression
// against the outbound message. The expression sees:
//
//   - payload (string): the message body
//   - headers (map<string, dyn>): the message headers
//
// Example: `headers['customerId']`.
//
// Expressions are compiled once at bind time; a compile failure fails
// the bind, not the first publish.
type CELExtractor struct {
	expr    string
	program cel.Program
}

// NewCELExtractor compiles a key-extraction expression.
func NewCELExtractor(expr string) (*CELExtractor, error) {
	if expr == "" {
		return nil, fmt.Errorf("key expression is required")
	}

	env, err := cel.NewEnv(
		cel.Variable("payload", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile key expression: %w", issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &CELExtractor{expr: expr, program: program}, nil
}

// Extract implements KeyExtractor.
func (e *CELExtractor) Extract(msg *broker.Message) (interface{}, error) {
	headers := msg.Headers
	if headers == nil {
		headers = map[string]interface{}{}
	}

	out, _, err := e.program.Eval(map[string]any{
		"payload": string(msg.Body),
		"headers": headers,
	})
	if err != nil {
		return nil, fmt.Errorf("key expression %q: %w", e.expr, err)
	}

	return out.Value(), nil
}

// CELSelector maps a key to a partition index by evaluating a CEL
// expression. The expression sees:
//
//   - key (dyn): the extracted partition key
//   - partitionCount (int): the fixed partition count
//
// and must return an int in [0, partitionCount). Like any custom
// selector it must be a pure function of its inputs.
//
// Example: `size(string(key)) % partitionCount`.
type CELSelector struct {
	expr    string
	program cel.Program
}

// NewCELSelector compiles a partition-selection expression.
func NewCELSelector(expr string) (*CELSelector, error) {
	if expr == "" {
		return nil, fmt.Errorf("selector expression is required")
	}

	env, err := cel.NewEnv(
		cel.Variable("key", cel.DynType),
		cel.Variable("partitionCount", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile selector expression: %w", issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &CELSelector{expr: expr, program: program}, nil
}

// Select implements Selector.
func (s *CELSelector) Select(key interface{}, partitions int) (int, error) {
	out, _, err := s.program.Eval(map[string]any{
		"key":            key,
		"partitionCount": partitions,
	})
	if err != nil {
		return 0, fmt.Errorf("selector expression %q: %w", s.expr, err)
	}

	idx, ok := out.Value().(int64)
	if !ok {
		return 0, fmt.Errorf("selector expression %q did not return an int (got %T)", s.expr, out.Value())
	}

	return int(idx), nil
}
