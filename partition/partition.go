// Package partition maps a message's partition key to a partition index
// and routing key using a deterministic, pluggable selection algorithm.
//
// The default selector hashes the key with FNV-1a and takes it modulo
// the partition count. Selection must be a pure function of (key,
// partition count): independently deployed producers and consumers rely
// on it to agree on placement without coordination, across process
// restarts.
package partition

import (
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/ciaranRoche/bifrost-go/broker"
)

// DefaultKeyHeader is the header the default extractor reads the
// partition key from.
const DefaultKeyHeader = "partitionKey"

// RoutingError reports a per-message partition key extraction or
// selection failure. It is isolated to that message and surfaced to the
// producer caller.
type RoutingError struct {
	// Stage is "extract" or "select"
	Stage string

	// Err is the underlying failure
	Err error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("partition %s failed: %v", e.Stage, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// KeyExtractor derives the partition key value from a message.
type KeyExtractor interface {
	Extract(msg *broker.Message) (interface{}, error)
}

// ExtractorFunc adapts a function to the KeyExtractor interface.
type ExtractorFunc func(msg *broker.Message) (interface{}, error)

// Extract implements KeyExtractor.
func (f ExtractorFunc) Extract(msg *broker.Message) (interface{}, error) { return f(msg) }

// HeaderExtractor reads the partition key from a named message header.
type HeaderExtractor struct {
	// Header is the header field name (default: DefaultKeyHeader)
	Header string
}

// Extract implements KeyExtractor.
func (h *HeaderExtractor) Extract(msg *broker.Message) (interface{}, error) {
	name := h.Header
	if name == "" {
		name = DefaultKeyHeader
	}

	key, ok := msg.Headers[name]
	if !ok || key == nil {
		return nil, fmt.Errorf("header %q is not set", name)
	}

	return key, nil
}

// Selector maps a key to a partition index in [0, partitions).
//
// Implementations must be pure functions of (key, partitions): no hidden
// state, stable across restarts and producer instances.
type Selector interface {
	Select(key interface{}, partitions int) (int, error)
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(key interface{}, partitions int) (int, error)

// Select implements Selector.
func (f SelectorFunc) Select(key interface{}, partitions int) (int, error) {
	return f(key, partitions)
}

// HashModSelector is the default selector: FNV-1a over the key's byte
// representation, modulo the partition count. Deliberately simple and
// unbalanced for adversarial input; substitute a custom Selector where
// that matters.
type HashModSelector struct{}

// Select implements Selector.
func (HashModSelector) Select(key interface{}, partitions int) (int, error) {
	if partitions < 1 {
		return 0, fmt.Errorf("partition count must be >= 1, got %d", partitions)
	}

	h := fnv.New32a()
	_, _ = h.Write(KeyBytes(key))
	return int(h.Sum32() % uint32(partitions)), nil
}

// KeyBytes normalizes a key to its byte representation for hashing, so
// the same logical key hashes identically regardless of how it was
// decoded (e.g. int64(7) and "7").
func KeyBytes(key interface{}) []byte {
	switch k := key.(type) {
	case []byte:
		return k
	case string:
		return []byte(k)
	default:
		return []byte(fmt.Sprintf("%v", k))
	}
}

// Spec ties an extractor and selector to a partition count. The count is
// fixed for the lifetime of a destination binding; changing it requires
// re-provisioning.
type Spec struct {
	// Partitions is the partition count (>= 1)
	Partitions int

	// Extractor derives the key (default: HeaderExtractor over
	// DefaultKeyHeader)
	Extractor KeyExtractor

	// Selector maps key to index (default: HashModSelector)
	Selector Selector
}

// Router computes a message's partition index and stamps its routing key.
type Router struct {
	spec Spec
}

// NewRouter validates the spec and creates a router, applying the
// default extractor and selector where unset.
func NewRouter(spec Spec) (*Router, error) {
	if spec.Partitions < 1 {
		return nil, fmt.Errorf("partition count must be >= 1, got %d", spec.Partitions)
	}

	if spec.Extractor == nil {
		spec.Extractor = &HeaderExtractor{}
	}
	if spec.Selector == nil {
		spec.Selector = HashModSelector{}
	}

	return &Router{spec: spec}, nil
}

// Partitions returns the router's fixed partition count.
func (r *Router) Partitions() int { return r.spec.Partitions }

// Route extracts the message's partition key, selects its partition
// index, and sets the routing key on the message before handoff to the
// broker client. Extraction or selection failures return RoutingError.
func (r *Router) Route(msg *broker.Message) (int, error) {
	key, err := r.spec.Extractor.Extract(msg)
	if err != nil {
		return 0, &RoutingError{Stage: "extract", Err: err}
	}

	idx, err := r.spec.Selector.Select(key, r.spec.Partitions)
	if err != nil {
		return 0, &RoutingError{Stage: "select", Err: err}
	}
	if idx < 0 || idx >= r.spec.Partitions {
		return 0, &RoutingError{
			Stage: "select",
			Err:   fmt.Errorf("selector returned index %d out of range [0, %d)", idx, r.spec.Partitions),
		}
	}

	msg.RoutingKey = strconv.Itoa(idx)
	return idx, nil
}
