package connect

import (
	"encoding/json"
	"fmt"
	"strings"
)


type OperationKind int

const (
	// the zero value marks a malformed operation
	OperationKindNone OperationKind = iota
	OperationKindQuery
	OperationKindMutation
	OperationKindSubscription
)

func (self OperationKind) String() string {
	switch self {
	case OperationKindQuery:
		return "query"
	case OperationKindMutation:
		return "mutation"
	case OperationKindSubscription:
		return "subscription"
	default:
		return "none"
	}
}


type TransportClass int

const (
	TransportRequestResponse TransportClass = iota + 1
	TransportStream
)

func (self TransportClass) String() string {
	switch self {
	case TransportRequestResponse:
		return "request_response"
	case TransportStream:
		return "stream"
	default:
		return "unknown"
	}
}


// the session status an operation needs before it may be dispatched
type AccessLevel int

const (
	AccessPublic AccessLevel = iota
	AccessAuthenticated
	AccessVerified
)

func (self AccessLevel) Allows(status SessionStatus) bool {
	switch self {
	case AccessPublic:
		return true
	case AccessAuthenticated:
		return status.IsAuthenticated()
	case AccessVerified:
		return status == SessionAuthenticatedVerified
	default:
		return false
	}
}

func (self AccessLevel) String() string {
	switch self {
	case AccessPublic:
		return "public"
	case AccessAuthenticated:
		return "authenticated"
	case AccessVerified:
		return "verified"
	default:
		return "unknown"
	}
}


// One variant per backend operation. The variant declares the variable and result
// shape of the operation, and is validated once when the `Operation` is constructed.
type OperationVariant interface {
	Kind() OperationKind
	Name() string
	Query() string
	Variables() map[string]any
	Access() AccessLevel
	Validate() error
	// converts the `data` member of a response into store writes
	Normalize(data json.RawMessage) ([]EntityWrite, error)
}

// A scoped variant is only meaningful while its scope entity exists.
// When the scope entity is deleted the subscription is completed.
type ScopedOperationVariant interface {
	OperationVariant
	Scope() EntityKey
}


// immutable once constructed
type Operation struct {
	kind      OperationKind
	name      string
	query     string
	variables map[string]any
	access    AccessLevel
	variant   OperationVariant
}

func NewOperation(variant OperationVariant) (*Operation, error) {
	if variant == nil {
		return nil, fmt.Errorf("%w: missing variant", ErrInvalidOperation)
	}
	if err := variant.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidOperation, variant.Name(), err)
	}
	switch variant.Kind() {
	case OperationKindQuery, OperationKindMutation, OperationKindSubscription:
	default:
		return nil, fmt.Errorf("%w: %s: missing kind", ErrInvalidOperation, variant.Name())
	}
	if strings.TrimSpace(variant.Name()) == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidOperation)
	}
	if strings.TrimSpace(variant.Query()) == "" {
		return nil, fmt.Errorf("%w: %s: missing query", ErrInvalidOperation, variant.Name())
	}

	return &Operation{
		kind:      variant.Kind(),
		name:      variant.Name(),
		query:     variant.Query(),
		variables: copyFields(variant.Variables()),
		access:    variant.Access(),
		variant:   variant,
	}, nil
}

func RequireOperation(variant OperationVariant) *Operation {
	op, err := NewOperation(variant)
	if err != nil {
		panic(err)
	}
	return op
}

func (self *Operation) Kind() OperationKind {
	return self.kind
}

func (self *Operation) Name() string {
	return self.name
}

func (self *Operation) Query() string {
	return self.query
}

// returns a copy
func (self *Operation) Variables() map[string]any {
	return copyFields(self.variables)
}

func (self *Operation) Access() AccessLevel {
	return self.access
}

func (self *Operation) Variant() OperationVariant {
	return self.variant
}

func (self *Operation) Normalize(data json.RawMessage) ([]EntityWrite, error) {
	return self.variant.Normalize(data)
}

func (self *Operation) Scope() (EntityKey, bool) {
	if scoped, ok := self.variant.(ScopedOperationVariant); ok {
		return scoped.Scope(), true
	}
	return EntityKey{}, false
}

func (self *Operation) String() string {
	return fmt.Sprintf("%s %s", self.kind, self.name)
}

func (self *Operation) request() *graphqlRequest {
	return &graphqlRequest{
		OperationName: self.name,
		Query:         self.query,
		Variables:     self.variables,
	}
}


func Classify(op *Operation) (TransportClass, error) {
	if op == nil {
		return 0, fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	}
	switch op.kind {
	case OperationKindQuery, OperationKindMutation:
		return TransportRequestResponse, nil
	case OperationKindSubscription:
		return TransportStream, nil
	default:
		return 0, fmt.Errorf("%w: missing kind", ErrInvalidOperation)
	}
}


// An untyped operation for documents without a dedicated variant.
// `NormalizeFunc` may be nil, in which case results are not written to the store.
type RawOperation struct {
	OperationKind      OperationKind
	OperationName      string
	Document           string
	OperationVariables map[string]any
	RequiredAccess     AccessLevel
	NormalizeFunc      func(data json.RawMessage) ([]EntityWrite, error)
}

func (self *RawOperation) Kind() OperationKind {
	return self.OperationKind
}

func (self *RawOperation) Name() string {
	return self.OperationName
}

func (self *RawOperation) Query() string {
	return self.Document
}

func (self *RawOperation) Variables() map[string]any {
	return self.OperationVariables
}

func (self *RawOperation) Access() AccessLevel {
	return self.RequiredAccess
}

func (self *RawOperation) Validate() error {
	return nil
}

func (self *RawOperation) Normalize(data json.RawMessage) ([]EntityWrite, error) {
	if self.NormalizeFunc == nil {
		return nil, nil
	}
	return self.NormalizeFunc(data)
}
