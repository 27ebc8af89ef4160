package zorel

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure cases
var (
	// ErrRecordNotFound is returned when a query returns no results
	ErrRecordNotFound = errors.New("zorel: record not found")

	// ErrRelationNotFound is returned when a repository declares no relation with the given name
	ErrRelationNotFound = errors.New("zorel: relation not found")

	// ErrRepositoryNotFound is returned when a repository name or entity type is not registered
	ErrRepositoryNotFound = errors.New("zorel: repository not found")

	// ErrUnsupportedOperation is returned when a relation kind does not implement an operation
	ErrUnsupportedOperation = errors.New("zorel: unsupported operation")

	// ErrInvalidAssociation is returned when a write is attempted from the wrong side of a foreign key
	ErrInvalidAssociation = errors.New("zorel: not a foreign-key barrier")

	// ErrUnknownDiscriminator is returned when a discriminator value has no polymorphic mapping
	ErrUnknownDiscriminator = errors.New("zorel: unknown discriminator")

	// ErrMissingDiscriminator is returned when an owner's discriminator field is empty
	ErrMissingDiscriminator = errors.New("zorel: missing discriminator on owner")

	// ErrConfiguration is returned when a relation is declared against an incompatible owner
	ErrConfiguration = errors.New("zorel: invalid relation configuration")

	// ErrMissingKey is returned when a key needed to wire two entities is empty
	ErrMissingKey = errors.New("zorel: empty relation key")

	// ErrUnknownField is returned by accessors for fields an entity does not have
	ErrUnknownField = errors.New("zorel: unknown field")

	// ErrNilEntity is returned when a nil entity is passed
	ErrNilEntity = errors.New("zorel: nil entity")
)

// QueryError wraps database errors with query context for better debugging
type QueryError struct {
	Query     string // The SQL query that failed
	Args      []any  // The query arguments
	Operation string // Operation type: SELECT, INSERT, UPDATE, DELETE
	Err       error  // The underlying error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("zorel: %s failed: %v\nQuery: %s\nArgs: %s",
		e.Operation, e.Err, e.Query, formatArgs(e.Args))
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// RelationError wraps relation failures with the relation and owner they happened on
type RelationError struct {
	Relation string // Attribute name of the relation
	Owner    string // Repository that declares the relation
	Err      error  // The underlying error
}

func (e *RelationError) Error() string {
	return fmt.Sprintf("zorel: relation '%s' error on %s: %v", e.Relation, e.Owner, e.Err)
}

func (e *RelationError) Unwrap() error {
	return e.Err
}

// WrapQueryError wraps a database error with query context
func WrapQueryError(operation, query string, args []any, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}
	return &QueryError{
		Query:     query,
		Args:      args,
		Operation: operation,
		Err:       err,
	}
}

// WrapRelationError wraps a relation error with context. Errors that already carry
// relation context are returned unchanged so nested loads report the innermost relation.
func WrapRelationError(relation, owner string, err error) error {
	if err == nil {
		return nil
	}
	var re *RelationError
	if errors.As(err, &re) {
		return err
	}
	return &RelationError{
		Relation: relation,
		Owner:    owner,
		Err:      err,
	}
}

// IsNotFound checks if the error is ErrRecordNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsUnsupported reports whether err means the relation kind cannot perform the operation.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupportedOperation)
}

// IsInvalidAssociation reports whether err was raised for a write from the wrong side of a foreign key.
func IsInvalidAssociation(err error) bool {
	return errors.Is(err, ErrInvalidAssociation)
}

func unsupported(kind Kind, op string) error {
	return fmt.Errorf("%w: %s relation does not support %s", ErrUnsupportedOperation, kind, op)
}

func invalidAssociation(def *Definition, op string) error {
	return fmt.Errorf("%w: cannot %s through %s relation %q", ErrInvalidAssociation, op, def.Kind, def.Attribute)
}

// invalidCreate is raised by create/add on the foreign-key-owning side, which is both a
// wrong-side write and an operation the kind does not offer.
func invalidCreate(def *Definition, op string) error {
	return fmt.Errorf("%w: %w: cannot %s through %s relation %q",
		ErrInvalidAssociation, ErrUnsupportedOperation, op, def.Kind, def.Attribute)
}

// formatArgs formats query arguments for error messages
func formatArgs(args []any) string {
	if len(args) == 0 {
		return "[]"
	}

	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprintf("%v", arg)
	}

	result := "[" + strings.Join(parts, ", ") + "]"
	if len(result) > 200 {
		return result[:197] + "...]"
	}
	return result
}
