package core

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Identifiers (table, column, tag names) must start with a Unicode letter
// or underscore, and continue with letters, digits, or underscores.
var identifierPattern = regexp.MustCompile(`^[\p{L}_][\p{L}\p{N}_]*$`)

// Reserved identifiers start with __, matching the reserved column ids
// the storage layer allocates for TIMESTAMP64_LSN and internal bookkeeping.
const reservedIdentifierPrefix = "__"

// Validator provides cached validation for table, column, and tag names.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]error
}

// NewValidator creates a new validator with an initialized cache.
func NewValidator() *Validator {
	return &Validator{
		cache: make(map[string]error),
	}
}

// ValidateTableName checks if a table identifier is valid, using a cache.
func (v *Validator) ValidateTableName(name string) error {
	return v.validate("table:"+name, name, "table")
}

// ValidateColumnName checks if a column identifier is valid, using a cache.
func (v *Validator) ValidateColumnName(name string) error {
	return v.validate("column:"+name, name, "column")
}

// ValidateTagName checks if a general-tag column identifier is valid.
func (v *Validator) ValidateTagName(name string) error {
	return v.validate("tag:"+name, name, "tag_name")
}

func (v *Validator) validate(cacheKey, value, field string) error {
	v.mu.RLock()
	err, found := v.cache[cacheKey]
	v.mu.RUnlock()
	if found {
		return err
	}

	var validationErr error
	if value == "" {
		validationErr = &ValidationError{Message: "cannot be empty", Field: field, Value: value}
	} else if !identifierPattern.MatchString(value) {
		validationErr = &ValidationError{Message: fmt.Sprintf("does not match pattern '%s'", identifierPattern.String()), Field: field, Value: value}
	} else if strings.HasPrefix(value, reservedIdentifierPrefix) {
		validationErr = &ValidationError{Message: fmt.Sprintf("is reserved (starts with '%s')", reservedIdentifierPrefix), Field: field, Value: value}
	}

	v.mu.Lock()
	v.cache[cacheKey] = validationErr
	v.mu.Unlock()

	return validationErr
}
