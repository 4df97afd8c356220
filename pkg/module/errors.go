package module

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNilDefinition reports a factory that produced no definition at all.
var ErrNilDefinition = errors.New("module definition is nil")

// InvalidDefinitionError lists every missing or unusable field found while
// validating a module definition.
type InvalidDefinitionError struct {
	Name   string
	Fields []string
}

func (e *InvalidDefinitionError) Error() string {
	name := e.Name
	if name == "" {
		name = "(unnamed)"
	}

	return fmt.Sprintf("invalid module definition %s: %s", name, strings.Join(e.Fields, "; "))
}

// IsInvalidDefinition reports whether err carries definition validation
// failures, unwrapping as needed.
func IsInvalidDefinition(err error) bool {
	var invalid *InvalidDefinitionError
	return errors.As(err, &invalid)
}
