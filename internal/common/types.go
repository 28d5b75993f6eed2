package common

import (
	"encoding/json"
	"fmt"
)

// ValidationError is returned when an option or manifest value lies
// outside the set a package accepts, e.g. an unknown image format or a
// misaligned image size. Rejection happens at construction time, before any
// external state is touched.
type ValidationError struct {
	reason string
}

// Error returns the error as a string
func (err *ValidationError) Error() string {
	return err.reason
}

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{reason: fmt.Sprintf(format, args...)}
}

// Since Go has no enum types, closed string sets are represented as integers
// which are then wrapped into type aliases. The helpers below convert between
// the wire (string) form and the integer form using per-type maps.
func unmarshalHelper(data []byte, jsonError, typeConversionError string, mapping map[string]int) (int, error) {
	var stringInput string
	err := json.Unmarshal(data, &stringInput)
	if err != nil {
		return 0, NewValidationError("%s%s", string(data), jsonError)
	}
	value, exists := mapping[stringInput]
	if !exists {
		return 0, NewValidationError("%s%s", stringInput, typeConversionError)
	}
	return value, nil
}

// See unmarshalHelper for explanation
func marshalHelper(input int, mapping map[string]int, errorMessage string) ([]byte, error) {
	for k, v := range mapping {
		if v == input {
			return json.Marshal(k)
		}
	}
	return nil, NewValidationError("%d %s", input, errorMessage)
}

// See unmarshalHelper for introduction. Converts between TypeAlias(int) and string
func toStringHelper(mapping map[string]int, tag int) (string, bool) {
	for k, v := range mapping {
		if v == tag {
			return k, true
		}
	}
	return "", false
}

// Architecture represents one of the supported CPU architectures. It is
// represented as an integer because if it was a string it would unmarshal
// from JSON just fine even in case the architecture was unknown.
type Architecture int

// NOTE: If you want to add more constants here, don't forget to add a mapping below
const (
	X86_64 Architecture = iota
	Aarch64
	Ppc64le
	S390x
)

func getArchMapping() map[string]int {
	mapping := map[string]int{
		"x86_64":  int(X86_64),
		"aarch64": int(Aarch64),
		"ppc64le": int(Ppc64le),
		"s390x":   int(S390x),
	}
	return mapping
}

func (arch Architecture) String() string {
	str, exists := toStringHelper(getArchMapping(), int(arch))
	if !exists {
		panic("invalid architecture value")
	}
	return str
}

// UnmarshalJSON is a custom unmarshaling function to limit the set of allowed values
// in case the input is JSON.
func (arch *Architecture) UnmarshalJSON(data []byte) error {
	value, err := unmarshalHelper(data, " is not a valid JSON value", " is not a valid architecture", getArchMapping())
	if err != nil {
		return err
	}
	*arch = Architecture(value)
	return nil
}

// MarshalJSON is a custom marshaling function for our custom Architecture type
func (arch Architecture) MarshalJSON() ([]byte, error) {
	return marshalHelper(int(arch), getArchMapping(), "is not a valid architecture tag")
}
