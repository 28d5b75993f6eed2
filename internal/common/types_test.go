package common

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchitectureUnmarshal(t *testing.T) {
	var arch Architecture
	require.NoError(t, json.Unmarshal([]byte(`"ppc64le"`), &arch))
	assert.Equal(t, Ppc64le, arch)
	assert.Equal(t, "ppc64le", arch.String())

	err := json.Unmarshal([]byte(`"riscv64"`), &arch)
	require.Error(t, err)

	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("size %d is not a multiple of %d", 1000, 512)
	assert.Equal(t, "size 1000 is not a multiple of 512", err.Error())
}
