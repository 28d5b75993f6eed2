package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToPtr(t *testing.T) {
	var valueUint64 uint64 = 2048
	gotUint64 := ToPtr(valueUint64)
	assert.Equal(t, valueUint64, *gotUint64)

	var valueBool bool = true
	gotBool := ToPtr(valueBool)
	assert.Equal(t, valueBool, *gotBool)

	var valueStr string = "/boot/grub2"
	gotStr := ToPtr(valueStr)
	assert.Equal(t, valueStr, *gotStr)
}
