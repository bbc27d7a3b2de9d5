package driver

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		result  Result
		wantErr bool
	}{
		{"success", Success, false},
		{"deinitialized is tolerated", ErrorDeinitialized, false},
		{"out of memory", ErrorOutOfMemory, true},
		{"invalid context", ErrorInvalidContext, true},
		{"unnamed code", Result(12345), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.result, "cuMemAlloc")
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsResult(err, tt.result))
			assert.Contains(t, err.Error(), "cuMemAlloc")
		})
	}
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "CUDA_ERROR_OUT_OF_MEMORY", ErrorOutOfMemory.String())
	assert.Equal(t, "CUDA_ERROR_DEINITIALIZED", ErrorDeinitialized.String())
	assert.Equal(t, "UNKNOWN CUDA ERROR (4242)", Result(4242).String())
}

func TestResultOf(t *testing.T) {
	t.Run("wrapped driver error", func(t *testing.T) {
		err := fmt.Errorf("allocating buffer: %w", Check(ErrorOutOfMemory, "cuMemAlloc"))
		assert.Equal(t, ErrorOutOfMemory, ResultOf(err))
		assert.True(t, IsResult(err, ErrorOutOfMemory))
		assert.False(t, IsResult(err, ErrorInvalidValue))
	})

	t.Run("foreign error", func(t *testing.T) {
		err := errors.New("boom")
		assert.Equal(t, Success, ResultOf(err))
		assert.False(t, IsResult(err, Success))
		assert.False(t, IsResult(fmt.Errorf("wrapped: %w", err), ErrorUnknown))
	})

	t.Run("nil", func(t *testing.T) {
		assert.False(t, IsResult(nil, Success))
	})
}
