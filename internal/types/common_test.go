package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrValidation, 400},
		{ErrNotFound, 404},
		{ErrNamingExhausted, 409},
		{ErrQueueFull, 429},
		{ErrMaterialization, 500},
		{ErrInference, 500},
		{ErrInternalError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.HTTPStatusCode())
		})
	}
}

func TestErrorInfoChain(t *testing.T) {
	cause := errors.New("shape mismatch")
	err := fmt.Errorf("layer 3: %w", NewMaterializationError(cause, "combine %s", "attn.c_attn.weight"))

	assert.Equal(t, ErrMaterialization, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &ErrorInfo{Code: ErrMaterialization})
	assert.NotErrorIs(t, err, &ErrorInfo{Code: ErrInference})

	info := AsErrorInfo(err)
	require.NotNil(t, info)
	assert.Equal(t, "combine attn.c_attn.weight", info.Message)
	assert.Equal(t, "shape mismatch", info.Details)
	assert.Contains(t, info.Error(), "MATERIALIZATION_ERROR")
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.Equal(t, ErrInternalError, CodeOf(errors.New("boom")))
	assert.Equal(t, ErrInternalError, AsErrorInfo(errors.New("boom")).Code)
	assert.Nil(t, AsErrorInfo(nil))
}

func TestResponses(t *testing.T) {
	ok := NewSuccessResponse([]string{"svamp"}, "req-1")
	assert.True(t, ok.Success)
	assert.Equal(t, "req-1", ok.Metadata.RequestID)

	bad := NewErrorResponseWithDetails(ErrValidation, "bad plan", "49 layers", "req-2")
	assert.False(t, bad.Success)
	assert.Equal(t, ErrValidation, bad.Error.Code)
	assert.Equal(t, "49 layers", bad.Error.Details)
}
