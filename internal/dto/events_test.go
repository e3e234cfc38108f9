package dto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoomCode(t *testing.T) {
	code, err := DecodeRoomCode(json.RawMessage(`"roomAB12"`))
	require.NoError(t, err)
	assert.Equal(t, "roomAB12", code)

	code, err = DecodeRoomCode(json.RawMessage(`{"roomCode":" roomCD34 "}`))
	require.NoError(t, err)
	assert.Equal(t, "roomCD34", code)

	_, err = DecodeRoomCode(nil)
	assert.ErrorIs(t, err, ErrMissingRoomCode)

	_, err = DecodeRoomCode(json.RawMessage(`""`))
	assert.ErrorIs(t, err, ErrMissingRoomCode)

	_, err = DecodeRoomCode(json.RawMessage(`42`))
	assert.Error(t, err)
}
