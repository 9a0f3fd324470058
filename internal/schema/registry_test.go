package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRegistry(t *testing.T) {
	t.Parallel()

	reg := NewStaticRegistry(EntityType{Table: "bookings", RequiredFields: []string{"room_id"}, ConflictField: "room_id"})

	got, err := reg.Lookup(context.Background(), "bookings")
	require.NoError(t, err)
	assert.Equal(t, []string{"room_id"}, got.RequiredFields)

	_, err = reg.Lookup(context.Background(), "payments")
	assert.True(t, errors.Is(err, ErrUnknownEntityTable))

	reg.Replace(EntityType{Table: "payments"})
	assert.Equal(t, []string{"payments"}, reg.Tables())
	_, err = reg.Lookup(context.Background(), "bookings")
	assert.True(t, errors.Is(err, ErrUnknownEntityTable))
}
