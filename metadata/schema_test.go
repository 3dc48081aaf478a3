package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaRoundTrip(t *testing.T) {
	require.NoError(t, CheckSchema(SchemaJSON()))
}

func TestCheckSchemaRejectsWrongVersion(t *testing.T) {
	require.ErrorIs(t, CheckSchema([]byte(`{"wire_version":99}`)), ErrSchemaMismatch)
}

func TestCheckSchemaRejectsGarbage(t *testing.T) {
	require.ErrorIs(t, CheckSchema([]byte("not json")), ErrSchemaMismatch)
}
