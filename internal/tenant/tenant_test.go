package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid simple key", key: "client_a", wantErr: false},
		{name: "valid numeric key", key: "hospital_042", wantErr: false},
		{name: "empty key", key: "", wantErr: true},
		{name: "uppercase rejected", key: "Client_A", wantErr: true},
		{name: "hyphen rejected", key: "client-a", wantErr: true},
		{name: "path traversal rejected", key: "../shared", wantErr: true},
		{name: "too long", key: "a_very_long_tenant_key_that_exceeds_the_sixty_four_character_limit_x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTenant)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestEmbeddingCollection(t *testing.T) {
	name, err := EmbeddingCollection("client_a")
	require.NoError(t, err)
	assert.Equal(t, "client_a_embeddings", name)

	_, err = EmbeddingCollection("")
	assert.ErrorIs(t, err, ErrInvalidTenant)
}
