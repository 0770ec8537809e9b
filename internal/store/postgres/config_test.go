package postgres

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStoreConfig(t *testing.T) {
	t.Run("connection string is required", func(t *testing.T) {
		cfg := &JobStoreConfig{}
		require.Error(t, cfg.Validate())
	})

	t.Run("defaults fill unset fields only", func(t *testing.T) {
		cfg := &JobStoreConfig{ConnString: "postgres://localhost/test", MaxConns: 50}
		cfg.ApplyDefaults()
		require.NoError(t, cfg.Validate())

		require.Equal(t, int32(50), cfg.MaxConns)
		require.Equal(t, int32(2), cfg.MinConns)
		require.Equal(t, int32(3600), cfg.MaxConnLifetime)
		require.Equal(t, int32(1800), cfg.MaxConnIdleTime)
	})
}
