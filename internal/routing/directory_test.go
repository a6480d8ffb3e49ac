package routing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTempDirectory(t *testing.T) (*BoltDirectory, string) {
	dbPath := filepath.Join(t.TempDir(), "clients.db")

	d, err := NewBoltDirectory(dbPath)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d, dbPath
}

func TestDirectory(t *testing.T) {
	directories := map[string]func(t *testing.T) Directory{
		"memory": func(t *testing.T) Directory { return NewMemoryDirectory() },
		"bbolt": func(t *testing.T) Directory {
			d, _ := createTempDirectory(t)
			return d
		},
	}

	for name, create := range directories {
		t.Run(name, func(t *testing.T) {
			d := create(t)
			defer d.Close()

			_, err := d.Lookup("client")
			assert.ErrorIs(t, err, ErrUnknownClient)

			require.NoError(t, d.Register("client", "127.0.0.1:9000"))
			addr, err := d.Lookup("client")
			require.NoError(t, err)
			assert.Equal(t, "127.0.0.1:9000", addr)

			// same address again is a no-op
			require.NoError(t, d.Register("client", "127.0.0.1:9000"))

			// a restarted client may come back from another port
			require.NoError(t, d.Register("client", "127.0.0.1:9001"))
			addr, err = d.Lookup("client")
			require.NoError(t, err)
			assert.Equal(t, "127.0.0.1:9001", addr)
		})
	}
}

func TestNewBoltDirectory(t *testing.T) {
	t.Run("creates new database successfully", func(t *testing.T) {
		d, dbPath := createTempDirectory(t)
		defer d.Close()

		_, err := os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("keeps clients across reopen", func(t *testing.T) {
		d, dbPath := createTempDirectory(t)
		require.NoError(t, d.Register("a", "10.0.0.1:1"))
		require.NoError(t, d.Register("b", "10.0.0.2:2"))
		require.NoError(t, d.Close())

		reopened, err := NewBoltDirectory(dbPath)
		require.NoError(t, err)
		defer reopened.Close()

		clients, err := reopened.Clients()
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "10.0.0.1:1", "b": "10.0.0.2:2"}, clients)
	})

	t.Run("fails with invalid path", func(t *testing.T) {
		d, err := NewBoltDirectory("/invalid/path/that/does/not/exist/clients.db")
		assert.Error(t, err)
		assert.Nil(t, d)
	})
}
