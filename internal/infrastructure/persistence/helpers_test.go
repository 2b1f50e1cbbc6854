package persistence

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/cryptod/internal/infrastructure/crypto"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/logger"
)

func memorySettings() DatabaseSettings {
	return DatabaseSettings{
		Dialect: DialectSQLite,
		DSN:     "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	}
}

func openClusterDB(t *testing.T) *DBConnection {
	t.Helper()
	ctx := context.Background()
	conn, err := OpenDatabase(ctx, "cluster", memorySettings(), logger.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, MigrateCluster(ctx, conn))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// singleDB serves every tenant from one database, so isolation rests on tenant_id scoping.
type singleDB struct {
	conn *DBConnection
	err  error
}

func (p *singleDB) Get(context.Context, string) (*DBConnection, error) {
	return p.conn, p.err
}

func newPublicKey(t *testing.T) []byte {
	t.Helper()
	scheme, err := crypto.LookupScheme(constants.SchemeECDSASecp256r1)
	require.NoError(t, err)
	priv, err := scheme.GenerateKey()
	require.NoError(t, err)
	pub, err := crypto.MarshalPublicKey(priv.Public())
	require.NoError(t, err)
	return pub
}

func strPtr(s string) *string { return &s }
