package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	domain "github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/internal/infrastructure/audit"
	"github.com/turtacn/cryptod/internal/infrastructure/crypto"
	"github.com/turtacn/cryptod/internal/infrastructure/persistence"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/logger"
)

type sharedDB struct {
	conn *persistence.DBConnection
}

func (p sharedDB) Get(context.Context, string) (*persistence.DBConnection, error) {
	return p.conn, nil
}

type fixture struct {
	conn    *persistence.DBConnection
	store   *persistence.HSMStore
	soft    *crypto.SoftBackend
	hsms    *HSMAppService
	keys    *persistence.SigningKeyStore
	signing *SigningAppService
}

// newFixture wires the services over one in-memory database and the software HSM.
// Extra backends are registered next to it.
func newFixture(t *testing.T, publisher domain.KeyEventPublisher, extra ...domain.CryptoBackend) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNoopLogger()

	conn, err := persistence.OpenDatabase(ctx, "cluster", persistence.DatabaseSettings{
		Dialect: persistence.DialectSQLite,
		DSN:     "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, persistence.MigrateCluster(ctx, conn))

	master, err := crypto.DeriveMasterKey(ctx, "pass", "salt", log)
	require.NoError(t, err)
	soft := crypto.NewSoftBackend(master, persistence.NewWrappingKeyRepository(conn), crypto.NewDigestService(), time.Minute, log)
	t.Cleanup(soft.Close)

	if publisher == nil {
		publisher = audit.NoopPublisher{}
	}
	store := persistence.NewHSMStore(conn, log)
	hsms := NewHSMAppService(store, soft, publisher, log)
	require.NoError(t, hsms.Bootstrap(ctx))

	keys := persistence.NewSigningKeyStore(sharedDB{conn: conn}, nil, time.Minute, nil, log)
	backends := append([]domain.CryptoBackend{soft}, extra...)
	return &fixture{
		conn:    conn,
		store:   store,
		soft:    soft,
		hsms:    hsms,
		keys:    keys,
		signing: NewSigningAppService(keys, hsms, backends, publisher, nil, log),
	}
}

func verifier() *crypto.SignatureVerifier {
	return crypto.NewSignatureVerifier(crypto.NewDigestService())
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
