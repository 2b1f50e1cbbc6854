package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/infrastructure/crypto"
	"github.com/turtacn/cryptod/pkg/constants"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := "database:\n" +
		"  dialect: sqlite\n" +
		"  dsn: " + filepath.Join(dir, "cluster.db") + "\n" +
		"crypto:\n" +
		"  passphrase: test-passphrase\n" +
		"  salt: test-salt\n" +
		"retry:\n" +
		"  wait: 1ms\n" +
		"audit:\n" +
		"  store_events: true\n" +
		"  signing_secret: audit-secret\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd, e := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	require.NoError(t, e.close())
	return out.String(), err
}

func decode(t *testing.T, out string, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestCLI_TenantKeyLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	_, err := run(t, cfg, "tenants", "register", "vnode-123", "--dialect", "sqlite", "--dsn", filepath.Join(dir, "vnode-123.db"))
	require.NoError(t, err)

	out, err := run(t, cfg, "tenants", "list")
	require.NoError(t, err)
	var tenants []map[string]string
	decode(t, out, &tenants)
	require.Len(t, tenants, 1)
	assert.Equal(t, "vnode-123", tenants[0]["tenantId"])
	assert.NotContains(t, out, "vnode-123.db")

	out, err = run(t, cfg, "migrate")
	require.NoError(t, err)
	var migrated map[string][]string
	decode(t, out, &migrated)
	assert.Equal(t, []string{"cluster", "vnode-123"}, migrated["migrated"])

	out, err = run(t, cfg, "-t", "vnode-123", "keys", "generate", "--alias", "my-alias")
	require.NoError(t, err)
	var generated map[string]string
	decode(t, out, &generated)
	pub, err := base64.StdEncoding.DecodeString(generated["publicKey"])
	require.NoError(t, err)
	shortID, _ := crypto.KeyIDs(pub)
	assert.Equal(t, shortID, generated["id"])

	verifier := crypto.NewSignatureVerifier(crypto.NewDigestService())

	// a new process signs with the key stored by the previous one
	out, err = run(t, cfg, "-t", "vnode-123", "keys", "sign", "--alias", "my-alias", "--data", "hello")
	require.NoError(t, err)
	var signed map[string]string
	decode(t, out, &signed)
	assert.Equal(t, generated["publicKey"], signed["by"])
	sig, _ := base64.StdEncoding.DecodeString(signed["signature"])
	assert.NoError(t, verifier.Verify(pub, models.SignatureSpec{}, sig, []byte("hello")))

	out, err = run(t, cfg, "-t", "vnode-123", "keys", "sign", "--public-key", generated["publicKey"], "--data", "hello", "--signature-name", "SHA256withECDSA")
	require.NoError(t, err)
	decode(t, out, &signed)
	sig, _ = base64.StdEncoding.DecodeString(signed["signature"])
	assert.NoError(t, verifier.Verify(pub, models.SignatureSpec{SignatureName: "SHA256withECDSA"}, sig, []byte("hello")))

	out, err = run(t, cfg, "-t", "vnode-123", "keys", "lookup", "--filter", "alias=my-alias")
	require.NoError(t, err)
	var keys []models.SigningKeyInfo
	decode(t, out, &keys)
	require.Len(t, keys, 1)
	assert.Equal(t, shortID, keys[0].ID)

	out, err = run(t, cfg, "-t", "vnode-123", "keys", "lookup", "--ids", shortID)
	require.NoError(t, err)
	decode(t, out, &keys)
	assert.Len(t, keys, 1)

	out, err = run(t, cfg, "hsm", "usage")
	require.NoError(t, err)
	var usage []map[string]interface{}
	decode(t, out, &usage)
	require.Len(t, usage, 1)
	assert.Equal(t, constants.SoftHSMID, usage[0]["hsmId"])
	assert.Equal(t, 1.0, usage[0]["usages"])

	out, err = run(t, cfg, "-t", "vnode-123", "events", "--limit", "5")
	require.NoError(t, err)
	var events []map[string]interface{}
	decode(t, out, &events)
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, "vnode-123", ev["tenant_id"])
		assert.Equal(t, true, ev["verified"])
	}
}

func TestCLI_Errors(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	_, err := run(t, cfg, "-t", "vnode-999", "keys", "lookup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")

	_, err = run(t, cfg, "keys", "generate")
	assert.EqualError(t, err, "--alias is required unless --fresh is set")

	_, err = run(t, cfg, "keys", "sign", "--data", "x")
	assert.Error(t, err)

	_, err = run(t, cfg, "tenants", "register", constants.CryptoTenantID, "--dsn", "x")
	assert.Error(t, err)
}

func TestCLI_AssociateAndSchemes(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())

	out, err := run(t, cfg, "-t", constants.P2PTenantID, "hsm", "associate", "--category", constants.CategorySessionInit, "--soft")
	require.NoError(t, err)
	var assoc map[string]string
	decode(t, out, &assoc)
	assert.Equal(t, constants.SoftHSMID, assoc["hsmId"])
	assert.Equal(t, constants.CategorySessionInit, assoc["category"])

	out, err = run(t, cfg, "-t", constants.P2PTenantID, "schemes", "--category", constants.CategorySessionInit)
	require.NoError(t, err)
	var codes []string
	decode(t, out, &codes)
	assert.Contains(t, codes, constants.SchemeECDSASecp256r1)

	out, err = run(t, cfg, "-t", constants.P2PTenantID, "keys", "generate", "--fresh", "--external-id", "ext-1", "--scheme", constants.SchemeEdDSAEd25519)
	require.NoError(t, err)
	assert.Contains(t, out, "publicKey")
}
