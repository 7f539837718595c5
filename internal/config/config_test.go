package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REPORTS_CONFIG", "")
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, StoreSQLite, cfg.Store.Kind)
	require.Equal(t, BlobFS, cfg.Blob.Kind)
	require.Equal(t, 30, cfg.Ledger.LockAfterDays)
	require.Equal(t, 10*time.Minute, cfg.Auth.CodeTTL)
}

func TestLoad_FileEnvFlagsPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reports.yaml")
	yml := `
addr: ":9000"
store:
  kind: postgres
  dsn: postgres://file
blob:
  kind: s3
  s3:
    bucket: reports
    region: eu-west-1
auth:
  code_ttl: 5m
ledger:
  lock_after_days: 14
  sweep_on_read: true
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("REPORTS_CONFIG", path)
	t.Setenv("REPORTS_DSN", "postgres://env")
	t.Setenv("REPORTS_S3_SECRET_KEY", "s3cr3t")
	t.Setenv("REPORTS_SMTP_PORT", "2525")

	cfg, err := Load([]string{"-addr", ":7000", "-lock-days", "7"})
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Addr)
	require.Equal(t, StorePostgres, cfg.Store.Kind)
	require.Equal(t, "postgres://env", cfg.Store.DSN)
	require.Equal(t, "reports", cfg.Blob.S3.Bucket)
	require.Equal(t, "s3cr3t", cfg.Blob.S3.SecretKey)
	require.Equal(t, 2525, cfg.SMTP.Port)
	require.Equal(t, 5*time.Minute, cfg.Auth.CodeTTL)
	require.Equal(t, 7, cfg.Ledger.LockAfterDays)
	require.True(t, cfg.Ledger.SweepOnRead)
	// unset flags keep file values
	require.Equal(t, "eu-west-1", cfg.Blob.S3.Region)
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("REPORTS_CONFIG", "")

	_, err := Load([]string{"-store", "redis"})
	require.ErrorContains(t, err, "unknown store")

	_, err = Load([]string{"-store", "postgres"})
	require.ErrorContains(t, err, "requires a dsn")

	_, err = Load([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)

	t.Setenv("REPORTS_SMTP_PORT", "abc")
	_, err = Load(nil)
	require.ErrorContains(t, err, "REPORTS_SMTP_PORT")
}

func TestValidate_S3NeedsBucket(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Blob.Kind = BlobS3
	require.ErrorContains(t, cfg.Validate(), "bucket")
}
