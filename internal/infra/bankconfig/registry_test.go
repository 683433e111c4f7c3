package bankconfig_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/bankconfig"
)

const banksYAML = `
banks:
  demo:
    name: Demo Bank
    baseUrl: https://api.demo-bank.example/open-banking/v3.1
    issuer: https://auth.demo-bank.example
    authorizationEndpoint: https://auth.demo-bank.example/authorize
    parEndpoint: https://auth.demo-bank.example/par
    tokenEndpoint: https://auth.demo-bank.example/token
    clientId: client-123
    redirectUri: https://app.example/callback
    scopes: [openid, accounts, payments]
    permissions: [ReadAccountsBasic, ReadBalances]
    certificateFingerprints:
      - sha256/AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=
    supportedCurrencies: [SAR, USD]
    maxTransactionAmount: "50000"
    maxConsentDuration: 720h
    rateLimit:
      requestsPerSecond: 5
      timeout: 10s
      maxRetries: 2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "banks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	reg, err := bankconfig.Load(writeConfig(t, banksYAML))
	require.NoError(t, err)

	cfg, err := reg.BankConfig(context.Background(), "demo")
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.ID)
	assert.Equal(t, "client-123", cfg.ClientID)
	assert.Equal(t, []string{"openid", "accounts", "payments"}, cfg.Scopes)
	assert.Equal(t, []domain.Permission{domain.PermReadAccountsBasic, domain.PermReadBalances}, cfg.Permissions)
	assert.Equal(t, 720*time.Hour, cfg.MaxConsentDuration)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Timeout)
	assert.Equal(t, 1, cfg.RateLimit.Burst, "defaults applied")
	assert.Equal(t, domain.DefaultStalenessWindow, cfg.StalenessWindow)
	assert.True(t, cfg.PinningEnabled())
	assert.Equal(t, []string{"demo"}, reg.IDs())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("OB_BANKS_DEMO_CLIENTSECRET", "from-env")
	t.Setenv("OB_BANKS_DEMO_CLIENTID", "client-env")

	reg, err := bankconfig.Load(writeConfig(t, banksYAML))
	require.NoError(t, err)

	cfg, err := reg.BankConfig(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.ClientSecret)
	assert.Equal(t, "client-env", cfg.ClientID)
}

func TestLoad_RejectsPlainHTTP(t *testing.T) {
	body := `
banks:
  insecure:
    baseUrl: http://bank.example
    authorizationEndpoint: https://bank.example/authorize
    parEndpoint: https://bank.example/par
    tokenEndpoint: https://bank.example/token
    clientId: c
    redirectUri: https://app.example/cb
    scopes: [accounts]
    supportedCurrencies: [SAR]
    maxTransactionAmount: "100"
`
	_, err := bankconfig.Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure")
}

func TestLoad_RejectsUnknownScope(t *testing.T) {
	body := `
banks:
  demo:
    baseUrl: https://bank.example
    authorizationEndpoint: https://bank.example/authorize
    parEndpoint: https://bank.example/par
    tokenEndpoint: https://bank.example/token
    clientId: c
    redirectUri: https://app.example/cb
    scopes: [accounts, fundsconfirmations]
    supportedCurrencies: [SAR]
    maxTransactionAmount: "100"
`
	_, err := bankconfig.Load(writeConfig(t, body))
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := bankconfig.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestBankConfig_UnknownBank(t *testing.T) {
	reg, err := bankconfig.Load(writeConfig(t, banksYAML))
	require.NoError(t, err)

	_, err = reg.BankConfig(context.Background(), "other")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestBankConfig_ReturnsCopy(t *testing.T) {
	reg, err := bankconfig.Load(writeConfig(t, banksYAML))
	require.NoError(t, err)

	first, _ := reg.BankConfig(context.Background(), "demo")
	first.Scopes[0] = "mutated"
	second, _ := reg.BankConfig(context.Background(), "demo")
	assert.Equal(t, "openid", second.Scopes[0])
}
