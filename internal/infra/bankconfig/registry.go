// Package bankconfig loads per-bank configuration from YAML with
// environment overrides and serves it through port.BankConfigProvider.
package bankconfig

import (
	"context"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/port"
)

// EnvPrefix marks environment variables that override file values, e.g.
// OB_BANKS_DEMO_CLIENTSECRET overrides banks.demo.clientSecret.
const EnvPrefix = "OB_"

type fileLayout struct {
	Banks map[string]domain.BankConfig `koanf:"banks"`
}

// Registry holds validated bank configurations keyed by bank id.
type Registry struct {
	banks map[string]domain.BankConfig
}

var _ port.BankConfigProvider = (*Registry)(nil)

// Load reads path, applies OB_* overrides and validates every bank.
func Load(path string) (*Registry, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "bank config %s", path)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, errors.Wrapf(err, "read bank config %s", path)
	}

	existing := k.Raw()
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, EnvPrefix)
			if key == "" {
				return "", nil
			}
			return canonicalizeEnvKey(key, existing), value
		},
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load bank config env overrides")
	}

	var raw fileLayout
	if err := k.UnmarshalWithConf("", &raw, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &raw,
			TagName:          "koanf",
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			MatchName: func(mapKey, fieldName string) bool {
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return nil, errors.Wrapf(err, "unmarshal bank config %s", path)
	}

	return newRegistry(raw.Banks)
}

func newRegistry(banks map[string]domain.BankConfig) (*Registry, error) {
	if len(banks) == 0 {
		return nil, errors.New("bank config defines no banks")
	}
	validate := validator.New(validator.WithRequiredStructEnabled())

	out := make(map[string]domain.BankConfig, len(banks))
	for id, cfg := range banks {
		cfg.ID = id
		if err := validate.Struct(cfg); err != nil {
			return nil, errors.Wrapf(err, "bank %s", id)
		}
		if _, err := cfg.TransactionLimit(cfg.SupportedCurrencies[0]); err != nil {
			return nil, errors.Wrapf(err, "bank %s: maxTransactionAmount", id)
		}
		cfg.ApplyDefaults()
		out[id] = cfg
	}
	return &Registry{banks: out}, nil
}

// BankConfig returns a copy of the configuration for bankID.
func (r *Registry) BankConfig(_ context.Context, bankID string) (*domain.BankConfig, error) {
	cfg, ok := r.banks[bankID]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "bank %q is not configured", bankID)
	}
	cfg.Scopes = append([]string(nil), cfg.Scopes...)
	cfg.Permissions = append([]domain.Permission(nil), cfg.Permissions...)
	cfg.CertificateFingerprints = append([]string(nil), cfg.CertificateFingerprints...)
	cfg.SupportedCurrencies = append([]string(nil), cfg.SupportedCurrencies...)
	return &cfg, nil
}

// IDs lists configured banks in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.banks))
	for id := range r.banks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// canonicalizeEnvKey maps BANKS_DEMO_CLIENTSECRET onto the existing
// banks.demo.clientSecret path, matching segments case-insensitively.
func canonicalizeEnvKey(rawKey string, existing map[string]any) string {
	segments := strings.Split(strings.ToLower(rawKey), "_")
	canonical := make([]string, 0, len(segments))
	current := existing

	for _, segment := range segments {
		if segment == "" {
			continue
		}
		if matched, next, ok := findExistingSegment(current, segment); ok {
			canonical = append(canonical, matched)
			current = next
		} else {
			canonical = append(canonical, segment)
			current = nil
		}
	}
	return strings.Join(canonical, ".")
}

func findExistingSegment(current map[string]any, segment string) (string, map[string]any, bool) {
	if len(current) == 0 {
		return "", nil, false
	}
	needle := normalizeToken(segment)
	for key, value := range current {
		if normalizeToken(key) != needle {
			continue
		}
		child, _ := value.(map[string]any)
		return key, child, true
	}
	return "", nil, false
}

func normalizeToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
