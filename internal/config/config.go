// Package config provides configuration loading for the prediction service.
// Values come from the environment, optionally layered over a JSON file with the same keys.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/slippage-rewards/internal/types"
)

var ErrInvalid = errors.New("config: invalid value")

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Hex secp256k1 key of the deploying owner. Empty generates an ephemeral key.
	OwnerPrivateKey string
	Relayer         common.Address

	// Remote oracle; empty uses a settable static feed
	OracleURL         string
	OracleAPIKey      string
	OracleMaxAge      time.Duration
	CircuitResetDelay time.Duration

	TimelockMinDelay time.Duration
	LockFee          *big.Int

	// Empty keeps the event log in memory only
	JournalPath string

	GenesisAllocations map[common.Address]*big.Int
	PoolSeed           *big.Int

	SignatureValidity time.Duration
	RateLimitRPS      float64
	RateLimitBurst    int

	WebhookURL       string
	WebhookAPIKey    string
	ExportInterval   time.Duration
	ExportBatchSize  int
	ExportMaxPending int

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	LogFormat string
	LogLevel  string
}

// Load creates a Config from environment variables
func Load() (Config, error) {
	return load(nil)
}

// LoadFile reads a flat JSON object keyed like the environment variables, then applies
// environment overrides on top of it
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	file := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			file[k] = s
			continue
		}
		file[k] = strings.TrimSpace(string(v))
	}

	cfg, err := load(file)
	if err != nil {
		return Config{}, err
	}
	logrus.Infof("Loaded configuration from %s", path)
	return cfg, nil
}

func load(file map[string]string) (Config, error) {
	l := &loader{file: file}

	cfg := Config{
		Port:               l.str("PORT", "8080"),
		OwnerPrivateKey:    l.str("OWNER_PRIVATE_KEY", ""),
		Relayer:            l.address("RELAYER_ADDRESS"),
		OracleURL:          l.str("ORACLE_URL", ""),
		OracleAPIKey:       l.str("ORACLE_API_KEY", ""),
		OracleMaxAge:       l.duration("ORACLE_MAX_AGE", 0),
		CircuitResetDelay:  l.duration("CIRCUIT_RESET_DELAY", 5*time.Minute),
		TimelockMinDelay:   l.duration("TIMELOCK_MIN_DELAY", 72*time.Hour),
		LockFee:            l.amount("LOCK_FEE", nil),
		JournalPath:        l.str("JOURNAL_PATH", ""),
		GenesisAllocations: l.allocations("GENESIS_ALLOCATIONS"),
		PoolSeed:           l.amount("POOL_SEED", new(big.Int)),
		SignatureValidity:  l.duration("SIGNATURE_VALIDITY", 5*time.Minute),
		RateLimitRPS:       l.decimal("RATE_LIMIT_RPS", 10),
		RateLimitBurst:     l.integer("RATE_LIMIT_BURST", 20),
		WebhookURL:         l.str("WEBHOOK_URL", ""),
		WebhookAPIKey:      l.str("WEBHOOK_API_KEY", ""),
		ExportInterval:     l.duration("EXPORT_INTERVAL", time.Minute),
		ExportBatchSize:    l.integer("EXPORT_BATCH_SIZE", 100),
		ExportMaxPending:   l.integer("EXPORT_MAX_PENDING", 0),
		OtelEndpoint:       l.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogFormat:          strings.ToLower(l.str("LOG_FORMAT", "text")),
		LogLevel:           strings.ToLower(l.str("LOG_LEVEL", "info")),
	}

	if len(l.errs) > 0 {
		return Config{}, errors.Join(l.errs...)
	}
	return cfg, nil
}

// loader resolves keys from the environment first, then the file
type loader struct {
	file map[string]string
	errs []error
}

func (l *loader) lookup(key string) (string, bool) {
	if v, ok := GetEnv(key); ok && v != "" {
		return v, true
	}
	v, ok := l.file[key]
	return v, ok && v != ""
}

func (l *loader) fail(key, value string, err error) {
	l.errs = append(l.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, value, err))
}

func (l *loader) str(key, def string) string {
	if v, ok := l.lookup(key); ok {
		return v
	}
	return def
}

func (l *loader) integer(key string, def int) int {
	if v, ok := l.lookup(key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		} else {
			logrus.Warnf("Invalid integer in %s: %v, using default: %v", key, err, def)
		}
	}
	return def
}

func (l *loader) decimal(key string, def float64) float64 {
	if v, ok := l.lookup(key); ok {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		} else {
			logrus.Warnf("Invalid float in %s: %v, using default: %v", key, err, def)
		}
	}
	return def
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	if v, ok := l.lookup(key); ok {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		} else {
			logrus.Warnf("Invalid duration in %s: %v, using default: %v", key, err, def)
		}
	}
	return def
}

func (l *loader) address(key string) common.Address {
	v, ok := l.lookup(key)
	if !ok {
		return common.Address{}
	}
	if !common.IsHexAddress(v) {
		l.fail(key, v, errors.New("not a hex address"))
		return common.Address{}
	}
	return common.HexToAddress(v)
}

func (l *loader) amount(key string, def *big.Int) *big.Int {
	v, ok := l.lookup(key)
	if !ok {
		return def
	}
	amt, err := ParseAmount(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return amt
}

func (l *loader) allocations(key string) map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int)
	v, ok := l.lookup(key)
	if !ok {
		return out
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(v), &raw); err != nil {
		l.fail(key, v, err)
		return out
	}
	for addr, amt := range raw {
		if !common.IsHexAddress(addr) {
			l.fail(key, addr, errors.New("not a hex address"))
			continue
		}
		parsed, err := ParseAmount(amt)
		if err != nil {
			l.fail(key, amt, err)
			continue
		}
		out[common.HexToAddress(addr)] = parsed
	}
	return out
}

// ParseAmount parses a non-negative decimal amount in raw units, bounded by types.UpperBound
func ParseAmount(s string) (*big.Int, error) {
	amt, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal integer: %q", s)
	}
	if amt.Sign() < 0 || amt.Cmp(types.UpperBound) > 0 {
		return nil, fmt.Errorf("amount out of range: %s", amt)
	}
	return amt, nil
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}
