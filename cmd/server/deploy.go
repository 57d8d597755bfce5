package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/slippage-rewards/internal/circuitbreaker"
	"github.com/yourorg/slippage-rewards/internal/config"
	"github.com/yourorg/slippage-rewards/internal/events"
	"github.com/yourorg/slippage-rewards/internal/ledger"
	"github.com/yourorg/slippage-rewards/internal/oracle"
	"github.com/yourorg/slippage-rewards/internal/pool"
	"github.com/yourorg/slippage-rewards/internal/registry"
	"github.com/yourorg/slippage-rewards/internal/timelock"
)

// Contract addresses are derived from the owner like CREATE addresses, in deployment order
const (
	nonceToken uint64 = iota
	nonceGate
	noncePool
	nonceRegistry
)

// deployment is the in-process pool/registry pair and everything it runs against
type deployment struct {
	owner    common.Address
	bank     *ledger.Bank
	token    *ledger.ERC20
	gate     *timelock.Timelock
	pool     *pool.CompensationPool
	registry *registry.PredictionRegistry
}

// deploy creates the settlement token, the delay gate and both contracts, binds the pool to the
// registry through the owner path and applies the genesis allocations and pool seed
func deploy(ctx context.Context, cfg config.Config, owner common.Address, log *events.Log, now func() time.Time, onTrip func(string, circuitbreaker.Reading)) (*deployment, error) {
	d := &deployment{
		owner: owner,
		bank:  ledger.NewBank(),
		token: ledger.NewERC20(crypto.CreateAddress(owner, nonceToken), "USDC", 18),
	}
	d.bank.RegisterToken(d.token)

	d.gate = timelock.New(timelock.Config{
		Address:  crypto.CreateAddress(owner, nonceGate),
		Admin:    owner,
		MinDelay: cfg.TimelockMinDelay,
		Clock:    now,
		Events:   log,
	})

	var feed oracle.Feed
	if cfg.OracleURL != "" {
		feed = newHTTPFeed(cfg, cfg.OracleURL, now, onTrip)
	} else {
		feed = oracle.NewStaticFeed("dev")
		logrus.Warn("ORACLE_URL not set, using a static oracle feed settable by the owner")
	}

	var err error
	d.pool, err = pool.New(pool.Config{
		Address:    crypto.CreateAddress(owner, noncePool),
		Owner:      owner,
		Settlement: d.token,
		Assets:     d.bank,
		Gate:       d.gate,
		Events:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("deploy pool: %w", err)
	}

	d.registry, err = registry.New(registry.Config{
		Address:      crypto.CreateAddress(owner, nonceRegistry),
		Owner:        owner,
		Relayer:      cfg.Relayer,
		Pool:         d.pool,
		Settlement:   d.token,
		Feed:         feed,
		Gate:         d.gate,
		LockFee:      cfg.LockFee,
		MaxOracleAge: cfg.OracleMaxAge,
		Clock:        now,
		Events:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("deploy registry: %w", err)
	}

	for _, target := range []timelock.Target{d.pool, d.registry} {
		if err := d.gate.RegisterTarget(owner, target); err != nil {
			return nil, fmt.Errorf("register timelock target: %w", err)
		}
	}
	if err := d.pool.ExecuteSetRegistry(ctx, owner, d.registry.Address()); err != nil {
		return nil, fmt.Errorf("bind registry: %w", err)
	}

	for holder, amount := range cfg.GenesisAllocations {
		if err := d.token.Mint(holder, amount); err != nil {
			return nil, fmt.Errorf("genesis allocation for %s: %w", holder.Hex(), err)
		}
	}
	if cfg.PoolSeed != nil && cfg.PoolSeed.Sign() > 0 {
		if err := d.seedPool(ctx, cfg.PoolSeed); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"owner":    owner.Hex(),
		"token":    d.token.Address().Hex(),
		"timelock": d.gate.Address().Hex(),
		"pool":     d.pool.Address().Hex(),
		"registry": d.registry.Address().Hex(),
		"relayer":  cfg.Relayer.Hex(),
		"feed":     feed.Source(),
	}).Info("Contracts deployed")
	return d, nil
}

// seedPool mints amount to the owner and deposits it through the regular approve/deposit path
func (d *deployment) seedPool(ctx context.Context, amount *big.Int) error {
	if err := d.token.Mint(d.owner, amount); err != nil {
		return fmt.Errorf("seed pool: %w", err)
	}
	if err := d.token.Approve(ctx, d.owner, d.pool.Address(), amount); err != nil {
		return fmt.Errorf("seed pool: %w", err)
	}
	if err := d.pool.Deposit(ctx, d.owner, amount); err != nil {
		return fmt.Errorf("seed pool: %w", err)
	}
	return nil
}

func newHTTPFeed(cfg config.Config, url string, now func() time.Time, onTrip func(string, circuitbreaker.Reading)) *oracle.HTTPFeed {
	breaker := circuitbreaker.New(circuitbreaker.DefaultThresholds()).
		WithResetDelay(cfg.CircuitResetDelay).
		WithClock(now)
	if onTrip != nil {
		breaker.WithTripCallback(onTrip)
	}
	return oracle.NewHTTPFeed(url).WithAPIKey(cfg.OracleAPIKey).WithBreaker(breaker)
}
