// Command rehearse runs both sides of a registration in one process: the
// registeree and the relayer talk over an in-memory channel and settle on a
// simulated chain. Every step transition is printed and the run ends when
// the registeree's flow completes.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/peer"
	"github.com/wardenwallet/warden/registry"
	"github.com/wardenwallet/warden/session"
	"github.com/wardenwallet/warden/settlement"
	"github.com/wardenwallet/warden/wire"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		os.Exit(1)
	}

	if err := rehearse(cfg); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type node struct {
	orch *registry.Orchestrator
	sess *session.Session
}

func rehearse(cfg *config) error {
	if cfg.BlockTime <= 0 {
		return errors.New("block-time must be positive")
	}

	logLevel := zap.WarnLevel
	if cfg.Debug {
		logLevel = zap.DebugLevel
	}
	logger := logging.New(logLevel, "", false)
	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), logger))
	defer cancel()

	simCfg := settlement.DefaultSimConfig()
	simCfg.BlockTime = cfg.BlockTime
	simCfg.GracePeriod = cfg.GracePeriod
	simCfg.Window = cfg.Window
	if cfg.CrossChain {
		simCfg.CanonicalChainID = 1
		simCfg.CanonicalDelay = 2 * cfg.BlockTime
	}
	sim := settlement.NewSim(simCfg)

	orchCfg := registry.DefaultConfig()
	orchCfg.CanonicalChainID = simCfg.CanonicalChainID
	orchCfg.GraceWatchInterval = cfg.BlockTime / 2
	orchCfg.Bridge.PollInterval = cfg.BlockTime / 2
	orchCfg.Retry.BaseDelay = cfg.BlockTime

	mode := registry.ModeRelayed
	if cfg.Direct {
		mode = registry.ModeDirect
	}

	regSigner, err := settlement.GenerateSigner()
	if err != nil {
		return err
	}

	mem := peer.NewMemoryNetwork()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return sim.Run(ctx) })

	registeree, err := newNode(mem.Channel("registeree"), registry.RoleRegisteree, mode, orchCfg, sim, regSigner)
	if err != nil {
		return err
	}
	eg.Go(func() error { return registeree.sess.Run(ctx) })
	eg.Go(func() error { return registeree.orch.Run(ctx) })

	var relayer *node
	var relayerAddr common.Address
	if !cfg.Direct {
		relSigner, err := settlement.GenerateSigner()
		if err != nil {
			return err
		}
		relayerAddr = relSigner.Address()
		relayer, err = newNode(mem.Channel("relayer"), registry.RoleRelayer, registry.ModeDirect, orchCfg, sim, relSigner)
		if err != nil {
			return err
		}
		eg.Go(func() error { return relayer.sess.Run(ctx) })
		eg.Go(func() error { return relayer.orch.Run(ctx) })
	}

	for !running(registeree, relayer) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	form := wire.RegisterForm{
		Registeree: regSigner.Address(),
		Relayer:    relayerAddr,
		ChainID:    simCfg.ChainID,
	}
	if !cfg.Direct {
		if err := registeree.sess.Connect(ctx, "relayer", form); err != nil {
			return err
		}
	}
	if cfg.Batch > 0 {
		hashes, chains, err := randomBatch(cfg.Batch, simCfg.ChainID)
		if err != nil {
			return err
		}
		if err := registeree.orch.SetBatch(hashes, chains); err != nil {
			return err
		}
	}

	if err := registeree.orch.Begin(ctx, form); err != nil {
		return fmt.Errorf("starting registration: %w", err)
	}

	var relayerSteps <-chan registry.StepChange
	if relayer != nil {
		relayerSteps = relayer.orch.StepChanges()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-registeree.orch.StepChanges():
			fmt.Printf("registeree  %-26s -> %s\n", c.From, c.To)
			switch c.To {
			case registry.StepFailed:
				return errors.New("registration failed")
			case registry.StepComplete:
				drainSteps("relayer", relayerSteps)
				if err := report(registeree.orch); err != nil {
					return err
				}
				cancel()
				return eg.Wait()
			}
		case c := <-relayerSteps:
			fmt.Printf("relayer     %-26s -> %s\n", c.From, c.To)
		}
	}
}

// newNode wires one side: a session over the in-memory channel, a memory
// backed store and an orchestrator with the role's handlers installed.
func newNode(
	channel *peer.MemoryChannel,
	role registry.Role,
	mode registry.Mode,
	cfg registry.Config,
	sim *settlement.Sim,
	signer *settlement.LocalSigner,
) (*node, error) {
	store, err := registry.NewMemStore()
	if err != nil {
		return nil, err
	}
	handlers := session.NewHandlerRegistry()
	sess, err := session.New(channel, handlers, session.DefaultConfig())
	if err != nil {
		return nil, err
	}
	orch := registry.New(cfg, role, mode, sess, sim, signer, sim, store)
	switch role {
	case registry.RoleRegisteree:
		registry.RegistereeHandlers(handlers, orch)
	case registry.RoleRelayer:
		registry.RelayerHandlers(handlers, orch)
	}
	return &node{orch: orch, sess: sess}, nil
}

func running(nodes ...*node) bool {
	for _, n := range nodes {
		if n != nil && !n.orch.Running() {
			return false
		}
	}
	return true
}

func randomBatch(n uint, chainID uint64) ([]common.Hash, []uint64, error) {
	hashes := make([]common.Hash, n)
	chains := make([]uint64, n)
	for i := range hashes {
		if _, err := rand.Read(hashes[i][:]); err != nil {
			return nil, nil, err
		}
		chains[i] = chainID
	}
	return hashes, chains, nil
}

// drainSteps prints transitions already queued on ch without waiting for
// more. The relayer finishes before the registeree, so its last transitions
// may still be buffered when the run ends.
func drainSteps(name string, ch <-chan registry.StepChange) {
	for {
		select {
		case c := <-ch:
			fmt.Printf("%-11s %-26s -> %s\n", name, c.From, c.To)
		default:
			return
		}
	}
}

func report(orch *registry.Orchestrator) error {
	rec, err := orch.Record()
	if err != nil {
		return fmt.Errorf("reading registration record: %w", err)
	}
	fmt.Println()
	fmt.Println("registration complete")
	fmt.Printf("  acknowledgement tx: %s (chain %d)\n", rec.AcknowledgementHash.Hex(), rec.AcknowledgementChainID)
	fmt.Printf("  registration tx:    %s (chain %d)\n", rec.RegistrationHash.Hex(), rec.RegistrationChainID)
	if rec.BridgeMessageID != "" {
		fmt.Printf("  bridge message:     %s\n", rec.BridgeMessageID)
	}
	fmt.Printf("  verified:           %t\n", !rec.Unverified)
	return nil
}
