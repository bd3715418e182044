// Package server assembles a warden node: settlement backend, peer host,
// session and orchestrator, composed under one errgroup with graceful
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/peer"
	"github.com/wardenwallet/warden/registry"
	"github.com/wardenwallet/warden/session"
	"github.com/wardenwallet/warden/settlement"
	"github.com/wardenwallet/warden/wire"
)

type Server struct {
	cfg    Config
	signer *settlement.LocalSigner
	sim    *settlement.Sim
	host   *peer.Host
	sess   *session.Session
	orch   *registry.Orchestrator
	store  *registry.Store

	metricsListener net.Listener
}

func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Role == registry.RoleRegisteree && cfg.Mode == registry.ModeRelayed {
		if cfg.Partner == "" {
			return nil, errors.New("relayed mode requires a partner peer id")
		}
		if cfg.RelayerAddress == (Address{}) {
			return nil, errors.New("relayed mode requires the relayer's settlement address")
		}
	}
	if len(cfg.BatchTxs) != len(cfg.BatchChains) {
		return nil, errors.New("batch-tx and batch-chain-id must be given pairwise")
	}

	var metricsListener net.Listener
	if cfg.MetricsPort != nil {
		addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf(":%d", *cfg.MetricsPort))
		if err != nil {
			return nil, err
		}
		metricsListener, err = net.Listen(addr.Network(), addr.String())
		if err != nil {
			return nil, fmt.Errorf("failed to listen: %w", err)
		}
	}

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
	}

	s, err := loadState(ctx, cfg.DataDir, os.Getenv(KeyEnvVar))
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if err := saveState(cfg.DataDir, s); err != nil {
		return nil, fmt.Errorf("saving state: %w", err)
	}
	key, err := s.key()
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	signer := settlement.NewLocalSigner(key)

	if cfg.IncidentChain == 0 {
		cfg.IncidentChain = cfg.Settlement.ChainID
	}
	// The simulated chain defines what counts as canonical.
	cfg.Registry.CanonicalChainID = cfg.Settlement.CanonicalChainID
	sim := settlement.NewSim(cfg.Settlement)

	host, err := peer.NewHost(ctx, cfg.P2P)
	if err != nil {
		return nil, fmt.Errorf("creating peer host: %w", err)
	}

	store, err := registry.OpenStore(cfg.DbDir)
	if err != nil {
		_ = host.Close()
		return nil, fmt.Errorf("opening db: %w", err)
	}

	handlers := session.NewHandlerRegistry()
	sess, err := session.New(host, handlers, cfg.Session)
	if err != nil {
		_ = host.Close()
		_ = store.Close()
		return nil, fmt.Errorf("creating session: %w", err)
	}

	orch := registry.New(cfg.Registry, cfg.Role, cfg.Mode, sess, sim, signer, sim, store)
	switch cfg.Role {
	case registry.RoleRegisteree:
		registry.RegistereeHandlers(handlers, orch)
	case registry.RoleRelayer:
		registry.RelayerHandlers(handlers, orch)
	}

	logging.FromContext(ctx).Info("node assembled",
		zap.Stringer("role", cfg.Role),
		zap.Stringer("mode", cfg.Mode),
		zap.String("address", signer.Address().Hex()),
		zap.String("peer_id", string(host.LocalID())),
		zap.Object("registry", cfg.Registry),
	)

	return &Server{
		cfg:    cfg,
		signer: signer,
		sim:    sim,
		host:   host,
		sess:   sess,
		orch:   orch,
		store:  store,

		metricsListener: metricsListener,
	}, nil
}

func (s *Server) Close() error {
	var result *multierror.Error
	result = multierror.Append(result, s.sess.Close())
	result = multierror.Append(result, s.store.Close())
	return result.ErrorOrNil()
}

// PeerID returns the identity other nodes put into their partner config.
func (s *Server) PeerID() peer.ID {
	return s.host.LocalID()
}

// P2PAddrs returns the host's dialable multiaddrs.
func (s *Server) P2PAddrs() []string {
	return s.host.Addrs()
}

// Address returns the node's settlement signing address.
func (s *Server) Address() common.Address {
	return s.signer.Address()
}

func (s *Server) Orchestrator() *registry.Orchestrator {
	return s.orch
}

// Start runs the node services until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)

	logger.Info("starting settlement chain")
	serverGroup.Go(func() error {
		return s.sim.Run(ctx)
	})

	logger.Info("starting session")
	serverGroup.Go(func() error {
		return s.sess.Run(ctx)
	})

	logger.Info("starting orchestrator")
	serverGroup.Go(func() error {
		return s.orch.Run(ctx)
	})

	serverGroup.Go(func() error {
		s.watchSteps(ctx, logger)
		return nil
	})

	var metricsServer *http.Server
	if s.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: time.Second * 5}
		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics listening on %s", s.metricsListener.Addr())
			err := metricsServer.Serve(s.metricsListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	if s.cfg.Role == registry.RoleRegisteree {
		serverGroup.Go(func() error {
			return s.launch(ctx)
		})
	}

	// Wait for the server to shut down gracefully
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown metrics server: %s", err)
		}
	}
	if err := serverGroup.Wait(); err != nil {
		logger.Sugar().Errorf("error when waiting to shutdown services: %s", err)
	}
	return nil
}

// launch opens the registration flow once the orchestrator loop is up. In
// relayed mode it introduces this node to the relayer first.
func (s *Server) launch(ctx context.Context) error {
	for !s.orch.Running() {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(50 * time.Millisecond):
		}
	}

	form := wire.RegisterForm{
		Registeree: s.signer.Address(),
		ChainID:    s.cfg.IncidentChain,
	}
	if t := s.cfg.IncidentAt; t != nil {
		at := t.Time()
		form.IncidentAt = &at
	}

	if s.cfg.Mode == registry.ModeRelayed {
		form.Relayer = s.cfg.RelayerAddress.Addr()

		// Dial with the relay retry budget; the relayer may still be coming up.
		logger := logging.FromContext(ctx)
		delay := s.cfg.Registry.Retry.BaseDelay
		for attempt := 0; ; attempt++ {
			err := s.sess.Connect(ctx, peer.ID(s.cfg.Partner), form)
			if err == nil {
				break
			}
			if attempt >= s.cfg.Registry.Retry.MaxRetries {
				return fmt.Errorf("connecting to relayer: %w", err)
			}
			logger.Warn("connecting to relayer failed, retrying",
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	if len(s.cfg.BatchTxs) > 0 {
		hashes := make([]common.Hash, len(s.cfg.BatchTxs))
		for i, h := range s.cfg.BatchTxs {
			hashes[i] = common.Hash(h)
		}
		if err := s.orch.SetBatch(hashes, s.cfg.BatchChains); err != nil {
			return fmt.Errorf("building batch: %w", err)
		}
	}

	if err := s.orch.Begin(ctx, form); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("starting registration: %w", err)
	}
	return nil
}

// watchSteps drains the orchestrator's transition feed into the log. The
// feed is buffered and drops when nobody reads it.
func (s *Server) watchSteps(ctx context.Context, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-s.orch.StepChanges():
			switch change.To {
			case registry.StepFailed:
				logger.Error("registration failed", zap.Stringer("from", change.From))
			case registry.StepComplete:
				logger.Info("registration complete", zap.Stringer("from", change.From))
				if rec, err := s.orch.Record(); err == nil {
					logger.Info("registration record",
						zap.String("acknowledgement_tx", rec.AcknowledgementHash.Hex()),
						zap.String("registration_tx", rec.RegistrationHash.Hex()),
						zap.Bool("unverified", rec.Unverified),
					)
				}
			default:
				logger.Info("step changed",
					zap.Stringer("from", change.From),
					zap.Stringer("to", change.To),
				)
			}
		}
	}
}
