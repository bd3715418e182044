package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/wardenwallet/warden/bridge"
	"github.com/wardenwallet/warden/peer"
	"github.com/wardenwallet/warden/session"
	"github.com/wardenwallet/warden/settlement"
	"github.com/wardenwallet/warden/settlement/mocks"
	"github.com/wardenwallet/warden/wire"
)

const mockedChainID uint64 = 1337

// startMockedOrchestrator builds a registeree orchestrator around an
// arbitrary settlement registry, for failure paths the sim cannot produce.
func startMockedOrchestrator(
	t *testing.T,
	ctx context.Context,
	eg *errgroup.Group,
	cfg Config,
	chain settlement.Registry,
	canonical bridge.Reader,
	signer settlement.Signer,
) *orchestratorHarness {
	t.Helper()

	handlers := session.NewHandlerRegistry()
	sess, err := session.New(peer.NewMemoryNetwork().Channel("registeree"), handlers, session.DefaultConfig())
	require.NoError(t, err)
	store := newTestStore(t)

	orch := New(cfg, RoleRegisteree, ModeDirect, sess, chain, signer, canonical, store)
	RegistereeHandlers(handlers, orch)

	eg.Go(func() error { return sess.Run(ctx) })
	eg.Go(func() error { return orch.Run(ctx) })
	require.Eventually(t, orch.Running, 5*time.Second, time.Millisecond)
	return &orchestratorHarness{orch: orch, sess: sess, store: store}
}

func TestOrchestratorFailsWhenRegistryUnreachable(t *testing.T) {
	t.Parallel()
	ctx, cancel := testContext(t)
	eg, ctx := errgroup.WithContext(ctx)
	ctrl := gomock.NewController(t)

	signer, err := settlement.GenerateSigner()
	require.NoError(t, err)

	chain := mocks.NewMockRegistry(ctrl)
	chain.EXPECT().ChainID().Return(mockedChainID).AnyTimes()
	chain.EXPECT().Nonces(gomock.Any(), signer.Address()).Return(uint64(0), errors.New("rpc unavailable"))

	har := startMockedOrchestrator(t, ctx, eg, testOrchConfig(settlement.DefaultSimConfig()), chain, nil, signer)

	err = har.orch.Begin(ctx, wire.RegisterForm{Registeree: signer.Address(), ChainID: 17000})
	require.ErrorContains(t, err, "fetching nonce")
	require.Equal(t, StepFailed, har.orch.Step())

	// Nothing was signed, nothing stored.
	_, err = har.store.Signature(signer.Address(), mockedChainID, settlement.PhaseAcknowledgement)
	require.ErrorIs(t, err, ErrNotFound)

	cancel()
	require.NoError(t, eg.Wait())
}

func TestOrchestratorSignerFailureFailsTheFlow(t *testing.T) {
	t.Parallel()
	ctx, cancel := testContext(t)
	eg, ctx := errgroup.WithContext(ctx)
	ctrl := gomock.NewController(t)

	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	digest := common.HexToHash("0xd19e57")
	deadline := uint64(time.Now().Add(time.Hour).Unix())

	signer := mocks.NewMockSigner(ctrl)
	signer.EXPECT().Address().Return(owner).AnyTimes()
	signer.EXPECT().SignDigest(gomock.Any(), digest).Return(nil, errors.New("key store locked"))

	chain := mocks.NewMockRegistry(ctrl)
	chain.EXPECT().ChainID().Return(mockedChainID).AnyTimes()
	chain.EXPECT().Nonces(gomock.Any(), owner).Return(uint64(3), nil)
	chain.EXPECT().HashStruct(gomock.Any(), settlement.PhaseAcknowledgement, owner, owner, uint64(3), nil).
		Return(digest, deadline, nil)

	har := startMockedOrchestrator(t, ctx, eg, testOrchConfig(settlement.DefaultSimConfig()), chain, nil, signer)

	err := har.orch.Begin(ctx, wire.RegisterForm{Registeree: owner, ChainID: 17000})
	require.ErrorContains(t, err, "signing acknowledgement digest")
	require.Equal(t, StepFailed, har.orch.Step())

	cancel()
	require.NoError(t, eg.Wait())
}

func TestOrchestratorConfirmationFailureKeepsSignature(t *testing.T) {
	t.Parallel()
	ctx, cancel := testContext(t)
	eg, ctx := errgroup.WithContext(ctx)
	ctrl := gomock.NewController(t)

	signer, err := settlement.GenerateSigner()
	require.NoError(t, err)
	owner := signer.Address()
	deadline := uint64(time.Now().Add(time.Hour).Unix())
	txHash := common.HexToHash("0x7ead")

	var got settlement.SubmitParams
	chain := mocks.NewMockRegistry(ctrl)
	chain.EXPECT().ChainID().Return(mockedChainID).AnyTimes()
	chain.EXPECT().Nonces(gomock.Any(), owner).Return(uint64(0), nil)
	chain.EXPECT().HashStruct(gomock.Any(), settlement.PhaseAcknowledgement, owner, owner, uint64(0), nil).
		Return(common.HexToHash("0xd1"), deadline, nil)
	chain.EXPECT().SubmitAcknowledgement(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, p settlement.SubmitParams) (common.Hash, error) {
			got = p
			return txHash, nil
		})
	chain.EXPECT().WaitConfirmed(gomock.Any(), txHash).Return(nil, errors.New("backend dropped the tx"))

	har := startMockedOrchestrator(t, ctx, eg, testOrchConfig(settlement.DefaultSimConfig()), chain, nil, signer)

	err = har.orch.Begin(ctx, wire.RegisterForm{Registeree: owner, ChainID: 17000})
	require.ErrorContains(t, err, "awaiting acknowledgement confirmation")
	require.Equal(t, StepFailed, har.orch.Step())

	// The submitted params came straight from the stored authorization.
	sig, err := har.store.Signature(owner, mockedChainID, settlement.PhaseAcknowledgement)
	require.NoError(t, err)
	require.Equal(t, deadline, sig.Deadline)
	v, r, s, err := settlement.SplitSignature(sig.Signature)
	require.NoError(t, err)
	require.Equal(t, settlement.SubmitParams{
		Owner:     owner,
		Forwarder: owner,
		Deadline:  deadline,
		V:         v,
		R:         r,
		S:         s,
	}, got)

	cancel()
	require.NoError(t, eg.Wait())
}

func TestOrchestratorClaimWatchToleratesReadErrors(t *testing.T) {
	t.Parallel()
	ctx, cancel := testContext(t)
	eg, ctx := errgroup.WithContext(ctx)
	ctrl := gomock.NewController(t)

	simCfg := settlement.DefaultSimConfig()
	simCfg.ChainID = 31337
	simCfg.CanonicalChainID = 1
	simCfg.BlockTime = 5 * time.Millisecond
	simCfg.GracePeriod = 2
	simCfg.Window = 1000
	sim := settlement.NewSim(simCfg)
	eg.Go(func() error { return sim.Run(ctx) })

	// The canonical chain read flaps twice before the claim shows up.
	canonical := mocks.NewMockCanonicalReader(ctrl)
	canonical.EXPECT().IsRegistered(gomock.Any(), gomock.Any()).
		Return(false, errors.New("canonical rpc flap")).Times(2)
	canonical.EXPECT().IsRegistered(gomock.Any(), gomock.Any()).Return(true, nil)

	signer, err := settlement.GenerateSigner()
	require.NoError(t, err)
	har := startMockedOrchestrator(t, ctx, eg, testOrchConfig(simCfg), sim, canonical, signer)

	require.NoError(t, har.orch.Begin(ctx, wire.RegisterForm{Registeree: signer.Address(), ChainID: 17000}))
	expectSteps(t, har.orch, StepSigningAck, StepSubmittingAck, StepGracePeriod)
	expectSteps(t, har.orch, StepSigningReg, StepSubmittingReg, StepComplete)

	rec, err := har.orch.Record()
	require.NoError(t, err)
	require.False(t, rec.Unverified)
	require.NotEmpty(t, rec.BridgeMessageID)

	cancel()
	require.NoError(t, eg.Wait())
}
