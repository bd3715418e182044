package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wardenwallet/warden/batch"
	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/session"
	"github.com/wardenwallet/warden/settlement"
	"github.com/wardenwallet/warden/wire"
)

// RelayerHandlers installs the relayer-side message handlers into reg.
func RelayerHandlers(reg *session.HandlerRegistry, o *Orchestrator) {
	reg.Register(wire.KindConnect, o.onConnect)
	reg.Register(wire.KindAckSig, o.onSignature)
	reg.Register(wire.KindRegSig, o.onSignature)
}

// onSignature stores a counterpart signature, confirms its receipt and
// submits it to the settlement chain. Anything wrong with the signature
// yields a failure receipt instead of an error back into the session.
func (o *Orchestrator) onSignature(ctx context.Context, s *session.Session, payload wire.Payload) error {
	auth := payload.(*wire.SignedAuthorization)
	phase := phaseForKind(auth.Kind())
	logger := logging.FromContext(ctx).With(zap.Stringer("phase", phase))

	form := s.Form()
	if form == nil {
		return o.rejectSignature(ctx, s, phase, "no registration form on this session")
	}
	if auth.Signature.Address != form.Registeree {
		return o.rejectSignature(ctx, s, phase, fmt.Sprintf(
			"signer %s does not match registeree %s",
			auth.Signature.Address.Hex(), form.Registeree.Hex()))
	}
	if auth.Signature.ChainID != o.chain.ChainID() {
		return o.rejectSignature(ctx, s, phase, fmt.Sprintf(
			"signature bound to chain %d, submitting on chain %d",
			auth.Signature.ChainID, o.chain.ChainID()))
	}
	if b := auth.Signature.Batch; b != nil {
		leaves, err := batch.Zip(b.TxHashes, b.ChainIDs)
		if err != nil {
			return o.rejectSignature(ctx, s, phase, err.Error())
		}
		tree, err := batch.Build(leaves)
		if err != nil {
			return o.rejectSignature(ctx, s, phase, err.Error())
		}
		if tree.Root() != b.Root {
			return o.rejectSignature(ctx, s, phase, "batch root does not match its leaves")
		}
	}

	if err := o.transition(ctx, submittingStep(phase)); err != nil {
		return o.rejectSignature(ctx, s, phase, fmt.Sprintf("not ready for a %s signature", phase))
	}

	rec := &SignatureRecord{
		Address:         auth.Signature.Address,
		ChainID:         auth.Signature.ChainID,
		Phase:           phase,
		Signature:       auth.Signature.Value,
		Nonce:           auth.Signature.Nonce,
		Deadline:        auth.Signature.Deadline,
		ReportedChainID: form.ChainID,
		IncidentAt:      form.IncidentAt,
		StoredAt:        time.Now(),
	}
	if b := auth.Signature.Batch; b != nil {
		root := b.Root
		rec.BatchRoot = &root
	}
	if err := o.store.PutSignature(*rec); err != nil {
		if terr := o.transition(ctx, waitingStep(phase)); terr != nil {
			logger.Error("cannot return to waiting step", zap.Error(terr))
		}
		_ = o.rejectSignature(ctx, s, phase, "storing the signature failed")
		return err
	}
	logger.Info("counterpart signature stored",
		zap.String("registeree", rec.Address.Hex()), zap.Uint64("nonce", rec.Nonce))

	if err := s.Send(ctx, receiptPayload(phase, true, "")); err != nil {
		// The submission still proceeds; the payment will confirm it.
		logger.Warn("failed to deliver receipt", zap.Error(err))
	}
	return o.submitForCounterpart(ctx, s, phase, rec)
}

func (o *Orchestrator) rejectSignature(ctx context.Context, s *session.Session, phase settlement.Phase, reason string) error {
	logging.FromContext(ctx).Warn("rejecting counterpart signature",
		zap.Stringer("phase", phase), zap.String("reason", reason))
	return s.Send(ctx, receiptPayload(phase, false, reason))
}

// submitForCounterpart performs the settlement write for the stored
// counterpart signature and relays the confirmed transaction hash back. A
// rejected write notifies the partner and reopens the waiting step so a
// fresh signature can be accepted.
func (o *Orchestrator) submitForCounterpart(ctx context.Context, s *session.Session, phase settlement.Phase, rec *SignatureRecord) error {
	logger := logging.FromContext(ctx).With(zap.Stringer("phase", phase))

	txHash, err := o.submit(ctx, phase, rec, o.signer.Address())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		submissionsMetric.WithLabelValues(phase.String(), submitResult(err)).Inc()
		return o.failCounterpartSubmission(ctx, s, phase, err)
	}
	submissionsMetric.WithLabelValues(phase.String(), "submitted").Inc()

	conf, err := o.chain.WaitConfirmed(ctx, txHash)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.failCounterpartSubmission(ctx, s, phase, err)
	}
	logger.Info("counterpart submission confirmed",
		zap.Stringer("tx", conf.TxHash), zap.Uint64("block", conf.BlockNumber))

	next := StepGracePeriod
	if phase == settlement.PhaseRegistration {
		next = StepComplete
	}
	if err := o.transition(ctx, next); err != nil {
		return err
	}
	return o.startRelay(ctx, paymentPayload(phase, conf))
}

func (o *Orchestrator) failCounterpartSubmission(ctx context.Context, s *session.Session, phase settlement.Phase, err error) error {
	logger := logging.FromContext(ctx).With(zap.Stringer("phase", phase))
	logger.Warn("counterpart submission failed", zap.Error(err))
	if sendErr := s.Send(ctx, receiptPayload(phase, false, err.Error())); sendErr != nil {
		logger.Warn("failed to deliver failure notice", zap.Error(sendErr))
	}
	if terr := o.transition(ctx, waitingStep(phase)); terr != nil {
		logger.Error("cannot return to waiting step", zap.Error(terr))
	}
	return fmt.Errorf("%w: %w", ErrSubmission, err)
}

// waitingStep is where the relayer sits between counterpart signatures.
func waitingStep(phase settlement.Phase) Step {
	if phase == settlement.PhaseAcknowledgement {
		return StepFormEntry
	}
	return StepGracePeriod
}

func submitResult(err error) string {
	if errors.Is(err, settlement.ErrStaleDeadline) {
		return "stale"
	}
	return "rejected"
}
