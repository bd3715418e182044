package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/wardenwallet/warden/bridge"
	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/session"
	"github.com/wardenwallet/warden/settlement"
	"github.com/wardenwallet/warden/wire"
)

// RegistereeHandlers installs the registeree-side message handlers into reg.
func RegistereeHandlers(reg *session.HandlerRegistry, o *Orchestrator) {
	reg.Register(wire.KindConnect, o.onConnect)
	reg.Register(wire.KindAckRec, o.onReceipt)
	reg.Register(wire.KindRegRec, o.onReceipt)
	reg.Register(wire.KindAckPay, o.onPayment)
	reg.Register(wire.KindRegPay, o.onPayment)
}

// Begin starts the acknowledgement phase for form. In relayed mode the
// session must already be connected to the relayer named in the form.
func (o *Orchestrator) Begin(ctx context.Context, form wire.RegisterForm) error {
	if o.role != RoleRegisteree {
		return errors.New("only the registeree begins a registration")
	}
	if !o.Running() {
		return errNotRunning
	}
	if err := form.Validate(); err != nil {
		return fmt.Errorf("invalid form: %w", err)
	}
	if form.Registeree != o.signer.Address() {
		return fmt.Errorf("form registeree %s does not match signer %s",
			form.Registeree.Hex(), o.signer.Address().Hex())
	}
	if o.mode == ModeRelayed {
		if form.Relayer == (common.Address{}) {
			return errors.New("relayed mode requires a relayer address")
		}
		if o.sess.State() != session.Connected {
			return errors.New("session is not connected to the relayer")
		}
	}

	o.mu.Lock()
	o.form = &form
	o.resigns = 0
	o.mu.Unlock()

	if err := o.transition(ctx, StepSigningAck); err != nil {
		return err
	}
	return o.runPhase(ctx, settlement.PhaseAcknowledgement)
}

// ResendSignature pushes the stored signature for the current relaying step
// at the partner again. Manual retry after a delivery failure.
func (o *Orchestrator) ResendSignature(ctx context.Context) error {
	var phase settlement.Phase
	switch o.Step() {
	case StepRelayingAck:
		phase = settlement.PhaseAcknowledgement
	case StepRelayingReg:
		phase = settlement.PhaseRegistration
	default:
		return fmt.Errorf("no signature pending delivery in step %s", o.Step())
	}
	rec, err := o.store.Signature(o.ownerAddress(), o.chain.ChainID(), phase)
	if err != nil {
		return err
	}
	return o.relaySignature(ctx, phase, rec)
}

// runPhase signs the given phase, then submits or relays it depending on the
// mode. Assumes the signing step was already entered.
func (o *Orchestrator) runPhase(ctx context.Context, phase settlement.Phase) error {
	rec, err := o.signPhase(ctx, phase)
	if err != nil {
		_ = o.transition(ctx, StepFailed)
		return err
	}
	if o.mode == ModeDirect {
		if err := o.transition(ctx, submittingStep(phase)); err != nil {
			return err
		}
		return o.submitPhase(ctx, phase, rec)
	}
	if err := o.transition(ctx, relayingStep(phase)); err != nil {
		return err
	}
	return o.relaySignature(ctx, phase, rec)
}

// signPhase refetches the nonce and hash struct so the deadline is fresh,
// signs the digest and stores the authorization.
func (o *Orchestrator) signPhase(ctx context.Context, phase settlement.Phase) (*SignatureRecord, error) {
	o.mu.Lock()
	form := *o.form
	tree := o.tree
	o.mu.Unlock()

	owner := form.Registeree
	forwarder := owner
	if o.mode == ModeRelayed {
		forwarder = form.Relayer
	}
	var batchRoot *common.Hash
	if phase == settlement.PhaseRegistration && tree != nil {
		root := tree.Root()
		batchRoot = &root
	}

	nonce, err := o.chain.Nonces(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("fetching nonce: %w", err)
	}
	digest, deadline, err := o.chain.HashStruct(ctx, phase, owner, forwarder, nonce, batchRoot)
	if err != nil {
		return nil, fmt.Errorf("fetching %s hash struct: %w", phase, err)
	}
	sig, err := o.signer.SignDigest(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("signing %s digest: %w", phase, err)
	}

	rec := &SignatureRecord{
		Address:         owner,
		ChainID:         o.chain.ChainID(),
		Phase:           phase,
		Signature:       sig,
		Nonce:           nonce,
		Deadline:        deadline,
		BatchRoot:       batchRoot,
		ReportedChainID: form.ChainID,
		IncidentAt:      form.IncidentAt,
		StoredAt:        time.Now(),
	}
	if err := o.store.PutSignature(*rec); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("authorization signed",
		zap.Stringer("phase", phase), zap.Uint64("nonce", nonce), zap.Uint64("deadline", deadline))
	return rec, nil
}

// submitPhase writes the signed phase to the settlement chain and waits for
// its confirmation. A stale deadline reopens the signing step a bounded
// number of times.
func (o *Orchestrator) submitPhase(ctx context.Context, phase settlement.Phase, rec *SignatureRecord) error {
	logger := logging.FromContext(ctx)
	for attempt := 1; ; attempt++ {
		txHash, err := o.submit(ctx, phase, rec, rec.Address)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case errors.Is(err, settlement.ErrStaleDeadline):
			submissionsMetric.WithLabelValues(phase.String(), "stale").Inc()
			if attempt >= o.cfg.SigningAttempts {
				_ = o.transition(ctx, StepFailed)
				return fmt.Errorf("%w: deadline stale after %d signing attempts: %w", ErrSubmission, attempt, err)
			}
			logger.Warn("deadline went stale, signing again",
				zap.Stringer("phase", phase), zap.Int("attempt", attempt), zap.Error(err))
			if err := o.transition(ctx, signingStep(phase)); err != nil {
				return err
			}
			fresh, err := o.signPhase(ctx, phase)
			if err != nil {
				_ = o.transition(ctx, StepFailed)
				return err
			}
			rec = fresh
			if err := o.transition(ctx, submittingStep(phase)); err != nil {
				return err
			}
			continue
		case err != nil:
			submissionsMetric.WithLabelValues(phase.String(), "rejected").Inc()
			if phase == settlement.PhaseRegistration && o.expiredOnChain(ctx, rec.Address) {
				logger.Warn("registration window closed before submission", zap.Error(ErrWindowExpired))
				o.restartFromAcknowledgement(ctx)
				return fmt.Errorf("%w: %w", ErrWindowExpired, err)
			}
			// The stored signature survives the failure.
			_ = o.transition(ctx, StepFailed)
			return fmt.Errorf("%w: %w", ErrSubmission, err)
		}
		submissionsMetric.WithLabelValues(phase.String(), "submitted").Inc()

		conf, err := o.chain.WaitConfirmed(ctx, txHash)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_ = o.transition(ctx, StepFailed)
			return fmt.Errorf("awaiting %s confirmation: %w", phase, err)
		}
		logger.Info("submission confirmed", zap.Stringer("phase", phase),
			zap.Stringer("tx", conf.TxHash), zap.Uint64("block", conf.BlockNumber))
		return o.recordConfirmation(ctx, phase, conf)
	}
}

// relaySignature sends the stored authorization over the session. The step
// stays at the relaying step until the partner's receipt or payment arrives.
func (o *Orchestrator) relaySignature(ctx context.Context, phase settlement.Phase, rec *SignatureRecord) error {
	if err := o.sess.Send(ctx, o.authorizationPayload(phase, rec)); err != nil {
		return fmt.Errorf("sending %s signature: %w", phase, err)
	}
	logging.FromContext(ctx).Info("signature relayed", zap.Stringer("phase", phase))
	return nil
}

func (o *Orchestrator) authorizationPayload(phase settlement.Phase, rec *SignatureRecord) *wire.SignedAuthorization {
	sig := wire.Signature{
		Value:    rec.Signature,
		Deadline: rec.Deadline,
		Nonce:    rec.Nonce,
		Address:  rec.Address,
		ChainID:  rec.ChainID,
	}
	o.mu.Lock()
	tree := o.tree
	o.mu.Unlock()
	if phase == settlement.PhaseRegistration && tree != nil {
		fields := &wire.BatchFields{Root: tree.Root()}
		for _, leaf := range tree.OrderedLeaves() {
			fields.TxHashes = append(fields.TxHashes, leaf.TxHash)
			fields.ChainIDs = append(fields.ChainIDs, leaf.ChainID)
		}
		sig.Batch = fields
	}
	if phase == settlement.PhaseAcknowledgement {
		return wire.AckSignature(sig)
	}
	return wire.RegSignature(sig)
}

// recordConfirmation persists a confirmed phase and advances the step:
// acknowledgement opens the grace period, registration completes the flow or
// hands over to the cross-chain poller.
func (o *Orchestrator) recordConfirmation(ctx context.Context, phase settlement.Phase, conf *settlement.Confirmation) error {
	o.mu.Lock()
	o.resigns = 0
	o.mu.Unlock()

	owner := o.ownerAddress()
	rec, err := o.store.Record(owner)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = &RegistrationRecord{}
	case err != nil:
		return err
	}

	if phase == settlement.PhaseAcknowledgement {
		rec.AcknowledgementHash = conf.TxHash
		rec.AcknowledgementChainID = conf.ChainID
	} else {
		rec.RegistrationHash = conf.TxHash
		rec.RegistrationChainID = conf.ChainID
		rec.BridgeMessageID = conf.BridgeMessageID
	}
	if err := o.store.PutRecord(owner, *rec); err != nil {
		return err
	}

	if phase == settlement.PhaseAcknowledgement {
		if err := o.transition(ctx, StepGracePeriod); err != nil {
			return err
		}
		return o.spawn("grace-watch", o.watchGrace)
	}
	if rec.RegistrationChainID != o.cfg.CanonicalChainID {
		return o.startClaimWatch(ctx, rec)
	}
	return o.completeRegistration(ctx, false)
}

// watchGrace polls the settlement deadlines until the registration window
// opens or expires. Read errors are transient; the watcher keeps going.
func (o *Orchestrator) watchGrace(ctx context.Context) {
	logger := logging.FromContext(ctx)
	owner := o.ownerAddress()
	interval := o.cfg.GraceWatchInterval
	if interval <= 0 {
		interval = DefaultConfig().GraceWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		deadlines, err := o.chain.Deadlines(ctx, owner)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			logger.Warn("reading deadlines failed", zap.Error(err))
		case deadlines.IsExpired:
			logger.Warn("window expired before the registration was signed",
				zap.Uint64("current", deadlines.CurrentBlock),
				zap.Uint64("expiry", deadlines.ExpiryBlock),
				zap.Error(ErrWindowExpired))
			o.restartFromAcknowledgement(ctx)
			return
		case deadlines.WindowOpen():
			logger.Info("registration window open",
				zap.Uint64("current", deadlines.CurrentBlock),
				zap.Uint64("start", deadlines.StartBlock),
				zap.Duration("time_left", deadlines.TimeLeft))
			if err := o.beginRegistration(ctx); err != nil {
				logger.Error("registration phase failed", zap.Error(err))
			}
			return
		default:
			logger.Debug("inside grace period",
				zap.Uint64("current", deadlines.CurrentBlock),
				zap.Uint64("start", deadlines.StartBlock))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) beginRegistration(ctx context.Context) error {
	if err := o.transition(ctx, StepSigningReg); err != nil {
		return err
	}
	return o.runPhase(ctx, settlement.PhaseRegistration)
}

// restartFromAcknowledgement wipes the now useless signatures and record and
// runs the acknowledgement phase again with fresh deadlines.
func (o *Orchestrator) restartFromAcknowledgement(ctx context.Context) {
	logger := logging.FromContext(ctx)
	owner := o.ownerAddress()
	o.mu.Lock()
	o.resigns = 0
	o.mu.Unlock()
	if err := o.store.DeleteSignatures(owner, o.chain.ChainID()); err != nil {
		logger.Error("wiping signatures failed", zap.Error(err))
	}
	if err := o.store.DeleteRecord(owner); err != nil {
		logger.Error("clearing registration record failed", zap.Error(err))
	}
	if err := o.transition(ctx, StepSigningAck); err != nil {
		logger.Error("cannot reopen acknowledgement", zap.Error(err))
		return
	}
	if err := o.runPhase(ctx, settlement.PhaseAcknowledgement); err != nil {
		logger.Error("acknowledgement restart failed", zap.Error(err))
	}
}

func (o *Orchestrator) expiredOnChain(ctx context.Context, owner common.Address) bool {
	deadlines, err := o.chain.Deadlines(ctx, owner)
	return err == nil && deadlines.IsExpired
}

// onReceipt reacts to the relayer's receipt. Success receipts only confirm
// delivery; advancement rides on the payment carrying the transaction hash.
func (o *Orchestrator) onReceipt(ctx context.Context, _ *session.Session, payload wire.Payload) error {
	receipt := payload.(*wire.Receipt)
	phase := phaseForKind(receipt.Kind())
	logger := logging.FromContext(ctx).With(zap.Stringer("phase", phase))

	if receipt.Success {
		logger.Info("relayer stored the signature")
		return nil
	}

	logger.Warn("relayer reported failure", zap.String("reason", receipt.Message))
	if o.Step() != relayingStep(phase) {
		return nil
	}
	if phase == settlement.PhaseRegistration && o.expiredOnChain(ctx, o.ownerAddress()) {
		logger.Warn("registration window closed at the relayer", zap.Error(ErrWindowExpired))
		o.restartFromAcknowledgement(ctx)
		return nil
	}

	o.mu.Lock()
	o.resigns++
	resigns := o.resigns
	o.mu.Unlock()
	if resigns >= o.cfg.SigningAttempts {
		_ = o.transition(ctx, StepFailed)
		return fmt.Errorf("%w: relayer rejected the signature %d times: %s", ErrSubmission, resigns, receipt.Message)
	}
	if err := o.transition(ctx, signingStep(phase)); err != nil {
		return err
	}
	return o.runPhase(ctx, phase)
}

// onPayment reacts to the relayer's confirmed transaction hash.
func (o *Orchestrator) onPayment(ctx context.Context, _ *session.Session, payload wire.Payload) error {
	pay := payload.(*wire.Payment)
	phase := phaseForKind(pay.Kind())
	logger := logging.FromContext(ctx).With(zap.Stringer("phase", phase), zap.Stringer("tx", pay.Hash))

	if o.Step() != relayingStep(phase) {
		logger.Debug("ignoring payment outside the relaying step", zap.Stringer("step", o.Step()))
		return nil
	}
	logger.Info("submission confirmed by relayer", zap.Uint64("tx_chain_id", pay.TxChainID))
	conf := &settlement.Confirmation{
		TxHash:          pay.Hash,
		ChainID:         pay.TxChainID,
		BridgeMessageID: pay.MessageID,
	}
	return o.recordConfirmation(ctx, phase, conf)
}

// startClaimWatch polls the canonical chain for the cross-chain registration
// claim. A confirmed claim completes the flow verified; a polling timeout
// completes it unverified and keeps watching for a late confirmation.
func (o *Orchestrator) startClaimWatch(ctx context.Context, rec *RegistrationRecord) error {
	if o.canonical == nil {
		return errors.New("no canonical chain reader configured")
	}
	o.mu.Lock()
	tree := o.tree
	o.mu.Unlock()

	content := rec.AcknowledgementHash
	if tree != nil {
		content = tree.Root()
	}
	claim := settlement.ClaimID(content, o.ownerAddress(), rec.RegistrationChainID)
	poller := bridge.NewPoller(o.canonical, claim, o.cfg.Bridge)

	if err := o.spawn("claim-poll", func(ctx context.Context) {
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.FromContext(ctx).Error("claim poller stopped", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	return o.spawn("claim-watch", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case state := <-poller.Updates():
				switch state.Status {
				case bridge.StatusConfirmed:
					if err := o.completeRegistration(ctx, false); err != nil {
						logging.FromContext(ctx).Error("completing registration failed", zap.Error(err))
					}
					return
				case bridge.StatusTimeout:
					if err := o.completeRegistration(ctx, true); err != nil {
						logging.FromContext(ctx).Error("completing registration failed", zap.Error(err))
					}
					// Keep watching; a late confirmation clears the flag.
				}
			}
		}
	})
}

// completeRegistration marks the record verified or unverified and enters
// Complete exactly once. Later calls only update the record.
func (o *Orchestrator) completeRegistration(ctx context.Context, unverified bool) error {
	owner := o.ownerAddress()
	rec, err := o.store.Record(owner)
	if err != nil {
		return err
	}
	rec.Unverified = unverified
	if err := o.store.PutRecord(owner, *rec); err != nil {
		return err
	}

	o.mu.Lock()
	already := o.completed
	o.completed = true
	o.mu.Unlock()
	if already {
		if !unverified {
			logging.FromContext(ctx).Info("late canonical confirmation, record now verified")
		}
		return nil
	}
	if unverified {
		logging.FromContext(ctx).Warn("registration complete but unverified on the canonical chain",
			zap.Error(bridge.ErrCrossChainTimeout))
	}
	return o.transition(ctx, StepComplete)
}
