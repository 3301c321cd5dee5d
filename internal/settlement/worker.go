// Package settlement applies queued transfer intents to the ledger. Each
// intent moves its transaction from Unconfirmed to Confirmed or Rejected
// exactly once, however many times it is delivered.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/custody-ledger/internal/currency"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/queue"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/signature"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StateCache receives post-commit balances and states. Failures are logged
// only.
type StateCache interface {
	CacheBalance(ctx context.Context, userID string, cur currency.Currency, bal decimal.Decimal) error
	CacheTransactionState(ctx context.Context, txID string, state model.TransactionState) error
}

// Outcome describes what one delivery did.
type Outcome struct {
	TransactionID string
	State         model.TransactionState
	Reason        string
	// Duplicate is set when the transaction was already terminal and nothing
	// changed.
	Duplicate bool
}

// Worker settles intents. It holds no per-intent state, so any number of
// workers may share one ledger.
type Worker struct {
	ledger  repo.LedgerGateway
	cache   StateCache
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	audit   *zap.SugaredLogger
	now     func() time.Time
}

// NewWorker wires a worker. cache may be nil.
func NewWorker(ledger repo.LedgerGateway, cache StateCache, m *metrics.Metrics, logger *zap.SugaredLogger) *Worker {
	return &Worker{
		ledger:  ledger,
		cache:   cache,
		metrics: m,
		log:     logger,
		audit:   logger.Named("settlement"),
		now:     time.Now,
	}
}

// Handle adapts Settle to queue.Handler: only infrastructure faults are
// returned, which leaves the message for redelivery.
func (w *Worker) Handle(ctx context.Context, intent queue.TransferIntent) error {
	_, err := w.Settle(ctx, intent)
	return err
}

// verdict is the result of checking an intent against its locked rows.
type verdict struct {
	cur      currency.Currency
	amount   decimal.Decimal
	src, dst *model.Wallet
	fault    *Fault
}

// Settle runs one intent inside a single database transaction holding the
// transaction row lock. The returned error is non-nil only for
// Infrastructure faults.
func (w *Worker) Settle(ctx context.Context, intent queue.TransferIntent) (Outcome, error) {
	start := w.now()
	out := Outcome{TransactionID: intent.Identifier}
	var (
		txn *model.Transaction
		v   verdict
	)

	err := w.ledger.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = w.ledger.LoadTransactionForUpdate(ctx, tx, intent.Identifier)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return reject(Consistency, ReasonTransactionNotFound, err)
			}
			return infra("load_transaction", err)
		}
		if txn.State.Terminal() {
			out.State, out.Duplicate = txn.State, true
			return nil
		}

		v = w.evaluate(ctx, tx, intent, txn)
		if v.fault != nil && v.fault.Retryable() {
			return v.fault
		}

		state := model.StateConfirmed
		src, dst := v.src, v.dst
		if v.fault != nil {
			state = model.StateRejected
			reason := v.fault.Reason
			txn.RejectReason = &reason
			src, dst = nil, nil
		}
		if err := w.ledger.CommitTransfer(ctx, tx, src, dst, txn, state, w.now()); err != nil {
			if errors.Is(err, repo.ErrAlreadySettled) {
				return err
			}
			return infra("commit", err)
		}
		out.State = state
		if v.fault != nil {
			out.Reason = v.fault.Reason
		}
		return nil
	})

	var fault *Fault
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrAlreadySettled):
		out.Duplicate = true
	case errors.As(err, &fault) && fault.Kind == Consistency:
		// nothing to reject: the row the intent points at does not exist
		w.log.Errorw("intent for unknown transaction dropped", "transaction", intent.Identifier, "error", err)
		out.Reason = fault.Reason
		w.metrics.SettlementOutcomes.WithLabelValues(currencyLabel(intent.Currency), "Dropped", fault.Reason).Inc()
		return out, nil
	default:
		stage := "unknown"
		if errors.As(err, &fault) {
			stage = fault.Reason
		}
		w.metrics.InfraFaults.WithLabelValues(stage).Inc()
		w.log.Warnw("settlement deferred", "transaction", intent.Identifier, "stage", stage, "error", err)
		return out, err
	}

	if out.Duplicate {
		w.metrics.DuplicateDeliveries.Inc()
		w.log.Infow("duplicate delivery acknowledged", "transaction", intent.Identifier, "state", out.State)
		return out, nil
	}

	w.afterCommit(ctx, intent, txn, v, out)
	w.metrics.SettlementDuration.WithLabelValues(txn.Currency.String()).Observe(w.now().Sub(start).Seconds())
	return out, nil
}

// currencyLabel keeps metric label values to the supported set.
func currencyLabel(tag string) string {
	cur, err := currency.Parse(tag)
	if err != nil {
		return "unknown"
	}
	return cur.String()
}

// evaluate runs every check of the settlement algorithm in order. A nil
// fault means the transfer may be confirmed.
func (w *Worker) evaluate(ctx context.Context, tx *gorm.DB, intent queue.TransferIntent, txn *model.Transaction) verdict {
	var v verdict
	cur, err := currency.Parse(intent.Currency)
	if err != nil {
		v.fault = reject(Validation, ReasonInvalidIntent, err)
		return v
	}
	amount, err := decimal.NewFromString(intent.Amount)
	if err != nil {
		v.fault = reject(Validation, ReasonInvalidIntent, err)
		return v
	}
	if err := cur.ValidateAmount(amount); err != nil {
		v.fault = reject(Validation, ReasonInvalidIntent, err)
		return v
	}
	v.cur, v.amount = cur, amount
	if intent.SourceUser != txn.SourceUserID || intent.TargetUser != txn.TargetUserID ||
		cur != txn.Currency || !amount.Equal(txn.Amount) || intent.Signature != txn.Signature {
		v.fault = reject(Validation, ReasonIntentMismatch, nil)
		return v
	}

	v.src, v.dst, err = repo.LoadWalletPairForUpdate(ctx, w.ledger, tx, txn.SourceUserID, txn.TargetUserID, cur)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			v.fault = reject(Consistency, ReasonWalletNotFound, err)
			return v
		}
		v.fault = infra("load_wallets", err)
		return v
	}

	// the message is rebuilt from the intent, never taken from the sender
	msg := signature.Canonicalize(intent.SourceUser, intent.TargetUser, cur, amount)
	if !signature.Verify(v.src.PublicKey, intent.Signature, msg) {
		v.fault = reject(Authentication, ReasonInvalidSignature, nil)
		return v
	}
	if v.src.UserID == v.dst.UserID {
		v.fault = reject(BusinessRule, ReasonSelfTransfer, nil)
		return v
	}
	if v.src.Balance.LessThan(amount) {
		v.fault = reject(BusinessRule, ReasonInsufficientFunds, repo.ErrInsufficientFunds)
		return v
	}
	return v
}

func (w *Worker) afterCommit(ctx context.Context, intent queue.TransferIntent, txn *model.Transaction, v verdict, out Outcome) {
	if w.cache != nil {
		if err := w.cache.CacheTransactionState(ctx, txn.ID, out.State); err != nil {
			w.log.Warnw("cache transaction state", "transaction", txn.ID, "error", err)
		}
		if out.State == model.StateConfirmed {
			for _, wl := range []*model.Wallet{v.src, v.dst} {
				if err := w.cache.CacheBalance(ctx, wl.UserID, wl.Currency, wl.Balance); err != nil {
					w.log.Warnw("cache balance", "user", wl.UserID, "error", err)
				}
			}
		}
	}

	w.metrics.SettlementOutcomes.WithLabelValues(txn.Currency.String(), string(out.State), out.Reason).Inc()

	amount := intent.Amount
	if v.cur.Valid() {
		amount = v.cur.Format(v.amount)
	}
	fields := []interface{}{
		"transaction", txn.ID,
		"currency", txn.Currency,
		"symbol", txn.Currency.Symbol(),
		"amount", amount,
		"source", intent.SourceUser,
		"target", intent.TargetUser,
		"state", out.State,
		"reason", out.Reason,
	}
	if v.fault != nil && v.fault.Kind == Consistency {
		w.audit.Errorw("transaction rejected on missing data", fields...)
		return
	}
	w.audit.Infow("transaction settled", fields...)
}
