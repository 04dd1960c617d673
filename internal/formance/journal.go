package formance

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"deal-escrow-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// numscriptEscrowMovement records one movement between a party and a deal escrow.
// Sources may overdraw: advertisers fund from outside the ledger, and an escrow
// can pay out more than the price when it was overpaid.
const numscriptEscrowMovement = `vars {
  asset $asset
  number $amount
  account $source
  account $destination
  string $event_type
  string $deal_id
  string $tx_hash
  string $amount_human
}

send [$asset $amount] (
  source = $source allowing unbounded overdraft
  destination = $destination
)

set_tx_meta("event_type", $event_type)
set_tx_meta("deal_id", $deal_id)
set_tx_meta("tx_hash", $tx_hash)
set_tx_meta("amount_human", $amount_human)
`

// Record writes the entry as a ledger transaction. A reference already on the
// ledger means the entry was recorded before.
func (s *Service) Record(ctx context.Context, entry models.JournalEntry) error {
	postTx, err := s.buildTransaction(entry)
	if err != nil {
		return err
	}

	_, err = s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            s.ledger,
		V2PostTransaction: postTx,
	})
	if err != nil {
		if isConflictError(err) {
			zap.L().Debug("Journal entry already recorded", zap.String("reference", entry.Reference))
			return nil
		}
		return fmt.Errorf("error recording %s for deal %d: %w", entry.EventType, entry.DealId, err)
	}

	zap.L().Info("Journal entry recorded in Formance",
		zap.Int64("deal_id", entry.DealId),
		zap.String("event_type", entry.EventType),
		zap.String("amount", entry.Amount.String()),
		zap.String("reference", entry.Reference))
	return nil
}

func (s *Service) buildTransaction(entry models.JournalEntry) (shared.V2PostTransaction, error) {
	if entry.Reference == "" {
		return shared.V2PostTransaction{}, fmt.Errorf("journal entry for deal %d has no reference", entry.DealId)
	}
	if !entry.Amount.IsPositive() {
		return shared.V2PostTransaction{}, fmt.Errorf("journal entry %s has non-positive amount %s", entry.Reference, entry.Amount)
	}
	source, err := ledgerAccount(entry.Source)
	if err != nil {
		return shared.V2PostTransaction{}, err
	}
	destination, err := ledgerAccount(entry.Destination)
	if err != nil {
		return shared.V2PostTransaction{}, err
	}

	smallAmt := entry.Amount.Shift(int32(precisionFor(s.asset))).BigInt().String()
	postTx := shared.V2PostTransaction{
		Reference: strPtr(entry.Reference),
		Script: &shared.V2PostTransactionScript{
			Plain: numscriptEscrowMovement,
			Vars: map[string]string{
				"asset":        formanceAsset(s.asset),
				"amount":       smallAmt,
				"source":       source,
				"destination":  destination,
				"event_type":   entry.EventType,
				"deal_id":      strconv.FormatInt(entry.DealId, 10),
				"tx_hash":      entry.TxHash,
				"amount_human": entry.Amount.String(),
			},
		},
	}
	if !entry.Timestamp.IsZero() {
		ts := entry.Timestamp
		postTx.Timestamp = &ts
	}
	return postTx, nil
}

var accountPrefixes = map[string]string{
	"advertiser": "advertisers",
	"channel":    "channels",
	"escrow":     "escrow:deals",
}

// ledgerAccount maps a journal party such as "channel:-1001" to a ledger address
// such as "channels:m1001". Ledger address segments cannot hold a minus sign.
func ledgerAccount(party string) (string, error) {
	kind, id, ok := strings.Cut(party, ":")
	prefix, known := accountPrefixes[kind]
	if !ok || !known || id == "" {
		return "", fmt.Errorf("unknown journal party %q", party)
	}
	if strings.HasPrefix(id, "-") {
		id = "m" + id[1:]
	}
	return prefix + ":" + id, nil
}
