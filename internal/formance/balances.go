package formance

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"deal-escrow-go/internal/models"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
)

// EscrowBalance is what the ledger believes a deal's escrow still holds.
// After settlement it should equal the network fee reserve left behind.
func (s *Service) EscrowBalance(ctx context.Context, dealId int64) (decimal.Decimal, error) {
	address := fmt.Sprintf("escrow:deals:%d", dealId)
	resp, err := s.client.Ledger.V2.GetAccount(ctx, operations.V2GetAccountRequest{
		Ledger:  s.ledger,
		Address: address,
		Expand:  v3.Pointer("volumes"),
	})
	if err != nil {
		if isNotFoundError(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to get escrow account %s: %w", address, err)
	}
	return bigIntToDecimal(volumeBalance(resp.V2AccountResponse.Data.Volumes, formanceAsset(s.asset)), s.asset), nil
}

// GetJournalEntries lists the ledger transactions recorded for a deal
func (s *Service) GetJournalEntries(ctx context.Context, dealId int64) ([]models.JournalEntry, error) {
	resp, err := s.client.Ledger.V2.ListTransactions(ctx, operations.V2ListTransactionsRequest{
		Ledger:   s.ledger,
		PageSize: ptrInt64(100),
		RequestBody: map[string]any{
			"$match": map[string]any{
				"metadata[deal_id]": strconv.FormatInt(dealId, 10),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list journal transactions: %w", err)
	}

	var entries []models.JournalEntry
	for _, tx := range resp.V2TransactionsCursorResponse.Cursor.Data {
		entry := models.JournalEntry{
			DealId:    dealId,
			EventType: tx.Metadata["event_type"],
			TxHash:    tx.Metadata["tx_hash"],
			Timestamp: tx.Timestamp,
		}
		if tx.Reference != nil {
			entry.Reference = *tx.Reference
		}
		for _, p := range tx.Postings {
			entry.Source = p.Source
			entry.Destination = p.Destination
			entry.Amount = bigIntToDecimal(p.Amount, assetSymbol(p.Asset))
		}
		entries = append(entries, entry)
	}

	// The ledger lists newest first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// volumeBalance extracts the balance for a specific asset from volumes.
func volumeBalance(vols map[string]shared.V2Volume, fAsset string) *big.Int {
	vol, ok := vols[fAsset]
	if !ok {
		return nil
	}
	if vol.Balance != nil {
		return vol.Balance
	}
	if vol.Input == nil {
		return nil
	}
	result := new(big.Int).Set(vol.Input)
	if vol.Output != nil {
		result.Sub(result, vol.Output)
	}
	return result
}

// bigIntToDecimal converts a *big.Int in smallest-unit to a human-readable decimal.
func bigIntToDecimal(raw *big.Int, symbol string) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(precisionFor(symbol)))
}

// assetSymbol extracts the symbol from a Formance asset like "TON/9".
func assetSymbol(fAsset string) string {
	for i, c := range fAsset {
		if c == '/' {
			return fAsset[:i]
		}
	}
	return fAsset
}
