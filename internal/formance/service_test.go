package formance

import (
	"math/big"
	"testing"
	"time"

	"deal-escrow-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
)

func TestFormanceAsset(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"TON", "TON/9"},
		{"USDC", "USDC/6"},
		{"BTC", "BTC/8"},
		{"UNKNOWN", "UNKNOWN/6"}, // default precision
	}
	for _, tt := range tests {
		if got := formanceAsset(tt.symbol); got != tt.want {
			t.Errorf("formanceAsset(%q) = %q, want %q", tt.symbol, got, tt.want)
		}
	}
}

func TestAssetSymbol(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"TON/9", "TON"},
		{"USDC/6", "USDC"},
		{"PLAIN", "PLAIN"},
	}
	for _, tt := range tests {
		if got := assetSymbol(tt.input); got != tt.want {
			t.Errorf("assetSymbol(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestBigIntToDecimal(t *testing.T) {
	// 1_000_000_000 nano units of TON (precision 9) = 1.0
	result := bigIntToDecimal(big.NewInt(1_000_000_000), "TON")
	if !result.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected 1, got %s", result.String())
	}

	result = bigIntToDecimal(big.NewInt(1_500_000), "USDC")
	if !result.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("expected 1.5, got %s", result.String())
	}

	// nil should return zero
	if result = bigIntToDecimal(nil, "TON"); !result.IsZero() {
		t.Errorf("expected 0, got %s", result.String())
	}
}

func TestVolumeBalance(t *testing.T) {
	vols := map[string]shared.V2Volume{
		"TON/9": {Input: big.NewInt(10), Output: big.NewInt(4)},
	}
	if got := volumeBalance(vols, "TON/9"); got.Int64() != 6 {
		t.Errorf("expected 6, got %s", got)
	}
	if got := volumeBalance(vols, "USDC/6"); got != nil {
		t.Errorf("expected nil for a missing asset, got %s", got)
	}
}

func TestIsConflictError(t *testing.T) {
	// nil error should not be a conflict
	if isConflictError(nil) {
		t.Error("nil should not be a conflict error")
	}
}

func TestLedgerAccount(t *testing.T) {
	tests := []struct {
		party   string
		want    string
		wantErr bool
	}{
		{"advertiser:100", "advertisers:100", false},
		{"channel:-1001", "channels:m1001", false},
		{"escrow:42", "escrow:deals:42", false},
		{"treasury:1", "", true},
		{"channel:", "", true},
		{"channel", "", true},
	}
	for _, tt := range tests {
		got, err := ledgerAccount(tt.party)
		if (err != nil) != tt.wantErr {
			t.Errorf("ledgerAccount(%q) error = %v, wantErr %v", tt.party, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ledgerAccount(%q) = %q, want %q", tt.party, got, tt.want)
		}
	}
}

func TestBuildTransaction(t *testing.T) {
	s := &Service{ledger: "test", asset: "TON"}
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	postTx, err := s.buildTransaction(models.JournalEntry{
		Reference:   "5f0c7d1e-key",
		DealId:      42,
		EventType:   "payout",
		Source:      "escrow:42",
		Destination: "channel:-1001",
		Amount:      decimal.RequireFromString("9.95"),
		TxHash:      "abc123",
		Timestamp:   ts,
	})
	if err != nil {
		t.Fatalf("buildTransaction failed: %v", err)
	}

	if postTx.Reference == nil || *postTx.Reference != "5f0c7d1e-key" {
		t.Errorf("unexpected reference %v", postTx.Reference)
	}
	if postTx.Timestamp == nil || !postTx.Timestamp.Equal(ts) {
		t.Errorf("unexpected timestamp %v", postTx.Timestamp)
	}

	vars := postTx.Script.Vars
	want := map[string]string{
		"asset":        "TON/9",
		"amount":       "9950000000",
		"source":       "escrow:deals:42",
		"destination":  "channels:m1001",
		"event_type":   "payout",
		"deal_id":      "42",
		"tx_hash":      "abc123",
		"amount_human": "9.95",
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("var %s = %q, want %q", k, vars[k], v)
		}
	}
}

func TestBuildTransaction_Rejects(t *testing.T) {
	s := &Service{ledger: "test", asset: "TON"}
	valid := models.JournalEntry{
		Reference:   "ref",
		DealId:      1,
		Source:      "advertiser:1",
		Destination: "escrow:1",
		Amount:      decimal.NewFromInt(1),
	}

	noRef := valid
	noRef.Reference = ""
	zero := valid
	zero.Amount = decimal.Zero
	badParty := valid
	badParty.Destination = "nowhere"

	for name, entry := range map[string]models.JournalEntry{"no reference": noRef, "zero amount": zero, "bad party": badParty} {
		if _, err := s.buildTransaction(entry); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}
