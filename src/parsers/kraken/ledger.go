// Package kraken normalizes Kraken ledger history, from either the CSV export
// or the Ledgers API, into canonical trades.
package kraken

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/cryptofolio/backend/src/assets"
	"github.com/username/cryptofolio/backend/src/models"
	"github.com/username/cryptofolio/backend/src/parsers/csvformat"
)

// Source is the import source tag for Kraken.
const Source = "kraken"

// LedgerFormat is the Kraken ledger CSV export.
var LedgerFormat = csvformat.Format{
	Source:   Source,
	Label:    "Kraken ledger",
	Required: []string{"txid", "refid", "aclass", "asset"},
	Columns:  []string{"time", "type", "amount", "fee"},
}

// Kraken subtypes that move funds between the user's own wallets or rename an asset.
var skipSubtypes = map[string]struct{}{
	"delistingconversion": {},
	"allocation":          {},
	"deallocation":        {},
	"autoallocation":      {},
	"migration":           {},
	"spottostaking":       {},
	"stakingfromspot":     {},
	"spotfromstaking":     {},
	"stakingtospot":       {},
}

var rewardTypes = map[string]struct{}{
	"staking":  {},
	"earn":     {},
	"reward":   {},
	"dividend": {},
	"airdrop":  {},
}

// Normalizer turns Kraken ledger rows into canonical trades.
type Normalizer struct {
	registry *assets.Registry
}

// NewNormalizer creates a Kraken normalizer using registry for asset symbols.
func NewNormalizer(registry *assets.Registry) *Normalizer {
	return &Normalizer{registry: registry}
}

// Source returns the import source tag.
func (n *Normalizer) Source() string { return Source }

// Parse reads a Kraken ledger CSV and normalizes it.
func (n *Normalizer) Parse(file io.Reader) (*models.NormalizeResult, error) {
	rows, err := ReadLedgerCSV(file)
	if err != nil {
		return nil, err
	}
	return n.Normalize(rows), nil
}

// ReadLedgerCSV reads the raw ledger rows of a Kraken export.
func ReadLedgerCSV(file io.Reader) ([]models.KrakenLedgerRow, error) {
	table, err := csvformat.ReadTable(file, LedgerFormat)
	if err != nil {
		return nil, fmt.Errorf("kraken parser: %w", err)
	}
	rows := make([]models.KrakenLedgerRow, 0, len(table.Records))
	for _, record := range table.Records {
		rows = append(rows, models.KrakenLedgerRow{
			TxID:    table.Get(record, "txid"),
			RefID:   table.Get(record, "refid"),
			Time:    table.Get(record, "time"),
			Type:    table.Get(record, "type"),
			Subtype: table.Get(record, "subtype"),
			AClass:  table.Get(record, "aclass"),
			Asset:   table.Get(record, "asset"),
			Wallet:  table.Get(record, "wallet"),
			Amount:  table.Get(record, "amount"),
			Fee:     table.Get(record, "fee"),
			Balance: table.Get(record, "balance"),
		})
	}
	return rows, nil
}

// LedgerGroup is the set of ledger rows sharing a reference id.
type LedgerGroup struct {
	RefID string
	Rows  []models.KrakenLedgerRow
}

// GroupByRefID groups rows by refid in order of first appearance.
// Rows without a refid form their own group keyed by txid.
func GroupByRefID(rows []models.KrakenLedgerRow) []LedgerGroup {
	var groups []LedgerGroup
	index := make(map[string]int)
	for _, row := range rows {
		key := row.RefID
		if key == "" {
			key = "txid:" + row.TxID
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, LedgerGroup{RefID: row.RefID})
		}
		groups[i].Rows = append(groups[i].Rows, row)
	}
	return groups
}

type ledgerLine struct {
	row    models.KrakenLedgerRow
	kind   string
	asset  string
	amount decimal.Decimal
	fee    decimal.Decimal
	time   time.Time
}

// Normalize groups rows by refid and converts each group. The result is ordered by datetime.
func (n *Normalizer) Normalize(rows []models.KrakenLedgerRow) *models.NormalizeResult {
	result := models.NewNormalizeResult()
	unknown := n.registry.NewUnknownCollector()
	warnedTypes := make(map[string]bool)

	for _, group := range GroupByRefID(rows) {
		if key, skip := skipKey(group); skip {
			result.Skipped[key]++
			continue
		}

		lines, reason, err := n.parseGroup(group)
		if err != nil {
			result.Skipped[reason]++
			result.Warnings = append(result.Warnings, fmt.Sprintf("kraken: dropped ledger group %s: %v", groupLabel(group), err))
			continue
		}

		if trade, ok := n.swap(group, lines); ok {
			n.observe(unknown, trade)
			result.Trades = append(result.Trades, trade)
			continue
		}

		for _, line := range lines {
			trade, key := n.single(group, line)
			if key != "" {
				result.Skipped[key]++
				if strings.HasPrefix(key, "unknown/") && !warnedTypes[line.kind] {
					warnedTypes[line.kind] = true
					result.Warnings = append(result.Warnings, fmt.Sprintf("kraken: unrecognized ledger type %q skipped", line.kind))
				}
				continue
			}
			n.observe(unknown, trade)
			result.Trades = append(result.Trades, trade)
		}
	}

	sort.SliceStable(result.Trades, func(i, j int) bool {
		return result.Trades[i].Datetime.Before(result.Trades[j].Datetime)
	})
	result.UnknownAssets = unknown.Symbols()
	return result
}

func skipKey(group LedgerGroup) (string, bool) {
	for _, row := range group.Rows {
		subtype := strings.ToLower(strings.TrimSpace(row.Subtype))
		if _, ok := skipSubtypes[subtype]; ok {
			return strings.ToLower(strings.TrimSpace(row.Type)) + "/" + subtype, true
		}
	}
	return "", false
}

func (n *Normalizer) parseGroup(group LedgerGroup) ([]ledgerLine, string, error) {
	lines := make([]ledgerLine, 0, len(group.Rows))
	for _, row := range group.Rows {
		ts, err := csvformat.ParseTime(row.Time)
		if err != nil {
			return nil, "invalid_timestamp", err
		}
		amount, err := csvformat.ParseDecimal(row.Amount)
		if err != nil {
			return nil, "invalid_amount", fmt.Errorf("amount: %w", err)
		}
		fee, err := csvformat.ParseDecimalOrZero(row.Fee)
		if err != nil {
			return nil, "invalid_amount", fmt.Errorf("fee: %w", err)
		}
		lines = append(lines, ledgerLine{
			row:    row,
			kind:   strings.ToLower(strings.TrimSpace(row.Type)),
			asset:  n.registry.Canonical(row.Asset),
			amount: amount,
			fee:    fee.Abs(),
			time:   ts,
		})
	}
	return lines, "", nil
}

// swap pairs the spend and receive sides of a group into one trade.
func (n *Normalizer) swap(group LedgerGroup, lines []ledgerLine) (models.NormalizedTrade, bool) {
	var spends, receives []ledgerLine
	for _, line := range lines {
		switch {
		case line.kind == "spend", line.kind == "trade" && line.amount.IsNegative():
			spends = append(spends, line)
		case line.kind == "receive", line.kind == "trade" && line.amount.IsPositive():
			receives = append(receives, line)
		}
	}
	if len(spends) == 0 || len(receives) == 0 {
		return models.NormalizedTrade{}, false
	}
	from, to := primary(spends), primary(receives)

	trade := models.NormalizedTrade{
		ExternalID:   group.RefID,
		Datetime:     from.time,
		Type:         n.classifyPair(from.asset, to.asset),
		FromAsset:    from.asset,
		FromQuantity: from.amount.Abs(),
		ToAsset:      to.asset,
		ToQuantity:   to.amount.Abs(),
		Notes:        fmt.Sprintf("Kraken %s %s to %s", from.kind, from.asset, to.asset),
		Raw:          rawRows(group.Rows),
	}
	if trade.ExternalID == "" {
		trade.ExternalID = from.row.TxID
	}
	switch {
	case !from.fee.IsZero():
		n.setFee(&trade, from.asset, from.fee)
	case !to.fee.IsZero():
		n.setFee(&trade, to.asset, to.fee)
	}
	return trade, true
}

// primary picks the row with the largest absolute amount; the first one wins a tie.
func primary(lines []ledgerLine) ledgerLine {
	best := lines[0]
	for _, line := range lines[1:] {
		if line.amount.Abs().GreaterThan(best.amount.Abs()) {
			best = line
		}
	}
	return best
}

// classifyPair: fiat into a stablecoin is a deposit, the reverse a withdrawal.
func (n *Normalizer) classifyPair(from, to string) models.TradeType {
	switch {
	case n.registry.IsFiat(from) && n.registry.IsStablecoin(to):
		return models.TradeTypeDeposit
	case n.registry.IsStablecoin(from) && n.registry.IsFiat(to):
		return models.TradeTypeWithdrawal
	default:
		return models.TradeTypeSwap
	}
}

// single converts one ungrouped ledger line. A non-empty key means the line was skipped.
func (n *Normalizer) single(group LedgerGroup, line ledgerLine) (models.NormalizedTrade, string) {
	externalID := group.RefID
	if len(group.Rows) > 1 || externalID == "" {
		externalID = line.row.TxID
	}
	// Single-sided events are one-legged swaps.
	trade := models.NormalizedTrade{
		ExternalID: externalID,
		Datetime:   line.time,
		Type:       models.TradeTypeSwap,
		Raw:        rawRows([]models.KrakenLedgerRow{line.row}),
	}

	switch {
	case line.kind == "deposit":
		if n.registry.IsFiat(line.asset) {
			return trade, "fiat_deposit"
		}
		qty := line.amount.Abs().Sub(line.fee)
		if !qty.IsPositive() {
			return trade, "deposit/non_positive"
		}
		trade.ToAsset, trade.ToQuantity = line.asset, qty
		trade.Notes = fmt.Sprintf("Kraken deposit %s", line.asset)

	case line.kind == "withdrawal":
		if n.registry.IsFiat(line.asset) {
			return trade, "fiat_withdrawal"
		}
		trade.FromAsset, trade.FromQuantity = line.asset, line.amount.Abs().Add(line.fee)
		trade.Notes = fmt.Sprintf("Kraken withdrawal %s", line.asset)

	case isReward(line.kind):
		if !line.amount.IsPositive() {
			return trade, line.kind + "/outflow"
		}
		trade.ToAsset, trade.ToQuantity = line.asset, line.amount
		trade.Notes = fmt.Sprintf("Kraken %s reward %s", line.kind, line.asset)

	case line.kind == "transfer":
		return trade, "transfer"

	case line.kind == "spend", line.kind == "receive", line.kind == "trade":
		return trade, "unmatched_" + line.kind

	default:
		kind := line.kind
		if kind == "" {
			kind = "empty"
		}
		return trade, "unknown/" + kind
	}

	if !line.fee.IsZero() {
		n.setFee(&trade, line.asset, line.fee)
	}
	return trade, ""
}

func isReward(kind string) bool {
	_, ok := rewardTypes[kind]
	return ok
}

func (n *Normalizer) setFee(trade *models.NormalizedTrade, asset string, fee decimal.Decimal) {
	trade.FeeCurrency = asset
	trade.FeeQuantity = fee
	if n.registry.IsStablecoin(asset) {
		trade.FeesUSD = decimal.NewNullDecimal(fee)
	}
}

func (n *Normalizer) observe(unknown *assets.UnknownCollector, trade models.NormalizedTrade) {
	unknown.Observe(trade.FromAsset)
	unknown.Observe(trade.ToAsset)
	unknown.Observe(trade.FeeCurrency)
}

func rawRows(rows []models.KrakenLedgerRow) json.RawMessage {
	raw, err := json.Marshal(rows)
	if err != nil {
		return nil
	}
	return raw
}

func groupLabel(group LedgerGroup) string {
	if group.RefID != "" {
		return group.RefID
	}
	return group.Rows[0].TxID
}
