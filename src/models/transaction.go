package models

// KrakenLedgerRow is one line of a Kraken ledger, from the CSV export or the Ledgers API.
// Numeric fields stay as strings until the normalizer parses them.
type KrakenLedgerRow struct {
	TxID    string `json:"txid"`
	RefID   string `json:"refid"`
	Time    string `json:"time"`
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	AClass  string `json:"aclass"`
	Asset   string `json:"asset"`
	Wallet  string `json:"wallet,omitempty"`
	Amount  string `json:"amount"`
	Fee     string `json:"fee"`
	Balance string `json:"balance"`
}

// CryptoComTrade is one executed trade from Crypto.com Exchange (API or CSV).
type CryptoComTrade struct {
	TradeID        string `json:"trade_id"`
	OrderID        string `json:"order_id"`
	InstrumentName string `json:"instrument_name"`
	Side           string `json:"side"`
	TradedPrice    string `json:"traded_price"`
	TradedQuantity string `json:"traded_quantity"`
	Fee            string `json:"fees"`
	FeeCurrency    string `json:"fee_instrument_name"`
	CreateTime     string `json:"create_time"`
}
