package format

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/etnz/hodl"
	"github.com/etnz/hodl/exchange/binance"
	"github.com/etnz/hodl/exchange/coinbase"
	"github.com/etnz/hodl/exchange/kraken"
)

// KrakenTrades reads a saved Kraken TradesHistory response.
type KrakenTrades struct{}

func (KrakenTrades) Name() string { return "kraken-trades" }
func (KrakenTrades) Kind() Kind   { return Payload }

func (KrakenTrades) Matches(c Content) bool {
	v, err := query(c, "$.result.trades")
	_, ok := v.(map[string]any)
	return err == nil && ok
}

func (KrakenTrades) Records(c Content) ([]Record, error) {
	var doc struct {
		Result struct {
			Trades map[string]json.RawMessage `json:"trades"`
		} `json:"result"`
	}
	if err := json.Unmarshal(c.Body(), &doc); err != nil {
		return nil, fmt.Errorf("cannot decode kraken trades: %w", err)
	}
	txids := slices.Sorted(maps.Keys(doc.Result.Trades))
	res := make([]Record, len(txids))
	for i, txid := range txids {
		item := doc.Result.Trades[txid]
		res[i] = Record{Index: i + 1, Fields: map[string]string{"txid": txid}, Payload: item, Raw: string(item)}
	}
	return res, nil
}

func (KrakenTrades) Parse(r Record) (hodl.Transaction, error) {
	var t kraken.Trade
	if err := json.Unmarshal(r.Payload, &t); err != nil {
		return hodl.Transaction{}, err
	}
	return validated(t.Transaction(r.Fields["txid"]))
}

// CoinbaseFills reads a saved array of Coinbase fills.
type CoinbaseFills struct{}

func (CoinbaseFills) Name() string { return "coinbase-fills" }
func (CoinbaseFills) Kind() Kind   { return Payload }

func (CoinbaseFills) Matches(c Content) bool {
	_, err := query(c, "$[0].trade_id")
	return err == nil
}

func (CoinbaseFills) Records(c Content) ([]Record, error) { return array(c) }

func (CoinbaseFills) Parse(r Record) (hodl.Transaction, error) {
	var f coinbase.Fill
	if err := json.Unmarshal(r.Payload, &f); err != nil {
		return hodl.Transaction{}, err
	}
	return validated(f.Transaction())
}

// BinanceTrades reads a saved array of Binance account trades.
type BinanceTrades struct{}

func (BinanceTrades) Name() string { return "binance-trades" }
func (BinanceTrades) Kind() Kind   { return Payload }

func (BinanceTrades) Matches(c Content) bool {
	_, err := query(c, "$[0].isBuyer")
	return err == nil
}

func (BinanceTrades) Records(c Content) ([]Record, error) { return array(c) }

func (BinanceTrades) Parse(r Record) (hodl.Transaction, error) {
	var t binance.Trade
	if err := json.Unmarshal(r.Payload, &t); err != nil {
		return hodl.Transaction{}, err
	}
	return validated(t.Transaction())
}

// array makes one record per element of a top level JSON array.
func array(c Content) ([]Record, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(c.Body(), &items); err != nil {
		return nil, fmt.Errorf("cannot decode array: %w", err)
	}
	return payloads(items), nil
}

func validated(tx hodl.Transaction, err error) (hodl.Transaction, error) {
	if err != nil {
		return hodl.Transaction{}, err
	}
	if err := tx.Validate(); err != nil {
		return hodl.Transaction{}, err
	}
	return tx, nil
}
