package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// PaySimTransaction represents a row from the PaySim dataset.
type PaySimTransaction struct {
	Step           int
	Type           string
	Amount         float64
	NameOrig       string
	OldBalanceOrg  float64
	NewBalanceOrig float64
	NameDest       string
	IsFraud        bool
}

// AnalyzeRequest is the transaction body posted to Kestrel.
type AnalyzeRequest struct {
	UserID      string    `json:"userId"`
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Timestamp   time.Time `json:"timestamp"`
}

// Request converts a row into an outgoing debit. PaySim steps are hours
// counted from startStep, which maps onto base.
func (tx PaySimTransaction) Request(base time.Time, startStep int) AnalyzeRequest {
	return AnalyzeRequest{
		UserID:      tx.NameOrig,
		ID:          fmt.Sprintf("paysim-%s-%d-%s", tx.NameOrig, tx.Step, tx.NameDest),
		AccountID:   tx.NameOrig + "-acc",
		Amount:      -tx.Amount,
		Currency:    "USD",
		Description: tx.Type + " " + tx.NameDest,
		Category:    strings.ToLower(tx.Type),
		Timestamp:   base.Add(time.Duration(tx.Step-startStep) * time.Hour),
	}
}

var requiredColumns = []string{"step", "type", "amount", "nameorig", "oldbalanceorg", "newbalanceorig", "namedest", "isfraud"}

// ReadPaySim reads up to limit rows (0 = all). Non-fraud rows are kept at
// sampleRate; fraud rows are always kept. Malformed rows are skipped.
func ReadPaySim(r io.Reader, limit int, sampleRate float64) ([]PaySimTransaction, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var out []PaySimTransaction
	sampleCounter := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		isFraud := record[col["isfraud"]] == "1"
		if !isFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		step, err := strconv.Atoi(record[col["step"]])
		if err != nil {
			continue
		}
		amount, err := strconv.ParseFloat(record[col["amount"]], 64)
		if err != nil {
			continue
		}
		oldBalance, _ := strconv.ParseFloat(record[col["oldbalanceorg"]], 64)
		newBalance, _ := strconv.ParseFloat(record[col["newbalanceorig"]], 64)

		out = append(out, PaySimTransaction{
			Step:           step,
			Type:           record[col["type"]],
			Amount:         amount,
			NameOrig:       record[col["nameorig"]],
			OldBalanceOrg:  oldBalance,
			NewBalanceOrig: newBalance,
			NameDest:       record[col["namedest"]],
			IsFraud:        isFraud,
		})

		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
