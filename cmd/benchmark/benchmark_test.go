package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

const sample = `step,type,amount,nameOrig,oldbalanceOrg,newbalanceOrig,nameDest,oldbalanceDest,newbalanceDest,isFraud,isFlaggedFraud
1,PAYMENT,9839.64,C1231006815,170136.0,160296.36,M1979787155,0.0,0.0,0,0
1,TRANSFER,181.0,C1305486145,181.0,0.0,C553264065,0.0,0.0,1,0
2,CASH_OUT,not-a-number,C840083671,181.0,0.0,C38997010,21182.0,0.0,1,0
3,PAYMENT,1864.28,C1666544295,21249.0,19384.72,M2044282225,0.0,0.0,0,0
`

func TestReadPaySim(t *testing.T) {
	txs, err := ReadPaySim(strings.NewReader(sample), 0, 1.0)
	if err != nil {
		t.Fatalf("ReadPaySim: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("expected 3 rows (malformed skipped), got %d", len(txs))
	}
	if !txs[1].IsFraud || txs[1].Type != "TRANSFER" || txs[1].NewBalanceOrig != 0 {
		t.Errorf("unexpected row: %+v", txs[1])
	}

	limited, err := ReadPaySim(strings.NewReader(sample), 1, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("expected limit 1, got %d", len(limited))
	}

	fraudOnly, err := ReadPaySim(strings.NewReader(sample), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(fraudOnly) != 1 || !fraudOnly[0].IsFraud {
		t.Errorf("expected only the fraud row, got %+v", fraudOnly)
	}
}

func TestReadPaySimMissingColumn(t *testing.T) {
	_, err := ReadPaySim(strings.NewReader("step,type,amount\n1,PAYMENT,10\n"), 0, 1)
	if err == nil || !strings.Contains(err.Error(), "nameorig") {
		t.Errorf("expected missing column error, got %v", err)
	}
}

func TestRequest(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tx := PaySimTransaction{Step: 5, Type: "TRANSFER", Amount: 181, NameOrig: "C1", NameDest: "C2"}

	req := tx.Request(base, 1)
	if req.UserID != "C1" || req.Amount != -181 {
		t.Errorf("unexpected request: %+v", req)
	}
	if !req.Timestamp.Equal(base.Add(4 * time.Hour)) {
		t.Errorf("expected step offset of 4h, got %v", req.Timestamp)
	}
	if req.Description != "TRANSFER C2" || req.Category != "transfer" {
		t.Errorf("unexpected description: %q %q", req.Description, req.Category)
	}
}

func TestMetrics(t *testing.T) {
	m := &Metrics{}
	m.Record(true, &AnalyzeResponse{IsAnomaly: true}, nil, time.Millisecond)
	m.Record(true, &AnalyzeResponse{IsAnomaly: false}, nil, time.Millisecond)
	m.Record(false, &AnalyzeResponse{IsAnomaly: true}, nil, time.Millisecond)
	m.Record(false, &AnalyzeResponse{IsAnomaly: false}, nil, time.Millisecond)
	m.Record(false, &AnalyzeResponse{IsAnomaly: false}, nil, time.Millisecond)
	m.Record(false, nil, errors.New("status 500"), time.Millisecond)

	if m.TruePositives != 1 || m.FalseNegatives != 1 || m.FalsePositives != 1 || m.TrueNegatives != 2 {
		t.Fatalf("unexpected matrix: %+v", m)
	}
	if m.TotalErrors != 1 || m.TotalProcessed != 6 {
		t.Errorf("unexpected totals: %d errors, %d processed", m.TotalErrors, m.TotalProcessed)
	}
	if m.Precision() != 0.5 || m.Recall() != 0.5 || m.F1() != 0.5 {
		t.Errorf("precision %.2f recall %.2f f1 %.2f", m.Precision(), m.Recall(), m.F1())
	}
	if m.Accuracy() != 0.6 {
		t.Errorf("expected accuracy 0.6, got %.2f", m.Accuracy())
	}

	var buf bytes.Buffer
	m.Print(&buf, time.Second)
	if !strings.Contains(buf.String(), "Recall:     0.5000") {
		t.Errorf("unexpected report:\n%s", buf.String())
	}
}

func TestShardIsStable(t *testing.T) {
	for _, id := range []string{"C1", "C1305486145", "M2044282225"} {
		first := shard(id, 7)
		for i := 0; i < 5; i++ {
			if shard(id, 7) != first {
				t.Fatalf("shard for %s changed", id)
			}
		}
		if first < 0 || first >= 7 {
			t.Fatalf("shard out of range: %d", first)
		}
	}
}
