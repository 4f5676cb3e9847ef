package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLedgerKey(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "ledger/abc/20260304T040607Z.jsonl", LedgerKey("abc", at))
}
