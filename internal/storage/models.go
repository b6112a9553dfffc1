package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleSample represents one persisted publish cycle, successful or not.
type CycleSample struct {
	ID           int64
	StartedAt    time.Time
	BTCPrice     decimal.Decimal
	BTCChangePct decimal.Decimal
	ETHPrice     decimal.Decimal
	ETHChangePct decimal.Decimal
	Outcome      string
	Stage        *string
	Reason       *string
	CreatedAt    time.Time
}

// PublishEntry captures a post that actually went out. Doubles as the boot
// seed for the duplicate detector.
type PublishEntry struct {
	ID          int64
	Fingerprint string
	BTCPrice    decimal.Decimal
	ETHPrice    decimal.Decimal
	Channels    []string
	PostedAt    time.Time
	CreatedAt   time.Time
}
