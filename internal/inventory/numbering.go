package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// numberAttempts bounds generate-check-retry when a sequence value collides
// with a number that was entered manually.
const numberAttempts = 5

// numberPrefix returns the leading segment of a lot number, e.g. "FAB" for
// "FAB-20260101-003". Children of children keep the root prefix.
func numberPrefix(number, fallback string) string {
	number = strings.TrimSpace(number)
	if number == "" {
		number = strings.TrimSpace(fallback)
	}
	if number == "" {
		return "LOT"
	}
	if i := strings.IndexByte(number, '-'); i > 0 {
		return number[:i]
	}
	return strings.ToUpper(number)
}

// allocateNumber draws values from a monotonic sequence until format yields a
// number that does not exist yet.
func allocateNumber(ctx context.Context, tx TxRepository, scope string, format func(int64) string, exists func(context.Context, string) (bool, error)) (string, error) {
	for i := 0; i < numberAttempts; i++ {
		seq, err := tx.NextSequence(ctx, scope)
		if err != nil {
			return "", err
		}
		number := format(seq)
		taken, err := exists(ctx, number)
		if err != nil {
			return "", err
		}
		if !taken {
			return number, nil
		}
	}
	return "", ErrNumberExhausted
}

func nextLotNumber(ctx context.Context, tx TxRepository, itemID int64, prefix string, at time.Time) (string, error) {
	day := at.UTC().Format("20060102")
	scope := fmt.Sprintf("lot:%d:%s:%s", itemID, prefix, day)
	return allocateNumber(ctx, tx, scope,
		func(seq int64) string { return fmt.Sprintf("%s-%s-%03d", prefix, day, seq) },
		func(ctx context.Context, number string) (bool, error) { return tx.LotNumberExists(ctx, itemID, number) },
	)
}

func nextUnitSerial(ctx context.Context, tx TxRepository, lot Lot) (string, error) {
	return allocateNumber(ctx, tx, "unit:"+lot.LotNumber,
		func(seq int64) string { return fmt.Sprintf("%s-U%04d", lot.LotNumber, seq) },
		tx.SerialNumberExists,
	)
}

func nextChildSerial(ctx context.Context, tx TxRepository, parent string, at time.Time) (string, error) {
	stamp := at.UTC().Format("20060102150405")
	return allocateNumber(ctx, tx, "serial:"+parent,
		func(seq int64) string { return fmt.Sprintf("%s-S%d-%s", parent, seq, stamp) },
		tx.SerialNumberExists,
	)
}
