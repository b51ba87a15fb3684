package postgres

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// numericFromAmount encodes a base-unit amount as NUMERIC so values above the
// BIGINT range survive the round trip.
func numericFromAmount(amount uint64) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).SetUint64(amount), Valid: true}
}

// amountFromText parses a NUMERIC column read back as text.
func amountFromText(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("numeric value required")
	}
	parsed, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", trimmed, err)
	}
	return parsed, nil
}
