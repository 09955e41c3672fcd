// Package occ encodes and decodes OCC-style option symbols.
//
// The canonical format is: underlying padded to 6 characters with trailing
// spaces, expiration as YYMMDD, a one-character class flag (C or P), and the
// strike price scaled by 1000 and zero-padded to 8 digits. Example:
//
//	TQQQ  260116P00072000
//
// The broker's matching engine is whitespace-sensitive, so the padding must
// be preserved byte-for-byte.
package occ

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OptionClass identifies the contract class flag inside an OCC symbol.
type OptionClass byte

const (
	// Call is the OCC class flag for call contracts.
	Call OptionClass = 'C'
	// Put is the OCC class flag for put contracts.
	Put OptionClass = 'P'
)

const (
	underlyingWidth = 6
	expiryLayout    = "060102"
	strikeDigits    = 8
	symbolLength    = underlyingWidth + len(expiryLayout) + 1 + strikeDigits
)

// eps absorbs float64 representation error before the strike is scaled to
// thousandths. A strike like 72.35 is stored as 72.34999..., which would
// otherwise truncate to 72349.
const eps = 1e-9

// Encode builds the canonical OCC symbol for a contract.
func Encode(underlying string, expiry time.Time, class OptionClass, strike float64) (string, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	if underlying == "" {
		return "", fmt.Errorf("occ: empty underlying")
	}
	if len(underlying) > underlyingWidth {
		return "", fmt.Errorf("occ: underlying %q exceeds %d characters", underlying, underlyingWidth)
	}
	if class != Call && class != Put {
		return "", fmt.Errorf("occ: invalid option class %q", string(class))
	}
	if strike <= 0 {
		return "", fmt.Errorf("occ: strike must be positive, got %.4f", strike)
	}
	scaled := int64(strike*1000 + 0.5 + eps)
	if scaled >= 1e8 {
		return "", fmt.Errorf("occ: strike %.2f does not fit in %d digits", strike, strikeDigits)
	}
	return fmt.Sprintf("%-*s%s%c%0*d",
		underlyingWidth, underlying,
		expiry.Format(expiryLayout),
		byte(class),
		strikeDigits, scaled,
	), nil
}

// Symbol is the decoded form of an OCC option symbol.
type Symbol struct {
	Underlying string
	Expiry     time.Time
	Class      OptionClass
	Strike     float64
}

// Decode parses a canonical OCC symbol. It tolerates unpadded underlyings
// (as seen in broker position feeds) by locating the 6-digit expiration
// after the symbol prefix.
func Decode(s string) (Symbol, error) {
	trimmed := strings.TrimRight(s, " ")
	if len(trimmed) < len(expiryLayout)+1+strikeDigits+1 {
		return Symbol{}, fmt.Errorf("occ: symbol %q too short", s)
	}

	// The tail is fixed-width: YYMMDD + class + strike. Everything before
	// it is the underlying, possibly space-padded.
	tail := len(trimmed) - strikeDigits - 1 - len(expiryLayout)
	underlying := strings.TrimRight(trimmed[:tail], " ")
	expStr := trimmed[tail : tail+len(expiryLayout)]
	classCh := trimmed[tail+len(expiryLayout)]
	strikeStr := trimmed[tail+len(expiryLayout)+1:]

	if underlying == "" || strings.ContainsRune(underlying, ' ') {
		return Symbol{}, fmt.Errorf("occ: invalid underlying in %q", s)
	}

	expiry, err := time.Parse(expiryLayout, expStr)
	if err != nil {
		return Symbol{}, fmt.Errorf("occ: invalid expiration in %q: %w", s, err)
	}

	var class OptionClass
	switch classCh {
	case 'C', 'c':
		class = Call
	case 'P', 'p':
		class = Put
	default:
		return Symbol{}, fmt.Errorf("occ: invalid class flag %q in %q", string(classCh), s)
	}

	scaled, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return Symbol{}, fmt.Errorf("occ: invalid strike in %q: %w", s, err)
	}

	return Symbol{
		Underlying: underlying,
		Expiry:     expiry,
		Class:      class,
		Strike:     float64(scaled) / 1000.0,
	}, nil
}

// ClassOf reports the option class of an encoded symbol without a full
// decode, or false if the symbol is malformed.
func ClassOf(s string) (OptionClass, bool) {
	sym, err := Decode(s)
	if err != nil {
		return 0, false
	}
	return sym.Class, true
}
