package broker

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/condorbot/internal/models"
)

// osiDateLayout is the YYMMDD expiry embedded in OSI option symbols.
const osiDateLayout = "060102"

// FormatOSI builds an OSI option symbol: ROOT + YYMMDD + P/C + 8-digit strike
// in thousandths, e.g. SPXW250314P04960000.
func FormatOSI(root string, expiry time.Time, right models.Right, strike float64) string {
	// nearest thousandth; eps absorbs float error on strikes like 4960.0
	const eps = 1e-9
	strikeInt := int64(math.Round(strike*1000 + eps))
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(root), expiry.Format(osiDateLayout), right.Code(), strikeInt)
}

// OSIContract is the decoded form of an OSI option symbol.
type OSIContract struct {
	Expiry time.Time
	Root   string
	Right  models.Right
	Strike float64
}

// ParseOSI decodes an OSI option symbol. Roots of any length are accepted as
// long as the symbol ends in exactly YYMMDD, P/C and eight strike digits.
func ParseOSI(s string) (OSIContract, error) {
	s = strings.TrimSpace(s)
	// root(>=1) + 6 + 1 + 8
	if len(s) < 16 {
		return OSIContract{}, fmt.Errorf("not an OSI symbol: %q", s)
	}

	strikePart := s[len(s)-8:]
	typeChar := s[len(s)-9]
	datePart := s[len(s)-15 : len(s)-9]
	root := s[:len(s)-15]

	if !isDigits(strikePart, 8) || !isDigits(datePart, 6) {
		return OSIContract{}, fmt.Errorf("not an OSI symbol: %q", s)
	}
	if root == "" || root[len(root)-1] >= '0' && root[len(root)-1] <= '9' {
		return OSIContract{}, fmt.Errorf("not an OSI symbol: %q", s)
	}

	var right models.Right
	switch typeChar {
	case 'P', 'p':
		right = models.RightPut
	case 'C', 'c':
		right = models.RightCall
	default:
		return OSIContract{}, fmt.Errorf("not an OSI symbol: %q", s)
	}

	expiry, err := time.Parse(osiDateLayout, datePart)
	if err != nil {
		return OSIContract{}, fmt.Errorf("bad expiry in %q: %w", s, err)
	}
	milli, err := strconv.ParseInt(strikePart, 10, 64)
	if err != nil {
		return OSIContract{}, fmt.Errorf("bad strike in %q: %w", s, err)
	}

	return OSIContract{
		Expiry: models.ExpiryDate(expiry),
		Root:   strings.ToUpper(root),
		Right:  right,
		Strike: float64(milli) / 1000,
	}, nil
}

// extractUnderlyingFromOSI returns the root of an OSI symbol, or "".
func extractUnderlyingFromOSI(s string) string {
	c, err := ParseOSI(s)
	if err != nil {
		return ""
	}
	return c.Root
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
