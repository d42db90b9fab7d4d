package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/condorbot/internal/config"
	"github.com/eddiefleurent/condorbot/internal/models"
)

// TodayExpiry returns today's calendar date in loc as an expiry (midnight UTC).
// Daily options expire on the session date, not the UTC date.
func TodayExpiry(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return models.ExpiryDate(now.In(loc))
}

// ThirdFriday returns the third Friday of the month.
func ThirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}

// FrontMonthFuture returns the expiry of the front quarterly future (March,
// June, September, December, third Friday) as of today. The contract rolls to
// the next quarter rollDays calendar days before it expires.
func FrontMonthFuture(today time.Time, rollDays int) time.Time {
	today = models.ExpiryDate(today)
	year, month := today.Year(), today.Month()
	// first quarterly month at or after the current month
	q := time.Month(((int(month)-1)/3+1)*3)
	for i := 0; i < 8; i++ {
		exp := ThirdFriday(year, q)
		if today.Before(exp.AddDate(0, 0, -rollDays)) {
			return exp
		}
		q += 3
		if q > time.December {
			q -= 12
			year++
		}
	}
	return ThirdFriday(year, q)
}

// Qualify builds the underlying contract for a configured symbol.
func Qualify(cfg *config.Config, symbol string, now time.Time) (models.Underlying, error) {
	sc, err := cfg.Symbol(symbol)
	if err != nil {
		return models.Underlying{}, err
	}
	u := models.Underlying{
		Symbol:     strings.ToUpper(symbol),
		SecType:    sc.SecType,
		Exchange:   sc.Exchange,
		Currency:   sc.Currency,
		Multiplier: sc.Multiplier,
	}
	switch sc.SecType {
	case models.SecTypeIndex:
	case models.SecTypeFuture:
		u.FuturesExpiry = FrontMonthFuture(TodayExpiry(now, cfg.Location()), sc.FuturesRoll)
	default:
		return models.Underlying{}, fmt.Errorf("%s: unsupported sec type %q", symbol, sc.SecType)
	}
	return u, nil
}
