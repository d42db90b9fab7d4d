// Package config provides configuration management for the condor bot.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/eddiefleurent/condorbot/internal/models"
	yaml "gopkg.in/yaml.v3"
)

const (
	defaultTimezone       = "America/New_York"
	defaultStrategyTag    = "condorbot"
	defaultUrgency        = "Normal"
	defaultQuiescence     = 4 * time.Second
	defaultPollInterval   = 1 * time.Second
	defaultFillTimeout    = 120 * time.Second
	defaultCallTimeout    = 5 * time.Second
	defaultAdjustTicks    = 2
	defaultMaxAdjustments = 5
	defaultORBSeconds     = 3600
	defaultStrikeTol      = 10.0
	defaultMultiplier     = 100.0
	defaultFuturesRoll    = 8
)

// defaultTickRules is the CBOE index option grid: nickels below $3, dimes above.
var defaultTickRules = []TickRule{
	{MinPrice: 0, Tick: 0.05},
	{MinPrice: 3, Tick: 0.10},
}

// Config represents the complete application configuration.
type Config struct {
	Symbols     map[string]*SymbolConfig `yaml:"symbols"`
	Environment EnvironmentConfig        `yaml:"environment"`
	Broker      BrokerConfig             `yaml:"broker"`
	Schedule    ScheduleConfig           `yaml:"schedule"`
	Strategy    StrategyConfig           `yaml:"strategy"`
	Orders      OrdersConfig             `yaml:"orders"`
	Gate        GateConfig               `yaml:"gate"`
	Storage     StorageConfig            `yaml:"storage"`
	Status      StatusConfig             `yaml:"status"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"` // tradier | sim
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
	Sandbox     bool   `yaml:"sandbox"`
}

// StrategyConfig defines which symbols are traded and how orders are tagged.
type StrategyConfig struct {
	Tag                  string   `yaml:"tag"`
	SymbolList           []string `yaml:"symbol_list"`
	MaxConcurrentSymbols int      `yaml:"max_concurrent_symbols"`
}

// OrdersConfig drives the order submitter.
type OrdersConfig struct {
	Quiescence     time.Duration `yaml:"quiescence"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	FillTimeout    time.Duration `yaml:"fill_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	Urgency        string        `yaml:"urgency"` // Patient | Normal | Urgent
	AdjustTicks    *int          `yaml:"adjust_ticks"`    // unset uses the default; 0 disables the price walk
	MaxAdjustments *int          `yaml:"max_adjustments"` // unset uses the default; 0 disables the price walk
}

// GateConfig holds the entry preconditions checked before a symbol is traded.
type GateConfig struct {
	ORBType    string  `yaml:"orb_type"` // low | high
	VIXSymbol  string  `yaml:"vix_symbol"`
	ORBSeconds int     `yaml:"orb_seconds"`
	MinVIXPct  float64 `yaml:"min_vix_pct"`
	ORBEnabled bool    `yaml:"orb_enabled"`
	CheckVIX   bool    `yaml:"check_vix"`
}

// ScheduleConfig defines the trading window.
type ScheduleConfig struct {
	Timezone     string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart string `yaml:"trading_start"` // "HH:MM"
	TradingEnd   string `yaml:"trading_end"`   // "HH:MM"
}

// StorageConfig defines where intraday state is written.
type StorageConfig struct {
	TradeCounterPath string `yaml:"trade_counter_path"`
	JournalPath      string `yaml:"journal_path"`
}

// StatusConfig configures the read-only status endpoint.
type StatusConfig struct {
	AuthToken string `yaml:"auth_token"`
	Port      int    `yaml:"port"`
	Enabled   bool   `yaml:"enabled"`
}

// SymbolConfig is the validated per-symbol entry record.
type SymbolConfig struct {
	Symbol         string           `yaml:"-"`
	SecType        models.SecType   `yaml:"sec_type"`
	Exchange       string           `yaml:"exchange"`
	OptExchange    string           `yaml:"opt_exchange"`
	TradingClass   string           `yaml:"trading_class"`
	Currency       string           `yaml:"currency"`
	TickRules      []TickRule       `yaml:"tick_rules"`
	Quantity       int              `yaml:"quantity"`
	MaxOpenTrades  int              `yaml:"max_open_trades"`
	FuturesRoll    int              `yaml:"futures_roll_days"`
	Multiplier     float64          `yaml:"multiplier"`
	ShortPutDelta  float64          `yaml:"short_put_delta"`  // 0-100
	ShortCallDelta float64          `yaml:"short_call_delta"` // 0-100
	LongPutOffset  float64          `yaml:"long_put_offset"`
	LongCallOffset float64          `yaml:"long_call_offset"`
	StrikeTol      float64          `yaml:"strike_tolerance"`
	UseAdaptive    bool             `yaml:"use_adaptive"`
	Action         models.Action    `yaml:"action"`
}

// TickRule applies Tick to prices at or above MinPrice.
type TickRule struct {
	MinPrice float64 `yaml:"min_price"`
	Tick     float64 `yaml:"tick"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
// It also fills in defaults, so a validated config is ready to use.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	switch c.Broker.Provider {
	case "tradier":
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
	case "sim":
	default:
		return fmt.Errorf("broker.provider must be 'tradier' or 'sim'")
	}

	if len(c.Strategy.SymbolList) == 0 {
		return fmt.Errorf("strategy.symbol_list must not be empty")
	}
	seen := make(map[string]bool, len(c.Strategy.SymbolList))
	for _, s := range c.Strategy.SymbolList {
		if _, ok := c.Symbols[s]; !ok {
			return fmt.Errorf("strategy.symbol_list: %w: %s has no symbols entry", models.ErrUnknownSymbol, s)
		}
		if seen[s] {
			return fmt.Errorf("strategy.symbol_list: %s is listed more than once", s)
		}
		seen[s] = true
	}
	if c.Strategy.MaxConcurrentSymbols < 1 {
		return fmt.Errorf("strategy.max_concurrent_symbols must be >= 1")
	}

	for name, sc := range c.Symbols {
		if err := sc.validate(); err != nil {
			return fmt.Errorf("symbols.%s.%w", name, err)
		}
	}

	if *c.Orders.AdjustTicks < 0 {
		return fmt.Errorf("orders.adjust_ticks must be >= 0")
	}
	if *c.Orders.MaxAdjustments < 0 {
		return fmt.Errorf("orders.max_adjustments must be >= 0")
	}
	if c.Orders.Quiescence > c.Orders.FillTimeout {
		return fmt.Errorf("orders.quiescence (%s) must be <= orders.fill_timeout (%s)",
			c.Orders.Quiescence, c.Orders.FillTimeout)
	}
	switch c.Orders.Urgency {
	case "Patient", "Normal", "Urgent":
	default:
		return fmt.Errorf("orders.urgency must be one of Patient, Normal, Urgent")
	}

	if c.Gate.ORBType != "low" && c.Gate.ORBType != "high" {
		return fmt.Errorf("gate.orb_type must be 'low' or 'high'")
	}
	if c.Gate.ORBSeconds <= 0 || c.Gate.ORBSeconds > 6*3600 {
		return fmt.Errorf("gate.orb_seconds must be between 1 and 21600")
	}

	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port must be a valid TCP port")
	}

	loc := c.Location()
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || !s.Before(e) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	return nil
}

func (sc *SymbolConfig) validate() error {
	if sc.Quantity <= 0 {
		return fmt.Errorf("quantity must be > 0")
	}
	if sc.MaxOpenTrades <= 0 {
		return fmt.Errorf("max_open_trades must be > 0")
	}
	if sc.SecType != models.SecTypeIndex && sc.SecType != models.SecTypeFuture {
		return fmt.Errorf("sec_type must be IND or FUT")
	}
	if sc.Exchange == "" {
		return fmt.Errorf("exchange is required")
	}
	if sc.TradingClass == "" {
		return fmt.Errorf("trading_class is required")
	}
	if sc.ShortPutDelta <= 0 || sc.ShortPutDelta >= 100 {
		return fmt.Errorf("short_put_delta must be between 0 and 100")
	}
	if sc.ShortCallDelta <= 0 || sc.ShortCallDelta >= 100 {
		return fmt.Errorf("short_call_delta must be between 0 and 100")
	}
	if sc.LongPutOffset <= 0 {
		return fmt.Errorf("long_put_offset must be > 0")
	}
	if sc.LongCallOffset <= 0 {
		return fmt.Errorf("long_call_offset must be > 0")
	}
	if sc.StrikeTol <= 0 {
		return fmt.Errorf("strike_tolerance must be > 0")
	}
	if sc.Multiplier <= 0 {
		return fmt.Errorf("multiplier must be > 0")
	}
	if sc.Action != models.ActionSell && sc.Action != models.ActionBuy {
		return fmt.Errorf("action must be 'buy' or 'sell'")
	}
	for i, r := range sc.TickRules {
		if r.Tick <= 0 {
			return fmt.Errorf("tick_rules[%d].tick must be > 0", i)
		}
		if r.MinPrice < 0 {
			return fmt.Errorf("tick_rules[%d].min_price must be >= 0", i)
		}
		if i > 0 && r.MinPrice <= sc.TickRules[i-1].MinPrice {
			return fmt.Errorf("tick_rules must be sorted by ascending min_price")
		}
	}
	if sc.TickRules[0].MinPrice != 0 {
		return fmt.Errorf("tick_rules[0].min_price must be 0")
	}
	return nil
}

// normalize sets default values for unset fields
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "tradier"
	}
	if c.Strategy.Tag == "" {
		c.Strategy.Tag = defaultStrategyTag
	}
	if c.Strategy.MaxConcurrentSymbols == 0 {
		c.Strategy.MaxConcurrentSymbols = 1
	}
	if c.Orders.Quiescence <= 0 {
		c.Orders.Quiescence = defaultQuiescence
	}
	if c.Orders.PollInterval <= 0 {
		c.Orders.PollInterval = defaultPollInterval
	}
	if c.Orders.FillTimeout <= 0 {
		c.Orders.FillTimeout = defaultFillTimeout
	}
	if c.Orders.CallTimeout <= 0 {
		c.Orders.CallTimeout = defaultCallTimeout
	}
	if c.Orders.AdjustTicks == nil {
		n := defaultAdjustTicks
		c.Orders.AdjustTicks = &n
	}
	if c.Orders.MaxAdjustments == nil {
		n := defaultMaxAdjustments
		c.Orders.MaxAdjustments = &n
	}
	if c.Orders.Urgency == "" {
		c.Orders.Urgency = defaultUrgency
	}
	if c.Gate.ORBType == "" {
		c.Gate.ORBType = "low"
	}
	if c.Gate.ORBSeconds == 0 {
		c.Gate.ORBSeconds = defaultORBSeconds
	}
	if c.Gate.VIXSymbol == "" {
		c.Gate.VIXSymbol = "VIX"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.TradingStart == "" {
		c.Schedule.TradingStart = "09:30"
	}
	if c.Schedule.TradingEnd == "" {
		c.Schedule.TradingEnd = "16:00"
	}
	if c.Storage.TradeCounterPath == "" {
		c.Storage.TradeCounterPath = "trade_counts.json"
	}
	for name, sc := range c.Symbols {
		if sc == nil {
			sc = &SymbolConfig{}
			c.Symbols[name] = sc
		}
		sc.Symbol = name
		if sc.SecType == "" {
			sc.SecType = models.SecTypeIndex
		}
		if sc.OptExchange == "" {
			sc.OptExchange = sc.Exchange
		}
		if sc.TradingClass == "" {
			sc.TradingClass = DefaultTradingClass(name)
		}
		if sc.Currency == "" {
			sc.Currency = "USD"
		}
		if sc.Multiplier == 0 {
			sc.Multiplier = defaultMultiplier
		}
		if sc.StrikeTol == 0 {
			sc.StrikeTol = defaultStrikeTol
		}
		if sc.Action == "" {
			sc.Action = models.ActionSell
		}
		if sc.FuturesRoll == 0 {
			sc.FuturesRoll = defaultFuturesRoll
		}
		if len(sc.TickRules) == 0 {
			sc.TickRules = append([]TickRule(nil), defaultTickRules...)
		}
	}
}

// DefaultTradingClass returns the daily-expiry trading class for well known
// roots, falling back to the symbol itself.
func DefaultTradingClass(symbol string) string {
	switch strings.ToUpper(symbol) {
	case "SPX":
		return "SPXW"
	case "NDX":
		return "NDXP"
	case "RUT":
		return "RUTW"
	case "XSP":
		return "XSP"
	default:
		return strings.ToUpper(symbol)
	}
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Symbol returns the configuration record for a symbol.
func (c *Config) Symbol(symbol string) (*SymbolConfig, error) {
	sc, ok := c.Symbols[symbol]
	if !ok || sc == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownSymbol, symbol)
	}
	return sc, nil
}

// SymbolNames returns the configured symbol list in trading order.
func (c *Config) SymbolNames() []string {
	if len(c.Strategy.SymbolList) > 0 {
		return append([]string(nil), c.Strategy.SymbolList...)
	}
	names := make([]string, 0, len(c.Symbols))
	for n := range c.Symbols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TickSize returns the price increment for a symbol at a price level.
func (c *Config) TickSize(symbol string, price float64) (float64, error) {
	sc, err := c.Symbol(symbol)
	if err != nil {
		return 0, err
	}
	return sc.TickSize(price), nil
}

// TickSize returns the tick of the highest band whose MinPrice <= |price|.
func (sc *SymbolConfig) TickSize(price float64) float64 {
	if price < 0 {
		price = -price
	}
	tick := sc.TickRules[0].Tick
	for _, r := range sc.TickRules {
		if price >= r.MinPrice {
			tick = r.Tick
		}
	}
	return tick
}

// ShortPutTarget returns the short put delta on the 0-1 scale used by quote feeds.
func (sc *SymbolConfig) ShortPutTarget() float64 {
	return sc.ShortPutDelta / 100
}

// ShortCallTarget returns the short call delta on the 0-1 scale used by quote feeds.
func (sc *SymbolConfig) ShortCallTarget() float64 {
	return sc.ShortCallDelta / 100
}

// Location returns the schedule time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		if fallback, err2 := time.LoadLocation(defaultTimezone); err2 == nil {
			return fallback
		}
		// DST-agnostic fallback for minimal containers
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// IsWithinTradingHours checks if the given time falls within configured trading hours.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc := c.Location()
	today := now.In(loc)

	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		startClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}
