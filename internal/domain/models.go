package domain

import (
	"encoding/json"
	"math"
	"time"
)

// Session is the current trading session. Computed from wall-clock time,
// never persisted.
type Session string

const (
	SessionPre    Session = "pre"
	SessionLive   Session = "live"
	SessionAfter  Session = "after"
	SessionClosed Session = "closed"
)

// SnapshotTTL is how long a last-known rank snapshot stays valid. Live
// ticks churn fast; outside regular hours the feed is slower, so entries
// may live longer.
func (s Session) SnapshotTTL() time.Duration {
	if s == SessionLive {
		return 30 * time.Second
	}
	return 120 * time.Second
}

// Field is a sortable rank metric.
type Field string

const (
	FieldPrice   Field = "price"
	FieldCap     Field = "cap"
	FieldCapDiff Field = "capdiff"
	FieldChange  Field = "chg"
	FieldZScore  Field = "zscore"
	FieldRVol    Field = "rvol"
)

// CoreFields are indexed on every rank update. ZScore and RVol are
// indexed only when the record carries them.
func CoreFields() []Field {
	return []Field{FieldPrice, FieldCap, FieldCapDiff, FieldChange}
}

func AllFields() []Field {
	return []Field{FieldPrice, FieldCap, FieldCapDiff, FieldChange, FieldZScore, FieldRVol}
}

func ValidField(f Field) bool {
	switch f {
	case FieldPrice, FieldCap, FieldCapDiff, FieldChange, FieldZScore, FieldRVol:
		return true
	}
	return false
}

// Order is the scan direction of a rank index.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

func ValidOrder(o Order) bool { return o == Asc || o == Desc }

// RankRecord is the ephemeral per-symbol state behind every rank index.
// The cache holding these is derivative of upstream ticks and fully
// reconstructable, so losing one is never fatal.
type RankRecord struct {
	Symbol         string    `json:"symbol" msgpack:"s"`
	Price          float64   `json:"price" msgpack:"p"`
	MarketCap      float64   `json:"marketCap" msgpack:"mc"`
	MarketCapDiff  float64   `json:"marketCapDiff" msgpack:"md"`
	ChangePct      float64   `json:"changePct" msgpack:"c"`
	ZScore         *float64  `json:"zscore,omitempty" msgpack:"z,omitempty"`
	RVol           *float64  `json:"rvol,omitempty" msgpack:"rv,omitempty"`
	Classification string    `json:"classification,omitempty" msgpack:"cl,omitempty"`
	Updated        time.Time `json:"updated" msgpack:"u"`
}

// Score maps a field to its sorted-index score. Percent-style metrics are
// scaled to integers so ordering survives float formatting; magnitudes like
// market cap rank on the raw value. The transform only has to be monotonic.
func (r RankRecord) Score(f Field) (float64, bool) {
	switch f {
	case FieldPrice:
		return math.Round(r.Price * 1e4), true
	case FieldCap:
		return r.MarketCap, true
	case FieldCapDiff:
		return r.MarketCapDiff, true
	case FieldChange:
		return math.Round(r.ChangePct * 1e4), true
	case FieldZScore:
		if r.ZScore == nil {
			return 0, false
		}
		return math.Round(*r.ZScore * 1e4), true
	case FieldRVol:
		if r.RVol == nil {
			return 0, false
		}
		return math.Round(*r.RVol * 1e4), true
	}
	return 0, false
}

// Ticker is the durable per-security row. Derived fields are pointers:
// a NULL column means "never computed", which the auditor treats
// differently from a stored zero.
type Ticker struct {
	Symbol              string
	Sector              string
	Industry            string
	SharesOutstanding   float64
	LogoURL             string
	LatestPrevClose     float64
	LatestPrevCloseDate time.Time
	LastPrice           float64
	LastChangePct       *float64
	LastMarketCap       *float64
	LastMarketCapDiff   *float64
	LastPriceUpdated    time.Time
}

// DailyRef is the durable (symbol, trading day) reference-price row.
type DailyRef struct {
	Symbol        string
	Date          time.Time
	PreviousClose float64
	RegularClose  float64
}

// Bar is one daily aggregate from the upstream pricing API.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// TickerDetails is upstream reference data used by the auditor's fixes.
type TickerDetails struct {
	Symbol            string
	SharesOutstanding float64
	Industry          string
	LogoURL           string
}

// FailedJob is a dead-letter entry. NextRetry is fixed at insertion from
// the backoff table; the queue itself never retries anything.
type FailedJob struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"timestamp"`
	NextRetry time.Time       `json:"nextRetry"`
}

// IntegrityIssue is one classified finding from an audit pass.
// Consistency problems are data, not errors.
type IntegrityIssue struct {
	Code    string `json:"code"`
	Symbol  string `json:"symbol"`
	Details string `json:"details,omitempty"`
}

// DateKey formats a time as the date component used in cache keys.
func DateKey(t time.Time) string { return t.Format("2006-01-02") }
