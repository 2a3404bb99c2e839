package feedback

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrMissingCallHash = errors.New("feedback event missing call id hash")
	ErrMissingVariant  = errors.New("feedback event missing policy variant id")
	ErrNotAnonymized   = errors.New("feedback event not anonymized")
	ErrBadRating       = errors.New("user rating out of range 1..5")
)

// Signals are the raw per-call observations the reward is computed from.
// Zero values are the neutral defaults.
type Signals struct {
	Resolution   bool  `json:"resolution"`
	UserRating   *int  `json:"user_rating,omitempty"` // 1..5, nil when not given
	BargeInCount int   `json:"barge_in_count"`
	Repeats      int   `json:"repeats"`
	Handover     bool  `json:"handover"`
	DurationSec  int   `json:"duration_sec"`
}

// Event is the anonymized record persisted per call. Raw call ids,
// profile identifiers and timestamps never reach the store: ids and
// profiles are hashed and the timestamp rounded to the hour before
// construction.
type Event struct {
	CallIDHash      string  `json:"call_id_hash"`
	TsHour          int64   `json:"ts_hour"` // unix seconds, rounded down to the hour
	Profile         string  `json:"profile"`
	PolicyVariantID string  `json:"policy_variant_id"`
	Signals         Signals `json:"signals"`
	Reward          float64 `json:"reward"`
}

// hashLen is the truncated hex length of the call id hash. Enough to key
// records, short enough to be useless for re-identification joins.
const hashLen = 16

// profileHashLen is shorter still: profiles only need to group, never
// to key.
const profileHashLen = 8

// HashCallID anonymizes a raw call id.
func HashCallID(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// HashProfile anonymizes a raw profile identifier. Empty stays empty.
func HashProfile(raw string) string {
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("profile:" + raw))
	return hex.EncodeToString(sum[:])[:profileHashLen]
}

// RoundToHour truncates a timestamp to hour precision, in UTC.
func RoundToHour(t time.Time) int64 {
	return t.UTC().Truncate(time.Hour).Unix()
}

// NewEvent builds an anonymized event from raw call identifiers. The
// call id and profile are hashed here; raw values never reach the store.
func NewEvent(rawCallID string, at time.Time, profile, variantID string, sig Signals, reward float64) Event {
	return Event{
		CallIDHash:      HashCallID(rawCallID),
		TsHour:          RoundToHour(at),
		Profile:         HashProfile(profile),
		PolicyVariantID: variantID,
		Signals:         sig,
		Reward:          reward,
	}
}

// Validate rejects events with missing required fields or fields that look
// like raw (non-anonymized) inputs.
func (e Event) Validate() error {
	if e.CallIDHash == "" {
		return ErrMissingCallHash
	}
	if e.PolicyVariantID == "" {
		return ErrMissingVariant
	}
	if len(e.CallIDHash) != hashLen || !isHex(e.CallIDHash) {
		return ErrNotAnonymized
	}
	if e.TsHour%3600 != 0 {
		return ErrNotAnonymized
	}
	if e.Profile != "" && (len(e.Profile) != profileHashLen || !isHex(e.Profile)) {
		return ErrNotAnonymized
	}
	if e.Signals.UserRating != nil {
		if r := *e.Signals.UserRating; r < 1 || r > 5 {
			return ErrBadRating
		}
	}
	return nil
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
