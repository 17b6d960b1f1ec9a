package alerts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaxTitleLength matches the alerts.title column width
const MaxTitleLength = 500

var (
	// ErrMissingSignature is returned when the signature header is absent
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrInvalidSignature is returned when the signature does not match
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMissingSecret is returned when no secret is configured for a source
	ErrMissingSecret = errors.New("webhook secret not configured")
	// ErrInvalidPayload is returned when a body cannot be mapped to an alert
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// NormalizedAlert is the common alert shape every adapter produces
type NormalizedAlert struct {
	ExternalID string
	Title      string
	Message    string
	OccurredAt *time.Time
	Tags       []string
}

// Adapter maps one vendor's webhook into the canonical alert shape
type Adapter interface {
	// GetSourceType returns the source name used in /webhook/{source}
	GetSourceType() string

	// SignatureHeader names the header carrying the vendor signature
	SignatureHeader() string

	// VerifySignature checks header against an HMAC of body keyed by secret
	VerifySignature(body []byte, header, secret string) error

	// ParsePayload extracts the canonical fields; the raw body is stored separately
	ParsePayload(body []byte) (*NormalizedAlert, error)
}

// BaseAdapter provides common functionality for all adapters
type BaseAdapter struct {
	SourceType string
}

// GetSourceType returns the source type name
func (b *BaseAdapter) GetSourceType() string {
	return b.SourceType
}

// Registry holds the adapters by source name
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.GetSourceType()] = a
}

// Get returns the adapter for source
func (r *Registry) Get(source string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(source)]
	return a, ok
}

// Sources lists the registered source names
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}

// ComputeSignature returns the hex HMAC-SHA256 of body keyed by secret
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHexSignature compares a hex HMAC-SHA256 signature in constant time
func VerifyHexSignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return ErrMissingSecret
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// FlexString decodes a JSON string or number into a string
type FlexString string

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*f = FlexString(n.String())
	return nil
}

// ParseTimestamp accepts RFC3339 strings and unix seconds or milliseconds.
// It returns nil for empty or unparseable input.
func ParseTimestamp(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 {
		var t time.Time
		if f > 1e12 {
			t = time.UnixMilli(int64(f)).UTC()
		} else {
			sec := int64(f)
			t = time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
		}
		return &t
	}
	return nil
}

// TagMap splits "key:value" tags into a map; bare tags map to ""
func TagMap(tags []string) map[string]string {
	m := make(map[string]string, len(tags))
	for _, tag := range tags {
		key, value, _ := strings.Cut(tag, ":")
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, exists := m[key]; !exists {
			m[key] = strings.TrimSpace(value)
		}
	}
	return m
}

// TruncateTitle clips a title to the column width without splitting runes
func TruncateTitle(title string) string {
	title = strings.TrimSpace(title)
	if len(title) <= MaxTitleLength {
		return title
	}
	cut := MaxTitleLength
	for cut > 0 && !isRuneStart(title[cut]) {
		cut--
	}
	return title[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
