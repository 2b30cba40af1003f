package audit

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Well-known metadata keys.
const (
	KeyConsecutiveFailures = "consecutive_failures"
	KeyRecordCount         = "record_count"
	KeyGeolocation         = "ip_geolocation"
	KeyUsualLocation       = "usual_location"
	KeyUserEmail           = "user_email"
	KeyIsAdmin             = "is_admin"
	KeyNewRole             = "new_role"
	KeyRole                = "role"
	KeyIncidentID          = "incident_id"
	KeyResponseAction      = "response_action"
	KeyAutomated           = "automated"
)

// Metadata is the open JSON bag attached to an event.
// Accessors fail closed: a missing or malformed value reports ok=false.
type Metadata map[string]any

// ConsecutiveFailures returns metadata.consecutive_failures.
func (m Metadata) ConsecutiveFailures() (int, bool) {
	return m.Int(KeyConsecutiveFailures)
}

// RecordCount returns metadata.record_count.
func (m Metadata) RecordCount() (int, bool) {
	return m.Int(KeyRecordCount)
}

// Geolocation returns the location derived from the event's IP address.
func (m Metadata) Geolocation() (Location, bool) {
	return m.location(KeyGeolocation)
}

// UsualLocation returns the user's usual location as recorded by the producer.
func (m Metadata) UsualLocation() (Location, bool) {
	return m.location(KeyUsualLocation)
}

// UserEmail returns metadata.user_email.
func (m Metadata) UserEmail() (string, bool) {
	return m.String(KeyUserEmail)
}

// IsAdmin reports whether the actor was flagged as an administrator.
func (m Metadata) IsAdmin() bool {
	v, ok := m.Bool(KeyIsAdmin)
	return ok && v
}

// NewRole returns the role granted by a permission change.
// It reads new_role and falls back to role.
func (m Metadata) NewRole() (string, bool) {
	if r, ok := m.String(KeyNewRole); ok {
		return r, true
	}
	return m.String(KeyRole)
}

// String returns a non-empty string value.
func (m Metadata) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// Bool returns a boolean value. The strings "true" and "false" are accepted.
func (m Metadata) Bool(key string) (bool, bool) {
	switch v := m[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return b, true
	}
	return false, false
}

// Int returns an integral numeric value. Non-integral numbers are malformed.
func (m Metadata) Int(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return floatToInt(v)
	case float32:
		return floatToInt(float64(v))
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// maxExactFloat is the largest magnitude below which every integer has an
// exact float64 representation.
const maxExactFloat = 1 << 53

// floatToInt converts JSON-decoded numbers. Values past 2^53 can no longer be
// told apart from their neighbours and are treated as malformed.
func floatToInt(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if math.Abs(f) > maxExactFloat || f > math.MaxInt || f < math.MinInt {
		return 0, false
	}
	return int(f), true
}

func (m Metadata) location(key string) (Location, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return Location{}, false
	}
	return ParseLocation(v)
}

// Location is a normalised geographic location.
type Location struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
}

// ParseLocation accepts either "City, Region, Country" strings or objects with
// country/country_code, region and city fields.
func ParseLocation(v any) (Location, bool) {
	var loc Location
	switch t := v.(type) {
	case string:
		parts := strings.Split(t, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		switch len(parts) {
		case 1:
			loc.Country = parts[0]
		case 2:
			loc.City, loc.Country = parts[0], parts[1]
		default:
			loc.City = parts[0]
			loc.Region = parts[1]
			loc.Country = parts[len(parts)-1]
		}
	case map[string]any:
		md := Metadata(t)
		loc.Country, _ = md.String("country")
		if loc.Country == "" {
			loc.Country, _ = md.String("country_code")
		}
		loc.Region, _ = md.String("region")
		loc.City, _ = md.String("city")
	case Location:
		loc = t
	default:
		return Location{}, false
	}
	if loc.Key() == "" {
		return Location{}, false
	}
	return loc, true
}

// Key returns the normalised comparison key of the location.
func (l Location) Key() string {
	country := strings.ToLower(strings.TrimSpace(l.Country))
	region := strings.ToLower(strings.TrimSpace(l.Region))
	city := strings.ToLower(strings.TrimSpace(l.City))
	if country == "" && region == "" && city == "" {
		return ""
	}
	return country + "|" + region + "|" + city
}

// Differs reports whether two locations are distinguishable. Only fields present
// on both sides are compared, so "Paris, France" and "France" do not differ.
func (l Location) Differs(other Location) bool {
	cmp := func(a, b string) bool {
		a = strings.ToLower(strings.TrimSpace(a))
		b = strings.ToLower(strings.TrimSpace(b))
		return a != "" && b != "" && a != b
	}
	return cmp(l.Country, other.Country) || cmp(l.Region, other.Region) || cmp(l.City, other.City)
}

// String renders the location as "City, Region, Country".
func (l Location) String() string {
	var parts []string
	for _, p := range []string{l.City, l.Region, l.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
