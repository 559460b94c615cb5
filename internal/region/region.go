// Package region resolves a client's preferred backend region from the
// country signal attached to an inbound request.
package region

import "strings"

// Unknown is the sentinel country value used when the client's country
// could not be determined.
const Unknown = "unknown"

// countryToRegion is the exact table from spec.md §6. Keys are always
// upper-cased ISO-2 country codes; lookups normalize the input.
var countryToRegion = map[string]string{
	"CN": "asia-east", "HK": "asia-east", "TW": "asia-east",
	"JP": "asia-northeast", "KR": "asia-northeast",
	"SG": "asia-southeast", "MY": "asia-southeast", "TH": "asia-southeast",
	"ID": "asia-southeast", "PH": "asia-southeast", "VN": "asia-southeast",
	"IN": "asia-south", "PK": "asia-south", "BD": "asia-south",
	"US": "us-west", "CA": "us-west",
	"MX": "americas-north",
	"BR": "americas-south", "AR": "americas-south", "CL": "americas-south",
	"GB": "europe-west", "DE": "europe-west", "FR": "europe-west",
	"NL": "europe-west", "IT": "europe-west", "ES": "europe-west",
	"PL": "europe-east", "CZ": "europe-east", "RU": "europe-east",
	"AU": "oceania", "NZ": "oceania",
}

// PreferredRegion looks up the preferred region for a country code.
// The lookup is case-insensitive; ok is false for the unknown sentinel,
// an empty string, or any country not present in the table.
func PreferredRegion(country string) (preferred string, ok bool) {
	if country == "" || strings.EqualFold(country, Unknown) {
		return "", false
	}
	region, found := countryToRegion[strings.ToUpper(country)]
	return region, found
}

// Context carries the per-request attributes the Selector and
// Forwarder need. It is constructed once per inbound request and never
// mutated afterward.
type Context struct {
	Method    string
	Path      string // URL path without the query, e.g. "/v1/items"; the query stays on the *http.Request
	ClientIP  string
	Country   string // ISO-2 or Unknown
	UserAgent string
}
