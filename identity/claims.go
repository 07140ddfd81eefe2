package identity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Source names the claim variant an id was taken from.
type Source string

const (
	SourceDirect    Source = "direct"
	SourceGoogle    Source = "google"
	SourceGitHub    Source = "github"
	SourceMicrosoft Source = "microsoft"
	SourceSSO       Source = "sso"
)

// Claims is a verified claims payload split into the variants the
// resolver knows about. Anything else is kept in Extra.
type Claims struct {
	DirectUserID     string
	GoogleID         string
	GitHubID         string
	MicrosoftID      string
	Subject          string
	Email            string
	AuthProvider     string
	SubscriptionTier string
	Extra            map[string]any
}

// Known claim names per field, first non-empty wins.
var claimFields = []struct {
	names []string
	set   func(c *Claims, v string)
}{
	{[]string{"user_id", "userId", "uid"}, func(c *Claims, v string) { c.DirectUserID = v }},
	{[]string{"google_id", "googleId"}, func(c *Claims, v string) { c.GoogleID = v }},
	{[]string{"github_id", "githubId"}, func(c *Claims, v string) { c.GitHubID = v }},
	{[]string{"microsoft_id", "microsoftId", "oid"}, func(c *Claims, v string) { c.MicrosoftID = v }},
	{[]string{"sub"}, func(c *Claims, v string) { c.Subject = v }},
	{[]string{"email"}, func(c *Claims, v string) { c.Email = strings.ToLower(v) }},
	{[]string{"auth_provider", "provider"}, func(c *Claims, v string) { c.AuthProvider = v }},
	{[]string{"subscription_tier", "tier"}, func(c *Claims, v string) { c.SubscriptionTier = v }},
}

// ParseClaims sorts a raw claims map into Claims.
func ParseClaims(raw map[string]any) Claims {
	c := Claims{Extra: make(map[string]any)}
	known := make(map[string]struct{})

	for _, field := range claimFields {
		for _, name := range field.names {
			known[name] = struct{}{}
			if v, ok := stringClaim(raw[name]); ok {
				field.set(&c, v)
				break
			}
		}
	}
	for k, v := range raw {
		if _, ok := known[k]; !ok {
			c.Extra[k] = v
		}
	}
	return c
}

// stringClaim converts the scalar shapes ids arrive in (GitHub ids are
// numeric in JSON) into a trimmed string.
func stringClaim(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case fmt.Stringer:
		s = t.String()
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// matcher maps one claim variant to a namespaced id.
type matcher struct {
	source Source
	prefix string
	value  func(c Claims) string
}

// matchers are in primary-id priority order: the application's own user
// id, then OAuth provider ids, then the SSO subject.
var matchers = []matcher{
	{SourceDirect, "", func(c Claims) string { return c.DirectUserID }},
	{SourceGoogle, "google:", func(c Claims) string { return c.GoogleID }},
	{SourceGitHub, "github:", func(c Claims) string { return c.GitHubID }},
	{SourceMicrosoft, "microsoft:", func(c Claims) string { return c.MicrosoftID }},
	{SourceSSO, "", func(c Claims) string { return c.Subject }},
}

// IDs returns the primary id, the source it came from and the deduplicated
// alternate ids. ok is false when the claims carry no usable id.
func (c Claims) IDs() (primary string, source Source, alternates []string, ok bool) {
	seen := make(map[string]struct{})
	for _, m := range matchers {
		v := m.value(c)
		if v == "" {
			continue
		}
		id := m.prefix + v
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if primary == "" {
			primary, source = id, m.source
			continue
		}
		alternates = append(alternates, id)
	}
	return primary, source, alternates, primary != ""
}
