package messaging

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrOrgNotFound is returned when a destination number maps to no clinic.
	ErrOrgNotFound = errors.New("messaging: org not found for number")
	phoneDigitsRe  = regexp.MustCompile(`\d+`)
)

// NormalizeE164 strips transport prefixes such as "whatsapp:" and formatting,
// returning "+" followed by digits.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if i := strings.Index(value, ":"); i >= 0 {
		value = value[i+1:]
	}
	digits := sanitizePhone(value)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

func sanitizePhone(value string) string {
	return strings.Join(phoneDigitsRe.FindAllString(value, -1), "")
}

// OrgResolver maps the number a patient contacted to the clinic that owns it.
type OrgResolver interface {
	ResolveOrgID(ctx context.Context, toNumber string) (string, error)
}

// StaticOrgResolver is an in-memory number-to-org table with an optional
// catch-all organization.
type StaticOrgResolver struct {
	mapping    map[string]string
	defaultOrg string
}

func NewStaticOrgResolver(mapping map[string]string, defaultOrg string) *StaticOrgResolver {
	normalized := make(map[string]string, len(mapping))
	for raw, org := range mapping {
		if clean := sanitizePhone(raw); clean != "" && org != "" {
			normalized[clean] = org
		}
	}
	return &StaticOrgResolver{mapping: normalized, defaultOrg: strings.TrimSpace(defaultOrg)}
}

func (r *StaticOrgResolver) ResolveOrgID(_ context.Context, toNumber string) (string, error) {
	if r == nil {
		return "", ErrOrgNotFound
	}
	if org, ok := r.mapping[sanitizePhone(toNumber)]; ok {
		return org, nil
	}
	if r.defaultOrg != "" {
		return r.defaultOrg, nil
	}
	return "", ErrOrgNotFound
}
