// Package tenancy carries the authenticated clinic and caller identity
// through request contexts.
package tenancy

import "context"

type ctxKey string

const (
	orgKey   ctxKey = "patientflow.org_id"
	actorKey ctxKey = "patientflow.actor"
)

// WithOrgID stores the org id in context.
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgKey, orgID)
}

// OrgIDFromContext extracts the org id if present.
func OrgIDFromContext(ctx context.Context) (string, bool) {
	orgID, ok := ctx.Value(orgKey).(string)
	return orgID, ok && orgID != ""
}

// WithActor records who is acting, e.g. the JWT subject of a staff user.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the acting principal, or fallback when none is set.
func ActorFromContext(ctx context.Context, fallback string) string {
	if actor, ok := ctx.Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return fallback
}
