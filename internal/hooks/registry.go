package hooks

import (
	"context"

	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/vcon-mcp/internal/vcon"
)

// Known is the compiled-in plugin registry Config.Plugins.Path names
// entries from. Go has no portable dynamic-library loading story, so
// unlike a .so/.dll path this selects among plugins linked into the
// binary at build time.
var Known = map[string]func() *Plugin{
	"audit-log": newAuditLogPlugin,
}

// newAuditLogPlugin logs every create/update/delete at info level,
// matching the teacher's habit of logging every mutating operation rather
// than relying on a request-logging middleware.
func newAuditLogPlugin() *Plugin {
	log := func(action string) func(ctx context.Context, vc *vcon.VCon, rc RequestContext) {
		return func(ctx context.Context, vc *vcon.VCon, rc RequestContext) {
			logi.Ctx(ctx).Info("vcon "+action, "uuid", vc.UUID, "user_id", rc.UserID)
		}
	}

	return &Plugin{
		Name:        "audit-log",
		Version:     "v1",
		AfterCreate: log("created"),
		AfterUpdate: log("updated"),
		AfterDelete: func(ctx context.Context, uuid string, rc RequestContext) {
			logi.Ctx(ctx).Info("vcon deleted", "uuid", uuid, "user_id", rc.UserID)
		},
	}
}
