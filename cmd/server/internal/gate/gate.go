package gate

import (
	"net"
	"net/http"
	"time"

	"github.com/d789d/live-editor-clean/cmd/server/internal/audit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/metrics"
	"github.com/d789d/live-editor-clean/cmd/server/internal/ratelimit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/session"
)

// Action names an operation the gate knows how to authorize.
type Action string

const (
	ActionCreateDefinition Action = "create_definition"
	ActionAddVersion       Action = "add_version"
	ActionActivateVersion  Action = "activate_version"
	ActionDeactivate       Action = "deactivate_definition"
	ActionListForEditing   Action = "list_for_editing"
	ActionListDefinitions  Action = "list_definitions"
	ActionDeleteDefinition Action = "delete_definition"
	ActionGetActiveContent Action = "get_active_content"
	ActionQueryAudit       Action = "query_audit"
	ActionViewAnalytics    Action = "view_analytics"
	ActionStepUpEnroll     Action = "stepup_enroll"
	ActionGenerateText     Action = "generate_text"
)

// DenialCode is the machine-readable reason a request was refused.
type DenialCode string

const (
	CodeIPNotAllowed  DenialCode = "IP_NOT_ALLOWED"
	CodeActorInactive DenialCode = "ACTOR_INACTIVE"
	CodeRoleRequired  DenialCode = "ROLE_REQUIRED"
	CodeOwnerRequired DenialCode = "OWNER_REQUIRED"
	CodeSessionStale  DenialCode = "SESSION_EXPIRED"
	CodeStepUpMissing DenialCode = "STEPUP_REQUIRED"
	CodeStepUpInvalid DenialCode = "STEPUP_INVALID"
	CodeRateLimited   DenialCode = "RATE_LIMITED"
)

// Denial describes a refused request. AuditAction tells the caller
// which event to record; the gate itself never writes the trail.
type Denial struct {
	Code        DenialCode
	HTTPStatus  int
	Message     string
	Stage       string
	AuditAction audit.AuditAction
	RetryAfter  time.Duration
}

// policy is the static per-action authorization table.
type policy struct {
	roles     map[session.Role]bool // nil means any authenticated role
	ownerOnly bool
	stepUp    bool
	readOnly  bool
	// public marks end-user serving actions. They skip the admin IP
	// allowlist and the session-freshness ceiling but keep the actor,
	// role and rate-limit stages.
	public bool
	class  ratelimit.Class
}

var policies = map[Action]policy{
	ActionCreateDefinition: {
		roles: map[session.Role]bool{session.RoleModerator: true, session.RoleOwner: true},
		class: ratelimit.ClassAdmin,
	},
	ActionAddVersion: {
		roles: map[session.Role]bool{session.RoleModerator: true, session.RoleOwner: true},
		class: ratelimit.ClassAdmin,
	},
	ActionActivateVersion: {
		roles: map[session.Role]bool{session.RoleModerator: true, session.RoleOwner: true},
		class: ratelimit.ClassDestructive,
	},
	ActionDeactivate: {
		roles: map[session.Role]bool{session.RoleModerator: true, session.RoleOwner: true},
		class: ratelimit.ClassDestructive,
	},
	ActionListForEditing: {
		ownerOnly: true,
		readOnly:  true,
		class:     ratelimit.ClassAdmin,
	},
	ActionListDefinitions: {
		roles:    map[session.Role]bool{session.RoleModerator: true, session.RoleOwner: true},
		readOnly: true,
		class:    ratelimit.ClassAdmin,
	},
	ActionDeleteDefinition: {
		ownerOnly: true,
		stepUp:    true,
		class:     ratelimit.ClassDestructive,
	},
	ActionGetActiveContent: {
		readOnly: true,
		public:   true,
		class:    ratelimit.ClassGeneral,
	},
	ActionQueryAudit: {
		roles:    map[session.Role]bool{session.RoleModerator: true, session.RoleOwner: true},
		readOnly: true,
		class:    ratelimit.ClassAdmin,
	},
	ActionViewAnalytics: {
		roles:    map[session.Role]bool{session.RoleModerator: true, session.RoleOwner: true},
		readOnly: true,
		class:    ratelimit.ClassAdmin,
	},
	// Enrollment rides the admin class so the step-up window counts
	// verification failures only.
	ActionStepUpEnroll: {
		roles: map[session.Role]bool{session.RoleModerator: true, session.RoleOwner: true},
		class: ratelimit.ClassAdmin,
	},
	ActionGenerateText: {
		public: true,
		class:  ratelimit.ClassTextGen,
	},
}

// Request carries everything a single authorization decision needs.
type Request struct {
	Actor      *session.Actor
	SourceIP   string
	Action     Action
	StepUpCode string
}

// Gate runs the fixed predicate pipeline for administrative requests:
// ip allowlist, actor active, role, session freshness, step-up, rate
// limit. The order is deliberate: disallowed callers never reach
// business checks, and rate limiting runs last so that failed
// authentication attempts still count toward their own limiter.
// Public serving actions run a lighter pipeline without the ip and
// session stages.
type Gate struct {
	allowlist     []net.IP
	bypassIPCheck bool
	sessionMaxAge time.Duration
	limiter       *ratelimit.Limiter
	stepUp        *StepUp

	now func() time.Time
}

// Options configures a Gate.
type Options struct {
	AdminIPAllowlist []string
	BypassIPCheck    bool
	SessionMaxAge    time.Duration
	Limiter          *ratelimit.Limiter
	StepUp           *StepUp
}

func New(opts Options) *Gate {
	var ips []net.IP
	for _, s := range opts.AdminIPAllowlist {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}
	maxAge := opts.SessionMaxAge
	if maxAge <= 0 {
		maxAge = 2 * time.Hour
	}
	return &Gate{
		allowlist:     ips,
		bypassIPCheck: opts.BypassIPCheck,
		sessionMaxAge: maxAge,
		limiter:       opts.Limiter,
		stepUp:        opts.StepUp,
		now:           time.Now,
	}
}

// StepUp exposes the enrollment manager for the API layer.
func (g *Gate) StepUpManager() *StepUp { return g.stepUp }

// Authorize runs the pipeline and returns nil when the request may
// proceed. The first failing predicate wins.
func (g *Gate) Authorize(req Request) *Denial {
	pol, ok := policies[req.Action]
	if !ok {
		// Unknown actions are refused rather than silently allowed.
		return g.deny(&Denial{
			Code:        CodeRoleRequired,
			HTTPStatus:  http.StatusForbidden,
			Message:     "unknown operation",
			Stage:       "role",
			AuditAction: audit.ActionUnauthorizedAccess,
		})
	}

	if !pol.public {
		if d := g.checkIP(req); d != nil {
			return g.deny(d)
		}
	}
	if d := g.checkActor(req); d != nil {
		return g.deny(d)
	}
	if d := g.checkRole(req, pol); d != nil {
		return g.deny(d)
	}
	if !pol.public {
		if d := g.checkSessionAge(req); d != nil {
			return g.deny(d)
		}
	}
	if d := g.checkStepUp(req, pol); d != nil {
		return g.deny(d)
	}
	if d := g.checkRateLimit(req, pol); d != nil {
		return g.deny(d)
	}
	return nil
}

func (g *Gate) deny(d *Denial) *Denial {
	metrics.RecordGateDenial(d.Stage, string(d.Code))
	return d
}

func (g *Gate) checkIP(req Request) *Denial {
	if g.bypassIPCheck || len(g.allowlist) == 0 {
		return nil
	}
	source := net.ParseIP(req.SourceIP)
	if source != nil {
		// net.IP.Equal treats ::ffff:a.b.c.d and a.b.c.d as the
		// same address, which covers IPv6-mapped callers.
		for _, allowed := range g.allowlist {
			if allowed.Equal(source) {
				return nil
			}
		}
	}
	return &Denial{
		Code:        CodeIPNotAllowed,
		HTTPStatus:  http.StatusForbidden,
		Message:     "source address is not on the admin allowlist",
		Stage:       "ip",
		AuditAction: audit.ActionUnauthorizedAccess,
	}
}

func (g *Gate) checkActor(req Request) *Denial {
	if req.Actor != nil && req.Actor.Active {
		return nil
	}
	return &Denial{
		Code:        CodeActorInactive,
		HTTPStatus:  http.StatusForbidden,
		Message:     "account is not active",
		Stage:       "identity",
		AuditAction: audit.ActionUnauthorizedAccess,
	}
}

func (g *Gate) checkRole(req Request, pol policy) *Denial {
	if pol.ownerOnly {
		if req.Actor.Role == session.RoleOwner {
			return nil
		}
		return &Denial{
			Code:        CodeOwnerRequired,
			HTTPStatus:  http.StatusForbidden,
			Message:     "operation requires the owner role",
			Stage:       "role",
			AuditAction: audit.ActionUnauthorizedAccess,
		}
	}
	if pol.roles == nil || pol.roles[req.Actor.Role] {
		return nil
	}
	return &Denial{
		Code:        CodeRoleRequired,
		HTTPStatus:  http.StatusForbidden,
		Message:     "insufficient role for this operation",
		Stage:       "role",
		AuditAction: audit.ActionUnauthorizedAccess,
	}
}

// checkSessionAge enforces the session-freshness ceiling independently
// of token expiry.
func (g *Gate) checkSessionAge(req Request) *Denial {
	issued := req.Actor.SessionIssuedAt
	if !issued.IsZero() && g.now().Sub(issued) <= g.sessionMaxAge {
		return nil
	}
	return &Denial{
		Code:        CodeSessionStale,
		HTTPStatus:  http.StatusUnauthorized,
		Message:     "session too old, re-authentication required",
		Stage:       "session",
		AuditAction: audit.ActionUnauthorizedAccess,
	}
}

func (g *Gate) checkStepUp(req Request, pol policy) *Denial {
	if !pol.stepUp || g.stepUp == nil {
		return nil
	}
	// Lockout on this class is itself a failed step-up attempt, so it
	// stays visible in the security-event window.
	if g.limiter != nil && g.limiter.Exceeded(ratelimit.ClassStepUp, req.Actor.ID, req.SourceIP) {
		return &Denial{
			Code:        CodeRateLimited,
			HTTPStatus:  http.StatusTooManyRequests,
			Message:     "too many failed step-up attempts",
			Stage:       "stepup",
			AuditAction: audit.ActionStepUpFailed,
			RetryAfter:  g.limiter.Limit(ratelimit.ClassStepUp).Window,
		}
	}
	if !g.stepUp.Confirmed(req.Actor.ID) {
		return &Denial{
			Code:        CodeStepUpMissing,
			HTTPStatus:  http.StatusForbidden,
			Message:     "step-up enrollment required for this operation",
			Stage:       "stepup",
			AuditAction: audit.ActionStepUpFailed,
		}
	}
	if err := g.stepUp.Verify(req.Actor.ID, req.StepUpCode); err != nil {
		// Failed codes count toward the step-up limiter to slow
		// brute force attempts.
		if g.limiter != nil {
			g.limiter.RecordFailure(ratelimit.ClassStepUp, req.Actor.ID, req.SourceIP)
		}
		return &Denial{
			Code:        CodeStepUpInvalid,
			HTTPStatus:  http.StatusForbidden,
			Message:     "step-up code rejected",
			Stage:       "stepup",
			AuditAction: audit.ActionStepUpFailed,
		}
	}
	return nil
}

func (g *Gate) checkRateLimit(req Request, pol policy) *Denial {
	if g.limiter == nil {
		return nil
	}
	res := g.limiter.Check(pol.class, req.Actor.ID, req.SourceIP)
	if res.Allowed {
		return nil
	}
	metrics.RecordRateLimitRejection(string(pol.class))
	return &Denial{
		Code:        CodeRateLimited,
		HTTPStatus:  http.StatusTooManyRequests,
		Message:     "rate limit exceeded, retry later",
		Stage:       "ratelimit",
		AuditAction: audit.ActionRateLimitExceeded,
		RetryAfter:  res.RetryAfter,
	}
}
