package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d789d/live-editor-clean/cmd/server/internal/audit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/gate"
	"github.com/d789d/live-editor-clean/cmd/server/internal/ratelimit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/session"
	"github.com/d789d/live-editor-clean/cmd/server/internal/store"
	"github.com/d789d/live-editor-clean/cmd/server/internal/textgen"
	"github.com/d789d/live-editor-clean/cmd/server/internal/vault"
)

type testServer struct {
	router   *gin.Engine
	trail    *audit.Trail
	store    *store.Store
	stepUp   *gate.StepUp
	sessions *session.Manager
	tokens   map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.New(t.TempDir(), store.DefaultScoreWeights, nil)
	require.NoError(t, err)

	v, err := vault.New(vault.Options{
		MasterSecret:   "master-secret-0123456789abcdef0123",
		RotationSecret: "rotate-secret-0123456789abcdef0123",
		MaxEnvelopeAge: 24 * time.Hour,
	})
	require.NoError(t, err)

	trail, err := audit.NewTrail(nil, nil)
	require.NoError(t, err)

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), map[ratelimit.Class]ratelimit.Limit{
		ratelimit.ClassGeneral:     {Window: 15 * time.Minute, Max: 100},
		ratelimit.ClassAuth:        {Window: 15 * time.Minute, Max: 5},
		ratelimit.ClassTextGen:     {Window: time.Minute, Max: 10},
		ratelimit.ClassAdmin:       {Window: 15 * time.Minute, Max: 50},
		ratelimit.ClassDestructive: {Window: time.Hour, Max: 10},
		ratelimit.ClassStepUp:      {Window: 15 * time.Minute, Max: 5},
	})

	stepUp := gate.NewStepUp("prompt-vault-test")
	g := gate.New(gate.Options{
		BypassIPCheck: true,
		SessionMaxAge: 2 * time.Hour,
		Limiter:       limiter,
		StepUp:        stepUp,
	})

	sessions, err := session.NewManager(t.TempDir(), []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	h := NewHandler(Deps{
		Store:    st,
		Vault:    v,
		Trail:    trail,
		Gate:     g,
		Sessions: sessions,
		Limiter:  limiter,
		Gen:      textgen.NewRecorder(),
	})

	ts := &testServer{
		router:   NewRouter(h),
		trail:    trail,
		store:    st,
		stepUp:   stepUp,
		sessions: sessions,
		tokens:   map[string]string{},
	}

	for id, role := range map[string]session.Role{
		"owner-1":    session.RoleOwner,
		"mod-1":      session.RoleModerator,
		"standard-1": session.RoleStandard,
	} {
		_, err := sessions.CreateActor(id, id+"@example.com", "pw-"+id, role, "pro")
		require.NoError(t, err)
		token, err := sessions.IssueToken(id)
		require.NoError(t, err)
		ts.tokens[id] = token
	}
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, actorID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		req.Header.Set("Authorization", "Bearer "+ts.tokens[actorID])
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var envelope struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.True(t, envelope.Success, "expected success envelope, got %s", w.Body.String())
	return envelope.Data
}

func (ts *testServer) createPrompt(t *testing.T, key, content string) {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/admin/prompts", "mod-1", gin.H{
		"name":    strings.ReplaceAll(key, "_", " "),
		"key":     key,
		"content": content,
	})
	require.Equal(t, 201, w.Code, w.Body.String())
}

func (ts *testServer) enrollStepUp(t *testing.T, actorID string) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/admin/stepup/enroll", actorID, gin.H{})
	require.Equal(t, 200, w.Code, w.Body.String())
	secret := decodeData(t, w)["secret"].(string)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	w = ts.do(t, http.MethodPost, "/api/v1/admin/stepup/confirm", actorID, gin.H{"code": code})
	require.Equal(t, 200, w.Code, w.Body.String())
	return secret
}

func TestCreateActivateAndServe(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "punctuation", "X")

	// Version 1 serves right away; the explicit activate is a no-op.
	w := ts.do(t, http.MethodGet, "/api/v1/prompts/punctuation/active", "standard-1", nil)
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decodeData(t, w)["version"])

	w = ts.do(t, http.MethodPost, "/api/v1/admin/prompts/punctuation/activate", "mod-1", gin.H{"version": 1})
	require.Equal(t, 200, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/prompts/punctuation/active", "standard-1", nil)
	require.Equal(t, 200, w.Code, w.Body.String())
	data := decodeData(t, w)
	assert.Equal(t, "X", data["content"])
	assert.Equal(t, float64(1), data["version"])
}

func TestAddVersionThenSwitch(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "punctuation", "X")
	require.Equal(t, 200, ts.do(t, http.MethodPost, "/api/v1/admin/prompts/punctuation/activate", "mod-1", gin.H{"version": 1}).Code)

	w := ts.do(t, http.MethodPost, "/api/v1/admin/prompts/punctuation/versions", "mod-1", gin.H{"content": "Y", "changelog": "tightened wording"})
	require.Equal(t, 201, w.Code, w.Body.String())
	assert.Equal(t, float64(2), decodeData(t, w)["version"])

	// Serving is untouched until the explicit switch.
	w = ts.do(t, http.MethodGet, "/api/v1/prompts/punctuation/active", "standard-1", nil)
	assert.Equal(t, "X", decodeData(t, w)["content"])

	require.Equal(t, 200, ts.do(t, http.MethodPost, "/api/v1/admin/prompts/punctuation/activate", "mod-1", gin.H{"version": 2}).Code)
	w = ts.do(t, http.MethodGet, "/api/v1/prompts/punctuation/active", "standard-1", nil)
	assert.Equal(t, "Y", decodeData(t, w)["content"])
}

func TestDeactivateStopsServing(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "punctuation", "X")

	require.Equal(t, 200, ts.do(t, http.MethodGet, "/api/v1/prompts/punctuation/active", "standard-1", nil).Code)

	w := ts.do(t, http.MethodPost, "/api/v1/admin/prompts/punctuation/deactivate", "mod-1", gin.H{})
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Equal(t, float64(0), decodeData(t, w)["active_version"])

	w = ts.do(t, http.MethodGet, "/api/v1/prompts/punctuation/active", "standard-1", nil)
	require.Equal(t, 404, w.Code, w.Body.String())

	// Reactivating version 1 resumes serving.
	require.Equal(t, 200, ts.do(t, http.MethodPost, "/api/v1/admin/prompts/punctuation/activate", "mod-1", gin.H{"version": 1}).Code)
	require.Equal(t, 200, ts.do(t, http.MethodGet, "/api/v1/prompts/punctuation/active", "standard-1", nil).Code)

	events, total := ts.trail.Query(audit.Filter{Action: audit.ActionPromptDeactivated}, audit.Page{})
	assert.Equal(t, 1, total)
	require.NotEmpty(t, events)
	assert.Equal(t, "mod-1", events[0].ActorID)
}

func TestStandardRoleCannotDeactivate(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "punctuation", "X")

	w := ts.do(t, http.MethodPost, "/api/v1/admin/prompts/punctuation/deactivate", "standard-1", gin.H{})
	require.Equal(t, 403, w.Code, w.Body.String())
}

func TestTierRestrictedDefinitionDeniedToStandard(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/admin/prompts", "mod-1", gin.H{
		"name":                "premium helper",
		"key":                 "premium_helper",
		"content":             "X",
		"restricted_to_tiers": []string{"enterprise"},
	})
	require.Equal(t, 201, w.Code, w.Body.String())

	// standard-1 holds the pro tier, not enterprise.
	w = ts.do(t, http.MethodGet, "/api/v1/prompts/premium_helper/active", "standard-1", nil)
	require.Equal(t, 403, w.Code, w.Body.String())

	// The same rule guards generation.
	w = ts.do(t, http.MethodPost, "/api/v1/generate", "standard-1", gin.H{
		"key":   "premium_helper",
		"model": "small-1",
		"messages": []gin.H{
			{"role": "user", "content": "hi"},
		},
	})
	require.Equal(t, 403, w.Code, w.Body.String())

	// Moderators bypass the restriction lists.
	w = ts.do(t, http.MethodGet, "/api/v1/prompts/premium_helper/active", "mod-1", nil)
	require.Equal(t, 200, w.Code, w.Body.String())
}

func TestRoleRestrictedDefinitionDeniedToStandard(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/admin/prompts", "mod-1", gin.H{
		"name":                "mod helper",
		"key":                 "mod_helper",
		"content":             "X",
		"restricted_to_roles": []string{"moderator"},
	})
	require.Equal(t, 201, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/prompts/mod_helper/active", "standard-1", nil)
	require.Equal(t, 403, w.Code, w.Body.String())

	// The refusal leaves a trace in the trail.
	events, total := ts.trail.Query(audit.Filter{Action: audit.ActionUnauthorizedAccess}, audit.Page{})
	assert.NotZero(t, total)
	assert.NotEmpty(t, events)
}

func TestNonPublicDefinitionHiddenFromStandard(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/admin/prompts", "mod-1", gin.H{
		"name":      "internal tool",
		"key":       "internal_tool",
		"content":   "X",
		"is_public": false,
	})
	require.Equal(t, 201, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/prompts/internal_tool/active", "standard-1", nil)
	require.Equal(t, 403, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/prompts/internal_tool/active", "owner-1", nil)
	require.Equal(t, 200, w.Code, w.Body.String())
}

func TestContentEncryptedAtRest(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "sealed", "top secret wording")

	def, err := ts.store.GetByKey("sealed")
	require.NoError(t, err)
	assert.NotContains(t, def.Versions[0].Content, "top secret wording")
}

func TestStandardRoleDeleteForbidden(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "guarded", "X")

	w := ts.do(t, http.MethodDelete, "/api/v1/admin/prompts/guarded", "standard-1", gin.H{
		"reason": "cleaning up old data",
	})
	require.Equal(t, 403, w.Code)

	var envelope struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.False(t, envelope.Success)
	assert.Equal(t, "OWNER_REQUIRED", envelope.Code)

	// The denial shows up as a security event.
	events := ts.trail.SecurityEvents(24)
	require.NotEmpty(t, events)
	found := false
	for _, ev := range events {
		if ev.Action == audit.ActionUnauthorizedAccess && ev.ActorID == "standard-1" {
			found = true
			assert.True(t, ev.Flags.IsSecurityEvent)
		}
	}
	assert.True(t, found, "unauthorized_access event not recorded")

	// Nothing was deleted.
	_, err := ts.store.GetActiveContent("guarded")
	assert.NotErrorIs(t, err, store.ErrDefinitionDeleted)
}

func TestDeleteReasonTooShort(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "kept", "X")
	ts.enrollStepUp(t, "owner-1")

	w := ts.do(t, http.MethodDelete, "/api/v1/admin/prompts/kept", "owner-1", gin.H{
		"reason": "ok",
	})
	require.Equal(t, 400, w.Code)

	var envelope struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, CodeValidationError, envelope.Code)

	// Rejected before any side effect: no deletion event recorded.
	_, total := ts.trail.Query(audit.Filter{Action: audit.ActionPromptDeleted}, audit.Page{})
	assert.Zero(t, total)
	def, err := ts.store.GetByKey("kept")
	require.NoError(t, err)
	assert.Nil(t, def.Deleted)
}

func TestDeleteWithStepUp(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "doomed", "X")
	secret := ts.enrollStepUp(t, "owner-1")

	// Without a code the gate refuses.
	w := ts.do(t, http.MethodDelete, "/api/v1/admin/prompts/doomed", "owner-1", gin.H{
		"reason": "superseded by the new flow",
	})
	require.Equal(t, 403, w.Code)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	w = ts.do(t, http.MethodDelete, "/api/v1/admin/prompts/doomed", "owner-1", gin.H{
		"reason":      "superseded by the new flow",
		"stepup_code": code,
	})
	require.Equal(t, 200, w.Code, w.Body.String())

	def, err := ts.store.GetByKey("doomed")
	require.NoError(t, err)
	require.NotNil(t, def.Deleted)
	assert.Equal(t, "owner-1", def.Deleted.By)

	_, total := ts.trail.Query(audit.Filter{Action: audit.ActionPromptDeleted}, audit.Page{})
	assert.Equal(t, 1, total)
}

func TestListForEditingOwnerOnly(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "secretive", "hidden body")

	w := ts.do(t, http.MethodGet, "/api/v1/admin/prompts/secretive", "mod-1", nil)
	assert.Equal(t, 403, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/admin/prompts/secretive", "owner-1", nil)
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "hidden body")
}

func TestListingNeverLeaksContent(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "private_text", "do not show this")

	w := ts.do(t, http.MethodGet, "/api/v1/admin/prompts", "mod-1", nil)
	require.Equal(t, 200, w.Code)
	assert.NotContains(t, w.Body.String(), "do not show this")
}

func TestUnauthenticatedRejected(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/prompts/any/active", "", nil)
	assert.Equal(t, 401, w.Code)
}

func TestLoginFlowAndRateLimit(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"id": "owner-1", "password": "pw-owner-1"})
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.NotEmpty(t, decodeData(t, w)["token"])

	for i := 0; i < 10; i++ {
		ts.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"id": "victim", "password": "wrong"})
	}
	w = ts.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"id": "victim", "password": "wrong"})
	assert.Equal(t, 429, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestFailedStepUpAttemptsAreSecurityEvents(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "target", "X")
	ts.enrollStepUp(t, "owner-1")

	for i := 0; i < 10; i++ {
		ts.do(t, http.MethodDelete, "/api/v1/admin/prompts/target", "owner-1", gin.H{
			"reason":      "repeated guessing run",
			"stepup_code": "000000",
		})
	}

	// Every refused attempt surfaces, including the ones rejected by
	// the lockout after the window budget was spent.
	count := 0
	for _, ev := range ts.trail.SecurityEvents(24) {
		if ev.ActorID == "owner-1" && ev.Action == audit.ActionStepUpFailed {
			count++
		}
	}
	assert.Equal(t, 10, count, "all failed step-up attempts must surface in securityEvents(24)")
}

func TestGenerateUsesActivePromptAndTracksUsage(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "helper", "You are terse.")
	require.Equal(t, 200, ts.do(t, http.MethodPost, "/api/v1/admin/prompts/helper/activate", "mod-1", gin.H{"version": 1}).Code)

	w := ts.do(t, http.MethodPost, "/api/v1/generate", "standard-1", gin.H{
		"key":   "helper",
		"model": "small-1",
		"messages": []gin.H{
			{"role": "user", "content": "shorten this"},
		},
	})
	require.Equal(t, 200, w.Code, w.Body.String())
	data := decodeData(t, w)
	assert.Equal(t, "shorten this", data["text"])
	// Decrypted prompt content never appears in the response.
	assert.NotContains(t, w.Body.String(), "You are terse.")

	def, err := ts.store.GetByKey("helper")
	require.NoError(t, err)
	assert.Equal(t, int64(1), def.Usage.TotalUsages)
	assert.Greater(t, def.Usage.PopularityScore, 0.0)
}

func TestAuditQueryEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "audited", "X")
	ts.do(t, http.MethodPost, "/api/v1/admin/prompts/audited/activate", "mod-1", gin.H{"version": 1})

	w := ts.do(t, http.MethodGet, "/api/v1/admin/audit?action=prompt_created", "mod-1", nil)
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decodeData(t, w)["total"])

	w = ts.do(t, http.MethodGet, "/api/v1/admin/audit/stats", "mod-1", nil)
	require.Equal(t, 200, w.Code, w.Body.String())

	// Standard role cannot read the trail.
	w = ts.do(t, http.MethodGet, "/api/v1/admin/audit", "standard-1", nil)
	assert.Equal(t, 403, w.Code)
}

func TestAuditReviewFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.createPrompt(t, "reviewed", "X")
	secret := ts.enrollStepUp(t, "owner-1")
	code, _ := totp.GenerateCode(secret, time.Now())
	require.Equal(t, 200, ts.do(t, http.MethodDelete, "/api/v1/admin/prompts/reviewed", "owner-1", gin.H{
		"reason":      "retired after migration",
		"stepup_code": code,
	}).Code)

	events, _ := ts.trail.Query(audit.Filter{Action: audit.ActionPromptDeleted}, audit.Page{})
	require.Len(t, events, 1)
	require.True(t, events[0].Flags.RequiresReview)

	w := ts.do(t, http.MethodPost, "/api/v1/admin/audit/"+events[0].ID+"/review", "owner-1", gin.H{
		"status": "approved",
		"notes":  "checked with the migration ticket",
	})
	require.Equal(t, 200, w.Code, w.Body.String())

	events, _ = ts.trail.Query(audit.Filter{Action: audit.ActionPromptDeleted}, audit.Page{})
	require.NotNil(t, events[0].Review)
	assert.Equal(t, "owner-1", events[0].Review.ReviewedBy)
}
