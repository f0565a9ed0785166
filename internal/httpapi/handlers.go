package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatcall/internal/audit"
	"chatcall/internal/auth"
	"chatcall/internal/calllog"
	"chatcall/internal/calls"
	"chatcall/internal/rbac"
	"chatcall/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth    *auth.Manager
	Calls   *calls.Manager
	Hub     *Hub
	CallLog *calllog.Service
	Audit   *audit.Service

	// AllowLogin enables the token-issuing login stand-in.
	AllowLogin bool
	// EndWait bounds how long DELETE waits for teardown before answering.
	EndWait time.Duration
}

// --- Auth ---

type loginRequest struct {
	UserID      string `json:"user_id"`
	GroupID     string `json:"group_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: stands in for the external identity provider. Credentials are not checked.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	if !h.AllowLogin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "login disabled"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.GroupID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, group_id, role required"})
		return
	}
	if !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	if strings.Contains(req.GroupID, "/") {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "group_id must not contain '/'"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), auth.Identity{
		UserID:      req.UserID,
		GroupID:     req.GroupID,
		DisplayName: req.DisplayName,
		Role:        req.Role,
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h Handlers) Me(c *gin.Context) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	c.JSON(http.StatusOK, id)
}

// --- Calls ---

type startRequest struct {
	MediaMode calls.MediaMode `json:"media_mode"`
}

// StartOrJoin resolves the caller's role on the call and starts negotiating.
// It answers once the role is known; progress continues on the event stream.
func (h Handlers) StartOrJoin(c *gin.Context) {
	id, callID, ok := h.scope(c)
	if !ok {
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if !req.MediaMode.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "media_mode must be audio_only or audio_video"})
		return
	}

	self := calls.Participant{ID: id.UserID, Name: id.DisplayName}
	call, err := h.Calls.StartOrJoinCall(c.Request.Context(), callID, self, req.MediaMode, h.Hub.Observer(callID, id.UserID))
	if err != nil {
		logger.FromGin(c).Info("start or join failed", "call_id", callID, "kind", string(calls.KindOf(err)), "err", err)
		abortCallError(c, err)
		return
	}
	c.JSON(http.StatusCreated, call.Snapshot())
}

func (h Handlers) GetCall(c *gin.Context) {
	id, callID, ok := h.scope(c)
	if !ok {
		return
	}
	call, found := h.Calls.Lookup(callID, id.UserID)
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no live call"})
		return
	}
	c.JSON(http.StatusOK, call.Snapshot())
}

type endResponse struct {
	calls.Snapshot
	Reason          calls.EndReason `json:"reason,omitempty"`
	Kind            calls.ErrorKind `json:"kind,omitempty"`
	DurationSeconds int             `json:"duration_seconds"`
}

// EndCall ends the caller's attempt and waits briefly for teardown.
func (h Handlers) EndCall(c *gin.Context) {
	id, callID, ok := h.scope(c)
	if !ok {
		return
	}
	call, found := h.Calls.Lookup(callID, id.UserID)
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no live call"})
		return
	}
	h.Calls.EndCall(call)

	wait := h.EndWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	if err := call.Wait(ctx); err != nil {
		c.JSON(http.StatusAccepted, call.Snapshot())
		return
	}

	out := endResponse{Snapshot: call.Snapshot()}
	if o, done := call.Outcome(); done {
		out.Reason, out.Kind = o.Reason, o.Kind
		out.DurationSeconds = int(o.Duration / time.Second)
	}
	c.JSON(http.StatusOK, out)
}

type mediaRequest struct {
	Audio *bool `json:"audio,omitempty"`
	Video *bool `json:"video,omitempty"`
}

// SetMedia toggles microphone and camera on the caller's attempt.
func (h Handlers) SetMedia(c *gin.Context) {
	id, callID, ok := h.scope(c)
	if !ok {
		return
	}
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Audio == nil && req.Video == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "audio or video required"})
		return
	}
	call, found := h.Calls.Lookup(callID, id.UserID)
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no live call"})
		return
	}
	if req.Audio != nil {
		if err := call.SetAudioEnabled(*req.Audio); err != nil {
			abortCallError(c, err)
			return
		}
	}
	if req.Video != nil {
		if err := call.SetVideoEnabled(*req.Video); err != nil {
			abortCallError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, call.Snapshot())
}

// Reject declines a ringing call addressed to the group.
func (h Handlers) Reject(c *gin.Context) {
	id, callID, ok := h.scope(c)
	if !ok {
		return
	}
	self := calls.Participant{ID: id.UserID, Name: id.DisplayName}
	if err := h.Calls.Reject(c.Request.Context(), callID, self); err != nil {
		abortCallError(c, err)
		return
	}
	if h.Audit != nil {
		if err := h.Audit.LogRejected(c.Request.Context(), id.GroupID, id.UserID, callID); err != nil {
			logger.FromGin(c).Warn("audit reject failed", "call_id", callID, "err", err)
		}
	}
	c.Status(http.StatusNoContent)
}

// --- Call log ---

func (h Handlers) History(c *gin.Context) {
	if h.CallLog == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log not configured"})
		return
	}
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	entries, err := h.CallLog.History(c.Request.Context(), calllog.HistoryRequest{UserID: id.UserID, Range: rng, Limit: limit})
	if err != nil {
		abortLogError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h Handlers) Summary(c *gin.Context) {
	if h.CallLog == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log not configured"})
		return
	}
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	s, err := h.CallLog.Summary(c.Request.Context(), calllog.SummaryRequest{UserID: id.UserID, Range: rng})
	if err != nil {
		abortLogError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// scope resolves the caller and the group-scoped call id for the request.
func (h Handlers) scope(c *gin.Context) (auth.Identity, string, bool) {
	if h.Calls == nil || h.Hub == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return auth.Identity{}, "", false
	}
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil || id.GroupID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return auth.Identity{}, "", false
	}
	callID, err := ScopedCallID(id.GroupID, c.Param("call_id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return auth.Identity{}, "", false
	}
	return id, callID, true
}

// ScopedCallID namespaces a client call id under its group.
func ScopedCallID(groupID, callID string) (string, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return "", errors.New("call_id required")
	}
	if len(callID) > 128 || strings.ContainsAny(callID, "/: ") {
		return "", errors.New("call_id must be at most 128 characters without '/', ':' or spaces")
	}
	return groupID + "/" + callID, nil
}

func parseRange(c *gin.Context) (calllog.TimeRange, bool) {
	var r calllog.TimeRange
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &r.From}, {"to", &r.To}} {
		v := c.Query(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": p.key + " must be RFC3339"})
			return calllog.TimeRange{}, false
		}
		*p.dst = t
	}
	return r, true
}

func abortLogError(c *gin.Context, err error) {
	if errors.Is(err, calllog.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	logger.FromGin(c).Error("call log query failed", "err", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log unavailable"})
}

// abortCallError maps the call error taxonomy onto HTTP statuses.
func abortCallError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, calls.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, calls.ErrAlreadyInCall):
		status = http.StatusConflict
	case errors.Is(err, calls.ErrCallEnded):
		status = http.StatusGone
	case errors.Is(err, calls.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	default:
		switch calls.KindOf(err) {
		case calls.KindCallBusy, calls.KindCallTypeMismatch, calls.KindInvalidCallState:
			status = http.StatusConflict
		case calls.KindMediaDenied:
			status = http.StatusForbidden
		case calls.KindMediaUnavailable, calls.KindChannel:
			status = http.StatusServiceUnavailable
		}
	}

	body := gin.H{"error": err.Error()}
	if k := calls.KindOf(err); k != calls.KindInternal {
		body["kind"] = k
	}
	c.AbortWithStatusJSON(status, body)
}
