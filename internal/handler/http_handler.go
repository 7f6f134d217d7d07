package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pesio-ai/be-po-approvals/internal/errors"
	"github.com/pesio-ai/be-po-approvals/internal/logger"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
	"github.com/pesio-ai/be-po-approvals/internal/service"
)

// UserIDHeader carries the authenticated caller id, set by the gateway.
const UserIDHeader = "X-User-ID"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service    *service.ApprovalRoutingService
	principals *service.PrincipalResolver
	log        *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc *service.ApprovalRoutingService, principals *service.PrincipalResolver, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service:    svc,
		principals: principals,
		log:        log,
	}
}

// RouterConfig holds the middleware settings of the HTTP router.
type RouterConfig struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Routes builds the chi router with middleware and all API routes.
func (h *HTTPHandler) Routes(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", UserIDHeader},
		MaxAge:         300,
	}))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/requests", h.CreateRequest)
		r.Get("/requests/{id}", h.GetRequest)
		r.Post("/requests/{id}/initiate", h.Initiate)
		r.Post("/requests/{id}/approve", h.Approve)
		r.Post("/requests/{id}/reject", h.Reject)
		r.Get("/requests/{id}/history", h.History)

		r.Get("/approvals/pending", h.PendingApprovals)

		r.Get("/rules", h.ListRules)
		r.Post("/rules", h.CreateRule)
		r.Get("/rules/resolve", h.ResolveRule)
		r.Get("/rules/{id}", h.GetRule)
		r.Put("/rules/{id}", h.UpdateRule)
		r.Delete("/rules/{id}", h.DeleteRule)
	})

	return r
}

// ── Requests ──────────────────────────────────────────────────────────────────

// CreateRequest registers a purchase order for approval.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := h.service.CreateRequest(r.Context(), body.Reference, body.Amount, r.Header.Get(UserIDHeader))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(req))
}

// GetRequest returns a request with its approval chain.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	chain, err := h.service.GetChain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChainDTO(chain))
}

// Initiate starts the approval workflow for a request.
func (h *HTTPHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Initiate(r.Context(), chi.URLParam(r, "id"), r.Header.Get(UserIDHeader))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	out := initiateDTO{
		Outcome: string(res.Outcome),
		Status:  string(res.Status),
		Records: toRecordDTOs(res.Records),
	}
	if res.Rule != nil {
		rule := toRuleDTO(res.Rule)
		out.Rule = &rule
	}
	writeJSON(w, http.StatusOK, out)
}

// Approve signs off the caller's actionable level.
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var body struct {
		Comments string `json:"comments"`
	}
	if !decodeOptional(w, r, &body) {
		return
	}

	d, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), p, body.Comments)
	h.writeDecision(w, r, d, err)
}

// Reject rejects the request at the caller's actionable level.
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeOptional(w, r, &body) {
		return
	}

	d, err := h.service.Reject(r.Context(), chi.URLParam(r, "id"), p, body.Reason)
	h.writeDecision(w, r, d, err)
}

// History returns the audit trail of a request.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]auditDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toAuditDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

// PendingApprovals lists the levels the caller can act on now.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	records, err := h.service.PendingFor(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": toRecordDTOs(records)})
}

// ── Rules ─────────────────────────────────────────────────────────────────────

// ListRules lists approval rules; ?active=true limits to active ones.
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	rules, err := h.service.ListRules(r.Context(), activeOnly)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]ruleDTO, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleDTO(rule))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": out})
}

// GetRule returns one rule.
func (h *HTTPHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.service.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

// ResolveRule reports which rule applies to ?amount= (in cents).
func (h *HTTPHandler) ResolveRule(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be an integer number of cents")
		return
	}
	rule, err := h.service.ResolveRule(r.Context(), amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if rule == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"matched": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"matched": true, "rule": toRuleDTO(rule)})
}

// CreateRule adds a rule. Administrators only.
func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var body ruleDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule := body.toRule()
	if err := h.service.CreateRule(r.Context(), rule); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(rule))
}

// UpdateRule replaces a rule. Administrators only. When is_active is omitted
// the rule keeps its current activation.
func (h *HTTPHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var body ruleDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule := body.toRule()
	rule.ID = chi.URLParam(r, "id")
	if body.IsActive == nil {
		// An omitted is_active keeps the stored flag.
		current, err := h.service.GetRule(r.Context(), rule.ID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		rule.IsActive = current.IsActive
	}
	if err := h.service.UpdateRule(r.Context(), rule); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

// DeleteRule removes a rule. Administrators only.
func (h *HTTPHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	if err := h.service.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// principal resolves the caller or writes 401.
func (h *HTTPHandler) principal(w http.ResponseWriter, r *http.Request) (service.Principal, bool) {
	id := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing "+UserIDHeader+" header")
		return service.Principal{}, false
	}
	p, err := h.principals.Resolve(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return service.Principal{}, false
	}
	return p, true
}

func (h *HTTPHandler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	p, ok := h.principal(w, r)
	if !ok {
		return false
	}
	if !p.Override {
		writeError(w, http.StatusForbidden, "rule administration requires the administrator role")
		return false
	}
	return true
}

func (h *HTTPHandler) writeDecision(w http.ResponseWriter, r *http.Request, d *service.Decision, err error) {
	if err != nil {
		if d != nil && errors.Is(err, errors.ErrAlreadyTerminal) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":    err.Error(),
				"code":     errors.ErrCodeConflict,
				"decision": toDecisionDTO(d),
			})
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionDTO(d))
}

// writeServiceError maps coded errors to HTTP statuses. Internal failures are
// logged and their detail is not returned.
func (h *HTTPHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := httpStatus(code)
	msg := err.Error()

	switch {
	case status >= http.StatusInternalServerError:
		h.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		msg = "internal error"
	case code == errors.ErrCodeForbidden:
		h.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Action not authorized")
	}

	writeJSON(w, status, map[string]interface{}{"error": msg, "code": code})
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requestLogger logs one line per request with zerolog.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}

// ── DTOs ──────────────────────────────────────────────────────────────────────

type requestDTO struct {
	ID          string    `json:"id"`
	Reference   string    `json:"reference"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	RequestedBy string    `json:"requested_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type levelDTO struct {
	Role   string `json:"role,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

type recordDTO struct {
	ID        string     `json:"id"`
	RequestID string     `json:"request_id"`
	Level     int        `json:"level"`
	Approver  levelDTO   `json:"approver"`
	Status    string     `json:"status"`
	ActedBy   *string    `json:"acted_by,omitempty"`
	Comments  *string    `json:"comments,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

type chainDTO struct {
	Request requestDTO  `json:"request"`
	Records []recordDTO `json:"records"`
}

type ruleDTO struct {
	ID               string     `json:"id,omitempty"`
	Name             string     `json:"name"`
	MinAmount        int64      `json:"min_amount"`
	MaxAmount        *int64     `json:"max_amount,omitempty"`
	Levels           []levelDTO `json:"levels"`
	AutoApproveBelow int64      `json:"auto_approve_below,omitempty"`
	IsActive         *bool      `json:"is_active,omitempty"`
}

type initiateDTO struct {
	Outcome string      `json:"outcome"`
	Status  string      `json:"status"`
	Rule    *ruleDTO    `json:"rule,omitempty"`
	Records []recordDTO `json:"records"`
}

type decisionDTO struct {
	Outcome       string `json:"outcome"`
	Level         int    `json:"level,omitempty"`
	RequestStatus string `json:"request_status"`
	Replayed      bool   `json:"replayed"`
}

type auditDTO struct {
	ID           string                 `json:"id"`
	RecordID     *string                `json:"record_id,omitempty"`
	Action       string                 `json:"action"`
	PerformedBy  string                 `json:"performed_by"`
	PerformedAt  time.Time              `json:"performed_at"`
	StatusBefore *string                `json:"status_before,omitempty"`
	StatusAfter  *string                `json:"status_after,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func toRequestDTO(r *repository.ApprovalRequest) requestDTO {
	return requestDTO{
		ID:          r.ID,
		Reference:   r.Reference,
		Amount:      r.Amount,
		Status:      string(r.Status),
		RequestedBy: r.RequestedBy,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toRecordDTOs(records []*repository.ApprovalRecord) []recordDTO {
	out := make([]recordDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, recordDTO{
			ID:        rec.ID,
			RequestID: rec.RequestID,
			Level:     rec.Level,
			Approver:  levelDTO{Role: rec.Approver.Role, UserID: rec.Approver.UserID},
			Status:    string(rec.Status),
			ActedBy:   rec.ActedBy,
			Comments:  rec.Comments,
			DecidedAt: rec.DecidedAt,
		})
	}
	return out
}

func toChainDTO(c *service.Chain) chainDTO {
	return chainDTO{Request: toRequestDTO(c.Request), Records: toRecordDTOs(c.Records)}
}

func toRuleDTO(r *repository.ApprovalRule) ruleDTO {
	active := r.IsActive
	levels := make([]levelDTO, 0, len(r.Levels))
	for _, l := range r.Levels {
		levels = append(levels, levelDTO{Role: l.Role, UserID: l.UserID})
	}
	return ruleDTO{
		ID:               r.ID,
		Name:             r.Name,
		MinAmount:        r.MinAmount,
		MaxAmount:        r.MaxAmount,
		Levels:           levels,
		AutoApproveBelow: r.AutoApproveBelow,
		IsActive:         &active,
	}
}

func (d ruleDTO) toRule() *repository.ApprovalRule {
	levels := make([]repository.LevelSpec, 0, len(d.Levels))
	for _, l := range d.Levels {
		levels = append(levels, repository.LevelSpec{Role: strings.TrimSpace(l.Role), UserID: strings.TrimSpace(l.UserID)})
	}
	active := true
	if d.IsActive != nil {
		active = *d.IsActive
	}
	return &repository.ApprovalRule{
		Name:             d.Name,
		MinAmount:        d.MinAmount,
		MaxAmount:        d.MaxAmount,
		Levels:           levels,
		AutoApproveBelow: d.AutoApproveBelow,
		IsActive:         active,
	}
}

func toDecisionDTO(d *service.Decision) decisionDTO {
	return decisionDTO{
		Outcome:       string(d.Outcome),
		Level:         d.Level,
		RequestStatus: string(d.RequestStatus),
		Replayed:      d.Replayed,
	}
}

func toAuditDTO(e *repository.ApprovalAuditEntry) auditDTO {
	return auditDTO{
		ID:           e.ID,
		RecordID:     e.RecordID,
		Action:       e.Action,
		PerformedBy:  e.PerformedBy,
		PerformedAt:  e.PerformedAt,
		StatusBefore: e.StatusBefore,
		StatusAfter:  e.StatusAfter,
		Metadata:     e.Metadata,
	}
}
