// Package admission provides HTTP handlers.
package admission

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 1 << 20

type httpErrorResponse struct {
	Error string `json:"error"`
}

func (t *HTTPTransport) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/admission/check", t.handleCheck)
	mux.HandleFunc("/v1/admin/rules", t.handleRules)
	mux.HandleFunc("/v1/admin/rules/reload", t.handleRulesReload)
	mux.HandleFunc("/v1/admin/tiers/reload", t.handleTiersReload)
	mux.HandleFunc("/v1/admin/burst/ack", t.handleBurstAck)
	mux.HandleFunc("/v1/admin/burst/resolve", t.handleBurstResolve)
	mux.HandleFunc("/healthz", t.handleHealth)
	mux.HandleFunc("/readyz", t.handleReady)
	mux.HandleFunc("/metrics", t.handleMetrics)
	mux.HandleFunc("/mode", t.handleMode)
}

func (t *HTTPTransport) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.ObserveLatency("httpCheck", time.Since(start), t.region)
		}
	}()
	var httpReq httpCheckRequest
	if err := t.decodeJSON(w, r, &httpReq); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if httpReq.Principal == "" || httpReq.Endpoint == "" || httpReq.Cost <= 0 {
		t.writeError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}
	req := toCheckRequest(httpReq)
	if req.ClientIP == "" {
		req.ClientIP = remoteIP(r)
	}
	decision, err := t.admission.CheckAdmission(r.Context(), req)
	if err != nil {
		switch CodeOf(err) {
		case CodeInvalidInput, CodeInvalidCost:
			t.writeError(w, r, http.StatusBadRequest, err)
		default:
			t.writeError(w, r, http.StatusInternalServerError, err)
		}
		return
	}
	writeDecisionHeaders(w, decision)
	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, fromDecision(decision, time.Now()))
}

// writeDecisionHeaders exposes the limit state in conventional headers so
// cooperating clients can pace without parsing the body.
func writeDecisionHeaders(w http.ResponseWriter, d *Decision) {
	if d == nil {
		return
	}
	header := w.Header()
	if d.Limit > 0 {
		header.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		header.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	}
	if d.Window > 0 {
		header.Set("X-RateLimit-Window", strconv.FormatInt(ceilSeconds(d.Window), 10))
	}
	if d.ResetAfter > 0 {
		header.Set("X-RateLimit-Reset", strconv.FormatInt(ceilSeconds(d.ResetAfter), 10))
	}
	if !d.Allowed {
		retry := d.RetryAfter
		if retry <= 0 {
			retry = d.ResetAfter
		}
		if retry > 0 {
			header.Set("Retry-After", strconv.FormatInt(ceilSeconds(retry), 10))
		}
	}
}

func ceilSeconds(d time.Duration) int64 {
	seconds := int64(d / time.Second)
	if d%time.Second != 0 {
		seconds++
	}
	return seconds
}

func remoteIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}

func (t *HTTPTransport) handleRules(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		t.handleRulesList(w, r)
	case http.MethodPut:
		t.handleRulesReplace(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (t *HTTPTransport) handleRulesList(w http.ResponseWriter, r *http.Request) {
	rules, err := t.admin.ListRules(r.Context())
	if err != nil {
		t.writeAdminError(w, r, err)
		return
	}
	resp := make([]httpRuleResponse, len(rules))
	for i, rule := range rules {
		resp[i] = fromRule(rule)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRulesReplace swaps the whole rule set for the posted rules. A
// payload that fails validation leaves the previous rules serving.
func (t *HTTPTransport) handleRulesReplace(w http.ResponseWriter, r *http.Request) {
	var httpRules []httpRuleRequest
	if err := t.decodeJSON(w, r, &httpRules); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	rules := make([]*Rule, len(httpRules))
	for i, httpRule := range httpRules {
		rule, err := toRule(httpRule)
		if err != nil {
			t.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		rules[i] = rule
	}
	if err := t.admin.ReloadRules(r.Context(), rules); err != nil {
		t.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": len(rules)})
}

func (t *HTTPTransport) handleRulesReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorizeAdmin(w, r) {
		return
	}
	if err := t.admin.ReloadRules(r.Context(), nil); err != nil {
		t.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (t *HTTPTransport) handleTiersReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorizeAdmin(w, r) {
		return
	}
	if err := t.admin.ReloadTiers(r.Context(), nil); err != nil {
		t.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (t *HTTPTransport) handleBurstAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorizeAdmin(w, r) {
		return
	}
	if err := t.admin.AcknowledgeBurst(r.Context()); err != nil {
		t.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (t *HTTPTransport) handleBurstResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorizeAdmin(w, r) {
		return
	}
	if err := t.admin.ResolveBurst(r.Context()); err != nil {
		t.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (t *HTTPTransport) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.appReady != nil && t.appReady() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (t *HTTPTransport) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.metrics == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, t.metrics.Snapshot())
}

func (t *HTTPTransport) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	mode := ModeNormal
	if t.mode != nil {
		mode = t.mode()
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": mode.String()})
}

func (t *HTTPTransport) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return ErrInvalidInput
	}
	maxBytes := t.maxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return ErrInvalidInput
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return ErrInvalidInput
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (t *HTTPTransport) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if t != nil {
		t.logRequestError(r, status, err)
	}
	writeJSON(w, status, httpErrorResponse{Error: err.Error()})
}

func (t *HTTPTransport) writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForCode(CodeOf(err))
	t.writeError(w, r, status, err)
}

func statusForCode(code ErrorCode) int {
	switch code {
	case CodeInvalidInput, CodeInvalidCost, CodeBadRule, CodeUnknownAlgorithm:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (t *HTTPTransport) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if t == nil || !t.enableAuth {
		return true
	}
	expected := "Bearer " + t.adminToken
	if r.Header.Get("Authorization") != expected {
		t.writeError(w, r, http.StatusUnauthorized, Wrap(CodeUnauthorized, "unauthorized", nil))
		return false
	}
	return true
}

func (t *HTTPTransport) logRequestError(r *http.Request, status int, err error) {
	if t == nil || t.logger == nil || r == nil || err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		t.logger.Error("http request error", fields...)
		return
	}
	t.logger.Info("http request error", fields...)
}
