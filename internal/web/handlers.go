package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"newsletterd/internal/apperr"
	"newsletterd/internal/metrics"
	"newsletterd/internal/storage"
	"newsletterd/internal/tenant"
	logx "newsletterd/pkg/logx"
)

const maxBody = 16 << 10

type subscriptionRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Code  string `json:"code,omitempty"`
}

type subscriptionResponse struct {
	Status    string     `json:"status"`
	Tenant    string     `json:"tenant"`
	Email     string     `json:"email"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Message   string     `json:"message,omitempty"`
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.opt.Subscriptions.RequestSignup(r.Context(), chi.URLParam(r, "tenant"), req.Email, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{
		Status:    string(storage.StatusPending),
		Tenant:    p.TenantID,
		Email:     p.Email,
		ExpiresAt: &p.ExpiresAt,
		Message:   "인증코드를 이메일로 보냈습니다.",
	})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.opt.Subscriptions.Confirm(r.Context(), chi.URLParam(r, "tenant"), req.Email, req.Code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{
		Status:  string(sub.Status),
		Tenant:  sub.TenantID,
		Email:   sub.Email,
		Message: "구독이 완료되었습니다.",
	})
}

func (s *Server) requestUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.opt.Subscriptions.RequestUnsubscribe(r.Context(), chi.URLParam(r, "tenant"), req.Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{
		Status:    "unsubscribe_pending",
		Tenant:    p.TenantID,
		Email:     p.Email,
		ExpiresAt: &p.ExpiresAt,
		Message:   "구독 해지 인증코드를 이메일로 보냈습니다.",
	})
}

func (s *Server) confirmUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.opt.Subscriptions.ConfirmUnsubscribe(r.Context(), chi.URLParam(r, "tenant"), req.Email, req.Code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{
		Status:  string(sub.Status),
		Tenant:  sub.TenantID,
		Email:   sub.Email,
		Message: "구독이 해지되었습니다.",
	})
}

func (s *Server) unsubscribeByToken(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	token := chi.URLParam(r, "token")
	if _, err := s.opt.Tenants.Get(tenantID); err != nil {
		s.fail(w, r, err)
		return
	}
	// A token only works under the tenant it was issued for.
	owner, err := s.opt.Store.Q().SubscriberByToken(r.Context(), token)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && owner.TenantID != tenantID) {
		s.fail(w, r, apperr.Validation.Wrap(apperr.ErrTokenNotFound))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sub, err := s.opt.Subscriptions.UnsubscribeByToken(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{
		Status:  string(sub.Status),
		Tenant:  sub.TenantID,
		Email:   sub.Email,
		Message: "구독이 해지되었습니다.",
	})
}

type tenantInfo struct {
	ID       string          `json:"id"`
	Brand    tenant.Brand    `json:"brand"`
	Schedule tenant.Schedule `json:"schedule"`
}

func (s *Server) listTenants(w http.ResponseWriter, _ *http.Request) {
	all := s.opt.Tenants.All()
	out := make([]tenantInfo, 0, len(all))
	for _, t := range all {
		out = append(out, tenantInfo{ID: t.ID(), Brand: t.Brand(), Schedule: t.Schedule()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": out})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	body := map[string]any{
		"status":     "ok",
		"time":       now,
		"uptime_sec": int64(now.Sub(s.started).Seconds()),
		"tenants":    s.opt.Tenants.IDs(),
	}
	status := http.StatusOK

	if s.opt.Store != nil {
		store := map[string]any{"engine": s.opt.Store.Engine(), "ok": true}
		if err := s.opt.Store.Ping(r.Context()); err != nil {
			store["ok"] = false
			store["error"] = err.Error()
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
		body["store"] = store
	}

	if sch := s.opt.Scheduler; sch != nil {
		info := map[string]any{}
		if rep, ok := sch.LastTick(); ok {
			info["last_tick"] = map[string]any{
				"id":      rep.ID,
				"at":      rep.At,
				"date":    rep.Date,
				"ran":     rep.Ran(),
				"failed":  rep.Failed(),
				"skipped": rep.Skipped(),
				"units":   rep.Units,
			}
		}
		failing, waiting := sch.RetryState()
		info["failing_phases"] = failing
		info["waiting_retry"] = waiting
		body["scheduler"] = info
	}
	if s.opt.Supervisor != nil {
		body["supervisor"] = s.opt.Supervisor.Snapshot()
	}
	writeJSON(w, status, body)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: "요청 본문이 올바른 JSON이 아닙니다."})
		return false
	}
	return true
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// messages are the reader-facing texts for known error codes.
var messages = map[string]string{
	"invalid_email":      "이메일 주소가 올바르지 않습니다.",
	"unknown_tenant":     "존재하지 않는 뉴스레터입니다.",
	"duplicate_active":   "이미 구독 중인 이메일입니다.",
	"not_subscribed":     "구독 중인 이메일이 아닙니다.",
	"no_pending_request": "진행 중인 인증 요청이 없습니다. 인증코드를 다시 요청해 주세요.",
	"code_mismatch":      "인증코드가 일치하지 않습니다.",
	"code_expired":       "인증코드가 만료되었습니다. 다시 요청해 주세요.",
	"attempts_exceeded":  "인증 시도 횟수를 초과했습니다. 인증코드를 다시 요청해 주세요.",
	"already_consumed":   "이미 사용된 인증코드입니다.",
	"token_not_found":    "유효하지 않은 구독 해지 링크입니다.",
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	code := apperr.Code(err)
	msg, ok := messages[code]
	switch {
	case ok:
	case status == http.StatusServiceUnavailable:
		msg = "일시적인 오류입니다. 잠시 후 다시 시도해 주세요."
	case status >= 500:
		msg = "서버 오류가 발생했습니다."
	default:
		msg = err.Error()
	}
	fields := []logx.Field{
		logx.String("route", routePattern(r)),
		logx.String("code", code),
		logx.Int("status", status),
		logx.String("request_id", middleware.GetReqID(r.Context())),
		logx.Err(err),
	}
	if status >= 500 {
		s.log.Warn("request failed", fields...)
	} else {
		s.log.Debug("request rejected", fields...)
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// observe records request metrics and logs slow or failed requests.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		took := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		metrics.RecordHTTP(r.Method, route, strconv.Itoa(status), took)
		if status >= 500 || took > 5*time.Second {
			s.log.Warn("http request", logx.String("method", r.Method), logx.String("route", route), logx.Int("status", status), logx.Duration("took", took))
		}
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
