// File: internal/infra/api/apiv1/server.go
package apiv1

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain"
	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/domain/ports/repository"
	"caregiver-billing/internal/infra/logging"
	"caregiver-billing/internal/infra/metrics"
	"caregiver-billing/internal/usecase"
)

const maxBody = 1 << 20

// WebhookVerifier authenticates gateway webhooks.
type WebhookVerifier interface {
	VerifyWebhookSignature(payload []byte, signature string) bool
}

// RateLimiter is satisfied by the Redis fixed-window limiter.
type RateLimiter interface {
	Allow(ctx context.Context, clientID, route string, limit int, window time.Duration) (bool, error)
}

type Options struct {
	// CreatePaymentRate caps payment initiations per client per minute; 0 disables the cap.
	CreatePaymentRate int
	SignatureHeader   string
}

type Server struct {
	pay     usecase.PaymentUseCase
	subs    usecase.SubscriptionUseCase
	stats   usecase.StatsUseCase
	webhook WebhookVerifier
	limiter RateLimiter
	opts    Options
	log     *zerolog.Logger
}

func NewServer(pay usecase.PaymentUseCase, subs usecase.SubscriptionUseCase, stats usecase.StatsUseCase,
	webhook WebhookVerifier, limiter RateLimiter, opts Options, logger *zerolog.Logger) *Server {
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = "X-Paystack-Signature"
	}
	l := logger.With().Str("component", "APIv1").Logger()
	return &Server{pay: pay, subs: subs, stats: stats, webhook: webhook, limiter: limiter, opts: opts, log: &l}
}

// RegisterAPIV1 mounts every /api/v1 route on r.
func RegisterAPIV1(r chi.Router, s *Server, auth *Authenticator) {
	r.Route("/api/v1", func(r chi.Router) {
		// gateway-facing, no bearer token
		r.Post("/payments/webhook", s.handleWebhook)
		r.Get("/payments/callback", s.handleCallback)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireActor)

			r.With(requireRole(model.RoleClient)).Post("/payments", s.createPayment)
			r.Get("/payments/{reference}", s.getPayment)
			r.Post("/payments/{reference}/fail", s.failPayment)

			r.Get("/subscriptions", s.listSubscriptions)
			r.Route("/subscriptions/{id}", func(r chi.Router) {
				r.Get("/", s.getSubscription)
				r.Post("/cancel", s.cancelSubscription)
				r.Post("/reactivate", s.reactivateSubscription)
				r.Post("/terminate", s.terminateSubscription)
				r.Post("/pause", s.pauseSubscription)
				r.Post("/resume", s.resumeSubscription)
				r.Post("/plan", s.changePlan)
				r.Post("/payment-method", s.initiatePaymentMethod)
				r.Post("/payment-method/confirm", s.confirmPaymentMethod)
				r.Get("/payments", s.paymentHistory)
				r.Get("/plan-changes", s.planChanges)
			})

			r.With(requireRole(model.RoleSupport)).Get("/analytics/subscriptions", s.analytics)
		})
	})
}

// ---------- helpers

func pathParam(r *http.Request, name string) (string, error) {
	var v string
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	return v, err
}

// decode reads an optional JSON body into v; an empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) logger(r *http.Request) *zerolog.Logger { return logging.With(r.Context(), s.log) }

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	writeProblem(w, http.StatusBadRequest, string(domain.KindValidation), msg, nil)
}

// ---------- payments

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	if s.limiter != nil && s.opts.CreatePaymentRate > 0 {
		ok, err := s.limiter.Allow(r.Context(), actor.ID, "create_payment", s.opts.CreatePaymentRate, time.Minute)
		if err != nil {
			s.logger(r).Warn().Err(err).Msg("rate limiter unavailable; allowing request")
		} else if !ok {
			metrics.IncRateLimited("create_payment")
			writeProblem(w, http.StatusTooManyRequests, "rate_limited", "too many payment attempts, retry later", nil)
			return
		}
	}

	var req usecase.CreatePaymentRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}
	req.ClientID = actor.ID
	p, err := s.pay.CreatePendingPayment(r.Context(), req)
	if err != nil {
		writeError(w, s.logger(r), err)
		return
	}
	metrics.IncPayment("initiated")
	writeJSON(w, http.StatusCreated, toPayment(p))
}

func canSeePayment(a model.Actor, p *model.PendingPayment) bool {
	switch a.Role {
	case model.RoleSupport:
		return true
	case model.RoleClient:
		return a.ID == p.ClientID
	case model.RoleCaregiver:
		return a.ID == p.CaregiverID
	}
	return false
}

func (s *Server) getPayment(w http.ResponseWriter, r *http.Request) {
	ref, err := pathParam(r, "reference")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	p, err := s.pay.GetByReference(r.Context(), ref)
	if err != nil {
		writeError(w, s.logger(r), err)
		return
	}
	actor, _ := actorFrom(r.Context())
	if !canSeePayment(actor, p) {
		// do not reveal existence
		writeError(w, s.logger(r), domain.NotFound("payment.get", "payment"))
		return
	}
	writeJSON(w, http.StatusOK, toPayment(p))
}

func (s *Server) failPayment(w http.ResponseWriter, r *http.Request) {
	ref, err := pathParam(r, "reference")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var body reasonBody
	if err := decode(r, &body); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}
	actor, _ := actorFrom(r.Context())
	existing, err := s.pay.GetByReference(r.Context(), ref)
	if err != nil {
		writeError(w, s.logger(r), err)
		return
	}
	if actor.Role != model.RoleSupport && actor.ID != existing.ClientID {
		writeError(w, s.logger(r), domain.NotFound("payment.fail", "payment"))
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled by " + string(actor.Role)
	}
	p, err := s.pay.FailPayment(r.Context(), ref, body.Reason)
	if err != nil {
		writeError(w, s.logger(r), err)
		return
	}
	metrics.IncPayment("failed")
	writeJSON(w, http.StatusOK, toPayment(p))
}

func (s *Server) recordOutcome(p *model.PendingPayment) {
	if !p.Status.Terminal() {
		return
	}
	metrics.IncPayment(string(p.Status))
	if p.Status == model.PaymentStatusCompleted {
		metrics.AddRevenue(p.Currency, string(p.ServiceType), p.TotalAmount())
	}
}

// handleWebhook answers 2xx for everything it has durably handled or chooses to
// ignore, and 5xx only when a retry by the gateway could succeed.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	event := "unknown"
	result := "ok"
	defer func() { metrics.ObserveWebhook(event, result, time.Since(started).Seconds()) }()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		result = "bad_request"
		s.badRequest(w, "unreadable body")
		return
	}
	if !s.webhook.VerifyWebhookSignature(body, r.Header.Get(s.opts.SignatureHeader)) {
		result = "bad_signature"
		writeProblem(w, http.StatusUnauthorized, "unauthorized", "invalid signature", nil)
		return
	}
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		result = "bad_request"
		s.badRequest(w, "malformed event")
		return
	}
	if ev.Event == "charge.success" || ev.Event == "charge.failed" {
		event = ev.Event
	}
	ref := ev.Data.Reference
	l := s.logger(r).With().Str("event", ev.Event).Str("reference", ref).Logger()

	// recurring and verification charges are settled synchronously elsewhere
	if !strings.HasPrefix(ref, "CGB-") {
		result = "ignored"
		w.WriteHeader(http.StatusOK)
		return
	}

	var p *model.PendingPayment
	switch ev.Event {
	case "charge.success":
		paid := decimal.New(ev.Data.Amount, -2)
		p, err = s.pay.CompletePayment(r.Context(), ref, strconv.FormatInt(ev.Data.ID, 10), paid, ev.Data.Currency)
	case "charge.failed":
		reason := ev.Data.GatewayResponse
		if reason == "" {
			reason = "declined by gateway"
		}
		p, err = s.pay.FailPayment(r.Context(), ref, reason)
	default:
		result = "ignored"
		w.WriteHeader(http.StatusOK)
		return
	}

	switch domain.KindOf(err) {
	case "":
	case domain.KindInternal, domain.KindPersistenceConflict, domain.KindGateway:
		result = "error"
		l.Error().Err(err).Msg("webhook processing failed; gateway will retry")
		writeProblem(w, http.StatusInternalServerError, string(domain.KindOf(err)), "retry later", nil)
		return
	default:
		// not found, conflicts and amount mismatches are final for this event
		result = string(domain.KindOf(err))
		l.Warn().Err(err).Msg("webhook event not applied")
		w.WriteHeader(http.StatusOK)
		return
	}
	if err == nil && p != nil {
		s.recordOutcome(p)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var ref string
	if err := runtime.BindQueryParameter("form", true, true, "reference", r.URL.Query(), &ref); err != nil || ref == "" {
		renderResult(w, http.StatusBadRequest, false, "missing payment reference", "")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	p, err := s.pay.VerifyAndComplete(ctx, ref)
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindNotFound:
			renderResult(w, http.StatusNotFound, false, "We could not find this payment.", ref)
		case domain.KindAmountMismatch:
			renderResult(w, http.StatusOK, false, "Your payment is under review. Our support team will contact you.", ref)
		default:
			s.logger(r).Error().Err(err).Str("reference", ref).Msg("callback verification failed")
			renderResult(w, http.StatusBadGateway, false, "We could not confirm your payment yet. Please check again shortly.", ref)
		}
		return
	}
	s.recordOutcome(p)
	switch p.Status {
	case model.PaymentStatusCompleted:
		renderResult(w, http.StatusOK, true, "Payment confirmed. Your booking is being created.", ref)
	case model.PaymentStatusPending:
		renderResult(w, http.StatusOK, false, "Payment is still processing.", ref)
	default:
		msg := p.ErrorMessage
		if msg == "" {
			msg = "Payment was not completed."
		}
		renderResult(w, http.StatusOK, false, msg, ref)
	}
}

var page = template.Must(template.New("cb").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8" />
<meta name="viewport" content="width=device-width,initial-scale=1" />
<title>Payment {{if .OK}}Success{{else}}Result{{end}}</title>
<style>
body{font-family:system-ui,Arial,sans-serif;margin:2rem;}
.card{max-width:560px;border:1px solid #ddd;border-radius:12px;padding:24px;}
.ok{color:#057a55} .fail{color:#b00020}
.small{font-size:12px;color:#666}
</style>
</head>
<body>
<div class="card">
  <h2 class="{{if .OK}}ok{{else}}fail{{end}}">{{if .OK}}Payment Successful{{else}}Payment Status{{end}}</h2>
  <p>{{.Msg}}</p>
  {{if .Ref}}<div class="small">Reference: {{.Ref}}</div>{{end}}
</div>
</body>
</html>`))

func renderResult(w http.ResponseWriter, code int, ok bool, msg, ref string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_ = page.Execute(w, struct {
		OK  bool
		Msg string
		Ref string
	}{OK: ok, Msg: msg, Ref: ref})
}

// ---------- subscriptions

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		statuses []string
		limit    int
		offset   int
		gigID    string
	)
	if err := runtime.BindQueryParameter("form", true, false, "status", q, &statuses); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", q, &limit); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", q, &offset); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "gig_id", q, &gigID); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	f := repository.SubscriptionFilter{GigID: gigID, Limit: limit, Offset: offset}
	var bad []string
	for _, raw := range statuses {
		st, err := model.ParseSubscriptionStatus(raw)
		if err != nil {
			bad = append(bad, err.Error())
			continue
		}
		f.Statuses = append(f.Statuses, st)
	}
	if len(bad) > 0 {
		writeError(w, s.logger(r), domain.Validation("subscription.list", bad...))
		return
	}

	actor, _ := actorFrom(r.Context())
	subs, err := s.subs.List(r.Context(), actor, f)
	if err != nil {
		writeError(w, s.logger(r), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toSubscriptions(subs)})
}

// subCommand runs a subscription command addressed by {id} and writes the result.
func (s *Server) subCommand(w http.ResponseWriter, r *http.Request, transition string,
	fn func(ctx context.Context, actor model.Actor, id string) (*model.Subscription, error)) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	actor, _ := actorFrom(r.Context())
	sub, err := fn(r.Context(), actor, id)
	if err != nil {
		if transition != "" {
			metrics.IncSubscriptionTransition(transition, string(domain.KindOf(err)))
		}
		writeError(w, s.logger(r), err)
		return
	}
	if transition != "" {
		metrics.IncSubscriptionTransition(transition, "ok")
	}
	writeJSON(w, http.StatusOK, toSubscription(sub))
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	s.subCommand(w, r, "", s.subs.Get)
}

func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decode(r, &body); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}
	s.subCommand(w, r, "cancel", func(ctx context.Context, a model.Actor, id string) (*model.Subscription, error) {
		return s.subs.Cancel(ctx, a, id, body.Reason)
	})
}

func (s *Server) reactivateSubscription(w http.ResponseWriter, r *http.Request) {
	s.subCommand(w, r, "reactivate", s.subs.Reactivate)
}

func (s *Server) terminateSubscription(w http.ResponseWriter, r *http.Request) {
	var body terminateBody
	if err := decode(r, &body); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}
	s.subCommand(w, r, "terminate", func(ctx context.Context, a model.Actor, id string) (*model.Subscription, error) {
		return s.subs.Terminate(ctx, a, id, body.Reason, body.Refund)
	})
}

func (s *Server) pauseSubscription(w http.ResponseWriter, r *http.Request) {
	s.subCommand(w, r, "pause", s.subs.Pause)
}

func (s *Server) resumeSubscription(w http.ResponseWriter, r *http.Request) {
	s.subCommand(w, r, "resume", s.subs.Resume)
}

func (s *Server) changePlan(w http.ResponseWriter, r *http.Request) {
	var req usecase.ChangePlanRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}
	s.subCommand(w, r, "change_plan", func(ctx context.Context, a model.Actor, id string) (*model.Subscription, error) {
		return s.subs.ChangePlan(ctx, a, id, req)
	})
}

func (s *Server) initiatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var req usecase.PaymentMethodUpdateRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}
	actor, _ := actorFrom(r.Context())
	upd, err := s.subs.InitiatePaymentMethodUpdate(r.Context(), actor, id, req)
	if err != nil {
		writeError(w, s.logger(r), err)
		return
	}
	writeJSON(w, http.StatusAccepted, upd)
}

func (s *Server) confirmPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var body confirmMethodBody
	if err := decode(r, &body); err != nil || body.Reference == "" {
		writeError(w, s.logger(r), domain.Validation("subscription.payment_method", "reference is required"))
		return
	}
	s.subCommand(w, r, "update_payment_method", func(ctx context.Context, a model.Actor, id string) (*model.Subscription, error) {
		return s.subs.ConfirmPaymentMethodUpdate(ctx, a, id, body.Reference)
	})
}

func (s *Server) paymentHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	actor, _ := actorFrom(r.Context())
	items, err := s.subs.PaymentHistory(r.Context(), actor, id)
	if err != nil {
		writeError(w, s.logger(r), err)
		return
	}
	if items == nil {
		items = []model.SubscriptionPaymentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) planChanges(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	actor, _ := actorFrom(r.Context())
	items, err := s.subs.PlanChanges(r.Context(), actor, id)
	if err != nil {
		writeError(w, s.logger(r), err)
		return
	}
	if items == nil {
		items = []model.PlanChangeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ---------- analytics

func (s *Server) analytics(w http.ResponseWriter, r *http.Request) {
	days := 30
	if err := runtime.BindQueryParameter("form", true, false, "window_days", r.URL.Query(), &days); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if days < 1 || days > 365 {
		writeError(w, s.logger(r), domain.Validation("analytics", "window_days must be between 1 and 365"))
		return
	}
	out, err := s.stats.SubscriptionAnalytics(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		writeError(w, s.logger(r), err)
		return
	}
	metrics.SetSubscriptionsTotal(out.CountsByStatus)
	writeJSON(w, http.StatusOK, out)
}
