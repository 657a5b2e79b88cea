package port

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/errmap"
	"github.com/aelexs/otp-gateway/internal/observability"
	"github.com/aelexs/otp-gateway/internal/otpgateway/app"
)

// otpService is a narrow, consumer-defined interface for the OTP operations
// the handler requires. The *app.Service satisfies this.
type otpService interface {
	RequestOTP(ctx context.Context, mobile string, templateID int) app.Outcome
	VerifyOTP(ctx context.Context, mobile, code string) app.Outcome
}

var _ otpService = (*app.Service)(nil)

// HandlerConfig configures OTPHandler.
type HandlerConfig struct {
	// DefaultRegion is the phone region assumed for numbers without a
	// country code.
	DefaultRegion     string
	DefaultTemplateID int
	// ExposeCode echoes the issued code in the request response. Local
	// development only.
	ExposeCode bool
}

// OTPHandler serves the OTP endpoints.
type OTPHandler struct {
	svc otpService
	cfg HandlerConfig
}

// NewOTPHandler creates an OTPHandler backed by the given Service.
func NewOTPHandler(svc *app.Service, cfg HandlerConfig) *OTPHandler {
	return newOTPHandler(svc, cfg)
}

func newOTPHandler(svc otpService, cfg HandlerConfig) *OTPHandler {
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "IR"
	}
	if cfg.DefaultTemplateID <= 0 {
		cfg.DefaultTemplateID = domain.DefaultOTPTemplateID
	}
	return &OTPHandler{svc: svc, cfg: cfg}
}

// Routes mounts the OTP endpoints on r.
func (h *OTPHandler) Routes(r chi.Router) {
	r.Post("/v1/otp/request", h.handleRequest)
	r.Post("/v1/otp/verify", h.handleVerify)
}

type requestOTPBody struct {
	Mobile     string `json:"mobile"`
	TemplateID *int   `json:"template_id,omitempty"`
}

type verifyOTPBody struct {
	Mobile string `json:"mobile"`
	Code   string `json:"code"`
}

func (h *OTPHandler) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body requestOTPBody
	if !decodeJSON(w, r, &body) {
		return
	}

	mobile, err := domain.NormalizeMobile(body.Mobile, h.cfg.DefaultRegion)
	if err != nil {
		h.reject(r, err)
		writeError(w, err)
		return
	}

	templateID := h.cfg.DefaultTemplateID
	if body.TemplateID != nil {
		if *body.TemplateID <= 0 {
			err := fmt.Errorf("template_id must be positive: %w", domain.ErrInvalidInput)
			h.reject(r, err)
			writeError(w, err)
			return
		}
		templateID = *body.TemplateID
	}

	out := h.svc.RequestOTP(r.Context(), mobile, templateID)
	resp := toResponse(out)
	if h.cfg.ExposeCode {
		resp.Code = out.Code
	}
	writeJSON(w, errmap.ToOutcomeStatus(out.Kind, out.Limit).StatusCode, resp)
}

func (h *OTPHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body verifyOTPBody
	if !decodeJSON(w, r, &body) {
		return
	}

	mobile, err := domain.NormalizeMobile(body.Mobile, h.cfg.DefaultRegion)
	if err != nil {
		h.reject(r, err)
		writeError(w, err)
		return
	}
	code := strings.TrimSpace(body.Code)
	if code == "" {
		err := fmt.Errorf("code cannot be empty: %w", domain.ErrInvalidInput)
		h.reject(r, err)
		writeError(w, err)
		return
	}

	out := h.svc.VerifyOTP(r.Context(), mobile, code)
	writeJSON(w, errmap.ToOutcomeStatus(out.Kind, out.Limit).StatusCode, toResponse(out))
}

func (h *OTPHandler) reject(r *http.Request, err error) {
	observability.LoggerFromContext(r.Context()).DebugContext(r.Context(), "otp request rejected",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
}

func toResponse(out app.Outcome) otpResponse {
	resp := otpResponse{
		Success: out.Success(),
		Result:  errmap.ToOutcomeStatus(out.Kind, out.Limit).Code,
		Message: out.Message,
	}
	switch out.Kind {
	case domain.OutcomeDispatchFailed:
		resp.Reason = out.Reason.Code
	case domain.OutcomeSent:
		resp.ProviderReference = out.ProviderReference
	}
	return resp
}
