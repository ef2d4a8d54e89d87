// Package port exposes the OTP authentication flows over HTTP.
package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/voltgrid/ev-platform/internal/auth"
	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/errmap"
	"github.com/voltgrid/ev-platform/internal/otpauth/app"
)

// authService is a narrow, consumer-defined interface for the operations
// the handler requires. The *app.Service satisfies this.
type authService interface {
	RequestOTP(ctx context.Context, in app.RequestInput) (*app.RequestResult, error)
	VerifyOTP(ctx context.Context, in app.VerifyInput) (*app.VerifyResult, error)
	ResendOTP(ctx context.Context, in app.RequestInput) (*app.RequestResult, error)
	RefreshTokens(ctx context.Context, refreshToken string) (*app.RefreshResult, error)
	Logout(ctx context.Context, refreshToken string)
	Authenticate(ctx context.Context, accessToken string) (*auth.Claims, error)
}

// AuthHandler translates HTTP requests into app-layer calls.
type AuthHandler struct {
	svc      authService
	validate *validator.Validate
}

// NewAuthHandler creates an AuthHandler backed by the given service.
func NewAuthHandler(svc authService) *AuthHandler {
	return &AuthHandler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes mounts the auth endpoints on r.
func (h *AuthHandler) Routes(r chi.Router) {
	r.Post("/otp/request", h.handleRequest)
	r.Post("/otp/resend", h.handleResend)
	r.Post("/otp/verify", h.handleVerify)
	r.Post("/otp/refresh", h.handleRefresh)
	r.Post("/otp/logout", h.handleLogout)
}

type requestOTPBody struct {
	Phone       string `json:"phone" validate:"required"`
	CountryCode string `json:"countryCode" validate:"omitempty,alpha,len=2"`
}

type verifyOTPBody struct {
	Phone       string `json:"phone" validate:"required"`
	CountryCode string `json:"countryCode" validate:"omitempty,alpha,len=2"`
	OTP         string `json:"otp" validate:"required,numeric,len=6"`
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (h *AuthHandler) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body requestOTPBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.svc.RequestOTP(r.Context(), app.RequestInput{
		Phone:       body.Phone,
		CountryCode: strings.ToUpper(body.CountryCode),
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		errmap.WriteError(w, err)
		return
	}

	errmap.WriteSuccess(w, http.StatusAccepted, result.Message, map[string]any{
		"requestId": result.RequestID,
		"expiresIn": result.ExpiresInSeconds,
	})
}

func (h *AuthHandler) handleResend(w http.ResponseWriter, r *http.Request) {
	var body requestOTPBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.svc.ResendOTP(r.Context(), app.RequestInput{
		Phone:       body.Phone,
		CountryCode: strings.ToUpper(body.CountryCode),
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		errmap.WriteError(w, err)
		return
	}

	errmap.WriteSuccess(w, http.StatusAccepted, result.Message, map[string]any{
		"requestId": result.RequestID,
		"expiresIn": result.ExpiresInSeconds,
	})
}

func (h *AuthHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body verifyOTPBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.svc.VerifyOTP(r.Context(), app.VerifyInput{
		Phone:       body.Phone,
		CountryCode: strings.ToUpper(body.CountryCode),
		OTP:         body.OTP,
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		errmap.WriteError(w, err)
		return
	}

	errmap.WriteSuccess(w, http.StatusOK, "OTP verified successfully", map[string]any{
		"user": result.User,
		"tokens": map[string]any{
			"accessToken":  result.Tokens.AccessToken,
			"refreshToken": result.Tokens.RefreshToken,
			"expiresIn":    result.Tokens.ExpiresInSeconds,
		},
	})
}

func (h *AuthHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.svc.RefreshTokens(r.Context(), body.RefreshToken)
	if err != nil {
		errmap.WriteError(w, err)
		return
	}

	errmap.WriteSuccess(w, http.StatusOK, "Token refreshed", map[string]any{
		"accessToken": result.AccessToken,
		"expiresIn":   result.ExpiresInSeconds,
	})
}

// handleLogout always answers 200; it discloses nothing about the token.
func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	h.svc.Logout(r.Context(), body.RefreshToken)

	errmap.WriteSuccess(w, http.StatusOK, "Logged out", nil)
}

func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		errmap.WriteError(w, fmt.Errorf("malformed request body: %w", domain.ErrValidation))
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		errmap.WriteError(w, fmt.Errorf("%s: %w", validationMessage(err), domain.ErrValidation))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		fields[i] = fe.Field()
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}

// clientIP prefers X-Forwarded-For (first hop) over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndexByte(addr, ':'); idx >= 0 {
		return addr[:idx]
	}
	return addr
}
