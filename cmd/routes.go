package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"clinicBack/internal/models"
)

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders, makeResponseJSON)
	authMiddleware := standardMiddleware.Append(app.JWTMiddlewareWithRole(""))
	userMiddleware := standardMiddleware.Append(app.JWTMiddlewareWithRole(models.RoleUser))
	userOwnerMiddleware := userMiddleware.Append(requireOwner)
	clinicOwnerMiddleware := standardMiddleware.Append(app.JWTMiddlewareWithRole(models.RoleClinic), requireOwner)
	adminAuthMiddleware := standardMiddleware.Append(app.JWTMiddlewareWithRole(models.RoleAdmin))

	mux := pat.New()

	// Processor webhook, authenticated by signature
	mux.Post("/api/webhook", alice.New(app.recoverPanic, app.logRequest).ThenFunc(app.webhookHandler.Stripe))

	// Admin settlement
	mux.Post("/admin/payments/clinic/:clinic_id/release", adminAuthMiddleware.ThenFunc(app.adminPaymentHandler.ReleaseClinic))
	mux.Get("/admin/payments/clinic/:clinic_id/audit", adminAuthMiddleware.ThenFunc(app.adminPaymentHandler.Audit))
	mux.Get("/admin/payments/clinic/:clinic_id/processor-balance", adminAuthMiddleware.ThenFunc(app.adminPaymentHandler.ProcessorBalance))
	mux.Post("/admin/payments/refund/:appointment_id", adminAuthMiddleware.ThenFunc(app.adminPaymentHandler.Refund))
	mux.Post("/admin/payments/events/:event_id/replay", adminAuthMiddleware.ThenFunc(app.adminPaymentHandler.ReplayEvent))
	mux.Post("/admin/payments/:transaction_id/release", adminAuthMiddleware.ThenFunc(app.adminPaymentHandler.ReleaseTransaction))
	mux.Post("/admin/clinics/:clinic_id/onboard", adminAuthMiddleware.ThenFunc(app.adminPaymentHandler.OnboardClinic))

	// Clinic wallet
	mux.Get("/clinic/:id/wallet/statement", clinicOwnerMiddleware.ThenFunc(app.walletHandler.Statement))
	mux.Post("/clinic/:id/wallet/withdraw", clinicOwnerMiddleware.ThenFunc(app.walletHandler.Withdraw))
	mux.Get("/clinic/:id/wallet", clinicOwnerMiddleware.ThenFunc(app.walletHandler.ClinicWallet))

	// User wallet and checkout
	mux.Get("/user/:id/wallet", userOwnerMiddleware.ThenFunc(app.walletHandler.UserWallet))
	mux.Post("/payments/intent", userMiddleware.ThenFunc(app.walletHandler.CreatePaymentIntent))

	// Devices
	mux.Post("/devices", authMiddleware.ThenFunc(app.fcmHandler.CreateToken))
	mux.Del("/devices/:token", authMiddleware.ThenFunc(app.fcmHandler.DeleteToken))

	// Live balance feed
	mux.Get("/ws/clinic/:id/wallet", alice.New(app.recoverPanic, app.JWTMiddlewareWithRole(models.RoleClinic), requireOwner).ThenFunc(app.walletHub.ServeWS))

	return mux
}
