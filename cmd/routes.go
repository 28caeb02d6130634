package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
)

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders, makeResponseJSON)
	auth := alice.New(app.jwtAuthenticate)

	mux := pat.New()

	// Users
	mux.Post("/api/user/sign_up", http.HandlerFunc(app.userHandler.SignUp))
	mux.Post("/api/user/sign_in", http.HandlerFunc(app.userHandler.SignIn))
	mux.Post("/api/user/refresh", http.HandlerFunc(app.userHandler.Refresh))
	mux.Post("/api/user/logout", auth.ThenFunc(app.userHandler.Logout))
	mux.Get("/api/user/me", auth.ThenFunc(app.userHandler.Me))
	mux.Post("/api/user/request_reset", http.HandlerFunc(app.userHandler.RequestPasswordReset))
	mux.Post("/api/user/verify_reset_code", http.HandlerFunc(app.userHandler.VerifyResetCode))
	mux.Post("/api/user/reset_password", http.HandlerFunc(app.userHandler.ResetPassword))
	mux.Post("/api/user/device_token", auth.ThenFunc(app.userHandler.RegisterDeviceToken))
	mux.Del("/api/user/device_token", auth.ThenFunc(app.userHandler.DeleteDeviceToken))

	// In-app purchases
	mux.Post("/api/iap/purchase", auth.ThenFunc(app.purchaseHandler.Purchase))
	mux.Get("/api/iap/entitlements", auth.ThenFunc(app.purchaseHandler.Entitlements))
	mux.Get("/api/iap/subscription/status", auth.ThenFunc(app.purchaseHandler.SubscriptionStatus))
	mux.Post("/api/iap/google/verify", auth.ThenFunc(app.googleIAPHandler.VerifyPurchase))

	// Store server callbacks, authenticated by their signed payloads
	mux.Post("/api/iap/appstore/notifications", http.HandlerFunc(app.notificationsHandler.AppleNotificationsV2))

	// Entitlement stream; the socket authenticates via its hello frame
	mux.Get("/ws/entitlements", http.HandlerFunc(app.entitlementStream))

	return standardMiddleware.Then(mux)
}
