package http

import "net/http"

// Handlers groups the API handlers for registration.
type Handlers struct {
	Consents      *ConsentHandler
	Fetch         *FetchHandler
	Accounts      *AccountHandler
	Notifications *NotificationHandler
}

// Register mounts the authenticated API on mux. auth wraps every route.
func (h *Handlers) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	handle("POST /api/consents", h.Consents.HandleCreate)
	handle("GET /api/consents", h.Consents.HandleList)
	handle("GET /api/consents/{ref}", h.Consents.HandleGet)
	handle("GET /api/consents/{ref}/events", h.Consents.HandleEvents)
	handle("DELETE /api/consents/{ref}/poll", h.Consents.HandleCancelPoll)

	handle("POST /api/consents/{ref}/discover", h.Fetch.HandleDiscover)
	handle("POST /api/consents/{ref}/fetch", h.Fetch.HandleFetch)
	handle("GET /api/consents/{ref}/batches", h.Fetch.HandleListBatches)
	handle("GET /api/batches/{id}", h.Fetch.HandleGetBatch)
	handle("POST /api/batches/{id}/retry", h.Fetch.HandleRetry)

	handle("GET /api/accounts", h.Accounts.HandleListAccounts)
	handle("GET /api/accounts/{id}/holdings", h.Accounts.HandleHoldings)
	handle("GET /api/accounts/{id}/transactions", h.Accounts.HandleTransactions)

	if h.Notifications != nil {
		handle("POST /api/devices", h.Notifications.HandleRegisterDevice)
		handle("GET /api/notifications", h.Notifications.HandleNotifications)
	}
}
