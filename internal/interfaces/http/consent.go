package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"finlink/internal/domain/consent"
	"finlink/internal/domain/vertical"
)

// Poller cancels background status polling for a consent.
type Poller interface {
	Cancel(consentID string) bool
	Polling(consentID string) bool
}

type ConsentHandler struct {
	consents    *consent.Service
	linker      *consent.Linker
	poller      Poller
	redirectURL string
}

func NewConsentHandler(consents *consent.Service, linker *consent.Linker, poller Poller, redirectURL string) *ConsentHandler {
	return &ConsentHandler{consents: consents, linker: linker, poller: poller, redirectURL: redirectURL}
}

type CreateConsentRequest struct {
	DataTypes   []string   `json:"dataTypes"`
	ValidFrom   time.Time  `json:"validFrom"`
	ValidUntil  time.Time  `json:"validUntil"`
	DataFrom    time.Time  `json:"dataFrom"`
	DataTo      *time.Time `json:"dataTo,omitempty"`
	RedirectURL string     `json:"redirectUrl,omitempty"`
}

type ConsentResponse struct {
	*consent.Consent
	Polling bool `json:"polling"`
}

func (h *ConsentHandler) toResponse(c *consent.Consent) ConsentResponse {
	return ConsentResponse{Consent: c, Polling: h.poller != nil && h.poller.Polling(c.ID)}
}

// ownedConsent resolves ref and hides consents of other users.
func ownedConsent(ctx context.Context, consents *consent.Service, ref string, userID int64) (*consent.Consent, error) {
	c, err := consents.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, consent.ErrConsentNotFound
	}
	return c, nil
}

// HandleCreate handles POST /api/consents
func (h *ConsentHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req CreateConsentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	params := consent.CreateParams{
		UserID:     userID,
		ValidFrom:  req.ValidFrom,
		ValidUntil: req.ValidUntil,
		DataRange:  consent.DataRange{From: req.DataFrom},
	}
	if req.DataTo != nil {
		params.DataRange.To = *req.DataTo
	}
	for _, t := range req.DataTypes {
		params.DataTypes = append(params.DataTypes, vertical.Type(t))
	}

	redirect := req.RedirectURL
	if redirect == "" {
		redirect = h.redirectURL
	}

	c, err := h.linker.Initiate(r.Context(), params, redirect)
	if err != nil {
		if c != nil && errors.Is(err, consent.ErrInitiationFailed) {
			writeJSON(w, http.StatusBadGateway, struct {
				errorResponse
				Consent *consent.Consent `json:"consent"`
			}{errorResponse{Error: err.Error()}, c})
			return
		}
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toResponse(c))
}

// HandleList handles GET /api/consents
func (h *ConsentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	list, err := h.consents.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]ConsentResponse, 0, len(list))
	for _, c := range list {
		items = append(items, h.toResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"consents": items})
}

// HandleGet handles GET /api/consents/{ref}
func (h *ConsentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	c, err := ownedConsent(r.Context(), h.consents, r.PathValue("ref"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(c))
}

// HandleEvents handles GET /api/consents/{ref}/events
func (h *ConsentHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	c, err := ownedConsent(r.Context(), h.consents, r.PathValue("ref"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := h.consents.Events(r.Context(), c.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// HandleCancelPoll handles DELETE /api/consents/{ref}/poll
func (h *ConsentHandler) HandleCancelPoll(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	c, err := ownedConsent(r.Context(), h.consents, r.PathValue("ref"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cancelled := h.poller != nil && h.poller.Cancel(c.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}
