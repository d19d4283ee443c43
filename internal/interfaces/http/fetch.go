package http

import (
	"net/http"

	"finlink/internal/domain/batch"
	"finlink/internal/domain/consent"
	"finlink/internal/domain/fetch"
)

type FetchHandler struct {
	consents     *consent.Service
	orchestrator *fetch.Orchestrator
}

func NewFetchHandler(consents *consent.Service, orchestrator *fetch.Orchestrator) *FetchHandler {
	return &FetchHandler{consents: consents, orchestrator: orchestrator}
}

type FetchRequest struct {
	Accounts []fetch.AccountRef `json:"accounts"`
}

// withoutPayloads keeps raw statements out of API responses.
func withoutPayloads(b *batch.Batch) *batch.Batch {
	cp := *b
	cp.Results = make([]batch.AccountResult, len(b.Results))
	for i, res := range b.Results {
		res.Payload = nil
		cp.Results[i] = res
	}
	return &cp
}

// HandleDiscover handles POST /api/consents/{ref}/discover
func (h *FetchHandler) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	c, err := ownedConsent(r.Context(), h.consents, r.PathValue("ref"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	accounts, err := h.orchestrator.Discover(r.Context(), c.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

// HandleFetch handles POST /api/consents/{ref}/fetch
func (h *FetchHandler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req FetchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	c, err := ownedConsent(r.Context(), h.consents, r.PathValue("ref"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.orchestrator.DispatchFetch(r.Context(), c.ID, req.Accounts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, withoutPayloads(b))
}

// HandleListBatches handles GET /api/consents/{ref}/batches
func (h *FetchHandler) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	c, err := ownedConsent(r.Context(), h.consents, r.PathValue("ref"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.orchestrator.Batches(r.Context(), c.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]*batch.Batch, 0, len(list))
	for _, b := range list {
		items = append(items, withoutPayloads(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": items})
}

func (h *FetchHandler) ownedBatch(r *http.Request, userID int64) (*batch.Batch, error) {
	b, err := h.orchestrator.Batch(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, batch.ErrBatchNotFound
	}
	return b, nil
}

// HandleGetBatch handles GET /api/batches/{id}
func (h *FetchHandler) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	b, err := h.ownedBatch(r, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withoutPayloads(b))
}

// HandleRetry handles POST /api/batches/{id}/retry
func (h *FetchHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	b, err := h.ownedBatch(r, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	retried, err := h.orchestrator.Retry(r.Context(), b.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, withoutPayloads(retried))
}
