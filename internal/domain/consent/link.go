package consent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"finlink/internal/infrastructure/aggregator"
)

var ErrInitiationFailed = errors.New("aggregator did not accept the consent request")

// Initiator submits consent requests to the aggregator.
type Initiator interface {
	InitiateConsent(ctx context.Context, req aggregator.InitiateRequest) (*aggregator.InitiateResponse, error)
}

// Linker runs the link flow: record the consent, ask the aggregator for
// it and hand the user the approval URL.
type Linker struct {
	consents *Service
	client   Initiator
}

func NewLinker(consents *Service, client Initiator) *Linker {
	return &Linker{consents: consents, client: client}
}

// Initiate creates an INITIATED consent, submits it to the aggregator and
// moves it to PENDING once the aggregator has assigned its identifiers.
// When the aggregator call fails the consent stays INITIATED and is
// returned alongside the error.
func (l *Linker) Initiate(ctx context.Context, params CreateParams, redirectURL string) (*Consent, error) {
	c, err := l.consents.Create(ctx, params)
	if err != nil {
		return nil, err
	}

	req := aggregator.InitiateRequest{
		UserRef:     strconv.FormatInt(c.UserID, 10),
		ValidFrom:   c.ValidFrom,
		ValidUntil:  c.ValidUntil,
		RedirectURL: redirectURL,
	}
	for _, t := range c.DataTypes {
		req.FITypes = append(req.FITypes, t.ExternalName())
	}
	req.DataRange.From = c.DataRange.From
	if !c.DataRange.To.IsZero() {
		to := c.DataRange.To
		req.DataRange.To = &to
	}

	resp, err := l.client.InitiateConsent(ctx, req)
	if err != nil {
		log.Printf("Consent %s: aggregator initiation failed: %v", c.ID, err)
		return c, fmt.Errorf("%w: %w", ErrInitiationFailed, err)
	}
	if resp.ConsentHandle == "" {
		log.Printf("Consent %s: aggregator returned no consent handle", c.ID)
		return c, fmt.Errorf("%w: missing consent handle", ErrInitiationFailed)
	}

	if _, err := l.consents.AttachExternalIDs(ctx, c.ID, resp.ConsentID, resp.ConsentHandle, resp.RedirectURL); err != nil {
		return c, err
	}
	return l.consents.Transition(ctx, c.ID, StatusPending, SourceSystem, map[string]any{
		"aggregatorStatus": resp.Status,
	})
}
