package messages

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Render substitutes {name} placeholders in the body.
func (m MessageText) Render(vars map[string]string) (title, body string) {
	if len(vars) == 0 {
		return m.Title, m.Body
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(m.Title), r.Replace(m.Body)
}

type Messages struct {
	ConsentActive  MessageText `json:"consent_active"`
	ConsentExpired MessageText `json:"consent_expired"`
	ConsentRevoked MessageText `json:"consent_revoked"`
	ConsentPaused  MessageText `json:"consent_paused"`
	SyncComplete   MessageText `json:"sync_complete"`
	SyncFailed     MessageText `json:"sync_failed"`
}

func Default() *Messages {
	return &Messages{
		ConsentActive:  MessageText{"Accounts linked", "Your consent is active. We are fetching your accounts now."},
		ConsentExpired: MessageText{"Consent expired", "Your data-sharing consent has expired. Link your accounts again to keep them in sync."},
		ConsentRevoked: MessageText{"Consent revoked", "Your data-sharing consent was revoked or rejected."},
		ConsentPaused:  MessageText{"Consent paused", "Your data-sharing consent was paused at your institution."},
		SyncComplete:   MessageText{"Accounts updated", "{transactions} new transactions and {holdings} holding snapshots from your {vertical} accounts."},
		SyncFailed:     MessageText{"Sync failed", "We could not refresh your {vertical} accounts."},
	}
}

// Load reads a JSON catalog from path. Entries missing from the file
// keep their default text.
func Load(path string) (*Messages, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}
	m := Default()
	var override Messages
	if err := json.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}
	merge(&m.ConsentActive, override.ConsentActive)
	merge(&m.ConsentExpired, override.ConsentExpired)
	merge(&m.ConsentRevoked, override.ConsentRevoked)
	merge(&m.ConsentPaused, override.ConsentPaused)
	merge(&m.SyncComplete, override.SyncComplete)
	merge(&m.SyncFailed, override.SyncFailed)
	return m, nil
}

func merge(dst *MessageText, src MessageText) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Body != "" {
		dst.Body = src.Body
	}
}
