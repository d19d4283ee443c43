package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/subcommands"

	"finlink/internal/domain/batch"
	"finlink/internal/domain/consent"
	"finlink/internal/shared/auth"
	"finlink/internal/shared/config"
)

func fail(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// --- consents ---

type consentsCmd struct {
	userID int64
	status string
}

func (*consentsCmd) Name() string     { return "consents" }
func (*consentsCmd) Synopsis() string { return "list consents by user or status" }
func (*consentsCmd) Usage() string {
	return `admin consents (-user <id> | -status <STATUS>)

  Lists consents with their aggregator identifiers and validity.
`
}

func (c *consentsCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.userID, "user", 0, "List the consents of this user.")
	f.StringVar(&c.status, "status", "", "List every consent in this status (e.g. PENDING).")
}

func (c *consentsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if (c.userID == 0) == (c.status == "") {
		fmt.Fprintln(os.Stderr, "Error: exactly one of -user or -status is required.")
		return subcommands.ExitUsageError
	}

	e, err := openEnv(ctx)
	if err != nil {
		return fail("%v", err)
	}
	defer e.Close()

	var list []*consent.Consent
	if c.userID != 0 {
		list, err = e.consents.ListByUser(ctx, c.userID)
	} else {
		status := consent.Status(strings.ToUpper(c.status))
		if !status.Valid() {
			return fail("unknown status %q", c.status)
		}
		list, err = e.consents.ListByStatus(ctx, status)
	}
	if err != nil {
		return fail("%v", err)
	}

	table := newTable(os.Stdout, "ID", "User", "Status", "Types", "Consent ID", "Valid until", "Version")
	for _, cs := range list {
		types := make([]string, len(cs.DataTypes))
		for i, t := range cs.DataTypes {
			types[i] = string(t)
		}
		table.Append([]string{
			cs.ID,
			strconv.FormatInt(cs.UserID, 10),
			string(cs.Status),
			strings.Join(types, ","),
			cs.ConsentID,
			formatTime(cs.ValidUntil),
			strconv.FormatInt(cs.Version, 10),
		})
	}
	table.Render()
	return subcommands.ExitSuccess
}

// --- events ---

type eventsCmd struct {
	ref string
}

func (*eventsCmd) Name() string     { return "events" }
func (*eventsCmd) Synopsis() string { return "print the audit log of a consent" }
func (*eventsCmd) Usage() string {
	return `admin events -consent <ref>

  <ref> is the internal id, the aggregator consent id or the handle.
`
}

func (c *eventsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.ref, "consent", "", "Consent reference.")
}

func (c *eventsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.ref == "" {
		fmt.Fprintln(os.Stderr, "Error: -consent is required.")
		return subcommands.ExitUsageError
	}

	e, err := openEnv(ctx)
	if err != nil {
		return fail("%v", err)
	}
	defer e.Close()

	events, err := e.consents.Events(ctx, c.ref)
	if err != nil {
		return fail("%v", err)
	}

	table := newTable(os.Stdout, "Seq", "Type", "From", "To", "Source", "At", "Metadata")
	for _, ev := range events {
		meta := ""
		if len(ev.Metadata) > 0 {
			b, _ := json.Marshal(ev.Metadata)
			meta = string(b)
		}
		table.Append([]string{
			strconv.FormatInt(ev.Seq, 10),
			string(ev.Type),
			string(ev.FromStatus),
			string(ev.ToStatus),
			string(ev.Source),
			formatTime(ev.CreatedAt),
			meta,
		})
	}
	table.Render()
	return subcommands.ExitSuccess
}

// --- verify ---

type verifyCmd struct {
	ref    string
	status string
}

func (*verifyCmd) Name() string     { return "verify" }
func (*verifyCmd) Synopsis() string { return "replay event logs and compare them with stored status" }
func (*verifyCmd) Usage() string {
	return `admin verify (-consent <ref> | -status <STATUS>)

  Replays each consent's event log from the CREATED event and reports any
  consent whose stored status or version disagrees. Exits non-zero if one
  does.
`
}

func (c *verifyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.ref, "consent", "", "Verify one consent.")
	f.StringVar(&c.status, "status", "", "Verify every consent in this status.")
}

func (c *verifyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if (c.ref == "") == (c.status == "") {
		fmt.Fprintln(os.Stderr, "Error: exactly one of -consent or -status is required.")
		return subcommands.ExitUsageError
	}

	e, err := openEnv(ctx)
	if err != nil {
		return fail("%v", err)
	}
	defer e.Close()

	refs := []string{c.ref}
	if c.status != "" {
		status := consent.Status(strings.ToUpper(c.status))
		if !status.Valid() {
			return fail("unknown status %q", c.status)
		}
		list, err := e.consents.ListByStatus(ctx, status)
		if err != nil {
			return fail("%v", err)
		}
		refs = refs[:0]
		for _, cs := range list {
			refs = append(refs, cs.ID)
		}
	}

	table := newTable(os.Stdout, "Consent", "Replayed", "Result")
	bad := 0
	for _, ref := range refs {
		replayed, err := e.consents.Verify(ctx, ref)
		result := "ok"
		if err != nil {
			bad++
			result = err.Error()
		}
		table.Append([]string{ref, string(replayed), result})
	}
	table.Render()

	if bad > 0 {
		return fail("%d of %d consents failed verification", bad, len(refs))
	}
	return subcommands.ExitSuccess
}

// --- batches ---

type batchesCmd struct {
	ref string
}

func (*batchesCmd) Name() string     { return "batches" }
func (*batchesCmd) Synopsis() string { return "list fetch batches of a consent" }
func (*batchesCmd) Usage() string {
	return `admin batches -consent <ref>
`
}

func (c *batchesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.ref, "consent", "", "Consent reference.")
}

func (c *batchesCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.ref == "" {
		fmt.Fprintln(os.Stderr, "Error: -consent is required.")
		return subcommands.ExitUsageError
	}

	e, err := openEnv(ctx)
	if err != nil {
		return fail("%v", err)
	}
	defer e.Close()

	cs, err := e.consents.Resolve(ctx, c.ref)
	if err != nil {
		return fail("%v", err)
	}
	list, err := e.batches.ListByConsent(ctx, cs.ID)
	if err != nil {
		return fail("%v", err)
	}

	table := newTable(os.Stdout, "Batch", "Type", "Status", "Accounts", "Txns +/=", "Holdings +/=", "Failed", "Retry of", "Requested")
	for _, b := range list {
		table.Append(batchRow(b))
	}
	table.Render()
	return subcommands.ExitSuccess
}

func batchRow(b *batch.Batch) []string {
	return []string{
		b.ID,
		string(b.FIType),
		string(b.Status),
		strconv.Itoa(len(b.AccountIDs)),
		fmt.Sprintf("%d/%d", b.Summary.TransactionsInserted, b.Summary.TransactionsSkipped),
		fmt.Sprintf("%d/%d", b.Summary.HoldingsInserted, b.Summary.HoldingsSkipped),
		strings.Join(b.FailedAccountIDs(), ","),
		b.RetryOf,
		formatTime(b.RequestedAt),
	}
}

// --- payload ---

type payloadCmd struct {
	batchID   string
	accountID string
	raw       bool
}

func (*payloadCmd) Name() string     { return "payload" }
func (*payloadCmd) Synopsis() string { return "print the stored raw statement of one fetched account" }
func (*payloadCmd) Usage() string {
	return `admin payload -batch <id> -account <id> [-raw]

  Decrypts and decompresses the payload stored for the account and prints
  it, indented unless -raw is given.
`
}

func (c *payloadCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.batchID, "batch", "", "Batch id.")
	f.StringVar(&c.accountID, "account", "", "Aggregator account id.")
	f.BoolVar(&c.raw, "raw", false, "Print the payload as stored.")
}

func (c *payloadCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.batchID == "" || c.accountID == "" {
		fmt.Fprintln(os.Stderr, "Error: -batch and -account are required.")
		return subcommands.ExitUsageError
	}

	e, err := openEnv(ctx)
	if err != nil {
		return fail("%v", err)
	}
	defer e.Close()

	payload, err := e.batches.Payload(ctx, c.batchID, c.accountID)
	if err != nil {
		return fail("%v", err)
	}

	if !c.raw {
		var buf bytes.Buffer
		if err := json.Indent(&buf, payload, "", "  "); err == nil {
			payload = buf.Bytes()
		}
	}
	os.Stdout.Write(payload)
	fmt.Println()
	return subcommands.ExitSuccess
}

// --- token ---

type tokenCmd struct {
	userID int64
	ttl    string
}

func (*tokenCmd) Name() string     { return "token" }
func (*tokenCmd) Synopsis() string { return "mint an API token for a user" }
func (*tokenCmd) Usage() string {
	return `admin token -user <id> [-ttl 1h]

  Signs a bearer token with JWT_SECRET. Meant for operators and local
  testing; end users get tokens from the identity service.
`
}

func (c *tokenCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.userID, "user", 0, "User id to issue the token for.")
	f.StringVar(&c.ttl, "ttl", "1h", "Token lifetime.")
}

func (c *tokenCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.userID <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -user is required.")
		return subcommands.ExitUsageError
	}
	ttl, err := time.ParseDuration(c.ttl)
	if err != nil {
		return fail("invalid -ttl: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fail("failed to load config: %v", err)
	}

	token, err := auth.NewJWT(cfg.JWT.Secret).WithTTL(ttl).Generate(c.userID, "")
	if err != nil {
		return fail("%v", err)
	}
	fmt.Println(token)
	return subcommands.ExitSuccess
}
