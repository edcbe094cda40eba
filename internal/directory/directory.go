// Package directory resolves caller phone numbers to conversations, and
// provisions a placeholder client/case/conversation triple for numbers the
// practice has never seen.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taxline/taxline/internal/database"
	"github.com/taxline/taxline/internal/database/models"
)

// ErrUnknownCaller is returned by Resolve when no client matches the number.
var ErrUnknownCaller = errors.New("unknown caller")

// Directory resolves phone numbers to the most recent case's conversation.
type Directory struct {
	clients     database.ClientRepository
	cases       database.TaxCaseRepository
	convs       database.ConversationRepository
	provisioner database.Provisioner
	logger      *slog.Logger
	nowFunc     func() time.Time // injectable for testing
}

// New creates a Directory.
func New(
	clients database.ClientRepository,
	cases database.TaxCaseRepository,
	convs database.ConversationRepository,
	provisioner database.Provisioner,
	logger *slog.Logger,
) *Directory {
	return &Directory{
		clients:     clients,
		cases:       cases,
		convs:       convs,
		provisioner: provisioner,
		logger:      logger.With("component", "directory"),
		nowFunc:     time.Now,
	}
}

// Resolve maps a raw phone number to the conversation of the client's most
// recently created case. Returns ErrMalformedPhone for unparseable input and
// ErrUnknownCaller when no client matches.
func (d *Directory) Resolve(ctx context.Context, rawPhone string) (*models.Conversation, error) {
	canonical, err := Normalize(rawPhone)
	if err != nil {
		return nil, err
	}

	client, err := d.clients.GetByAnyPhone(ctx, LookupCandidates(canonical))
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrUnknownCaller
	}
	if err != nil {
		return nil, fmt.Errorf("looking up client for %s: %w", canonical, err)
	}

	tc, err := d.cases.LatestByClient(ctx, client.ID)
	if errors.Is(err, database.ErrNotFound) {
		// A client without a case has no thread to land events on; treat it
		// like an unknown caller so provisioning can create the case.
		return nil, ErrUnknownCaller
	}
	if err != nil {
		return nil, fmt.Errorf("looking up latest case for client %d: %w", client.ID, err)
	}

	conv, err := d.convs.GetByCaseID(ctx, tc.ID)
	if errors.Is(err, database.ErrNotFound) {
		// Conversations are created lazily on first event.
		conv = &models.Conversation{CaseID: tc.ID}
		if err := d.convs.Create(ctx, conv); err != nil {
			return nil, fmt.Errorf("creating conversation for case %d: %w", tc.ID, err)
		}
		return conv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up conversation for case %d: %w", tc.ID, err)
	}

	return conv, nil
}

// ResolveOrProvision resolves the number, provisioning the placeholder
// client/case/conversation triple when the caller is unknown. The second
// return value reports whether provisioning happened.
func (d *Directory) ResolveOrProvision(ctx context.Context, rawPhone string) (*models.Conversation, bool, error) {
	conv, err := d.Resolve(ctx, rawPhone)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrUnknownCaller) {
		return nil, false, err
	}

	canonical, err := Normalize(rawPhone)
	if err != nil {
		return nil, false, err
	}

	conv, err = d.provisioner.Provision(ctx, canonical, d.currentTaxYear())
	if err != nil {
		return nil, false, fmt.Errorf("provisioning %s: %w", canonical, err)
	}

	d.logger.Info("provisioned placeholder client", "phone", canonical, "conversation_id", conv.ID)
	return conv, true, nil
}

// currentTaxYear is the filing year for newly provisioned cases: the
// previous calendar year, since clients call about the return they are
// filing now.
func (d *Directory) currentTaxYear() int {
	return d.nowFunc().Year() - 1
}
