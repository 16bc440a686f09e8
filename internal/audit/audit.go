// Package audit records administrative operations and long-action
// outcomes.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/fentz26/xqserver/internal/broker"
	"github.com/fentz26/xqserver/internal/models"
	"github.com/fentz26/xqserver/internal/store"
)

// Writer writes audit records. A nil *Writer discards everything, so
// callers need not check whether auditing is enabled.
type Writer struct {
	store  *store.Store
	logger *slog.Logger
}

// NewWriter creates a new audit writer.
func NewWriter(s *store.Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: s, logger: logger}
}

// Entry describes one audited operation.
type Entry struct {
	Action  string
	User    string
	Library string
	Inputs  interface{}
	Outcome string
	Details string
}

// Record writes an entry. Failures are logged: auditing never fails the
// operation being audited.
func (w *Writer) Record(ctx context.Context, e Entry) {
	if w == nil {
		return
	}
	_, err := w.store.WriteAudit(ctx, models.AuditRecord{
		Action:     e.Action,
		User:       e.User,
		Library:    e.Library,
		InputsHash: hashInputs(e.Inputs),
		Outcome:    e.Outcome,
		Details:    e.Details,
	})
	if err != nil {
		w.logger.Error("audit.write_failed", "action", e.Action, "error", err)
	}
}

// ActionEnded records the outcome of a long action. It is meant for
// broker.Hooks.ActionEnded.
func (w *Writer) ActionEnded(info broker.ActionInfo) {
	if w == nil {
		return
	}
	outcome := models.OutcomeOK
	if info.State == broker.StateAborted {
		outcome = models.OutcomeAborted
	}
	w.Record(context.Background(), Entry{
		Action:  "action." + info.Kind,
		Library: info.Library,
		Inputs:  map[string]string{"id": info.ID, "location": info.Location},
		Outcome: outcome,
		Details: info.Error,
	})
}

// List returns recent records, newest first.
func (w *Writer) List(ctx context.Context, f models.AuditFilter) ([]models.AuditRecord, error) {
	if w == nil {
		return nil, nil
	}
	return w.store.ListAudit(ctx, f)
}

// Ping reports whether the audit database is reachable.
func (w *Writer) Ping(ctx context.Context) error {
	if w == nil {
		return nil
	}
	return w.store.Ping(ctx)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
