package database

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	storage "github.com/ripixel/stridesync-server/pkg/storage/firestore"
	"github.com/ripixel/stridesync-server/pkg/types"
)

// FirestoreAdapter provides database operations using Firestore.
// It wraps our typed storage client.
type FirestoreAdapter struct {
	Client  *firestore.Client
	storage *storage.Client
}

func NewFirestoreAdapter(client *firestore.Client) *FirestoreAdapter {
	return &FirestoreAdapter{
		Client:  client,
		storage: storage.NewClient(client),
	}
}

// --- Users ---

func (a *FirestoreAdapter) GetUser(ctx context.Context, id string) (*types.UserRecord, error) {
	return a.storage.Users().Doc(id).Get(ctx)
}

func (a *FirestoreAdapter) UpdateUser(ctx context.Context, id string, data map[string]interface{}) error {
	return a.storage.Users().Doc(id).Update(ctx, data)
}

// --- Executions ---

func (a *FirestoreAdapter) SetExecution(ctx context.Context, record *types.ExecutionRecord) error {
	return a.storage.Executions().Doc(record.ExecutionID).Set(ctx, record)
}

func (a *FirestoreAdapter) UpdateExecution(ctx context.Context, id string, data map[string]interface{}) error {
	return a.storage.Executions().Doc(id).Update(ctx, data)
}

// --- Sync Sessions ---

func (a *FirestoreAdapter) CreateSession(ctx context.Context, session *types.SyncSession) error {
	return a.storage.Sessions(session.UserID).Doc(session.SessionID).Set(ctx, session)
}

func (a *FirestoreAdapter) GetSession(ctx context.Context, userID, sessionID string) (*types.SyncSession, error) {
	return a.storage.Sessions(userID).Doc(sessionID).Get(ctx)
}

func (a *FirestoreAdapter) UpdateSession(ctx context.Context, userID, sessionID string, data map[string]interface{}) error {
	return a.storage.Sessions(userID).Doc(sessionID).Update(ctx, data)
}

// TransactSession runs fn against the current session document inside a
// Firestore transaction. The read and the conditional write commit
// together, which is what makes the session claim a real single-owner
// lock: a concurrent claimer's commit forces this transaction to retry
// against the post-claim state.
func (a *FirestoreAdapter) TransactSession(ctx context.Context, userID, sessionID string, fn func(*types.SyncSession) (map[string]interface{}, error)) (*types.SyncSession, error) {
	docRef := a.storage.Sessions(userID).Doc(sessionID).Ref

	var session *types.SyncSession
	err := a.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		session = storage.FirestoreToSession(snap.Data())

		updates, err := fn(session)
		if err != nil {
			return err
		}
		if updates == nil {
			return nil
		}

		fields := make([]firestore.Update, 0, len(updates))
		for key, value := range updates {
			fields = append(fields, firestore.Update{
				FieldPath: strings.Split(key, "."),
				Value:     value,
			})
		}
		return tx.Update(docRef, fields)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (a *FirestoreAdapter) ListSessions(ctx context.Context, userID string, limit int) ([]*types.SyncSession, error) {
	return a.storage.Sessions(userID).List(ctx, "created_at", limit)
}

// --- Persisted Runs ---

func (a *FirestoreAdapter) ExistingRunIDs(ctx context.Context, userID string, sourceIDs []string) (map[string]bool, error) {
	return a.storage.Runs(userID).ExistingIDs(ctx, a.Client, sourceIDs)
}

// SetRuns writes all runs in one atomic batch. A failure anywhere fails
// the whole batch; callers fall back to SetRun per item.
func (a *FirestoreAdapter) SetRuns(ctx context.Context, userID string, runs []*types.PersistedRun) error {
	if len(runs) == 0 {
		return nil
	}

	coll := a.storage.Runs(userID)
	batch := a.Client.Batch()
	for _, run := range runs {
		if run.SourceID == "" {
			return fmt.Errorf("run missing source id (name=%q)", run.Name)
		}
		batch.Set(coll.Doc(run.SourceID).Ref, storage.RunToFirestore(run), firestore.MergeAll)
	}

	_, err := batch.Commit(ctx)
	return err
}

func (a *FirestoreAdapter) SetRun(ctx context.Context, userID string, run *types.PersistedRun) error {
	if run.SourceID == "" {
		return fmt.Errorf("run missing source id (name=%q)", run.Name)
	}
	return a.storage.Runs(userID).Doc(run.SourceID).Set(ctx, run)
}
