package firestore

import (
	"cloud.google.com/go/firestore"
	"github.com/ripixel/stridesync-server/pkg/types"
)

type Client struct {
	fs *firestore.Client
}

func NewClient(client *firestore.Client) *Client {
	return &Client{fs: client}
}

func (c *Client) Close() error {
	return c.fs.Close()
}

// Raw exposes the underlying client for batch writes and multi-gets.
func (c *Client) Raw() *firestore.Client {
	return c.fs
}

func (c *Client) Users() *Collection[types.UserRecord] {
	return &Collection[types.UserRecord]{
		Ref:           c.fs.Collection("users"),
		ToFirestore:   UserToFirestore,
		FromFirestore: FirestoreToUser,
	}
}

// Executions is a root-level audit collection: executions/{id}
func (c *Client) Executions() *Collection[types.ExecutionRecord] {
	return &Collection[types.ExecutionRecord]{
		Ref:           c.fs.Collection("executions"),
		ToFirestore:   ExecutionToFirestore,
		FromFirestore: FirestoreToExecution,
	}
}

// Sessions are sub-collections of Users: users/{uid}/sync_sessions/{id}
func (c *Client) Sessions(userId string) *Collection[types.SyncSession] {
	return &Collection[types.SyncSession]{
		Ref:           c.fs.Collection("users").Doc(userId).Collection("sync_sessions"),
		ToFirestore:   SessionToFirestore,
		FromFirestore: FirestoreToSession,
	}
}

// Runs are sub-collections of Users: users/{uid}/runs/{sourceId}
// The document ID is the upstream activity ID, which is what makes the
// (user, source id) uniqueness invariant hold under retries.
func (c *Client) Runs(userId string) *Collection[types.PersistedRun] {
	return &Collection[types.PersistedRun]{
		Ref:           c.fs.Collection("users").Doc(userId).Collection("runs"),
		ToFirestore:   RunToFirestore,
		FromFirestore: FirestoreToRun,
	}
}
