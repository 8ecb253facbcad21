package firestore

import (
	"context"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

type ToFirestoreFunc[T any] func(*T) map[string]interface{}
type FromFirestoreFunc[T any] func(map[string]interface{}) *T

type Collection[T any] struct {
	Ref           *firestore.CollectionRef
	ToFirestore   ToFirestoreFunc[T]
	FromFirestore FromFirestoreFunc[T]
}

func (c *Collection[T]) Doc(id string) *DocumentRef[T] {
	return &DocumentRef[T]{
		Ref:           c.Ref.Doc(id),
		ToFirestore:   c.ToFirestore,
		FromFirestore: c.FromFirestore,
	}
}

func (c *Collection[T]) NewDoc() *DocumentRef[T] {
	return &DocumentRef[T]{
		Ref:           c.Ref.NewDoc(),
		ToFirestore:   c.ToFirestore,
		FromFirestore: c.FromFirestore,
	}
}

// List runs a query ordered by the given field, newest first, returning at
// most limit documents (0 means no limit).
func (c *Collection[T]) List(ctx context.Context, orderBy string, limit int) ([]*T, error) {
	q := c.Ref.Query
	if orderBy != "" {
		q = q.OrderBy(orderBy, firestore.Desc)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []*T
	it := q.Documents(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c.FromFirestore(snap.Data()))
	}
	return out, nil
}

// ExistingIDs reports which of the given document IDs already exist.
func (c *Collection[T]) ExistingIDs(ctx context.Context, client *firestore.Client, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, c.Ref.Doc(id))
	}

	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		if snap.Exists() {
			existing[snap.Ref.ID] = true
		}
	}
	return existing, nil
}

type DocumentRef[T any] struct {
	Ref           *firestore.DocumentRef
	ToFirestore   ToFirestoreFunc[T]
	FromFirestore FromFirestoreFunc[T]
}

func (d *DocumentRef[T]) ID() string {
	return d.Ref.ID
}

func (d *DocumentRef[T]) Get(ctx context.Context) (*T, error) {
	snap, err := d.Ref.Get(ctx)
	if err != nil {
		return nil, err
	}
	return d.FromFirestore(snap.Data()), nil
}

func (d *DocumentRef[T]) Set(ctx context.Context, data *T) error {
	m := d.ToFirestore(data)
	_, err := d.Ref.Set(ctx, m, firestore.MergeAll)
	return err
}

func (d *DocumentRef[T]) Update(ctx context.Context, updates map[string]interface{}) error {
	// Partial update - keys must match Firestore snake_case fields and may
	// be dotted paths into sub-objects. No converter here because updates
	// are partials; the document must already exist.
	fields := make([]firestore.Update, 0, len(updates))
	for key, value := range updates {
		fields = append(fields, firestore.Update{
			FieldPath: strings.Split(key, "."),
			Value:     value,
		})
	}
	_, err := d.Ref.Update(ctx, fields)
	return err
}
