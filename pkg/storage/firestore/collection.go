package firestore

import (
	"context"

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

// Where starts a typed query on the collection.
func (c *Collection[T]) Where(path, op string, value interface{}) *Query[T] {
	return &Query[T]{
		q:             c.Ref.Where(path, op, value),
		FromFirestore: c.FromFirestore,
	}
}

type Query[T any] struct {
	q             firestore.Query
	FromFirestore FromFirestoreFunc[T]
}

func (q *Query[T]) OrderBy(path string, dir firestore.Direction) *Query[T] {
	return &Query[T]{q: q.q.OrderBy(path, dir), FromFirestore: q.FromFirestore}
}

func (q *Query[T]) GetAll(ctx context.Context) ([]*T, error) {
	iter := q.q.Documents(ctx)
	defer iter.Stop()

	var out []*T
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, q.FromFirestore(snap.Data()))
	}
	return out, nil
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

// Create fails with codes.AlreadyExists when the document is present.
func (d *DocumentRef[T]) Create(ctx context.Context, data *T) error {
	_, err := d.Ref.Create(ctx, d.ToFirestore(data))
	return err
}

// --- Transactional variants ---

func (d *DocumentRef[T]) GetTx(tx *firestore.Transaction) (*T, error) {
	snap, err := tx.Get(d.Ref)
	if err != nil {
		return nil, err
	}
	return d.FromFirestore(snap.Data()), nil
}

func (d *DocumentRef[T]) SetTx(tx *firestore.Transaction, data *T) error {
	return tx.Set(d.Ref, d.ToFirestore(data))
}

// UpdateTx merges raw snake_case fields; callers build the map themselves.
func (d *DocumentRef[T]) UpdateTx(tx *firestore.Transaction, updates map[string]interface{}) error {
	return tx.Set(d.Ref, updates, firestore.MergeAll)
}
