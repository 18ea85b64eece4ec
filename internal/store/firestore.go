package store

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
	"github.com/rotisserie/eris"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
)

// NewFirestoreClient creates a Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID, databaseID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, eris.New("store: projectID must be provided to create a firestore client")
	}
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, eris.Wrap(err, "store: create firestore client")
	}
	return client, nil
}

// Firestore stores each aggregate kind in its own namespaced collection and
// its event history in an "events" subcollection of the aggregate.
type Firestore struct {
	Queries

	client *firestore.Client
	keys   keys.Builder
}

// NewFirestore wraps a client.
func NewFirestore(client *firestore.Client, kb keys.Builder) *Firestore {
	f := &Firestore{client: client, keys: kb}
	f.Queries = Queries{r: f}
	return f
}

func (f *Firestore) collection(kind models.Kind) *firestore.CollectionRef {
	return f.client.Collection(f.keys.Collection(string(kind)))
}

func (f *Firestore) ref(a models.Aggregate) *firestore.DocumentRef {
	return f.collection(a.Kind()).Doc(a.AggregateID())
}

func (f *Firestore) Get(ctx context.Context, kind models.Kind, id string, dst any) error {
	snap, err := f.collection(kind).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return eris.Wrapf(ErrNotFound, "%s/%s", kind, id)
		}
		return eris.Wrapf(err, "store: get %s/%s", kind, id)
	}
	if err := snap.DataTo(dst); err != nil {
		return eris.Wrapf(err, "store: decode %s/%s", kind, id)
	}
	return nil
}

func (f *Firestore) Find(ctx context.Context, kind models.Kind, field, value string) ([]Decoder, error) {
	iter := f.collection(kind).Where(field, "==", value).Documents(ctx)
	defer iter.Stop()

	var out []Decoder
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "store: query %s by %s", kind, field)
		}
		out = append(out, snap.DataTo)
	}
	return out, nil
}

// Commit applies the change set in a single transaction that is attempted once.
// Version checks read every updated or deleted aggregate before any write.
func (f *Firestore) Commit(ctx context.Context, cs ChangeSet) error {
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, a := range cs.Updates {
			if err := f.checkVersion(tx, a, a.CurrentVersion()-1); err != nil {
				return err
			}
		}
		for _, a := range cs.Deletes {
			if err := f.checkVersion(tx, a, a.CurrentVersion()); err != nil {
				return err
			}
		}

		for _, a := range cs.Creates {
			if err := tx.Create(f.ref(a), a); err != nil {
				return eris.Wrapf(err, "store: create %s/%s", a.Kind(), a.AggregateID())
			}
		}
		for _, a := range cs.Updates {
			if err := tx.Set(f.ref(a), a); err != nil {
				return eris.Wrapf(err, "store: set %s/%s", a.Kind(), a.AggregateID())
			}
		}
		for _, a := range cs.Deletes {
			if err := tx.Delete(f.ref(a)); err != nil {
				return eris.Wrapf(err, "store: delete %s/%s", a.Kind(), a.AggregateID())
			}
		}
		for _, e := range cs.Events {
			if err := tx.Create(f.collection(models.KindEvent).Doc(e.ID), e); err != nil {
				return eris.Wrapf(err, "store: append event %s", e.ID)
			}
			history := f.collection(e.AggregateKind).Doc(e.AggregateID).Collection("events").Doc(e.ID)
			if err := tx.Create(history, e); err != nil {
				return eris.Wrapf(err, "store: append history %s", e.ID)
			}
		}
		return nil
	}, firestore.MaxAttempts(1))
	return mapCommitError(err)
}

func (f *Firestore) checkVersion(tx *firestore.Transaction, a models.Aggregate, want int64) error {
	snap, err := tx.Get(f.ref(a))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return eris.Wrapf(ErrWriteConflict, "%s/%s no longer exists", a.Kind(), a.AggregateID())
		}
		return eris.Wrapf(err, "store: read %s/%s", a.Kind(), a.AggregateID())
	}
	raw, err := snap.DataAt("version")
	if err != nil {
		return eris.Wrapf(err, "store: read version of %s/%s", a.Kind(), a.AggregateID())
	}
	stored, _ := raw.(int64)
	if stored != want {
		return eris.Wrapf(ErrWriteConflict, "%s/%s at version %d, expected %d", a.Kind(), a.AggregateID(), stored, want)
	}
	return nil
}

func mapCommitError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrWriteConflict) || errors.Is(err, ErrAlreadyExists) {
		return err
	}
	switch status.Code(err) {
	case codes.AlreadyExists:
		return eris.Wrap(ErrAlreadyExists, err.Error())
	case codes.Aborted, codes.FailedPrecondition:
		return eris.Wrap(ErrWriteConflict, err.Error())
	}
	return eris.Wrap(err, "store: commit")
}
