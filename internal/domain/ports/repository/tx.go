package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

var NoTX interface{}

// TransactionManager executes fn inside a database transaction and passes the
// underlying handle via tx.
//
// Repositories detect a transactional handle and switch reads to
// SELECT ... FOR UPDATE, which is how a payment or subscription row is
// serialized for a read-check-write sequence. Repositories MUST accept a nil
// tx (non-transactional path).
//
// USAGE
//
//	tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
//		p, err := payments.FindByReference(ctx, tx, ref)
//		...
//		return payments.Update(ctx, tx, p)
//	})
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
