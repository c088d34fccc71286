package accounts_repo

import (
	"context"
	"errors"
)

// RunInTx runs work inside a transaction started on b. A nil return commits; an error or a
// panic rolls back. The transaction is finished before RunInTx returns on every path.
func RunInTx(ctx context.Context, b Beginner, work func(ctx context.Context, tx AccountTx) error) (err error) {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return
		}
		err = tx.Commit(ctx)
	}()

	return work(ctx, tx)
}
