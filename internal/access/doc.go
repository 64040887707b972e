// Package access is the single place where ownership is decided.
//
// The rule is the same for every operation: an acting identity may read or
// write a record if and only if it is the record's owner. Conversations are
// checked directly; messages are checked through their parent conversation.
//
// Resolution fails closed. A conversation that does not exist, was deleted,
// or belongs to someone else is reported as store.ErrNotFound in all cases so
// that callers cannot probe for the existence of other users' records.
//
// Policy holds no state between calls. Resolve must be given the reader of
// the transaction that will perform the access, so the decision and the data
// access see the same snapshot:
//
//	err := st.Update(ctx, func(tx store.Tx) error {
//		conv, err := policy.Resolve(ctx, tx, access.OpWrite, id, actor)
//		if err != nil {
//			return err
//		}
//		...
//	})
package access
