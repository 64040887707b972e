// Package conversation implements the conversation and message stores.
//
// # Overview
//
// Service is the only way application code reads or writes history. Every
// method takes the acting identity explicitly and routes record access
// through access.Policy, so one user can never observe or mutate another
// user's conversations or messages.
//
//	st, _ := store.NewSQLiteStore(path)
//	svc := conversation.New(st, logger)
//
// Key operations:
//
//   - CreateConversation(ctx, actor, title): new conversation, default title if nil
//   - UpdateTitle / TouchConversation: mutations that refresh updated_at
//   - DeleteConversation(ctx, id, actor): removes the conversation and its messages
//   - Conversations(ctx, actor): most recently updated first
//   - AppendMessage(ctx, actor, req): adds an immutable message
//   - Messages(ctx, id, actor): chronological
//   - Usage / DeleteAccountData: owner-wide accounting and purge
//
// # Transactions
//
// Each operation is one store transaction. The ownership check runs inside
// that transaction, so a conversation deleted concurrently is either fully
// visible or reported as store.ErrNotFound.
//
// # Timestamps
//
// A shared Clock issues strictly increasing microsecond timestamps. A
// mutation sets updated_at past its previous value and an append sets the
// message timestamp past the newest message in the conversation, which keeps
// chronological order stable under concurrent appends.
//
// # Sequences
//
// Conversations and Messages return iter.Seq2 values. They read one page per
// transaction and never hold a transaction while yielding; ranging again
// starts over. Use Collect (or ListConversations / ListMessages) for a slice.
//
// # Change Feed
//
// When built WithBroadcaster, the service publishes a Change for every
// committed mutation to subscribers of the owning user:
//
//	ch, _ := broadcaster.Subscribe(ctx, ownerID)
//	for change := range ch {
//		if change.Kind == conversation.ChangeMessageAppended {
//			svc.TouchConversation(ctx, change.ConversationID, ownerID)
//		}
//	}
package conversation
