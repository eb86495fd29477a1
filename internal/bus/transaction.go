package bus

import "github.com/danderson/dbusd/internal/message"

// plannedSend is one entry of a Transaction's delivery plan: a message
// already validated as sendable to conn, not yet written to conn's
// outgoing buffer.
type plannedSend struct {
	conn *Connection
	msg  *message.Message
}

// Transaction is the unit of dispatch: an ordered plan of sends plus
// cancel/commit hooks, committed or rolled back as one. Building a
// Transaction never mutates any connection's outgoing buffer; only
// CommitAndFree does, and only once every planned send has already
// passed AddSend's reservation check.
type Transaction struct {
	sends       []plannedSend
	cancelHooks []func()
	commitHooks []func()
	freed       bool
}

// Begin starts a new, empty transaction.
func Begin() *Transaction {
	return &Transaction{}
}

// AddSend appends (conn, msg) to the plan. It reserves outgoing space on
// conn first; if the reservation fails, AddSend fails without mutating
// the plan or any connection.
func (t *Transaction) AddSend(conn *Connection, msg *message.Message) error {
	if err := conn.reserve(); err != nil {
		return err
	}
	t.sends = append(t.sends, plannedSend{conn: conn, msg: msg})
	return nil
}

// AddCancelHook registers f to run if the transaction is rolled back.
func (t *Transaction) AddCancelHook(f func()) {
	t.cancelHooks = append(t.cancelHooks, f)
}

// AddCommitHook registers f to run after the transaction commits
// successfully.
func (t *Transaction) AddCommitHook(f func()) {
	t.commitHooks = append(t.commitHooks, f)
}

// CommitAndFree flushes every planned send into its recipient's outgoing
// buffer, in the order they were added, then runs commit hooks.
func (t *Transaction) CommitAndFree() {
	if t.freed {
		return
	}
	t.freed = true
	for _, s := range t.sends {
		if s.conn.Disconnected() {
			continue
		}
		s.conn.enqueue(s.msg)
	}
	for _, h := range t.commitHooks {
		h()
	}
}

// CancelAndFree discards the plan without touching any connection's
// outgoing buffer, then runs cancel hooks.
func (t *Transaction) CancelAndFree() {
	if t.freed {
		return
	}
	t.freed = true
	for _, h := range t.cancelHooks {
		h()
	}
}
