package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
// All per-queue keys share the {queue} hash tag so Lua scripts touching
// several of them stay on one cluster slot.

// Index is the global HASH mapping job id -> queue name.
const Index = "uniqw:jobs"

// Events is the pub/sub channel carrying job lifecycle events.
const Events = "uniqw:events"

func Pending(q string) string   { return "uniqw:{" + q + "}:pending" }
func Active(q string) string    { return "uniqw:{" + q + "}:active" }
func Completed(q string) string { return "uniqw:{" + q + "}:completed" }
func Failed(q string) string    { return "uniqw:{" + q + "}:failed" }

// Job returns the HASH key holding the record of job id.
func Job(q, id string) string { return "uniqw:{" + q + "}:job:" + id }

// Log returns the LIST key holding the live-attempt log of job id.
func Log(q, id string) string { return "uniqw:{" + q + "}:log:" + id }

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Name      string
	Prefix    string
	Pending   string
	Active    string
	Completed string
	Failed    string
	Seq       string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) Queue {
	prefix := "uniqw:{" + q + "}:"
	return Queue{
		Name:      q,
		Prefix:    prefix,
		Pending:   prefix + "pending",
		Active:    prefix + "active",
		Completed: prefix + "completed",
		Failed:    prefix + "failed",
		Seq:       prefix + "seq",
	}
}

// Job returns the record key for id within this queue.
func (k Queue) Job(id string) string { return k.Prefix + "job:" + id }

// Log returns the log key for id within this queue.
func (k Queue) Log(id string) string { return k.Prefix + "log:" + id }
