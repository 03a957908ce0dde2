package custodian

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// pendingRequest is one signing request suspended for human adjudication.
// Its reply callback is one-shot: whichever of dialog-approve,
// dialog-reject, or window-abandonment fires first wins, later resolutions
// are no-ops.
type pendingRequest struct {
	id     string
	domain string
	origin string
	event  []byte // the raw unsigned event, as submitted

	once  sync.Once
	reply func(Response)
}

func (p *pendingRequest) resolve(r Response) {
	p.once.Do(func() { p.reply(r) })
}

// pendingTable correlates request ids to suspended requests.
type pendingTable struct {
	reqs *xsync.MapOf[string, *pendingRequest]
}

func newPendingTable() *pendingTable {
	return &pendingTable{reqs: xsync.NewMapOf[string, *pendingRequest]()}
}

func (t *pendingTable) add(p *pendingRequest) {
	t.reqs.Store(p.id, p)
}

func (t *pendingTable) get(id string) (*pendingRequest, bool) {
	return t.reqs.Load(id)
}

// take removes and returns the pending request for id. Only the caller that
// gets ok=true proceeds to resolve; everyone else sees an already-settled
// request.
func (t *pendingTable) take(id string) (*pendingRequest, bool) {
	return t.reqs.LoadAndDelete(id)
}

// windowTracker associates an open approval window with the request it is
// adjudicating, so that closing the window without answering can be turned
// into a resolution.
type windowTracker struct {
	windows *xsync.MapOf[string, string] // windowID -> requestID
}

func newWindowTracker() *windowTracker {
	return &windowTracker{windows: xsync.NewMapOf[string, string]()}
}

func (w *windowTracker) track(windowID, requestID string) {
	w.windows.Store(windowID, requestID)
}

func (w *windowTracker) takeWindow(windowID string) (string, bool) {
	return w.windows.LoadAndDelete(windowID)
}

// dropRequest removes whichever window is tracking requestID, used when the
// request resolves through the dialog-response path instead of a close.
func (w *windowTracker) dropRequest(requestID string) {
	w.windows.Range(func(windowID, reqID string) bool {
		if reqID == requestID {
			w.windows.Delete(windowID)
			return false
		}
		return true
	})
}
