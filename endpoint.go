package jms

// endpointState is the lifecycle state shared by connections, sessions
// and links.
type endpointState uint8

const (
	stateIdle endpointState = iota
	stateOpeningLocal
	stateOpeningRemote
	stateOpen
	stateClosingLocal
	stateClosingRemote
	stateClosed
	stateFailed
)

func (s endpointState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateOpeningLocal:
		return "opening-local"
	case stateOpeningRemote:
		return "opening-remote"
	case stateOpen:
		return "open"
	case stateClosingLocal:
		return "closing-local"
	case stateClosingRemote:
		return "closing-remote"
	case stateClosed:
		return "closed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions are possible.
func (s endpointState) terminal() bool {
	return s == stateClosed || s == stateFailed
}

// endpoint tracks one resource's lifecycle. It performs no I/O; each
// method records the transition and reports what the owner must do
// next. Methods must only be called by the goroutine that currently
// owns the resource.
//
// At most one open and one close request are ledgered at a time.
type endpoint struct {
	state    endpointState
	openReq  *request
	closeReq *request

	// closePending is set when the remote open carried a condition the
	// peer is expected to follow with a close; that close is then the
	// operation's outcome, not a failure.
	closePending bool
}

// localOpen records a local open. When it returns nil the owner emits
// the resource's open performative; if the peer opened first the
// exchange completes here as well.
func (e *endpoint) localOpen(req *request) error {
	switch e.state {
	case stateIdle:
		e.state = stateOpeningLocal
		e.openReq = req
		return nil
	case stateOpeningRemote:
		e.state = stateOpen
		req.complete(nil)
		return nil
	case stateClosed, stateFailed:
		err := appErrorf("open on %s resource", e.state)
		req.complete(err)
		return err
	default:
		err := appErrorf("open while %s", e.state)
		req.complete(err)
		return err
	}
}

// remoteOpened records the peer's open performative, completing the
// pending open request when one is stored. A peer-initiated open is only
// legal for child resources being reattached.
func (e *endpoint) remoteOpened() error {
	switch e.state {
	case stateOpeningLocal:
		e.state = stateOpen
		req := e.openReq
		e.openReq = nil
		req.complete(nil)
		return nil
	case stateIdle:
		e.state = stateOpeningRemote
		return nil
	case stateClosingLocal:
		// the peer answered our open after we began closing; the
		// exchange is moot but must not be treated as a violation
		req := e.openReq
		e.openReq = nil
		req.complete(nil)
		return nil
	default:
		return protocolErrorf("remote open received while %s", e.state)
	}
}

// markClosePending records that the peer refused the open and will
// follow with a close carrying the real outcome. Called instead of
// remoteOpened; the pending open request stays ledgered until the
// close arrives.
func (e *endpoint) markClosePending() {
	e.closePending = true
}

// localClose records a local close. The returned request is the one the
// caller must wait on: a close already in flight wins over req. emit
// reports whether the owner sends the close performative.
func (e *endpoint) localClose(req *request) (effective *request, emit bool) {
	switch e.state {
	case stateClosingLocal:
		return e.closeReq, false
	case stateClosingRemote:
		e.closeReq = req
		return req, false
	case stateClosed, stateFailed:
		req.complete(nil)
		return req, false
	default:
		e.state = stateClosingLocal
		e.closeReq = req
		return req, true
	}
}

// closeDirective tells the owner how to react to a remote close.
type closeDirective struct {
	// reply indicates the owner must answer with its own close
	// performative.
	reply bool

	// failed indicates the resource entered FAILED: the owner cascades
	// close to children and fires error listeners with err.
	failed bool

	// err is the error the resource failed with, nil on clean closes.
	err error
}

// remoteClosed records the peer's close performative. remoteErr is the
// mapped error from the performative's condition, nil when absent.
// Pending open and close requests are completed here.
func (e *endpoint) remoteClosed(remoteErr error) closeDirective {
	if e.state.terminal() {
		return closeDirective{}
	}

	if e.closePending {
		e.closePending = false
		replied := e.state == stateClosingLocal
		e.state = stateClosed
		// the close is the open's outcome; it belongs to the waiting
		// request, not the resource's owner
		if req := e.openReq; req != nil {
			e.openReq = nil
			if remoteErr == nil {
				remoteErr = resourceErrorf("remote refused open")
			}
			req.complete(remoteErr)
		}
		if req := e.closeReq; req != nil {
			e.closeReq = nil
			req.complete(nil)
		}
		return closeDirective{reply: !replied}
	}

	switch {
	case e.state == stateClosingLocal:
		e.state = stateClosed
		e.completePending(nil)
		return closeDirective{}
	case remoteErr != nil:
		e.state = stateFailed
		e.completePending(remoteErr)
		return closeDirective{reply: true, failed: true, err: remoteErr}
	default:
		e.state = stateClosingRemote
		return closeDirective{reply: true}
	}
}

// replyClosed finalizes a peer-initiated close once the local reply has
// been emitted.
func (e *endpoint) replyClosed() {
	if e.state != stateClosingRemote {
		return
	}
	e.state = stateClosed
	e.completePending(nil)
}

// fail forces the resource into FAILED, resolving all pending requests
// with err. Used when the transport dies or a parent cascades failure.
func (e *endpoint) fail(err error) {
	if e.state.terminal() {
		return
	}
	e.state = stateFailed
	e.completePending(err)
}

func (e *endpoint) completePending(err error) {
	if req := e.openReq; req != nil {
		e.openReq = nil
		req.complete(err)
	}
	if req := e.closeReq; req != nil {
		e.closeReq = nil
		// a close request succeeds even when the resource failed; the
		// caller wanted it gone
		req.complete(nil)
	}
}
