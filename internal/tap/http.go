package tap

import (
	"bytes"
	"io"
	"log"
	"mime"
	"net/http"
	"sync"

	"github.com/wiretap-dev/wiretap/internal/session"
)

// Middleware observes JSON-RPC traffic at the HTTP boundary. It reports
// request bodies as they arrive and response bodies as they are written:
// event streams frame by frame on every write, plain JSON bodies once the
// handler returns.
//
// A request without a session id (the initialize handshake) is held back
// until the id is known from the response header, then reported exactly
// once ahead of anything derived from its response.
func (t *Tap) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ex := t.newExchange(r)
		rec := &recorder{ResponseWriter: w, ex: ex}
		next.ServeHTTP(rec, r)
		ex.finish(rec)
	})
}

// exchange is the observation state of one HTTP request/response pair.
type exchange struct {
	tap          *Tap
	method       string
	reqSessionID string

	mu        sync.Mutex
	header    http.Header
	status    int
	stream    bool
	parser    *sseParser
	body      bytes.Buffer
	overflow  bool
	pending   []session.Event
	flushed   bool
	initMeta  *session.Metadata
	skipped   bool
	completed bool
}

func (t *Tap) newExchange(r *http.Request) *exchange {
	ex := &exchange{
		tap:          t,
		method:       r.Method,
		reqSessionID: r.Header.Get(t.opts.SessionHeader),
	}
	ex.observeRequest(r)
	return ex
}

// observeRequest reads the request body for classification and puts it
// back so the handler sees the identical stream.
func (ex *exchange) observeRequest(r *http.Request) {
	defer ex.tap.guard(NameHTTP)

	if r.Body == nil || r.Body == http.NoBody {
		return
	}
	limit := ex.tap.opts.MaxBodyBytes
	head, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
	if err != nil || int64(len(head)) > limit || len(head) == 0 {
		return
	}

	events, valid := classify(head, inbound)
	if !valid {
		ex.skip()
		return
	}
	for _, ev := range events {
		if ev.Type == session.EventRequest && ev.Method == "initialize" {
			if name, version, ok := clientInfo(ev.Params); ok {
				ex.initMeta = &session.Metadata{ClientName: name, ClientVersion: version}
			}
		}
		if ex.reqSessionID != "" {
			ex.tap.emit(NameHTTP, ex.reqSessionID, ev)
			continue
		}
		ex.pending = append(ex.pending, ev)
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

// skip counts an unparseable payload. Only the first per exchange is logged.
func (ex *exchange) skip() {
	ex.tap.opts.Health.RecordSkipped(NameHTTP)
	if ex.skipped {
		return
	}
	ex.skipped = true
	log.Printf("tap: http skipped unparseable payload (%s session=%q)", ex.method, ex.reqSessionID)
}

// sessionID resolves the exchange's session: request header, then response
// header, then empty (the unknown bucket). Caller must hold ex.mu.
func (ex *exchange) sessionID() string {
	if ex.reqSessionID != "" {
		return ex.reqSessionID
	}
	if ex.header != nil {
		return ex.header.Get(ex.tap.opts.SessionHeader)
	}
	return ""
}

func (ex *exchange) onHeader(header http.Header, status int) {
	defer ex.tap.guard(NameHTTP)
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.header = header.Clone()
	ex.status = status
	mediaType, _, _ := mime.ParseMediaType(header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		ex.stream = true
		ex.parser = newSSEParser(int(ex.tap.opts.MaxBodyBytes))
	}
}

func (ex *exchange) onWrite(p []byte) {
	defer ex.tap.guard(NameHTTP)
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if ex.completed || len(p) == 0 {
		return
	}
	if ex.stream {
		dropped := ex.parser.feed(p, ex.onFrameLocked)
		for i := 0; i < dropped; i++ {
			ex.skip()
		}
		return
	}
	if ex.overflow {
		return
	}
	if int64(ex.body.Len()+len(p)) > ex.tap.opts.MaxBodyBytes {
		ex.overflow = true
		ex.body.Reset()
		return
	}
	ex.body.Write(p)
}

// onFrameLocked handles one event-stream payload. Caller must hold ex.mu.
func (ex *exchange) onFrameLocked(payload []byte) {
	defer ex.tap.guard(NameHTTP)

	events, valid := classify(payload, outbound)
	if !valid {
		ex.skip()
		return
	}
	if len(events) == 0 {
		return
	}
	ex.flushPendingLocked()
	id := ex.sessionID()
	for _, ev := range events {
		ex.tap.emit(NameHTTP, id, ev)
	}
}

// flushPendingLocked reports held-back requests once. Caller must hold ex.mu.
func (ex *exchange) flushPendingLocked() {
	if ex.flushed {
		return
	}
	ex.flushed = true
	id := ex.sessionID()
	for _, ev := range ex.pending {
		ex.tap.emit(NameHTTP, id, ev)
	}
	ex.pending = nil
}

// finish runs after the handler returns. A handler that panics skips it and
// its panic propagates untouched.
func (ex *exchange) finish(rec *recorder) {
	defer ex.tap.guard(NameHTTP)

	if !rec.wroteHeader {
		// Handler wrote nothing; net/http will send 200 with these headers.
		ex.onHeader(rec.Header(), http.StatusOK)
	}

	ex.mu.Lock()
	ex.completed = true
	if ex.stream {
		ex.parser.flush(ex.onFrameLocked)
	} else if !ex.overflow && ex.body.Len() > 0 {
		ex.finishBodyLocked()
	}
	ex.flushPendingLocked()
	id := ex.sessionID()
	status := ex.status
	meta := ex.initMeta
	ex.mu.Unlock()

	if meta != nil && id != "" {
		meta.CreatedAt = ex.tap.opts.Now()
		ex.tap.dir.SetSessionMetadata(id, *meta)
	}
	if ex.method == http.MethodDelete && ex.reqSessionID != "" && status >= 200 && status < 300 {
		ex.tap.closeSession(ex.reqSessionID)
	}
}

// finishBodyLocked parses a complete non-stream body. Caller must hold ex.mu.
func (ex *exchange) finishBodyLocked() {
	events, valid := classify(ex.body.Bytes(), outbound)
	if !valid {
		ex.skip()
		return
	}
	if len(events) == 0 {
		return
	}
	ex.flushPendingLocked()
	id := ex.sessionID()
	for _, ev := range events {
		ex.tap.emit(NameHTTP, id, ev)
	}
}

// recorder wraps the handler's ResponseWriter, reporting headers and every
// write to the exchange after the underlying writer accepts them.
type recorder struct {
	http.ResponseWriter
	ex          *exchange
	wroteHeader bool
}

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.wroteHeader = true
		r.ex.onHeader(r.Header(), code)
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(p)
	if n > 0 {
		r.ex.onWrite(p[:n])
	}
	return n, err
}

// Flush forwards to the underlying writer so streaming handlers keep
// working through the tap.
func (r *recorder) Flush() {
	// Flushing commits the header, so record it the way Write does.
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
