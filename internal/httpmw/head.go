package httpmw

import (
	"net/http"
	"strconv"
)

const (
	// net/http switches a response to chunked encoding once more than this
	// many body bytes are written before the handler returns
	chunkingThreshold = 2048
	sniffLen          = 512
)

// HeadNormalizer serves HEAD requests by running the GET handler and
// discarding the body. Headers and status match what the GET would have
// sent, including the Content-Length and sniffed Content-Type net/http
// would have added. Other methods pass through untouched.
//
// Only the request handed downstream is rewritten, outer layers keep
// seeing HEAD.
func HeadNormalizer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		get := r.WithContext(r.Context())
		get.Method = http.MethodGet

		hw := &headWriter{ResponseWriter: w}
		next.ServeHTTP(hw, get)
		hw.finish()
	})
}

type headWriter struct {
	http.ResponseWriter
	status    int
	committed bool // headers sent to the underlying writer
	snapshot  http.Header
	n         int64
	sniff     []byte
}

func (h *headWriter) WriteHeader(code int) {
	if h.committed || h.status != 0 {
		return
	}
	if code < 200 {
		h.ResponseWriter.WriteHeader(code)
		return
	}
	h.status = code
	// headers are frozen once the status is decided, as they are for a GET
	h.snapshot = h.ResponseWriter.Header().Clone()
}

func (h *headWriter) Write(b []byte) (int, error) {
	if h.status == 0 {
		h.WriteHeader(http.StatusOK)
	}
	if !h.committed && len(h.sniff) < sniffLen {
		need := sniffLen - len(h.sniff)
		if need > len(b) {
			need = len(b)
		}
		h.sniff = append(h.sniff, b[:need]...)
	}
	h.n += int64(len(b))
	return len(b), nil
}

// Flush commits headers without a length, matching a streamed GET.
func (h *headWriter) Flush() {
	if h.status == 0 {
		h.WriteHeader(http.StatusOK)
	}
	h.commit(false)
	if f, ok := h.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *headWriter) Unwrap() http.ResponseWriter { return h.ResponseWriter }

func (h *headWriter) finish() {
	if h.committed {
		return
	}
	if h.status == 0 {
		h.WriteHeader(http.StatusOK)
	}
	h.commit(h.n <= chunkingThreshold)
}

func (h *headWriter) commit(withLength bool) {
	if h.committed {
		return
	}
	h.committed = true

	hdr := h.ResponseWriter.Header()
	if h.snapshot != nil {
		for k := range hdr {
			delete(hdr, k)
		}
		for k, v := range h.snapshot {
			hdr[k] = v
		}
	}

	if bodyAllowed(h.status) && len(hdr.Values("Transfer-Encoding")) == 0 {
		_, haveType := hdr["Content-Type"]
		if !haveType && hdr.Get("Content-Encoding") == "" && len(h.sniff) > 0 {
			hdr.Set("Content-Type", http.DetectContentType(h.sniff))
		}
		if _, haveLen := hdr["Content-Length"]; !haveLen && withLength {
			hdr.Set("Content-Length", strconv.FormatInt(h.n, 10))
		}
	}
	h.ResponseWriter.WriteHeader(h.status)
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
