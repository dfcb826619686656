package httpmw

import (
	"net/http"
)

// Layer is one named step of a middleware stack.
type Layer struct {
	Name string
	Wrap func(http.Handler) http.Handler
}

// Stack is an ordered list of layers, outermost first.
type Stack []Layer

// Then wraps h with every layer in s. The first layer sees the request
// first and the response last. Layers with a nil Wrap are skipped.
func (s Stack) Then(h http.Handler) http.Handler {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].Wrap == nil {
			continue
		}
		h = s[i].Wrap(h)
	}
	return h
}

// Names reports the active layer names in execution order.
func (s Stack) Names() []string {
	out := make([]string, 0, len(s))
	for _, l := range s {
		if l.Wrap != nil {
			out = append(out, l.Name)
		}
	}
	return out
}

// Chain applies middlewares so that the first middleware in the
// list is the outermost, and the last is innermost, wrapping h.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	s := make(Stack, len(mws))
	for i, mw := range mws {
		s[i] = Layer{Wrap: mw}
	}
	return s.Then(h)
}
