// Package dispatch maps decrypted tunnel descriptors onto a fixed set of
// business handlers. The route table is static and built once at startup;
// nothing here touches the filesystem or a real HTTP mux at request time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Request is the plaintext descriptor carried inside a tunnel envelope.
// Handlers see exactly this and nothing else: no ambient server state, no
// raw HTTP request.
type Request struct {
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Handler is one business collaborator behind the tunnel. The returned value
// must be JSON-serializable.
type Handler interface {
	Serve(ctx context.Context, req Request) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

func (f HandlerFunc) Serve(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// ErrNotFound signals that no handler is registered for a virtual path.
var ErrNotFound = errors.New("no handler for virtual path")

// HandlerError wraps a handler failure. Message is for server-side logs only
// and must never be reflected to the client verbatim.
type HandlerError struct {
	Path    string
	Message string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed: %s", e.Path, e.Message)
}

// Router is the static virtual-path table.
type Router struct {
	routes map[string]Handler
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]Handler)}
}

// Register adds a route. Registration happens only during startup; a
// duplicate path is a programmer error and panics.
func (r *Router) Register(path string, h Handler) {
	path = normalize(path)
	if _, dup := r.routes[path]; dup {
		panic("dispatch: duplicate route " + path)
	}
	r.routes[path] = h
}

// RegisterFunc is Register for plain functions.
func (r *Router) RegisterFunc(path string, f HandlerFunc) {
	r.Register(path, f)
}

// Resolve looks up the handler for a virtual path.
func (r *Router) Resolve(path string) (Handler, error) {
	h, ok := r.routes[normalize(path)]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// Paths lists registered virtual paths, sorted. Used by the admin surface.
func (r *Router) Paths() []string {
	out := make([]string, 0, len(r.routes))
	for p := range r.routes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Invoke resolves and runs the handler for req under ctx. Handler panics and
// errors are contained and come back as *HandlerError; ErrNotFound passes
// through for unknown paths.
func (r *Router) Invoke(ctx context.Context, req Request) (result any, err error) {
	h, err := r.Resolve(req.Path)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &HandlerError{Path: req.Path, Message: fmt.Sprint(rec)}
		}
	}()

	result, err = h.Serve(ctx, req)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, &HandlerError{Path: req.Path, Message: err.Error()}
	}
	return result, nil
}

func normalize(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimSuffix(path, "/")
}
