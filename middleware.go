package bh2

// Middleware wraps handlers for cross-cutting concerns with buffered
// responses. Middleware can inspect and transform errors, modify the request
// context, or reset and replace responses entirely.
type Middleware func(Handler) Handler

// Wrap takes the inner handler h and wraps it with middleware. The order is
// that of the Gorilla and Chi routers: the middleware provided first is the
// outermost wrapping, the middleware provided last is closest to the handler.
func Wrap(h Handler, m ...Middleware) Handler {
	if len(m) < 1 {
		return h
	}

	wrapped := h
	for i := len(m) - 1; i >= 0; i-- {
		wrapped = m[i](wrapped)
	}

	return wrapped
}
