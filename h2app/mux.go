package h2app

import (
	"net/http"

	"github.com/advdv/bh2"
	"go.uber.org/zap"
)

// MaxResponsePayloadBytes caps buffered responses at 4 MiB; handlers needing
// more should stream via http.ResponseController.
const MaxResponsePayloadBytes = 4 * 1024 * 1024

// Mux is an alias for bh2.ServeMux.
type Mux = bh2.ServeMux

// NewMux creates a new Mux with sensible defaults.
func NewMux(logs *zap.Logger) *Mux {
	return bh2.NewServeMuxWith(
		MaxResponsePayloadBytes,
		newMuxLogger(logs),
		http.NewServeMux(),
		bh2.NewReverser(),
	)
}
