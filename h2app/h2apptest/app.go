// Package h2apptest provides test helpers for h2app applications.
//
// It constructs the identical DI graph as [h2app.NewApp] but uses
// [fxtest.App] which fails the test immediately on DI errors.
//
// Example:
//
//	h2apptest.SetBaseEnv(t, 18081)
//	app := h2apptest.New[TestEnv](t, routing)
//	app.RequireStart()
//	t.Cleanup(app.RequireStop)
package h2apptest

import (
	"testing"

	"github.com/advdv/bh2/h2app"
	"go.uber.org/fx/fxtest"
)

// App embeds *fxtest.App for testing h2app applications.
type App struct {
	*fxtest.App
}

// New creates a test app with the same DI graph as [h2app.NewApp].
func New[E h2app.Environment](t testing.TB, routing any, opts ...h2app.Option) *App {
	return &App{App: fxtest.New(t, h2app.FxOptions[E](routing, opts...)...)}
}
