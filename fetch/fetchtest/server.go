// Package fetchtest serves fiber apps over an in-memory listener for client tests.
package fetchtest

import (
	"net"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// Serve starts app on an in-memory listener and returns a dialer that
// connects every request to it. The app is shut down with the test.
func Serve(t testing.TB, app *fiber.App) fasthttp.DialFunc {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = app.Listener(ln)
	}()
	t.Cleanup(func() {
		_ = app.Shutdown()
		_ = ln.Close()
	})

	return func(string) (net.Conn, error) {
		return ln.Dial()
	}
}
