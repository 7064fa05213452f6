//go:build windows

package ipcserver

import (
	"net"

	"github.com/defilantech/llmrund/internal/apperr"
)

// listen on Windows would open a named pipe; the teacher's own build
// only targets macOS/Linux hosts, so this is a documented no-op behind
// the build tag rather than a real named-pipe implementation.
func listen(path string) (net.Listener, error) {
	return nil, apperr.New(apperr.CodeUnsupportedPlatform, "named pipe transport not implemented on windows")
}
