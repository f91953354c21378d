package oauth

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"
)

// BrowserOpener opens authorization windows in the system browser. The
// browser tab cannot be observed from here, so a BrowserWindow counts as
// closed once Close is called, either by the handshake or by the dashboard's
// cancel action.
type BrowserOpener struct {
	// Command overrides the launcher; nil picks one for runtime.GOOS.
	Command func(url string) *exec.Cmd
}

func (o *BrowserOpener) Open(url string, width, height int) (Window, error) {
	command := o.Command
	if command == nil {
		command = browserCommand
	}
	cmd := command(url)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	go cmd.Wait()
	return &BrowserWindow{}, nil
}

func browserCommand(target string) *exec.Cmd {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("rundll32.exe", "url.dll,FileProtocolHandler", target)
	case "darwin":
		return exec.Command("open", target)
	default:
		return exec.Command("xdg-open", target)
	}
}

// BrowserWindow is a window opened in the system browser
type BrowserWindow struct {
	mu     sync.Mutex
	closed bool
}

func (w *BrowserWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *BrowserWindow) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}
