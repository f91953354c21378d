package oauth

// Window is an authorization window the handshake opened
type Window interface {
	// Closed reports whether the user closed the window
	Closed() bool
	Close() error
}

// Opener opens authorization windows. A nil Window or an error means the
// window was blocked.
type Opener interface {
	Open(url string, width, height int) (Window, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(url string, width, height int) (Window, error)

func (f OpenerFunc) Open(url string, width, height int) (Window, error) {
	return f(url, width, height)
}
