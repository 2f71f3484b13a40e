package transport

import (
	"errors"
	"net"
)

// Pipe links two hubs in memory. dialer plays the dialing side of the
// handshake and listener the accepting side; the result behaves like a TCP
// link between them.
func Pipe(dialer, listener *Hub) error {
	a, b := net.Pipe()
	accepted := make(chan error, 1)
	go func() {
		_, err := listener.accept(newStreamConn(b, listener.cfg.Limits))
		accepted <- err
	}()
	_, dialErr := dialer.greet(newStreamConn(a, dialer.cfg.Limits))
	if dialErr != nil {
		_ = b.Close()
	}
	return errors.Join(dialErr, <-accepted)
}
