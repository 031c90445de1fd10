package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var errNoNotifySocket = errors.New("NOTIFY_SOCKET not set")

// sdNotify sends newline-joined state assignments (READY=1, STATUS=...) to
// the systemd notify socket at addr. An empty addr means the process was not
// started with Type=notify and returns errNoNotifySocket.
func sdNotify(addr string, states ...string) error {
	if addr == "" {
		return errNoNotifySocket
	}
	if len(states) == 0 {
		return errors.New("systemd notify: no state to send")
	}
	// abstract namespace sockets are given with a leading @
	if strings.HasPrefix(addr, "@") {
		addr = "\x00" + addr[1:]
	}

	conn, err := net.Dial("unixgram", addr) //nolint:noctx // unixgram dial is local and immediate
	if err != nil {
		return fmt.Errorf("systemd notify: dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write([]byte(strings.Join(states, "\n"))); err != nil {
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return nil
}
