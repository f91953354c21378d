package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"invox/utils"
)

// ProbeRequest names an IMAP endpoint to check from this machine. Username
// and Password are optional; without them only reachability and the
// capability list are checked.
type ProbeRequest struct {
	Server   string `json:"imap_server"`
	Port     int    `json:"imap_port"`
	UseSSL   bool   `json:"use_ssl"`
	Username string `json:"imap_username,omitempty"`
	Password string `json:"imap_password,omitempty"`
}

// ProbeResult is what the probe learned about the server
type ProbeResult struct {
	Address      string        `json:"address"`
	TLS          bool          `json:"tls"`
	Capabilities []string      `json:"capabilities"`
	LoggedIn     bool          `json:"logged_in"`
	Mailboxes    []string      `json:"mailboxes,omitempty"`
	Latency      time.Duration `json:"latency"`
}

// Prober checks an IMAP endpoint
type Prober interface {
	Probe(ctx context.Context, req ProbeRequest) (*ProbeResult, error)
}

// IMAPProber dials IMAP servers with go-imap
type IMAPProber struct {
	Timeout time.Duration
	// TLSConfig overrides the client TLS settings (tests)
	TLSConfig *tls.Config
}

func (p *IMAPProber) Probe(ctx context.Context, req ProbeRequest) (*ProbeResult, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	addr := net.JoinHostPort(req.Server, strconv.Itoa(req.Port))
	log := utils.Log.WithFields(map[string]interface{}{"addr": addr, "ssl": req.UseSSL})
	started := time.Now()

	dialer := &net.Dialer{Timeout: timeout}
	var (
		c   *client.Client
		err error
	)
	if req.UseSSL {
		tlsConfig := p.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: req.Server}
		}
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		log.Warn("IMAP dial failed: %v", err)
		return nil, fmt.Errorf("connection error: %w", err)
	}
	c.Timeout = timeout

	// go-imap has no context support; tear the connection down instead
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Terminate()
		case <-stop:
		}
	}()
	defer c.Logout()

	caps, err := c.Capability()
	if err != nil {
		return nil, fmt.Errorf("capability error: %w", err)
	}

	res := &ProbeResult{
		Address:      addr,
		TLS:          c.IsTLS(),
		Capabilities: capabilityList(caps),
	}

	if req.Username != "" && req.Password != "" {
		if err := c.Login(req.Username, req.Password); err != nil {
			log.Warn("IMAP login for %s failed: %v", req.Username, err)
			return nil, fmt.Errorf("login error: %w", err)
		}
		res.LoggedIn = true

		mailboxes, err := listMailboxes(c)
		if err != nil {
			return nil, err
		}
		res.Mailboxes = mailboxes
	}

	res.Latency = time.Since(started)
	log.Debug("IMAP probe ok in %s", res.Latency)
	return res, nil
}

func capabilityList(caps map[string]bool) []string {
	out := make([]string, 0, len(caps))
	for name, ok := range caps {
		if ok {
			out = append(out, strings.ToUpper(name))
		}
	}
	sort.Strings(out)
	return out
}

func listMailboxes(c *client.Client) ([]string, error) {
	ch := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", ch)
	}()

	var names []string
	for mb := range ch {
		names = append(names, mb.Name)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("error listing mailboxes: %w", err)
	}
	sort.Strings(names)
	return names, nil
}
