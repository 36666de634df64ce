package relay

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Controller is RelayController: it owns the desired-relay set
// (static config plus, optionally, relays learned from a master's
// stream list), the running clients, and the redirector pool.
type Controller struct {
	mu      sync.Mutex
	clients map[string]*Client // localmount -> running client
	gate    *relaysConnectingGate
	sink    Sink

	masterCfg *MasterConfig
	cron      *cron.Cron

	redir *redirectorPool

	log *log.Logger

	rebuildPending bool
}

// MasterConfig configures the periodic master stream-list pull.
type MasterConfig struct {
	BaseURL        string
	Username       string
	Password       string
	PullInterval   time.Duration
	// OwnHost and OwnPort are written as the single master of every
	// relay descriptor parsed from the stream list.
	OwnHost        string
	OwnPort        int
	RelayInterval  time.Duration
}

// NewController creates an empty controller targeting sink as the
// destination every relay client publishes its buffers to. Call
// Install for static relays and StartMasterPull to begin periodic
// reconciliation against a master server's stream list.
func NewController(sink Sink, logger *log.Logger) *Controller {
	return &Controller{
		clients: make(map[string]*Client),
		gate:    newGate(),
		sink:    sink,
		redir:   newRedirectorPool(64),
		log:     logger,
	}
}

// Install creates a relay client in the Init state for desc and adds
// it to the active set, matching slave.c's relay_install.
func (c *Controller) Install(desc *Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[desc.Localmount] = newClient(desc, c.gate, c.sink, c.log)
}

// Toggle flips a relay's running flag: a relay switched back on is put
// in Init at once unless it is already in Init or Startup; a relay
// switched off tears down on its next Streaming step.
func (c *Controller) Toggle(localmount string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[localmount]; ok {
		cl.mu.Lock()
		cl.running = !cl.running
		if cl.running && cl.state != StateInit && cl.state != StateStartup {
			cl.state = StateInit
		}
		cl.mu.Unlock()
	}
}

// UpdateAllMounts, Restart, and RebuildMounts, named after Icecast's
// relay admin actions, all set the same rebuildPending flag. Nothing in
// this package reads that flag, so none of the three changes the
// running relay set.
func (c *Controller) UpdateAllMounts() {
	c.mu.Lock()
	c.rebuildPending = true
	c.mu.Unlock()
}

func (c *Controller) Restart() { c.UpdateAllMounts() }

func (c *Controller) RebuildMounts() { c.UpdateAllMounts() }

// StepAll runs one scheduling quantum across every active client.
// Callers (the worker pool) call this in a loop; clients that return a
// past/zero schedule time are due again immediately.
func (c *Controller) StepAll(now time.Time) {
	c.mu.Lock()
	clients := make([]*Client, 0, len(c.clients))
	for mount, cl := range c.clients {
		clients = append(clients, cl)
		cl.mu.Lock()
		dead := cl.state == StateDead
		cl.mu.Unlock()
		if dead {
			delete(c.clients, mount)
		}
	}
	c.mu.Unlock()

	for _, cl := range clients {
		cl.Step(now)
	}
}

// UpdateRelaySet reconciles the active client set against a freshly
// computed desired set, per slave.c's update_relay_set: relays whose
// master list or mp3metadata flag changed are restarted via the
// new_details handoff; relays that only differ in on_demand are
// patched in place; unmatched desired relays are installed; unmatched
// existing relays are flagged for cleanup.
func (c *Controller) UpdateRelaySet(desired []*Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(desired))
	for _, d := range desired {
		seen[d.Localmount] = true
		existing, ok := c.clients[d.Localmount]
		if !ok {
			c.clients[d.Localmount] = newClient(d, c.gate, c.sink, c.log)
			continue
		}
		existing.mu.Lock()
		if existing.desc.hasChanged(d) {
			existing.newDetails = d
		} else {
			existing.desc.OnDemand = d.OnDemand
		}
		existing.mu.Unlock()
	}

	for mount, cl := range c.clients {
		if !seen[mount] {
			cl.mu.Lock()
			cl.cleanup = true
			cl.mu.Unlock()
		}
	}
}

// StartMasterPull begins the periodic master-streamlist poll using
// robfig/cron, matching slave.c's streamlist_thread cadence. Only one
// pull may be in flight at a time (pullInFlight guards re-entrancy).
func (c *Controller) StartMasterPull(ctx context.Context, cfg MasterConfig) error {
	c.mu.Lock()
	c.masterCfg = &cfg
	c.mu.Unlock()

	interval := cfg.PullInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}

	c.cron = cron.New()
	var pullInFlight sync.Mutex
	spec := fmt.Sprintf("@every %s", interval)
	_, err := c.cron.AddFunc(spec, func() {
		if !pullInFlight.TryLock() {
			return
		}
		defer pullInFlight.Unlock()
		if err := c.pullMasterStreamlist(ctx); err != nil {
			c.log.Printf("relay: master streamlist pull failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// StopMasterPull stops the periodic poll started by StartMasterPull.
func (c *Controller) StopMasterPull() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

// pullMasterStreamlist fetches /admin/streams (falling back to
// /admin/streamlist.txt on non-200), parses the body, and merges the
// result into the active set via UpdateRelaySet.
func (c *Controller) pullMasterStreamlist(ctx context.Context) error {
	cfg := c.masterCfg
	descs, err := fetchStreamlist(ctx, cfg, "/admin/streams")
	if err != nil {
		descs, err = fetchStreamlist(ctx, cfg, "/admin/streamlist.txt")
		if err != nil {
			return err
		}
	}
	c.UpdateRelaySet(descs)
	return nil
}

func fetchStreamlist(ctx context.Context, cfg *MasterConfig, path string) ([]*Descriptor, error) {
	url := strings.TrimSuffix(cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Username != "" || cfg.Password != "" {
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cfg.Username+":"+cfg.Password)))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay: %s returned status %d", path, resp.StatusCode)
	}
	return ParseStreamList(resp.Body, cfg)
}

// ParseStreamList parses a complete streamlist body: each line
// starting with "/" yields one relay descriptor with a single master
// entry pointing back at the server that was queried, per slave.c's
// streamlist_data. "/admin/streams?mount=/X" canonicalizes to
// localmount "/X". Lines not starting with "/" are skipped, not errors.
func ParseStreamList(r io.Reader, cfg *MasterConfig) ([]*Descriptor, error) {
	var out []*Descriptor
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if d := parseStreamlistLine(scanner.Text(), cfg); d != nil {
			out = append(out, d)
		}
	}
	return out, scanner.Err()
}

// StreamListScanner handles the chunked case: a response body that
// arrives across multiple reads, where a line may be split mid-buffer.
// Feed each chunk to Feed; completed lines yield Descriptors via Take.
type StreamListScanner struct {
	cfg    *MasterConfig
	carry  string
	ready  []*Descriptor
}

// NewStreamListScanner creates a scanner for one in-progress streamlist pull.
func NewStreamListScanner(cfg *MasterConfig) *StreamListScanner {
	return &StreamListScanner{cfg: cfg}
}

// Feed appends a freshly read chunk, parsing any complete lines it
// contains and carrying a trailing partial line forward to the next call.
func (s *StreamListScanner) Feed(chunk []byte) {
	s.carry += string(chunk)
	for {
		nl := strings.IndexByte(s.carry, '\n')
		if nl < 0 {
			break
		}
		line := s.carry[:nl]
		s.carry = s.carry[nl+1:]
		if d := parseStreamlistLine(line, s.cfg); d != nil {
			s.ready = append(s.ready, d)
		}
	}
}

// Take drains and returns the descriptors parsed so far.
func (s *StreamListScanner) Take() []*Descriptor {
	out := s.ready
	s.ready = nil
	return out
}

func parseStreamlistLine(line string, cfg *MasterConfig) *Descriptor {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return nil
	}
	mount := line
	if q := strings.IndexByte(mount, '?'); q >= 0 {
		params := mount[q+1:]
		mount = mount[:q]
		for _, kv := range strings.Split(params, "&") {
			k, v, ok := strings.Cut(kv, "=")
			if ok && k == "mount" {
				mount = v
			}
		}
	}
	return &Descriptor{
		Localmount: mount,
		Masters: []Master{{
			IP:    cfg.OwnHost,
			Port:  cfg.OwnPort,
			Mount: mount,
		}},
		Interval: cfg.RelayInterval,
	}
}

// redirectorEntry is one peer server listeners may be redirected to.
type redirectorEntry struct {
	Server     string
	Port       int
	NextUpdate time.Time
}

// redirectorPool is the bounded collection from Icecast's
// slaves_lock-guarded redirector list.
type redirectorPool struct {
	mu      sync.RWMutex
	entries []redirectorEntry
	max     int
}

func newRedirectorPool(max int) *redirectorPool {
	return &redirectorPool{max: max}
}

// Add registers or refreshes a redirector peer.
func (p *redirectorPool) Add(server string, port int, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := time.Now().Add(ttl)
	for i := range p.entries {
		if p.entries[i].Server == server && p.entries[i].Port == port {
			p.entries[i].NextUpdate = next
			return
		}
	}
	if len(p.entries) >= p.max {
		return
	}
	p.entries = append(p.entries, redirectorEntry{Server: server, Port: port, NextUpdate: next})
}

// ClearAll empties the redirector list (admin reload).
func (p *redirectorPool) ClearAll() {
	p.mu.Lock()
	p.entries = nil
	p.mu.Unlock()
}

// RedirectClient picks one redirector uniformly at random from the
// current (post-eviction) set, evicting any entry whose NextUpdate+10s
// has already passed during the same scan, per slave.c's
// redirect_client. Returns ok=false if no redirector survives.
func (p *redirectorPool) RedirectClient(mount string) (server string, port int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	live := p.entries[:0]
	for _, e := range p.entries {
		if e.NextUpdate.Add(10 * time.Second).Before(now) {
			continue // evicted
		}
		live = append(live, e)
	}
	p.entries = live
	if len(live) == 0 {
		return "", 0, false
	}
	pick := live[rand.Intn(len(live))]
	return pick.Server, pick.Port, true
}
