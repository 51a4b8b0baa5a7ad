package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"lanportal/storage"
)

const (
	// DefaultBroadcastPort is the UDP port announcements travel on.
	DefaultBroadcastPort = 7479
	// DefaultAnnounceInterval is the gap between announce datagrams.
	DefaultAnnounceInterval = time.Second

	announcementSize = 9
)

// magic prefixes every announce datagram so unrelated UDP traffic on the
// broadcast port is ignored.
var magic = [7]byte{0x0b, 0x2d, 0x0e, 0x13, 0x13, 0x08, 0x0a}

// BroadcastConfig controls the UDP announce/listen pair.
type BroadcastConfig struct {
	// ServicePort is the local TCP port announced to peers.
	ServicePort int
	// BroadcastPort is the UDP port announcements are sent to and read from.
	BroadcastPort int
	// AnnounceInterval is how often the announcer re-broadcasts.
	AnnounceInterval time.Duration
	// Store, when set, records every sighting in the ledger.
	Store *storage.Store
	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// target overrides the announce destination in tests.
	target *net.UDPAddr
}

func (c BroadcastConfig) withDefaults() BroadcastConfig {
	out := c
	if out.BroadcastPort <= 0 {
		out.BroadcastPort = DefaultBroadcastPort
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.target == nil {
		out.target = &net.UDPAddr{IP: net.IPv4bcast, Port: out.BroadcastPort}
	}
	return out
}

// encodeAnnouncement builds the magic marker plus the big-endian service
// port.
func encodeAnnouncement(servicePort uint16) []byte {
	payload := make([]byte, announcementSize)
	copy(payload, magic[:])
	binary.BigEndian.PutUint16(payload[len(magic):], servicePort)
	return payload
}

// parseAnnouncement extracts the announced service port, rejecting
// datagrams without the magic prefix.
func parseAnnouncement(datagram []byte) (uint16, bool) {
	if len(datagram) < announcementSize {
		return 0, false
	}
	for i, b := range magic {
		if datagram[i] != b {
			return 0, false
		}
	}
	return binary.BigEndian.Uint16(datagram[len(magic):]), true
}

// Announcer periodically broadcasts the local service port so listening
// peers can record a dialable address.
type Announcer struct {
	conn     *net.UDPConn
	payload  []byte
	target   *net.UDPAddr
	interval time.Duration
	logger   *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// StartAnnouncer binds an ephemeral UDP socket and starts the announce
// loop.
func StartAnnouncer(config BroadcastConfig) (*Announcer, error) {
	cfg := config.withDefaults()
	if cfg.ServicePort <= 0 || cfg.ServicePort > 65535 {
		return nil, errors.New("discovery: service port must be in 1..65535")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("bind announce socket: %w", err)
	}

	announcer := &Announcer{
		conn:     conn,
		payload:  encodeAnnouncement(uint16(cfg.ServicePort)),
		target:   cfg.target,
		interval: cfg.AnnounceInterval,
		logger:   cfg.Logger,
		closed:   make(chan struct{}),
	}

	announcer.wg.Add(1)
	go announcer.loop()
	return announcer, nil
}

// AnnounceOnce sends a single announce datagram.
func (a *Announcer) AnnounceOnce() error {
	if _, err := a.conn.WriteToUDP(a.payload, a.target); err != nil {
		return fmt.Errorf("send announcement: %w", err)
	}
	return nil
}

// Stop ends the announce loop and releases the socket.
func (a *Announcer) Stop() {
	a.closeOnce.Do(func() {
		close(a.closed)
		_ = a.conn.Close()
		a.wg.Wait()
	})
}

func (a *Announcer) loop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if err := a.AnnounceOnce(); err != nil {
			select {
			case <-a.closed:
				return
			default:
			}
			a.logger.Warn("broadcast announce failed", "target", a.target, "err", err)
		}

		select {
		case <-ticker.C:
		case <-a.closed:
			return
		}
	}
}

// BroadcastListener collects peer service addresses from announce
// datagrams. The address set is guarded; snapshots are safe to read while
// the receive loop keeps mutating it.
type BroadcastListener struct {
	conn   *net.UDPConn
	store  *storage.Store
	logger *slog.Logger

	mu    sync.Mutex
	addrs map[string]time.Time

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// StartBroadcastListener binds the broadcast port and starts recording
// announcing peers.
func StartBroadcastListener(config BroadcastConfig) (*BroadcastListener, error) {
	cfg := config.withDefaults()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.BroadcastPort})
	if err != nil {
		return nil, fmt.Errorf("bind broadcast port %d: %w", cfg.BroadcastPort, err)
	}
	return newBroadcastListener(conn, cfg), nil
}

func newBroadcastListener(conn *net.UDPConn, cfg BroadcastConfig) *BroadcastListener {
	listener := &BroadcastListener{
		conn:   conn,
		store:  cfg.Store,
		logger: cfg.Logger,
		addrs:  make(map[string]time.Time),
	}

	listener.wg.Add(1)
	go listener.receiveLoop()
	return listener
}

// Port returns the bound UDP port.
func (l *BroadcastListener) Port() int {
	if addr, ok := l.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// Addresses returns a sorted snapshot of every service address heard so
// far, formatted as host:port.
func (l *BroadcastListener) Addresses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.addrs))
	for addr := range l.addrs {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Stop ends the receive loop and releases the socket.
func (l *BroadcastListener) Stop() {
	l.closeOnce.Do(func() {
		_ = l.conn.Close()
		l.wg.Wait()
	})
}

func (l *BroadcastListener) receiveLoop() {
	defer l.wg.Done()

	buf := make([]byte, 1024)
	for {
		n, source, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("broadcast receive failed", "err", err)
			continue
		}

		servicePort, ok := parseAnnouncement(buf[:n])
		if !ok {
			continue
		}

		address := net.JoinHostPort(source.IP.String(), strconv.Itoa(int(servicePort)))
		l.recordSighting(address)
	}
}

func (l *BroadcastListener) recordSighting(address string) {
	l.mu.Lock()
	_, known := l.addrs[address]
	l.addrs[address] = time.Now()
	l.mu.Unlock()

	if !known {
		l.logger.Info("peer announced", "address", address)
	}

	if l.store != nil {
		if err := l.store.UpsertPeerSighting(address, storage.PeerSourceBroadcast); err != nil {
			l.logger.Error("record peer sighting", "address", address, "err", err)
		}
	}
}
