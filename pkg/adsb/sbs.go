package adsb

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fregster/hangar-assistant/internal/logger"
	"github.com/fregster/hangar-assistant/pkg/cache"
)

// BaseStation (SBS-1) field positions, 0-indexed.
const (
	sbsIdxMessageType  = 0
	sbsIdxTransmission = 1
	sbsIdxICAO         = 4
	sbsIdxCallsign     = 10
	sbsIdxAltitude     = 11
	sbsIdxGroundSpeed  = 12
	sbsIdxTrack        = 13
	sbsIdxLatitude     = 14
	sbsIdxLongitude    = 15
	sbsIdxVerticalRate = 16
	sbsIdxSquawk       = 17
	sbsIdxEmergency    = 19
	sbsIdxOnGround     = 21
	sbsMinFields       = 22
)

const (
	// DefaultSBSPort is the usual BaseStation output port of dump1090/readsb
	DefaultSBSPort = 30003

	defaultSBSCacheTTL    = 60 * time.Second
	defaultSBSDialTimeout = 5 * time.Second
	minSBSBackoff         = time.Second
	maxSBSBackoff         = 30 * time.Second
)

// sbsMessage is one parsed BaseStation line. Nil fields were empty.
type sbsMessage struct {
	transmission int
	icao         string
	callsign     string
	squawk       string
	altitude     *float64
	groundSpeed  *float64
	track        *float64
	latitude     *float64
	longitude    *float64
	verticalRate *float64
	emergency    *bool
	onGround     *bool
}

// parseSBS parses a BaseStation "MSG" line. ok is false for other message
// kinds, short lines and lines without a valid ICAO address.
func parseSBS(line string) (sbsMessage, bool) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	if len(fields) < sbsMinFields || fields[sbsIdxMessageType] != "MSG" {
		return sbsMessage{}, false
	}

	icao := normalizeID(fields[sbsIdxICAO])
	if !icaoHexPattern.MatchString(icao) {
		return sbsMessage{}, false
	}

	tx, err := strconv.Atoi(strings.TrimSpace(fields[sbsIdxTransmission]))
	if err != nil || tx < 1 || tx > 8 {
		return sbsMessage{}, false
	}

	msg := sbsMessage{
		transmission: tx,
		icao:         icao,
		callsign:     strings.TrimSpace(fields[sbsIdxCallsign]),
		squawk:       strings.TrimSpace(fields[sbsIdxSquawk]),
		altitude:     parseSBSFloat(fields[sbsIdxAltitude]),
		groundSpeed:  parseSBSFloat(fields[sbsIdxGroundSpeed]),
		track:        parseSBSFloat(fields[sbsIdxTrack]),
		verticalRate: parseSBSFloat(fields[sbsIdxVerticalRate]),
		emergency:    parseSBSBool(fields[sbsIdxEmergency]),
		onGround:     parseSBSBool(fields[sbsIdxOnGround]),
	}

	lat := parseSBSFloat(fields[sbsIdxLatitude])
	lon := parseSBSFloat(fields[sbsIdxLongitude])
	if lat != nil && lon != nil && *lat >= -90 && *lat <= 90 && *lon >= -180 && *lon <= 180 {
		msg.latitude, msg.longitude = lat, lon
	}

	return msg, true
}

func parseSBSFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// parseSBSBool reads the BaseStation flag encoding: -1 or 1 is true, 0 false.
func parseSBSBool(s string) *bool {
	switch strings.TrimSpace(s) {
	case "-1", "1":
		return Ptr(true)
	case "0":
		return Ptr(false)
	}
	return nil
}

// apply folds a message into the accumulated record for its aircraft.
func (m sbsMessage) apply(ac *Aircraft, now time.Time) {
	ac.ICAO = m.icao
	if m.callsign != "" {
		ac.Callsign = m.callsign
	}
	if m.squawk != "" {
		ac.Squawk = m.squawk
	}
	if m.altitude != nil {
		ac.Altitude = m.altitude
	}
	if m.groundSpeed != nil {
		ac.GroundSpeed = m.groundSpeed
	}
	if m.track != nil {
		ac.Track = m.track
	}
	if m.verticalRate != nil {
		ac.VerticalRate = m.verticalRate
	}
	if m.onGround != nil {
		ac.OnGround = m.onGround
	}
	if m.emergency != nil && *m.emergency {
		if ac.Metadata == nil {
			ac.Metadata = map[string]string{}
		}
		ac.Metadata["emergency"] = "true"
	}
	if m.latitude != nil {
		ac.Latitude = m.latitude
		ac.Longitude = m.longitude
		ac.LastSeen = Ptr(now)
	}
	ac.LastContact = Ptr(now)
}

// SBSConfig configures an SBSClient.
type SBSConfig struct {
	// Name is the source name stamped on every record (default: "sbs")
	Name string

	Host string
	Port int

	Priority int

	CacheSize int

	// CacheTTL is how long an aircraft is kept after its last message (default: 60s)
	CacheTTL time.Duration

	// AccumulationDelay is waited once, on the first query, so the feed has
	// time to populate state.
	AccumulationDelay time.Duration

	DialTimeout time.Duration
}

// FeedStats is a snapshot of the BaseStation connection.
type FeedStats struct {
	Address         string    `json:"address"`
	Connected       bool      `json:"connected"`
	Reconnects      uint64    `json:"reconnects"`
	MessagesTotal   uint64    `json:"messages_total"`
	InvalidMessages uint64    `json:"invalid_messages"`
	LastMessage     time.Time `json:"last_message"`
	Tracked         int       `json:"tracked"`
}

// SBSClient implements Source over a streaming BaseStation TCP feed such as
// dump1090 or readsb port 30003.
//
// A background reader, started on first use, accumulates messages into the
// client's cache field by field, keyed by ICAO address. Fetches answer from
// that accumulated state. The reader reconnects with exponential backoff
// until Close.
type SBSClient struct {
	name        string
	addr        string
	priority    int
	delay       time.Duration
	dialTimeout time.Duration
	cache       *cache.Cache[Aircraft]
	log         *logger.Logger

	// mu serializes read-modify-write of accumulated records
	mu sync.Mutex

	startOnce sync.Once
	waitOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	connected   atomic.Bool
	reconnects  atomic.Uint64
	messages    atomic.Uint64
	invalid     atomic.Uint64
	lastMessage atomic.Int64
}

// NewSBSClient creates a BaseStation client. No connection is made until the
// first fetch or TestConnection.
func NewSBSClient(cfg SBSConfig, log *logger.Logger) (*SBSClient, error) {
	log = logger.OrNop(log)

	if cfg.Name == "" {
		cfg.Name = "sbs"
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("%s: host is required", cfg.Name)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultSBSPort
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultSBSCacheTTL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultSBSDialTimeout
	}

	records, err := cache.New[Aircraft](cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("create %s cache: %w", cfg.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SBSClient{
		name:        cfg.Name,
		addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		priority:    cfg.Priority,
		delay:       cfg.AccumulationDelay,
		dialTimeout: cfg.DialTimeout,
		cache:       records,
		log:         log.With("source", cfg.Name),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}, nil
}

// FetchNear returns the tracked aircraft within radiusNM, nearest first.
func (c *SBSClient) FetchNear(ctx context.Context, lat, lon, radiusNM float64) ([]Aircraft, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}

	values := c.cache.Values()
	aircraft := make([]Aircraft, 0, len(values))
	for _, ac := range values {
		aircraft = append(aircraft, ac.Clone())
	}
	return FilterByRadius(aircraft, lat, lon, radiusNM), nil
}

// FetchByUniqueID returns the tracked aircraft with the given ICAO address.
func (c *SBSClient) FetchByUniqueID(ctx context.Context, id string) (*Aircraft, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}

	ac, ok := c.cache.Get(normalizeID(id))
	if !ok {
		return nil, nil
	}
	return Ptr(ac.Clone()), nil
}

// FetchByRegistration always returns nil: BaseStation messages carry no
// registration.
func (c *SBSClient) FetchByRegistration(ctx context.Context, registration string) (*Aircraft, error) {
	return nil, nil
}

// TestConnection dials the feed once and starts the background reader.
func (c *SBSClient) TestConnection(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("%s: dial %s: %w", c.name, c.addr, err)
	}
	conn.Close()

	c.start()
	return nil
}

// Priority returns the configured source priority.
func (c *SBSClient) Priority() int {
	return c.priority
}

// ClearCache drops all accumulated state.
func (c *SBSClient) ClearCache() {
	c.mu.Lock()
	c.cache.Clear()
	c.mu.Unlock()
}

// Close stops the background reader and waits for it to exit.
func (c *SBSClient) Close() error {
	c.cancel()
	// A reader that never started still needs done closed
	c.startOnce.Do(func() { close(c.done) })
	<-c.done
	return nil
}

// Stats returns a snapshot of the feed connection.
func (c *SBSClient) Stats() FeedStats {
	stats := FeedStats{
		Address:         c.addr,
		Connected:       c.connected.Load(),
		Reconnects:      c.reconnects.Load(),
		MessagesTotal:   c.messages.Load(),
		InvalidMessages: c.invalid.Load(),
		Tracked:         c.cache.Len(),
	}
	if ts := c.lastMessage.Load(); ts > 0 {
		stats.LastMessage = time.Unix(0, ts)
	}
	return stats
}

// Ingest applies one BaseStation line to the accumulated state. The reader
// calls it for every received line; it is exported for replaying captures.
func (c *SBSClient) Ingest(line string, now time.Time) bool {
	msg, ok := parseSBS(line)
	if !ok {
		c.invalid.Add(1)
		return false
	}
	c.messages.Add(1)
	c.lastMessage.Store(now.UnixNano())

	c.mu.Lock()
	defer c.mu.Unlock()

	ac, found := c.cache.Peek(msg.icao)
	if found {
		// readers may hold the cached value's metadata map
		ac = ac.Clone()
	} else {
		ac = Aircraft{Source: c.name, Priority: c.priority}
	}
	msg.apply(&ac, now)
	c.cache.Put(msg.icao, ac)
	return true
}

// ready starts the reader and, on the first query only, waits the
// accumulation delay.
func (c *SBSClient) ready(ctx context.Context) error {
	c.start()

	var err error
	c.waitOnce.Do(func() {
		if c.delay <= 0 {
			return
		}
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-timer.C:
		}
	})
	return err
}

func (c *SBSClient) start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// run keeps a connection to the feed open until Close, reconnecting with
// exponential backoff.
func (c *SBSClient) run() {
	defer close(c.done)
	backoff := minSBSBackoff

	for {
		connected, err := c.readFeed()
		c.connected.Store(false)
		if c.ctx.Err() != nil {
			return
		}

		var wait time.Duration
		wait, backoff = nextSBSBackoff(backoff, connected)
		c.log.Warn("feed disconnected", "address", c.addr, "error", err, "retry_in", wait)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}
		c.reconnects.Add(1)
	}
}

// nextSBSBackoff returns how long to wait before redialling and the backoff
// for the attempt after that. A session that got connected starts over.
func nextSBSBackoff(current time.Duration, connected bool) (wait, next time.Duration) {
	if connected || current < minSBSBackoff {
		current = minSBSBackoff
	}
	return current, min(current*2, maxSBSBackoff)
}

// readFeed reads lines until the connection drops or the client closes.
// connected reports whether the dial succeeded.
func (c *SBSClient) readFeed() (connected bool, err error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(c.ctx, "tcp", c.addr)
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	c.connected.Store(true)
	c.log.Info("connected to feed", "address", c.addr)

	stop := context.AfterFunc(c.ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		c.Ingest(scanner.Text(), time.Now().UTC())
	}
	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("read: %w", err)
	}
	return true, fmt.Errorf("connection closed by peer")
}
