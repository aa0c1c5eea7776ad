// Command wesense-ingester runs the Meshtastic telemetry ingestion
// pipeline: MQTT fan-in, decrypt/decode, dedup, correlate, geocode, and
// batched sink. Wiring and shutdown sequencing follow the supervisor
// pattern the rest of this codebase's services use (flag-driven config,
// signal-triggered graceful shutdown, periodic stats logging).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wesense-earth/wesense-ingester-meshtastic/config"
	"github.com/wesense-earth/wesense-ingester-meshtastic/correlator"
	"github.com/wesense-earth/wesense-ingester-meshtastic/dedup"
	"github.com/wesense-earth/wesense-ingester-meshtastic/diagnostics"
	"github.com/wesense-earth/wesense-ingester-meshtastic/geocoder"
	"github.com/wesense-earth/wesense-ingester-meshtastic/logging"
	"github.com/wesense-earth/wesense-ingester-meshtastic/meshtastic"
	"github.com/wesense-earth/wesense-ingester-meshtastic/mqttfleet"
	"github.com/wesense-earth/wesense-ingester-meshtastic/pending"
	"github.com/wesense-earth/wesense-ingester-meshtastic/positioncache"
	"github.com/wesense-earth/wesense-ingester-meshtastic/record"
	"github.com/wesense-earth/wesense-ingester-meshtastic/sink"
)

// ShutdownDeadline is the hard cap on graceful shutdown; anything not
// finished by then is abandoned so the process can exit.
const ShutdownDeadline = 30 * time.Second

// CLI declares the flags this command accepts, parsed with kong rather
// than the teacher's bare flag package, since this command's surface is
// wide enough to benefit from declarative parsing.
type CLI struct {
	Config string `help:"Path to the regions config file." default:"regions.json"`
	Debug  bool   `help:"Set the configured log level to debug (log output is not filtered by level)."`
}

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Description("WeSense Meshtastic telemetry ingester"))

	cfg, err := config.Load(cli.Config)
	if err != nil {
		log.Fatalf("wesense-ingester: %v", err)
	}
	if cli.Debug {
		cfg.LogLevel = "debug"
	}

	loggers, err := logging.New(cfg.LogDir)
	if err != nil {
		log.Fatalf("wesense-ingester: setting up logging: %v", err)
	}
	loggers.General.Printf("starting with %d region(s)", len(cfg.Regions))

	app, err := newApplication(cfg, loggers)
	if err != nil {
		log.Fatalf("wesense-ingester: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go app.run(ctx)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			loggers.General.Printf("SIGHUP received, snapshotting caches without exiting")
			app.snapshotAll()
			continue
		}
		loggers.General.Printf("signal %s received, shutting down", sig)
		cancel()
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownDeadline)
	defer shutdownCancel()
	app.shutdown(shutdownCtx)
	loggers.General.Printf("shutdown complete")
}

// application holds every wired-up component for the process lifetime.
type application struct {
	cfg     *config.Config
	loggers *logging.Loggers

	positions *positioncache.Cache
	buffer    *pending.Buffer
	dedupe    dedup.Filter
	geo       *geocoder.Geocoder
	corr      *correlator.Correlator
	fleet     *mqttfleet.Fleet
	sink      *sink.Sink
	diag      *diagnostics.Server

	republishClient mqtt.Client

	rawCh    chan mqttfleet.Message
	joinedCh chan record.Reading
	snapCh   chan struct{}

	channelKeys map[string][]byte
}

func newApplication(cfg *config.Config, loggers *logging.Loggers) (*application, error) {
	positions, err := positioncache.Load(cfg.PositionCachePath)
	if err != nil {
		return nil, err
	}
	buffer, err := pending.LoadFromFile(cfg.PendingCachePath, time.Now())
	if err != nil {
		return nil, err
	}

	dedupe, err := buildDedupFilter(cfg)
	if err != nil {
		return nil, err
	}

	geo, err := buildGeocoder(cfg, loggers.General)
	if err != nil {
		return nil, err
	}

	channelKeys := make(map[string][]byte, len(cfg.Regions))
	for _, r := range cfg.Regions {
		key, err := meshtastic.DeriveChannelKey(r.ChannelPSK)
		if err != nil {
			return nil, err
		}
		channelKeys[r.Name] = key
	}

	rawCh := make(chan mqttfleet.Message, 4096)
	joinedCh := make(chan record.Reading, 1024)
	snapCh := make(chan struct{}, 1)

	corr := correlator.New(positions, buffer, joinedCh, snapCh, cfg.DataSource(), loggers.General, loggers.FutureTimestamps)
	fleet := mqttfleet.NewFleet(cfg.Regions, rawCh, loggers.General)

	writer, err := buildWriter(cfg)
	if err != nil {
		return nil, err
	}

	var republishClient mqtt.Client
	if cfg.OutputBrokerURL != "" {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(cfg.OutputBrokerURL)
		opts.SetClientID("wesense-ingester-republish")
		republishClient = mqtt.NewClient(opts)
		if token := republishClient.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
			return nil, token.Error()
		}
	}

	sk := sink.New(writer, republishClient, cfg.OutputTopicBase, loggers.General)

	app := &application{
		cfg:             cfg,
		loggers:         loggers,
		positions:       positions,
		buffer:          buffer,
		dedupe:          dedupe,
		geo:             geo,
		corr:            corr,
		fleet:           fleet,
		sink:            sk,
		republishClient: republishClient,
		rawCh:           rawCh,
		joinedCh:        joinedCh,
		snapCh:          snapCh,
		channelKeys:     channelKeys,
	}
	app.diag = diagnostics.New(app.statsSnapshot, app.configSnapshot, loggers.General)
	return app, nil
}

func buildDedupFilter(cfg *config.Config) (dedup.Filter, error) {
	if cfg.DedupRedisAddr == "" {
		return dedup.NewMemoryFilter(), nil
	}
	return dedup.NewRedisFilter(cfg.DedupRedisAddr)
}

func buildGeocoder(cfg *config.Config, logger *log.Logger) (*geocoder.Geocoder, error) {
	var gaz *geocoder.Gazetteer
	if cfg.GazetteerPath != "" {
		var err error
		gaz, err = geocoder.LoadGazetteer(cfg.GazetteerPath)
		if err != nil {
			logger.Printf("geocoder: gazetteer unavailable, falling back to online-only: %v", err)
			gaz = nil
		}
	}
	var online *geocoder.OnlineResolver
	if cfg.NominatimURL != "" {
		online = geocoder.NewOnlineResolver(cfg.NominatimURL, cfg.NominatimUserAgent)
	}
	return geocoder.Load(cfg.GeocodeCachePath, gaz, online, logger)
}

func buildWriter(cfg *config.Config) (sink.Writer, error) {
	if cfg.ClickHouseDSN == "" {
		return noopWriter{}, nil
	}
	return sink.NewClickHouseWriter(cfg.ClickHouseDSN, cfg.ClickHouseTable)
}

type noopWriter struct{}

func (noopWriter) WriteBatch(context.Context, []record.Enriched) error { return nil }

// run starts every long-lived goroutine and blocks until ctx is
// cancelled.
func (a *application) run(ctx context.Context) {
	go a.fleet.Run(ctx)
	go a.decodeLoop(ctx)
	go a.joinLoop(ctx)
	go a.geo.RunResolver(ctx)
	go a.sink.Run(ctx)
	go a.snapshotLoop(ctx)
	go a.statsLoop(ctx)
	go a.pendingSweepLoop(ctx)

	addr := a.cfg.DiagnosticsAddr
	go func() {
		if err := runDiagnosticsServer(ctx, addr, a.diag); err != nil {
			a.loggers.General.Printf("diagnostics server error: %v", err)
		}
	}()

	<-ctx.Done()
}

func (a *application) decodeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.rawCh:
			a.decodeOne(msg)
		}
	}
}

func (a *application) decodeOne(msg mqttfleet.Message) {
	env, err := meshtastic.DecodeServiceEnvelope(msg.Payload)
	if err != nil {
		a.loggers.DecryptFailures.Printf("region=%s decode error: %v", msg.Region, err)
		return
	}
	pkt := &env.Packet
	if pkt.Decoded == nil {
		key := a.channelKeys[msg.Region]
		if err := meshtastic.DecryptPacket(pkt, key); err != nil {
			a.loggers.DecryptFailures.Printf("region=%s node=%s decrypt error: %v", msg.Region, pkt.From.Hex(), err)
			return
		}
	}

	dup, err := a.dedupe.Seen(context.Background(), uint32(pkt.From), pkt.ID)
	if err != nil {
		a.loggers.General.Printf("dedup: %v", err)
	} else if dup {
		return
	}

	corMsg := correlator.Message{
		NodeID:     pkt.From,
		Region:     msg.Region,
		ReceivedAt: time.Now(),
	}

	switch pkt.Decoded.PortNum {
	case meshtastic.PortPosition:
		pos, err := meshtastic.DecodePosition(pkt.Decoded.Payload)
		if err != nil {
			a.loggers.DecryptFailures.Printf("region=%s node=%s position decode error: %v", msg.Region, pkt.From.Hex(), err)
			return
		}
		corMsg.Position = pos
	case meshtastic.PortNodeInfo:
		user, err := meshtastic.DecodeUser(pkt.Decoded.Payload)
		if err != nil {
			return
		}
		corMsg.User = user
	case meshtastic.PortTelemetry:
		tel, err := meshtastic.DecodeTelemetry(pkt.Decoded.Payload)
		if err != nil {
			return
		}
		corMsg.Telemetry = tel
	default:
		return
	}

	a.corr.Handle(corMsg)
}

func (a *application) joinLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-a.joinedCh:
			loc := a.geo.Resolve(r.Latitude, r.Longitude)
			enriched := record.Enriched{Reading: r, Country: loc.Country, Subdivision: loc.Subdivision}
			a.sink.Add(enriched)
			a.diag.Broadcast(enriched)
		}
	}
}

func (a *application) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(positioncache.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.snapshotAll()
		case <-a.snapCh:
			a.snapshotAll()
		}
	}
}

func (a *application) snapshotAll() {
	if err := a.positions.Snapshot(); err != nil {
		a.loggers.General.Printf("snapshot: position cache: %v", err)
	}
	if err := a.buffer.SaveToFile(a.cfg.PendingCachePath, time.Now()); err != nil {
		a.loggers.General.Printf("snapshot: pending buffer: %v", err)
	}
	if err := a.geo.Snapshot(); err != nil {
		a.loggers.General.Printf("snapshot: geocoder cache: %v", err)
	}
}

// pendingSweepLoop periodically drops pending readings whose node never
// received a position within the TTL, so memory doesn't grow unbounded
// for nodes that go silent after their first telemetry burst.
func (a *application) pendingSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(pending.TTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := a.buffer.Sweep(time.Now()); dropped > 0 {
				a.loggers.General.Printf("pending buffer: swept %d expired readings", dropped)
			}
		}
	}
}

func (a *application) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.loggers.General.Printf("stats: %+v", a.statsSnapshot())
		}
	}
}

func (a *application) statsSnapshot() map[string]any {
	regions := make([]map[string]any, 0, len(a.fleet.Subscribers()))
	for i, s := range a.fleet.Subscribers() {
		regions = append(regions, map[string]any{
			"region":    a.cfg.Regions[i].Name,
			"connected": s.Connected(),
			"received":  s.ReceivedCount(),
		})
	}
	return map[string]any{
		"regions":            regions,
		"positions_cached":   a.positions.Len(),
		"pending_nodes":      a.buffer.NodeCount(),
		"geocode_cache_size": a.geo.Len(),
		"sink":               a.sink.StatsSnapshot(),
	}
}

// configSnapshot reports the loaded config with credentials stripped, for
// operators inspecting a running process without reading its config file.
func (a *application) configSnapshot() map[string]any {
	regions := make([]map[string]any, 0, len(a.cfg.Regions))
	for _, r := range a.cfg.Regions {
		regions = append(regions, map[string]any{
			"name":          r.Name,
			"broker_url":    r.BrokerURL,
			"topic_pattern": r.TopicPattern,
			"untested":      r.Untested,
		})
	}
	return map[string]any{
		"regions":            regions,
		"output_topic_base":  a.cfg.OutputTopicBase,
		"clickhouse_table":   a.cfg.ClickHouseTable,
		"log_level":          a.cfg.LogLevel,
		"diagnostics_addr":   a.cfg.DiagnosticsAddr,
		"stats_interval":     a.cfg.StatsInterval.String(),
	}
}

func runDiagnosticsServer(ctx context.Context, addr string, diag *diagnostics.Server) error {
	srv := &http.Server{Addr: addr, Handler: diag.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// shutdown drains the pipeline and persists state, honoring ctx's
// deadline.
func (a *application) shutdown(ctx context.Context) {
	a.sink.Flush(ctx)
	a.snapshotAll()
	if a.republishClient != nil {
		a.republishClient.Disconnect(250)
	}
}
