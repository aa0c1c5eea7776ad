// Package mqttfleet manages one MQTT subscription per configured region,
// each with its own reconnect backoff and message counters, following the
// TCP-connection-with-retry idiom collector/history.go uses for its
// ingester link (there hand-rolled over raw TCP; here delegated to
// paho.mqtt.golang, which owns the wire protocol).
package mqttfleet

import (
	"context"
	"crypto/tls"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wesense-earth/wesense-ingester-meshtastic/config"
)

// BackoffBase and BackoffCap bound the exponential reconnect delay.
const (
	BackoffBase = 1 * time.Second
	BackoffCap  = 60 * time.Second
)

// Message is a raw payload received from one region's broker.
type Message struct {
	Region string
	Topic  string
	Payload []byte
}

// Subscriber owns one region's MQTT connection.
type Subscriber struct {
	region config.Region
	out    chan<- Message
	logger *log.Logger

	received  atomic.Uint64
	connected atomic.Bool

	client mqtt.Client
}

// NewSubscriber builds (but does not connect) a subscriber for region.
func NewSubscriber(region config.Region, out chan<- Message, logger *log.Logger) *Subscriber {
	return &Subscriber{region: region, out: out, logger: logger}
}

// Run connects and subscribes, retrying failed attempts with exponential
// backoff and full jitter, then holds the subscription until ctx is
// cancelled. Once connected it does not watch the connection: a later
// connection loss is neither detected nor recovered from, and Connected
// keeps reporting true.
func (s *Subscriber) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connectAndSubscribe(ctx); err != nil {
			s.connected.Store(false)
			delay := backoffDelay(attempt)
			if s.logger != nil {
				s.logger.Printf("mqttfleet[%s]: connect failed: %v, retrying in %s", s.region.Name, err, delay)
			}
			attempt++
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		attempt = 0
		<-ctx.Done()
		s.client.Disconnect(250)
		return
	}
}

func (s *Subscriber) connectAndSubscribe(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.region.BrokerURL)
	opts.SetClientID("wesense-ingester-" + s.region.Name)
	opts.SetCleanSession(true) // no client-side persistent queue, per spec
	if s.region.Username != "" {
		opts.SetUsername(s.region.Username)
		opts.SetPassword(s.region.Password)
	}
	opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	opts.SetAutoReconnect(false) // backoff is handled by Run, not paho

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return context.DeadlineExceeded
	}
	if err := token.Error(); err != nil {
		return err
	}

	s.client = client
	s.connected.Store(true)

	subToken := client.Subscribe(s.region.TopicPattern, 0, s.handleMessage) // QoS 0, per spec
	if !subToken.WaitTimeout(10 * time.Second) {
		return context.DeadlineExceeded
	}
	return subToken.Error()
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.received.Add(1)
	payload := append([]byte(nil), msg.Payload()...)
	select {
	case s.out <- Message{Region: s.region.Name, Topic: msg.Topic(), Payload: payload}:
	default:
		if s.logger != nil {
			s.logger.Printf("mqttfleet[%s]: decode queue full, dropping message", s.region.Name)
		}
	}
}

// ReceivedCount returns the number of messages received since startup.
func (s *Subscriber) ReceivedCount() uint64 { return s.received.Load() }

// Connected reports whether the subscriber currently holds a live
// connection.
func (s *Subscriber) Connected() bool { return s.connected.Load() }

func backoffDelay(attempt int) time.Duration {
	d := BackoffBase * time.Duration(1<<uint(attempt))
	if d > BackoffCap || d <= 0 {
		d = BackoffCap
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// Fleet runs one Subscriber per configured region.
type Fleet struct {
	subscribers []*Subscriber
}

// NewFleet builds a subscriber for every region in regions.
func NewFleet(regions []config.Region, out chan<- Message, logger *log.Logger) *Fleet {
	f := &Fleet{}
	for _, r := range regions {
		f.subscribers = append(f.subscribers, NewSubscriber(r, out, logger))
	}
	return f
}

// Run starts every subscriber and blocks until ctx is cancelled.
func (f *Fleet) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range f.subscribers {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			s.Run(ctx)
		}(s)
	}
	wg.Wait()
}

// Subscribers exposes the underlying subscribers for stats reporting.
func (f *Fleet) Subscribers() []*Subscriber { return f.subscribers }
