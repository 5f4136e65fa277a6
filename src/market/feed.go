package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"
)

type subscribe struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// WSFeed streams ticks into a PriceBook and reconnects with exponential backoff until
// its context ends.
type WSFeed struct {
	url         string
	symbols     []string
	book        *PriceBook
	wait        time.Duration
	maxBackoff  time.Duration
	readTimeout time.Duration
	dialer      *websocket.Dialer
}

func NewWSFeed(cfg Config, book *PriceBook) *WSFeed {
	return &WSFeed{
		url:         cfg.WSURL,
		symbols:     cfg.SymbolList(),
		book:        book,
		wait:        cfg.ReconnectWait,
		maxBackoff:  cfg.MaxBackoff,
		readTimeout: cfg.ReadTimeout,
		dialer:      websocket.DefaultDialer,
	}
}

// Run blocks until ctx is done.
func (f *WSFeed) Run(ctx context.Context) error {
	log := logger.WithFields(map[string]interface{}{"component": "market", "url": f.url})
	backoff := f.wait

	for {
		started := time.Now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > f.maxBackoff {
			backoff = f.wait
		}
		log.WithError(err).WithField("retry_in", backoff).Warn("Price feed disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
	}
}

func (f *WSFeed) session(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the context ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if len(f.symbols) > 0 {
		if err := conn.WriteJSON(subscribe{Op: "subscribe", Symbols: f.symbols}); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	for {
		if f.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ticks, err := DecodeTicks(msg)
		if err != nil {
			logger.WithField("component", "market").WithError(err).Debug("Dropping undecodable message")
			continue
		}
		for _, t := range ticks {
			f.book.Update(t)
		}
	}
}

// DecodeTicks accepts a single tick object or an array of them.
func DecodeTicks(msg []byte) ([]Tick, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return nil, nil
	}
	if msg[0] == '[' {
		var ticks []Tick
		err := json.Unmarshal(msg, &ticks)
		return ticks, err
	}
	var t Tick
	if err := json.Unmarshal(msg, &t); err != nil {
		return nil, err
	}
	return []Tick{t}, nil
}
