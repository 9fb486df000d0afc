// Package main is a small subscriber CLI for eyeballing the live kline
// feed: it connects to a klined instance, subscribes to one pair and
// prints every update.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dex-kline-feed/internal/broadcast"
	"dex-kline-feed/internal/domain"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	url := flag.String("url", "ws://localhost:8080/kline-ws", "Feed WebSocket URL")
	network := flag.String("network", "", "Network id to subscribe (required)")
	pair := flag.String("pair", "", "Pair address to subscribe (required)")
	intervalsStr := flag.String("intervals", "1m", "Comma-separated intervals (30s,1m,15m)")
	flag.Parse()

	if *network == "" || *pair == "" {
		fmt.Fprintln(os.Stderr, "klinecat: -network and -pair are required")
		flag.Usage()
		os.Exit(2)
	}

	var intervals []string
	for _, raw := range strings.Split(*intervalsStr, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, err := domain.ParseInterval(raw); err != nil {
			logger.Fatal().Err(err).Msg("bad interval")
		}
		intervals = append(intervals, raw)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatal().Err(err).Str("url", *url).Msg("connect failed")
	}
	defer conn.Close()
	logger.Info().Str("url", *url).Msg("connected")

	sub, _ := json.Marshal(broadcast.SubscriptionRequest{
		Network:     *network,
		PairAddress: *pair,
		Intervals:   intervals,
	})
	if err := conn.WriteJSON(broadcast.Frame{
		Type:      broadcast.TypeSubscribe,
		Data:      sub,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		logger.Fatal().Err(err).Msg("subscribe failed")
	}
	logger.Info().Str("network", *network).Str("pair", *pair).Strs("intervals", intervals).Msg("subscribed")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var frame broadcast.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			logger.Info().Err(err).Msg("stream closed")
			return
		}
		switch frame.Type {
		case broadcast.TypeKlineUpdate:
			var upd broadcast.KlineUpdate
			if err := json.Unmarshal(frame.Data, &upd); err != nil {
				logger.Warn().Err(err).Msg("bad kline_update payload")
				continue
			}
			printUpdate(upd)
		case broadcast.TypeError:
			var ed broadcast.ErrorData
			_ = json.Unmarshal(frame.Data, &ed)
			logger.Error().Str("code", ed.Code).Str("message", ed.Message).Msg("server error")
		case broadcast.TypePong:
			// keepalive reply, nothing to print
		default:
			logger.Debug().Str("type", frame.Type).Msg("frame")
		}
	}
}

func printUpdate(upd broadcast.KlineUpdate) {
	for _, k := range upd.Klines {
		state := "open"
		if k.IsComplete {
			state = "done"
		}
		fmt.Printf("[%s %s %s @ %d] O=%s H=%s L=%s C=%s V=%s n=%d %s\n",
			upd.Network, upd.PairAddress, k.Interval, k.PeriodStartMillis,
			k.Open, k.High, k.Low, k.Close, k.Volume, k.TradeCount, state)
	}
}
