// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mochi-mqtt/transport"
	"github.com/mochi-mqtt/transport/config"
	"github.com/mochi-mqtt/transport/hooks/auth"
	"github.com/mochi-mqtt/transport/listeners"
	"github.com/mochi-mqtt/transport/packets"
)

func main() {
	configFile := flag.String("config", "", "path to a yaml or json config file")
	tcpAddr := flag.String("tcp", ":1883", "network address for TCP listener")
	wsAddr := flag.String("ws", ":1882", "network address for Websocket listener")
	infoAddr := flag.String("info", ":8080", "network address for web info dashboard listener")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	var opts *transport.Options
	if *configFile != "" {
		o, err := config.FromFile(*configFile)
		if err != nil {
			log.Fatal(err)
		}
		opts = o
	}

	w := transport.New(opts)
	if *configFile == "" {
		_ = w.AddHook(new(auth.AllowHook), nil)
		err := w.AddListenersFromConfig([]listeners.Config{
			{Type: listeners.TypeTCP, ID: "t1", Address: *tcpAddr},
			{Type: listeners.TypeWS, ID: "ws1", Address: *wsAddr},
			{Type: listeners.TypeSysInfo, ID: "stats", Address: *infoAddr},
		})
		if err != nil {
			log.Fatal(err)
		}
	}

	e := &edge{w: w, log: w.Log}
	w.OnMessageReceived(e.onMessage)
	w.OnClientTimeout(e.onTimeout)

	go func() {
		err := w.Serve()
		if err != nil {
			log.Fatal(err)
		}
	}()

	<-done
	w.Log.Warn("caught signal, stopping...")
	_ = w.Close()
	w.Log.Info("main.go finished")
}

// edge answers the handful of control packets needed to keep clients
// connected. Everything else is logged and dropped.
type edge struct {
	w   *transport.Worker
	log *slog.Logger
}

func (e *edge) onMessage(ev transport.MessageEvent) {
	if errors.Is(ev.Err, transport.ErrRejectPacket) {
		return
	}

	if ev.Err != nil {
		e.log.Warn("dropping client", "client", ev.ClientID, "error", ev.Err)
		e.w.Disconnect(ev.ClientID)
		return
	}

	switch pk := ev.Packet.(type) {
	case *packets.ConnectPacket:
		clientID := pk.ClientID
		if clientID == "" {
			clientID = ev.ClientID
		}

		// a zero keep-alive leaves the session under its connection token
		e.w.PromoteToClient(clientID, ev.ClientID, pk.Keepalive)
		if !e.w.IsConnected(clientID) {
			clientID = ev.ClientID
		}

		e.w.Write(clientID, &packets.ConnackPacket{
			FixedHeader:     packets.FixedHeader{Type: packets.Connack},
			ProtocolVersion: pk.ProtocolVersion,
		}, e.logWrite(clientID))
	case *packets.RawPacket:
		e.w.ResetKeepAlive(ev.ClientID)
		switch pk.Type {
		case packets.Pingreq:
			e.w.Write(ev.ClientID, &packets.RawPacket{
				FixedHeader: packets.FixedHeader{Type: packets.Pingresp},
			}, e.logWrite(ev.ClientID))
		case packets.Disconnect:
			e.w.Disconnect(ev.ClientID)
		}
	default:
		e.w.ResetKeepAlive(ev.ClientID)
		e.log.Debug("ignored packet", "client", ev.ClientID, "type", packets.TypeName(pk.PacketType()))
	}
}

func (e *edge) onTimeout(key string, reason transport.DisconnectReason) {
	e.log.Info("client gone", "client", key, "reason", reason.String())
}

func (e *edge) logWrite(id string) transport.WriteFn {
	return func(err error) {
		if err != nil {
			e.log.Warn("write failed", "client", id, "error", err)
		}
	}
}
