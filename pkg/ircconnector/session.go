// Copyright 2024-2026 Aiku AI

package ircconnector

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
)

// ircSession is the part of an IRC client connection the connector uses.
// It is satisfied by *ircevent.Connection and replaced by a fake in tests.
type ircSession interface {
	Join(channel string) error
	Part(channel string) error
	Privmsg(target, text string) error
	CurrentNick() string
	Quit()
}

var _ ircSession = (*ircevent.Connection)(nil)

// sessionParams are the per-identity settings of a session.
type sessionParams struct {
	Nick     string
	Password string
}

// eventSink receives the IRC events of one session. attach is called before
// any other method.
type eventSink interface {
	attach(sess ircSession)
	handleRegistered()
	handlePrivmsg(source, target, text string)
	handleJoin(source, channel string)
	handlePart(source, channel string)
	handleNick(source, newNick string)
}

type dialFunc func(ctx context.Context, params sessionParams, sink eventSink) (ircSession, error)

// dialIRC opens an ircevent connection and blocks until the server has
// accepted the registration.
func (c *Connector) dialIRC(ctx context.Context, params sessionParams, sink eventSink) (ircSession, error) {
	cfg := c.Config
	conn := &ircevent.Connection{
		Server:        cfg.Server,
		Nick:          params.Nick,
		User:          params.Nick,
		RealName:      cfg.RealName,
		QuitMessage:   cfg.QuitMessage,
		UseTLS:        cfg.UseTLS,
		Timeout:       cfg.ConnectTimeout,
		KeepAlive:     cfg.KeepAlive,
		ReconnectFreq: cfg.ReconnectDelay,
		Log:           log.New(c.log.With().Str("nick", params.Nick).Logger(), "", 0),
	}
	if cfg.UseTLS {
		host, _, _ := net.SplitHostPort(cfg.Server)
		conn.TLSConfig = &tls.Config{ServerName: host, InsecureSkipVerify: cfg.TLSInsecure}
	}
	switch cfg.AuthMethod {
	case AuthSASL:
		conn.UseSASL = true
		conn.SASLLogin = params.Nick
		conn.SASLPassword = params.Password
	case AuthPass:
		conn.Password = params.Password
	}

	registered := make(chan struct{})
	var once sync.Once
	conn.AddConnectCallback(func(ircmsg.Message) {
		once.Do(func() { close(registered) })
		sink.handleRegistered()
	})
	conn.AddCallback("PRIVMSG", func(msg ircmsg.Message) {
		if len(msg.Params) >= 2 {
			sink.handlePrivmsg(msg.Source, msg.Params[0], msg.Params[1])
		}
	})
	conn.AddCallback("JOIN", func(msg ircmsg.Message) {
		if len(msg.Params) >= 1 {
			sink.handleJoin(msg.Source, msg.Params[0])
		}
	})
	conn.AddCallback("PART", func(msg ircmsg.Message) {
		if len(msg.Params) >= 1 {
			sink.handlePart(msg.Source, msg.Params[0])
		}
	})
	conn.AddCallback("NICK", func(msg ircmsg.Message) {
		if len(msg.Params) >= 1 {
			sink.handleNick(msg.Source, msg.Params[0])
		}
	})
	sink.attach(conn)

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Server, err)
	}
	go conn.Loop()
	select {
	case <-registered:
		return conn, nil
	case <-ctx.Done():
		conn.Quit()
		return nil, fmt.Errorf("registration with %s as %s did not complete: %w", cfg.Server, params.Nick, ctx.Err())
	}
}
