// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

// Package redis provides a session ledger hook backed by redis hash sets.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	redis "github.com/go-redis/redis/v8"
	"github.com/jinzhu/copier"

	"github.com/mochi-mqtt/transport"
	"github.com/mochi-mqtt/transport/hooks/storage"
	"github.com/mochi-mqtt/transport/system"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by mochi transport.
const defaultHPrefix = "mochi-"

// sessionKey returns a primary key for a session.
func sessionKey(id string) string {
	return id
}

// sysInfoKey returns a primary key for system info.
func sysInfoKey() string {
	return storage.SysInfoKey
}

// Options contains configuration settings for the redis instance.
type Options struct {
	HPrefix  string         `yaml:"h_prefix" json:"h_prefix"`
	Address  string         `yaml:"address" json:"address"`
	Username string         `yaml:"username" json:"username"`
	Password string         `yaml:"password" json:"password"`
	Database int            `yaml:"database" json:"database"`
	Options  *redis.Options `yaml:"-" json:"-"`
}

// Hook is a session ledger hook using Redis as a backend.
type Hook struct {
	transport.HookBase
	config *Options        // options for connecting to the Redis instance.
	db     *redis.Client   // the Redis instance
	ctx    context.Context // a context for the connection
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		transport.OnSessionPromoted,
		transport.OnDisconnect,
		transport.OnSysInfoTick,
		transport.StoredSessions,
	}, []byte{b})
}

// hKey returns a hash set key with a unique prefix.
func (h *Hook) hKey(s string) string {
	return h.config.HPrefix + s
}

// Init initializes and connects to the redis service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return transport.ErrInvalidConfigType
	}

	h.ctx = context.Background()

	h.config, _ = config.(*Options)
	if h.config == nil {
		h.config = new(Options)
	}
	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	if h.config.Options == nil {
		h.config.Options = &redis.Options{
			Addr:     h.config.Address,
			Username: h.config.Username,
			Password: h.config.Password,
			DB:       h.config.Database,
		}
	}

	if h.config.Options.Addr == "" {
		h.config.Options.Addr = defaultAddr
	}

	h.Log.Info("connecting to redis service",
		"address", h.config.Options.Addr,
		"username", h.config.Options.Username,
		"password-len", len(h.config.Options.Password),
		"db", h.config.Options.DB)

	h.db = redis.NewClient(h.config.Options)
	_, err := h.db.Ping(h.ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to redis service")

	return nil
}

// Stop closes the redis connection.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	h.Log.Info("disconnecting from redis service")
	err := h.db.Close()
	h.db = nil
	return err
}

// OnSessionPromoted adds a session to the store once it carries a client id.
func (h *Hook) OnSessionPromoted(sess *transport.Session, previousKey string) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in, err := sess.Record()
	if err != nil {
		h.Log.Error("failed to build session record", "error", err)
		return
	}

	err = h.db.HSet(h.ctx, h.hKey(storage.SessionKey), sessionKey(in.ID), &in).Err()
	if err != nil {
		h.Log.Error("failed to hset session data", "error", err, "data", in)
	}
}

// OnDisconnect removes a session from the store. An evicted session's key
// already belongs to the session which replaced it.
func (h *Hook) OnDisconnect(sess *transport.Session, reason transport.DisconnectReason, _ error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	if reason == transport.ReasonEvicted {
		return
	}

	err := h.db.HDel(h.ctx, h.hKey(storage.SessionKey), sessionKey(sess.Key())).Err()
	if err != nil {
		h.Log.Error("failed to delete session data", "error", err, "id", sess.Key())
	}
}

// OnSysInfoTick stores the latest system info in the store.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := new(storage.SystemInfo)
	_ = copier.Copy(in, sys)
	in.ID = sysInfoKey()
	in.T = storage.SysInfoKey

	err := h.db.HSet(h.ctx, h.hKey(storage.SysInfoKey), sysInfoKey(), in).Err()
	if err != nil {
		h.Log.Error("failed to hset sys info data", "error", err, "data", in)
	}
}

// StoredSessions returns all stored session records from the store.
func (h *Hook) StoredSessions() (v []storage.Session, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.SessionKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Error("failed to HGetAll session data", "error", err)
		return
	}

	for _, row := range rows {
		var d storage.Session
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal session data", "error", err, "data", row)
			continue
		}

		v = append(v, d)
	}

	return v, nil
}

// StoredSysInfo returns the last stored system info.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	row, err := h.db.HGet(h.ctx, h.hKey(storage.SysInfoKey), storage.SysInfoKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return
	}

	if err = v.UnmarshalBinary([]byte(row)); err != nil {
		h.Log.Error("failed to unmarshal sys info data", "error", err, "data", row)
	}

	return v, nil
}
