// Package config holds the MeshClient configuration record (§6 of the
// spec's public API) and its default values.
package config

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.p2p/internal/logx"
)

// Options configures a MeshClient's signaling transport and WebRTC
// behavior. The zero value is not valid on its own — use DefaultOptions()
// and override individual fields.
type Options struct {
	Host           string
	Port           int
	Path           string
	Key            string
	Secure         bool
	Token          string
	ICEServers     []webrtc.ICEServer
	Debug          bool
	PingInterval   time.Duration
	ReferrerPolicy string
	LogFunc        logx.Func
}

// DefaultOptions returns the module-level default configuration record.
// Modeled as an immutable value rather than a package global per the
// spec's §9 note on util.defaultConfig/Supports being singletons in the
// source.
func DefaultOptions() Options {
	return Options{
		Host:         "0.peerjs.com",
		Port:         443,
		Path:         "/",
		Key:          "peerjs",
		Secure:       true,
		PingInterval: 5 * time.Second,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
	}
}

// WithDefaults returns a copy of o with zero-valued fields filled in from
// DefaultOptions().
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.Host == "" {
		o.Host = d.Host
	}
	if o.Port == 0 {
		o.Port = d.Port
	}
	if o.Path == "" {
		o.Path = d.Path
	}
	if o.Key == "" {
		o.Key = d.Key
	}
	if o.PingInterval == 0 {
		o.PingInterval = d.PingInterval
	}
	if len(o.ICEServers) == 0 {
		o.ICEServers = d.ICEServers
	}
	return o
}

// ConnectOptions configures a single MeshClient.Connect call (§6).
type ConnectOptions struct {
	Label         string // "reliable" (default) or "realtime"
	Metadata      []byte
	Serialization string // "raw", "json", or "binary"
	Reliable      *bool  // nil => derive from Label
}

// SendOptions configures MeshClient.Broadcast / RemoteNode.Send (§4.1, §4.2).
type SendOptions struct {
	Reliable *bool // nil => use the node's default (reliable) channel
}
