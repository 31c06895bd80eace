// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"sort"
	"sync"
)

// URL schemes understood by the engine.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeWS    = "ws"
	SchemeWSS   = "wss"
)

type channelFunc func() Channel

var (
	channelsMu sync.RWMutex
	channels   = map[string]channelFunc{}
)

// registerChannel binds a URL scheme to a channel constructor.
func registerChannel(scheme string, fn channelFunc) {
	channelsMu.Lock()
	defer channelsMu.Unlock()
	channels[scheme] = fn
}

func channelFor(scheme string) (channelFunc, bool) {
	channelsMu.RLock()
	defer channelsMu.RUnlock()
	fn, ok := channels[scheme]
	return fn, ok
}

// AvailableChannels returns the registered URL schemes, sorted.
func AvailableChannels() []string {
	channelsMu.RLock()
	defer channelsMu.RUnlock()
	result := make([]string, 0, len(channels))
	for scheme := range channels {
		result = append(result, scheme)
	}
	sort.Strings(result)
	return result
}

// HasChannel checks if a channel is registered for scheme
func HasChannel(scheme string) bool {
	_, ok := channelFor(scheme)
	return ok
}

func isSocketScheme(scheme string) bool {
	return scheme == SchemeWS || scheme == SchemeWSS
}

func isWebScheme(scheme string) bool {
	return scheme == SchemeHTTP || scheme == SchemeHTTPS
}
