// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking provides utilities for validating endpoint URLs.
package networking

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	// HttpScheme is the plain HTTP scheme.
	HttpScheme = "http"
	// HttpsScheme is the HTTPS scheme.
	HttpsScheme = "https"
)

// IsURL reports whether the string parses as an absolute http(s) URL.
func IsURL(s string) bool {
	parsed, err := url.Parse(s)
	if err != nil {
		return false
	}
	if parsed.Scheme != HttpScheme && parsed.Scheme != HttpsScheme {
		return false
	}
	return parsed.Host != ""
}

// IsLocalhost reports whether the host (optionally including a port) refers
// to the local machine: "localhost", "127.0.0.1", or "[::1]".
func IsLocalhost(host string) bool {
	if host == "" {
		return false
	}

	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	} else {
		// No port; strip IPv6 brackets if present.
		hostname = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}

	if strings.EqualFold(hostname, "localhost") {
		return true
	}

	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

// ValidateEndpointURL checks that the endpoint is an absolute URL using
// HTTPS, or plain HTTP when the host is localhost (development/testing).
func ValidateEndpointURL(endpoint string) error {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("malformed URL %q: %w", endpoint, err)
	}

	if parsed.Host == "" {
		return fmt.Errorf("URL %q has no host", endpoint)
	}

	switch parsed.Scheme {
	case HttpsScheme:
		return nil
	case HttpScheme:
		if IsLocalhost(parsed.Host) {
			return nil
		}
		return fmt.Errorf("URL %q must use HTTPS for non-localhost hosts", endpoint)
	default:
		return fmt.Errorf("URL %q has unsupported scheme %q", endpoint, parsed.Scheme)
	}
}
