/*
Copyright 2025 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package util holds helpers shared by the cloud drivers: IP
// classification, jittered intervals and a preconfigured HTTP client.
package util

import (
	"net"
	"sort"
)

// IsPrivateIP reports whether addr parses as an RFC 1918 / RFC 4193 /
// link-local address. Unparseable strings are treated as private so they
// never leak into a machine's public address list.
func IsPrivateIP(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return true
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// ClassifyIPs splits addrs into public and private lists, dropping
// duplicates and empty strings. Order within each list is stable.
func ClassifyIPs(addrs []string) (public, private []string) {
	seen := map[string]bool{}
	for _, a := range addrs {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		if IsPrivateIP(a) {
			private = append(private, a)
		} else {
			public = append(public, a)
		}
	}
	return public, private
}

// SortedKeys returns the keys of m in lexical order. Drivers use it to
// build deterministic tag lists for providers that take ordered slices.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
