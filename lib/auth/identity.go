// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package auth

import (
	"net"

	"github.com/gobwas/glob"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/speicher-dev/speicher/lib/config"
)

// An Identity is the authenticated principal for one request, carrying its
// permission rules. It lives for the duration of the request only.
type Identity struct {
	AccessKey string

	// Presigned is true when the request authenticated via a presigned
	// URL rather than an Authorization header. ACL checks still apply.
	Presigned bool

	rules []config.Permission
}

func newIdentity(cred *config.Credential, presigned bool) *Identity {
	return &Identity{
		AccessKey: cred.AccessKey,
		Presigned: presigned,
		rules:     cred.Permissions,
	}
}

// Allowed evaluates (action, resource) against the identity's rule list in
// order; the first rule matching both patterns grants access. No match
// means deny.
func (id *Identity) Allowed(action, resource string) bool {
	for _, rule := range id.rules {
		if matchPattern(rule.Action, action) && matchPattern(rule.Resource, resource) {
			return true
		}
	}
	l.Debugf("%s denied %s on %q", id.AccessKey, action, resource)
	return false
}

// Compiled patterns are cached process-wide; the rule set is small and
// stable across requests.
var patternCache = xsync.NewMapOf[string, glob.Glob]()

func matchPattern(pattern, value string) bool {
	g, ok := patternCache.Load(pattern)
	if !ok {
		var err error
		g, err = glob.Compile(pattern)
		if err != nil {
			l.Warnf("Invalid permission pattern %q: %v", pattern, err)
			return false
		}
		patternCache.Store(pattern, g)
	}
	return g.Match(value)
}

// CheckACL applies the bucket ACL to a remote address: public buckets
// admit anyone, otherwise the client IP must fall within one of the
// allowed CIDR ranges.
func CheckACL(acl config.ACLConfiguration, remoteIP net.IP) bool {
	if acl.Public {
		return true
	}
	for _, entry := range acl.AllowedIPs {
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			if ipnet.Contains(remoteIP) {
				return true
			}
			continue
		}
		if ip := net.ParseIP(entry); ip != nil && ip.Equal(remoteIP) {
			return true
		}
	}
	return false
}
