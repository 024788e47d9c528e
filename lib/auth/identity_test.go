// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package auth

import (
	"net"
	"testing"

	"github.com/speicher-dev/speicher/lib/config"
)

func identWith(rules ...config.Permission) *Identity {
	return newIdentity(&config.Credential{
		AccessKey:   "AKID",
		Permissions: rules,
	}, false)
}

func TestAllowed(t *testing.T) {
	cases := []struct {
		rules    []config.Permission
		action   string
		resource string
		want     bool
	}{
		{[]config.Permission{{Action: "*", Resource: "*"}}, "PutObject", "bucket/key", true},
		{[]config.Permission{{Action: "GetObject", Resource: "*"}}, "GetObject", "bucket/key", true},
		{[]config.Permission{{Action: "GetObject", Resource: "*"}}, "PutObject", "bucket/key", false},
		{[]config.Permission{{Action: "Get*", Resource: "*"}}, "GetBucketLocation", "bucket", true},
		{[]config.Permission{{Action: "*", Resource: "bucket/*"}}, "GetObject", "bucket/a/b", true},
		{[]config.Permission{{Action: "*", Resource: "bucket/*"}}, "GetObject", "other/a", false},
		{[]config.Permission{{Action: "*", Resource: "bucket/public-*"}}, "GetObject", "bucket/public-img", true},
		{[]config.Permission{{Action: "*", Resource: "bucket/public-*"}}, "GetObject", "bucket/private", false},
		{nil, "GetObject", "bucket/key", false},
		// First match wins; later rules cannot broaden an earlier denial
		// because there are no deny rules, only absence of grants.
		{[]config.Permission{
			{Action: "ListBuckets", Resource: "*"},
			{Action: "*", Resource: "staging/*"},
		}, "DeleteObject", "staging/tmp", true},
		{[]config.Permission{
			{Action: "ListBuckets", Resource: "*"},
			{Action: "*", Resource: "staging/*"},
		}, "DeleteObject", "prod/tmp", false},
	}

	for i, tc := range cases {
		id := identWith(tc.rules...)
		if got := id.Allowed(tc.action, tc.resource); got != tc.want {
			t.Errorf("case %d: Allowed(%q, %q) = %v, want %v", i, tc.action, tc.resource, got, tc.want)
		}
	}
}

func TestAllowedInvalidPattern(t *testing.T) {
	// A malformed pattern never matches, it does not grant everything.
	id := identWith(config.Permission{Action: "[", Resource: "*"})
	if id.Allowed("GetObject", "bucket/key") {
		t.Error("invalid pattern should not match")
	}
}

func TestCheckACL(t *testing.T) {
	cases := []struct {
		acl  config.ACLConfiguration
		ip   string
		want bool
	}{
		{config.ACLConfiguration{Public: true}, "203.0.113.7", true},
		{config.ACLConfiguration{}, "203.0.113.7", false},
		{config.ACLConfiguration{AllowedIPs: []string{"203.0.113.0/24"}}, "203.0.113.7", true},
		{config.ACLConfiguration{AllowedIPs: []string{"203.0.113.0/24"}}, "198.51.100.1", false},
		{config.ACLConfiguration{AllowedIPs: []string{"198.51.100.1"}}, "198.51.100.1", true},
		{config.ACLConfiguration{AllowedIPs: []string{"2001:db8::/32"}}, "2001:db8::1", true},
		{config.ACLConfiguration{AllowedIPs: []string{"2001:db8::/32"}}, "2001:db9::1", false},
	}

	for i, tc := range cases {
		ip := net.ParseIP(tc.ip)
		if got := CheckACL(tc.acl, ip); got != tc.want {
			t.Errorf("case %d: CheckACL(%+v, %s) = %v, want %v", i, tc.acl, tc.ip, got, tc.want)
		}
	}
}
