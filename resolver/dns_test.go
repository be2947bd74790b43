// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resolver

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/net/dns/dnsmessage"
)

func TestDNSResolver(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	mixed := newFakeDNSResolver(t, []dnsmessage.Resource{
		aRecord("10.0.0.101"),
		aRecord("10.0.0.100"),
		aRecord("10.0.0.100"),
		aaaaRecord("fe80::1"),
	})

	addrs := NewDNSResolver(mixed).Resolve(ctx, "example.com")
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("10.0.0.100"),
		netip.MustParseAddr("10.0.0.101"),
		netip.MustParseAddr("fe80::1"),
	}, addrs)

	addrs = NewDNSResolver(mixed, WithNetwork("ip6")).Resolve(ctx, "example.com")
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("fe80::1")}, addrs)
}

func TestDNSResolverFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	core, logs := observer.New(zap.WarnLevel)
	empty := newFakeDNSResolver(t, nil)
	addrs := NewDNSResolver(empty, WithLogger(zap.New(core))).Resolve(ctx, "example.com")
	assert.Empty(t, addrs)
	assert.Equal(t, 1, logs.FilterMessage("dns lookup failed").Len())
}

func TestDNSResolverLiteral(t *testing.T) {
	t.Parallel()

	// Literals never reach the DNS server.
	res := NewDNSResolver(newFakeDNSResolver(t, nil))
	ctx := context.Background()
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, res.Resolve(ctx, "127.0.0.1"))
	// IPv4 embedded in IPv6 comes back as plain IPv4.
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, res.Resolve(ctx, "::ffff:127.0.0.1"))
}

func aRecord(ip string) dnsmessage.Resource {
	return dnsmessage.Resource{
		Header: dnsmessage.ResourceHeader{
			Name:  dnsmessage.MustNewName("example.com."),
			Type:  dnsmessage.TypeA,
			Class: dnsmessage.ClassINET,
		},
		Body: &dnsmessage.AResource{A: netip.MustParseAddr(ip).As4()},
	}
}

func aaaaRecord(ip string) dnsmessage.Resource {
	return dnsmessage.Resource{
		Header: dnsmessage.ResourceHeader{
			Name:  dnsmessage.MustNewName("example.com."),
			Type:  dnsmessage.TypeAAAA,
			Class: dnsmessage.ClassINET,
		},
		Body: &dnsmessage.AAAAResource{AAAA: netip.MustParseAddr(ip).As16()},
	}
}

// fakeDNSServer answers every query over an in-memory stream connection
// with the configured records of the queried type.
type fakeDNSServer struct {
	t       *testing.T
	answers []dnsmessage.Resource
}

func (r *fakeDNSServer) Dial(context.Context, string, string) (net.Conn, error) {
	clientConn, serverConn := net.Pipe()
	go r.serve(serverConn)
	return clientConn, nil
}

func (r *fakeDNSServer) serve(serverConn net.Conn) {
	defer func() {
		_ = serverConn.Close()
	}()
	var requestLength uint16
	if err := binary.Read(serverConn, binary.BigEndian, &requestLength); err != nil {
		r.t.Errorf("error reading dns request length: %v", err)
		return
	}
	requestData := make([]byte, requestLength)
	if _, err := io.ReadFull(serverConn, requestData); err != nil {
		r.t.Errorf("error reading dns request: %v", err)
		return
	}
	request := &dnsmessage.Message{}
	if err := request.Unpack(requestData); err != nil {
		r.t.Errorf("error unpacking dns request: %v", err)
		return
	}
	answers := []dnsmessage.Resource{}
	for _, answer := range r.answers {
		if answer.Header.Type == request.Questions[0].Type {
			answers = append(answers, answer)
		}
	}
	response := &dnsmessage.Message{
		Header: dnsmessage.Header{
			ID:            request.ID,
			Response:      true,
			RCode:         dnsmessage.RCodeSuccess,
			Authoritative: true,
		},
		Questions: request.Questions,
		Answers:   answers,
	}
	responseData, err := response.Pack()
	if err != nil {
		r.t.Errorf("error packing dns response: %v", err)
		return
	}
	responseLength := uint16(len(responseData)) //nolint:gosec // tiny test messages
	if err := binary.Write(serverConn, binary.BigEndian, &responseLength); err != nil {
		r.t.Errorf("error writing dns response length: %v", err)
		return
	}
	if _, err := serverConn.Write(responseData); err != nil {
		r.t.Errorf("error writing dns response: %v", err)
	}
}

func newFakeDNSResolver(t *testing.T, answers []dnsmessage.Resource) *net.Resolver {
	t.Helper()

	server := &fakeDNSServer{
		t:       t,
		answers: answers,
	}
	return &net.Resolver{
		PreferGo: true,
		Dial:     server.Dial,
	}
}
