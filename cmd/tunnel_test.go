// Copyright 2026 Google LLC
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

package cmd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"gsplat-trainer/pkg/config"
	"gsplat-trainer/pkg/orchestrator"
	"gsplat-trainer/pkg/orchestrator/kube"

	"golang.org/x/crypto/ssh"
	"k8s.io/client-go/kubernetes/fake"
)

// echoPort starts a TCP echo server and returns its port.
func echoPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

// sshEndpoint starts an SSH server that only accepts user/password and
// forwards direct-tcpip channels. It returns the server as an endpoint.
func sshEndpoint(t *testing.T, user, password string) orchestrator.Endpoint {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatal(err)
	}
	sc := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	sc.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go forwardChannels(c, sc)
		}
	}()

	ep, err := orchestrator.ParseEndpoint(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func forwardChannels(c net.Conn, sc *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(c, sc)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		var payload struct {
			DestAddr string
			DestPort uint32
			OrigAddr string
			OrigPort uint32
		}
		if newCh.ChannelType() != "direct-tcpip" || ssh.Unmarshal(newCh.ExtraData(), &payload) != nil {
			newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		dest, err := net.Dial("tcp", net.JoinHostPort(payload.DestAddr, strconv.Itoa(int(payload.DestPort))))
		if err != nil {
			newCh.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			dest.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)
		go func() {
			defer ch.Close()
			defer dest.Close()
			go io.Copy(dest, ch)
			io.Copy(ch, dest)
		}()
	}
}

func tunnelConfig(t *testing.T) *config.Config {
	c := config.Default()
	c.Image = "registry.example.com/gsplat:v1"
	c.Tunnel.RemotePort = echoPort(t)
	return c
}

func TestOpenTunnelOnDefaultPort(t *testing.T) {
	c := tunnelConfig(t)
	client := fake.NewSimpleClientset()
	coord := newCoordinator(c, kube.NewKubeOrchestrator(client, kube.Options{Namespace: c.Namespace}), client)

	tun, err := coord.OpenTunnel(context.Background(), sshEndpoint(t, "root", " "))
	if err != nil {
		t.Fatalf("OpenTunnel: %v", err)
	}
	if got := tun.LocalPort(); got != 9090 {
		t.Errorf("LocalPort() = %d, want 9090", got)
	}

	conn, err := net.Dial("tcp", "127.0.0.1:9090")
	if err != nil {
		tun.Stop()
		t.Fatalf("dial tunnel: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("splat")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "splat" {
		t.Errorf("read through tunnel = %q, %v", buf, err)
	}
	conn.Close()

	if err := tun.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:9090")
	if err != nil {
		t.Fatalf("port 9090 still bound after Stop: %v", err)
	}
	l.Close()
}

func TestOpenTunnelRejectedCredentials(t *testing.T) {
	c := tunnelConfig(t)
	client := fake.NewSimpleClientset()
	coord := newCoordinator(c, kube.NewKubeOrchestrator(client, kube.Options{Namespace: c.Namespace}), client)

	if tun, err := coord.OpenTunnel(context.Background(), sshEndpoint(t, "root", "secret")); err == nil {
		tun.Stop()
		t.Fatal("expected handshake failure with a different password")
	}
	l, err := net.Listen("tcp", "127.0.0.1:9090")
	if err != nil {
		t.Fatalf("port 9090 bound after failed handshake: %v", err)
	}
	l.Close()
}
