// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command nexusd is a demonstration bootstrap wiring a Runtime to the three
// reference protocol bindings: a plaintext echo listener in STARTTLS mode
// (its factory carries no TLS configuration, so a STARTTLS request is
// answered "OK" but the upgrade fails and the connection stays plaintext),
// a DNS responder over UDP and TCP that answers every query with an empty
// reply, and an HTTP bridge via chi.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi"
	miekgdns "github.com/miekg/dns"

	nexus "github.com/nexusreactor/nexus"
	"github.com/nexusreactor/nexus/logging"
	"github.com/nexusreactor/nexus/protocol/dns"
	"github.com/nexusreactor/nexus/protocol/echo"
	"github.com/nexusreactor/nexus/protocol/httpbridge"
	"github.com/nexusreactor/nexus/transport"
)

func main() {
	echoPort := flag.Int("echo-port", 7007, "plaintext echo listener port")
	httpPort := flag.Int("http-port", 8080, "HTTP bridge listener port")
	dnsPort := flag.Int("dns-port", 8053, "DNS listener port (UDP+TCP)")
	logPath := flag.String("log-file", "", "log file path (empty = stderr)")
	flag.Parse()

	rt := nexus.New(nexus.WithLogging(logging.Config{
		Development: false,
		FilePath:    *logPath,
	}))

	rt.AddService(echoService(*echoPort))
	rt.AddService(dnsService(*dnsPort))
	rt.AddService(httpService(*httpPort))

	if err := rt.Start(); err != nil {
		os.Stderr.WriteString("nexusd: " + err.Error() + "\n")
		os.Exit(1)
	}
	rt.Join()
}

func echoService(port int) nexus.Service {
	return nexus.ServiceFunc{
		ServiceName: "echo",
		RunFunc: func(rt *nexus.Runtime) error {
			factory, err := transport.NewTransportFactory(transport.FactoryConfig{Secure: false})
			if err != nil {
				return err
			}
			cfg := transport.ListenerConfig{Port: port}
			_, err = rt.Listen(cfg, factory, echo.NewHandlerFactory(echo.ModeSTARTTLS, logging.L()))
			return err
		},
	}
}

func dnsService(port int) nexus.Service {
	resolver := dns.ResolverFunc(func(req *miekgdns.Msg) *miekgdns.Msg {
		resp := new(miekgdns.Msg)
		resp.SetReply(req)
		return resp
	})
	return nexus.ServiceFunc{
		ServiceName: "dns",
		RunFunc: func(rt *nexus.Runtime) error {
			factory, err := transport.NewTransportFactory(transport.FactoryConfig{Secure: false})
			if err != nil {
				return err
			}
			cfg := transport.ListenerConfig{Port: port}
			if _, err := rt.Listen(cfg, factory, dns.NewStreamHandlerFactory(resolver, logging.L())); err != nil {
				return err
			}
			addr := net.JoinHostPort("", strconv.Itoa(port))
			udpHandler := dns.NewDatagramHandler(resolver, logging.L())
			if _, err := rt.BindDatagram(addr, udpHandler, 0, 0); err != nil {
				return err
			}
			return nil
		},
	}
}

func httpService(port int) nexus.Service {
	return nexus.ServiceFunc{
		ServiceName: "http",
		RunFunc: func(rt *nexus.Runtime) error {
			router := chi.NewRouter()
			router.Get("/", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("nexus reactor online\n"))
			})

			addr := &net.TCPAddr{Port: port}
			listener, handlerFactory := httpbridge.NewListener(addr, 1024)

			factory, err := transport.NewTransportFactory(transport.FactoryConfig{Secure: false})
			if err != nil {
				return err
			}
			cfg := transport.ListenerConfig{Port: port}
			if _, err := rt.Listen(cfg, factory, handlerFactory); err != nil {
				return err
			}
			httpbridge.Serve(listener, router, logging.L())
			return nil
		},
	}
}
