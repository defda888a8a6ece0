// Command netcode-demo runs a minimal game server exposing the native UDP
// netcode transport, for exercising the handshake/packet state machine and
// connect-token minting end to end.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/r2northstar/netcode/pkg/connectmeta"
	"github.com/r2northstar/netcode/pkg/netcode"
	"github.com/r2northstar/netcode/pkg/socket"
	"github.com/r2northstar/netcode/pkg/socket/udp"
	"github.com/r2northstar/netcode/pkg/transport"
)

var opt struct {
	Help        bool
	MetricsAddr string
	LogPretty   bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.MetricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (empty disables it)")
	pflag.BoolVar(&opt.LogPretty, "log-pretty", true, "Use pretty console logging")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	var cw io.Writer = os.Stderr
	if opt.LogPretty {
		cw = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	log := zerolog.New(cw).With().Timestamp().Logger()

	var c connectmeta.GameServerSetupConfig
	if err := c.UnmarshalEnv(e); err != nil {
		log.Fatal().Err(err).Msg("parse config")
	}

	var privateKey [netcode.KeyBytes]byte
	if _, err := rand.Read(privateKey[:]); err != nil {
		log.Fatal().Err(err).Msg("generate private key")
	}

	nativeAddr, err := netip.ParseAddrPort(c.ServerIP + ":" + strconv.Itoa(int(c.NativePort)))
	if err != nil {
		log.Fatal().Err(err).Msg("parse native bind address")
	}

	sock, err := udp.Listen(nativeAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("bind native udp socket")
	}
	defer sock.Close()

	localPort := sock.LocalAddresses()[0].Port()
	publicAddr, err := c.NativeAddress(localPort)
	if err != nil {
		log.Fatal().Err(err).Msg("resolve public native address")
	}

	log.Info().Stringer("bind", sock.LocalAddresses()[0]).Stringer("public", publicAddr).Msg("netcode-demo: listening")

	nc := netcode.NewServer(netcode.ServerConfig{
		ProtocolID: c.ProtocolID,
		PrivateKey: privateKey,
		MaxClients: netcode.MaxClients,
		Sockets: []netcode.ServerSocketConfig{
			{NeedsEncryption: sock.NeedsEncryption(), PublicAddresses: []netip.AddrPort{publicAddr}},
		},
		Secure: true,
		Log:    log.With().Str("component", "netcode").Logger(),
	})

	tr := transport.New(transport.Config{
		Netcode: nc,
		Sockets: []socket.Socket{sock},
		Log:     log.With().Str("component", "transport").Logger(),
	})

	metas := &connectmeta.ConnectMetas{
		Native: connectmeta.NewConnectMetaNative(c.ProtocolID, c.ExpireSecs, c.TimeoutSecs, 0, privateKey, []netip.AddrPort{publicAddr}),
	}

	if opt.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			nc.Metrics().WritePrometheus(w)
			tr.Metrics().WritePrometheus(w)
		})
		mux.HandleFunc("/connect-token", func(w http.ResponseWriter, r *http.Request) {
			clientID, err := strconv.ParseUint(r.URL.Query().Get("client_id"), 10, 64)
			if err != nil {
				http.Error(w, "bad or missing client_id", http.StatusBadRequest)
				return
			}
			tok, err := metas.NewConnectToken(uint64(time.Now().Unix()), clientID, connectmeta.ConnectionTypeNative, nil)
			if err != nil {
				log.Error().Err(err).Uint64("client_id", clientID).Msg("mint connect token failed")
				http.Error(w, "mint connect token failed", http.StatusInternalServerError)
				return
			}
			b, err := tok.MarshalBinary()
			if err != nil {
				http.Error(w, "encode connect token failed", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(b)
		})
		go func() {
			if err := http.ListenAndServe(opt.MetricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server exited")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("netcode-demo: shutting down")
			return
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now

			tr.Tick(dt)

			for {
				ev, ok := tr.Recv()
				if !ok {
					break
				}
				switch ev.Kind {
				case transport.EventClientConnected:
					log.Info().Uint64("client_id", ev.ClientID).Msg("client connected")
				case transport.EventClientDisconnected:
					log.Info().Uint64("client_id", ev.ClientID).Stringer("reason", ev.Reason).Msg("client disconnected")
				}
			}

			for {
				p, ok := tr.RecvPayload()
				if !ok {
					break
				}
				log.Debug().Uint64("client_id", p.ClientID).Int("bytes", len(p.Data)).Msg("payload received")
				if err := tr.Send(p.ClientID, p.Data); err != nil {
					log.Debug().Err(err).Uint64("client_id", p.ClientID).Msg("echo failed")
				}
			}
		}
	}
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
