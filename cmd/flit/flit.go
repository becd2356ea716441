// Program flit runs a flit messaging server or a demo client against one.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/creachadair/flit"
	"github.com/creachadair/flit/observe"
	"github.com/creachadair/flit/processor"
	"github.com/creachadair/flit/transport"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "A reliable, ordered, multi-client messaging server over UDP.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Usage:    "[-config file]",
				Help:     "Run a messaging server.",
				SetFlags: command.Flags(flax.MustBind, &serveArgs),
				Run:      runServe,
			},
			{
				Name:     "ping",
				Usage:    "[-server addr] [-id n] <message>...",
				Help:     "Connect to a server and send it each argument as a message.",
				SetFlags: command.Flags(flax.MustBind, &pingArgs),
				Run:      runPing,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// settings is the YAML layout of the server configuration file.
// All fields are optional.
type settings struct {
	Listen          string   `yaml:"listen"`
	MaxPacketSize   int      `yaml:"max_packet_size"`
	AutoSplit       bool     `yaml:"auto_split"`
	QueueDelayMS    int      `yaml:"queue_delay_ms"`
	KeepAliveMS     int      `yaml:"keep_alive_ms"`
	TimeoutMS       int      `yaml:"timeout_ms"`
	ConnectWindowMS int      `yaml:"connect_window_ms"`
	ExpectedClients []uint32 `yaml:"expected_clients"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	Journal         string   `yaml:"journal"`
	LogLevel        string   `yaml:"log_level"`
}

func loadSettings(path string) (*settings, error) {
	s := &settings{Listen: ":4400", AutoSplit: true, LogLevel: "info"}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

func newLogger(level string) (*zap.Logger, error) {
	var lv zapcore.Level
	if err := lv.Set(level); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lv)
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

var serveArgs struct {
	Config string `flag:"config,Path to the YAML configuration file"`
	Tick   int    `flag:"tick,default=5,Processing tick interval in milliseconds"`
}

func runServe(env *command.Env) error {
	s, err := loadSettings(serveArgs.Config)
	if err != nil {
		return err
	}
	log, err := newLogger(s.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.String("session", uuid.NewString()))

	udp := transport.NewUDP(s.Listen, "", log)

	seq := processor.NewSequencePolicy()
	ack := processor.NewAckPolicy(processor.AckOptions{Log: log})
	lopts := processor.LogOptions{Log: log}
	if s.Journal != "" {
		store, err := processor.OpenSQLiteStore(s.Journal)
		if err != nil {
			return err
		}
		defer store.Close()
		lopts.Store = store
	}
	mlog := processor.NewMessageLog(lopts)
	asm := processor.NewAssembler(udp, log)

	cfg := flit.Config{
		MaxPacketSize:     s.MaxPacketSize,
		AutoSplit:         s.AutoSplit,
		QueueDelay:        time.Duration(s.QueueDelayMS) * time.Millisecond,
		KeepAliveInterval: time.Duration(s.KeepAliveMS) * time.Millisecond,
		Timeout:           time.Duration(s.TimeoutMS) * time.Millisecond,
		ConnectWindow:     time.Duration(s.ConnectWindowMS) * time.Millisecond,
		Expected:          mapset.New(s.ExpectedClients...),
		Transport:         udp,
		Log:               log,
		SendPost:          []flit.Processor{mlog.AfterSend, ack.AfterSend, observe.CountSent},
		RecvPre:           []flit.Processor{observe.CountReceived, mlog.BeforeReceive, seq.BeforeReceive, ack.BeforeReceive},
		Tickers:           []flit.Ticker{ack},
		Hooks:             []flit.ServerHooks{observe.Hooks{}},
		Receive: func(m *flit.Message) {
			log.Info("application message", zap.Stringer("msg", m))
		},
	}
	srv := flit.NewServer(cfg)
	ack.Attach(srv.Peer)
	asm.Attach(srv.Peer)

	if err := srv.Start(); err != nil {
		return err
	}
	log.Info("server listening", zap.Stringer("addr", udp.LocalAddr()))

	g := taskgroup.New(nil)
	var msrv *http.Server
	if s.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observe.Handler())
		msrv = &http.Server{Addr: s.MetricsAddr, Handler: mux}
		g.Go(func() error {
			if err := msrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		log.Info("metrics listening", zap.String("addr", s.MetricsAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tick := time.NewTicker(time.Duration(max(serveArgs.Tick, 1)) * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
			srv.Stop()
			if msrv != nil {
				msrv.Close()
			}
			return g.Wait()
		case <-tick.C:
			srv.Process()
		}
	}
}

var pingArgs struct {
	Server string `flag:"server,default=localhost:4400,Server address"`
	ID     uint   `flag:"id,default=1,Client ID"`
	Tick   int    `flag:"tick,default=5,Processing tick interval in milliseconds"`
	Wait   int    `flag:"wait,default=3000,How long to linger for replies, in milliseconds"`
}

func runPing(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing message arguments")
	}
	log, err := newLogger("info")
	if err != nil {
		return err
	}
	defer log.Sync()

	udp := transport.NewUDP(":0", pingArgs.Server, log)
	seq := processor.NewSequencePolicy()
	ack := processor.NewAckPolicy(processor.AckOptions{Log: log})

	cfg := flit.Config{
		LocalID:   uint32(pingArgs.ID),
		AutoSplit: true,
		Transport: udp,
		Log:       log,
		SendPost:  []flit.Processor{ack.AfterSend},
		RecvPre:   []flit.Processor{seq.BeforeReceive, ack.BeforeReceive},
		Tickers:   []flit.Ticker{ack},
		Receive: func(m *flit.Message) {
			fmt.Printf("recv %v: %s\n", m.Kind, m.Data)
		},
	}
	p := flit.NewPeer(cfg)
	ack.Attach(p)
	processor.NewAssembler(udp, log).Attach(p)

	if err := p.Start(); err != nil {
		return err
	}
	defer p.Stop()

	if err := p.Send(flit.Connect(uint32(pingArgs.ID))); err != nil {
		return err
	}
	for _, arg := range env.Args {
		p.Enqueue(flit.NewData([]byte(arg), flit.Acked))
	}

	deadline := time.Now().Add(time.Duration(pingArgs.Wait) * time.Millisecond)
	tick := time.NewTicker(time.Duration(max(pingArgs.Tick, 1)) * time.Millisecond)
	defer tick.Stop()
	for range tick.C {
		p.Process()
		if time.Now().After(deadline) {
			break
		}
		if p.QueueLen() == 0 && ack.Pending() == 0 {
			break
		}
	}
	return nil
}
