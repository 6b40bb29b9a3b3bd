package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/threatexpert/paqet/apps"
	"github.com/threatexpert/paqet/misc"
	"github.com/threatexpert/paqet/netx"
	"github.com/threatexpert/paqet/protocol"
	"github.com/threatexpert/paqet/transport"
	"github.com/threatexpert/paqet/tunnel"
)

var (
	// 定义命令行参数
	configFile    = flag.String("c", "", "ini config file; command line flags override it")
	transportName = flag.String("transport", "tcp", "transport: "+strings.Join(transport.Names, "|"))
	psk           = flag.String("key", "", "preshared key for kcpmux")
	compress      = flag.Bool("compress", false, "s2 compression on smux/yamux/kcpmux")
	keepAlive     = flag.Duration("keepalive", 0, "transport keepalive interval, 0 keeps the default")
	dialTimeout   = flag.Duration("dial-timeout", 10*time.Second, "timeout for opening a tunnel to the server")
	verbose       = flag.Bool("v", false, "verbose (debug) logging")
	quiet         = flag.Bool("q", false, "suppress informational logging")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  paqet [global flags] socks   [options] <listen> <server>
  paqet [global flags] forward [options] <tcp|udp> <listen> <target> <server>
  paqet [global flags] server  [options] <listen>
  paqet [global flags] ping    [options] <server>

Global flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	opts, err := transportOptions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	misc.SetVerbose(*verbose)
	misc.SetQuiet(*quiet)

	tr, err := transport.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "socks":
		err = runSocks(ctx, tr, args[1:])
	case "forward":
		err = runForward(ctx, tr, args[1:])
	case "server":
		err = runServer(ctx, tr, args[1:])
	case "ping":
		err = runPing(ctx, tr, args[1:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
}

// transportOptions merges defaults, the ini file and explicitly set flags,
// in that order.
func transportOptions() (transport.Options, error) {
	opts := transport.DefaultOptions()
	if *configFile != "" {
		fc, err := apps.LoadFileConfig(*configFile, opts)
		if err != nil {
			return opts, err
		}
		opts = fc.Transport
		if fc.Verbose {
			*verbose = true
		}
		if fc.Quiet {
			*quiet = true
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "transport":
			opts.Name = *transportName
		case "key":
			opts.Key = *psk
		case "compress":
			opts.Compress = *compress
		case "keepalive":
			opts.KeepAlive = *keepAlive
		}
	})
	return opts, nil
}

// timeoutDialer bounds every tunnel dial by -dial-timeout.
type timeoutDialer struct {
	tr      transport.Transport
	timeout time.Duration
}

func (d timeoutDialer) Dial(ctx context.Context, addr netx.Address) (transport.Conn, error) {
	if d.timeout <= 0 {
		return d.tr.Dial(ctx, addr)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.tr.Dial(ctx, addr)
}

func newClient(tr transport.Transport, server netx.Address, hints []protocol.TCPFlags) *tunnel.Client {
	var seq *protocol.FlagSequence
	if len(hints) > 0 {
		seq = protocol.NewFlagSequence(hints...)
	}
	return tunnel.NewClient(timeoutDialer{tr, *dialTimeout}, server, seq)
}

func runSocks(ctx context.Context, tr transport.Transport, args []string) error {
	config, err := apps.AppSocksConfigByArgs(args)
	if err != nil {
		return err
	}
	lc := net.ListenConfig{Control: misc.ControlTCP}
	ln, err := lc.Listen(ctx, "tcp", config.Listen.String())
	if err != nil {
		return err
	}
	s := apps.NewSocks5Server(newClient(tr, config.Server, config.Hints), config)
	return s.Serve(ctx, ln)
}

func runForward(ctx context.Context, tr transport.Transport, args []string) error {
	config, err := apps.AppForwardConfigByArgs(args)
	if err != nil {
		return err
	}
	return apps.NewForwarder(newClient(tr, config.Server, config.Hints), config).Run(ctx)
}

func runServer(ctx context.Context, tr transport.Transport, args []string) error {
	config, err := apps.AppServerConfigByArgs(args)
	if err != nil {
		return err
	}
	return apps.NewServer(tr, config).Run(ctx)
}

func runPing(ctx context.Context, tr transport.Transport, args []string) error {
	config, err := apps.AppPingConfigByArgs(args)
	if err != nil {
		return err
	}
	log := misc.NewLogger("ping")
	d := timeoutDialer{tr, *dialTimeout}
	var failed int
	for i := 0; i < config.Count; i++ {
		if i > 0 {
			select {
			case <-time.After(config.Interval):
			case <-ctx.Done():
				return nil
			}
		}
		pctx, cancel := context.WithTimeout(ctx, config.Timeout)
		rtt, err := tunnel.Ping(pctx, d, config.Server)
		cancel()
		if err != nil {
			failed++
			log.Printf("%s via %s: %v", config.Server, tr.Name(), err)
			continue
		}
		log.Printf("%s via %s: rtt=%v", config.Server, tr.Name(), rtt.Round(time.Microsecond))
	}
	if failed == config.Count {
		return fmt.Errorf("%s unreachable", config.Server)
	}
	return nil
}
