package apps

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"

	"github.com/threatexpert/paqet/misc"
	"github.com/threatexpert/paqet/netx"
	"github.com/threatexpert/paqet/protocol"
	"github.com/threatexpert/paqet/transport"
)

const DefaultHandshakeTimeout = 20 * time.Second

type AppSocksConfig struct {
	Listen           netx.Address
	Server           netx.Address
	HandshakeTimeout time.Duration
	EnableUDP        bool
	Hints            []protocol.TCPFlags // 为空则不发送 TcpFlags 提示
}

// AppSocksConfigByArgs 解析 socks 子命令参数: [options] <listen> <server>
func AppSocksConfigByArgs(args []string) (*AppSocksConfig, error) {
	config := &AppSocksConfig{}

	fs := flag.NewFlagSet("AppSocksConfig", flag.ContinueOnError)
	fs.DurationVar(&config.HandshakeTimeout, "handshake-timeout", DefaultHandshakeTimeout, "Deadline for the SOCKS5 greeting and request")
	fs.BoolVar(&config.EnableUDP, "udp", true, "Allow SOCKS5 UDP ASSOCIATE command")
	hints := fs.String("hint", "pa", `TCP flag hints sent ahead of CONNECT tunnels, comma separated presets (pa,a,s,sa,fa,r); "none" disables`)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: paqet socks [options] <listen> <server>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return nil, fmt.Errorf("socks: expected <listen> <server>, got %d arguments", fs.NArg())
	}

	var err error
	if config.Listen, err = netx.ParseAddress(fs.Arg(0)); err != nil {
		return nil, errors.WithMessage(err, "listen")
	}
	if config.Server, err = netx.ParseAddress(fs.Arg(1)); err != nil {
		return nil, errors.WithMessage(err, "server")
	}
	if *hints != "none" {
		if config.Hints, err = protocol.ParseFlagsList(*hints); err != nil {
			return nil, err
		}
	}
	return config, nil
}

type AppForwardConfig struct {
	Network string // tcp 或 udp
	Listen  netx.Address
	Target  netx.Address
	Server  netx.Address
	Hints   []protocol.TCPFlags
}

// AppForwardConfigByArgs 解析 forward 子命令参数: [options] <tcp|udp> <listen> <target> <server>
func AppForwardConfigByArgs(args []string) (*AppForwardConfig, error) {
	config := &AppForwardConfig{}

	fs := flag.NewFlagSet("AppForwardConfig", flag.ContinueOnError)
	hints := fs.String("hint", "none", "TCP flag hints sent ahead of tcp tunnels, comma separated presets")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: paqet forward [options] <tcp|udp> <listen> <target> <server>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 4 {
		fs.Usage()
		return nil, fmt.Errorf("forward: expected <tcp|udp> <listen> <target> <server>, got %d arguments", fs.NArg())
	}

	config.Network = fs.Arg(0)
	if config.Network != "tcp" && config.Network != "udp" {
		return nil, fmt.Errorf("forward: unknown network %q", config.Network)
	}
	var err error
	if config.Listen, err = netx.ParseAddress(fs.Arg(1)); err != nil {
		return nil, errors.WithMessage(err, "listen")
	}
	if config.Target, err = netx.ParseAddress(fs.Arg(2)); err != nil {
		return nil, errors.WithMessage(err, "target")
	}
	if config.Target.Host == "" {
		return nil, fmt.Errorf("forward: target host is empty")
	}
	if config.Server, err = netx.ParseAddress(fs.Arg(3)); err != nil {
		return nil, errors.WithMessage(err, "server")
	}
	if *hints != "none" {
		if config.Hints, err = protocol.ParseFlagsList(*hints); err != nil {
			return nil, err
		}
	}
	return config, nil
}

type AppServerConfig struct {
	Listen        netx.Address
	DialTimeout   time.Duration
	HeaderTimeout time.Duration
}

// AppServerConfigByArgs 解析 server 子命令参数: [options] <listen>
func AppServerConfigByArgs(args []string) (*AppServerConfig, error) {
	config := &AppServerConfig{}

	fs := flag.NewFlagSet("AppServerConfig", flag.ContinueOnError)
	fs.DurationVar(&config.DialTimeout, "dial-timeout", 10*time.Second, "Timeout for connecting to tunnel targets")
	fs.DurationVar(&config.HeaderTimeout, "header-timeout", DefaultHandshakeTimeout, "Deadline for reading a tunnel's headers, where the transport supports deadlines")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: paqet server [options] <listen>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, fmt.Errorf("server: expected <listen>, got %d arguments", fs.NArg())
	}
	var err error
	if config.Listen, err = netx.ParseAddress(fs.Arg(0)); err != nil {
		return nil, errors.WithMessage(err, "listen")
	}
	return config, nil
}

type AppPingConfig struct {
	Server   netx.Address
	Count    int
	Interval time.Duration
	Timeout  time.Duration
}

func AppPingConfigByArgs(args []string) (*AppPingConfig, error) {
	config := &AppPingConfig{}

	fs := flag.NewFlagSet("AppPingConfig", flag.ContinueOnError)
	fs.IntVar(&config.Count, "n", 1, "Number of probes")
	fs.DurationVar(&config.Interval, "i", time.Second, "Interval between probes")
	fs.DurationVar(&config.Timeout, "timeout", 5*time.Second, "Timeout of each probe")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: paqet ping [options] <server>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, fmt.Errorf("ping: expected <server>, got %d arguments", fs.NArg())
	}
	if config.Count < 1 {
		return nil, fmt.Errorf("ping: -n must be positive")
	}
	var err error
	if config.Server, err = netx.ParseAddress(fs.Arg(0)); err != nil {
		return nil, errors.WithMessage(err, "server")
	}
	return config, nil
}

// FileConfig is what an ini file may set. Command line flags override it.
type FileConfig struct {
	Transport transport.Options
	Verbose   bool
	Quiet     bool
}

// LoadFileConfig reads an ini file on top of base.
//
//	[transport]
//	name = quic
//	key = secret
//	compress = false
//	keepalive = 10s
//	idle-timeout = 30s
//	sockbuf = 4M
//
//	[kcp]
//	mode = fast2
//	mtu = 1350
//
//	[mux]
//	max-receive-buffer = 4M
//	max-stream-buffer = 2M
//
//	[log]
//	verbose = true
func LoadFileConfig(path string, base transport.Options) (*FileConfig, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}

	opts := base
	sec := f.Section("transport")
	opts.Name = sec.Key("name").MustString(opts.Name)
	opts.Key = sec.Key("key").MustString(opts.Key)
	opts.Compress = sec.Key("compress").MustBool(opts.Compress)
	opts.KeepAlive = sec.Key("keepalive").MustDuration(opts.KeepAlive)
	opts.IdleTimeout = sec.Key("idle-timeout").MustDuration(opts.IdleTimeout)
	if opts.SockBuf, err = sizeKey(sec, "sockbuf", opts.SockBuf); err != nil {
		return nil, err
	}

	sec = f.Section("quic")
	opts.IdleTimeout = sec.Key("idle-timeout").MustDuration(opts.IdleTimeout)
	opts.KeepAlive = sec.Key("keepalive").MustDuration(opts.KeepAlive)

	sec = f.Section("kcp")
	opts.KCP.Mode = sec.Key("mode").In(opts.KCP.Mode, []string{"normal", "fast", "fast2", "fast3"})
	opts.KCP.MTU = sec.Key("mtu").MustInt(opts.KCP.MTU)
	opts.KCP.SndWnd = sec.Key("sndwnd").MustInt(opts.KCP.SndWnd)
	opts.KCP.RcvWnd = sec.Key("rcvwnd").MustInt(opts.KCP.RcvWnd)
	opts.KCP.DataShard = sec.Key("datashard").MustInt(opts.KCP.DataShard)
	opts.KCP.ParityShard = sec.Key("parityshard").MustInt(opts.KCP.ParityShard)
	opts.KCP.AckNoDelay = sec.Key("acknodelay").MustBool(opts.KCP.AckNoDelay)

	sec = f.Section("mux")
	if opts.Mux.MaxReceiveBuffer, err = sizeKey(sec, "max-receive-buffer", opts.Mux.MaxReceiveBuffer); err != nil {
		return nil, err
	}
	if opts.Mux.MaxStreamBuffer, err = sizeKey(sec, "max-stream-buffer", opts.Mux.MaxStreamBuffer); err != nil {
		return nil, err
	}

	sec = f.Section("log")
	return &FileConfig{
		Transport: opts,
		Verbose:   sec.Key("verbose").MustBool(false),
		Quiet:     sec.Key("quiet").MustBool(false),
	}, nil
}

func sizeKey(sec *ini.Section, name string, def int) (int, error) {
	if !sec.HasKey(name) {
		return def, nil
	}
	v, err := misc.ParseSize(sec.Key(name).String())
	if err != nil {
		return 0, errors.Wrapf(err, "[%s] %s", sec.Name(), name)
	}
	return int(v), nil
}
