package apps

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/threatexpert/paqet/netx"
	"github.com/threatexpert/paqet/protocol"
	"github.com/threatexpert/paqet/transport"
)

func TestAppSocksConfigByArgs(t *testing.T) {
	config, err := AppSocksConfigByArgs([]string{"127.0.0.1:1080", "vps.example:443"})
	if err != nil {
		t.Fatal(err)
	}
	if config.Listen != (netx.Address{Host: "127.0.0.1", Port: 1080}) {
		t.Errorf("listen = %v", config.Listen)
	}
	if config.Server != (netx.Address{Host: "vps.example", Port: 443}) {
		t.Errorf("server = %v", config.Server)
	}
	if config.HandshakeTimeout != DefaultHandshakeTimeout || !config.EnableUDP {
		t.Errorf("defaults = %+v", config)
	}
	if len(config.Hints) != 1 || config.Hints[0] != protocol.FlagsPshAck {
		t.Errorf("hints = %v", config.Hints)
	}

	config, err = AppSocksConfigByArgs([]string{"-udp=false", "-hint", "none", ":1080", "s:1"})
	if err != nil {
		t.Fatal(err)
	}
	if config.EnableUDP || config.Hints != nil {
		t.Errorf("got %+v", config)
	}

	if _, err := AppSocksConfigByArgs([]string{":1080"}); err == nil {
		t.Error("missing server accepted")
	}
	if _, err := AppSocksConfigByArgs([]string{"-hint", "xyz", ":1080", "s:1"}); err == nil {
		t.Error("bad hint accepted")
	}
}

func TestAppForwardConfigByArgs(t *testing.T) {
	config, err := AppForwardConfigByArgs([]string{"udp", ":5353", "10.0.0.5:53", "s:1"})
	if err != nil {
		t.Fatal(err)
	}
	if config.Network != "udp" || config.Target != (netx.Address{Host: "10.0.0.5", Port: 53}) {
		t.Errorf("got %+v", config)
	}
	for _, args := range [][]string{
		{"sctp", ":1", "h:1", "s:1"},
		{"tcp", ":1", ":53", "s:1"},
		{"tcp", ":1", "h:1"},
		{"tcp", ":1", "h:70000", "s:1"},
	} {
		if _, err := AppForwardConfigByArgs(args); err == nil {
			t.Errorf("%v accepted", args)
		}
	}
}

func TestAppServerAndPingConfig(t *testing.T) {
	sc, err := AppServerConfigByArgs([]string{"-dial-timeout", "3s", "0.0.0.0:9999"})
	if err != nil {
		t.Fatal(err)
	}
	if sc.DialTimeout != 3*time.Second || sc.Listen.Port != 9999 {
		t.Errorf("got %+v", sc)
	}

	pc, err := AppPingConfigByArgs([]string{"-n", "3", "s:1"})
	if err != nil {
		t.Fatal(err)
	}
	if pc.Count != 3 || pc.Server.Host != "s" {
		t.Errorf("got %+v", pc)
	}
	if _, err := AppPingConfigByArgs([]string{"-n", "0", "s:1"}); err == nil {
		t.Error("zero count accepted")
	}
}

func TestLoadFileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paqet.ini")
	data := `
[transport]
name = kcpmux
key = hunter2
compress = true
sockbuf = 8M

[kcp]
mode = fast3
mtu = 1200

[mux]
max-stream-buffer = 512K

[log]
verbose = true
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	fc, err := LoadFileConfig(path, transport.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	o := fc.Transport
	if o.Name != "kcpmux" || o.Key != "hunter2" || !o.Compress {
		t.Errorf("transport = %+v", o)
	}
	if o.SockBuf != 8<<20 || o.Mux.MaxStreamBuffer != 512<<10 {
		t.Errorf("sizes = %d %d", o.SockBuf, o.Mux.MaxStreamBuffer)
	}
	if o.KCP.Mode != "fast3" || o.KCP.MTU != 1200 || o.KCP.SndWnd != transport.DefaultOptions().KCP.SndWnd {
		t.Errorf("kcp = %+v", o.KCP)
	}
	if !fc.Verbose || fc.Quiet {
		t.Errorf("log = %v %v", fc.Verbose, fc.Quiet)
	}

	if _, err := LoadFileConfig(filepath.Join(t.TempDir(), "missing.ini"), transport.DefaultOptions()); err == nil {
		t.Error("missing file accepted")
	}
}
