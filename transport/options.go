package transport

import "time"

type Options struct {
	Name     string
	Key      string
	Compress bool

	// KeepAlive is the interval of transport level keepalives, zero disables
	// them where the transport allows it.
	KeepAlive   time.Duration
	IdleTimeout time.Duration
	SockBuf     int

	KCP KCPOptions
	Mux MuxOptions
}

type KCPOptions struct {
	Mode        string
	MTU         int
	SndWnd      int
	RcvWnd      int
	DataShard   int
	ParityShard int
	AckNoDelay  bool
}

type MuxOptions struct {
	MaxReceiveBuffer int
	MaxStreamBuffer  int
}

func DefaultOptions() Options {
	return Options{
		Name:        "tcp",
		Key:         "paqet",
		KeepAlive:   10 * time.Second,
		IdleTimeout: 30 * time.Second,
		SockBuf:     4 << 20,
		KCP: KCPOptions{
			Mode:        "fast",
			MTU:         1350,
			SndWnd:      1024,
			RcvWnd:      1024,
			DataShard:   10,
			ParityShard: 3,
		},
		Mux: MuxOptions{
			MaxReceiveBuffer: 4 << 20,
			MaxStreamBuffer:  2 << 20,
		},
	}
}
